package engine

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"crowdease/internal/model"
)

func bucketReport(id, store string, day, hour int, level model.CrowdLevel) model.CrowdReport {
	return model.CrowdReport{
		ID:        id,
		StoreID:   store,
		Level:     level,
		Weight:    model.WeightFull,
		Timestamp: time.Unix(1_700_000_000, 0),
		DayOfWeek: day,
		HourOfDay: hour,
	}
}

func TestAggregateFiveModerateReports(t *testing.T) {
	now := time.Unix(1_700_100_000, 0)
	var reports []model.CrowdReport
	for i := 0; i < 5; i++ {
		reports = append(reports, bucketReport(fmt.Sprintf("r%d", i), "S", 3, 14, model.LevelModerate))
	}
	got := AggregatePatterns(reports, now)
	want := []model.HistoricalPattern{{
		StoreID:           "S",
		DayOfWeek:         3,
		HourOfDay:         14,
		AverageCrowdLevel: 0.5,
		ReportCount:       5,
		LastUpdated:       now,
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected patterns:\n got %+v\nwant %+v", got, want)
	}
}

func TestAggregateDropsSmallBuckets(t *testing.T) {
	var reports []model.CrowdReport
	for i := 0; i < 4; i++ {
		reports = append(reports, bucketReport(fmt.Sprintf("a%d", i), "S", 3, 14, model.LevelBusy))
	}
	for i := 0; i < 6; i++ {
		reports = append(reports, bucketReport(fmt.Sprintf("b%d", i), "S", 3, 15, model.LevelQuiet))
	}
	got := AggregatePatterns(reports, time.Now())
	if len(got) != 1 || got[0].HourOfDay != 15 {
		t.Fatalf("expected only the hour 15 bucket, got %+v", got)
	}
	for _, p := range got {
		if p.ReportCount < MinPatternReports {
			t.Fatalf("pattern with %d reports emitted", p.ReportCount)
		}
	}
}

func TestAggregateIdempotentAndOrderIndependent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	var reports []model.CrowdReport
	stores := []string{"A", "B", "C"}
	for i := 0; i < 400; i++ {
		w := model.WeightFull
		if r.Intn(3) == 0 {
			w = model.WeightReduced
		}
		reports = append(reports, model.CrowdReport{
			ID:        fmt.Sprintf("r%03d", i),
			StoreID:   stores[r.Intn(len(stores))],
			Level:     model.AllLevels[r.Intn(3)],
			Weight:    w,
			Timestamp: time.Unix(int64(1_700_000_000+r.Intn(100000)), 0),
			DayOfWeek: r.Intn(2),
			HourOfDay: 10 + r.Intn(3),
		})
	}
	now := time.Unix(1_700_200_000, 0)
	first := AggregatePatterns(reports, now)
	second := AggregatePatterns(reports, now)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("aggregation is not idempotent")
	}
	shuffled := append([]model.CrowdReport(nil), reports...)
	r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
	if !reflect.DeepEqual(first, AggregatePatterns(shuffled, now)) {
		t.Fatalf("aggregation depends on input order")
	}
	for i := 1; i < len(first); i++ {
		if !keyLess(first[i-1].Key(), first[i].Key()) {
			t.Fatalf("patterns not sorted at %d", i)
		}
	}
	if len(first) == 0 {
		t.Fatalf("expected patterns from 400 reports")
	}
}
