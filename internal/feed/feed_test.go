package feed

import (
	"testing"
	"time"

	"crowdease/internal/model"
)

func report(id, store string, ts time.Time) model.CrowdReport {
	return model.CrowdReport{ID: id, StoreID: store, Level: model.LevelBusy, Timestamp: ts, Weight: model.WeightFull}
}

func TestFeedRingBuffer(t *testing.T) {
	f := New(2)
	now := time.Now()
	f.Add(report("a", "S1", now))
	f.Add(report("b", "S1", now))
	f.Add(report("c", "S2", now))
	list := f.List(0)
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("unexpected feed contents: %+v", list)
	}
	if got := f.List(1); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("expected newest report, got %+v", got)
	}
}

func TestFeedSinceAndClear(t *testing.T) {
	f := New(10)
	now := time.Now()
	f.Add(report("old", "S1", now.Add(-2*time.Hour)))
	f.Add(report("new", "S1", now.Add(-10*time.Minute)))
	f.Add(report("other", "S2", now))

	if got := f.Since(now.Add(-time.Hour)); len(got) != 2 {
		t.Fatalf("expected 2 reports in the last hour, got %d", len(got))
	}
	f.Clear()
	if f.Len() != 0 {
		t.Fatalf("expected empty feed after clear")
	}
}
