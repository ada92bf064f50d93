package engine

import (
	"sort"
	"time"

	"crowdease/internal/model"
)

// MinPatternReports is the smallest bucket size that yields a pattern.
const MinPatternReports = 5

// AggregatePatterns buckets reports by store, weekday and hour and returns
// one pattern per bucket holding at least MinPatternReports reports. The
// result is sorted by key.
func AggregatePatterns(reports []model.CrowdReport, now time.Time) []model.HistoricalPattern {
	buckets := make(map[model.PatternKey][]model.CrowdReport)
	for _, r := range reports {
		key := model.PatternKey{StoreID: r.StoreID, DayOfWeek: r.DayOfWeek, HourOfDay: r.HourOfDay}
		buckets[key] = append(buckets[key], r)
	}
	out := make([]model.HistoricalPattern, 0, len(buckets))
	for key, group := range buckets {
		if len(group) < MinPatternReports {
			continue
		}
		sortReports(group)
		out = append(out, model.HistoricalPattern{
			StoreID:           key.StoreID,
			DayOfWeek:         key.DayOfWeek,
			HourOfDay:         key.HourOfDay,
			AverageCrowdLevel: WeightedAverage(group),
			ReportCount:       len(group),
			LastUpdated:       now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key(), out[j].Key()) })
	return out
}

func keyLess(a, b model.PatternKey) bool {
	if a.StoreID != b.StoreID {
		return a.StoreID < b.StoreID
	}
	if a.DayOfWeek != b.DayOfWeek {
		return a.DayOfWeek < b.DayOfWeek
	}
	return a.HourOfDay < b.HourOfDay
}

// sortReports fixes summation order so floating point results do not depend
// on input order.
func sortReports(reports []model.CrowdReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].Timestamp.Equal(reports[j].Timestamp) {
			return reports[i].Timestamp.Before(reports[j].Timestamp)
		}
		return reports[i].ID < reports[j].ID
	})
}
