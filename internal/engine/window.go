package engine

import (
	"time"

	"crowdease/internal/model"
)

// RealTimeWindow is how recent a report must be to count as real-time.
const RealTimeWindow = 30 * time.Minute

// RecentWindow holds the real-time reports of a single store.
type RecentWindow struct {
	reports []model.CrowdReport
	latest  time.Time
}

// NewRecentWindow keeps the reports of storeID with now − timestamp < window.
func NewRecentWindow(storeID string, now time.Time, window time.Duration, reports []model.CrowdReport) *RecentWindow {
	w := &RecentWindow{reports: make([]model.CrowdReport, 0, len(reports))}
	for _, r := range reports {
		if r.StoreID != storeID {
			continue
		}
		if now.Sub(r.Timestamp) >= window {
			continue
		}
		w.reports = append(w.reports, r)
		if r.Timestamp.After(w.latest) {
			w.latest = r.Timestamp
		}
	}
	sortReports(w.reports)
	return w
}

func (w *RecentWindow) Empty() bool {
	return len(w.reports) == 0
}

func (w *RecentWindow) Len() int {
	return len(w.reports)
}

func (w *RecentWindow) Latest() time.Time {
	return w.latest
}

func (w *RecentWindow) Level() model.CrowdLevel {
	if w.Empty() {
		return model.LevelNone
	}
	return FromNumeric(WeightedAverage(w.reports))
}
