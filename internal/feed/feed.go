package feed

import (
	"sync"
	"time"

	"crowdease/internal/model"
)

// Feed is a bounded, in-memory log of recently accepted reports.
type Feed struct {
	mu    sync.RWMutex
	buf   []model.CrowdReport
	limit int
}

func New(limit int) *Feed {
	if limit <= 0 {
		limit = 1000
	}
	return &Feed{limit: limit}
}

func (f *Feed) Add(report model.CrowdReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) < f.limit {
		f.buf = append(f.buf, report)
		return
	}
	copy(f.buf, f.buf[1:])
	f.buf[len(f.buf)-1] = report
}

// List returns up to limit reports, newest last.
func (f *Feed) List(limit int) []model.CrowdReport {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > len(f.buf) {
		limit = len(f.buf)
	}
	out := make([]model.CrowdReport, 0, limit)
	for i := len(f.buf) - limit; i < len(f.buf); i++ {
		out = append(out, f.buf[i])
	}
	return out
}

func (f *Feed) Since(ts time.Time) []model.CrowdReport {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.CrowdReport, 0)
	for _, r := range f.buf {
		if !r.Timestamp.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.buf)
}

func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = nil
}
