package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"crowdease/internal/model"
)

type memoryStore struct {
	mu       sync.RWMutex
	reports  []model.CrowdReport
	patterns map[model.PatternKey]model.HistoricalPattern
}

func NewMemory() Store {
	return &memoryStore{patterns: make(map[model.PatternKey]model.HistoricalPattern)}
}

func (m *memoryStore) Init(context.Context) error { return nil }

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) AppendReport(_ context.Context, r model.CrowdReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *memoryStore) Reports(context.Context) ([]model.CrowdReport, error) {
	m.mu.RLock()
	out := make([]model.CrowdReport, len(m.reports))
	copy(out, m.reports)
	m.mu.RUnlock()
	sortReports(out)
	return out, nil
}

func (m *memoryStore) ReportsSince(_ context.Context, storeID string, since time.Time) ([]model.CrowdReport, error) {
	m.mu.RLock()
	out := make([]model.CrowdReport, 0)
	for _, r := range m.reports {
		if r.StoreID == storeID && r.Timestamp.After(since) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortReports(out)
	return out, nil
}

func sortReports(reports []model.CrowdReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].Timestamp.Equal(reports[j].Timestamp) {
			return reports[i].Timestamp.Before(reports[j].Timestamp)
		}
		return reports[i].ID < reports[j].ID
	})
}

func (m *memoryStore) SweepReports(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.reports[:0]
	removed := 0
	for _, r := range m.reports {
		if now.Sub(r.Timestamp) >= r.Weight.MaxAge() {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(m.reports); i++ {
		m.reports[i] = model.CrowdReport{}
	}
	m.reports = kept
	return removed, nil
}

func (m *memoryStore) Patterns(context.Context) ([]model.HistoricalPattern, error) {
	m.mu.RLock()
	out := make([]model.HistoricalPattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StoreID != b.StoreID {
			return a.StoreID < b.StoreID
		}
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		return a.HourOfDay < b.HourOfDay
	})
	return out, nil
}

func (m *memoryStore) Pattern(_ context.Context, storeID string, day, hour int) (model.HistoricalPattern, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[model.PatternKey{StoreID: storeID, DayOfWeek: day, HourOfDay: hour}]
	return p, ok, nil
}

func (m *memoryStore) ReplacePatterns(_ context.Context, patterns []model.HistoricalPattern) error {
	next := make(map[model.PatternKey]model.HistoricalPattern, len(patterns))
	for _, p := range patterns {
		next[p.Key()] = p
	}
	m.mu.Lock()
	m.patterns = next
	m.mu.Unlock()
	return nil
}
