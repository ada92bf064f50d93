package metrics

import (
	"sort"
	"sync"
	"time"
)

// ChannelCounters tracks submissions per ingest channel.
type ChannelCounters struct {
	Accepted uint64            `json:"accepted"`
	Rejected map[string]uint64 `json:"rejected"`
}

// StoreActivity is the last accepted report seen for a store.
type StoreActivity struct {
	StoreID    string    `json:"storeId"`
	Reports    uint64    `json:"reports"`
	LastReport time.Time `json:"lastReport"`
}

type MaintenanceRun struct {
	At       time.Time     `json:"at"`
	Patterns int           `json:"patterns"`
	Swept    int           `json:"swept"`
	Duration time.Duration `json:"durationNs"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Channels        map[string]ChannelCounters `json:"channels"`
	Stores          []StoreActivity            `json:"stores"`
	Resolves        map[string]uint64          `json:"resolves"`
	LastAggregation *MaintenanceRun            `json:"lastAggregation,omitempty"`
	LastSweep       *MaintenanceRun            `json:"lastSweep,omitempty"`
}

type Store struct {
	mu        sync.RWMutex
	channels  map[string]*ChannelCounters
	byStore   map[string]*StoreActivity
	resolves  map[string]uint64
	lastAgg   *MaintenanceRun
	lastSweep *MaintenanceRun
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		channels: make(map[string]*ChannelCounters),
		byStore:  make(map[string]*StoreActivity),
		resolves: make(map[string]uint64),
		limit:    limit,
	}
}

func (s *Store) channel(name string) *ChannelCounters {
	c, ok := s.channels[name]
	if !ok {
		c = &ChannelCounters{Rejected: make(map[string]uint64)}
		s.channels[name] = c
	}
	return c
}

func (s *Store) Accepted(channel, storeID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(channel).Accepted++
	a, ok := s.byStore[storeID]
	if !ok {
		a = &StoreActivity{StoreID: storeID}
		s.byStore[storeID] = a
	}
	a.Reports++
	if at.After(a.LastReport) {
		a.LastReport = at
	}
	if len(s.byStore) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Rejected(channel, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(channel).Rejected[reason]++
}

func (s *Store) Resolved(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolves[source]++
}

func (s *Store) Aggregated(run MaintenanceRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAgg = &run
}

func (s *Store) Swept(run MaintenanceRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSweep = &run
}

func (s *Store) Get(storeID string) (StoreActivity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byStore[storeID]
	if !ok {
		return StoreActivity{}, false
	}
	return *a, true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Channels: make(map[string]ChannelCounters, len(s.channels)),
		Stores:   make([]StoreActivity, 0, len(s.byStore)),
		Resolves: make(map[string]uint64, len(s.resolves)),
	}
	for name, c := range s.channels {
		rejected := make(map[string]uint64, len(c.Rejected))
		for k, v := range c.Rejected {
			rejected[k] = v
		}
		out.Channels[name] = ChannelCounters{Accepted: c.Accepted, Rejected: rejected}
	}
	for _, a := range s.byStore {
		out.Stores = append(out.Stores, *a)
	}
	sort.Slice(out.Stores, func(i, j int) bool { return out.Stores[i].StoreID < out.Stores[j].StoreID })
	for k, v := range s.resolves {
		out.Resolves[k] = v
	}
	if s.lastAgg != nil {
		run := *s.lastAgg
		out.LastAggregation = &run
	}
	if s.lastSweep != nil {
		run := *s.lastSweep
		out.LastSweep = &run
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestStore string
	var oldest time.Time
	for id, a := range s.byStore {
		if oldestStore == "" || a.LastReport.Before(oldest) {
			oldestStore = id
			oldest = a.LastReport
		}
	}
	if oldestStore != "" {
		delete(s.byStore, oldestStore)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]*ChannelCounters)
	s.byStore = make(map[string]*StoreActivity)
	s.resolves = make(map[string]uint64)
	s.lastAgg = nil
	s.lastSweep = nil
}
