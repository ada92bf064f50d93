package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crowdease/internal/config"
	"crowdease/internal/feed"
	"crowdease/internal/logging"
	"crowdease/internal/metrics"
	"crowdease/internal/model"
	"crowdease/internal/normalize"
	"crowdease/internal/storage"
)

// ErrDuplicate is returned for a trusted submission that was already stored
// within the dedupe window.
var ErrDuplicate = errors.New("duplicate submission")

type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Store
	feed     *feed.Feed
	store    storage.Store
	cfg      atomic.Value
	loc      atomic.Value
	started  time.Time
	cooldown *Cooldown
	deDupe   *DedupeCache
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(cfg *config.Config, logger *slog.Logger, metricsStore *metrics.Store, recent *feed.Feed, store storage.Store, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if metricsStore == nil {
		metricsStore = metrics.NewStore(0)
	}
	if recent == nil {
		recent = feed.New(0)
	}
	e := &Engine{
		logger:   logger.With("component", "engine"),
		metrics:  metricsStore,
		feed:     recent,
		store:    store,
		started:  time.Now().UTC(),
		cooldown: NewCooldown(),
		deDupe:   NewDedupeCache(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	loc, err := cfg.Location()
	if err != nil {
		e.logger.Warn("unknown timezone, falling back to local", "timezone", cfg.Timezone, "error", err)
		loc = time.Local
	}
	e.cfg.Store(cfg)
	e.loc.Store(loc)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Location is the time zone reports are bucketed in.
func (e *Engine) Location() *time.Location {
	if v := e.loc.Load(); v != nil {
		return v.(*time.Location)
	}
	return time.Local
}

func (e *Engine) Started() time.Time { return e.started }

// Now is the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) Feed() *feed.Feed { return e.feed }

func (e *Engine) Metrics() *metrics.Store { return e.metrics }

// Submit validates a submission from ch and appends the resulting report.
func (e *Engine) Submit(ctx context.Context, sub model.Submission, ch model.Channel) (model.CrowdReport, error) {
	cfg := e.config()
	now := e.now()
	report, err := normalize.Normalize(sub, normalize.Options{
		Now:           now,
		Location:      e.Location(),
		Channel:       ch,
		MaxFutureSkew: cfg.Crowd.MaxFutureSkew,
	})
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			e.metrics.Rejected(ch.Name, ve.Category)
		}
		return model.CrowdReport{}, err
	}

	dedupeKey := ""
	if ch.Trusted && sub.Timestamp != "" && cfg.Crowd.DedupeWindow > 0 {
		dedupeKey = hashReport(sub.ClientID, report)
		if e.deDupe.Seen(dedupeKey, now, cfg.Crowd.DedupeWindow) {
			e.metrics.Rejected(ch.Name, "duplicate")
			return model.CrowdReport{}, ErrDuplicate
		}
	}

	// Trusted channels are deduplicated, not rate limited.
	limited := !ch.Trusted
	if limited && !e.cooldown.Allow(sub.ClientID, report.StoreID, now, cfg.Crowd.ReportCooldown) {
		e.metrics.Rejected(ch.Name, "cooldown")
		wait := e.cooldown.Remaining(sub.ClientID, report.StoreID, now, cfg.Crowd.ReportCooldown)
		return model.CrowdReport{}, fmt.Errorf("%w: try again in %s", model.ErrCooldown, wait.Round(time.Minute))
	}

	report.ID = e.newID()
	if err := e.store.AppendReport(ctx, report); err != nil {
		if limited && sub.ClientID != "" {
			e.cooldown.Release(sub.ClientID, report.StoreID, now)
		}
		if dedupeKey != "" {
			e.deDupe.Forget(dedupeKey)
		}
		e.logger.Error("append report failed", "store_id", report.StoreID, "channel", ch.Name, "error", err)
		return model.CrowdReport{}, err
	}
	e.feed.Add(report)
	e.metrics.Accepted(ch.Name, report.StoreID, report.Timestamp)
	e.logger.Debug("report accepted",
		"report_id", report.ID,
		"store_id", report.StoreID,
		"level", report.Level.String(),
		"weight", float64(report.Weight),
		"channel", ch.Name,
	)
	return report, nil
}

// Resolve returns the crowd data currently shown for storeID.
func (e *Engine) Resolve(ctx context.Context, storeID string) (model.CrowdData, error) {
	now := e.now()
	loc := e.Location()
	reports, err := e.store.ReportsSince(ctx, storeID, now.Add(-RealTimeWindow))
	if err != nil {
		return model.CrowdData{}, err
	}
	var pattern *model.HistoricalPattern
	local := now.In(loc)
	if p, ok, err := e.store.Pattern(ctx, storeID, int(local.Weekday()), local.Hour()); err != nil {
		return model.CrowdData{}, err
	} else if ok {
		pattern = &p
	}
	data := ResolveCrowdData(storeID, now, reports, pattern, loc)
	e.metrics.Resolved(string(data.Source))
	return data, nil
}

// Patterns returns the stored historical patterns of storeID ordered by
// weekday and hour.
func (e *Engine) Patterns(ctx context.Context, storeID string) ([]model.HistoricalPattern, error) {
	all, err := e.store.Patterns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.HistoricalPattern, 0)
	for _, p := range all {
		if p.StoreID == storeID {
			out = append(out, p)
		}
	}
	return out, nil
}

// LatestReport returns the report with the newest timestamp for storeID
// inside the real-time window. ok is false when there is none.
func (e *Engine) LatestReport(ctx context.Context, storeID string) (model.CrowdReport, bool, error) {
	reports, err := e.store.ReportsSince(ctx, storeID, e.now().Add(-RealTimeWindow))
	if err != nil {
		return model.CrowdReport{}, false, err
	}
	if len(reports) == 0 {
		return model.CrowdReport{}, false, nil
	}
	latest := reports[0]
	for _, r := range reports[1:] {
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	return latest, true, nil
}

// Aggregate recomputes every historical pattern from the full report log
// and replaces the pattern store with the result.
func (e *Engine) Aggregate(ctx context.Context) (int, error) {
	start := e.now()
	reports, err := e.store.Reports(ctx)
	if err != nil {
		e.recordAggregation(start, 0, err)
		return 0, err
	}
	patterns := AggregatePatterns(reports, start)
	if err := e.store.ReplacePatterns(ctx, patterns); err != nil {
		e.recordAggregation(start, 0, err)
		return 0, err
	}
	e.recordAggregation(start, len(patterns), nil)
	e.logger.Info("patterns aggregated", "reports", len(reports), "patterns", len(patterns))
	return len(patterns), nil
}

func (e *Engine) recordAggregation(start time.Time, n int, err error) {
	run := metrics.MaintenanceRun{At: start, Patterns: n, Duration: e.now().Sub(start)}
	if err != nil {
		run.Error = err.Error()
	}
	e.metrics.Aggregated(run)
}

// Sweep drops reports past their retention window.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	start := e.now()
	n, err := e.store.SweepReports(ctx, start)
	run := metrics.MaintenanceRun{At: start, Swept: n, Duration: e.now().Sub(start)}
	if err != nil {
		run.Error = err.Error()
	}
	e.metrics.Swept(run)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("reports swept", "removed", n)
	}
	return n, nil
}

// RunMaintenance aggregates and then sweeps. A failed aggregation skips the
// sweep.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	if _, err := e.Aggregate(ctx); err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if _, err := e.Sweep(ctx); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}

// StartMaintenance runs RunMaintenance every interval until ctx is done.
func (e *Engine) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.config().Maintenance.Interval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.RunMaintenance(ctx); err != nil {
					e.logger.Error("maintenance failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Reset forgets cooldowns, dedupe state and in-memory activity. Stored
// reports and patterns are kept.
func (e *Engine) Reset() {
	e.cooldown.Clear()
	e.deDupe.Clear()
	e.feed.Clear()
	e.metrics.Clear()
}
