package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crowdease/internal/config"
	"crowdease/internal/model"
)

// ReportStore is the append-only log of crowd reports.
type ReportStore interface {
	AppendReport(ctx context.Context, report model.CrowdReport) error
	// Reports returns every retained report ordered by timestamp.
	Reports(ctx context.Context) ([]model.CrowdReport, error)
	// ReportsSince returns the reports of storeID with a timestamp strictly
	// after since.
	ReportsSince(ctx context.Context, storeID string, since time.Time) ([]model.CrowdReport, error)
	// SweepReports removes reports whose age at now has reached the maximum
	// age of their weight and returns how many were removed.
	SweepReports(ctx context.Context, now time.Time) (int, error)
}

// PatternStore holds the aggregated historical patterns. It is replaced
// wholesale on every aggregation run.
type PatternStore interface {
	Patterns(ctx context.Context) ([]model.HistoricalPattern, error)
	Pattern(ctx context.Context, storeID string, day, hour int) (model.HistoricalPattern, bool, error)
	ReplacePatterns(ctx context.Context, patterns []model.HistoricalPattern) error
}

type Store interface {
	ReportStore
	PatternStore
	Init(ctx context.Context) error
	Close() error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "":
		return NewSQLite(cfg.DSN, cfg.Namespace)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, cfg.Namespace)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type baseStore struct {
	db       *sql.DB
	dialect  dialect
	reports  string
	patterns string
}

func newBaseStore(db *sql.DB, d dialect, namespace string) baseStore {
	if namespace == "" {
		namespace = "crowdease"
	}
	return baseStore{
		db:       db,
		dialect:  d,
		reports:  namespace + "_reports",
		patterns: namespace + "_patterns",
	}
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (b *baseStore) rebind(query string) string {
	if b.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return model.Unavailable("init schema", err)
		}
	}
	return nil
}

func (b *baseStore) AppendReport(ctx context.Context, r model.CrowdReport) error {
	_, err := b.db.ExecContext(ctx, b.rebind(fmt.Sprintf(
		`INSERT INTO %s (id, store_id, level, ts_ms, weight, day_of_week, hour_of_day, channel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, b.reports)),
		r.ID,
		r.StoreID,
		r.Level.String(),
		r.Timestamp.UnixMilli(),
		float64(r.Weight),
		r.DayOfWeek,
		r.HourOfDay,
		r.Channel,
	)
	if err != nil {
		return model.Unavailable("append report", err)
	}
	return nil
}

const reportColumns = `id, store_id, level, ts_ms, weight, day_of_week, hour_of_day, channel`

func (b *baseStore) Reports(ctx context.Context) ([]model.CrowdReport, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s ORDER BY ts_ms, id`, reportColumns, b.reports))
	if err != nil {
		return nil, model.Unavailable("list reports", err)
	}
	return scanReports(rows)
}

func (b *baseStore) ReportsSince(ctx context.Context, storeID string, since time.Time) ([]model.CrowdReport, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(fmt.Sprintf(
		`SELECT %s FROM %s WHERE store_id = ? AND ts_ms > ? ORDER BY ts_ms, id`, reportColumns, b.reports)),
		storeID, since.UnixMilli())
	if err != nil {
		return nil, model.Unavailable("list recent reports", err)
	}
	return scanReports(rows)
}

func scanReports(rows *sql.Rows) ([]model.CrowdReport, error) {
	defer rows.Close()
	out := make([]model.CrowdReport, 0)
	for rows.Next() {
		var (
			r      model.CrowdReport
			level  string
			tsMS   int64
			weight float64
		)
		if err := rows.Scan(&r.ID, &r.StoreID, &level, &tsMS, &weight, &r.DayOfWeek, &r.HourOfDay, &r.Channel); err != nil {
			return nil, model.Unavailable("scan report", err)
		}
		parsed, err := model.ParseCrowdLevel(level)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", r.ID, err)
		}
		r.Level = parsed
		r.Timestamp = time.UnixMilli(tsMS)
		r.Weight = model.ReportWeight(weight)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable("scan reports", err)
	}
	return out, nil
}

func (b *baseStore) SweepReports(ctx context.Context, now time.Time) (int, error) {
	fullCutoff := now.Add(-model.WeightFull.MaxAge()).UnixMilli()
	reducedCutoff := now.Add(-model.WeightReduced.MaxAge()).UnixMilli()
	res, err := b.db.ExecContext(ctx, b.rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE (weight >= 1.0 AND ts_ms <= ?) OR (weight < 1.0 AND ts_ms <= ?)`, b.reports)),
		fullCutoff, reducedCutoff)
	if err != nil {
		return 0, model.Unavailable("sweep reports", err)
	}
	return rowsAffected("sweep reports", res)
}

func rowsAffected(op string, res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, model.Unavailable(op, err)
	}
	return int(n), nil
}

const patternColumns = `store_id, day_of_week, hour_of_day, average_level, report_count, last_updated_ms`

func (b *baseStore) Patterns(ctx context.Context) ([]model.HistoricalPattern, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s ORDER BY store_id, day_of_week, hour_of_day`, patternColumns, b.patterns))
	if err != nil {
		return nil, model.Unavailable("list patterns", err)
	}
	defer rows.Close()
	out := make([]model.HistoricalPattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Unavailable("scan patterns", err)
	}
	return out, nil
}

func (b *baseStore) Pattern(ctx context.Context, storeID string, day, hour int) (model.HistoricalPattern, bool, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(fmt.Sprintf(
		`SELECT %s FROM %s WHERE store_id = ? AND day_of_week = ? AND hour_of_day = ?`, patternColumns, b.patterns)),
		storeID, day, hour)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HistoricalPattern{}, false, nil
	}
	if err != nil {
		return model.HistoricalPattern{}, false, err
	}
	return p, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (model.HistoricalPattern, error) {
	var (
		p      model.HistoricalPattern
		lastMS int64
	)
	if err := row.Scan(&p.StoreID, &p.DayOfWeek, &p.HourOfDay, &p.AverageCrowdLevel, &p.ReportCount, &lastMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, model.Unavailable("scan pattern", err)
	}
	p.LastUpdated = time.UnixMilli(lastMS)
	return p, nil
}

func (b *baseStore) ReplacePatterns(ctx context.Context, patterns []model.HistoricalPattern) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Unavailable("replace patterns", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, b.patterns)); err != nil {
		_ = tx.Rollback()
		return model.Unavailable("clear patterns", err)
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?)`, b.patterns, patternColumns)))
	if err != nil {
		_ = tx.Rollback()
		return model.Unavailable("prepare pattern insert", err)
	}
	defer stmt.Close()
	for _, p := range patterns {
		if _, err := stmt.ExecContext(ctx,
			p.StoreID,
			p.DayOfWeek,
			p.HourOfDay,
			p.AverageCrowdLevel,
			p.ReportCount,
			p.LastUpdated.UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return model.Unavailable("insert pattern", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Unavailable("commit patterns", err)
	}
	return nil
}
