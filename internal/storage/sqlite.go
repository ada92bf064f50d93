package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn, namespace string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:crowdease.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{newBaseStore(db, dialectSQLite, namespace)}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			level TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			weight REAL NOT NULL,
			day_of_week INTEGER NOT NULL,
			hour_of_day INTEGER NOT NULL,
			channel TEXT NOT NULL DEFAULT ''
		)`, s.reports),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_store_ts ON %s(store_id, ts_ms)`, s.reports, s.reports),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			store_id TEXT NOT NULL,
			day_of_week INTEGER NOT NULL,
			hour_of_day INTEGER NOT NULL,
			average_level REAL NOT NULL,
			report_count INTEGER NOT NULL,
			last_updated_ms INTEGER NOT NULL,
			PRIMARY KEY (store_id, day_of_week, hour_of_day)
		)`, s.patterns),
	})
}
