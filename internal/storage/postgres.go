package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn, namespace string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/crowdease?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{newBaseStore(db, dialectPostgres, namespace)}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			level TEXT NOT NULL,
			ts_ms BIGINT NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			day_of_week SMALLINT NOT NULL,
			hour_of_day SMALLINT NOT NULL,
			channel TEXT NOT NULL DEFAULT ''
		)`, s.reports),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_store_ts ON %s(store_id, ts_ms)`, s.reports, s.reports),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			store_id TEXT NOT NULL,
			day_of_week SMALLINT NOT NULL,
			hour_of_day SMALLINT NOT NULL,
			average_level DOUBLE PRECISION NOT NULL,
			report_count INTEGER NOT NULL,
			last_updated_ms BIGINT NOT NULL,
			PRIMARY KEY (store_id, day_of_week, hour_of_day)
		)`, s.patterns),
	})
}
