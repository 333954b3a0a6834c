package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens and pings a Postgres database
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs_archive (
	id             UUID PRIMARY KEY,
	name           TEXT NOT NULL,
	stage          TEXT NOT NULL,
	snapshot_json  JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	archived_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS job_events (
	id          BIGSERIAL PRIMARY KEY,
	job_id      UUID NOT NULL,
	at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	from_stage  TEXT,
	to_stage    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	meta_json   JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS job_events_job_id_idx ON job_events (job_id, at);

CREATE TABLE IF NOT EXISTS job_artifacts (
	id          BIGSERIAL PRIMARY KEY,
	job_id      UUID NOT NULL,
	type        TEXT NOT NULL,
	uri         TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	meta_json   JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS job_artifacts_job_id_idx ON job_artifacts (job_id, created_at);
`

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
