package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the pipeline tables if needed. Having the migration in
// code keeps the stack self-contained so docker-compose can bootstrap
// everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	display_name TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	mime_type TEXT NOT NULL,
	category TEXT NOT NULL,
	original_format TEXT NOT NULL DEFAULT '',
	target_format TEXT,
	needs_conversion BOOLEAN NOT NULL DEFAULT FALSE,
	converted_size BIGINT,
	raw_key TEXT NOT NULL,
	processed_key TEXT,
	import_source TEXT NOT NULL,
	source_url TEXT,
	batch_id TEXT,
	notify_on_complete BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL,
	error_message TEXT,
	retry_count INT NOT NULL DEFAULT 0,
	progress INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	converted_at TIMESTAMPTZ,
	uploaded_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
CREATE INDEX IF NOT EXISTS idx_files_batch ON files(batch_id);

CREATE TABLE IF NOT EXISTS notification_requests (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	total_files INT NOT NULL,
	received_files INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	sent_at TIMESTAMPTZ,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_requests_user ON notification_requests(user_id, created_at);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
