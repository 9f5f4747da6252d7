package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
)

// Timestamps are stored as unix nanoseconds so aggregates such as MAX()
// come back as integers on both SQLite and PostgreSQL.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		route_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		upstream TEXT NOT NULL DEFAULT '',
		client_ip TEXT NOT NULL DEFAULT '',
		bytes_in INTEGER NOT NULL DEFAULT 0,
		bytes_out INTEGER NOT NULL DEFAULT 0,
		duration_us INTEGER NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		route_id TEXT NOT NULL DEFAULT '',
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_route ON requests(route_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type, ts)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS requests (
		id BIGSERIAL PRIMARY KEY,
		route_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		upstream TEXT NOT NULL DEFAULT '',
		client_ip TEXT NOT NULL DEFAULT '',
		bytes_in BIGINT NOT NULL DEFAULT 0,
		bytes_out BIGINT NOT NULL DEFAULT 0,
		duration_us BIGINT NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id BIGSERIAL PRIMARY KEY,
		route_id TEXT NOT NULL DEFAULT '',
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_route ON requests(route_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type, ts)`,
}

// initSchema creates the tables if they don't exist, in one transaction.
func initSchema(ctx context.Context, db *sql.DB, statements []string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Warn("Schema rollback failed: %v", rbErr)
			}
		}
	}()

	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}
