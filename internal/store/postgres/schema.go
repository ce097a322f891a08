package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. The partial unique index on
// active jobs backs the one-active-job-per-workspace invariant at the
// storage layer, should this service ever run as more than one process.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            UUID PRIMARY KEY,
    workspace_id  TEXT NOT NULL,
    schedule_id   UUID,
    test_group    TEXT NOT NULL DEFAULT '',
    test_ids      TEXT[] NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    started_at    TIMESTAMPTZ,
    completed_at  TIMESTAMPTZ,
    error         TEXT NOT NULL DEFAULT '',
    result        JSONB,
    events        JSONB NOT NULL DEFAULT '[]',
    metadata      JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs (workspace_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_schedule ON jobs (schedule_id) WHERE schedule_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_workspace ON jobs (workspace_id)
    WHERE status NOT IN ('completed', 'failed', 'cancelled');

CREATE TABLE IF NOT EXISTS schedules (
    id               UUID PRIMARY KEY,
    name             TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    cron_expression  TEXT NOT NULL,
    timezone         TEXT NOT NULL DEFAULT 'UTC',
    workspace_ids    TEXT[] NOT NULL DEFAULT '{}',
    test_group       TEXT NOT NULL DEFAULT '',
    test_ids         TEXT[] NOT NULL DEFAULT '{}',
    enabled          BOOLEAN NOT NULL DEFAULT TRUE,
    next_run_time    TIMESTAMPTZ,
    last_run_time    TIMESTAMPTZ,
    last_run_job_ids UUID[] NOT NULL DEFAULT '{}',
    total_runs       INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (next_run_time) WHERE enabled;
`

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
