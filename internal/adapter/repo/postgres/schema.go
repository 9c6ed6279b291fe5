package postgres

import (
	"context"
	"fmt"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                   BIGSERIAL PRIMARY KEY,
	status               TEXT NOT NULL DEFAULT 'queued',
	priority             TEXT NOT NULL DEFAULT 'normal',
	engine_name          TEXT NOT NULL DEFAULT '',
	task_type            TEXT NOT NULL DEFAULT 'transcribe',
	source_type          TEXT NOT NULL DEFAULT 'local_path',
	file_url             TEXT NOT NULL DEFAULT '',
	file_path            TEXT NOT NULL DEFAULT '',
	file_name            TEXT NOT NULL DEFAULT '',
	file_size_bytes      BIGINT NOT NULL DEFAULT 0,
	file_duration        DOUBLE PRECISION NOT NULL DEFAULT 0,
	platform             TEXT NOT NULL DEFAULT '',
	language             TEXT NOT NULL DEFAULT '',
	decode_options       JSONB,
	result               JSONB,
	error_message        TEXT NOT NULL DEFAULT '',
	task_processing_time DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempts             INTEGER NOT NULL DEFAULT 0,
	callback_url         TEXT NOT NULL DEFAULT '',
	callback_status_code INTEGER,
	callback_message     TEXT NOT NULL DEFAULT '',
	callback_time        TIMESTAMPTZ,
	output_url           TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim
	ON jobs (engine_name, created_at, id) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC);

-- Reserved for workflow orchestration; not exercised by the core.
CREATE TABLE IF NOT EXISTS workflows (
	id         BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the jobs table and its indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	return nil
}
