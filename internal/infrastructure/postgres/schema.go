package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// schema is applied statement by statement; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS surgical_cases (
		id          TEXT PRIMARY KEY,
		version     INTEGER NOT NULL,
		state       TEXT NOT NULL,
		patient_id  TEXT NOT NULL,
		room        TEXT,
		sched_start TIMESTAMPTZ,
		sched_end   TIMESTAMPTZ,
		document    JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_surgical_cases_schedule
		ON surgical_cases (sched_start, sched_end) WHERE sched_start IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_surgical_cases_personnel
		ON surgical_cases USING GIN ((document->'personnel') jsonb_path_ops)`,

	`CREATE TABLE IF NOT EXISTS appointments (
		id            TEXT PRIMARY KEY,
		version       INTEGER NOT NULL,
		patient_id    TEXT NOT NULL,
		clinician_id  TEXT NOT NULL,
		type          TEXT NOT NULL,
		reason        TEXT NOT NULL DEFAULT '',
		starts_at     TIMESTAMPTZ NOT NULL,
		ends_at       TIMESTAMPTZ NOT NULL,
		state         TEXT NOT NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_by    TEXT NOT NULL,
		updated_by    TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_clinician_start
		ON appointments (clinician_id, starts_at)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		kafka_topic    TEXT NOT NULL,
		kafka_key      TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox (created_at) WHERE processed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS case_transition_log (
		event_id    TEXT PRIMARY KEY,
		case_id     TEXT NOT NULL,
		patient_id  TEXT NOT NULL,
		from_state  TEXT NOT NULL,
		to_state    TEXT NOT NULL,
		actor       TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		version     INTEGER NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_case_transition_log_case
		ON case_transition_log (case_id, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
}

// Migrate creates the tables used by the stores, the outbox, the transition
// log and the idempotency inbox.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	logger.Info("schema migrated", zap.Int("statements", len(schema)))
	return nil
}
