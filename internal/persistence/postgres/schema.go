package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// AuditSchema creates the admission_audit table and its indexes. A request
// ID may appear more than once: only ALLOW verdicts are replayed, so a
// blocked request can be evaluated again under the same ID.
const AuditSchema = `
CREATE TABLE IF NOT EXISTS admission_audit (
	id                   BIGSERIAL PRIMARY KEY,
	request_id           TEXT        NOT NULL,
	ts                   TIMESTAMPTZ NOT NULL,
	symbol               TEXT        NOT NULL,
	side                 TEXT        NOT NULL,
	context              TEXT        NOT NULL,
	outcome              TEXT        NOT NULL CHECK (outcome IN ('ALLOW', 'BLOCK')),
	reason               TEXT,
	state                TEXT        NOT NULL,
	blocking_gates       TEXT[]      NOT NULL DEFAULT '{}',
	integrity_violations TEXT[]      NOT NULL DEFAULT '{}',
	trace                JSONB,
	effective_config     JSONB,
	exposure             JSONB,
	latency_ms           BIGINT      NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE admission_audit DROP CONSTRAINT IF EXISTS admission_audit_request_id_key;
CREATE INDEX IF NOT EXISTS admission_audit_request_ts ON admission_audit (request_id, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS admission_audit_symbol_ts ON admission_audit (symbol, ts DESC);
CREATE INDEX IF NOT EXISTS admission_audit_outcome_ts ON admission_audit (outcome, ts);
`

// Migrate applies AuditSchema. It is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, AuditSchema); err != nil {
		return fmt.Errorf("failed to apply audit schema: %w", err)
	}
	return nil
}
