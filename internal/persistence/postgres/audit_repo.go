package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/admitgate/internal/persistence"
)

const auditColumns = `id, request_id, ts, symbol, side, context, outcome, reason, state,
		blocking_gates, integrity_violations, trace, effective_config, exposure, latency_ms, created_at`

// auditRepo implements persistence.AuditRepo for PostgreSQL
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a new PostgreSQL audit repository
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert adds one admission decision
func (r *auditRepo) Insert(ctx context.Context, rec persistence.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if rec.RequestID == "" {
		return fmt.Errorf("audit record requires a request id")
	}

	query := `
		INSERT INTO admission_audit (request_id, ts, symbol, side, context, outcome, reason, state,
			blocking_gates, integrity_violations, trace, effective_config, exposure, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		rec.RequestID, rec.EvaluatedAt, rec.Symbol, rec.Side, rec.Context, rec.Outcome, rec.Reason, rec.State,
		pq.Array(nonNil(rec.BlockingGates)), pq.Array(nonNil(rec.IntegrityViolations)),
		jsonb(rec.Trace), jsonb(rec.EffectiveConfig), jsonb(rec.Exposure), rec.LatencyMS).
		Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	return nil
}

// GetByRequestID finds the latest record for a request, nil when absent
func (r *auditRepo) GetByRequestID(ctx context.Context, requestID string) (*persistence.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + auditColumns + `
		FROM admission_audit
		WHERE request_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT 1`

	rec, err := scanAudit(r.db.QueryRowxContext(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return rec, nil
}

// ListBySymbol retrieves decisions for a base symbol, newest first
func (r *auditRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + auditColumns + `
		FROM admission_audit
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, symbol, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records by symbol: %w", err)
	}
	defer rows.Close()

	var out []persistence.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}

// CountByOutcome returns decision counts grouped by outcome
func (r *auditRepo) CountByOutcome(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT outcome, COUNT(*)
		FROM admission_audit
		WHERE ts >= $1 AND ts <= $2
		GROUP BY outcome`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{
		persistence.OutcomeAllow: 0,
		persistence.OutcomeBlock: 0,
	}
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAudit(row rowScanner) (*persistence.AuditRecord, error) {
	var (
		rec                     persistence.AuditRecord
		reason                  sql.NullString
		trace, config, exposure []byte
	)

	err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.EvaluatedAt, &rec.Symbol, &rec.Side, &rec.Context,
		&rec.Outcome, &reason, &rec.State,
		pq.Array(&rec.BlockingGates), pq.Array(&rec.IntegrityViolations),
		&trace, &config, &exposure, &rec.LatencyMS, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Reason = reason.String
	rec.Trace = trace
	rec.EffectiveConfig = config
	rec.Exposure = exposure
	return &rec, nil
}

// jsonb maps an empty document to NULL.
func jsonb(doc []byte) interface{} {
	if len(doc) == 0 {
		return nil
	}
	return doc
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
