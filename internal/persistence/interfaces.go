package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// TimeRange represents a time window for audit queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts lies within the range, bounds inclusive.
func (tr TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(tr.From) && !ts.After(tr.To)
}

// Outcome values stored with each audit record
const (
	OutcomeAllow = "ALLOW"
	OutcomeBlock = "BLOCK"
)

// AuditRecord is one admission decision as persisted. Trace, effective
// config and exposure are stored as JSON documents.
type AuditRecord struct {
	ID          int64     `json:"id" db:"id"`
	RequestID   string    `json:"request_id" db:"request_id"`
	EvaluatedAt time.Time `json:"ts" db:"ts"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Side        string    `json:"side" db:"side"`
	Context     string    `json:"context" db:"context"`
	Outcome     string    `json:"outcome" db:"outcome"`
	Reason      string    `json:"reason,omitempty" db:"reason"`
	State       string    `json:"state" db:"state"`

	BlockingGates       []string `json:"blocking_gates" db:"blocking_gates"`
	IntegrityViolations []string `json:"integrity_violations,omitempty" db:"integrity_violations"`

	Trace           json.RawMessage `json:"trace" db:"trace"`
	EffectiveConfig json.RawMessage `json:"effective_config" db:"effective_config"`
	Exposure        json.RawMessage `json:"exposure,omitempty" db:"exposure"`

	LatencyMS int64     `json:"latency_ms" db:"latency_ms"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Allowed reports whether the recorded decision was ALLOW.
func (r AuditRecord) Allowed() bool {
	return r.Outcome == OutcomeAllow
}

// AuditRepo persists admission decisions
type AuditRepo interface {
	// Insert stores a record. A retried request ID adds another row.
	Insert(ctx context.Context, rec AuditRecord) error

	// GetByRequestID returns the latest record for a request, nil when absent
	GetByRequestID(ctx context.Context, requestID string) (*AuditRecord, error)

	// ListBySymbol returns the newest records for a base symbol
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]AuditRecord, error)

	// CountByOutcome returns ALLOW/BLOCK counts in the range
	CountByOutcome(ctx context.Context, tr TimeRange) (map[string]int64, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Audit AuditRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
