package http

import (
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/domain"
)

// EvaluateRequest is the body of POST /v1/admission/evaluate
type EvaluateRequest struct {
	RequestID          string     `json:"request_id"`
	Symbol             string     `json:"symbol"`
	Side               string     `json:"side"`
	Context            string     `json:"context"`
	ProposedAllocation float64    `json:"proposed_allocation"`
	Timestamp          *time.Time `json:"timestamp,omitempty"`
}

// Intent converts the request into a trade intent. Side and context accept
// the same aliases as the CLI.
func (r EvaluateRequest) Intent() (domain.TradeIntent, error) {
	side, err := domain.ParseSide(r.Side)
	if err != nil {
		return domain.TradeIntent{}, err
	}
	ctx, err := domain.ParseContext(r.Context)
	if err != nil {
		return domain.TradeIntent{}, err
	}

	ti := domain.TradeIntent{
		RequestID:          r.RequestID,
		Symbol:             strings.TrimSpace(r.Symbol),
		Side:               side,
		Context:            ctx,
		ProposedAllocation: r.ProposedAllocation,
	}
	if r.Timestamp != nil {
		ti.Timestamp = r.Timestamp.UTC()
	}
	return ti, nil
}

// OverrideRequest is the body of POST /v1/config/overrides
type OverrideRequest struct {
	ID       string     `json:"id"`
	Field    string     `json:"field"`
	Value    float64    `json:"value"`
	IssuedAt *time.Time `json:"issued_at,omitempty"`
}

// Override converts the request, stamping now when no issue time is given.
func (r OverrideRequest) Override(now time.Time) (config.Override, error) {
	if strings.TrimSpace(r.ID) == "" {
		return config.Override{}, fmt.Errorf("override id is required")
	}
	if strings.TrimSpace(r.Field) == "" {
		return config.Override{}, fmt.Errorf("override field is required")
	}
	o := config.Override{ID: r.ID, Field: r.Field, Value: r.Value, IssuedAt: now}
	if r.IssuedAt != nil {
		o.IssuedAt = r.IssuedAt.UTC()
	}
	return o, nil
}

// OverrideAccepted acknowledges a registered override. Whether it applies
// is decided at each resolution; Provenance shows the current outcome.
type OverrideAccepted struct {
	Override   config.Override   `json:"override"`
	Provenance config.Provenance `json:"provenance"`
	Applied    bool              `json:"applied"`
}

// ResetResponse acknowledges a cooldown reset
type ResetResponse struct {
	Reset     bool      `json:"reset"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditSummary is the response of GET /v1/audit/summary
type AuditSummary struct {
	From   time.Time        `json:"from"`
	To     time.Time        `json:"to"`
	Counts map[string]int64 `json:"counts"`
}

// ErrorResponse is the standard error body
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Checks    map[string]CheckResult `json:"checks"`
}

// SystemInfo provides process-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
}

// CheckResult is the outcome of one dependency check
type CheckResult struct {
	Status   string        `json:"status"` // "pass", "fail"
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}
