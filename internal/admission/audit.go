package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/persistence"
)

// AuditSink receives exactly one record per evaluated intent
type AuditSink interface {
	Record(ctx context.Context, rec persistence.AuditRecord) error
}

// LogSink writes audit records to the structured log
type LogSink struct{}

func (LogSink) Record(_ context.Context, rec persistence.AuditRecord) error {
	ev := log.Info()
	if !rec.Allowed() {
		ev = log.Warn()
	}
	ev.Str("request_id", rec.RequestID).
		Str("symbol", rec.Symbol).
		Str("side", rec.Side).
		Str("context", rec.Context).
		Str("outcome", rec.Outcome).
		Str("reason", rec.Reason).
		Str("state", rec.State).
		Strs("blocking_gates", rec.BlockingGates).
		Strs("integrity_violations", rec.IntegrityViolations).
		Int64("latency_ms", rec.LatencyMS).
		Msg("Admission decision")
	return nil
}

// RepoSink persists audit records through the audit repository
type RepoSink struct {
	Repo persistence.AuditRepo
}

func (s RepoSink) Record(ctx context.Context, rec persistence.AuditRecord) error {
	if err := s.Repo.Insert(ctx, rec); err != nil {
		return fmt.Errorf("persist audit %s: %w", rec.RequestID, err)
	}
	return nil
}

// MultiSink fans a record out to every sink and joins their errors
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, rec persistence.AuditRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
