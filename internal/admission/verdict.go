package admission

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/exposure"
	"github.com/sawpanic/admitgate/internal/gates"
	"github.com/sawpanic/admitgate/internal/persistence"
	"github.com/sawpanic/admitgate/internal/symbol"
)

// State is a step of the admission state machine
type State string

const (
	StateResolvingConfig    State = "RESOLVING_CONFIG"
	StateEvaluatingGates    State = "EVALUATING_GATES"
	StateEvaluatingExposure State = "EVALUATING_EXPOSURE"
	StateDecided            State = "DECIDED"
)

// Outcomes
const (
	OutcomeAllow = persistence.OutcomeAllow
	OutcomeBlock = persistence.OutcomeBlock
)

// Verdict reasons. Exposure blocks carry the ledger's reason instead.
const (
	ReasonAdmitted             = "admitted"
	ReasonGateBlocked          = "gate_blocked"
	ReasonInvalidIntent        = "invalid_intent"
	ReasonConfigUnavailable    = "config_unavailable"
	ReasonMissingPrice         = "missing_price"
	ReasonMissingPositions     = "missing_positions"
	ReasonMissingMarketMetrics = "missing_market_metrics"
	ReasonMissingPosition      = "missing_position"
	ReasonCooldownUnavailable  = "cooldown_state_unavailable"
	ReasonIntegrityViolation   = "integrity_violation"
	ReasonCancelled            = "cancelled"
)

// Errors raised while gathering inputs. Each maps to one verdict reason.
var (
	ErrInvalidIntent        = errors.New("invalid intent")
	ErrConfigUnavailable    = errors.New("configuration unavailable")
	ErrMissingPrice         = errors.New("no usable price")
	ErrMissingPositions     = errors.New("positions unavailable")
	ErrMissingMarketMetrics = errors.New("market metrics unavailable")
	ErrMissingPosition      = errors.New("no open position to sell")
	ErrCooldownUnavailable  = errors.New("cooldown state unavailable")
	ErrIntegrityViolation   = errors.New("integrity violation on intent symbol")
	ErrCancelled            = errors.New("evaluation cancelled")
)

var errReasons = []struct {
	err    error
	reason string
}{
	{ErrCancelled, ReasonCancelled},
	{ErrInvalidIntent, ReasonInvalidIntent},
	{ErrConfigUnavailable, ReasonConfigUnavailable},
	{ErrMissingPrice, ReasonMissingPrice},
	{ErrMissingPositions, ReasonMissingPositions},
	{ErrMissingMarketMetrics, ReasonMissingMarketMetrics},
	{ErrMissingPosition, ReasonMissingPosition},
	{ErrCooldownUnavailable, ReasonCooldownUnavailable},
	{ErrIntegrityViolation, ReasonIntegrityViolation},
}

// ReasonFor maps an evaluation error to its verdict reason. Context
// cancellation always reads as cancelled; unknown errors return "".
func ReasonFor(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCancelled
	}
	for _, er := range errReasons {
		if errors.Is(err, er.err) {
			return er.reason
		}
	}
	return ""
}

// Verdict is the decision for one intent. Two evaluations of the same
// intent against the same inputs produce equal verdicts.
type Verdict struct {
	RequestID string             `json:"request_id"`
	Intent    domain.TradeIntent `json:"intent"`

	Allowed bool   `json:"allowed"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`

	BlockingGates  []string `json:"blocking_gates"`
	ExposureReason string   `json:"exposure_reason,omitempty"`

	Trace               *gates.GateTrace            `json:"trace,omitempty"`
	EffectiveConfig     *config.EffectiveConfig     `json:"effective_config,omitempty"`
	Exposure            *exposure.Result            `json:"exposure,omitempty"`
	IntegrityViolations []exposure.ExcludedPosition `json:"integrity_violations,omitempty"`

	State State `json:"state"`
	// DecidedIn is the state the machine was in when the outcome was fixed.
	DecidedIn State     `json:"decided_in"`
	DecidedAt time.Time `json:"decided_at"`
	Replayed  bool      `json:"replayed,omitempty"`
}

func newVerdict(intent domain.TradeIntent, now time.Time) *Verdict {
	return &Verdict{
		RequestID:     intent.RequestID,
		Intent:        intent,
		BlockingGates: []string{},
		State:         StateResolvingConfig,
		DecidedAt:     now,
	}
}

// advance moves the machine to s.
func (v *Verdict) advance(s State) {
	v.State = s
}

func (v *Verdict) allow() *Verdict {
	v.Allowed = true
	v.Outcome = OutcomeAllow
	v.Reason = ReasonAdmitted
	v.DecidedIn = v.State
	v.State = StateDecided
	return v
}

func (v *Verdict) block(reason string) *Verdict {
	v.Allowed = false
	v.Outcome = OutcomeBlock
	v.Reason = reason
	v.DecidedIn = v.State
	v.State = StateDecided
	return v
}

// fail blocks on err. A done context wins over whatever the input error
// was, since collaborators usually surface cancellation as their own error.
func (v *Verdict) fail(ctx context.Context, err error) *Verdict {
	v.Detail = err.Error()
	if ctx.Err() != nil {
		return v.block(ReasonCancelled)
	}
	reason := ReasonFor(err)
	if reason == "" {
		reason = ReasonCooldownUnavailable
	}
	return v.block(reason)
}

// AuditRecord projects the verdict into its persisted shape.
func (v *Verdict) AuditRecord(latency time.Duration) persistence.AuditRecord {
	rec := persistence.AuditRecord{
		RequestID:     v.RequestID,
		EvaluatedAt:   v.DecidedAt,
		Symbol:        symbol.Base(v.Intent.Symbol),
		Side:          string(v.Intent.Side),
		Context:       string(v.Intent.Context),
		Outcome:       v.Outcome,
		Reason:        v.Reason,
		State:         string(v.DecidedIn),
		BlockingGates: append([]string{}, v.BlockingGates...),
		LatencyMS:     latency.Milliseconds(),
	}
	for _, ex := range v.IntegrityViolations {
		rec.IntegrityViolations = append(rec.IntegrityViolations, ex.Symbol)
	}
	if v.Trace != nil {
		rec.Trace = mustJSON(v.Trace)
	}
	if v.EffectiveConfig != nil {
		rec.EffectiveConfig = mustJSON(v.EffectiveConfig)
	}
	if v.Exposure != nil {
		rec.Exposure = mustJSON(v.Exposure)
	}
	return rec
}

// mustJSON marshals plain data structs. Failure yields a NULL column.
func mustJSON(x any) json.RawMessage {
	b, err := json.Marshal(x)
	if err != nil {
		return nil
	}
	return b
}
