package gates

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/admitgate/internal/cooldown"
	"github.com/sawpanic/admitgate/internal/domain"
)

// Gate names a single admission check
type Gate string

const (
	GateSpread        Gate = "spread"
	GateLiquidity     Gate = "liquidity"
	GateStaleness     Gate = "data_freshness"
	GateWhaleConflict Gate = "whale_conflict"
	GateCooldown      Gate = "cooldown"
	GateMinHold       Gate = "min_hold"
)

// AllGates is the fixed gate set in evaluation order
var AllGates = []Gate{GateSpread, GateLiquidity, GateStaleness, GateWhaleConflict, GateCooldown, GateMinHold}

// Comparator describes how an observation is tested against its threshold.
// Both are inclusive so exact boundary values pass.
type Comparator string

const (
	AtMost  Comparator = "<="
	AtLeast Comparator = ">="
)

var comparators = map[Gate]Comparator{
	GateSpread:        AtMost,
	GateLiquidity:     AtLeast,
	GateStaleness:     AtMost,
	GateWhaleConflict: AtLeast, // age of latest conflict vs window
	GateCooldown:      AtLeast, // elapsed since same-direction trade vs period
	GateMinHold:       AtLeast, // elapsed since entry vs minimum hold
}

// ComparatorFor returns the comparator used by gate g.
func ComparatorFor(g Gate) Comparator {
	return comparators[g]
}

// Observed carries the measurements the gates are tested against. Nil
// durations mean no event has been seen.
type Observed struct {
	SpreadBps      float64
	LiquidityRatio float64
	DataAge        time.Duration

	WhaleConflictAge *time.Duration
	SinceLastTrade   *time.Duration // same symbol, same direction
	SinceEntry       *time.Duration // since last recorded BUY, for min hold
}

// GateEvaluation is the outcome of one gate
type GateEvaluation struct {
	Gate       Gate       `json:"gate"`
	Threshold  float64    `json:"threshold"`
	Observed   float64    `json:"observed"`
	Comparator Comparator `json:"comparator"`
	Pass       bool       `json:"pass"`
	Enforced   bool       `json:"enforced"`
	Note       string     `json:"note,omitempty"`
}

// GateTrace is the full evaluation of an intent against its context's gates
type GateTrace struct {
	Context       domain.Context   `json:"context"`
	Symbol        string           `json:"symbol"`
	Side          domain.Side      `json:"side"`
	Evaluations   []GateEvaluation `json:"evaluations"`
	OverallPass   bool             `json:"overall_pass"`
	BlockingGates []string         `json:"blocking_gates"`
	// AdvisoryFailures lists gates that failed without being enforced.
	AdvisoryFailures []string  `json:"advisory_failures,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Evaluation returns the evaluation for gate g, if present.
func (gt GateTrace) Evaluation(g Gate) (GateEvaluation, bool) {
	for _, e := range gt.Evaluations {
		if e.Gate == g {
			return e, true
		}
	}
	return GateEvaluation{}, false
}

// Evaluate tests obs against th for every gate. It has no side effects: a
// gate failing with Enforce=false is recorded but never blocks, and
// OverallPass is true exactly when BlockingGates is empty.
func Evaluate(ctx domain.Context, symbol string, side domain.Side, obs Observed, th Thresholds, now time.Time) GateTrace {
	trace := GateTrace{
		Context:       ctx,
		Symbol:        symbol,
		Side:          side,
		Evaluations:   make([]GateEvaluation, 0, len(AllGates)),
		BlockingGates: []string{},
		Timestamp:     now,
	}

	for _, g := range AllGates {
		ev := evaluateGate(g, side, obs, th.Get(g))
		trace.Evaluations = append(trace.Evaluations, ev)

		if ev.Pass {
			continue
		}
		if ev.Enforced {
			trace.BlockingGates = append(trace.BlockingGates, string(g))
		} else {
			trace.AdvisoryFailures = append(trace.AdvisoryFailures, string(g))
		}
	}

	trace.OverallPass = len(trace.BlockingGates) == 0
	return trace
}

func evaluateGate(g Gate, side domain.Side, obs Observed, th Threshold) GateEvaluation {
	ev := GateEvaluation{
		Gate:       g,
		Threshold:  th.Value,
		Comparator: comparators[g],
		Enforced:   th.Enforce,
	}

	switch g {
	case GateSpread:
		ev.Observed = obs.SpreadBps
	case GateLiquidity:
		ev.Observed = obs.LiquidityRatio
	case GateStaleness:
		ev.Observed = durationToMs(obs.DataAge)
	case GateWhaleConflict:
		ev.Observed, ev.Note = clampedAge(obs.WhaleConflictAge, th.Value, "no conflicting whale signal")
	case GateCooldown:
		ev.Observed, ev.Note = clampedAge(obs.SinceLastTrade, th.Value, "no prior trade in this direction")
	case GateMinHold:
		if side != domain.SideSell {
			ev.Observed = th.Value
			ev.Note = "not applicable to BUY"
			break
		}
		ev.Observed, ev.Note = clampedAge(obs.SinceEntry, th.Value, "no recorded entry")
	}

	ev.Pass = compare(ev.Comparator, ev.Observed, ev.Threshold)
	return ev
}

// clampedAge turns an optional elapsed time into an observation. Absent
// events and ages beyond the window both sit exactly on the threshold.
func clampedAge(age *time.Duration, thresholdMs float64, absentNote string) (float64, string) {
	if age == nil {
		return thresholdMs, absentNote
	}
	ms := durationToMs(*age)
	if ms < 0 {
		ms = 0
	}
	if ms > thresholdMs {
		ms = thresholdMs
	}
	return ms, ""
}

func compare(c Comparator, observed, threshold float64) bool {
	switch c {
	case AtMost:
		return observed <= threshold
	case AtLeast:
		return observed >= threshold
	default:
		return false
	}
}

// Evaluator gathers observations from the market snapshot and cooldown state
// and runs Evaluate. It holds no per-intent state.
type Evaluator struct {
	tracker *cooldown.Tracker
}

// NewEvaluator creates an evaluator reading temporal state from tracker
func NewEvaluator(tracker *cooldown.Tracker) *Evaluator {
	return &Evaluator{tracker: tracker}
}

// ObserveMarket converts a market snapshot into observations. Staleness is
// the older of the metrics age and the quote age.
func ObserveMarket(m domain.MarketMetrics, quote *domain.Quote, now time.Time) Observed {
	obs := Observed{
		SpreadBps:      m.SpreadBps,
		LiquidityRatio: m.LiquidityRatio,
		DataAge:        m.DataAge,
	}

	if quote != nil && !quote.AsOf.IsZero() {
		if age := now.Sub(quote.AsOf); age > obs.DataAge {
			obs.DataAge = age
		}
	}

	if !m.LastWhaleConflict.IsZero() {
		age := now.Sub(m.LastWhaleConflict)
		obs.WhaleConflictAge = &age
	}
	return obs
}

// ObserveTemporal fills the cooldown and hold-period observations from the
// tracker.
func (e *Evaluator) ObserveTemporal(ctx context.Context, symbol string, side domain.Side, now time.Time, obs *Observed) error {
	last, found, err := e.tracker.Last(ctx, symbol, side)
	if err != nil {
		return fmt.Errorf("cooldown lookup: %w", err)
	}
	if found {
		since := now.Sub(last.LastTradeTime)
		obs.SinceLastTrade = &since
	}

	if side == domain.SideSell {
		entry, found, err := e.tracker.Last(ctx, symbol, domain.SideBuy)
		if err != nil {
			return fmt.Errorf("entry lookup: %w", err)
		}
		if found {
			since := now.Sub(entry.LastTradeTime)
			obs.SinceEntry = &since
		}
	}
	return nil
}

// EvaluateIntent observes and evaluates in one step.
func (e *Evaluator) EvaluateIntent(ctx context.Context, intent domain.TradeIntent, m domain.MarketMetrics, quote *domain.Quote, th Thresholds, now time.Time) (GateTrace, error) {
	obs := ObserveMarket(m, quote, now)
	if err := e.ObserveTemporal(ctx, intent.Symbol, intent.Side, now, &obs); err != nil {
		return GateTrace{}, err
	}
	return Evaluate(intent.Context, intent.Symbol, intent.Side, obs, th, now), nil
}
