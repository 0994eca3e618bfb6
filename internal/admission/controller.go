package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/cooldown"
	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/exposure"
	"github.com/sawpanic/admitgate/internal/gates"
	"github.com/sawpanic/admitgate/internal/symbol"
)

// PriceSource supplies live quotes. ok is false when the symbol has no
// quote at all.
type PriceSource interface {
	PriceOf(ctx context.Context, symbol string) (domain.Quote, bool, error)
}

// PositionSource supplies the current holdings
type PositionSource interface {
	Positions(ctx context.Context) ([]domain.Position, error)
}

// MarketContext supplies microstructure metrics per symbol
type MarketContext interface {
	Metrics(ctx context.Context, symbol string) (domain.MarketMetrics, error)
}

// Observer receives decision telemetry. metrics.Registry satisfies it.
type Observer interface {
	RecordDecision(trigger, side, outcome, reason string, latency time.Duration)
	RecordGateFailure(gate, trigger string, enforced bool)
	RecordExposureBlock(reason string)
	RecordPriceFallback(symbol string)
	RecordIntegrityViolation(code string)
	RecordReplay(hit bool)
}

type noopObserver struct{}

func (noopObserver) RecordDecision(string, string, string, string, time.Duration) {}
func (noopObserver) RecordGateFailure(string, string, bool)                       {}
func (noopObserver) RecordExposureBlock(string)                                   {}
func (noopObserver) RecordPriceFallback(string)                                   {}
func (noopObserver) RecordIntegrityViolation(string)                              {}
func (noopObserver) RecordReplay(bool)                                            {}

// Sources groups the collaborators a controller reads from
type Sources struct {
	Config    config.Source
	Prices    PriceSource
	Positions PositionSource
	Market    MarketContext
}

// Controller admits or blocks trade intents. Evaluations for the same base
// asset are serialized; different assets proceed concurrently.
type Controller struct {
	src       Sources
	tracker   *cooldown.Tracker
	evaluator *gates.Evaluator
	locks     *keyedLock

	replay   *ReplayCache
	audit    AuditSink
	observer Observer
	clock    func() time.Time
}

// Option configures a Controller
type Option func(*Controller)

// WithReplay enables request-ID replay of ALLOW verdicts.
func WithReplay(r *ReplayCache) Option {
	return func(c *Controller) { c.replay = r }
}

// WithAuditSink sets where decisions are recorded. The default is LogSink.
func WithAuditSink(s AuditSink) Option {
	return func(c *Controller) { c.audit = s }
}

// WithObserver sets the telemetry receiver.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithClock sets the time source used for intents without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.clock = now }
}

// NewController wires a controller over src and tracker. The tracker is both
// read by the temporal gates and written on ALLOW.
func NewController(src Sources, tracker *cooldown.Tracker, opts ...Option) *Controller {
	if tracker == nil {
		tracker = cooldown.NewTracker(nil)
	}
	c := &Controller{
		src:       src,
		tracker:   tracker,
		evaluator: gates.NewEvaluator(tracker),
		locks:     newKeyedLock(),
		audit:     LogSink{},
		observer:  noopObserver{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate runs one intent through the admission state machine. It never
// returns nil and never returns an error: every failure is a BLOCK verdict.
func (c *Controller) Evaluate(ctx context.Context, intent domain.TradeIntent) *Verdict {
	started := time.Now()
	if intent.RequestID == "" {
		intent.RequestID = uuid.NewString()
	}
	now := intent.Timestamp
	if now.IsZero() {
		now = c.clock().UTC()
	}

	v := c.evaluate(ctx, intent, now)
	c.report(ctx, v, time.Since(started))
	return v
}

func (c *Controller) evaluate(ctx context.Context, intent domain.TradeIntent, now time.Time) *Verdict {
	v := newVerdict(intent, now)
	if err := intent.Validate(); err != nil {
		return v.fail(ctx, fmt.Errorf("%w: %v", ErrInvalidIntent, err))
	}

	release, err := c.locks.Acquire(ctx, symbol.Base(intent.Symbol))
	if err != nil {
		return v.fail(ctx, fmt.Errorf("%w: waiting for %s: %v", ErrCancelled, symbol.Base(intent.Symbol), err))
	}
	defer release()

	if cached := c.lookupReplay(ctx, intent.RequestID); cached != nil {
		return cached
	}

	c.decide(ctx, v, now)

	if v.Allowed && c.replay != nil {
		if err := c.replay.Store(ctx, v); err != nil {
			log.Warn().Err(err).Str("request_id", v.RequestID).Msg("Failed to cache verdict for replay")
		}
	}
	return v
}

func (c *Controller) lookupReplay(ctx context.Context, requestID string) *Verdict {
	if c.replay == nil {
		return nil
	}
	cached, ok, err := c.replay.Lookup(ctx, requestID)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("Replay lookup failed, evaluating afresh")
	}
	c.observer.RecordReplay(ok)
	if !ok {
		return nil
	}
	log.Debug().Str("request_id", requestID).Msg("Replaying cached verdict")
	return cached
}

// decide walks RESOLVING_CONFIG → EVALUATING_GATES → EVALUATING_EXPOSURE →
// DECIDED. The cooldown entry is written last, only on ALLOW.
func (c *Controller) decide(ctx context.Context, v *Verdict, now time.Time) *Verdict {
	intent := v.Intent

	eff, err := c.resolve(ctx, now)
	if err != nil {
		return v.fail(ctx, err)
	}
	v.EffectiveConfig = &eff

	v.advance(StateEvaluatingGates)
	metrics, err := c.src.Market.Metrics(ctx, intent.Symbol)
	if err != nil {
		return v.fail(ctx, fmt.Errorf("%w: %s: %v", ErrMissingMarketMetrics, intent.Symbol, err))
	}
	if !metrics.Finite() {
		return v.fail(ctx, fmt.Errorf("%w: %s: non-finite reading", ErrMissingMarketMetrics, intent.Symbol))
	}
	quote, err := c.quote(ctx, intent.Symbol)
	if err != nil {
		return v.fail(ctx, err)
	}

	trace, err := c.evaluator.EvaluateIntent(ctx, intent, metrics, &quote, eff.Thresholds(intent.Context), now)
	if err != nil {
		return v.fail(ctx, fmt.Errorf("%w: %v", ErrCooldownUnavailable, err))
	}
	v.Trace = &trace
	for _, ev := range trace.Evaluations {
		if !ev.Pass {
			c.observer.RecordGateFailure(string(ev.Gate), string(intent.Context), ev.Enforced)
		}
	}
	if !trace.OverallPass {
		v.BlockingGates = append([]string{}, trace.BlockingGates...)
		return v.block(ReasonGateBlocked)
	}

	v.advance(StateEvaluatingExposure)
	positions, err := c.src.Positions.Positions(ctx)
	if err != nil {
		return v.fail(ctx, fmt.Errorf("%w: %v", ErrMissingPositions, err))
	}
	res := c.computeExposure(ctx, positions, eff, map[string]float64{intent.Symbol: quote.Price})
	v.Exposure = &res
	v.IntegrityViolations = res.Excluded

	for _, ex := range res.Excluded {
		if symbol.Same(ex.Symbol, intent.Symbol) {
			return v.fail(ctx, fmt.Errorf("%w: %s", ErrIntegrityViolation, ex.Symbol))
		}
	}

	switch intent.Side {
	case domain.SideBuy:
		amount := intent.ProposedAllocation
		if amount == 0 {
			amount = eff.TradeAllocation
		}
		d := exposure.CanBuySymbol(intent.Symbol, res, amount)
		if !d.Allowed {
			v.ExposureReason = d.Reason
			c.observer.RecordExposureBlock(d.Reason)
			return v.block(d.Reason)
		}
	case domain.SideSell:
		if !holds(positions, intent.Symbol) {
			return v.fail(ctx, fmt.Errorf("%w: %s", ErrMissingPosition, intent.Symbol))
		}
	}

	if err := ctx.Err(); err != nil {
		return v.fail(ctx, fmt.Errorf("%w: %v", ErrCancelled, err))
	}
	if err := c.tracker.RecordTrade(ctx, intent.Symbol, intent.Side, now); err != nil {
		return v.fail(ctx, fmt.Errorf("%w: %v", ErrCooldownUnavailable, err))
	}
	return v.allow()
}

func (c *Controller) resolve(ctx context.Context, now time.Time) (config.EffectiveConfig, error) {
	layers, err := c.src.Config.Layers(ctx)
	if err != nil {
		return config.EffectiveConfig{}, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}
	return config.Resolve(layers, now), nil
}

// quote fetches the intent symbol's live price. It never falls back, and
// a non-finite price counts as missing.
func (c *Controller) quote(ctx context.Context, sym string) (domain.Quote, error) {
	q, ok, err := c.src.Prices.PriceOf(ctx, sym)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %s: %v", ErrMissingPrice, sym, err)
	}
	if !ok || !(q.Price > 0) || math.IsInf(q.Price, 1) {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrMissingPrice, sym)
	}
	return q, nil
}

// computeExposure prices every held base asset and aggregates. known
// carries prices already fetched (the intent's own quote); other symbols
// may lack a live quote, and the ledger then values them at average price.
func (c *Controller) computeExposure(ctx context.Context, positions []domain.Position, eff config.EffectiveConfig, known map[string]float64) exposure.Result {
	byPair := make(map[string]float64, len(known)+len(positions))
	seen := make(map[string]bool, len(known)+len(positions))
	for pair, p := range known {
		byPair[pair] = p
		seen[symbol.Base(pair)] = true
	}

	for _, pos := range positions {
		base := symbol.Base(pos.Symbol)
		if pos.RemainingAmount == 0 || seen[base] {
			continue
		}
		seen[base] = true

		q, ok, err := c.src.Prices.PriceOf(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Price lookup failed for held symbol")
			continue
		}
		if ok {
			byPair[pos.Symbol] = q.Price
		}
	}

	res := exposure.ComputeExposure(positions, exposure.NewPrices(byPair), eff.ExposureConfig())
	for _, base := range res.Fallbacks {
		c.observer.RecordPriceFallback(base)
	}
	for _, ex := range res.Excluded {
		for _, code := range ex.Codes {
			c.observer.RecordIntegrityViolation(code)
		}
	}
	return res
}

func holds(positions []domain.Position, pair string) bool {
	for _, p := range positions {
		if p.RemainingAmount > 0 && symbol.Same(p.Symbol, pair) {
			return true
		}
	}
	return false
}

// report emits telemetry and the audit record outside the symbol lock.
// Audit failures are logged; they never change a decision already made.
func (c *Controller) report(ctx context.Context, v *Verdict, latency time.Duration) {
	c.observer.RecordDecision(string(v.Intent.Context), string(v.Intent.Side), v.Outcome, v.Reason, latency)
	if v.Replayed {
		return
	}
	if err := c.audit.Record(context.WithoutCancel(ctx), v.AuditRecord(latency)); err != nil {
		log.Error().Err(err).Str("request_id", v.RequestID).Msg("Failed to record admission audit")
	}
}

// EffectiveConfig resolves the configuration at the controller's clock.
func (c *Controller) EffectiveConfig(ctx context.Context) (config.EffectiveConfig, error) {
	return c.resolve(ctx, c.clock().UTC())
}

// Exposure computes the current portfolio exposure without admitting
// anything.
func (c *Controller) Exposure(ctx context.Context) (exposure.Result, error) {
	eff, err := c.EffectiveConfig(ctx)
	if err != nil {
		return exposure.Result{}, err
	}
	positions, err := c.src.Positions.Positions(ctx)
	if err != nil {
		return exposure.Result{}, fmt.Errorf("%w: %v", ErrMissingPositions, err)
	}
	return c.computeExposure(ctx, positions, eff, nil), nil
}

// ResetCooldowns clears every cooldown entry.
func (c *Controller) ResetCooldowns(ctx context.Context) error {
	if err := c.tracker.Reset(ctx); err != nil {
		return fmt.Errorf("reset cooldowns: %w", err)
	}
	log.Info().Msg("Cooldown state reset")
	return nil
}

// Tracker exposes the cooldown tracker shared with the gates.
func (c *Controller) Tracker() *cooldown.Tracker {
	return c.tracker
}
