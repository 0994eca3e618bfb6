package providers

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/domain"
)

// PriceSource, PositionSource and MarketSource mirror the suppliers the
// admission controller reads from.
type PriceSource interface {
	PriceOf(ctx context.Context, symbol string) (domain.Quote, bool, error)
}

type PositionSource interface {
	Positions(ctx context.Context) ([]domain.Position, error)
}

type MarketSource interface {
	Metrics(ctx context.Context, symbol string) (domain.MarketMetrics, error)
}

// StateReporter receives breaker state changes (0 closed, 1 half-open,
// 2 open).
type StateReporter interface {
	SetBreakerState(name string, state int)
}

// newBreaker builds a breaker that trips on consecutive failures or on a
// failure ratio above 50% once enough requests were seen. Caller
// cancellation never counts as a failure.
func newBreaker(name string, cfg config.BreakerConfig, reporter StateReporter) *gobreaker.CircuitBreaker {
	consecutive := cfg.ConsecutiveFailures
	if consecutive == 0 {
		consecutive = 5
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= consecutive {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := log.Info()
			if to == gobreaker.StateOpen {
				ev = log.Warn()
			}
			ev.Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if reporter != nil {
				reporter.SetBreakerState(name, int(to))
			}
		},
	}
	if reporter != nil {
		reporter.SetBreakerState(name, int(gobreaker.StateClosed))
	}
	return gobreaker.NewCircuitBreaker(st)
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

// GuardedPrices wraps a price source in a breaker. A missing quote is a
// successful call.
type GuardedPrices struct {
	src PriceSource
	cb  *gobreaker.CircuitBreaker
}

func NewGuardedPrices(src PriceSource, cfg config.BreakerConfig, reporter StateReporter) *GuardedPrices {
	return &GuardedPrices{src: src, cb: newBreaker("prices", cfg, reporter)}
}

type quoteResult struct {
	q  domain.Quote
	ok bool
}

func (g *GuardedPrices) PriceOf(ctx context.Context, pair string) (domain.Quote, bool, error) {
	r, err := execute(g.cb, func() (quoteResult, error) {
		q, ok, err := g.src.PriceOf(ctx, pair)
		return quoteResult{q: q, ok: ok}, err
	})
	return r.q, r.ok, err
}

// State returns the breaker state
func (g *GuardedPrices) State() gobreaker.State { return g.cb.State() }

// GuardedPositions wraps a position source in a breaker
type GuardedPositions struct {
	src PositionSource
	cb  *gobreaker.CircuitBreaker
}

func NewGuardedPositions(src PositionSource, cfg config.BreakerConfig, reporter StateReporter) *GuardedPositions {
	return &GuardedPositions{src: src, cb: newBreaker("positions", cfg, reporter)}
}

func (g *GuardedPositions) Positions(ctx context.Context) ([]domain.Position, error) {
	return execute(g.cb, func() ([]domain.Position, error) {
		return g.src.Positions(ctx)
	})
}

func (g *GuardedPositions) State() gobreaker.State { return g.cb.State() }

// GuardedMarket wraps a market metrics source in a breaker. A symbol without
// metrics is reported as an error but does not count toward tripping.
type GuardedMarket struct {
	src MarketSource
	cb  *gobreaker.CircuitBreaker
}

func NewGuardedMarket(src MarketSource, cfg config.BreakerConfig, reporter StateReporter) *GuardedMarket {
	return &GuardedMarket{src: src, cb: newBreaker("market", cfg, reporter)}
}

func (g *GuardedMarket) Metrics(ctx context.Context, pair string) (domain.MarketMetrics, error) {
	var missing error
	m, err := execute(g.cb, func() (domain.MarketMetrics, error) {
		m, err := g.src.Metrics(ctx, pair)
		if errors.Is(err, ErrNoMetrics) {
			missing = err
			return m, nil
		}
		return m, err
	})
	if err != nil {
		return domain.MarketMetrics{}, err
	}
	if missing != nil {
		return domain.MarketMetrics{}, missing
	}
	return m, nil
}

func (g *GuardedMarket) State() gobreaker.State { return g.cb.State() }
