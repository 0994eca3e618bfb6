package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/domain"
)

const snapshotYAML = `
prices:
  BTC-EUR: {price: 50000, as_of: 2025-03-14T09:00:00Z}
  ETH/EUR: {price: 2500}
positions:
  - {symbol: ETH-EUR, remaining_amount: 0.1, average_price: 2000, total_value: 200}
market:
  XBTEUR: {spread_bps: 12.5, liquidity_ratio: 1.4, data_age: 2s, last_whale_conflict: 2025-03-14T08:30:00Z}
`

func TestParseSnapshot(t *testing.T) {
	ctx := context.Background()
	s, err := ParseSnapshot([]byte(snapshotYAML))
	require.NoError(t, err)

	q, ok, err := s.PriceOf(ctx, "btc/eur")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50000.0, q.Price)
	assert.True(t, q.AsOf.Equal(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)))

	_, ok, err = s.PriceOf(ctx, "ADA-EUR")
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := s.Metrics(ctx, "BTC-EUR")
	require.NoError(t, err)
	assert.Equal(t, 12.5, m.SpreadBps)
	assert.Equal(t, 2*time.Second, m.DataAge)
	assert.False(t, m.LastWhaleConflict.IsZero())

	_, err = s.Metrics(ctx, "ETH-EUR")
	assert.ErrorIs(t, err, ErrNoMetrics)

	pos, err := s.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	pos[0].RemainingAmount = 0
	again, _ := s.Positions(ctx)
	assert.Equal(t, 0.1, again[0].RemainingAmount, "positions are copied")
}

func TestParseSnapshot_Invalid(t *testing.T) {
	_, err := ParseSnapshot([]byte("prices: [oops"))
	assert.Error(t, err)
}

func TestSnapshot_CancelledContext(t *testing.T) {
	s, err := ParseSnapshot([]byte(snapshotYAML))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = s.PriceOf(ctx, "BTC-EUR")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileSnapshot_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(snapshotYAML), 0o600))

	f, err := NewFileSnapshot(path)
	require.NoError(t, err)

	q, _, err := f.PriceOf(context.Background(), "BTC-EUR")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, q.Price)

	require.NoError(t, os.WriteFile(path, []byte("prices:\n  BTC-EUR: {price: 51000}\n"), 0o600))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	q, _, err = f.PriceOf(context.Background(), "BTC-EUR")
	require.NoError(t, err)
	assert.Equal(t, 51000.0, q.Price)

	require.NoError(t, os.Remove(path))
	_, err = f.Positions(context.Background())
	assert.Error(t, err)

	_, err = NewFileSnapshot(path)
	assert.Error(t, err)
}

type flakyPrices struct {
	err   error
	calls int
}

func (f *flakyPrices) PriceOf(context.Context, string) (domain.Quote, bool, error) {
	f.calls++
	if f.err != nil {
		return domain.Quote{}, false, f.err
	}
	return domain.Quote{}, false, nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states map[string]int
}

func (r *stateRecorder) SetBreakerState(name string, state int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = make(map[string]int)
	}
	r.states[name] = state
}

func (r *stateRecorder) get(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

func TestGuardedPrices_TripsOnConsecutiveFailures(t *testing.T) {
	src := &flakyPrices{err: errors.New("upstream down")}
	rec := &stateRecorder{}
	g := NewGuardedPrices(src, config.BreakerConfig{ConsecutiveFailures: 3, Timeout: time.Minute}, rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := g.PriceOf(ctx, "BTC-EUR")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())
	assert.Equal(t, int(gobreaker.StateOpen), rec.get("prices"))

	_, _, err := g.PriceOf(ctx, "BTC-EUR")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, src.calls, "open breaker does not call through")
}

func TestGuardedPrices_MissingQuoteIsNotFailure(t *testing.T) {
	src := &flakyPrices{}
	g := NewGuardedPrices(src, config.BreakerConfig{ConsecutiveFailures: 1}, nil)

	for i := 0; i < 5; i++ {
		_, ok, err := g.PriceOf(context.Background(), "ADA-EUR")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuardedPrices_CancellationDoesNotTrip(t *testing.T) {
	src := &flakyPrices{err: context.Canceled}
	g := NewGuardedPrices(src, config.BreakerConfig{ConsecutiveFailures: 1}, nil)

	for i := 0; i < 3; i++ {
		_, _, _ = g.PriceOf(context.Background(), "BTC-EUR")
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuardedMarketAndPositions(t *testing.T) {
	s, err := ParseSnapshot([]byte(snapshotYAML))
	require.NoError(t, err)
	cfg := config.BreakerConfig{ConsecutiveFailures: 1}
	rec := &stateRecorder{}

	market := NewGuardedMarket(s, cfg, rec)
	_, err = market.Metrics(context.Background(), "ETH-EUR")
	assert.ErrorIs(t, err, ErrNoMetrics)
	assert.Equal(t, gobreaker.StateClosed, market.State(), "missing metrics do not trip")

	m, err := market.Metrics(context.Background(), "BTC-EUR")
	require.NoError(t, err)
	assert.Equal(t, 1.4, m.LiquidityRatio)

	positions := NewGuardedPositions(s, cfg, rec)
	pos, err := positions.Positions(context.Background())
	require.NoError(t, err)
	assert.Len(t, pos, 1)
	assert.Equal(t, gobreaker.StateClosed, positions.State())
	assert.Equal(t, int(gobreaker.StateClosed), rec.get("positions"))
}
