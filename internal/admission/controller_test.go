package admission

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/admitgate/internal/cache"
	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/cooldown"
	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/exposure"
	"github.com/sawpanic/admitgate/internal/metrics"
	"github.com/sawpanic/admitgate/internal/persistence"
	"github.com/sawpanic/admitgate/internal/symbol"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeConfig struct {
	mu  sync.Mutex
	l   config.Layers
	err error
}

func (f *fakeConfig) Layers(ctx context.Context) (config.Layers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return config.Layers{}, f.err
	}
	return f.l, nil
}

type fakePrices struct {
	mu  sync.Mutex
	m   map[string]domain.Quote
	err error
}

func (f *fakePrices) PriceOf(_ context.Context, pair string) (domain.Quote, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Quote{}, false, f.err
	}
	q, ok := f.m[symbol.Base(pair)]
	return q, ok, nil
}

type fakePositions struct {
	positions []domain.Position
	err       error
}

func (f *fakePositions) Positions(context.Context) ([]domain.Position, error) {
	return f.positions, f.err
}

type fakeMarket struct {
	m   domain.MarketMetrics
	err error
	// hold, when set, blocks Metrics until closed or ctx is done
	hold  chan struct{}
	calls atomic.Int32
}

func (f *fakeMarket) Metrics(ctx context.Context, _ string) (domain.MarketMetrics, error) {
	f.calls.Add(1)
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return domain.MarketMetrics{}, ctx.Err()
		}
	}
	return f.m, f.err
}

type countingStore struct {
	*cooldown.MemoryStore
	saves   atomic.Int32
	loadErr error
	saveErr error
}

func (s *countingStore) Load(ctx context.Context, key cooldown.Key) (cooldown.Entry, bool, error) {
	if s.loadErr != nil {
		return cooldown.Entry{}, false, s.loadErr
	}
	return s.MemoryStore.Load(ctx, key)
}

func (s *countingStore) Save(ctx context.Context, key cooldown.Key, e cooldown.Entry) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves.Add(1)
	return s.MemoryStore.Save(ctx, key, e)
}

type recordingSink struct {
	mu   sync.Mutex
	recs []persistence.AuditRecord
	err  error
}

func (s *recordingSink) Record(_ context.Context, rec persistence.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type harness struct {
	cfg       *fakeConfig
	prices    *fakePrices
	positions *fakePositions
	market    *fakeMarket
	store     *countingStore
	sink      *recordingSink
	tracker   *cooldown.Tracker
	ctrl      *Controller
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		cfg: &fakeConfig{l: config.Layers{Strategy: config.StrategyConfig{
			WalletValue:          1000,
			MaxWalletExposurePct: 80,
			MaxActiveCoins:       5,
			TradeAllocation:      100,
		}}},
		prices: &fakePrices{m: map[string]domain.Quote{
			"BTC": {Price: 50000},
			"ETH": {Price: 2500},
		}},
		positions: &fakePositions{},
		market:    &fakeMarket{m: domain.MarketMetrics{SpreadBps: 10, LiquidityRatio: 2}},
		store:     &countingStore{MemoryStore: cooldown.NewMemoryStore()},
		sink:      &recordingSink{},
	}
	h.tracker = cooldown.NewTracker(h.store)

	opts = append([]Option{WithAuditSink(h.sink), WithClock(func() time.Time { return t0 })}, opts...)
	h.ctrl = NewController(Sources{
		Config:    h.cfg,
		Prices:    h.prices,
		Positions: h.positions,
		Market:    h.market,
	}, h.tracker, opts...)
	return h
}

func intent(pair string, side domain.Side, c domain.Context, at time.Time) domain.TradeIntent {
	return domain.TradeIntent{
		RequestID: uuid.NewString(),
		Symbol:    pair,
		Side:      side,
		Context:   c,
		Timestamp: at,
	}
}

func TestController_AdmitsAndRecordsCooldown(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	v := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))

	require.True(t, v.Allowed, v.Detail)
	assert.Equal(t, OutcomeAllow, v.Outcome)
	assert.Equal(t, ReasonAdmitted, v.Reason)
	assert.Equal(t, StateDecided, v.State)
	assert.Equal(t, StateEvaluatingExposure, v.DecidedIn)
	assert.Empty(t, v.BlockingGates)
	require.NotNil(t, v.Trace)
	assert.True(t, v.Trace.OverallPass)
	require.NotNil(t, v.EffectiveConfig)
	assert.Equal(t, 1000.0, v.EffectiveConfig.WalletValue)
	require.NotNil(t, v.Exposure)
	assert.Equal(t, 800.0, v.Exposure.RemainingWalletCapacity)

	assert.Equal(t, int32(1), h.store.saves.Load())
	last, found, err := h.tracker.Last(ctx, "BTC", domain.SideBuy)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, last.LastTradeTime.Equal(t0))

	require.Equal(t, 1, h.sink.count())
	rec := h.sink.recs[0]
	assert.Equal(t, v.RequestID, rec.RequestID)
	assert.Equal(t, "BTC", rec.Symbol)
	assert.Equal(t, OutcomeAllow, rec.Outcome)
	assert.NotEmpty(t, rec.Trace)
	assert.NotEmpty(t, rec.EffectiveConfig)
}

func TestController_CooldownByContext(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.tracker.RecordTrade(ctx, "BTC-EUR", domain.SideBuy, t0))
	at := t0.Add(120 * time.Second)

	entry := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, at))
	assert.False(t, entry.Allowed)
	assert.Equal(t, ReasonGateBlocked, entry.Reason)
	assert.Equal(t, []string{"cooldown"}, entry.BlockingGates)
	assert.Equal(t, StateEvaluatingGates, entry.DecidedIn)
	assert.Nil(t, entry.Exposure, "exposure is not evaluated after a gate block")

	tp := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextTP, at))
	assert.True(t, tp.Allowed, tp.Detail)
	assert.NotContains(t, tp.BlockingGates, "cooldown")
	require.NotNil(t, tp.Trace)
	assert.Contains(t, tp.Trace.AdvisoryFailures, "cooldown")
}

func TestController_ConcurrentSameSymbolAdmitsOnce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	const n = 8
	verdicts := make([]*Verdict, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			verdicts[i] = h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
		}(i)
	}
	close(start)
	wg.Wait()

	allowed := 0
	for _, v := range verdicts {
		if v.Allowed {
			allowed++
			continue
		}
		assert.Equal(t, []string{"cooldown"}, v.BlockingGates)
	}
	assert.Equal(t, 1, allowed)
	assert.Equal(t, int32(1), h.store.saves.Load())
	assert.Equal(t, n, h.sink.count())
	assert.Zero(t, h.ctrl.locks.size())
}

func TestController_DistinctSymbolsDoNotShareCooldown(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	btc := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
	eth := h.ctrl.Evaluate(ctx, intent("ETH-EUR", domain.SideBuy, domain.ContextEntry, t0))
	assert.True(t, btc.Allowed)
	assert.True(t, eth.Allowed)
	assert.Equal(t, int32(2), h.store.saves.Load())
}

func TestController_Idempotent(t *testing.T) {
	h := newHarness()
	h.market.m.SpreadBps = 75
	ti := intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0)

	a := h.ctrl.Evaluate(context.Background(), ti)
	b := h.ctrl.Evaluate(context.Background(), ti)

	assert.Equal(t, []string{"spread"}, a.BlockingGates)
	assert.Equal(t, a, b)
}

func TestController_FailsClosed(t *testing.T) {
	boom := errors.New("upstream down")

	tests := []struct {
		name   string
		setup  func(h *harness)
		in     func() domain.TradeIntent
		reason string
		state  State
	}{
		{
			name:   "invalid intent",
			in:     func() domain.TradeIntent { return intent("", domain.SideBuy, domain.ContextEntry, t0) },
			reason: ReasonInvalidIntent,
			state:  StateResolvingConfig,
		},
		{
			name:   "config unavailable",
			setup:  func(h *harness) { h.cfg.err = boom },
			reason: ReasonConfigUnavailable,
			state:  StateResolvingConfig,
		},
		{
			name:   "market metrics error",
			setup:  func(h *harness) { h.market.err = boom },
			reason: ReasonMissingMarketMetrics,
			state:  StateEvaluatingGates,
		},
		{
			name:   "no quote",
			setup:  func(h *harness) { delete(h.prices.m, "BTC") },
			reason: ReasonMissingPrice,
			state:  StateEvaluatingGates,
		},
		{
			name:   "zero quote",
			setup:  func(h *harness) { h.prices.m["BTC"] = domain.Quote{} },
			reason: ReasonMissingPrice,
			state:  StateEvaluatingGates,
		},
		{
			name:   "price source error",
			setup:  func(h *harness) { h.prices.err = boom },
			reason: ReasonMissingPrice,
			state:  StateEvaluatingGates,
		},
		{
			name:   "cooldown store unreadable",
			setup:  func(h *harness) { h.store.loadErr = boom },
			reason: ReasonCooldownUnavailable,
			state:  StateEvaluatingGates,
		},
		{
			name:   "positions error",
			setup:  func(h *harness) { h.positions.err = boom },
			reason: ReasonMissingPositions,
			state:  StateEvaluatingExposure,
		},
		{
			name:   "cooldown store unwritable",
			setup:  func(h *harness) { h.store.saveErr = boom },
			reason: ReasonCooldownUnavailable,
			state:  StateEvaluatingExposure,
		},
		{
			name: "sell without position",
			in: func() domain.TradeIntent {
				return intent("BTC-EUR", domain.SideSell, domain.ContextSL, t0)
			},
			reason: ReasonMissingPosition,
			state:  StateEvaluatingExposure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			if tt.setup != nil {
				tt.setup(h)
			}
			in := intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0)
			if tt.in != nil {
				in = tt.in()
			}

			v := h.ctrl.Evaluate(context.Background(), in)

			assert.False(t, v.Allowed)
			assert.Equal(t, OutcomeBlock, v.Outcome)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.state, v.DecidedIn)
			assert.Equal(t, StateDecided, v.State)
			assert.NotEmpty(t, v.Detail)
			assert.NotNil(t, v.BlockingGates)
			assert.Zero(t, h.store.saves.Load())
			assert.Equal(t, 1, h.sink.count())
		})
	}
}

func TestController_SellWithPosition(t *testing.T) {
	h := newHarness()
	h.positions.positions = []domain.Position{
		{Symbol: "BTC-EUR", RemainingAmount: 0.01, AveragePrice: 40000, TotalValue: 400},
	}

	v := h.ctrl.Evaluate(context.Background(), intent("BTC-EUR", domain.SideSell, domain.ContextTP, t0))

	require.True(t, v.Allowed, v.Detail)
	se, ok := v.Exposure.Symbol("BTC")
	require.True(t, ok)
	assert.Equal(t, 500.0, se.CurrentExposure)
	assert.Equal(t, exposure.PriceLive, se.PriceSource)
}

func TestController_MinHoldBlocksEarlyTakeProfit(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.positions.positions = []domain.Position{
		{Symbol: "BTC-EUR", RemainingAmount: 0.001, AveragePrice: 40000, TotalValue: 40},
	}

	buy := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
	require.True(t, buy.Allowed)

	early := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideSell, domain.ContextTP, t0.Add(30*time.Second)))
	assert.Equal(t, []string{"min_hold"}, early.BlockingGates)

	late := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideSell, domain.ContextTP, t0.Add(60*time.Second)))
	assert.True(t, late.Allowed, "hold period boundary is inclusive")
}

func TestController_IntegrityViolations(t *testing.T) {
	corrupt := domain.Position{Symbol: "BTC-EUR", RemainingAmount: 0.01, AveragePrice: 40000, TotalValue: 455}

	t.Run("own symbol blocks", func(t *testing.T) {
		h := newHarness()
		h.positions.positions = []domain.Position{corrupt}

		v := h.ctrl.Evaluate(context.Background(), intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonIntegrityViolation, v.Reason)
		require.Len(t, v.IntegrityViolations, 1)
		assert.Equal(t, "BTC-EUR", v.IntegrityViolations[0].Symbol)
	})

	t.Run("other symbol is reported only", func(t *testing.T) {
		h := newHarness()
		h.positions.positions = []domain.Position{corrupt}

		v := h.ctrl.Evaluate(context.Background(), intent("ETH-EUR", domain.SideBuy, domain.ContextEntry, t0))
		assert.True(t, v.Allowed, v.Detail)
		require.Len(t, v.IntegrityViolations, 1)

		rec := h.sink.recs[0]
		assert.Equal(t, []string{"BTC-EUR"}, rec.IntegrityViolations)
	})
}

func TestController_ExposureBlocks(t *testing.T) {
	t.Run("coin cap", func(t *testing.T) {
		h := newHarness()
		h.cfg.l.Strategy.MaxActiveCoins = 1
		h.positions.positions = []domain.Position{
			{Symbol: "ETH-EUR", RemainingAmount: 0.1, AveragePrice: 2000, TotalValue: 200},
		}

		v := h.ctrl.Evaluate(context.Background(), intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
		assert.False(t, v.Allowed)
		assert.Equal(t, exposure.ReasonMaxActiveCoins, v.Reason)
		assert.Equal(t, exposure.ReasonMaxActiveCoins, v.ExposureReason)
		assert.Equal(t, StateEvaluatingExposure, v.DecidedIn)
		assert.Zero(t, h.store.saves.Load())
	})

	t.Run("proposed allocation beyond wallet", func(t *testing.T) {
		h := newHarness()
		in := intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0)
		in.ProposedAllocation = 800.01

		v := h.ctrl.Evaluate(context.Background(), in)
		assert.Equal(t, exposure.ReasonMaxWalletExposure, v.Reason)
	})

	t.Run("held symbol without quote uses average price", func(t *testing.T) {
		h := newHarness()
		h.positions.positions = []domain.Position{
			{Symbol: "ADA-EUR", RemainingAmount: 100, AveragePrice: 0.5, TotalValue: 50},
		}

		v := h.ctrl.Evaluate(context.Background(), intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
		require.True(t, v.Allowed, v.Detail)
		assert.Equal(t, []string{"ADA"}, v.Exposure.Fallbacks)
		assert.Equal(t, 50.0, v.Exposure.TotalExposure)
	})
}

func TestController_NonFiniteInputsFailClosed(t *testing.T) {
	ctx := context.Background()
	fullWallet := domain.Position{Symbol: "ETH-EUR", RemainingAmount: 0.32, AveragePrice: 2500, TotalValue: 800}

	t.Run("NaN allocation with full wallet", func(t *testing.T) {
		h := newHarness()
		h.positions.positions = []domain.Position{fullWallet}

		in := intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0)
		in.ProposedAllocation = 500
		v := h.ctrl.Evaluate(ctx, in)
		assert.Equal(t, exposure.ReasonMaxWalletExposure, v.Reason)

		in = intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0)
		in.ProposedAllocation = math.NaN()
		v = h.ctrl.Evaluate(ctx, in)
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonInvalidIntent, v.Reason)
		assert.Zero(t, h.store.saves.Load())
	})

	t.Run("non-finite intent quote", func(t *testing.T) {
		for _, p := range []float64{math.Inf(1), math.NaN()} {
			h := newHarness()
			h.prices.m["BTC"] = domain.Quote{Price: p}

			var v *Verdict
			require.NotPanics(t, func() {
				v = h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
			})
			assert.False(t, v.Allowed)
			assert.Equal(t, ReasonMissingPrice, v.Reason)
			assert.Zero(t, h.store.saves.Load())
		}
	})

	t.Run("NaN own position", func(t *testing.T) {
		h := newHarness()
		h.positions.positions = []domain.Position{
			{Symbol: "BTC-EUR", RemainingAmount: math.NaN(), AveragePrice: 40000, TotalValue: 400},
		}

		var v *Verdict
		require.NotPanics(t, func() {
			v = h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideSell, domain.ContextManual, t0))
		})
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonIntegrityViolation, v.Reason)
	})

	t.Run("infinite value on another position", func(t *testing.T) {
		h := newHarness()
		h.positions.positions = []domain.Position{
			{Symbol: "ADA-EUR", RemainingAmount: 100, AveragePrice: 0.5, TotalValue: math.Inf(1)},
		}
		h.prices.m["ETH"] = domain.Quote{Price: math.Inf(1)}

		v := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
		require.True(t, v.Allowed, v.Detail)
		require.Len(t, v.IntegrityViolations, 1)
		assert.Equal(t, "ADA-EUR", v.IntegrityViolations[0].Symbol)

		_, err := json.Marshal(v)
		assert.NoError(t, err)
		assert.NotEmpty(t, h.sink.recs[0].Exposure)
	})

	t.Run("NaN market metrics", func(t *testing.T) {
		h := newHarness()
		h.market.m.SpreadBps = math.NaN()

		v := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonMissingMarketMetrics, v.Reason)
	})
}

func TestController_ExposureReportsDataQuality(t *testing.T) {
	reg := metrics.NewRegistry()
	h := newHarness(WithObserver(reg))
	h.prices.m["ETH"] = domain.Quote{Price: math.Inf(1)}
	h.positions.positions = []domain.Position{
		{Symbol: "ETH-EUR", RemainingAmount: 0.1, AveragePrice: 2000, TotalValue: 200},
		{Symbol: "ADA-EUR", RemainingAmount: 100, AveragePrice: 0.5, TotalValue: math.NaN()},
	}

	res, err := h.ctrl.Exposure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200.0, res.TotalExposure, "ETH valued at average price")
	assert.Equal(t, []string{"ETH"}, res.Fallbacks)

	read := func(c interface{ Write(*dto.Metric) error }) float64 {
		m := &dto.Metric{}
		require.NoError(t, c.Write(m))
		return m.GetCounter().GetValue()
	}
	assert.Equal(t, 1.0, read(reg.PriceFallbacks.WithLabelValues("ETH")))
	assert.Equal(t, 1.0, read(reg.IntegrityViolations.WithLabelValues("non_finite_value")))
}

func TestController_CancelledWhileWaiting(t *testing.T) {
	h := newHarness()
	h.market.hold = make(chan struct{})

	first := make(chan *Verdict, 1)
	go func() {
		first <- h.ctrl.Evaluate(context.Background(), intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
	}()
	require.Eventually(t, func() bool { return h.market.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	second := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
	assert.Equal(t, ReasonCancelled, second.Reason)
	assert.Equal(t, StateResolvingConfig, second.DecidedIn)

	close(h.market.hold)
	v := <-first
	assert.True(t, v.Allowed, v.Detail)
	assert.Equal(t, int32(1), h.store.saves.Load())
}

func TestController_CancelledContext(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
	assert.Equal(t, ReasonCancelled, v.Reason)
	assert.Zero(t, h.store.saves.Load())
	assert.Equal(t, 1, h.sink.count(), "cancelled verdicts are still audited")
}

func TestController_Replay(t *testing.T) {
	h := newHarness(WithReplay(NewReplayCache(cache.New(), time.Hour)))
	ctx := context.Background()
	ti := intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0)

	first := h.ctrl.Evaluate(ctx, ti)
	require.True(t, first.Allowed)
	again := h.ctrl.Evaluate(ctx, ti)

	assert.True(t, again.Allowed)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.RequestID, again.RequestID)
	assert.Equal(t, first.Reason, again.Reason)
	assert.Equal(t, int32(1), h.store.saves.Load())
	assert.Equal(t, 1, h.sink.count(), "replays are not audited twice")

	blocked := intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0)
	b1 := h.ctrl.Evaluate(ctx, blocked)
	b2 := h.ctrl.Evaluate(ctx, blocked)
	assert.False(t, b1.Replayed)
	assert.False(t, b2.Replayed)
}

func TestController_AssignsRequestIDAndClock(t *testing.T) {
	h := newHarness()
	in := intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, time.Time{})
	in.RequestID = ""

	v := h.ctrl.Evaluate(context.Background(), in)
	_, err := uuid.Parse(v.RequestID)
	require.NoError(t, err)
	assert.Equal(t, t0, v.DecidedAt)
}

func TestController_AuditFailureKeepsDecision(t *testing.T) {
	h := newHarness()
	h.sink.err = errors.New("db down")

	v := h.ctrl.Evaluate(context.Background(), intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
	assert.True(t, v.Allowed)
}

func TestController_Observer(t *testing.T) {
	reg := metrics.NewRegistry()
	h := newHarness(WithObserver(reg))
	ctx := context.Background()

	h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))
	h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0))

	read := func(c interface{ Write(*dto.Metric) error }) float64 {
		m := &dto.Metric{}
		require.NoError(t, c.Write(m))
		return m.GetCounter().GetValue()
	}
	assert.Equal(t, 1.0, read(reg.Decisions.WithLabelValues("ENTRY", "BUY", OutcomeAllow, ReasonAdmitted)))
	assert.Equal(t, 1.0, read(reg.Decisions.WithLabelValues("ENTRY", "BUY", OutcomeBlock, ReasonGateBlocked)))
	assert.Equal(t, 1.0, read(reg.GateFailures.WithLabelValues("cooldown", "ENTRY", "true")))
}

func TestController_Helpers(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.positions.positions = []domain.Position{
		{Symbol: "ETH-EUR", RemainingAmount: 0.1, AveragePrice: 2000, TotalValue: 200},
	}

	eff, err := h.ctrl.EffectiveConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, eff.ResolvedAt)

	res, err := h.ctrl.Exposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250.0, res.TotalExposure)

	require.True(t, h.ctrl.Evaluate(ctx, intent("BTC-EUR", domain.SideBuy, domain.ContextEntry, t0)).Allowed)
	require.NoError(t, h.ctrl.ResetCooldowns(ctx))
	assert.Equal(t, 0, h.store.Len())

	h.positions.err = errors.New("gone")
	_, err = h.ctrl.Exposure(ctx)
	assert.ErrorIs(t, err, ErrMissingPositions)
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonMissingPrice, ReasonFor(ErrMissingPrice))
	assert.Equal(t, ReasonCancelled, ReasonFor(context.DeadlineExceeded))
	assert.Equal(t, ReasonCancelled, ReasonFor(ErrCancelled))
	assert.Equal(t, "", ReasonFor(errors.New("other")))
}
