package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestRegistry_RecordDecision(t *testing.T) {
	m := NewRegistry()

	m.RecordDecision("ENTRY", "BUY", "BLOCK", "gate_blocked", 3*time.Millisecond)
	m.RecordDecision("ENTRY", "BUY", "BLOCK", "gate_blocked", time.Millisecond)
	m.RecordDecision("TP", "SELL", "ALLOW", "", time.Millisecond)

	assert.Equal(t, 2.0, counterValue(t, m.Decisions.WithLabelValues("ENTRY", "BUY", "BLOCK", "gate_blocked")))
	assert.Equal(t, 1.0, counterValue(t, m.Decisions.WithLabelValues("TP", "SELL", "ALLOW", "")))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	var samples uint64
	for _, f := range families {
		if f.GetName() == "admitgate_decision_duration_seconds" {
			for _, metric := range f.GetMetric() {
				samples += metric.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(3), samples)
}

func TestRegistry_Counters(t *testing.T) {
	m := NewRegistry()

	m.RecordGateFailure("cooldown", "ENTRY", true)
	m.RecordGateFailure("spread", "TP", false)
	m.RecordExposureBlock("max_active_coins_reached")
	m.RecordPriceFallback("ADA")
	m.RecordIntegrityViolation("purchase_value_mismatch")
	m.RecordReplay(true)
	m.RecordReplay(false)
	m.RecordReplay(false)

	assert.Equal(t, 1.0, counterValue(t, m.GateFailures.WithLabelValues("cooldown", "ENTRY", "true")))
	assert.Equal(t, 1.0, counterValue(t, m.GateFailures.WithLabelValues("spread", "TP", "false")))
	assert.Equal(t, 1.0, counterValue(t, m.ExposureBlocks.WithLabelValues("max_active_coins_reached")))
	assert.Equal(t, 1.0, counterValue(t, m.PriceFallbacks.WithLabelValues("ADA")))
	assert.Equal(t, 1.0, counterValue(t, m.IntegrityViolations.WithLabelValues("purchase_value_mismatch")))
	assert.Equal(t, 1.0, counterValue(t, m.Replays.WithLabelValues("hit")))
	assert.Equal(t, 2.0, counterValue(t, m.Replays.WithLabelValues("miss")))
}

func TestRegistry_BreakerStateAndHandler(t *testing.T) {
	m := NewRegistry()
	m.SetBreakerState("prices", 2)

	g := &dto.Metric{}
	require.NoError(t, m.BreakerState.WithLabelValues("prices").Write(g))
	assert.Equal(t, 2.0, g.GetGauge().GetValue())

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `admitgate_breaker_state{breaker="prices"} 2`)
}

func TestNewRegistry_Independent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.RecordExposureBlock("max_wallet_exposure_reached")

	assert.Equal(t, 1.0, counterValue(t, a.ExposureBlocks.WithLabelValues("max_wallet_exposure_reached")))
	assert.Equal(t, 0.0, counterValue(t, b.ExposureBlocks.WithLabelValues("max_wallet_exposure_reached")))
}
