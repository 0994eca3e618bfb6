package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTradeIntent_Validate(t *testing.T) {
	valid := TradeIntent{Symbol: "BTC-EUR", Side: SideBuy, Context: ContextEntry, ProposedAllocation: 100}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*TradeIntent)
	}{
		{"blank symbol", func(ti *TradeIntent) { ti.Symbol = "  " }},
		{"bad side", func(ti *TradeIntent) { ti.Side = "HOLD" }},
		{"bad context", func(ti *TradeIntent) { ti.Context = "DCA" }},
		{"negative allocation", func(ti *TradeIntent) { ti.ProposedAllocation = -1 }},
		{"NaN allocation", func(ti *TradeIntent) { ti.ProposedAllocation = math.NaN() }},
		{"infinite allocation", func(ti *TradeIntent) { ti.ProposedAllocation = math.Inf(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := valid
			tt.mutate(&ti)
			assert.Error(t, ti.Validate())
		})
	}
}

func TestMarketMetrics_Finite(t *testing.T) {
	m := MarketMetrics{SpreadBps: 10, LiquidityRatio: 2, DataAge: time.Second}
	assert.True(t, m.Finite())

	m.SpreadBps = math.NaN()
	assert.False(t, m.Finite())

	m.SpreadBps, m.LiquidityRatio = 10, math.Inf(1)
	assert.False(t, m.Finite())
}
