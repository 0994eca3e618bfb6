package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Side is the trade direction of an intent
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q (want BUY or SELL)", s)
	}
}

// Context is the trigger category of an intent. Each context carries its own
// gate thresholds.
type Context string

const (
	ContextEntry  Context = "ENTRY"
	ContextTP     Context = "TP"
	ContextSL     Context = "SL"
	ContextManual Context = "MANUAL"
)

// Contexts lists every context in evaluation-report order
var Contexts = []Context{ContextEntry, ContextTP, ContextSL, ContextManual}

// ParseContext accepts the canonical names plus a few aliases used by
// upstream signal producers.
func ParseContext(s string) (Context, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENTRY", "SIGNAL":
		return ContextEntry, nil
	case "TP", "TAKE_PROFIT", "TAKEPROFIT":
		return ContextTP, nil
	case "SL", "STOP_LOSS", "STOPLOSS":
		return ContextSL, nil
	case "MANUAL":
		return ContextManual, nil
	default:
		return "", fmt.Errorf("unknown context %q", s)
	}
}

// IsExit reports whether the context closes exposure rather than opening it.
func (c Context) IsExit() bool {
	return c == ContextTP || c == ContextSL
}

// TradeIntent is a proposed trade awaiting admission. It is never mutated
// after construction.
type TradeIntent struct {
	RequestID          string    `json:"request_id" yaml:"request_id"`
	Symbol             string    `json:"symbol" yaml:"symbol"`
	Side               Side      `json:"side" yaml:"side"`
	Context            Context   `json:"context" yaml:"context"`
	ProposedAllocation float64   `json:"proposed_allocation" yaml:"proposed_allocation"`
	Timestamp          time.Time `json:"timestamp" yaml:"timestamp"`
}

// Validate checks the fields the engine cannot default.
func (ti TradeIntent) Validate() error {
	if strings.TrimSpace(ti.Symbol) == "" {
		return fmt.Errorf("intent symbol is required")
	}
	if ti.Side != SideBuy && ti.Side != SideSell {
		return fmt.Errorf("intent side %q is invalid", ti.Side)
	}
	switch ti.Context {
	case ContextEntry, ContextTP, ContextSL, ContextManual:
	default:
		return fmt.Errorf("intent context %q is invalid", ti.Context)
	}
	if math.IsNaN(ti.ProposedAllocation) || math.IsInf(ti.ProposedAllocation, 0) {
		return fmt.Errorf("proposed allocation must be a finite number, got %v", ti.ProposedAllocation)
	}
	if ti.ProposedAllocation < 0 {
		return fmt.Errorf("proposed allocation must not be negative, got %.2f", ti.ProposedAllocation)
	}
	return nil
}

// Position is an externally owned holding, read-only during evaluation
type Position struct {
	Symbol          string  `json:"symbol" yaml:"symbol"`
	RemainingAmount float64 `json:"remaining_amount" yaml:"remaining_amount"`
	AveragePrice    float64 `json:"average_price" yaml:"average_price"`
	TotalValue      float64 `json:"total_value" yaml:"total_value"`
}

// Quote is a price observation with the time it was taken
type Quote struct {
	Price float64   `json:"price" yaml:"price"`
	AsOf  time.Time `json:"as_of" yaml:"as_of"`
}

// MarketMetrics is the microstructure snapshot supplied by the market-context
// collaborator.
type MarketMetrics struct {
	SpreadBps      float64       `json:"spread_bps" yaml:"spread_bps"`
	LiquidityRatio float64       `json:"liquidity_ratio" yaml:"liquidity_ratio"`
	DataAge        time.Duration `json:"data_age" yaml:"data_age"`
	// LastWhaleConflict is when a large holder last moved against the
	// intent's side. Zero when none has been seen.
	LastWhaleConflict time.Time `json:"last_whale_conflict,omitempty" yaml:"last_whale_conflict"`
}

// Finite reports whether the numeric metrics are usable. NaN or ±Inf
// readings are treated as missing data.
func (m MarketMetrics) Finite() bool {
	for _, v := range []float64{m.SpreadBps, m.LiquidityRatio} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
