package config

import (
	"time"

	"github.com/sawpanic/admitgate/internal/gates"
)

// Built-in fallbacks applied when a baseline field is zero
const (
	DefaultTakeProfitPct        = 10.0
	DefaultStopLossPct          = 5.0
	DefaultTradeAllocation      = 100.0
	DefaultMaxWalletExposurePct = 80.0
	DefaultMaxActiveCoins       = 5
	DefaultWalletValue          = 1000.0
	DefaultEntryThreshold       = 0.6
	DefaultExitThreshold        = 0.4
)

// RiskManagement is the nested risk block of a strategy
type RiskManagement struct {
	MaxWalletExposurePct float64 `yaml:"max_wallet_exposure_pct" json:"max_wallet_exposure_pct"`
}

// StrategyConfig is the baseline owned by the strategy. It is read-only
// input; zero fields fall back to built-in defaults during resolution.
type StrategyConfig struct {
	TakeProfitPct        float64        `yaml:"take_profit_pct" json:"take_profit_pct"`
	StopLossPct          float64        `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TrailingStopPct      float64        `yaml:"trailing_stop_pct" json:"trailing_stop_pct"` // 0 disables
	TradeAllocation      float64        `yaml:"trade_allocation" json:"trade_allocation"`
	MaxWalletExposurePct float64        `yaml:"max_wallet_exposure_pct" json:"max_wallet_exposure_pct"`
	RiskManagement       RiskManagement `yaml:"risk_management" json:"risk_management"`
	MaxActiveCoins       int            `yaml:"max_active_coins" json:"max_active_coins"`
	CoinUniverse         []string       `yaml:"coin_universe" json:"coin_universe"`
	WalletValue          float64        `yaml:"wallet_value" json:"wallet_value"`
	EntryThreshold       float64        `yaml:"entry_threshold" json:"entry_threshold"`
	ExitThreshold        float64        `yaml:"exit_threshold" json:"exit_threshold"`
}

// BracketOverlay adjusts the take-profit / stop-loss bracket
type BracketOverlay struct {
	TakeProfitPct   *float64 `yaml:"take_profit_pct,omitempty" json:"take_profit_pct,omitempty"`
	StopLossPct     *float64 `yaml:"stop_loss_pct,omitempty" json:"stop_loss_pct,omitempty"`
	TrailingStopPct *float64 `yaml:"trailing_stop_pct,omitempty" json:"trailing_stop_pct,omitempty"`
}

// ThresholdsOverlay replaces individual gate thresholds of one context
type ThresholdsOverlay struct {
	SpreadMaxBps      *gates.Threshold `yaml:"spread_max_bps,omitempty" json:"spread_max_bps,omitempty"`
	LiquidityMinRatio *gates.Threshold `yaml:"liquidity_min_ratio,omitempty" json:"liquidity_min_ratio,omitempty"`
	StalenessMaxMs    *gates.Threshold `yaml:"staleness_max_ms,omitempty" json:"staleness_max_ms,omitempty"`
	WhaleWindowMs     *gates.Threshold `yaml:"whale_conflict_window_ms,omitempty" json:"whale_conflict_window_ms,omitempty"`
	CooldownMs        *gates.Threshold `yaml:"cooldown_ms,omitempty" json:"cooldown_ms,omitempty"`
	MinHoldMs         *gates.Threshold `yaml:"min_hold_ms,omitempty" json:"min_hold_ms,omitempty"`
}

// Get returns the overlay for gate g, nil when absent.
func (o *ThresholdsOverlay) Get(g gates.Gate) *gates.Threshold {
	if o == nil {
		return nil
	}
	switch g {
	case gates.GateSpread:
		return o.SpreadMaxBps
	case gates.GateLiquidity:
		return o.LiquidityMinRatio
	case gates.GateStaleness:
		return o.StalenessMaxMs
	case gates.GateWhaleConflict:
		return o.WhaleWindowMs
	case gates.GateCooldown:
		return o.CooldownMs
	case gates.GateMinHold:
		return o.MinHoldMs
	}
	return nil
}

// ContextGatesOverlay holds per-context gate overlays
type ContextGatesOverlay struct {
	Entry  *ThresholdsOverlay `yaml:"entry,omitempty" json:"entry,omitempty"`
	TP     *ThresholdsOverlay `yaml:"tp,omitempty" json:"tp,omitempty"`
	SL     *ThresholdsOverlay `yaml:"sl,omitempty" json:"sl,omitempty"`
	Manual *ThresholdsOverlay `yaml:"manual,omitempty" json:"manual,omitempty"`
}

// FeatureOverlay is an optional layer over the baseline. Only non-nil fields
// apply, and only when Enabled.
type FeatureOverlay struct {
	Enabled        bool                 `yaml:"enabled" json:"enabled"`
	EntryThreshold *float64             `yaml:"entry_threshold,omitempty" json:"entry_threshold,omitempty"`
	ExitThreshold  *float64             `yaml:"exit_threshold,omitempty" json:"exit_threshold,omitempty"`
	Bracket        *BracketOverlay      `yaml:"bracket,omitempty" json:"bracket,omitempty"`
	Gates          *ContextGatesOverlay `yaml:"gates,omitempty" json:"gates,omitempty"`
}

// Bound is an inclusive numeric range
type Bound struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies within the bound.
func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// OverridePolicy governs which runtime overrides are honored
type OverridePolicy struct {
	AllowedFields []string         `yaml:"allowed_fields" json:"allowed_fields"`
	Bounds        map[string]Bound `yaml:"bounds" json:"bounds"`
	TTL           time.Duration    `yaml:"ttl" json:"ttl"`

	// MinTakeProfitToStopLossRatio couples take_profit_pct and stop_loss_pct:
	// TP must be at least SL times this ratio. Zero disables the check.
	MinTakeProfitToStopLossRatio float64 `yaml:"min_take_profit_to_stop_loss_ratio" json:"min_take_profit_to_stop_loss_ratio"`
}

// Allows reports whether field is on the allow-list.
func (p *OverridePolicy) Allows(field string) bool {
	if p == nil {
		return false
	}
	for _, f := range p.AllowedFields {
		if f == field {
			return true
		}
	}
	return false
}

// Override is a single time-limited runtime adjustment
type Override struct {
	ID       string    `yaml:"id" json:"id"`
	Field    string    `yaml:"field" json:"field"`
	Value    float64   `yaml:"value" json:"value"`
	IssuedAt time.Time `yaml:"issued_at" json:"issued_at"`
}

// Layers bundles everything resolution reads. Gates is the baseline gate
// table; the zero value means built-in defaults.
type Layers struct {
	Strategy  StrategyConfig               `yaml:"strategy" json:"strategy"`
	Gates     gates.ContextThresholdConfig `yaml:"gates" json:"gates"`
	Overlay   *FeatureOverlay              `yaml:"overlay,omitempty" json:"overlay,omitempty"`
	Policy    *OverridePolicy              `yaml:"override_policy,omitempty" json:"override_policy,omitempty"`
	Overrides []Override                   `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}
