package config

import (
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/exposure"
	"github.com/sawpanic/admitgate/internal/gates"
)

// Layer names the configuration layer a value came from
type Layer string

const (
	LayerBaseline Layer = "baseline"
	LayerOverlay  Layer = "overlay"
	LayerOverride Layer = "override"
)

// Provenance records which layer supplied an effective value
type Provenance struct {
	Source     Layer      `json:"source"`
	IssuedAt   *time.Time `json:"issued_at,omitempty"`
	OverrideID string     `json:"override_id,omitempty"`
}

// Scalar field names, as used by overrides and provenance
const (
	FieldTakeProfitPct            = "take_profit_pct"
	FieldStopLossPct              = "stop_loss_pct"
	FieldTrailingStopPct          = "trailing_stop_pct"
	FieldTradeAllocation          = "trade_allocation"
	FieldMaxWalletExposurePct     = "max_wallet_exposure_pct"
	FieldRiskMaxWalletExposurePct = "risk_management.max_wallet_exposure_pct"
	FieldMaxActiveCoins           = "max_active_coins"
	FieldCoinUniverse             = "coin_universe"
	FieldWalletValue              = "wallet_value"
	FieldEntryThreshold           = "entry_threshold"
	FieldExitThreshold            = "exit_threshold"
)

// GateField returns the field name of a context's gate threshold, for
// example "gates.entry.cooldown_ms".
func GateField(ctx domain.Context, g gates.Gate) string {
	return "gates." + strings.ToLower(string(ctx)) + "." + gates.ThresholdKey(g)
}

// EffectiveConfig is the resolved configuration for one instant. It must
// not be reused for a different now.
type EffectiveConfig struct {
	TakeProfitPct            float64  `json:"take_profit_pct"`
	StopLossPct              float64  `json:"stop_loss_pct"`
	TrailingStopPct          float64  `json:"trailing_stop_pct"`
	TradeAllocation          float64  `json:"trade_allocation"`
	MaxWalletExposurePct     float64  `json:"max_wallet_exposure_pct"`
	RiskMaxWalletExposurePct float64  `json:"risk_max_wallet_exposure_pct"`
	MaxActiveCoins           int      `json:"max_active_coins"`
	CoinUniverse             []string `json:"coin_universe"`
	WalletValue              float64  `json:"wallet_value"`
	EntryThreshold           float64  `json:"entry_threshold"`
	ExitThreshold            float64  `json:"exit_threshold"`

	Gates gates.ContextThresholdConfig `json:"gates"`

	Provenance map[string]Provenance `json:"provenance"`
	ResolvedAt time.Time             `json:"resolved_at"`
}

// Thresholds returns the resolved gate thresholds for ctx.
func (ec EffectiveConfig) Thresholds(ctx domain.Context) gates.Thresholds {
	return ec.Gates.For(ctx)
}

// ExposureConfig projects the exposure limits.
func (ec EffectiveConfig) ExposureConfig() exposure.Config {
	return exposure.Config{
		WalletValue:              ec.WalletValue,
		MaxWalletExposurePct:     ec.MaxWalletExposurePct,
		RiskMaxWalletExposurePct: ec.RiskMaxWalletExposurePct,
		MaxActiveCoins:           ec.MaxActiveCoins,
		CoinUniverse:             ec.CoinUniverse,
		PerTradeAllocation:       ec.TradeAllocation,
	}
}

// SourceOf returns the layer that supplied field.
func (ec EffectiveConfig) SourceOf(field string) Layer {
	return ec.Provenance[field].Source
}

type scalarField struct {
	get      func(*EffectiveConfig) float64
	set      func(*EffectiveConfig, float64)
	integral bool
}

var scalarFields = map[string]scalarField{
	FieldTakeProfitPct: {
		get: func(c *EffectiveConfig) float64 { return c.TakeProfitPct },
		set: func(c *EffectiveConfig, v float64) { c.TakeProfitPct = v },
	},
	FieldStopLossPct: {
		get: func(c *EffectiveConfig) float64 { return c.StopLossPct },
		set: func(c *EffectiveConfig, v float64) { c.StopLossPct = v },
	},
	FieldTrailingStopPct: {
		get: func(c *EffectiveConfig) float64 { return c.TrailingStopPct },
		set: func(c *EffectiveConfig, v float64) { c.TrailingStopPct = v },
	},
	FieldTradeAllocation: {
		get: func(c *EffectiveConfig) float64 { return c.TradeAllocation },
		set: func(c *EffectiveConfig, v float64) { c.TradeAllocation = v },
	},
	FieldMaxWalletExposurePct: {
		get: func(c *EffectiveConfig) float64 { return c.MaxWalletExposurePct },
		set: func(c *EffectiveConfig, v float64) { c.MaxWalletExposurePct = v },
	},
	FieldRiskMaxWalletExposurePct: {
		get: func(c *EffectiveConfig) float64 { return c.RiskMaxWalletExposurePct },
		set: func(c *EffectiveConfig, v float64) { c.RiskMaxWalletExposurePct = v },
	},
	FieldMaxActiveCoins: {
		get:      func(c *EffectiveConfig) float64 { return float64(c.MaxActiveCoins) },
		set:      func(c *EffectiveConfig, v float64) { c.MaxActiveCoins = int(v) },
		integral: true,
	},
	FieldWalletValue: {
		get: func(c *EffectiveConfig) float64 { return c.WalletValue },
		set: func(c *EffectiveConfig, v float64) { c.WalletValue = v },
	},
	FieldEntryThreshold: {
		get: func(c *EffectiveConfig) float64 { return c.EntryThreshold },
		set: func(c *EffectiveConfig, v float64) { c.EntryThreshold = v },
	},
	FieldExitThreshold: {
		get: func(c *EffectiveConfig) float64 { return c.ExitThreshold },
		set: func(c *EffectiveConfig, v float64) { c.ExitThreshold = v },
	},
}

// lookupField resolves a scalar or gate field name to its accessor.
func lookupField(name string) (scalarField, bool) {
	if f, ok := scalarFields[name]; ok {
		return f, true
	}
	for _, ctx := range domain.Contexts {
		for _, g := range gates.AllGates {
			if GateField(ctx, g) != name {
				continue
			}
			ctx, g := ctx, g
			return scalarField{
				get: func(c *EffectiveConfig) float64 { return c.Gates.For(ctx).Get(g).Value },
				set: func(c *EffectiveConfig, v float64) {
					th := c.Gates.For(ctx).Get(g)
					th.Value = v
					c.Gates = c.Gates.With(ctx, c.Gates.For(ctx).With(g, th))
				},
			}, true
		}
	}
	return scalarField{}, false
}

// Overridable reports whether name is a numeric field an override can
// target. coin_universe carries provenance but is not overridable.
func Overridable(name string) bool {
	_, ok := lookupField(name)
	return ok
}

// Fields lists every field name that carries provenance.
func Fields() []string {
	out := []string{
		FieldTakeProfitPct, FieldStopLossPct, FieldTrailingStopPct, FieldTradeAllocation,
		FieldMaxWalletExposurePct, FieldRiskMaxWalletExposurePct, FieldMaxActiveCoins,
		FieldCoinUniverse, FieldWalletValue, FieldEntryThreshold, FieldExitThreshold,
	}
	for _, ctx := range domain.Contexts {
		for _, g := range gates.AllGates {
			out = append(out, GateField(ctx, g))
		}
	}
	return out
}

// Resolve merges baseline, overlay and overrides into one EffectiveConfig.
// It is a pure function of its arguments and never fails: overrides that are
// not allowed, expired, out of bounds or break the TP/SL coupling are
// dropped, leaving the field's provenance at baseline or overlay.
func Resolve(l Layers, now time.Time) EffectiveConfig {
	ec := baseline(l.Strategy, l.Gates)
	ec.ResolvedAt = now

	if l.Overlay != nil && l.Overlay.Enabled {
		applyOverlay(&ec, l.Overlay)
	}

	for _, o := range l.Overrides {
		if reason := applyOverride(&ec, l.Policy, o, now); reason != "" {
			log.Debug().
				Str("override_id", o.ID).
				Str("field", o.Field).
				Float64("value", o.Value).
				Str("reason", reason).
				Msg("Override dropped")
		}
	}

	return ec
}

func baseline(s StrategyConfig, g gates.ContextThresholdConfig) EffectiveConfig {
	ec := EffectiveConfig{
		TakeProfitPct:            orDefault(s.TakeProfitPct, DefaultTakeProfitPct),
		StopLossPct:              orDefault(s.StopLossPct, DefaultStopLossPct),
		TrailingStopPct:          nonNegative(s.TrailingStopPct),
		TradeAllocation:          orDefault(s.TradeAllocation, DefaultTradeAllocation),
		MaxWalletExposurePct:     orDefault(s.MaxWalletExposurePct, DefaultMaxWalletExposurePct),
		RiskMaxWalletExposurePct: nonNegative(s.RiskManagement.MaxWalletExposurePct),
		MaxActiveCoins:           s.MaxActiveCoins,
		CoinUniverse:             append([]string(nil), s.CoinUniverse...),
		WalletValue:              orDefault(s.WalletValue, DefaultWalletValue),
		EntryThreshold:           orDefault(s.EntryThreshold, DefaultEntryThreshold),
		ExitThreshold:            orDefault(s.ExitThreshold, DefaultExitThreshold),
		Gates:                    g,
		Provenance:               make(map[string]Provenance),
	}

	if ec.MaxActiveCoins <= 0 {
		ec.MaxActiveCoins = len(ec.CoinUniverse)
		if ec.MaxActiveCoins == 0 {
			ec.MaxActiveCoins = DefaultMaxActiveCoins
		}
	}
	if ec.Gates == (gates.ContextThresholdConfig{}) {
		ec.Gates = gates.DefaultContextThresholds()
	}

	for _, f := range Fields() {
		ec.Provenance[f] = Provenance{Source: LayerBaseline}
	}
	return ec
}

// nonNegative maps negative and non-finite values to 0, which reads as unset.
func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func orDefault(v, fallback float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

func applyOverlay(ec *EffectiveConfig, o *FeatureOverlay) {
	set := func(field string, v *float64) {
		if v == nil {
			return
		}
		if *v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
			log.Debug().Str("field", field).Float64("value", *v).Msg("Overlay value ignored")
			return
		}
		scalarFields[field].set(ec, *v)
		ec.Provenance[field] = Provenance{Source: LayerOverlay}
	}

	set(FieldEntryThreshold, o.EntryThreshold)
	set(FieldExitThreshold, o.ExitThreshold)
	if b := o.Bracket; b != nil {
		set(FieldTakeProfitPct, b.TakeProfitPct)
		set(FieldStopLossPct, b.StopLossPct)
		set(FieldTrailingStopPct, b.TrailingStopPct)
	}

	if o.Gates == nil {
		return
	}
	perContext := map[domain.Context]*ThresholdsOverlay{
		domain.ContextEntry:  o.Gates.Entry,
		domain.ContextTP:     o.Gates.TP,
		domain.ContextSL:     o.Gates.SL,
		domain.ContextManual: o.Gates.Manual,
	}
	for _, ctx := range domain.Contexts {
		to := perContext[ctx]
		if to == nil {
			continue
		}
		th := ec.Gates.For(ctx)
		for _, g := range gates.AllGates {
			if v := to.Get(g); v != nil {
				th = th.With(g, *v)
				ec.Provenance[GateField(ctx, g)] = Provenance{Source: LayerOverlay}
			}
		}
		ec.Gates = ec.Gates.With(ctx, th)
	}
}

// applyOverride applies o and returns "" or the reason it was dropped.
func applyOverride(ec *EffectiveConfig, p *OverridePolicy, o Override, now time.Time) string {
	if p == nil {
		return "no override policy"
	}
	if !p.Allows(o.Field) {
		return "field not allowed"
	}
	f, ok := lookupField(o.Field)
	if !ok {
		return "unknown field"
	}
	if o.IssuedAt.After(now) {
		return "issued in the future"
	}
	if now.Sub(o.IssuedAt) >= p.TTL {
		return "expired"
	}
	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return "not a number"
	}
	bound, ok := p.Bounds[o.Field]
	if !ok {
		return "no bound declared"
	}
	if !bound.Contains(o.Value) {
		return "out of bounds"
	}
	if f.integral && o.Value != math.Trunc(o.Value) {
		return "not an integer"
	}
	if !coupledOK(ec, p.MinTakeProfitToStopLossRatio, o.Field, o.Value) {
		return "take-profit/stop-loss ratio violated"
	}

	f.set(ec, o.Value)
	issued := o.IssuedAt
	ec.Provenance[o.Field] = Provenance{Source: LayerOverride, IssuedAt: &issued, OverrideID: o.ID}
	return ""
}

// coupledOK checks the TP/SL ratio against the already resolved partner.
func coupledOK(ec *EffectiveConfig, ratio float64, field string, v float64) bool {
	if ratio <= 0 {
		return true
	}
	switch field {
	case FieldTakeProfitPct:
		return v >= ec.StopLossPct*ratio
	case FieldStopLossPct:
		return ec.TakeProfitPct >= v*ratio
	}
	return true
}
