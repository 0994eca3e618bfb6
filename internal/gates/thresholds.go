package gates

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/admitgate/internal/domain"
)

// Threshold is a single gate limit and whether failing it blocks
type Threshold struct {
	Value   float64 `yaml:"value" json:"value"`
	Enforce bool    `yaml:"enforce" json:"enforce"`
}

// Thresholds holds the six gate limits for one context. Durations are in
// milliseconds so the trace stays numeric.
type Thresholds struct {
	SpreadMaxBps      Threshold `yaml:"spread_max_bps" json:"spread_max_bps"`
	LiquidityMinRatio Threshold `yaml:"liquidity_min_ratio" json:"liquidity_min_ratio"`
	StalenessMaxMs    Threshold `yaml:"staleness_max_ms" json:"staleness_max_ms"`
	WhaleWindowMs     Threshold `yaml:"whale_conflict_window_ms" json:"whale_conflict_window_ms"`
	CooldownMs        Threshold `yaml:"cooldown_ms" json:"cooldown_ms"`
	MinHoldMs         Threshold `yaml:"min_hold_ms" json:"min_hold_ms"`
}

// Get returns the threshold for gate g.
func (t Thresholds) Get(g Gate) Threshold {
	switch g {
	case GateSpread:
		return t.SpreadMaxBps
	case GateLiquidity:
		return t.LiquidityMinRatio
	case GateStaleness:
		return t.StalenessMaxMs
	case GateWhaleConflict:
		return t.WhaleWindowMs
	case GateCooldown:
		return t.CooldownMs
	case GateMinHold:
		return t.MinHoldMs
	default:
		return Threshold{}
	}
}

// With returns a copy of t with gate g replaced.
func (t Thresholds) With(g Gate, th Threshold) Thresholds {
	switch g {
	case GateSpread:
		t.SpreadMaxBps = th
	case GateLiquidity:
		t.LiquidityMinRatio = th
	case GateStaleness:
		t.StalenessMaxMs = th
	case GateWhaleConflict:
		t.WhaleWindowMs = th
	case GateCooldown:
		t.CooldownMs = th
	case GateMinHold:
		t.MinHoldMs = th
	}
	return t
}

var thresholdKeys = map[Gate]string{
	GateSpread:        "spread_max_bps",
	GateLiquidity:     "liquidity_min_ratio",
	GateStaleness:     "staleness_max_ms",
	GateWhaleConflict: "whale_conflict_window_ms",
	GateCooldown:      "cooldown_ms",
	GateMinHold:       "min_hold_ms",
}

// ThresholdKey returns the configuration key of gate g's threshold.
func ThresholdKey(g Gate) string {
	return thresholdKeys[g]
}

// Cooldown returns the cooldown period as a duration.
func (t Thresholds) Cooldown() time.Duration {
	return msToDuration(t.CooldownMs.Value)
}

// ContextThresholdConfig contains independent thresholds for every context
type ContextThresholdConfig struct {
	Entry  Thresholds `yaml:"entry" json:"entry"`
	TP     Thresholds `yaml:"tp" json:"tp"`
	SL     Thresholds `yaml:"sl" json:"sl"`
	Manual Thresholds `yaml:"manual" json:"manual"`
}

// For returns the thresholds of context c. Unknown contexts get the entry
// set, the strictest one.
func (c ContextThresholdConfig) For(ctx domain.Context) Thresholds {
	switch ctx {
	case domain.ContextTP:
		return c.TP
	case domain.ContextSL:
		return c.SL
	case domain.ContextManual:
		return c.Manual
	default:
		return c.Entry
	}
}

// With returns a copy of c with context ctx replaced.
func (c ContextThresholdConfig) With(ctx domain.Context, t Thresholds) ContextThresholdConfig {
	switch ctx {
	case domain.ContextTP:
		c.TP = t
	case domain.ContextSL:
		c.SL = t
	case domain.ContextManual:
		c.Manual = t
	default:
		c.Entry = t
	}
	return c
}

// DefaultContextThresholds returns built-in thresholds. TP and SL relax or
// bypass the friction gates that protect entries; SL enforces nothing.
func DefaultContextThresholds() ContextThresholdConfig {
	return ContextThresholdConfig{
		Entry: Thresholds{
			SpreadMaxBps:      Threshold{Value: 50, Enforce: true},
			LiquidityMinRatio: Threshold{Value: 1.0, Enforce: true},
			StalenessMaxMs:    Threshold{Value: 30_000, Enforce: true},
			WhaleWindowMs:     Threshold{Value: 900_000, Enforce: true},
			CooldownMs:        Threshold{Value: 180_000, Enforce: true},
			MinHoldMs:         Threshold{Value: 0, Enforce: false},
		},
		TP: Thresholds{
			SpreadMaxBps:      Threshold{Value: 150, Enforce: false},
			LiquidityMinRatio: Threshold{Value: 0.5, Enforce: false},
			StalenessMaxMs:    Threshold{Value: 60_000, Enforce: true},
			WhaleWindowMs:     Threshold{Value: 900_000, Enforce: false},
			CooldownMs:        Threshold{Value: 180_000, Enforce: false},
			MinHoldMs:         Threshold{Value: 60_000, Enforce: true},
		},
		SL: Thresholds{
			SpreadMaxBps:      Threshold{Value: 300, Enforce: false},
			LiquidityMinRatio: Threshold{Value: 0.25, Enforce: false},
			StalenessMaxMs:    Threshold{Value: 120_000, Enforce: false},
			WhaleWindowMs:     Threshold{Value: 900_000, Enforce: false},
			CooldownMs:        Threshold{Value: 180_000, Enforce: false},
			MinHoldMs:         Threshold{Value: 0, Enforce: false},
		},
		Manual: Thresholds{
			SpreadMaxBps:      Threshold{Value: 100, Enforce: true},
			LiquidityMinRatio: Threshold{Value: 0.8, Enforce: true},
			StalenessMaxMs:    Threshold{Value: 60_000, Enforce: true},
			WhaleWindowMs:     Threshold{Value: 900_000, Enforce: false},
			CooldownMs:        Threshold{Value: 60_000, Enforce: true},
			MinHoldMs:         Threshold{Value: 0, Enforce: false},
		},
	}
}

// ThresholdRouter selects thresholds by intent context
type ThresholdRouter struct {
	config ContextThresholdConfig
}

// NewThresholdRouterFromConfig wraps an already-validated config.
func NewThresholdRouterFromConfig(config ContextThresholdConfig) *ThresholdRouter {
	return &ThresholdRouter{config: config}
}

// SelectThresholds returns the thresholds for the given context
func (tr *ThresholdRouter) SelectThresholds(ctx domain.Context) Thresholds {
	return tr.config.For(ctx)
}

// LoadContextThresholds loads thresholds from YAML. Contexts or gates missing
// from the file keep their defaults.
func LoadContextThresholds(configPath string) (*ContextThresholdConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultContextThresholds()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := ValidateContextThresholds(config); err != nil {
		return nil, fmt.Errorf("invalid threshold configuration: %w", err)
	}

	return &config, nil
}

const maxDurationMs = float64(7 * 24 * time.Hour / time.Millisecond)

// ValidateContextThresholds ensures all thresholds are reasonable
func ValidateContextThresholds(config ContextThresholdConfig) error {
	for _, c := range domain.Contexts {
		if err := ValidateThresholds(config.For(c)); err != nil {
			return fmt.Errorf("context %s: %w", c, err)
		}
	}
	return nil
}

// ValidateThresholds checks one context's limits.
func ValidateThresholds(t Thresholds) error {
	if t.SpreadMaxBps.Value < 0 || t.SpreadMaxBps.Value > 1000 {
		return fmt.Errorf("invalid spread threshold: %.2f bps (must be 0-1000)", t.SpreadMaxBps.Value)
	}
	if t.LiquidityMinRatio.Value < 0 || t.LiquidityMinRatio.Value > 100 {
		return fmt.Errorf("invalid liquidity ratio: %.2f (must be 0-100)", t.LiquidityMinRatio.Value)
	}
	for _, g := range []Gate{GateStaleness, GateWhaleConflict, GateCooldown, GateMinHold} {
		v := t.Get(g).Value
		if v < 0 || v > maxDurationMs {
			return fmt.Errorf("invalid %s threshold: %.0f ms (must be 0-%.0f)", g, v, maxDurationMs)
		}
	}
	return nil
}

// DescribeThresholds returns a human-readable description of thresholds for a context
func (tr *ThresholdRouter) DescribeThresholds(ctx domain.Context) string {
	t := tr.SelectThresholds(ctx)

	return fmt.Sprintf("Context: %s | Spread: ≤%.1f bps%s | Liquidity: ≥%.2fx%s | Staleness: ≤%s%s | Whale window: %s%s | Cooldown: %s%s | Min hold: %s%s",
		ctx,
		t.SpreadMaxBps.Value, enforceMark(t.SpreadMaxBps),
		t.LiquidityMinRatio.Value, enforceMark(t.LiquidityMinRatio),
		msToDuration(t.StalenessMaxMs.Value), enforceMark(t.StalenessMaxMs),
		msToDuration(t.WhaleWindowMs.Value), enforceMark(t.WhaleWindowMs),
		msToDuration(t.CooldownMs.Value), enforceMark(t.CooldownMs),
		msToDuration(t.MinHoldMs.Value), enforceMark(t.MinHoldMs))
}

func enforceMark(t Threshold) string {
	if t.Enforce {
		return ""
	}
	return " (advisory)"
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func durationToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
