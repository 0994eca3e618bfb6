package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/admitgate/internal/gates"
	"github.com/sawpanic/admitgate/internal/infrastructure/db"
)

// RedisConfig configures the shared cooldown store and the verdict replay
// cache. Both are optional.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	CooldownKey string        `yaml:"cooldown_key"`
	ReplayTTL   time.Duration `yaml:"replay_ttl"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	// MaxClockSkew is how far a client-supplied intent timestamp may sit
	// from the server clock.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// BreakerConfig configures the circuit breakers around upstream suppliers
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// ProvidersConfig configures where prices, positions and market metrics
// come from.
type ProvidersConfig struct {
	SnapshotPath string        `yaml:"snapshot_path"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// EngineConfig is the full admission.yaml document
type EngineConfig struct {
	Layers `yaml:",inline"`

	// GatesFile, when set, replaces the inline gate table.
	GatesFile string `yaml:"gates_file"`

	Database  db.Config       `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
}

// DefaultEngineConfig returns built-in defaults: in-memory state, no
// database, defaults for every gate.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Layers: Layers{
			Strategy: StrategyConfig{
				TakeProfitPct:        DefaultTakeProfitPct,
				StopLossPct:          DefaultStopLossPct,
				TradeAllocation:      DefaultTradeAllocation,
				MaxWalletExposurePct: DefaultMaxWalletExposurePct,
				WalletValue:          DefaultWalletValue,
				EntryThreshold:       DefaultEntryThreshold,
				ExitThreshold:        DefaultExitThreshold,
			},
			Gates: gates.DefaultContextThresholds(),
		},
		Database: db.DefaultConfig(),
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			CooldownKey: "admitgate:cooldown",
			ReplayTTL:   24 * time.Hour,
			Timeout:     2 * time.Second,
		},
		Server: ServerConfig{
			Addr:           ":8090",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			MaxClockSkew:   5 * time.Second,
		},
		Providers: ProvidersConfig{
			Breaker: BreakerConfig{
				MaxRequests:         3,
				Interval:            60 * time.Second,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 5,
			},
		},
	}
}

// LoadEngineConfig reads an admission.yaml file over the defaults and
// validates it.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config %s: %w", path, err)
	}

	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse engine config: %w", err)
	}

	if cfg.GatesFile != "" {
		gatesPath := cfg.GatesFile
		if !filepath.IsAbs(gatesPath) {
			gatesPath = filepath.Join(filepath.Dir(path), gatesPath)
		}
		table, err := gates.LoadContextThresholds(gatesPath)
		if err != nil {
			return nil, err
		}
		cfg.Gates = *table
	}
	if p := cfg.Providers.SnapshotPath; p != "" && !filepath.IsAbs(p) {
		cfg.Providers.SnapshotPath = filepath.Join(filepath.Dir(path), p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges the resolver cannot repair on its own.
func (c *EngineConfig) Validate() error {
	s := c.Strategy
	for name, pct := range map[string]float64{
		FieldTakeProfitPct:            s.TakeProfitPct,
		FieldStopLossPct:              s.StopLossPct,
		FieldTrailingStopPct:          s.TrailingStopPct,
		FieldMaxWalletExposurePct:     s.MaxWalletExposurePct,
		FieldRiskMaxWalletExposurePct: s.RiskManagement.MaxWalletExposurePct,
	} {
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return fmt.Errorf("%s %.2f outside [0, 100]", name, pct)
		}
	}
	for name, v := range map[string]float64{FieldTradeAllocation: s.TradeAllocation, FieldWalletValue: s.WalletValue} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be a finite non-negative number, got %v", name, v)
		}
	}
	if s.MaxActiveCoins < 0 {
		return fmt.Errorf("max_active_coins must be non-negative")
	}

	if err := gates.ValidateContextThresholds(c.Gates); err != nil {
		return err
	}

	if p := c.Policy; p != nil {
		if p.TTL < 0 {
			return fmt.Errorf("override ttl must be non-negative")
		}
		if p.MinTakeProfitToStopLossRatio < 0 {
			return fmt.Errorf("min_take_profit_to_stop_loss_ratio must be non-negative")
		}
		for field, b := range p.Bounds {
			if _, ok := lookupField(field); !ok {
				return fmt.Errorf("bound declared for unknown field %q", field)
			}
			if b.Min > b.Max {
				return fmt.Errorf("bound for %s has min %.4f > max %.4f", field, b.Min, b.Max)
			}
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when enabled")
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Server.MaxClockSkew < 0 {
		return fmt.Errorf("server max_clock_skew must be non-negative")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must be non-negative")
	}
	return nil
}
