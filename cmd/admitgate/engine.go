package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	redisv8 "github.com/go-redis/redis/v8"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/admitgate/internal/admission"
	"github.com/sawpanic/admitgate/internal/cache"
	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/cooldown"
	"github.com/sawpanic/admitgate/internal/infrastructure/db"
	httpapi "github.com/sawpanic/admitgate/internal/interfaces/http"
	"github.com/sawpanic/admitgate/internal/metrics"
	"github.com/sawpanic/admitgate/internal/persistence"
	"github.com/sawpanic/admitgate/internal/providers"
)

// engine is a fully wired controller plus everything that must be closed
// or health-checked alongside it.
type engine struct {
	cfg        *config.EngineConfig
	source     *config.StaticSource
	controller *admission.Controller
	metrics    *metrics.Registry
	dbm        *db.Manager

	prices    *providers.GuardedPrices
	positions *providers.GuardedPositions
	market    *providers.GuardedMarket

	cooldownRedis *redisv8.Client
	replayRedis   *redis.Client
}

// loadConfig reads the engine config, falling back to defaults when the
// default path does not exist.
func loadConfig(path string, explicit bool) (*config.EngineConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		log.Warn().Str("path", path).Msg("Config file not found, using defaults")
		cfg := config.DefaultEngineConfig()
		db.ApplyEnvOverrides(&cfg.Database)
		return &cfg, nil
	}
	cfg, err := config.LoadEngineConfig(path)
	if err != nil {
		return nil, err
	}
	db.ApplyEnvOverrides(&cfg.Database)
	return cfg, nil
}

// newEngine wires the controller. Extra sinks receive every audit record
// after the log and database sinks.
func newEngine(cfg *config.EngineConfig, extra ...admission.AuditSink) (*engine, error) {
	if cfg.Providers.SnapshotPath == "" {
		return nil, fmt.Errorf("providers.snapshot_path is required (or pass --snapshot)")
	}
	snap, err := providers.NewFileSnapshot(cfg.Providers.SnapshotPath)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:     cfg,
		source:  config.NewStaticSource(cfg.Layers),
		metrics: metrics.NewRegistry(),
	}
	e.prices = providers.NewGuardedPrices(snap, cfg.Providers.Breaker, e.metrics)
	e.positions = providers.NewGuardedPositions(snap, cfg.Providers.Breaker, e.metrics)
	e.market = providers.NewGuardedMarket(snap, cfg.Providers.Breaker, e.metrics)

	e.dbm, err = db.NewManager(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("audit database: %w", err)
	}

	sinks := admission.MultiSink{admission.LogSink{}}
	if repo := e.dbm.Repository(); repo != nil {
		sinks = append(sinks, admission.RepoSink{Repo: repo.Audit})
	}
	sinks = append(sinks, extra...)

	store := cooldown.Store(cooldown.NewMemoryStore())
	replayCache := cache.New()
	if r := cfg.Redis; r.Enabled {
		e.cooldownRedis = redisv8.NewClient(&redisv8.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		store = cooldown.NewRedisStore(e.cooldownRedis, r.CooldownKey, r.Timeout)

		e.replayRedis = redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		replayCache = cache.NewRedis(e.replayRedis, "admitgate:", r.Timeout)
		log.Info().Str("addr", r.Addr).Str("cooldown_key", r.CooldownKey).Msg("Shared cooldown and replay state in Redis")
	}

	e.controller = admission.NewController(
		admission.Sources{
			Config:    e.source,
			Prices:    e.prices,
			Positions: e.positions,
			Market:    e.market,
		},
		cooldown.NewTracker(store),
		admission.WithReplay(admission.NewReplayCache(replayCache, cfg.Redis.ReplayTTL)),
		admission.WithAuditSink(sinks),
		admission.WithObserver(e.metrics),
	)
	return e, nil
}

// auditRepo returns the audit repository, nil when persistence is disabled.
func (e *engine) auditRepo() persistence.AuditRepo {
	if repo := e.dbm.Repository(); repo != nil {
		return repo.Audit
	}
	return nil
}

// healthChecks checks each configured dependency.
func (e *engine) healthChecks() map[string]httpapi.HealthCheck {
	checks := map[string]httpapi.HealthCheck{
		"snapshot": func(ctx context.Context) error {
			for name, st := range map[string]gobreaker.State{
				"prices":    e.prices.State(),
				"positions": e.positions.State(),
				"market":    e.market.State(),
			} {
				if st == gobreaker.StateOpen {
					return fmt.Errorf("%s breaker open", name)
				}
			}
			return nil
		},
	}
	if e.dbm.IsEnabled() {
		checks["database"] = e.dbm.Health().Ping
	}
	if e.cooldownRedis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return e.cooldownRedis.Ping(ctx).Err()
		}
	}
	return checks
}

func (e *engine) Close() {
	if e.cooldownRedis != nil {
		_ = e.cooldownRedis.Close()
	}
	if e.replayRedis != nil {
		_ = e.replayRedis.Close()
	}
	if err := e.dbm.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audit database")
	}
}
