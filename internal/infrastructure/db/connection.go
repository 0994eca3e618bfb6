package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/persistence"
	"github.com/sawpanic/admitgate/internal/persistence/postgres"
)

// Config holds database connection configuration
type Config struct {
	DSN             string        `yaml:"dsn" env:"PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"PG_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"PG_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"PG_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"PG_CONN_MAX_IDLE_TIME"`
	QueryTimeout    time.Duration `yaml:"query_timeout" env:"PG_QUERY_TIMEOUT"`
	Migrate         bool          `yaml:"migrate" env:"PG_MIGRATE"`
	Enabled         bool          `yaml:"enabled" env:"PG_ENABLED"`
}

// DefaultConfig returns reasonable defaults for database connections
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    5 * time.Second,
		Migrate:         true,
		Enabled:         false, // audit goes to the log only unless configured
	}
}

// Manager owns the audit database connection and its repositories
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
	health *healthChecker
}

// NewManager connects, optionally migrates, and builds the repositories.
// A disabled config yields a manager with no repositories.
func NewManager(config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{
			config: config,
			health: &healthChecker{enabled: false},
		}, nil
	}

	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newManagerWithDB(ctx, db, config)
}

func newManagerWithDB(ctx context.Context, db *sqlx.DB, config Config) (*Manager, error) {
	if config.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		log.Info().Msg("Audit schema applied")
	}

	return &Manager{
		db:     db,
		config: config,
		repos: &persistence.Repository{
			Audit: postgres.NewAuditRepo(db, config.QueryTimeout),
		},
		health: &healthChecker{
			enabled: true,
			db:      db,
			timeout: config.QueryTimeout,
		},
	}, nil
}

// Repository returns the repository collection, or nil if database is disabled
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// Health returns the health checker interface
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// DB returns the underlying database connection
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// IsEnabled returns whether database persistence is enabled
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.RepositoryHealth
type healthChecker struct {
	enabled bool
	db      *sqlx.DB
	timeout time.Duration
}

// Health returns current repository health status
func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	if !h.enabled {
		return persistence.HealthCheck{
			Healthy:        true,
			Errors:         []string{"Database persistence disabled"},
			ConnectionPool: map[string]int{"status": 0},
			LastCheck:      time.Now(),
		}
	}

	start := time.Now()
	var errors []string
	healthy := true

	if err := h.Ping(ctx); err != nil {
		errors = append(errors, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	return persistence.HealthCheck{
		Healthy: healthy,
		Errors:  errors,
		ConnectionPool: map[string]int{
			"max_open": stats.MaxOpenConnections,
			"open":     stats.OpenConnections,
			"in_use":   stats.InUse,
			"idle":     stats.Idle,
		},
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity to database
func (h *healthChecker) Ping(ctx context.Context) error {
	if !h.enabled {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.db.PingContext(pingCtx)
}
