package db

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyEnvOverrides applies PG_* environment variables over config
func ApplyEnvOverrides(config *Config) {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		config.DSN = dsn
	}

	if enabled := os.Getenv("PG_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			config.Enabled = val
		}
	}

	if migrate := os.Getenv("PG_MIGRATE"); migrate != "" {
		if val, err := strconv.ParseBool(migrate); err == nil {
			config.Migrate = val
		}
	}

	if maxOpen := os.Getenv("PG_MAX_OPEN_CONNS"); maxOpen != "" {
		if val, err := strconv.Atoi(maxOpen); err == nil {
			config.MaxOpenConns = val
		}
	}

	if maxIdle := os.Getenv("PG_MAX_IDLE_CONNS"); maxIdle != "" {
		if val, err := strconv.Atoi(maxIdle); err == nil {
			config.MaxIdleConns = val
		}
	}

	if maxLifetime := os.Getenv("PG_CONN_MAX_LIFETIME"); maxLifetime != "" {
		if val, err := time.ParseDuration(maxLifetime); err == nil {
			config.ConnMaxLifetime = val
		}
	}

	if maxIdleTime := os.Getenv("PG_CONN_MAX_IDLE_TIME"); maxIdleTime != "" {
		if val, err := time.ParseDuration(maxIdleTime); err == nil {
			config.ConnMaxIdleTime = val
		}
	}

	if queryTimeout := os.Getenv("PG_QUERY_TIMEOUT"); queryTimeout != "" {
		if val, err := time.ParseDuration(queryTimeout); err == nil {
			config.QueryTimeout = val
		}
	}
}

// Validate checks pool settings
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.DSN == "" {
		return fmt.Errorf("database DSN is required when database is enabled")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be positive")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns cannot be negative")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns cannot exceed max_open_conns")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive")
	}
	return nil
}
