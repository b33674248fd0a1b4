// Package config provides configuration loading for the CLI session
// supervisor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration values for the supervisor daemon.
type Config struct {
	// Observer HTTP server
	Host string
	Port int

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Session defaults
	DefaultCLIType string
	DefaultWorkDir string
	PortBase       int

	// Health monitor
	HealthEnabled     bool
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	HealthMaxFailures int

	// Crash recovery
	RecoveryEnabled    bool
	MaxRestartAttempts int
	RestartDelay       time.Duration
	BackoffMultiplier  float64
	MaxBackoff         time.Duration

	// Persistence
	PersistEnabled   bool
	SnapshotPath     string
	AutoSaveInterval time.Duration
	AutoResume       bool

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host: getEnv("SUPERVISOR_HOST", "127.0.0.1"),
		Port: getEnvInt("SUPERVISOR_PORT", 7070),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		DefaultCLIType: getEnv("DEFAULT_CLI_TYPE", ""),
		DefaultWorkDir: getEnv("DEFAULT_WORK_DIR", ""),
		PortBase:       getEnvInt("SESSION_PORT_BASE", 39500),

		HealthEnabled:     getEnvBool("HEALTH_CHECK_ENABLED", true),
		HealthInterval:    getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		HealthTimeout:     getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		HealthMaxFailures: getEnvInt("HEALTH_CHECK_MAX_FAILURES", 3),

		RecoveryEnabled:    getEnvBool("RECOVERY_ENABLED", true),
		MaxRestartAttempts: getEnvInt("RECOVERY_MAX_RESTARTS", 3),
		RestartDelay:       getEnvDuration("RECOVERY_RESTART_DELAY", 1*time.Second),
		BackoffMultiplier:  getEnvFloat("RECOVERY_BACKOFF_MULTIPLIER", 2.0),
		MaxBackoff:         getEnvDuration("RECOVERY_MAX_BACKOFF", 30*time.Second),

		PersistEnabled:   getEnvBool("PERSISTENCE_ENABLED", true),
		SnapshotPath:     getEnv("PERSISTENCE_PATH", ""),
		AutoSaveInterval: getEnvDuration("PERSISTENCE_AUTOSAVE_INTERVAL", 30*time.Second),
		AutoResume:       getEnvBool("PERSISTENCE_AUTO_RESUME", true),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.SnapshotPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("PERSISTENCE_PATH not set and home directory unavailable: %w", err)
		}
		cfg.SnapshotPath = filepath.Join(home, ".cli-supervisor", "sessions.json")
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("SUPERVISOR_PORT out of range: %d", cfg.Port)
	}
	if cfg.PortBase <= 0 || cfg.PortBase > 65000 {
		return nil, fmt.Errorf("SESSION_PORT_BASE out of range: %d", cfg.PortBase)
	}
	if cfg.BackoffMultiplier < 1 {
		return nil, fmt.Errorf("RECOVERY_BACKOFF_MULTIPLIER must be >= 1, got %g", cfg.BackoffMultiplier)
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
