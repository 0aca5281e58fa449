// Package config loads and validates flowgate configuration from YAML
// with environment expansion and built-in defaults.
package config

import (
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Broker        BrokerConfig        `yaml:"broker"`
	Staging       StagingConfig       `yaml:"staging"`
	ControlPoints ControlPointsConfig `yaml:"control_points"`
	Snapshot      SnapshotConfig      `yaml:"snapshot"`
	Server        ServerConfig        `yaml:"server"`
}

// BrokerConfig tunes the message broker.
type BrokerConfig struct {
	// Workers is the callback worker pool size.
	Workers int `yaml:"workers"`

	// QueueBound is the backpressure high-water mark: publishes that would
	// exceed it are refused.
	QueueBound int `yaml:"queue_bound"`
}

// StagingConfig tunes the staging manager.
type StagingConfig struct {
	// Retention is the default entry lifetime.
	Retention time.Duration `yaml:"retention"`

	// CleanupInterval is the base sweep interval; sweep failures back off
	// exponentially from it.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ControlPointsConfig tunes the control-point manager.
type ControlPointsConfig struct {
	// DefaultTimeout applies to control points without an explicit timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxRetries is the shared timeout/error recovery budget per point.
	MaxRetries int `yaml:"max_retries"`

	// ReviewLoopLimit bounds USER_REVIEW visits per pipeline.
	ReviewLoopLimit int `yaml:"review_loop_limit"`

	// MonitorInterval is the timeout monitor's scan period.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// TerminalGrace is how long terminal pipeline state is retained.
	TerminalGrace time.Duration `yaml:"terminal_grace"`
}

// SnapshotConfig selects and tunes pipeline state persistence.
type SnapshotConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`

	// Interval is the snapshot period.
	Interval time.Duration `yaml:"interval"`

	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds database connection settings for the postgres
// snapshot backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// WSWriteTimeout bounds a single WebSocket send.
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"`
}

// snapshot backend names.
const (
	SnapshotMemory   = "memory"
	SnapshotPostgres = "postgres"
)

// Default returns the built-in configuration. Every knob has a documented
// default so a config file is optional.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Workers:    4,
			QueueBound: 256,
		},
		Staging: StagingConfig{
			Retention:       24 * time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		ControlPoints: ControlPointsConfig{
			DefaultTimeout:  60 * time.Minute,
			MaxRetries:      3,
			ReviewLoopLimit: 3,
			MonitorInterval: 5 * time.Second,
			TerminalGrace:   10 * time.Minute,
		},
		Snapshot: SnapshotConfig{
			Backend:  SnapshotMemory,
			Interval: 30 * time.Second,
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				User:         "flowgate",
				Database:     "flowgate",
				SSLMode:      "disable",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			WSWriteTimeout: 10 * time.Second,
		},
	}
}
