package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration. path may be
// empty, in which case the built-in defaults are returned as-is.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file (if any) and expand environment variables
//  3. Merge user values over the defaults
//  4. Validate the result
func Initialize(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		user, err := loadFile(path)
		if err != nil {
			return nil, &LoadError{File: path, Err: err}
		}
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging configuration: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration initialized",
		"file", path,
		"broker_workers", cfg.Broker.Workers,
		"snapshot_backend", cfg.Snapshot.Backend)
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Broker.Workers <= 0 {
		return fmt.Errorf("%w: broker.workers must be positive", ErrInvalidValue)
	}
	if cfg.Broker.QueueBound <= 0 {
		return fmt.Errorf("%w: broker.queue_bound must be positive", ErrInvalidValue)
	}
	if cfg.ControlPoints.MaxRetries < 0 {
		return fmt.Errorf("%w: control_points.max_retries must not be negative", ErrInvalidValue)
	}
	if cfg.ControlPoints.ReviewLoopLimit <= 0 {
		return fmt.Errorf("%w: control_points.review_loop_limit must be positive", ErrInvalidValue)
	}
	switch cfg.Snapshot.Backend {
	case SnapshotMemory, SnapshotPostgres:
	default:
		return fmt.Errorf("%w: snapshot.backend must be %q or %q",
			ErrInvalidValue, SnapshotMemory, SnapshotPostgres)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port must be a valid port", ErrInvalidValue)
	}
	return nil
}
