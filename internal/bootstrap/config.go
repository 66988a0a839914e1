package bootstrap

import (
	"fmt"
	"fundingarb/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation, run
// once at startup so a misconfiguration exits with code 1 before the
// orchestrator ever acquires the cycle lock.
func checkPreFlight(cfg *Config) error {
	if cfg.App.EngineType == "dbos" && cfg.App.DatabaseURL == "" {
		return fmt.Errorf("database_url is required when engine_type is 'dbos'")
	}

	if cfg.System.MetricsPort == cfg.System.HealthPort {
		return fmt.Errorf("metrics_port and health_port must differ, both are %d", cfg.System.MetricsPort)
	}

	return nil
}
