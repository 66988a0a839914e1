// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the funding-arbitrage engine.
// Venue credentials are deliberately absent: per the external-interfaces
// contract the core only ever receives opaque, already-authenticated
// adapter handles, so nothing here carries API keys for venues themselves.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Universe  UniverseConfig  `yaml:"universe"`
	Signal    SignalConfig    `yaml:"signal"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Fees      FeesConfig      `yaml:"fees"`
	System    SystemConfig    `yaml:"system"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	EngineType           string   `yaml:"engine_type" validate:"required,oneof=dbos simple"`
	DatabaseURL          string   `yaml:"database_url"`     // required when engine_type=dbos
	StateStorePath       string   `yaml:"state_store_path"` // sqlite file path when database_url is empty
	FundingAggregatorURL string   `yaml:"funding_aggregator_url" validate:"required"`
	MarketDataMode       string   `yaml:"market_data_mode" validate:"oneof=aggregator_only hybrid venue_only"`
	Venues               []string `yaml:"venues" validate:"min=1"` // names of configured venue adapters, e.g. binance, okx, bybit
	InitialCapitalUSD    float64  `yaml:"initial_capital_usd" validate:"min=0"`
	InstanceID           string   `yaml:"instance_id"` // lock owner identity for IStateStore.AcquireLock; generated when empty
}

// UniverseConfig controls universe selection.
type UniverseConfig struct {
	UniverseSize        int      `yaml:"universe_size" validate:"min=0,max=1000"`
	FRDiffMin           float64  `yaml:"fr_diff_min" validate:"min=0"`
	StaticSymbolList    []string `yaml:"static_symbol_list"` // non-empty overrides dynamic top-K selection
	ScoreWeightSpread   float64  `yaml:"score_weight_spread" validate:"min=0"`
	ScoreWeightCoverage float64  `yaml:"score_weight_coverage" validate:"min=0"`
	ScoreWeightAvgRate  float64  `yaml:"score_weight_avg_rate" validate:"min=0"`
}

// SignalConfig controls pair candidate generation and sizing.
type SignalConfig struct {
	MinPersistenceWindows    int     `yaml:"min_persistence_windows" validate:"min=0"`
	MinPairScore             float64 `yaml:"min_pair_score" validate:"min=0,max=1"`
	ExpectedEdgeMinBps       float64 `yaml:"expected_edge_min_bps"`
	MaxNewPositionsPerCycle  int     `yaml:"max_new_positions_per_cycle" validate:"min=0"`
	MaxNotionalPerPairUSD    float64 `yaml:"max_notional_per_pair_usd" validate:"min=0"`
	AllowSingleExchangePairs bool    `yaml:"allow_single_exchange_pairs"`
	BetaLookbackCandles      int     `yaml:"beta_lookback_candles" validate:"min=1"`
	BetaMinSampleCount       int     `yaml:"beta_min_sample_count" validate:"min=1"`
	CapitalFraction          float64 `yaml:"capital_fraction" validate:"min=0,max=1"`
	MinOrderUSD              float64 `yaml:"min_order_usd" validate:"min=0"`
	MinOIUSD                 float64 `yaml:"min_oi_usd" validate:"min=0"` // OI adequacy reference for the quality score
}

// RiskConfig controls admission control and the drawdown hysteresis ladder.
type RiskConfig struct {
	MaxTotalNotionalUSD     float64 `yaml:"max_total_notional_usd" validate:"min=0"`
	MaxNotionalPerSymbolUSD float64 `yaml:"max_notional_per_symbol_usd" validate:"min=0"`
	MaxNotionalPerVenueUSD  float64 `yaml:"max_notional_per_venue_usd" validate:"min=0"`
	MaxLeverage             float64 `yaml:"max_leverage" validate:"min=0"`
	NormalLeverageCap       float64 `yaml:"normal_leverage_cap" validate:"min=0"`
	ReduceLeverageCap       float64 `yaml:"reduce_leverage_cap" validate:"min=0"`
	ReduceModeDrawdownPct   float64 `yaml:"reduce_mode_drawdown_pct" validate:"min=0,max=1"`
	MaxDrawdownStopPct      float64 `yaml:"max_drawdown_stop_pct" validate:"min=0,max=1"`
	ExitReduceDrawdownPct   float64 `yaml:"exit_reduce_drawdown_pct" validate:"min=0,max=1"`
	ExitHaltDrawdownPct     float64 `yaml:"exit_halt_drawdown_pct" validate:"min=0,max=1"`
	RebalanceDriftPct       float64 `yaml:"rebalance_drift_pct" validate:"min=0,max=1"`
}

// ExecutionConfig controls order placement, fill reconciliation and crash
// recovery.
type ExecutionConfig struct {
	CyclePeriodSeconds      int     `yaml:"cycle_period_seconds" validate:"required,min=1"`
	CycleDeadlineSeconds    int     `yaml:"cycle_deadline_seconds" validate:"min=1"`
	LegFillTimeoutSeconds   int     `yaml:"leg_fill_timeout_seconds" validate:"required,min=1"`
	IntentDeadlineSeconds   int     `yaml:"intent_deadline_seconds" validate:"min=1"`
	LockTTLSeconds          int     `yaml:"lock_ttl_seconds" validate:"required,min=1"`
	CrashRecoveryPolicy     string  `yaml:"crash_recovery_policy" validate:"oneof=flatten_or_adopt"`
	PartialFillTolerancePct float64 `yaml:"partial_fill_tolerance_pct" validate:"min=0,max=1"`
}

// FeesConfig resolves the Open Question on fee modeling: a global default
// overridable per venue, loaded once at startup.
type FeesConfig struct {
	DefaultFeeBpsPerLeg float64            `yaml:"fee_bps_per_leg" validate:"min=0"`
	PerVenueFeeBps      map[string]float64 `yaml:"per_venue_fee_bps"`
}

// FeeBpsForVenue returns the venue-specific fee override if one exists,
// otherwise the global default.
func (f FeesConfig) FeeBpsForVenue(venue string) float64 {
	if bps, ok := f.PerVenueFeeBps[venue]; ok {
		return bps
	}
	return f.DefaultFeeBpsPerLeg
}

// SystemConfig contains logging/metrics/server settings.
type SystemConfig struct {
	LogLevel    string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	MetricsPort int    `yaml:"metrics_port" validate:"required,min=1,max=65535"`
	HealthPort  int    `yaml:"health_port" validate:"required,min=1,max=65535"`
}

// AlertingConfig carries the configured sinks the monitoring component posts
// to. All optional: when empty, alerts are logged but not shipped anywhere.
type AlertingConfig struct {
	WebhookURL       Secret `yaml:"webhook_url"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.EngineType == "dbos" && c.App.DatabaseURL == "" {
		return ValidationError{
			Field:   "app.database_url",
			Message: "database_url is required when engine_type is dbos",
		}
	}
	if c.App.FundingAggregatorURL == "" && c.App.MarketDataMode != "venue_only" {
		return ValidationError{
			Field:   "app.funding_aggregator_url",
			Message: "funding_aggregator_url is required unless market_data_mode is venue_only",
		}
	}
	validModes := []string{"aggregator_only", "hybrid", "venue_only"}
	if !contains(validModes, c.App.MarketDataMode) {
		return ValidationError{
			Field:   "app.market_data_mode",
			Value:   c.App.MarketDataMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	return nil
}

// validateRiskConfig enforces that the hysteresis bands are ordered: exit
// thresholds strictly below their matching enter thresholds, so the ladder
// cannot flap on a single noisy tick.
func (c *Config) validateRiskConfig() error {
	r := c.Risk
	if r.ExitReduceDrawdownPct >= r.ReduceModeDrawdownPct {
		return ValidationError{
			Field:   "risk.exit_reduce_drawdown_pct",
			Value:   r.ExitReduceDrawdownPct,
			Message: "must be strictly less than risk.reduce_mode_drawdown_pct",
		}
	}
	if r.ExitHaltDrawdownPct >= r.MaxDrawdownStopPct {
		return ValidationError{
			Field:   "risk.exit_halt_drawdown_pct",
			Value:   r.ExitHaltDrawdownPct,
			Message: "must be strictly less than risk.max_drawdown_stop_pct",
		}
	}
	if r.ReduceModeDrawdownPct >= r.MaxDrawdownStopPct {
		return ValidationError{
			Field:   "risk.reduce_mode_drawdown_pct",
			Value:   r.ReduceModeDrawdownPct,
			Message: "must be strictly less than risk.max_drawdown_stop_pct",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a YAML representation of the configuration with secrets
// redacted by the Secret type's own MarshalYAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

// expandEnvVars substitutes ${VAR} references so alerting credentials and
// the database URL can stay out of the file on disk. A missing variable
// expands to empty, which downstream treats as "sink not configured".
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the documented defaults, used
// both as the seed a loaded file is unmarshaled on top of and directly by
// tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			EngineType:           "dbos",
			StateStorePath:       "fundingarb.db",
			FundingAggregatorURL: "http://localhost:8090",
			MarketDataMode:       "aggregator_only",
			Venues:               []string{"binance", "okx", "bybit"},
			InitialCapitalUSD:    1000,
		},
		Universe: UniverseConfig{
			UniverseSize:        25,
			FRDiffMin:           0.002,
			ScoreWeightSpread:   0.6,
			ScoreWeightCoverage: 0.25,
			ScoreWeightAvgRate:  0.15,
		},
		Signal: SignalConfig{
			MinPersistenceWindows:    1,
			MinPairScore:             0.30,
			ExpectedEdgeMinBps:       1.0,
			MaxNewPositionsPerCycle:  1,
			MaxNotionalPerPairUSD:    40,
			AllowSingleExchangePairs: true,
			BetaLookbackCandles:      20,
			BetaMinSampleCount:       10,
			CapitalFraction:          0.40,
			MinOrderUSD:              10,
			MinOIUSD:                 1_000_000,
		},
		Risk: RiskConfig{
			MaxTotalNotionalUSD:     50,
			MaxNotionalPerSymbolUSD: 20,
			MaxNotionalPerVenueUSD:  30,
			MaxLeverage:             5.0,
			NormalLeverageCap:       2.0,
			ReduceLeverageCap:       1.0,
			ReduceModeDrawdownPct:   0.10,
			MaxDrawdownStopPct:      0.15,
			ExitReduceDrawdownPct:   0.08,
			ExitHaltDrawdownPct:     0.13,
			RebalanceDriftPct:       0.20,
		},
		Execution: ExecutionConfig{
			CyclePeriodSeconds:      600,
			CycleDeadlineSeconds:    120,
			LegFillTimeoutSeconds:   10,
			IntentDeadlineSeconds:   30,
			LockTTLSeconds:          1800,
			CrashRecoveryPolicy:     "flatten_or_adopt",
			PartialFillTolerancePct: 0.10,
		},
		Fees: FeesConfig{
			DefaultFeeBpsPerLeg: 4.0,
		},
		System: SystemConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
			HealthPort:  8080,
		},
	}
}
