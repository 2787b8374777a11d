// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Trading     TradingConfig     `yaml:"trading"`
	Risk        RiskConfig        `yaml:"risk"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// InstrumentConfig describes the traded instrument and its grid constraints
type InstrumentConfig struct {
	Symbol   string  `yaml:"symbol" validate:"required"`
	Account  Secret  `yaml:"account" validate:"required"`
	TickSize float64 `yaml:"tick_size" validate:"required,min=0"`
	LotStep  float64 `yaml:"lot_step" validate:"required,min=0"`
	MinLot   float64 `yaml:"min_lot" validate:"min=0"`
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	OrderQuantity      float64 `yaml:"order_quantity" validate:"required,min=0.00001"`
	StopTicks          int     `yaml:"stop_ticks" validate:"min=1,max=10000"`
	TargetTicks        int     `yaml:"target_ticks" validate:"min=1,max=10000"`
	FuzzyOwnershipTick float64 `yaml:"fuzzy_ownership_tick"` // tolerance multiplier for price-proximity binding
	RateLimitPerSec    float64 `yaml:"rate_limit_per_sec" validate:"min=0"`
	RateLimitBurst     int     `yaml:"rate_limit_burst" validate:"min=0"`
}

// RiskConfig contains session risk gate settings
type RiskConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MaxOpenIntents int     `yaml:"max_open_intents" validate:"min=0,max=1000"`
	MaxSessionLoss float64 `yaml:"max_session_loss" validate:"min=0"`
	SessionStart   string  `yaml:"session_start"` // "HH:MM" UTC, empty disables the window
	SessionEnd     string  `yaml:"session_end"`
}

// TimingConfig contains timing-related settings, all in milliseconds
type TimingConfig struct {
	ReconcileIntervalMs   int `yaml:"reconcile_interval_ms" validate:"min=50,max=3600000"`
	PruneEveryCycles      int `yaml:"prune_every_cycles" validate:"min=1,max=1000"`
	PlacementDebounceMs   int `yaml:"placement_debounce_ms" validate:"min=0,max=60000"`
	ModifyVerifyDelayMs   int `yaml:"modify_verify_delay_ms" validate:"min=10,max=10000"`
	ModifyVerifyAttempts  int `yaml:"modify_verify_attempts" validate:"min=1,max=10"`
	PendingChildTTLMs     int `yaml:"pending_child_ttl_ms" validate:"min=1000,max=3600000"`
	WarmupPollIntervalMs  int `yaml:"warmup_poll_interval_ms" validate:"min=10,max=10000"`
	FlattenVerifyDelayMs  int `yaml:"flatten_verify_delay_ms" validate:"min=10,max=10000"`
	FlattenVerifyAttempts int `yaml:"flatten_verify_attempts" validate:"min=1,max=20"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ProtectivePoolSize   int `yaml:"protective_pool_size" validate:"min=1,max=100"`
	ProtectivePoolBuffer int `yaml:"protective_pool_buffer" validate:"min=1,max=10000"`
	EventBuffer          int `yaml:"event_buffer" validate:"min=1,max=100000"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
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

	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateInstrumentConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTradingConfig(); err != nil {
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

func (c *Config) validateInstrumentConfig() error {
	if c.Instrument.Symbol == "" {
		return ValidationError{
			Field:   "instrument.symbol",
			Message: "instrument symbol is required",
		}
	}
	if c.Instrument.TickSize <= 0 {
		return ValidationError{
			Field:   "instrument.tick_size",
			Value:   c.Instrument.TickSize,
			Message: "tick size must be positive",
		}
	}
	if c.Instrument.LotStep <= 0 {
		return ValidationError{
			Field:   "instrument.lot_step",
			Value:   c.Instrument.LotStep,
			Message: "lot step must be positive",
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.OrderQuantity <= 0 {
		return ValidationError{
			Field:   "trading.order_quantity",
			Value:   c.Trading.OrderQuantity,
			Message: "order quantity must be positive",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if !c.Risk.Enabled {
		return nil // Skip validation if disabled
	}

	for _, field := range []struct {
		name, value string
	}{
		{"risk.session_start", c.Risk.SessionStart},
		{"risk.session_end", c.Risk.SessionEnd},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.Parse("15:04", field.value); err != nil {
			return ValidationError{
				Field:   field.name,
				Value:   field.value,
				Message: "must be HH:MM (24h)",
			}
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

// ReconcileInterval returns the reconcile cadence as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Timing.ReconcileIntervalMs) * time.Millisecond
}

// PlacementDebounce returns the protective order placement debounce.
func (c *Config) PlacementDebounce() time.Duration {
	return time.Duration(c.Timing.PlacementDebounceMs) * time.Millisecond
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Instrument: InstrumentConfig{
			Symbol:   "ESZ6",
			Account:  "SIM-1",
			TickSize: 0.25,
			LotStep:  1,
			MinLot:   1,
		},
		Trading: TradingConfig{
			OrderQuantity:      1,
			StopTicks:          16,
			TargetTicks:        32,
			FuzzyOwnershipTick: 2.1,
			RateLimitPerSec:    20,
			RateLimitBurst:     10,
		},
		Risk: RiskConfig{
			Enabled:        true,
			MaxOpenIntents: 5,
			MaxSessionLoss: 1000,
		},
		Timing: TimingConfig{
			ReconcileIntervalMs:   1000,
			PruneEveryCycles:      5,
			PlacementDebounceMs:   500,
			ModifyVerifyDelayMs:   250,
			ModifyVerifyAttempts:  2,
			PendingChildTTLMs:     300000,
			WarmupPollIntervalMs:  100,
			FlattenVerifyDelayMs:  250,
			FlattenVerifyAttempts: 8,
		},
		Concurrency: ConcurrencyConfig{
			ProtectivePoolSize:   4,
			ProtectivePoolBuffer: 64,
			EventBuffer:          1024,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
	}
}
