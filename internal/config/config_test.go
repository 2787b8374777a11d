package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

const validConfig = `instrument:
  symbol: "ESZ6"
  account: "${TEST_ACCOUNT_ID}"
  tick_size: 0.25
  lot_step: 1
  min_lot: 1

trading:
  order_quantity: 1
  stop_ticks: 16
  target_ticks: 32
  fuzzy_ownership_tick: 2.1
  rate_limit_per_sec: 20
  rate_limit_burst: 10

risk:
  enabled: true
  max_open_intents: 5
  max_session_loss: 1000
  session_start: "13:30"
  session_end: "20:00"

timing:
  reconcile_interval_ms: 1000
  prune_every_cycles: 5
  placement_debounce_ms: 500
  modify_verify_delay_ms: 250
  modify_verify_attempts: 2
  pending_child_ttl_ms: 300000
  warmup_poll_interval_ms: 100
  flatten_verify_delay_ms: 250
  flatten_verify_attempts: 8

system:
  log_level: "INFO"
  cancel_on_exit: true
`

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	os.Setenv("TEST_ACCOUNT_ID", "ACC-77")
	defer os.Unsetenv("TEST_ACCOUNT_ID")

	path := writeTempConfig(t, validConfig)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ACC-77", cfg.Instrument.Account.Value())
	assert.Equal(t, "ESZ6", cfg.Instrument.Symbol)
	assert.True(t, cfg.System.CancelOnExit)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s string) string
		wantErr string
	}{
		{
			name:    "missing symbol",
			mutate:  func(s string) string { return replaceLine(s, `  symbol: "ESZ6"`, `  symbol: ""`) },
			wantErr: "symbol is required",
		},
		{
			name:    "zero tick size",
			mutate:  func(s string) string { return replaceLine(s, "  tick_size: 0.25", "  tick_size: 0") },
			wantErr: "tick size must be positive",
		},
		{
			name:    "bad session window",
			mutate:  func(s string) string { return replaceLine(s, `  session_start: "13:30"`, `  session_start: "25:99"`) },
			wantErr: "must be HH:MM",
		},
		{
			name:    "bad log level",
			mutate:  func(s string) string { return replaceLine(s, `  log_level: "INFO"`, `  log_level: "LOUD"`) },
			wantErr: "must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.mutate(validConfig))
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "1s", cfg.ReconcileInterval().String())
	assert.Equal(t, "500ms", cfg.PlacementDebounce().String())
}

func TestConfigStringRedactsAccount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instrument.Account = "PROD-ACCOUNT-42"

	output := cfg.String()
	assert.NotContains(t, output, "PROD-ACCOUNT-42")
	assert.Contains(t, output, "[REDACTED]")
}

func replaceLine(s, old, new string) string {
	return strings.Replace(s, old, new, 1)
}
