package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.MinConns)
	assert.Equal(t, 120, cfg.Store.IdleTimeoutSecs)
	assert.Equal(t, 30, cfg.Store.KeepAliveSecs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.StrategistModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.ConsolidatorModel)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, "https://api.perplexity.ai", cfg.Perplexity.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Stages.Strategist.Timeout())
	assert.Equal(t, 90*time.Second, cfg.Stages.Briefer.Timeout())
	assert.Equal(t, 60*time.Second, cfg.Stages.Consolidator.Timeout())
	assert.Equal(t, int64(4096), cfg.Stages.Consolidator.MaxTokens)
	assert.Equal(t, 1000, cfg.Worker.ReconnectInitialMs)
	assert.Equal(t, 30000, cfg.Worker.ReconnectMaxMs)
	assert.Equal(t, 10, cfg.Worker.MaxReconnects)
	assert.Equal(t, 5, cfg.Supervisor.RestartDelaySecs)
	assert.Equal(t, 10, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, 30, cfg.Delivery.FallbackTimeoutSecs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 30, cfg.Circuit.ResetTimeoutSecs)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 60, cfg.Monitoring.AlertCooldownMins)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  database_url: postgres://localhost/strategy
  max_conns: 20
log:
  level: debug
  format: console
stages:
  strategist:
    timeout_secs: 5
worker:
  max_reconnects: 3
pricing:
  anthropic:
    claude-haiku-4-5:
      input: 0.5
      output: 2.5
  perplexity:
    per_query: 0.01
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/strategy", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(20), cfg.Store.MaxConns)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5*time.Second, cfg.Stages.Strategist.Timeout())
	assert.Equal(t, 3, cfg.Worker.MaxReconnects)
	assert.Equal(t, 0.5, cfg.Pricing.Anthropic["claude-haiku-4-5"].Input)
	assert.Equal(t, 0.01, cfg.Pricing.Perplexity.PerQuery)
	// Defaults still apply for unset values
	assert.Equal(t, int32(2), cfg.Store.MinConns)
	assert.Equal(t, 90*time.Second, cfg.Stages.Briefer.Timeout())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("STRATEGYD_LOG_LEVEL", "warn")
	t.Setenv("STRATEGYD_STORE_DATABASE_URL", "postgres://env/db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "postgres://env/db", cfg.Store.DatabaseURL)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("STRATEGYD_SERVER_PORT", "3000")
	t.Setenv("STRATEGYD_DELIVERY_FALLBACK_TIMEOUT_SECS", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Delivery.FallbackTimeoutSecs)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Store.MaxConns = 10
	cfg.Store.MinConns = 2
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Perplexity.Key = "pplx-key"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateServe_AllPresent(t *testing.T) {
	assert.NoError(t, validConfig().Validate("serve"))
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := &Config{}

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "perplexity.key is required")
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidateWorker_NoPerplexityNeeded(t *testing.T) {
	cfg := validConfig()
	cfg.Perplexity.Key = ""

	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidateMigrate_OnlyDatabase(t *testing.T) {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "postgres://localhost/test"

	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidate_PoolBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Store.MinConns = 20

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_conns")
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	red := cfg.Redacted()

	assert.Equal(t, "****", red.Store.DatabaseURL)
	assert.Equal(t, "****", red.Anthropic.Key)
	assert.Equal(t, "****", red.Perplexity.Key)
	assert.Equal(t, "", red.Monitoring.WebhookURL)
	// Original is untouched.
	assert.Equal(t, "sk-ant-key", cfg.Anthropic.Key)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9443\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read file")
}
