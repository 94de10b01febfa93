package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/strategyd/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Stages     StagesConfig     `yaml:"stages" mapstructure:"stages"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor" mapstructure:"supervisor"`
	Delivery   DeliveryConfig   `yaml:"delivery" mapstructure:"delivery"`
	CallLog    CallLogConfig    `yaml:"calllog" mapstructure:"calllog"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres connection pool.
type StoreConfig struct {
	DatabaseURL        string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns           int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns           int32  `yaml:"min_conns" mapstructure:"min_conns"`
	IdleTimeoutSecs    int    `yaml:"idle_timeout_secs" mapstructure:"idle_timeout_secs"`
	KeepAliveSecs      int    `yaml:"keepalive_secs" mapstructure:"keepalive_secs"`
	ConnectTimeoutSecs int    `yaml:"connect_timeout_secs" mapstructure:"connect_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	StrategistModel   string `yaml:"strategist_model" mapstructure:"strategist_model"`
	ConsolidatorModel string `yaml:"consolidator_model" mapstructure:"consolidator_model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key           string   `yaml:"key" mapstructure:"key"`
	BaseURL       string   `yaml:"base_url" mapstructure:"base_url"`
	Model         string   `yaml:"model" mapstructure:"model"`
	Attempts      int      `yaml:"attempts" mapstructure:"attempts"`
	SearchDomains []string `yaml:"search_domains" mapstructure:"search_domains"`
}

// StagesConfig holds per-stage completion call settings.
type StagesConfig struct {
	Strategist   StageConfig `yaml:"strategist" mapstructure:"strategist"`
	Briefer      StageConfig `yaml:"briefer" mapstructure:"briefer"`
	Consolidator StageConfig `yaml:"consolidator" mapstructure:"consolidator"`
}

// StageConfig configures a single completion stage.
type StageConfig struct {
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// Timeout returns the stage timeout as a duration.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// RetryConfig configures call-site retries for persistence writes.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// WorkerConfig configures the background consolidation worker.
type WorkerConfig struct {
	ReconnectInitialMs int `yaml:"reconnect_initial_ms" mapstructure:"reconnect_initial_ms"`
	ReconnectMaxMs     int `yaml:"reconnect_max_ms" mapstructure:"reconnect_max_ms"`
	MaxReconnects      int `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	SweepIntervalSecs  int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	SweepBatchSize     int `yaml:"sweep_batch_size" mapstructure:"sweep_batch_size"`
	BriefingGraceSecs  int `yaml:"briefing_grace_secs" mapstructure:"briefing_grace_secs"`
	MaxAttempts        int `yaml:"max_attempts" mapstructure:"max_attempts"`
	Concurrency        int `yaml:"concurrency" mapstructure:"concurrency"`
}

// SupervisorConfig configures worker process supervision.
type SupervisorConfig struct {
	RestartDelaySecs int `yaml:"restart_delay_secs" mapstructure:"restart_delay_secs"`
	MaxRestarts      int `yaml:"max_restarts" mapstructure:"max_restarts"`
	TailBytes        int `yaml:"tail_bytes" mapstructure:"tail_bytes"`
}

// DeliveryConfig configures client completion delivery.
type DeliveryConfig struct {
	FallbackTimeoutSecs int `yaml:"fallback_timeout_secs" mapstructure:"fallback_timeout_secs"`
}

// CallLogConfig configures the local model-call ledger.
type CallLogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MonitoringConfig configures outcome monitoring and alerting.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DegradedRateThreshold float64 `yaml:"degraded_rate_threshold" mapstructure:"degraded_rate_threshold"`
	StuckAfterMins        int     `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	AlertCooldownMins     int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads ./config.yaml, if present, and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and the environment. An empty path
// looks for an optional config.yaml in the working directory; a named file
// must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("STRATEGYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.idle_timeout_secs", 120)
	v.SetDefault("store.keepalive_secs", 30)
	v.SetDefault("store.connect_timeout_secs", 10)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.strategist_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.consolidator_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.attempts", 3)
	v.SetDefault("stages.strategist.timeout_secs", 15)
	v.SetDefault("stages.strategist.max_tokens", 1024)
	v.SetDefault("stages.strategist.temperature", 0.7)
	v.SetDefault("stages.strategist.rate_per_sec", 5)
	v.SetDefault("stages.strategist.burst", 10)
	v.SetDefault("stages.briefer.timeout_secs", 90)
	v.SetDefault("stages.briefer.max_tokens", 2048)
	v.SetDefault("stages.briefer.temperature", 0.2)
	v.SetDefault("stages.briefer.rate_per_sec", 2)
	v.SetDefault("stages.briefer.burst", 4)
	v.SetDefault("stages.consolidator.timeout_secs", 60)
	v.SetDefault("stages.consolidator.max_tokens", 4096)
	v.SetDefault("stages.consolidator.temperature", 0.3)
	v.SetDefault("stages.consolidator.rate_per_sec", 2)
	v.SetDefault("stages.consolidator.burst", 4)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("worker.reconnect_initial_ms", 1000)
	v.SetDefault("worker.reconnect_max_ms", 30000)
	v.SetDefault("worker.max_reconnects", 10)
	v.SetDefault("worker.sweep_interval_secs", 60)
	v.SetDefault("worker.sweep_batch_size", 50)
	v.SetDefault("worker.briefing_grace_secs", 120)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("supervisor.restart_delay_secs", 5)
	v.SetDefault("supervisor.max_restarts", 10)
	v.SetDefault("supervisor.tail_bytes", 4096)
	v.SetDefault("delivery.fallback_timeout_secs", 30)
	v.SetDefault("calllog.path", "data/calllog.db")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.degraded_rate_threshold", 0.50)
	v.SetDefault("monitoring.stuck_after_mins", 15)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the keys required by the given run mode are set.
// Modes: "serve", "worker", "migrate". Unknown modes only need a database.
func (c *Config) Validate(mode string) error {
	var problems []string
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	switch mode {
	case "serve":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Perplexity.Key == "" {
			problems = append(problems, "perplexity.key is required")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
	case "worker":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	}
	if c.Store.MinConns > c.Store.MaxConns && c.Store.MaxConns > 0 {
		problems = append(problems, "store.min_conns must not exceed store.max_conns")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// Redacted returns a copy with secrets masked, suitable for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Store.DatabaseURL = mask(c.Store.DatabaseURL)
	c.Anthropic.Key = mask(c.Anthropic.Key)
	c.Perplexity.Key = mask(c.Perplexity.Key)
	c.Monitoring.WebhookURL = mask(c.Monitoring.WebhookURL)
	return c
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
