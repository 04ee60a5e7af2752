package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/planogram-cli/internal/consensus"
	"github.com/sells-group/planogram-cli/internal/cost"
	"github.com/sells-group/planogram-cli/internal/feedback"
	"github.com/sells-group/planogram-cli/internal/invoke"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/planogram"
	"github.com/sells-group/planogram-cli/internal/resilience"
	"github.com/sells-group/planogram-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Job        model.JobConfig  `yaml:"job" mapstructure:"job"`
	StagesFile string           `yaml:"stages_file" mapstructure:"stages_file"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Consensus  consensus.Policy `yaml:"consensus" mapstructure:"consensus"`
	Feedback   FeedbackConfig   `yaml:"feedback" mapstructure:"feedback"`
	Invoke     InvokeConfig     `yaml:"invoke" mapstructure:"invoke"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Estimates  cost.Estimates   `yaml:"estimates" mapstructure:"estimates"`
	Render     RenderConfig     `yaml:"render" mapstructure:"render"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Store      store.Config     `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ExtractionConfig tunes the extraction stages.
type ExtractionConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	// AssumedShelves sizes the first cost projection.
	AssumedShelves int `yaml:"assumed_shelves" mapstructure:"assumed_shelves"`
}

// FeedbackConfig holds the cumulative feedback thresholds.
type FeedbackConfig struct {
	LockThreshold   float64 `yaml:"lock_threshold" mapstructure:"lock_threshold"`
	AccuracyCeiling float64 `yaml:"accuracy_ceiling" mapstructure:"accuracy_ceiling"`
}

// Manager builds the feedback manager.
func (f FeedbackConfig) Manager() feedback.Manager {
	return feedback.Manager{LockThreshold: f.LockThreshold, AccuracyCeiling: f.AccuracyCeiling}
}

// InvokeConfig configures the guarded model caller.
type InvokeConfig struct {
	TimeoutSecs   int                         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SchemaRetries int                         `yaml:"schema_retries" mapstructure:"schema_retries"`
	Retry         RetryConfig                 `yaml:"retry" mapstructure:"retry"`
	Breaker       BreakerConfig               `yaml:"breaker" mapstructure:"breaker"`
	RateLimits    map[string]invoke.RateLimit `yaml:"rate_limits" mapstructure:"rate_limits"`
}

// RetryConfig is the file form of resilience.RetryConfig.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter           float64 `yaml:"jitter" mapstructure:"jitter"`
}

// BreakerConfig is the file form of resilience.CircuitBreakerConfig.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs  int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	HalfOpenSuccesses int `yaml:"half_open_successes" mapstructure:"half_open_successes"`
}

// Caller converts the file form into an invoke.CallerConfig.
func (c InvokeConfig) Caller() invoke.CallerConfig {
	return invoke.CallerConfig{
		Timeout: time.Duration(c.TimeoutSecs) * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialBackoff: time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:     c.Retry.Multiplier,
			JitterFraction: c.Retry.Jitter,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold:  c.Breaker.FailureThreshold,
			ResetTimeout:      time.Duration(c.Breaker.ResetTimeoutSecs) * time.Second,
			HalfOpenSuccesses: c.Breaker.HalfOpenSuccesses,
		},
		SchemaRetries: c.SchemaRetries,
		RateLimits:    c.RateLimits,
	}
}

// ProvidersConfig routes model ids to provider adapters.
type ProvidersConfig struct {
	Default string `yaml:"default" mapstructure:"default"`
	// Routes maps a model id prefix to a provider name.
	Routes map[string]string `yaml:"routes" mapstructure:"routes"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig holds settings for an OpenAI-compatible chat completions API.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// RenderConfig controls planogram bitmaps and photo preprocessing.
type RenderConfig struct {
	Bitmap      bool                   `yaml:"bitmap" mapstructure:"bitmap"`
	Cells       planogram.BitmapConfig `yaml:"cells" mapstructure:"cells"`
	PhotoMaxDim int                    `yaml:"photo_max_dim" mapstructure:"photo_max_dim"`
}

// FetchConfig controls downloading photographs given by URL.
type FetchConfig struct {
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	HostRate    float64 `yaml:"host_rate" mapstructure:"host_rate"`
	MaxBytes    int64   `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the job health checker.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BudgetExhaustedThreshold float64 `yaml:"budget_exhausted_threshold" mapstructure:"budget_exhausted_threshold"`
	CostThresholdUSD         float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	AccuracyFloor            float64 `yaml:"accuracy_floor" mapstructure:"accuracy_floor"`
	AlertCooldownMins        int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml, if present, and environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file. An empty path searches
// the working directory; a named file must exist.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PLANOGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("job.target_accuracy", 0.95)
	v.SetDefault("job.max_iterations", 5)
	v.SetDefault("job.budget_cap", 2.0)
	v.SetDefault("extraction.concurrency", 4)
	v.SetDefault("extraction.assumed_shelves", 5)
	v.SetDefault("consensus.default_base_weight", 1.0)
	v.SetDefault("consensus.majority_share", 0.5)
	v.SetDefault("feedback.lock_threshold", 0.9)
	v.SetDefault("feedback.accuracy_ceiling", 0.85)
	v.SetDefault("invoke.timeout_secs", 90)
	v.SetDefault("invoke.schema_retries", 1)
	v.SetDefault("invoke.retry.max_attempts", 3)
	v.SetDefault("invoke.retry.initial_backoff_ms", 500)
	v.SetDefault("invoke.retry.max_backoff_ms", 30000)
	v.SetDefault("invoke.retry.multiplier", 2.0)
	v.SetDefault("invoke.retry.jitter", 0.25)
	v.SetDefault("invoke.breaker.failure_threshold", 5)
	v.SetDefault("invoke.breaker.reset_timeout_secs", 30)
	v.SetDefault("invoke.breaker.half_open_successes", 1)
	v.SetDefault("providers.default", "anthropic")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("render.bitmap", true)
	v.SetDefault("render.photo_max_dim", 2048)
	v.SetDefault("render.cells.cell_width", 40)
	v.SetDefault("render.cells.unit_height", 48)
	v.SetDefault("render.cells.shelf_line", 6)
	v.SetDefault("render.cells.padding", 2)
	v.SetDefault("fetch.user_agent", "planogram-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.host_rate", 5.0)
	v.SetDefault("fetch.max_bytes", 25<<20)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "planogram.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.budget_exhausted_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.accuracy_floor", 0.80)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.fillCollections()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillCollections supplies the map and slice defaults viper cannot merge
// key by key.
func (c *Config) fillCollections() {
	if len(c.Consensus.Bands) == 0 {
		c.Consensus.Bands = consensus.DefaultPolicy().Bands
	}
	if len(c.Providers.Routes) == 0 {
		c.Providers.Routes = map[string]string{"claude-": "anthropic", "gpt-": "openai", "o4-": "openai"}
	}
	if len(c.Pricing.Models) == 0 {
		c.Pricing = cost.DefaultRates()
	}
	if len(c.Estimates.Stages) == 0 {
		c.Estimates = cost.DefaultEstimates()
	}
}

// Validate checks values that would otherwise fail deep inside a job.
func (c *Config) Validate() error {
	if c.Job.MaxIterations < 1 {
		return eris.Errorf("config: job.max_iterations must be at least 1, got %d", c.Job.MaxIterations)
	}
	if c.Job.TargetAccuracy <= 0 || c.Job.TargetAccuracy > 1 {
		return eris.Errorf("config: job.target_accuracy must be in (0,1], got %v", c.Job.TargetAccuracy)
	}
	if err := c.Consensus.Validate(); err != nil {
		return eris.Wrap(err, "config: consensus")
	}
	return nil
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
