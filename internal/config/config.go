package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine service
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MessageQueue  MessageQueueConfig  `mapstructure:"message_queue"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Execution     ExecutionConfig     `mapstructure:"execution"`
	AIRouting     AIRoutingConfig     `mapstructure:"ai_routing"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MessageQueueConfig struct {
	URL          string `mapstructure:"url"`
	WebhookQueue string `mapstructure:"webhook_queue"`
	ExecuteQueue string `mapstructure:"execute_queue"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

type ExecutionConfig struct {
	MaxConcurrency          int           `mapstructure:"max_concurrency"`
	MaxConcurrentSteps      int           `mapstructure:"max_concurrent_steps"`
	DefaultStepTimeout      time.Duration `mapstructure:"default_step_timeout"`
	DefaultExecutionTimeout time.Duration `mapstructure:"default_execution_timeout"`
	CancellationGracePeriod time.Duration `mapstructure:"cancellation_grace_period"`
	StoreRetryAttempts      int           `mapstructure:"store_retry_attempts"`
	StepRetryAttempts       int           `mapstructure:"step_retry_attempts"`
}

type AIRoutingConfig struct {
	Providers        []ProviderConfig `mapstructure:"providers"`
	RulesetCacheTTL  time.Duration    `mapstructure:"ruleset_cache_ttl"`
	MaxFallbackDepth int              `mapstructure:"max_fallback_depth"`
	RetryMaxAttempts int              `mapstructure:"retry_max_attempts"`
	RateLimitPerSec  float64          `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst   int              `mapstructure:"rate_limit_burst"`
}

type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/auterity")

	// Set defaults
	setDefaults()

	// Bind environment variables
	bindEnvVars()

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "auterity-engine")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	// Server defaults
	viper.SetDefault("http.address", ":8080")

	// Database defaults
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	viper.SetDefault("redis.db", 0)

	// Message queue defaults
	viper.SetDefault("message_queue.webhook_queue", "execution.webhooks")
	viper.SetDefault("message_queue.execute_queue", "workflow.execute")

	// Observability defaults
	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "auterity-engine")
	viper.SetDefault("observability.environment", "development")

	// Execution defaults
	viper.SetDefault("execution.max_concurrency", 8)
	viper.SetDefault("execution.max_concurrent_steps", 128)
	viper.SetDefault("execution.default_step_timeout", "5m")
	viper.SetDefault("execution.default_execution_timeout", "1h")
	viper.SetDefault("execution.cancellation_grace_period", "30s")
	viper.SetDefault("execution.store_retry_attempts", 3)
	viper.SetDefault("execution.step_retry_attempts", 3)

	// AI routing defaults
	viper.SetDefault("ai_routing.ruleset_cache_ttl", "30s")
	viper.SetDefault("ai_routing.max_fallback_depth", 3)
	viper.SetDefault("ai_routing.retry_max_attempts", 4)
	viper.SetDefault("ai_routing.rate_limit_per_sec", 10)
	viper.SetDefault("ai_routing.rate_limit_burst", 20)
}

func bindEnvVars() {
	// App
	viper.BindEnv("app.environment", "APP_ENV")

	// Servers
	viper.BindEnv("http.address", "HTTP_ADDR")

	// Database
	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	// Redis
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Message Queue
	viper.BindEnv("message_queue.url", "RABBITMQ_URL")

	// Observability
	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	// Execution
	viper.BindEnv("execution.max_concurrency", "ENGINE_CONCURRENCY")
	viper.BindEnv("execution.default_step_timeout", "STEP_DEFAULT_TIMEOUT")
	viper.BindEnv("execution.default_execution_timeout", "EXECUTION_DEFAULT_TIMEOUT")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if cfg.Execution.MaxConcurrency <= 0 {
		return fmt.Errorf("execution.max_concurrency must be greater than 0")
	}

	if cfg.Execution.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("execution.max_concurrent_steps must be greater than 0")
	}

	return nil
}
