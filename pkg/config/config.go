package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	CommandService ServerConfig `mapstructure:"command_service"`
	Worker         ServerConfig `mapstructure:"worker"`
	Orchestrator   ServerConfig `mapstructure:"orchestrator"`
	Database       DatabaseConfig
	Kafka          KafkaConfig
	Redis          RedisConfig
	Outbox         OutboxConfig
	Consumer       ConsumerConfig
	Process        ProcessConfig
	Observability  ObservabilityConfig
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	Database        string        `mapstructure:"database" validate:"required"`
	Username        string        `mapstructure:"username" validate:"required"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int32         `mapstructure:"max_open_conns"`
	MinIdleConns    int32         `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" validate:"min=1"`
	GroupID      string        `mapstructure:"group_id"`
	ReplyGroupID string        `mapstructure:"reply_group_id"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// OutboxConfig carries relay and sweeper settings
type OutboxConfig struct {
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	BatchSize           int           `mapstructure:"batch_size" validate:"gte=1,lte=5000"`
	MaxBackoffMillis    int           `mapstructure:"max_backoff_millis" validate:"gte=1000"`
	BaseBackoffMillis   int           `mapstructure:"base_backoff_millis" validate:"gte=1"`
	StuckThreshold      time.Duration `mapstructure:"stuck_threshold"`
	FastpathEnabled     bool          `mapstructure:"fastpath_enabled"`
	FastpathConcurrency int           `mapstructure:"fastpath_concurrency" validate:"gte=1,lte=1024"`
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
}

// ConsumerConfig carries inbox-guarded consumer settings
type ConsumerConfig struct {
	HandlerLease           time.Duration `mapstructure:"handler_lease"`
	MaxRetriesDefault      int           `mapstructure:"max_retries_default" validate:"gte=0"`
	TransientErrorPatterns []string      `mapstructure:"transient_error_patterns"`
}

// ProcessConfig carries process manager settings
type ProcessConfig struct {
	MaxRetriesDefault int           `mapstructure:"max_retries_default" validate:"gte=0"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
}

type ObservabilityConfig struct {
	LogLevel    string        `mapstructure:"log_level"`
	MetricsPort int           `mapstructure:"metrics_port"`
	MetricsPath string        `mapstructure:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/flowmesh/")

	// Allow environment variable overrides, FLOWMESH_OUTBOX_BATCH_SIZE
	// style
	viper.AutomaticEnv()
	viper.SetEnvPrefix("FLOWMESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("command_service.host", "0.0.0.0")
	viper.SetDefault("command_service.port", 8080)
	viper.SetDefault("command_service.read_timeout", "30s")
	viper.SetDefault("command_service.write_timeout", "30s")
	viper.SetDefault("worker.port", 8081)
	viper.SetDefault("orchestrator.port", 8082)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "flowmesh")
	viper.SetDefault("database.username", "flowmesh")
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.min_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "30m")
	viper.SetDefault("database.dial_timeout", "5s")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "flowmesh-worker")
	viper.SetDefault("kafka.reply_group_id", "flowmesh-orchestrator")
	viper.SetDefault("kafka.max_retries", 3)
	viper.SetDefault("kafka.retry_backoff", "250ms")
	viper.SetDefault("kafka.dial_timeout", "10s")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.pool_size", 100)

	viper.SetDefault("outbox.sweep_interval", "1s")
	viper.SetDefault("outbox.batch_size", 500)
	viper.SetDefault("outbox.max_backoff_millis", 300000)
	viper.SetDefault("outbox.base_backoff_millis", 1000)
	viper.SetDefault("outbox.stuck_threshold", "10s")
	viper.SetDefault("outbox.fastpath_enabled", false)
	viper.SetDefault("outbox.fastpath_concurrency", 32)
	viper.SetDefault("outbox.retention_period", "168h")
	viper.SetDefault("outbox.cleanup_interval", "1h")

	viper.SetDefault("consumer.handler_lease", "60s")
	viper.SetDefault("consumer.max_retries_default", 3)
	viper.SetDefault("consumer.transient_error_patterns", []string{"timeout", "connection", "temporary", "deadlock"})

	viper.SetDefault("process.max_retries_default", 3)
	viper.SetDefault("process.retry_base", "1s")

	viper.SetDefault("observability.log_level", "info")
	viper.SetDefault("observability.metrics_port", 9090)
	viper.SetDefault("observability.metrics_path", "/metrics")
	viper.SetDefault("observability.tracing.enabled", false)
	viper.SetDefault("observability.tracing.service_name", "flowmesh")
}
