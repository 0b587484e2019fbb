package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/payalb/course-management/pkg/utils"
)

type Config struct {
	Env          string     `yaml:"env" env:"ENV" env-default:"local"`
	HTTP         HTTP       `yaml:"http"`
	Postgres     PG         `yaml:"postgres"`
	ReadPostgres ReadPG     `yaml:"read_postgres"`
	Redis        Redis      `yaml:"redis"`
	Kafka        Kafka      `yaml:"kafka"`
	Outbox       Outbox     `yaml:"outbox"`
	Logger       Logger     `yaml:"logger"`
	Tracing      Tracing    `yaml:"tracing"`
	Migrations   Migrations `yaml:"migrations"`
	Limiter      Limiter    `yaml:"limiter"`
}

type HTTP struct {
	CommandPort string        `yaml:"command_port" env:"COMMAND_HTTP_PORT" env-default:":3001"`
	QueryPort   string        `yaml:"query_port" env:"QUERY_HTTP_PORT" env-default:":3002"`
	Timeout     time.Duration `yaml:"timeout" env-default:"4s"`
}

// PG is the aggregate store holding courses and the outbox ledger.
type PG struct {
	URL string `yaml:"url" env:"DB_URL"`
}

// ReadPG is the denormalized read store owned by the projector.
type ReadPG struct {
	URL string `yaml:"url" env:"READ_DB_URL"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_TTL" env-default:"10m"`
}

type Kafka struct {
	Brokers        []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	Topic          string        `yaml:"topic" env:"KAFKA_TOPIC" env-default:"course-events"`
	GroupID        string        `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"course-query-service"`
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"KAFKA_PUBLISH_TIMEOUT" env-default:"5s"`
}

type Outbox struct {
	DispatchInterval time.Duration `yaml:"dispatch_interval" env:"OUTBOX_DISPATCH_INTERVAL" env-default:"5s"`
	RetryInterval    time.Duration `yaml:"retry_interval" env:"OUTBOX_RETRY_INTERVAL" env-default:"60s"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" env:"OUTBOX_CLEANUP_INTERVAL" env-default:"1h"`
	BatchSize        int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"100"`
	MaxRetries       int           `yaml:"max_retries" env:"OUTBOX_MAX_RETRIES" env-default:"3"`
	RetryWindow      time.Duration `yaml:"retry_window" env:"OUTBOX_RETRY_WINDOW" env-default:"24h"`
	Retention        time.Duration `yaml:"retention" env:"OUTBOX_RETENTION" env-default:"168h"`
}

type Logger struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// Tracing also switches metric export; both go to the same OTLP endpoint.
type Tracing struct {
	Enabled         bool          `yaml:"enabled" env:"TRACING_ENABLED" env-default:"false"`
	Endpoint        string        `yaml:"endpoint" env:"JAEGER_ENDPOINT" env-default:"localhost:4318"`
	MetricsInterval time.Duration `yaml:"metrics_interval" env:"METRICS_INTERVAL" env-default:"30s"`
	SampleRatio     float64       `yaml:"sample_ratio" env:"TRACING_SAMPLE_RATIO" env-default:"1"`
}

// Limiter caps command requests per client IP.
type Limiter struct {
	Max        int           `yaml:"max" env:"LIMITER_MAX" env-default:"50"`
	Expiration time.Duration `yaml:"expiration" env:"LIMITER_EXPIRATION" env-default:"10s"`
}

type Migrations struct {
	CommandPath string `yaml:"command_path" env:"COMMAND_MIGRATIONS_PATH" env-default:"./migrations/command"`
	QueryPath   string `yaml:"query_path" env:"QUERY_MIGRATIONS_PATH" env-default:"./migrations/query"`
}

// Load reads the YAML file at path and overlays environment variables.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	return cfg
}

func (c *Config) validate() error {
	switch {
	case c.Outbox.BatchSize <= 0:
		return fmt.Errorf("outbox.batch_size must be positive")
	case c.Outbox.MaxRetries <= 0:
		return fmt.Errorf("outbox.max_retries must be positive")
	case c.Outbox.DispatchInterval <= 0 || c.Outbox.RetryInterval <= 0 || c.Outbox.CleanupInterval <= 0:
		return fmt.Errorf("outbox intervals must be positive")
	case c.Kafka.PublishTimeout <= 0:
		return fmt.Errorf("kafka.publish_timeout must be positive")
	case len(c.Kafka.Brokers) == 0:
		return fmt.Errorf("kafka.brokers must not be empty")
	case c.Limiter.Max <= 0 || c.Limiter.Expiration <= 0:
		return fmt.Errorf("limiter.max and limiter.expiration must be positive")
	}

	return nil
}
