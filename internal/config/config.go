package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config represents the application configuration.

type Config struct {
	App         App         `yaml:"app"`
	Auth0       Auth0       `yaml:"auth0"`
	Bus         Bus         `yaml:"bus"`
	Compression Compression `yaml:"compression"`
	DB          DB          `yaml:"db"`
	Job         Job         `yaml:"job"`
	Logging     Logging     `yaml:"logging"`
	OTEL        OTEL        `yaml:"otel"`
	Outbox      Outbox      `yaml:"outbox"`
	Redis       Redis       `yaml:"redis"`
	SSE         SSE         `yaml:"sse"`
}

type App struct {
	Env string `yaml:"env" env:"APP_ENV" env-default:"dev"`
}

type Auth0 struct {
	Audience string `yaml:"audience" env:"AUTH0_AUDIENCE"`
	Domain   string `yaml:"domain" env:"AUTH0_DOMAIN"`
}

// Bus configures the NATS-backed event bus. An empty URL selects the
// in-process local bus.
type Bus struct {
	URL string `yaml:"url" env:"NATS_URL"`
}

// Compression selects the bus payload codec: none, gzip, or snappy.
type Compression struct {
	Type      string `yaml:"type" env:"COMPRESSION_TYPE" env-default:"gzip"`
	Threshold int    `yaml:"threshold" env:"COMPRESSION_THRESHOLD" env-default:"1024"`
}

type DB struct {
	URL      string `yaml:"url" env:"DATABASE_URL"` // Full connection URL (takes precedence)
	Database string `yaml:"pgdatabase" env:"PGDATABASE" env-default:"cmp"`
	Host     string `yaml:"pghost" env:"PGHOST" env-default:"localhost"`
	Password string `yaml:"pgpassword" env:"PGPASSWORD" env-default:"postgres"`
	Port     int    `yaml:"pgport" env:"PGPORT" env-default:"5432"`
	User     string `yaml:"pguser" env:"PGUSER" env-default:"postgres"`
	SSLMode  string `yaml:"pgsslmode" env:"PGSSLMODE" env-default:"disable"`
}

type Job struct {
	QueueName         string `yaml:"queue_name" env:"JOB_QUEUE_NAME" env-default:"default"`
	WorkerConcurrency int    `yaml:"worker_concurrency" env:"WORKER_CONCURRENCY" env-default:"5"`
}

type Logging struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type OTEL struct {
	ExporterOTLPEndpoint string `yaml:"exporter_otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Outbox tunes the transactional outbox worker.
type Outbox struct {
	BatchSize      int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE" env-default:"10"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL" env-default:"5s"`
	MaxRetries     int           `yaml:"max_retries" env:"OUTBOX_MAX_RETRIES" env-default:"3"`
	RetryDelay     time.Duration `yaml:"retry_delay" env:"OUTBOX_RETRY_DELAY" env-default:"1s"`
	ReclaimAfter   time.Duration `yaml:"reclaim_after" env:"OUTBOX_RECLAIM_AFTER" env-default:"5m"`
	RetainTerminal time.Duration `yaml:"retain_terminal" env:"OUTBOX_RETAIN_TERMINAL" env-default:"24h"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR"`
}

// SSE tunes the Server-Sent-Events multiplexer.
type SSE struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"SSE_HEARTBEAT_INTERVAL" env-default:"30s"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" env:"SSE_IDLE_TIMEOUT" env-default:"5m"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" env:"SSE_CLEANUP_INTERVAL" env-default:"30s"`
	RetryMS            int           `yaml:"retry_ms" env:"SSE_RETRY_MS" env-default:"3000"`
	BatchMaxSize       int           `yaml:"batch_max_size" env:"SSE_BATCH_MAX_SIZE" env-default:"10"`
	BatchFlushInterval time.Duration `yaml:"batch_flush_interval" env:"SSE_BATCH_FLUSH_INTERVAL" env-default:"100ms"`
}

// Load loads configuration from YAML files based on APP_ENV.
// It loads config/shared.yml first, then overlays config/{env}.yml.
// Environment variables take precedence over YAML values.
func Load() (*Config, error) {
	cfg := &Config{}

	// Determine environment
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// Determine config directory (project root /config)
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}

	// Load shared config first
	sharedPath := filepath.Join(configDir, "shared.yml")
	if _, err := os.Stat(sharedPath); err == nil {
		if err := cleanenv.ReadConfig(sharedPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to read shared config: %w", err)
		}
	}

	// Load environment-specific config
	envPath := filepath.Join(configDir, fmt.Sprintf("%s.yml", env))
	if _, err := os.Stat(envPath); err == nil {
		if err := cleanenv.ReadConfig(envPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s config: %w", env, err)
		}
	}

	// Read environment variables (these override YAML values)
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}

	return cfg, nil
}

// DatabaseURL constructs and returns the full PostgreSQL connection URL.
func (c *Config) DatabaseURL() string {
	// Use URL if set, otherwise construct from individual components
	if c.DB.URL != "" {
		return c.DB.URL
	}

	hostPort := net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port))
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		c.DB.User, c.DB.Password, hostPort, c.DB.Database, c.DB.SSLMode)
}
