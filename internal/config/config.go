package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

const (
	envPrefix        = "LEDGER"
	defaultRedisAddr = "localhost:6379"
)

type Config struct {
	Store    string `envconfig:"STORE" default:"mysql"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	MySQLDSN             string        `envconfig:"MYSQL_DSN" default:"root:root@tcp(localhost:3306)/inventory?parseTime=true"`
	MySQLMaxOpenConns    int           `envconfig:"MYSQL_MAX_OPEN_CONNS" default:"50"`
	MySQLMaxIdleConns    int           `envconfig:"MYSQL_MAX_IDLE_CONNS" default:"25"`
	MySQLConnMaxLifetime time.Duration `envconfig:"MYSQL_CONN_MAX_LIFETIME" default:"5m"`

	// RedisAddr defaults to a local instance for the mysql store only; the
	// memory store runs without Redis unless it is set.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":50051"`

	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	KafkaSalesTopic string   `envconfig:"KAFKA_SALES_TOPIC" default:"marketplace.sales"`
	KafkaGroupID    string   `envconfig:"KAFKA_GROUP_ID" default:"inventory-ledger"`

	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	ReconcileTick        time.Duration `envconfig:"RECONCILE_TICK" default:"1m"`
	ReconcileBatch       int           `envconfig:"RECONCILE_BATCH" default:"500"`
	ReconcileConcurrency int           `envconfig:"RECONCILE_CONCURRENCY" default:"8"`

	DefaultLowStockThreshold int `envconfig:"DEFAULT_LOW_STOCK_THRESHOLD" default:"5"`
	DefaultReorderPoint      int `envconfig:"DEFAULT_REORDER_POINT" default:"10"`

	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"20ms"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1s"`
	RetryJitter      float64       `envconfig:"RETRY_JITTER" default:"0.5"`
}

// Load reads an optional .env file, then LEDGER_* environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "process env")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" && cfg.Store == "mysql" {
		cfg.RedisAddr = defaultRedisAddr
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "mysql", "memory":
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	if c.ReconcileBatch <= 0 || c.ReconcileConcurrency <= 0 {
		return errors.New("reconcile batch and concurrency must be positive")
	}
	if c.DefaultLowStockThreshold < 0 || c.DefaultReorderPoint < 0 {
		return domain.ErrInvalidThreshold
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry jitter must be within [0, 1]")
	}
	return nil
}

func (c *Config) LedgerDefaults() domain.LedgerDefaults {
	return domain.LedgerDefaults{
		LowStockThreshold: c.DefaultLowStockThreshold,
		ReorderPoint:      c.DefaultReorderPoint,
	}
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Jitter:      c.RetryJitter,
	}
}
