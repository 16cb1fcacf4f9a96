package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App       App       `yaml:"app"`
	HTTP      HTTP      `yaml:"http"`
	Log       Log       `yaml:"log"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Nats      Nats      `yaml:"nats"`
	Kafka     Kafka     `yaml:"kafka"`
	Messaging Messaging `yaml:"messaging"`
	Relay     Relay     `yaml:"relay"`
	Billing   Billing   `yaml:"billing"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"isa-user"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel maps the configured level string to a slog level, defaulting to
// info on anything unrecognized.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"isa_user_db"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type Nats struct {
	URL string `yaml:"url" env:"NATS_URL" env-default:"nats://localhost:4222"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
}

// Messaging selects which transport carries events and where consumers keep
// their deduplication state.
type Messaging struct {
	// Broker is "nats" (default) or "kafka".
	Broker string `yaml:"broker" env:"MESSAGING_BROKER" env-default:"nats"`
	// Dedup is "redis" (default), "postgres" or "memory".
	Dedup     string `yaml:"dedup" env:"MESSAGING_DEDUP" env-default:"redis"`
	BatchSize int    `yaml:"batch_size" env:"MESSAGING_BATCH_SIZE" env-default:"10"`
}

type Relay struct {
	Interval  time.Duration `yaml:"interval" env:"RELAY_INTERVAL" env-default:"2s"`
	BatchSize int           `yaml:"batch_size" env:"RELAY_BATCH_SIZE" env-default:"10"`
}

type Billing struct {
	// LowBalanceThreshold is the balance in USD below which the billing
	// consumer emits a notification.balance_low event.
	LowBalanceThreshold float64 `yaml:"low_balance_threshold" env:"BILLING_LOW_BALANCE_THRESHOLD" env-default:"5"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	return cfg, nil
}
