package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xenoISA/isA-user-sub009/internal/config"
	"github.com/xenoISA/isA-user-sub009/internal/eventbus"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/kafka"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/nats"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/postgres"
	"github.com/xenoISA/isA-user-sub009/internal/infrastructure/redis"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"
)

// Factory builds and caches the process-wide infrastructure handles so every
// binary wires them the same way. Accessors are lazy; Close releases
// whatever was actually opened.
type Factory struct {
	cfg         *config.Config
	pgPool      *pgxpool.Pool
	redisCli    *go_redis.Client
	natsBroker  *nats.Broker
	kafkaBroker *kafka.Broker
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg: cfg,
	}
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	// Retry connection up to 5 times
	for i := 0; i < 5; i++ {
		pool, err = postgres.NewClient(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
		})
		if err == nil {
			break
		}
		slog.Warn("failed to connect to postgres, retrying in 2s", "attempt", i+1, "attempts", 5, "error", err)
		time.Sleep(2 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr: f.cfg.Redis.Addr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

// Broker returns the configured event transport. clientName identifies the
// connection on the broker side (one per binary).
func (f *Factory) Broker(ctx context.Context, clientName string, logger *slog.Logger) (eventbus.Broker, error) {
	switch f.cfg.Messaging.Broker {
	case "", "nats":
		if f.natsBroker != nil {
			return f.natsBroker, nil
		}
		broker, err := nats.Connect(nats.Config{URL: f.cfg.Nats.URL}, clientName, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init nats broker: %w", err)
		}
		f.natsBroker = broker
		return broker, nil
	case "kafka":
		if f.kafkaBroker != nil {
			return f.kafkaBroker, nil
		}
		f.kafkaBroker = kafka.NewBroker(kafka.Config{Brokers: f.cfg.Kafka.Brokers}, logger)
		return f.kafkaBroker, nil
	default:
		return nil, fmt.Errorf("unknown messaging broker %q", f.cfg.Messaging.Broker)
	}
}

func (f *Factory) Close() {
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
	if f.natsBroker != nil {
		f.natsBroker.Close()
	}
	if f.kafkaBroker != nil {
		f.kafkaBroker.Close()
	}
}
