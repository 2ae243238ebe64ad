package sdk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/tollgate/internal/config"
	"github.com/rafaeljc/tollgate/internal/observability"
	"github.com/rafaeljc/tollgate/internal/storage"
)

// Backends holds the infrastructure selected by the configuration. Redis and
// Postgres are nil when nothing was configured against them.
type Backends struct {
	Store    storage.Store
	Redis    *redis.Client
	Postgres *pgxpool.Pool
	Checkers []observability.Checker
}

// OpenBackends connects to the storage backend and to Redis when any
// component uses it. Callers must Close the result.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{}

	if cfg.NeedsRedis() {
		client, err := storage.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.Redis = client
		b.Checkers = append(b.Checkers, storage.RedisChecker(client))
	}

	switch cfg.Storage.Backend {
	case config.StorageRedis:
		b.Store = storage.NewRedisStore(b.Redis, cfg.Storage.KeyPrefix)
	case config.StoragePostgres:
		pool, err := storage.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		b.Postgres = pool
		b.Store = storage.NewPostgresStore(pool, cfg.Database.Table, cfg.Storage.KeyPrefix)
		b.Checkers = append(b.Checkers, storage.PostgresChecker(pool))
	default:
		b.Store = storage.NewMemoryStore()
	}

	logger.Info("storage backend ready",
		slog.String("backend", cfg.Storage.Backend),
		slog.Bool("redis", b.Redis != nil),
	)
	return b, nil
}

// Close releases every connection.
func (b *Backends) Close() {
	if b.Postgres != nil {
		b.Postgres.Close()
	}
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
}
