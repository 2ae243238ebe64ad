package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/tollgate/internal/observability"
)

// RedisChecker reports whether the redis backend answers a PING.
func RedisChecker(client *redis.Client) observability.Checker {
	if client == nil {
		panic("storage: redis client cannot be nil")
	}
	return observability.CheckFunc("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// PostgresChecker reports whether the pool can reach the key/value database.
func PostgresChecker(pool *pgxpool.Pool) observability.Checker {
	if pool == nil {
		panic("storage: postgres pool cannot be nil")
	}
	return observability.CheckFunc("postgres", pool.Ping)
}
