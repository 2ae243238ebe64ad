//go:build integration

package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tollgate/internal/storage"
	"github.com/rafaeljc/tollgate/internal/testsupport"
)

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()

	pg, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	runStoreContract(t, func(t *testing.T) storage.Store {
		// Each case gets its own prefix so rows never collide.
		return storage.NewPostgresStore(pg.DB, "kv_entries", t.Name())
	})

	t.Run("Should report a healthy pool", func(t *testing.T) {
		checker := storage.PostgresChecker(pg.DB)
		assert.Equal(t, "postgres", checker.Name())
		assert.NoError(t, checker.Check(ctx))
	})
}

func TestRedisStore_Integration(t *testing.T) {
	ctx := context.Background()

	rc, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Terminate(ctx) })

	runStoreContract(t, func(t *testing.T) storage.Store {
		return storage.NewRedisStore(rc.Client, t.Name())
	})
}
