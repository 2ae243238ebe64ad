package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tollgate/internal/storage"
	"github.com/rafaeljc/tollgate/internal/testsupport"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()

	tests := []struct {
		name string
		run  func(t *testing.T, s storage.Store)
	}{
		{
			name: "Should return ErrNotFound for a missing key",
			run: func(t *testing.T, s storage.Store) {
				_, err := s.Get(context.Background(), "missing")
				assert.ErrorIs(t, err, storage.ErrNotFound)
			},
		},
		{
			name: "Should read back what was written",
			run: func(t *testing.T, s storage.Store) {
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "k", []byte("v1")))

				got, err := s.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), got)
			},
		},
		{
			name: "Should overwrite an existing key",
			run: func(t *testing.T, s storage.Store) {
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "k", []byte("v1")))
				require.NoError(t, s.Set(ctx, "k", []byte("v2")))

				got, err := s.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), got)
			},
		},
		{
			name: "Should delete keys idempotently",
			run: func(t *testing.T, s storage.Store) {
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "k", []byte("v")))
				require.NoError(t, s.Delete(ctx, "k"))
				require.NoError(t, s.Delete(ctx, "k"))

				_, err := s.Get(ctx, "k")
				assert.ErrorIs(t, err, storage.ErrNotFound)
			},
		},
		{
			name: "Should round-trip JSON documents",
			run: func(t *testing.T, s storage.Store) {
				ctx := context.Background()
				type doc struct {
					Name  string `json:"name"`
					Count int    `json:"count"`
				}

				var empty doc
				found, err := storage.GetJSON(ctx, s, storage.KeyIdentity, &empty)
				require.NoError(t, err)
				assert.False(t, found)

				require.NoError(t, storage.SetJSON(ctx, s, storage.KeyIdentity, doc{Name: "a", Count: 3}))

				var got doc
				found, err = storage.GetJSON(ctx, s, storage.KeyIdentity, &got)
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, doc{Name: "a", Count: 3}, got)
			},
		},
		{
			name: "Should report corrupt JSON as an error",
			run: func(t *testing.T, s storage.Store) {
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, storage.KeyCampaign, []byte("{not json")))

				var dst map[string]any
				_, err := storage.GetJSON(ctx, s, storage.KeyCampaign, &dst)
				assert.Error(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, newStore(t))
		})
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	runStoreContract(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := storage.NewMemoryStore()
	value := []byte("abc")

	require.NoError(t, s.Set(ctx, "k", value))
	value[0] = 'z'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, 1, s.Len())
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	runStoreContract(t, func(t *testing.T) storage.Store {
		_, client := testsupport.StartMiniRedis(t)
		return storage.NewRedisStore(client, "tollgate")
	})
}

func TestRedisStore_PrefixesKeys(t *testing.T) {
	t.Parallel()

	mr, client := testsupport.StartMiniRedis(t)
	s := storage.NewRedisStore(client, "app1")

	require.NoError(t, s.Set(context.Background(), storage.PlacementOccurrencesKey("buy_now"), []byte("[]")))

	assert.True(t, mr.Exists("app1:occurrences:placement:buy_now"))
}

func TestRedisStore_RecordsMetrics(t *testing.T) {
	_, client := testsupport.StartMiniRedis(t)
	s := storage.NewRedisStore(client, "tollgate")

	testsupport.AssertMetricDelta(t, "tollgate_storage_operations_total",
		map[string]string{"backend": "redis", "op": "get", "status": "not_found"}, 1, func() {
			_, _ = s.Get(context.Background(), "nope")
		})
}

func TestRedisChecker(t *testing.T) {
	t.Parallel()

	mr, client := testsupport.StartMiniRedis(t)
	checker := storage.RedisChecker(client)

	assert.Equal(t, "redis", checker.Name())
	assert.NoError(t, checker.Check(context.Background()))

	mr.Close()
	assert.Error(t, checker.Check(context.Background()))
}

func TestNewStoresPanicOnNilDependencies(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { storage.NewRedisStore(nil, "x") })
	assert.Panics(t, func() { storage.NewPostgresStore(nil, "kv_entries", "x") })
	assert.Panics(t, func() { storage.RedisChecker(nil) })
	assert.Panics(t, func() { storage.PostgresChecker(nil) })
}
