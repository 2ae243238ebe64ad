// Package cache holds resolved paywall definitions keyed by identifier and
// normalized locale. Concurrent misses for the same key share one fetch and
// the whole cache is dropped whenever a new campaign is published.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rafaeljc/tollgate/internal/config"
	"github.com/rafaeljc/tollgate/internal/observability"
	"github.com/rafaeljc/tollgate/internal/paywall"
)

// Cache is the paywall content cache. Stored responses are canonical and
// never handed out directly; callers always receive a copy.
type Cache struct {
	logger  *slog.Logger
	fetcher paywall.Fetcher
	store   otter.Cache[string, *paywall.Response]
	group   singleflight.Group

	preloadConcurrency int

	// generation is bumped by every invalidation so that fetches started
	// before it do not repopulate the cache with stale definitions.
	generation atomic.Uint64
}

// New builds a cache in front of fetcher.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, fetcher paywall.Fetcher, cfg config.CacheConfig) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fetcher == nil {
		panic("cache: fetcher cannot be nil")
	}
	if cfg.PreloadConcurrency < 1 {
		cfg.PreloadConcurrency = 1
	}

	store, err := build(cfg.Capacity, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to build paywall cache: %w", err)
	}

	return &Cache{
		logger:             logger,
		fetcher:            fetcher,
		store:              store,
		preloadConcurrency: cfg.PreloadConcurrency,
	}, nil
}

func build(capacity int, ttl time.Duration) (otter.Cache[string, *paywall.Response], error) {
	builder, err := otter.NewBuilder[string, *paywall.Response](capacity)
	if err != nil {
		return otter.Cache[string, *paywall.Response]{}, err
	}
	if ttl > 0 {
		return builder.WithTTL(ttl).Build()
	}
	return builder.Build()
}

// Get returns a per-request copy of the paywall for identifier in locale,
// fetching it on a miss. paywall.ErrNotFound is passed through unwrapped
// so callers can tell a missing paywall from a failed load.
func (c *Cache) Get(ctx context.Context, identifier, locale string) (*paywall.Response, error) {
	locale = NormalizeLocale(locale)
	key := RequestHash(identifier, locale)

	if cached, ok := c.store.Get(key); ok {
		observability.CacheHits.Inc()
		return cached.Clone(), nil
	}
	observability.CacheMisses.Inc()

	// Callers after an invalidation must not join a fetch started before it.
	generation := c.generation.Load()
	flightKey := key + "#" + strconv.FormatUint(generation, 10)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		// The fetch is shared by every waiter, so no single caller may cancel it.
		return c.load(context.WithoutCancel(ctx), key, identifier, locale, generation)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*paywall.Response).Clone(), nil
	}
}

func (c *Cache) load(ctx context.Context, key, identifier, locale string, generation uint64) (*paywall.Response, error) {
	resp, err := c.fetcher.Fetch(ctx, identifier, locale)
	if err != nil {
		if errors.Is(err, paywall.ErrNotFound) {
			observability.CacheLoadsTotal.WithLabelValues("not_found").Inc()
			return nil, err
		}
		observability.CacheLoadsTotal.WithLabelValues("fail").Inc()
		return nil, fmt.Errorf("failed to fetch paywall %s: %w", identifier, err)
	}
	observability.CacheLoadsTotal.WithLabelValues("success").Inc()

	canonical := resp.Clone()
	canonical.Locale = locale
	canonical.Experiment = nil
	if canonical.ProductsToLoad == nil {
		canonical.ProductsToLoad = canonical.ProductIDs()
	}

	if c.generation.Load() == generation {
		c.store.Set(key, canonical)
	} else {
		c.logger.Debug("discarding paywall fetched before invalidation", slog.String("key", key))
	}
	return canonical, nil
}

// Preload fetches every identifier concurrently. Failures are logged, not
// returned; the returned count is the number of paywalls now cached.
func (c *Cache) Preload(ctx context.Context, identifiers []string, locale string) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.preloadConcurrency)

	var loaded atomic.Int64
	for _, id := range identifiers {
		g.Go(func() error {
			if _, err := c.Get(gctx, id, locale); err != nil {
				c.logger.Warn("failed to preload paywall",
					slog.String("paywall_id", id),
					slog.Any("error", err),
				)
				return nil
			}
			loaded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("paywalls preloaded",
		slog.Int("requested", len(identifiers)),
		slog.Int64("loaded", loaded.Load()),
	)
	return int(loaded.Load())
}

// Invalidate drops every locale of one paywall.
func (c *Cache) Invalidate(identifier string) {
	c.generation.Add(1)
	c.store.DeleteByFunc(func(_ string, r *paywall.Response) bool {
		return r.Identifier == identifier
	})
	observability.CacheInvalidations.Inc()
}

// InvalidateAll drops everything. It runs on every campaign refresh.
func (c *Cache) InvalidateAll() {
	c.generation.Add(1)
	c.store.Clear()
	observability.CacheInvalidations.Inc()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.store.Size()
}

// RunMetricsCollector publishes the cache size until ctx is cancelled.
func (c *Cache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		observability.CacheUsage.Set(float64(c.store.Size()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops otter's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}
