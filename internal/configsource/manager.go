package configsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rafaeljc/tollgate/internal/config"
	"github.com/rafaeljc/tollgate/internal/observability"
	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/ruleengine"
	"github.com/rafaeljc/tollgate/internal/storage"
)

// ErrNotReady is returned by Fetch before any campaign was published.
var ErrNotReady = errors.New("configsource: no campaign published")

// Compiler validates a campaign before it is published.
type Compiler interface {
	Compile(c *ruleengine.Campaign) error
}

// Manager owns the published campaign. Readers get an immutable snapshot;
// refreshes swap it atomically.
type Manager struct {
	logger   *slog.Logger
	source   Source
	compiler Compiler
	store    storage.Store
	cfg      config.SourceConfig

	current atomic.Pointer[ruleengine.Campaign]

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	listeners []func(*ruleengine.Campaign)
}

// NewManager creates a Manager.
// If logger is nil, it defaults to slog.Default().
func NewManager(logger *slog.Logger, source Source, compiler Compiler, store storage.Store, cfg config.SourceConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if source == nil {
		panic("configsource: source cannot be nil")
	}
	if compiler == nil {
		panic("configsource: compiler cannot be nil")
	}
	if store == nil {
		panic("configsource: storage cannot be nil")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	return &Manager{
		logger:   logger,
		source:   source,
		compiler: compiler,
		store:    store,
		cfg:      cfg,
		ready:    make(chan struct{}),
	}
}

// Campaign returns the published campaign, or nil before the first one.
func (m *Manager) Campaign() *ruleengine.Campaign {
	return m.current.Load()
}

// Ready is closed once a campaign has been published.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// OnUpdate registers fn to run after every publish. Listeners run
// synchronously, in registration order.
func (m *Manager) OnUpdate(fn func(*ruleengine.Campaign)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Refresh fetches, compiles, persists and publishes a campaign.
func (m *Manager) Refresh(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.ConfigRefreshDuration.Observe(time.Since(start).Seconds())
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	campaign, err := m.source.Fetch(fetchCtx)
	if err != nil {
		observability.ConfigRefreshTotal.WithLabelValues("fetch_error").Inc()
		return fmt.Errorf("failed to fetch campaign: %w", err)
	}

	if err := m.compiler.Compile(campaign); err != nil {
		observability.ConfigRefreshTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("failed to compile campaign: %w", err)
	}

	if err := storage.SetJSON(ctx, m.store, storage.KeyCampaign, campaign); err != nil {
		// The fetched campaign is still good; only the offline fallback is stale.
		m.logger.Warn("failed to cache campaign", slog.Any("error", err))
	}

	m.publish(campaign)
	observability.ConfigRefreshTotal.WithLabelValues("success").Inc()

	m.logger.Info("campaign refreshed",
		slog.String("version", campaign.Version),
		slog.Int("triggers", len(campaign.Triggers)),
		slog.Int("paywalls", len(campaign.Paywalls)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Start publishes the first campaign. When the source is unavailable the
// last cached campaign is used instead, so the SDK keeps working offline.
func (m *Manager) Start(ctx context.Context) error {
	err := m.Refresh(ctx)
	if err == nil {
		return nil
	}
	m.logger.Warn("initial campaign fetch failed, trying cached campaign", slog.Any("error", err))

	var cached ruleengine.Campaign
	found, cacheErr := storage.GetJSON(ctx, m.store, storage.KeyCampaign, &cached)
	if cacheErr != nil {
		return errors.Join(err, fmt.Errorf("failed to read cached campaign: %w", cacheErr))
	}
	if !found {
		return err
	}
	if compileErr := m.compiler.Compile(&cached); compileErr != nil {
		return errors.Join(err, fmt.Errorf("cached campaign is invalid: %w", compileErr))
	}

	m.publish(&cached)
	observability.ConfigRefreshTotal.WithLabelValues("cached").Inc()
	m.logger.Info("using cached campaign", slog.String("version", cached.Version))
	return nil
}

// Run starts the manager and refreshes on every interval tick. With a zero
// interval it only runs Start. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("starting campaign refresher", slog.Duration("interval", m.cfg.RefreshInterval))

	// Run once immediately on startup
	if err := m.Start(ctx); err != nil {
		m.logger.Error("initial campaign load failed", slog.Any("error", err))
	}

	if m.cfg.RefreshInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("campaign refresher stopping...")
			return nil
		case <-ticker.C:
			var err error
			if m.Campaign() == nil {
				err = m.Start(ctx)
			} else {
				err = m.Refresh(ctx)
			}
			if err != nil {
				// Keep serving the current campaign; retry on next tick.
				m.logger.Error("campaign refresh failed", slog.Any("error", err))
			}
		}
	}
}

func (m *Manager) publish(c *ruleengine.Campaign) {
	m.current.Store(c)

	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}

	m.readyOnce.Do(func() { close(m.ready) })
}

// Fetch implements paywall.Fetcher over the published campaign. The locale
// is accepted for cache keying; campaigns embed one definition per paywall.
func (m *Manager) Fetch(_ context.Context, identifier, _ string) (*paywall.Response, error) {
	c := m.Campaign()
	if c == nil {
		return nil, ErrNotReady
	}
	for i := range c.Paywalls {
		if c.Paywalls[i].Identifier == identifier {
			return c.Paywalls[i].Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", paywall.ErrNotFound, identifier)
}

// PaywallIDs lists the paywalls reachable from the given triggers, or from
// every trigger when none are named. The result has no duplicates.
func (m *Manager) PaywallIDs(eventNames ...string) []string {
	c := m.Campaign()
	if c == nil {
		return nil
	}

	if len(eventNames) == 0 {
		for name := range c.Triggers {
			eventNames = append(eventNames, name)
		}
		slices.Sort(eventNames)
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, name := range eventNames {
		trigger, ok := c.Triggers[name]
		if !ok {
			continue
		}
		for _, rule := range trigger.Rules {
			for _, v := range rule.Variants {
				if v.Type != ruleengine.Treatment || v.PaywallID == "" {
					continue
				}
				if _, dup := seen[v.PaywallID]; dup {
					continue
				}
				seen[v.PaywallID] = struct{}{}
				ids = append(ids, v.PaywallID)
			}
		}
	}
	return ids
}
