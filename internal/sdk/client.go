// Package sdk is the composition root of Tollgate. Client wires the stores,
// the rule engine, the content cache and the presentation pipeline together
// and exposes the public API the host application calls.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/tollgate/internal/analytics"
	"github.com/rafaeljc/tollgate/internal/assignment"
	"github.com/rafaeljc/tollgate/internal/attributes"
	"github.com/rafaeljc/tollgate/internal/cache"
	"github.com/rafaeljc/tollgate/internal/config"
	"github.com/rafaeljc/tollgate/internal/configsource"
	"github.com/rafaeljc/tollgate/internal/identity"
	"github.com/rafaeljc/tollgate/internal/logger"
	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/pipeline"
	"github.com/rafaeljc/tollgate/internal/placement"
	"github.com/rafaeljc/tollgate/internal/presentation"
	"github.com/rafaeljc/tollgate/internal/ruleengine"
	"github.com/rafaeljc/tollgate/internal/storage"
)

// sessionTimeout is how long the app may stay inactive before the next
// activation starts a new session.
const sessionTimeout = time.Hour

// metricsInterval is how often cache gauges are refreshed.
const metricsInterval = 15 * time.Second

// analyticsDrainTimeout bounds delivery of buffered events on shutdown.
const analyticsDrainTimeout = 5 * time.Second

// Deps are the host-provided collaborators. Store is required; Source is
// derived from the configuration when nil. Everything else is optional.
type Deps struct {
	Store     storage.Store
	Redis     *redis.Client
	Source    configsource.Source
	Confirmer assignment.Confirmer
	Sink      analytics.Sink
	Presenter presentation.Presenter
	Purchaser presentation.Purchaser
	Products  paywall.ProductLoader
	// Device holds static device attributes visible to audience rules.
	Device map[string]any
}

// StateHandler receives every state of a registered placement.
type StateHandler func(pipeline.PaywallState)

// Client is the SDK entry point. It is safe for concurrent use.
type Client struct {
	logger *slog.Logger
	cfg    *config.Config
	store  storage.Store
	locale string

	attributes    *attributes.Store
	assignments   *assignment.Store
	identity      *identity.Manager
	engine        *ruleengine.Engine
	campaigns     *configsource.Manager
	paywalls      *cache.Cache
	analytics     *analytics.Dispatcher
	presentations *presentation.Manager
	pipeline      *pipeline.Pipeline
	presenter     presentation.Presenter

	// base outlives individual calls; implicit triggers and preloads run on it.
	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	resignedAt time.Time
	active     bool
}

// New wires a Client. Call Start before use and Run to drive the
// background loops.
// If log is nil, it defaults to slog.Default().
func New(log *slog.Logger, cfg *config.Config, deps Deps) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		panic("sdk: config cannot be nil")
	}
	if deps.Store == nil {
		panic("sdk: storage cannot be nil")
	}

	c := &Client{
		logger:    log,
		cfg:       cfg,
		store:     deps.Store,
		locale:    cache.NormalizeLocale(cfg.App.Locale),
		presenter: deps.Presenter,
	}
	c.base, c.cancel = context.WithCancel(context.Background())

	source, err := c.campaignSource(deps)
	if err != nil {
		return nil, err
	}

	device := maps.Clone(deps.Device)
	if device == nil {
		device = make(map[string]any)
	}
	device["locale"] = c.locale

	c.attributes = attributes.NewStore(deps.Store, device, logger.Scoped(log, logger.ScopeStorage))
	c.assignments = assignment.NewStore(logger.Scoped(log, logger.ScopePlacements), deps.Store, c.confirmer(deps))
	c.identity = identity.NewManager(logger.Scoped(log, logger.ScopeIdentity), deps.Store,
		identity.ResetterFunc(c.resetUserState), c.onSubscriptionStatus)

	drawer, err := ruleengine.NewDrawer(cfg.Assignment.DrawStrategy)
	if err != nil {
		return nil, err
	}
	c.engine, err = ruleengine.New(logger.Scoped(log, logger.ScopePlacements), c.attributes, c.assignments, ruleengine.Options{
		Drawer:  drawer,
		Subject: c.identity.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rule engine: %w", err)
	}

	c.campaigns = configsource.NewManager(logger.Scoped(log, logger.ScopeConfig), source, c.engine, deps.Store, cfg.Source)

	c.paywalls, err = cache.New(logger.Scoped(log, logger.ScopeCache), c.campaigns, cfg.Cache)
	if err != nil {
		return nil, err
	}

	c.analytics = analytics.NewDispatcher(logger.Scoped(log, logger.ScopeAnalytics), c.sink(deps), cfg.Analytics.BufferSize, c.identity.UserID)

	c.presentations = presentation.NewManager(logger.Scoped(log, logger.ScopeTransactions), deps.Purchaser, c.emit,
		presentation.WithAutomaticDismiss(cfg.Pipeline.AutomaticallyDismiss))

	c.pipeline = pipeline.New(logger.Scoped(log, logger.ScopePaywallPresentation), pipeline.Deps{
		Campaigns:     c.campaigns,
		Identity:      c.identity,
		Resolver:      c.engine,
		Paywalls:      c.paywalls,
		Products:      deps.Products,
		Presentations: c.presentations,
		Confirmations: c.assignments,
		Occurrences:   c.attributes,
		Events:        c.emit,
		Locale:        func() string { return c.locale },
	}, pipeline.Options{
		ReadinessTimeout: cfg.Pipeline.ReadinessTimeout,
		AllowOverlap:     cfg.Pipeline.AllowOverlap,
	})

	c.campaigns.OnUpdate(c.onCampaign)
	return c, nil
}

func (c *Client) campaignSource(deps Deps) (configsource.Source, error) {
	if deps.Source != nil {
		return deps.Source, nil
	}
	switch c.cfg.Source.Kind {
	case config.SourceRedis:
		if deps.Redis == nil {
			return nil, errors.New("sdk: the redis campaign source needs a redis client")
		}
		return configsource.NewRedisSource(deps.Redis, c.cfg.Source.RedisKey), nil
	default:
		return configsource.NewFileSource(c.cfg.Source.Path), nil
	}
}

func (c *Client) confirmer(deps Deps) assignment.Confirmer {
	switch {
	case deps.Confirmer != nil:
		return deps.Confirmer
	case deps.Redis != nil && c.cfg.Assignment.ConfirmQueueKey != "":
		return assignment.NewRedisConfirmer(deps.Redis, c.cfg.Assignment.ConfirmQueueKey, c.userID)
	default:
		return assignment.NewLocalConfirmer(logger.Scoped(c.logger, logger.ScopePlacements))
	}
}

func (c *Client) sink(deps Deps) analytics.Sink {
	if deps.Sink != nil {
		return deps.Sink
	}
	sinks := analytics.MultiSink{analytics.NewLogSink(logger.Scoped(c.logger, logger.ScopeAnalytics))}
	if deps.Redis != nil && c.cfg.Analytics.StreamKey != "" {
		sinks = append(sinks, analytics.NewRedisStreamSink(deps.Redis, c.cfg.Analytics.StreamKey, c.cfg.Analytics.StreamMaxLen))
	}
	return sinks
}

// userID defers to the identity manager, which is created after the confirmer.
func (c *Client) userID() string {
	return c.identity.UserID()
}

// Start restores persisted state and emits the launch events. The campaign
// is loaded by Run; requests made before that are queued.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.store.Get(ctx, storage.KeyIdentity)
	firstLaunch := errors.Is(err, storage.ErrNotFound)

	if err := c.attributes.Load(ctx); err != nil {
		return fmt.Errorf("failed to load attributes: %w", err)
	}
	if err := c.assignments.Load(ctx); err != nil {
		return fmt.Errorf("failed to load assignments: %w", err)
	}
	if err := c.identity.Load(ctx); err != nil {
		return err
	}

	c.logger.Info("sdk started",
		slog.String("user_id", c.identity.UserID()),
		slog.String("locale", c.locale),
		slog.Bool("first_launch", firstLaunch),
	)

	if firstLaunch {
		c.emit(placement.AppInstall, nil)
	}
	c.emit(placement.AppLaunch, nil)
	return nil
}

// Run drives the campaign refresher, the confirmation queue, analytics
// delivery and cache metrics until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.campaigns.Run(gCtx) })
	g.Go(func() error { return c.assignments.Run(gCtx, c.cfg.Assignment.ConfirmInterval) })
	g.Go(func() error { return c.analytics.Run(gCtx, analyticsDrainTimeout) })
	g.Go(func() error {
		c.paywalls.RunMetricsCollector(gCtx, metricsInterval)
		return nil
	})

	return g.Wait()
}

// Close stops background work started by the client.
func (c *Client) Close() {
	c.cancel()
	c.paywalls.Close()
}

// Track records a placement and, when a campaign rule matches, presents the
// paywall. The returned stream carries the paywall states and is closed after
// the terminal one. ctx bounds the whole request, presentation included.
func (c *Client) Track(ctx context.Context, name string, params map[string]any, overrides *paywall.Overrides) (<-chan pipeline.PaywallState, error) {
	p, err := placement.New(name, params, time.Now(), c.logger)
	if err != nil {
		return nil, err
	}
	c.analytics.Track(p.Name, p.TrackingParameters())

	return c.pipeline.Submit(ctx, pipeline.Request{
		Placement: p,
		Type:      pipeline.TypePresentation,
		Overrides: overrides,
		Presenter: c.presenter,
	}), nil
}

// Register gates feature behind the placement. handler sees every state;
// feature runs once the outcome allows it (see pipeline.ShouldRunFeature).
func (c *Client) Register(ctx context.Context, name string, params map[string]any, handler StateHandler, feature func()) error {
	states, err := c.Track(ctx, name, params, nil)
	if err != nil {
		return err
	}

	go func() {
		for s := range states {
			if handler != nil {
				handler(s)
			}
			if s.Kind != pipeline.StatePresented && feature != nil && pipeline.ShouldRunFeature(s) {
				feature()
			}
		}
	}()
	return nil
}

// GetPresentationResult decides the placement without presenting it or
// recording analytics.
func (c *Client) GetPresentationResult(ctx context.Context, name string, params map[string]any) pipeline.PresentationResult {
	p, err := placement.New(name, params, time.Now(), c.logger)
	if err != nil {
		return pipeline.PresentationResult{Kind: pipeline.ResultPaywallNotAvailable, Err: err}
	}
	return c.pipeline.Evaluate(ctx, pipeline.Request{Placement: p, Type: pipeline.TypeGetPresentationResult})
}

// PreloadPaywalls warms the cache with the paywalls the named placements can
// show. It waits for the campaign and returns the number of paywalls loaded.
func (c *Client) PreloadPaywalls(ctx context.Context, names ...string) (int, error) {
	select {
	case <-c.campaigns.Ready():
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return c.paywalls.Preload(ctx, c.campaigns.PaywallIDs(names...), c.locale), nil
}

// PreloadAllPaywalls warms the cache with every paywall of the campaign.
func (c *Client) PreloadAllPaywalls(ctx context.Context) (int, error) {
	return c.PreloadPaywalls(ctx)
}

// Identify associates the user with an app user ID.
func (c *Client) Identify(ctx context.Context, userID string) error {
	return c.identity.Identify(ctx, userID)
}

// Reset forgets the current user.
func (c *Client) Reset(ctx context.Context) error {
	return c.identity.Reset(ctx)
}

// SetUserAttributes merges attrs into the user attributes. A nil value
// removes the attribute.
func (c *Client) SetUserAttributes(ctx context.Context, attrs map[string]any) error {
	if err := c.attributes.MergeUserAttributes(ctx, attrs); err != nil {
		return err
	}
	c.emit(placement.UserAttributes, maps.Clone(attrs))
	return nil
}

// SetSubscriptionStatus updates the entitlement used by the subscription gate.
func (c *Client) SetSubscriptionStatus(ctx context.Context, status identity.SubscriptionStatus) error {
	return c.identity.SetSubscriptionStatus(ctx, status)
}

// SubscriptionStatus returns the current entitlement.
func (c *Client) SubscriptionStatus() identity.SubscriptionStatus {
	return c.identity.SubscriptionStatus()
}

// UserID returns the identified user, or the anonymous alias.
func (c *Client) UserID() string {
	return c.identity.UserID()
}

// Campaign returns the active campaign, or nil before the first load.
func (c *Client) Campaign() *ruleengine.Campaign {
	return c.campaigns.Campaign()
}

// ActiveSession returns the session of the paywall on screen, or nil.
func (c *Client) ActiveSession() *presentation.Session {
	return c.presentations.Active()
}

// Dismiss closes the paywall on screen, if any.
func (c *Client) Dismiss() bool {
	return c.presentations.Dismiss()
}

// Refresh refetches the campaign now.
func (c *Client) Refresh(ctx context.Context) error {
	return c.campaigns.Refresh(ctx)
}

// DidBecomeActive must be called when the app comes to the foreground.
func (c *Client) DidBecomeActive() {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	newSession := c.resignedAt.IsZero() || time.Since(c.resignedAt) > sessionTimeout
	c.mu.Unlock()

	c.emit(placement.AppOpen, nil)
	if newSession {
		c.emit(placement.SessionStart, nil)
	}
}

// WillResignActive must be called when the app goes to the background.
func (c *Client) WillResignActive() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.resignedAt = time.Now()
	c.mu.Unlock()

	c.emit(placement.AppClose, nil)
}

// emit sends an internal event to analytics and lets it trigger a paywall
// when the event is eligible.
func (c *Client) emit(name string, params map[string]any) {
	c.analytics.Track(name, params)
	if placement.CanImplicitlyTrigger(name) {
		go c.triggerImplicitly(name, params)
	}
}

// triggerImplicitly presents the paywall an internal event resolves to. A
// decline first peeks at the decision so that an unmatched decline does not
// touch assignments.
func (c *Client) triggerImplicitly(name string, params map[string]any) {
	p := placement.NewInternal(name, params, time.Now(), c.logger)
	log := c.logger.With(slog.String("placement", name))

	if name == placement.PaywallDecline {
		peek := c.pipeline.Evaluate(c.base, pipeline.Request{Placement: p, Type: pipeline.TypePaywallDeclineCheck})
		if peek.Kind != pipeline.ResultPaywall {
			return
		}
	}

	states := c.pipeline.Submit(c.base, pipeline.Request{
		Placement: p,
		Type:      pipeline.TypeHandleImplicitTrigger,
		Presenter: c.presenter,
		// Transaction failures fire while the previous paywall is still up.
		DismissForNext: true,
	})
	for s := range states {
		if s.Kind == pipeline.StatePresentationError {
			log.Debug("implicit trigger not presented", slog.Any("error", s.Err))
		}
	}
}

func (c *Client) onCampaign(campaign *ruleengine.Campaign) {
	c.paywalls.InvalidateAll()
	if !c.cfg.Cache.PreloadEnabled {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.base, c.cfg.Source.FetchTimeout)
		defer cancel()
		n := c.paywalls.Preload(ctx, c.campaigns.PaywallIDs(), c.locale)
		c.logger.Debug("paywalls preloaded", slog.String("version", campaign.Version), slog.Int("count", n))
	}()
}

// resetUserState clears per-user data when the identity changes.
func (c *Client) resetUserState(ctx context.Context) error {
	return errors.Join(
		c.assignments.Reset(ctx),
		c.attributes.ResetUser(ctx),
	)
}

func (c *Client) onSubscriptionStatus(old, new identity.SubscriptionStatus) {
	c.emit(placement.SubscriptionStatusDidChange, map[string]any{
		"old_status": string(old),
		"new_status": string(new),
	})
}
