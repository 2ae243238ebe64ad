package sdk_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tollgate/internal/analytics"
	"github.com/rafaeljc/tollgate/internal/config"
	"github.com/rafaeljc/tollgate/internal/identity"
	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/pipeline"
	"github.com/rafaeljc/tollgate/internal/placement"
	"github.com/rafaeljc/tollgate/internal/presentation"
	"github.com/rafaeljc/tollgate/internal/sdk"
	"github.com/rafaeljc/tollgate/internal/storage"
)

type recordingSink struct {
	mu     sync.Mutex
	events []analytics.Event
}

func (s *recordingSink) Send(_ context.Context, e analytics.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, e := range s.events {
		names = append(names, e.Name)
	}
	return names
}

type sessionPresenter struct {
	sessions chan *presentation.Session
}

func (p *sessionPresenter) Present(_ context.Context, _ *paywall.Response, s *presentation.Session) error {
	p.sessions <- s
	return nil
}

func (p *sessionPresenter) next(t *testing.T) *presentation.Session {
	t.Helper()
	select {
	case s := <-p.sessions:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no paywall presented")
		return nil
	}
}

type harness struct {
	client    *sdk.Client
	store     *storage.MemoryStore
	sink      *recordingSink
	presenter *sessionPresenter
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "tollgate-test", Locale: "en_US"},
		Source: config.SourceConfig{
			Kind:         config.SourceFile,
			Path:         "testdata/campaign.yaml",
			FetchTimeout: time.Second,
		},
		Cache:      config.CacheConfig{Capacity: 100, PreloadEnabled: true, PreloadConcurrency: 2},
		Pipeline:   config.PipelineConfig{ReadinessTimeout: 3 * time.Second, AutomaticallyDismiss: true},
		Assignment: config.AssignmentConfig{DrawStrategy: "hash", ConfirmInterval: time.Second},
		Analytics:  config.AnalyticsConfig{BufferSize: 256},
	}
}

// testCatalog holds every product referenced by testdata/campaign.yaml.
func testCatalog() *paywall.Catalog {
	return paywall.NewCatalog(
		paywall.StoreProduct{ID: "pro.monthly", Price: 9.99, Period: "month", TrialPeriodDays: 3},
		paywall.StoreProduct{ID: "pro.annual", Price: 59.99, Period: "year"},
		paywall.StoreProduct{ID: "lite.monthly", Price: 4.99, Period: "month"},
	)
}

// newHarness builds a started client. With run set, the background loops
// start right away; otherwise the caller starts them with runClient.
func newHarness(t *testing.T, run bool) *harness {
	t.Helper()

	h := &harness{
		store:     storage.NewMemoryStore(),
		sink:      &recordingSink{},
		presenter: &sessionPresenter{sessions: make(chan *presentation.Session, 8)},
	}

	client, err := sdk.New(nil, testConfig(), sdk.Deps{
		Store:     h.store,
		Sink:      h.sink,
		Presenter: h.presenter,
		Products:  testCatalog(),
	})
	require.NoError(t, err)
	h.client = client
	t.Cleanup(client.Close)

	require.NoError(t, client.Start(context.Background()))
	if run {
		runClient(t, client)
	}
	return h
}

func runClient(t *testing.T, client *sdk.Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func drain(t *testing.T, ch <-chan pipeline.PaywallState) []pipeline.PaywallState {
	t.Helper()
	var states []pipeline.PaywallState
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return states
			}
			states = append(states, s)
		case <-timeout:
			t.Fatal("paywall state stream not closed")
			return nil
		}
	}
}

func TestClient_TrackQueuedUntilCampaignLoads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	states, err := h.client.Track(context.Background(), "buy_now", nil, nil)
	require.NoError(t, err)

	runClient(t, h.client)

	session := h.presenter.next(t)
	assert.Equal(t, "pw-pro", session.Paywall().Identifier)
	assert.True(t, session.Paywall().IsFreeTrialAvailable)
	assert.Contains(t, session.Paywall().StoreProducts, "pro.monthly")
	assert.Contains(t, session.Paywall().StoreProducts, "pro.annual")
	require.NoError(t, session.Close())

	got := drain(t, states)
	require.Len(t, got, 2)
	assert.Equal(t, pipeline.StatePresented, got[0].Kind)
	assert.Equal(t, pipeline.StateDismissed, got[1].Kind)
	assert.Equal(t, "var-buy-now", got[0].Paywall.Experiment.VariantID)
}

func TestClient_AssignmentIsSticky(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	require.NoError(t, h.client.SetUserAttributes(context.Background(), map[string]any{"plan": "free"}))

	var variants []string
	for range 5 {
		states, err := h.client.Track(context.Background(), "open_settings", nil, nil)
		require.NoError(t, err)

		session := h.presenter.next(t)
		require.NoError(t, session.Close())

		got := drain(t, states)
		require.NotEmpty(t, got)
		require.Equal(t, pipeline.StatePresented, got[0].Kind)
		variants = append(variants, got[0].Paywall.Experiment.VariantID)
	}

	assert.Len(t, slices.Compact(variants), 1, "every presentation must reuse the first variant: %v", variants)
}

func TestClient_SubscribedUsersSkipCheckedTriggers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.client.SetSubscriptionStatus(ctx, identity.StatusActive))

	result := h.client.GetPresentationResult(ctx, "buy_now", nil)
	assert.Equal(t, pipeline.ResultUserIsSubscribed, result.Kind)

	states, err := h.client.Track(ctx, "buy_now", nil, nil)
	require.NoError(t, err)
	got := drain(t, states)
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.SkipUserIsSubscribed, got[0].Reason)

	assert.Eventually(t, func() bool {
		return slices.Contains(h.sink.names(), placement.SubscriptionStatusDidChange)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_RegisterRunsFeature(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	ran := make(chan struct{}, 1)
	var (
		mu     sync.Mutex
		states []pipeline.StateKind
	)
	err := h.client.Register(context.Background(), "unknown_placement", nil, func(s pipeline.PaywallState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.Kind)
	}, func() { ran <- struct{}{} })
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("feature did not run for an unknown placement")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []pipeline.StateKind{pipeline.StateSkipped}, states)
}

func TestClient_RegisterKeepsGatedFeatureLockedOnClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	ran := make(chan struct{}, 1)
	finished := make(chan pipeline.PaywallState, 4)
	err := h.client.Register(context.Background(), "buy_now", nil, func(s pipeline.PaywallState) {
		finished <- s
	}, func() { ran <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, h.presenter.next(t).Close())

	var last pipeline.PaywallState
	for last.Kind != pipeline.StateDismissed {
		select {
		case last = <-finished:
		case <-time.After(3 * time.Second):
			t.Fatal("no dismissal reported")
		}
	}
	select {
	case <-ran:
		t.Fatal("feature ran after closing a gated paywall")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_TrackRejectsReservedNames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	_, err := h.client.Track(context.Background(), placement.PaywallOpen, nil, nil)
	assert.ErrorIs(t, err, placement.ErrReservedName)

	_, err = h.client.Track(context.Background(), "  ", nil, nil)
	assert.ErrorIs(t, err, placement.ErrEmptyName)
}

func TestClient_AppOpenTriggersImplicitly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	h.client.DidBecomeActive()

	session := h.presenter.next(t)
	assert.Equal(t, "pw-lite", session.Paywall().Identifier)
	require.NoError(t, session.Close())

	assert.Eventually(t, func() bool {
		names := h.sink.names()
		return slices.Contains(names, placement.AppOpen) &&
			slices.Contains(names, placement.SessionStart) &&
			slices.Contains(names, placement.PaywallClose)
	}, 2*time.Second, 10*time.Millisecond)

	// The welcome rule is limited to one occurrence.
	h.client.WillResignActive()
	h.client.DidBecomeActive()
	select {
	case s := <-h.presenter.sessions:
		t.Fatalf("welcome paywall shown twice: %s", s.Paywall().Identifier)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_StartEmitsInstallOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	assert.Eventually(t, func() bool {
		names := h.sink.names()
		return slices.Contains(names, placement.AppInstall) && slices.Contains(names, placement.AppLaunch)
	}, 2*time.Second, 10*time.Millisecond)

	// A second client over the same storage is not a fresh install.
	sink := &recordingSink{}
	again, err := sdk.New(nil, testConfig(), sdk.Deps{Store: h.store, Sink: sink})
	require.NoError(t, err)
	t.Cleanup(again.Close)
	require.NoError(t, again.Start(context.Background()))
	assert.Equal(t, h.client.UserID(), again.UserID(), "the anonymous alias survives restarts")
	runClient(t, again)

	assert.Eventually(t, func() bool {
		return slices.Contains(sink.names(), placement.AppLaunch)
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, sink.names(), placement.AppInstall)
}

func TestClient_IdentityLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()
	alias := h.client.UserID()

	require.NoError(t, h.client.Identify(ctx, "user-42"))
	assert.Equal(t, "user-42", h.client.UserID())

	require.NoError(t, h.client.SetSubscriptionStatus(ctx, identity.StatusActive))
	require.NoError(t, h.client.Reset(ctx))

	assert.NotEqual(t, alias, h.client.UserID())
	assert.Contains(t, h.client.UserID(), identity.AliasPrefix)
	assert.Equal(t, identity.StatusUnknown, h.client.SubscriptionStatus())
}

func TestClient_PreloadAndDismiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	ctx := context.Background()

	n, err := h.client.PreloadPaywalls(ctx, "buy_now")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.client.PreloadAllPaywalls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.False(t, h.client.Dismiss(), "nothing to dismiss")

	states, err := h.client.Track(ctx, "buy_now", nil, nil)
	require.NoError(t, err)
	h.presenter.next(t)
	assert.NotNil(t, h.client.ActiveSession())
	assert.True(t, h.client.Dismiss())

	got := drain(t, states)
	require.Len(t, got, 2)
	assert.Equal(t, presentation.ResultClosed, got[1].Result.Kind)
	require.NoError(t, h.client.Refresh(ctx))
	assert.Equal(t, "2026-04-12", h.client.Campaign().Version)
}

func TestNew_PanicsWithoutStorage(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		_, _ = sdk.New(nil, testConfig(), sdk.Deps{})
	})
}

func TestClient_CheckerFollowsCampaign(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	checker := h.client.Checker()
	assert.Equal(t, "campaign", checker.Name())
	assert.Error(t, checker.Check(context.Background()))

	runClient(t, h.client)
	assert.Eventually(t, func() bool {
		return checker.Check(context.Background()) == nil
	}, 3*time.Second, 10*time.Millisecond)
}
