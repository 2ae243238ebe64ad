package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tollgate/internal/assignment"
	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/pipeline"
	"github.com/rafaeljc/tollgate/internal/placement"
	"github.com/rafaeljc/tollgate/internal/presentation"
	"github.com/rafaeljc/tollgate/internal/ruleengine"
)

// -----------------------------------------------------------------------------
// FAKES
// -----------------------------------------------------------------------------

type readyGate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate(open bool) *readyGate {
	g := &readyGate{ch: make(chan struct{})}
	if open {
		g.open()
	}
	return g
}

func (g *readyGate) open() { g.once.Do(func() { close(g.ch) }) }

type fakeCampaigns struct{ gate *readyGate }

func (f *fakeCampaigns) Campaign() *ruleengine.Campaign { return &ruleengine.Campaign{Version: "v1"} }
func (f *fakeCampaigns) Ready() <-chan struct{}        { return f.gate.ch }

type fakeIdentity struct {
	gate       *readyGate
	subscribed bool
}

func (f *fakeIdentity) Ready() <-chan struct{} { return f.gate.ch }
func (f *fakeIdentity) IsSubscribed() bool     { return f.subscribed }

// scriptedResolver answers by placement name and records the call order.
type scriptedResolver struct {
	mu       sync.Mutex
	outcomes map[string]ruleengine.Outcome
	calls    []string
}

func (r *scriptedResolver) Resolve(_ context.Context, p placement.Placement, _ *ruleengine.Campaign) ruleengine.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p.Name)
	if out, ok := r.outcomes[p.Name]; ok {
		return out
	}
	return ruleengine.Outcome{Result: ruleengine.TriggerResult{Kind: ruleengine.ResultTriggerNotFound}}
}

func (r *scriptedResolver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

type fakePaywalls struct {
	paywalls map[string]*paywall.Response
	err      error
}

func (f *fakePaywalls) Get(_ context.Context, id, locale string) (*paywall.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	pw, ok := f.paywalls[id]
	if !ok {
		return nil, paywall.ErrNotFound
	}
	c := pw.Clone()
	c.Locale = locale
	c.ProductsToLoad = c.ProductIDs()
	return c, nil
}

type recordingConfirmations struct {
	mu     sync.Mutex
	queued []assignment.Assignment
}

func (r *recordingConfirmations) Enqueue(_ context.Context, a assignment.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, a)
	return nil
}

func (r *recordingConfirmations) Queued() []assignment.Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.queued)
}

type recordingOccurrences struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingOccurrences) RecordRuleOccurrence(_ context.Context, key string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

func (r *recordingOccurrences) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.keys)
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (e *eventLog) emit(name string, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, name)
}

func (e *eventLog) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.names)
}

// -----------------------------------------------------------------------------
// FIXTURE
// -----------------------------------------------------------------------------

type fixture struct {
	pipeline      *pipeline.Pipeline
	campaigns     *readyGate
	identity      *fakeIdentity
	resolver      *scriptedResolver
	paywalls      *fakePaywalls
	presentations *presentation.Manager
	confirmations *recordingConfirmations
	occurrences   *recordingOccurrences
	events        *eventLog
	logs          *bytes.Buffer
}

func newFixture(t *testing.T, opts pipeline.Options, outcomes map[string]ruleengine.Outcome) *fixture {
	t.Helper()

	f := &fixture{
		campaigns: newGate(true),
		identity:  &fakeIdentity{gate: newGate(true)},
		resolver:  &scriptedResolver{outcomes: outcomes},
		paywalls: &fakePaywalls{paywalls: map[string]*paywall.Response{
			"pw-pro":  {Identifier: "pw-pro", FeatureGating: paywall.Gated, Products: []paywall.Product{{Slot: paywall.SlotPrimary, ID: "pro.monthly"}}},
			"pw-lite": {Identifier: "pw-lite", FeatureGating: paywall.NonGated},
		}},
		confirmations: &recordingConfirmations{},
		occurrences:   &recordingOccurrences{},
		events:        &eventLog{},
		logs:          &bytes.Buffer{},
	}
	f.presentations = presentation.NewManager(nil, nil, f.events.emit)

	logger := slog.New(slog.NewTextHandler(&syncWriter{buf: f.logs}, nil))
	f.pipeline = pipeline.New(logger, pipeline.Deps{
		Campaigns:     &fakeCampaigns{gate: f.campaigns},
		Identity:      f.identity,
		Resolver:      f.resolver,
		Paywalls:      f.paywalls,
		Products:      paywall.NewCatalog(paywall.StoreProduct{ID: "pro.monthly", Price: 9.99, TrialPeriodDays: 7}),
		Presentations: f.presentations,
		Confirmations: f.confirmations,
		Occurrences:   f.occurrences,
		Events:        f.events.emit,
		Locale:        func() string { return "en-US" },
	}, opts)
	return f
}

type syncWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func paywallOutcome(paywallID string, condition ruleengine.PresentationCondition) ruleengine.Outcome {
	exp := &ruleengine.Experiment{
		ID:      "exp-" + paywallID,
		GroupID: "grp",
		Variant: ruleengine.Variant{ID: "var-" + paywallID, Type: ruleengine.Treatment, PaywallID: paywallID},
	}
	return ruleengine.Outcome{
		Result:      ruleengine.TriggerResult{Kind: ruleengine.ResultPaywall, Experiment: exp},
		Trigger:     &ruleengine.Trigger{PresentationCondition: condition},
		Confirmable: &assignment.Assignment{ExperimentID: exp.ID, VariantID: exp.Variant.ID},
		Occurrence:  &ruleengine.PendingOccurrence{Key: "occ-" + paywallID},
	}
}

func request(name string) pipeline.Request {
	return pipeline.Request{
		Placement: placement.NewInternal(name, nil, time.Now(), nil),
		Type:      pipeline.TypePresentation,
	}
}

// holdPresenter leaves the paywall on screen and exposes the sessions.
type holdPresenter struct {
	sessions chan *presentation.Session
}

func newHoldPresenter() *holdPresenter {
	return &holdPresenter{sessions: make(chan *presentation.Session, 4)}
}

func (h *holdPresenter) Present(_ context.Context, _ *paywall.Response, s *presentation.Session) error {
	h.sessions <- s
	return nil
}

// closingPresenter closes every paywall as soon as it is shown.
var closingPresenter = presentation.PresenterFunc(func(_ context.Context, _ *paywall.Response, s *presentation.Session) error {
	go func() { _ = s.Close() }()
	return nil
})

func collect(t *testing.T, ch <-chan pipeline.PaywallState) []pipeline.PaywallState {
	t.Helper()
	var states []pipeline.PaywallState
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return states
			}
			states = append(states, s)
		case <-timeout:
			t.Fatalf("outcome stream not closed; got %d states", len(states))
			return nil
		}
	}
}

func next(t *testing.T, ch <-chan pipeline.PaywallState) pipeline.PaywallState {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no state received")
		return pipeline.PaywallState{}
	}
}

// -----------------------------------------------------------------------------
// TESTS
// -----------------------------------------------------------------------------

func TestPipeline_SkippedResults(t *testing.T) {
	t.Parallel()

	holdout := ruleengine.Outcome{Result: ruleengine.TriggerResult{
		Kind:       ruleengine.ResultHoldout,
		Experiment: &ruleengine.Experiment{ID: "exp-h", Variant: ruleengine.Variant{ID: "hold", Type: ruleengine.Holdout}},
	}}

	tests := []struct {
		name       string
		outcome    *ruleengine.Outcome
		subscribed bool
		overrides  *paywall.Overrides
		wantKind   pipeline.StateKind
		wantReason pipeline.SkipReason
	}{
		{
			name:       "Should skip unknown placements",
			wantKind:   pipeline.StateSkipped,
			wantReason: pipeline.SkipPlacementNotFound,
		},
		{
			name:       "Should skip when no audience matches",
			outcome:    &ruleengine.Outcome{Result: ruleengine.TriggerResult{Kind: ruleengine.ResultNoRuleMatch}},
			wantKind:   pipeline.StateSkipped,
			wantReason: pipeline.SkipNoAudienceMatch,
		},
		{
			name:       "Should skip holdouts",
			outcome:    &holdout,
			wantKind:   pipeline.StateSkipped,
			wantReason: pipeline.SkipHoldout,
		},
		{
			name:       "Should skip subscribed users when the trigger checks subscription",
			outcome:    ptr(paywallOutcome("pw-pro", ruleengine.CheckUserSubscription)),
			subscribed: true,
			wantKind:   pipeline.StateSkipped,
			wantReason: pipeline.SkipUserIsSubscribed,
		},
		{
			name:       "Should present to subscribed users when the trigger always presents",
			outcome:    ptr(paywallOutcome("pw-pro", ruleengine.Always)),
			subscribed: true,
			wantKind:   pipeline.StatePresented,
		},
		{
			name:       "Should present to subscribed users when overrides ignore subscription",
			outcome:    ptr(paywallOutcome("pw-pro", ruleengine.CheckUserSubscription)),
			subscribed: true,
			overrides:  &paywall.Overrides{IgnoreSubscriptionStatus: true},
			wantKind:   pipeline.StatePresented,
		},
		{
			name:     "Should report engine errors as presentation errors",
			outcome:  &ruleengine.Outcome{Result: ruleengine.TriggerResult{Kind: ruleengine.ResultError, Err: ruleengine.ErrEmptySplit}},
			wantKind: pipeline.StatePresentationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			outcomes := map[string]ruleengine.Outcome{}
			if tt.outcome != nil {
				outcomes["gate"] = *tt.outcome
			}
			f := newFixture(t, pipeline.Options{}, outcomes)
			f.identity.subscribed = tt.subscribed

			req := request("gate")
			req.Overrides = tt.overrides
			req.Presenter = closingPresenter

			states := collect(t, f.pipeline.Submit(context.Background(), req))
			require.NotEmpty(t, states)
			assert.Equal(t, tt.wantKind, states[0].Kind)
			assert.Equal(t, tt.wantReason, states[0].Reason)
		})
	}
}

func TestPipeline_PresentsAndReportsDismissal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
		"buy_now": paywallOutcome("pw-pro", ruleengine.CheckUserSubscription),
	})
	req := request("buy_now")
	req.Presenter = closingPresenter

	states := collect(t, f.pipeline.Submit(context.Background(), req))
	require.Len(t, states, 2)

	presented := states[0]
	assert.Equal(t, pipeline.StatePresented, presented.Kind)
	require.NotNil(t, presented.Paywall)
	assert.Equal(t, "en-US", presented.Paywall.Locale)
	require.NotNil(t, presented.Paywall.Experiment)
	assert.Equal(t, "var-pw-pro", presented.Paywall.Experiment.VariantID)
	assert.True(t, presented.Paywall.IsFreeTrialAvailable, "products must be loaded before presenting")

	dismissed := states[1]
	assert.Equal(t, pipeline.StateDismissed, dismissed.Kind)
	assert.Equal(t, presentation.ResultClosed, dismissed.Result.Kind)
	assert.Equal(t, presentation.CloseManual, dismissed.CloseReason)
	assert.False(t, pipeline.ShouldRunFeature(dismissed), "closing a gated paywall must not unlock the feature")

	assert.Equal(t, []string{"occ-pw-pro"}, f.occurrences.Keys())
	queued := f.confirmations.Queued()
	require.Len(t, queued, 1)
	assert.Equal(t, "exp-pw-pro", queued[0].ExperimentID)

	assert.Equal(t, []string{
		placement.TriggerFire,
		placement.PaywallResponseStart,
		placement.PaywallResponseComplete,
		placement.ProductsLoadStart,
		placement.ProductsLoadComplete,
		placement.PaywallOpen,
		placement.PaywallClose,
		placement.PaywallDecline,
	}, f.events.Names())
	assert.False(t, f.presentations.IsPresenting())
}

func TestPipeline_PaywallLoadEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		paywallID string
		fetchErr  error
		wantEvent string
	}{
		{
			name:      "Should track not found separately",
			paywallID: "pw-missing",
			wantEvent: placement.PaywallResponseNotFound,
		},
		{
			name:      "Should track other failures as fail",
			paywallID: "pw-pro",
			fetchErr:  errors.New("connection reset"),
			wantEvent: placement.PaywallResponseFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
				"buy_now": paywallOutcome(tt.paywallID, ruleengine.Always),
			})
			f.paywalls.err = tt.fetchErr
			req := request("buy_now")
			req.Presenter = closingPresenter

			states := collect(t, f.pipeline.Submit(context.Background(), req))
			require.Len(t, states, 1)
			assert.Equal(t, pipeline.StatePresentationError, states[0].Kind)
			assert.Error(t, states[0].Err)

			names := f.events.Names()
			assert.Contains(t, names, tt.wantEvent)
			assert.NotContains(t, names, placement.PaywallResponseComplete)
			assert.Empty(t, f.occurrences.Keys(), "occurrences are only recorded once a paywall is shown")
			assert.Contains(t, f.logs.String(), "failed to load paywall")
		})
	}
}

func TestPipeline_FailsWithoutPresenter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
		"buy_now": paywallOutcome("pw-pro", ruleengine.Always),
	})

	states := collect(t, f.pipeline.Submit(context.Background(), request("buy_now")))
	require.Len(t, states, 1)
	assert.ErrorIs(t, states[0].Err, presentation.ErrNoPresenter)
}

func TestPipeline_OnlyOnePresentationAtATime(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
		"a": paywallOutcome("pw-pro", ruleengine.Always),
		"b": paywallOutcome("pw-lite", ruleengine.Always),
	})
	presenter := newHoldPresenter()

	reqA, reqB := request("a"), request("b")
	reqA.Presenter, reqB.Presenter = presenter, presenter

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts []pipeline.PaywallState
		chans  []<-chan pipeline.PaywallState
	)
	for _, req := range []pipeline.Request{reqA, reqB} {
		ch := f.pipeline.Submit(context.Background(), req)
		chans = append(chans, ch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := next(t, ch)
			mu.Lock()
			firsts = append(firsts, s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var presented, rejected int
	for _, s := range firsts {
		switch s.Kind {
		case pipeline.StatePresented:
			presented++
		case pipeline.StatePresentationError:
			rejected++
			assert.ErrorIs(t, s.Err, presentation.ErrPaywallNotAvailable)
		}
	}
	assert.Equal(t, 1, presented)
	assert.Equal(t, 1, rejected)

	session := <-presenter.sessions
	require.NoError(t, session.Close())
	for _, ch := range chans {
		collect(t, ch)
	}
}

func TestPipeline_DismissForNextClosesPreviousStreamSilently(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
		"a": paywallOutcome("pw-pro", ruleengine.Always),
		"b": paywallOutcome("pw-lite", ruleengine.Always),
	})
	presenter := newHoldPresenter()

	reqA := request("a")
	reqA.Presenter = presenter
	first := f.pipeline.Submit(context.Background(), reqA)
	assert.Equal(t, pipeline.StatePresented, next(t, first).Kind)
	<-presenter.sessions

	reqB := request("b")
	reqB.Presenter = presenter
	reqB.DismissForNext = true
	second := f.pipeline.Submit(context.Background(), reqB)

	assert.Empty(t, collect(t, first), "the replaced paywall must not report a terminal state")

	assert.Equal(t, pipeline.StatePresented, next(t, second).Kind)
	session := <-presenter.sessions
	assert.Equal(t, "pw-lite", session.Paywall().Identifier)
	require.NoError(t, session.Close())

	states := collect(t, second)
	require.Len(t, states, 1)
	assert.Equal(t, pipeline.StateDismissed, states[0].Kind)
	assert.True(t, pipeline.ShouldRunFeature(states[0]), "closing a non-gated paywall runs the feature")
}

func TestPipeline_DismissForNextKeepsActivePaywallWhenReplacementFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
		"a": paywallOutcome("pw-pro", ruleengine.Always),
		"b": paywallOutcome("pw-missing", ruleengine.Always),
	})
	presenter := newHoldPresenter()

	reqA := request("a")
	reqA.Presenter = presenter
	first := f.pipeline.Submit(context.Background(), reqA)
	assert.Equal(t, pipeline.StatePresented, next(t, first).Kind)
	session := <-presenter.sessions

	reqB := request("b")
	reqB.Presenter = presenter
	reqB.DismissForNext = true
	states := collect(t, f.pipeline.Submit(context.Background(), reqB))
	require.Len(t, states, 1)
	assert.Equal(t, pipeline.StatePresentationError, states[0].Kind)
	assert.ErrorIs(t, states[0].Err, paywall.ErrNotFound)

	assert.Same(t, session, f.presentations.Active(), "the paywall on screen stays up")
	assert.Equal(t, presentation.StatePresented, session.State())

	require.NoError(t, session.Close())
	remaining := collect(t, first)
	require.Len(t, remaining, 1)
	assert.Equal(t, pipeline.StateDismissed, remaining[0].Kind)
	assert.Equal(t, presentation.CloseManual, remaining[0].CloseReason)
}

func TestPipeline_AllowOverlapReplacesActivePaywall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Options{AllowOverlap: true}, map[string]ruleengine.Outcome{
		"a": paywallOutcome("pw-pro", ruleengine.Always),
		"b": paywallOutcome("pw-lite", ruleengine.Always),
	})
	presenter := newHoldPresenter()

	reqA, reqB := request("a"), request("b")
	reqA.Presenter, reqB.Presenter = presenter, presenter

	first := f.pipeline.Submit(context.Background(), reqA)
	assert.Equal(t, pipeline.StatePresented, next(t, first).Kind)
	<-presenter.sessions

	second := f.pipeline.Submit(context.Background(), reqB)
	assert.Equal(t, pipeline.StatePresented, next(t, second).Kind)
	assert.Empty(t, collect(t, first))

	require.NoError(t, (<-presenter.sessions).Close())
	collect(t, second)
}

func TestPipeline_BacklogReplaysInOrder(t *testing.T) {
	t.Parallel()

	gate := newGate(false)
	f := newFixtureWithCampaigns(t, gate)

	first := f.pipeline.Submit(context.Background(), request("first"))
	second := f.pipeline.Submit(context.Background(), request("second"))
	third := f.pipeline.Submit(context.Background(), request("third"))

	assert.Empty(t, f.resolver.Calls(), "nothing resolves before the campaign is ready")

	gate.open()
	for _, ch := range []<-chan pipeline.PaywallState{first, second, third} {
		collect(t, ch)
	}

	assert.Equal(t, []string{"first", "second", "third"}, f.resolver.Calls())
}

func newFixtureWithCampaigns(t *testing.T, gate *readyGate) *fixture {
	t.Helper()
	f := newFixture(t, pipeline.Options{}, nil)
	f.campaigns = gate
	f.pipeline = pipeline.New(nil, pipeline.Deps{
		Campaigns:     &fakeCampaigns{gate: gate},
		Identity:      f.identity,
		Resolver:      f.resolver,
		Paywalls:      f.paywalls,
		Presentations: f.presentations,
		Confirmations: f.confirmations,
		Occurrences:   f.occurrences,
	}, pipeline.Options{ReadinessTimeout: 5 * time.Second})
	return f
}

func TestPipeline_ReadinessTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pipeline.Options{ReadinessTimeout: 20 * time.Millisecond}, nil)
	f.identity.gate = newGate(false)

	states := collect(t, f.pipeline.Submit(context.Background(), request("buy_now")))
	require.Len(t, states, 1)
	assert.Equal(t, pipeline.StatePresentationError, states[0].Kind)
	assert.ErrorIs(t, states[0].Err, pipeline.ErrReadinessTimeout)
	assert.Empty(t, f.resolver.Calls())
}

func TestPipeline_Evaluate(t *testing.T) {
	t.Parallel()

	t.Run("Should decide without waiting for identity", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
			"buy_now": paywallOutcome("pw-pro", ruleengine.Always),
		})
		f.identity.gate = newGate(false)

		got := f.pipeline.Evaluate(context.Background(), pipeline.Request{
			Placement: placement.NewInternal("buy_now", nil, time.Now(), nil),
			Type:      pipeline.TypeGetPresentationResult,
		})

		assert.Equal(t, pipeline.ResultPaywall, got.Kind)
		require.NotNil(t, got.Experiment)
		assert.Equal(t, "exp-pw-pro", got.Experiment.ID)
		assert.Len(t, f.confirmations.Queued(), 1)
		assert.NotContains(t, f.events.Names(), placement.TriggerFire)
		assert.NotContains(t, f.events.Names(), placement.PaywallResponseStart, "decision queries never fetch content")
	})

	t.Run("Should not confirm assignments for a decline check", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
			"paywall_decline": paywallOutcome("pw-pro", ruleengine.Always),
		})

		got := f.pipeline.Evaluate(context.Background(), pipeline.Request{
			Placement: placement.NewInternal("paywall_decline", nil, time.Now(), nil),
			Type:      pipeline.TypePaywallDeclineCheck,
		})

		assert.Equal(t, pipeline.ResultPaywall, got.Kind)
		assert.Empty(t, f.confirmations.Queued())
	})

	t.Run("Should report paywallNotAvailable while another paywall is shown", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
			"buy_now": paywallOutcome("pw-pro", ruleengine.Always),
		})
		session, err := f.presentations.TryAcquire(&paywall.Response{Identifier: "pw-lite"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = session.Close() })

		got := f.pipeline.Evaluate(context.Background(), pipeline.Request{
			Placement: placement.NewInternal("buy_now", nil, time.Now(), nil),
		})
		assert.Equal(t, pipeline.ResultPaywallNotAvailable, got.Kind)
		assert.ErrorIs(t, got.Err, presentation.ErrPaywallNotAvailable)
	})

	t.Run("Should map skips to decision kinds", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, pipeline.Options{}, map[string]ruleengine.Outcome{
			"buy_now": paywallOutcome("pw-pro", ruleengine.CheckUserSubscription),
		})
		f.identity.subscribed = true

		got := f.pipeline.Evaluate(context.Background(), pipeline.Request{
			Placement: placement.NewInternal("buy_now", nil, time.Now(), nil),
		})
		assert.Equal(t, pipeline.ResultUserIsSubscribed, got.Kind)

		got = f.pipeline.Evaluate(context.Background(), pipeline.Request{
			Placement: placement.NewInternal("unknown", nil, time.Now(), nil),
		})
		assert.Equal(t, pipeline.ResultPlacementNotFound, got.Kind)
	})
}

func TestPipeline_StageHookSeesEveryStage(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		stages []pipeline.Stage
	)
	f := newFixture(t, pipeline.Options{
		StageHook: func(_ string, _ pipeline.Request, s pipeline.Stage) {
			mu.Lock()
			defer mu.Unlock()
			stages = append(stages, s)
		},
	}, map[string]ruleengine.Outcome{
		"buy_now": paywallOutcome("pw-pro", ruleengine.Always),
	})
	req := request("buy_now")
	req.Presenter = closingPresenter

	collect(t, f.pipeline.Submit(context.Background(), req))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []pipeline.Stage{
		pipeline.StageCreated,
		pipeline.StageAwaitingReadiness,
		pipeline.StageResolving,
		pipeline.StageDecidingContent,
		pipeline.StagePresenting,
	}, stages)
}

func TestNew_PanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		pipeline.New(nil, pipeline.Deps{}, pipeline.Options{})
	})
}

func ptr[T any](v T) *T { return &v }
