package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/tollgate/internal/assignment"
	"github.com/rafaeljc/tollgate/internal/observability"
	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/placement"
	"github.com/rafaeljc/tollgate/internal/presentation"
	"github.com/rafaeljc/tollgate/internal/ruleengine"
)

// CampaignSource publishes the current campaign.
type CampaignSource interface {
	Campaign() *ruleengine.Campaign
	Ready() <-chan struct{}
}

// IdentitySource exposes identity readiness and entitlement.
type IdentitySource interface {
	Ready() <-chan struct{}
	IsSubscribed() bool
}

// Resolver classifies placements.
type Resolver interface {
	Resolve(ctx context.Context, p placement.Placement, c *ruleengine.Campaign) ruleengine.Outcome
}

// PaywallSource returns per-request paywall copies.
type PaywallSource interface {
	Get(ctx context.Context, identifier, locale string) (*paywall.Response, error)
}

// Confirmations queues assignments for confirmation.
type Confirmations interface {
	Enqueue(ctx context.Context, a assignment.Assignment) error
}

// OccurrenceRecorder stores rule occurrences once a paywall is shown.
type OccurrenceRecorder interface {
	RecordRuleOccurrence(ctx context.Context, key string, at time.Time) error
}

// Deps are the collaborators of a Pipeline. Products and Events are optional.
type Deps struct {
	Campaigns     CampaignSource
	Identity      IdentitySource
	Resolver      Resolver
	Paywalls      PaywallSource
	Products      paywall.ProductLoader
	Presentations *presentation.Manager
	Confirmations Confirmations
	Occurrences   OccurrenceRecorder
	Events        presentation.EventFunc
	Locale        func() string
}

// Options tunes a Pipeline.
type Options struct {
	ReadinessTimeout time.Duration
	// AllowOverlap lets a new paywall replace the active one instead of
	// being rejected with paywallNotAvailable.
	AllowOverlap bool
	// StageHook observes every stage transition.
	StageHook func(requestID string, req Request, stage Stage)
	Now       func() time.Time
}

// Pipeline processes presentation requests.
type Pipeline struct {
	logger *slog.Logger
	deps   Deps
	opts   Options

	mu       sync.Mutex
	backlog  []*job
	draining bool
}

// job is one request in flight. Exactly one of states and result is set.
type job struct {
	id      string
	ctx     context.Context
	req     Request
	start   time.Time
	states  chan PaywallState
	result  chan PresentationResult
	decided chan struct{}
	once    sync.Once
}

func (j *job) markDecided() {
	j.once.Do(func() { close(j.decided) })
}

// New creates a Pipeline.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, deps Deps, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Campaigns == nil:
		panic("pipeline: campaign source cannot be nil")
	case deps.Identity == nil:
		panic("pipeline: identity source cannot be nil")
	case deps.Resolver == nil:
		panic("pipeline: resolver cannot be nil")
	case deps.Paywalls == nil:
		panic("pipeline: paywall source cannot be nil")
	case deps.Presentations == nil:
		panic("pipeline: presentation manager cannot be nil")
	case deps.Confirmations == nil:
		panic("pipeline: confirmations cannot be nil")
	case deps.Occurrences == nil:
		panic("pipeline: occurrence recorder cannot be nil")
	}
	if deps.Events == nil {
		deps.Events = func(string, map[string]any) {}
	}
	if deps.Locale == nil {
		deps.Locale = func() string { return "" }
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pipeline{logger: logger, deps: deps, opts: opts}
}

// Submit starts a presenting request and returns its outcome stream. The
// stream is closed after the terminal state; a paywall dismissed for the
// next one closes it without a terminal state. ctx bounds the whole request,
// presentation included.
func (p *Pipeline) Submit(ctx context.Context, req Request) <-chan PaywallState {
	if !req.Type.Presents() {
		req.Type = TypePresentation
	}
	j := p.newJob(ctx, req)
	// presented + terminal never exceed the buffer, so sends never block.
	j.states = make(chan PaywallState, 2)
	p.enqueue(j)
	return j.states
}

// Evaluate decides a placement without presenting it.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) PresentationResult {
	if req.Type == "" || req.Type.Presents() {
		req.Type = TypeGetPresentationResult
	}
	j := p.newJob(ctx, req)
	j.result = make(chan PresentationResult, 1)
	p.enqueue(j)

	select {
	case r := <-j.result:
		return r
	case <-ctx.Done():
		return PresentationResult{Kind: ResultPaywallNotAvailable, Err: ctx.Err()}
	}
}

func (p *Pipeline) newJob(ctx context.Context, req Request) *job {
	j := &job{
		id:      uuid.NewString(),
		ctx:     ctx,
		req:     req,
		start:   p.opts.Now(),
		decided: make(chan struct{}),
	}
	p.stage(j, StageCreated)
	return j
}

// enqueue runs j right away when the campaign is ready and nothing is
// queued. Otherwise j joins the backlog, which is replayed in call order:
// each queued request is resolved before the next one starts.
func (p *Pipeline) enqueue(j *job) {
	p.mu.Lock()
	if !p.draining && isClosed(p.deps.Campaigns.Ready()) {
		p.mu.Unlock()
		go p.process(j)
		return
	}

	p.backlog = append(p.backlog, j)
	observability.PipelineQueuedRequests.Set(float64(len(p.backlog)))
	startDrain := !p.draining
	p.draining = true
	p.mu.Unlock()

	p.logger.Debug("request queued until ready",
		slog.String("request_id", j.id),
		slog.String("placement", j.req.Placement.Name),
	)

	if startDrain {
		go p.drain()
	}
}

func (p *Pipeline) drain() {
	for {
		p.mu.Lock()
		if len(p.backlog) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}
		j := p.backlog[0]
		p.backlog = p.backlog[1:]
		observability.PipelineQueuedRequests.Set(float64(len(p.backlog)))
		p.mu.Unlock()

		go p.process(j)
		<-j.decided
	}
}

func (p *Pipeline) process(j *job) {
	defer j.markDecided()

	log := p.logger.With(
		slog.String("request_id", j.id),
		slog.String("placement", j.req.Placement.Name),
		slog.String("type", string(j.req.Type)),
	)

	p.stage(j, StageAwaitingReadiness)
	if err := p.awaitReadiness(j.ctx, j.req.Type); err != nil {
		log.Warn("request abandoned before resolution", slog.Any("error", err))
		p.fail(j, err)
		return
	}

	p.stage(j, StageResolving)
	campaign := p.deps.Campaigns.Campaign()
	out := p.deps.Resolver.Resolve(j.ctx, j.req.Placement, campaign)
	j.markDecided()

	observability.PipelineResolutionDuration.WithLabelValues(string(j.req.Type)).
		Observe(p.opts.Now().Sub(j.start).Seconds())

	if j.req.Type.ConfirmsAssignments() && out.Confirmable != nil {
		if err := p.deps.Confirmations.Enqueue(j.ctx, *out.Confirmable); err != nil {
			// The user already saw the decision; the queue retries later.
			log.Warn("failed to queue assignment confirmation", slog.Any("error", err))
		}
	}

	if j.req.Type.Presents() && out.Result.Kind != ruleengine.ResultTriggerNotFound {
		p.deps.Events(placement.TriggerFire, map[string]any{
			"placement": j.req.Placement.Name,
			"result":    string(out.Result.Kind),
		})
	}

	log.Debug("placement resolved", slog.String("result", string(out.Result.Kind)))

	switch out.Result.Kind {
	case ruleengine.ResultTriggerNotFound:
		p.skip(j, PresentationResult{Kind: ResultPlacementNotFound}, SkipPlacementNotFound)
	case ruleengine.ResultNoRuleMatch:
		p.skip(j, PresentationResult{Kind: ResultNoAudienceMatch}, SkipNoAudienceMatch)
	case ruleengine.ResultHoldout:
		p.skip(j, PresentationResult{Kind: ResultHoldout, Experiment: out.Result.Experiment}, SkipHoldout)
	case ruleengine.ResultPaywall:
		p.decideContent(j, log, out)
	default:
		log.Error("placement resolution failed", slog.Any("error", out.Result.Err))
		p.fail(j, out.Result.Err)
	}
}

func (p *Pipeline) awaitReadiness(ctx context.Context, t RequestType) error {
	timer := time.NewTimer(p.opts.ReadinessTimeout)
	defer timer.Stop()

	waits := []<-chan struct{}{p.deps.Campaigns.Ready()}
	if t.WaitsForIdentity() {
		waits = append(waits, p.deps.Identity.Ready())
	}

	for _, ready := range waits {
		select {
		case <-ready:
		case <-timer.C:
			return ErrReadinessTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) decideContent(j *job, log *slog.Logger, out ruleengine.Outcome) {
	p.stage(j, StageDecidingContent)
	exp := out.Result.Experiment

	ignoreSubscription := j.req.Overrides != nil && j.req.Overrides.IgnoreSubscriptionStatus
	if out.Trigger != nil && out.Trigger.ChecksSubscription() && !ignoreSubscription && p.deps.Identity.IsSubscribed() {
		p.skip(j, PresentationResult{Kind: ResultUserIsSubscribed, Experiment: exp}, SkipUserIsSubscribed)
		return
	}

	if !j.req.Type.Presents() {
		if j.req.Type != TypePaywallDeclineCheck && p.blockedByActivePaywall(j.req) {
			p.finishResult(j, PresentationResult{Kind: ResultPaywallNotAvailable, Experiment: exp, Err: presentation.ErrPaywallNotAvailable})
			return
		}
		p.finishResult(j, PresentationResult{Kind: ResultPaywall, Experiment: exp})
		return
	}

	if j.req.Presenter == nil {
		p.fail(j, presentation.ErrNoPresenter)
		return
	}
	if p.blockedByActivePaywall(j.req) {
		p.fail(j, presentation.ErrPaywallNotAvailable)
		return
	}

	pw, err := p.loadPaywall(j.ctx, exp, j.req.Overrides)
	if err != nil {
		log.Warn("failed to load paywall", slog.String("paywall_id", exp.Variant.PaywallID), slog.Any("error", err))
		p.fail(j, err)
		return
	}

	// The active paywall is only torn down once its replacement is ready.
	if p.deps.Presentations.IsPresenting() {
		if p.blockedByActivePaywall(j.req) {
			p.fail(j, presentation.ErrPaywallNotAvailable)
			return
		}
		p.deps.Presentations.DismissForNextPaywall()
	}

	p.present(j, log, pw, out.Occurrence)
}

// blockedByActivePaywall reports whether an active paywall must reject req.
func (p *Pipeline) blockedByActivePaywall(req Request) bool {
	return p.deps.Presentations.IsPresenting() && !req.DismissForNext && !p.opts.AllowOverlap
}

// loadPaywall fetches the paywall, applies overrides and loads products.
func (p *Pipeline) loadPaywall(ctx context.Context, exp *ruleengine.Experiment, ov *paywall.Overrides) (*paywall.Response, error) {
	id := exp.Variant.PaywallID
	params := map[string]any{"paywall_identifier": id, "experiment_id": exp.ID}

	p.deps.Events(placement.PaywallResponseStart, params)
	canonical, err := p.deps.Paywalls.Get(ctx, id, p.deps.Locale())
	switch {
	case errors.Is(err, paywall.ErrNotFound):
		p.deps.Events(placement.PaywallResponseNotFound, params)
		return nil, err
	case err != nil:
		p.deps.Events(placement.PaywallResponseFail, params)
		return nil, err
	}
	p.deps.Events(placement.PaywallResponseComplete, params)

	pw := paywall.ApplyOverrides(canonical, ov)
	pw.Experiment = exp.Info()

	if len(pw.ProductsToLoad) == 0 || p.deps.Products == nil {
		return pw.WithProducts(nil), nil
	}

	productParams := pw.Info()
	p.deps.Events(placement.ProductsLoadStart, productParams)
	loaded, err := p.deps.Products.LoadProducts(ctx, pw.ProductsToLoad)
	if err != nil {
		p.deps.Events(placement.ProductsLoadFail, productParams)
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	p.deps.Events(placement.ProductsLoadComplete, productParams)

	return pw.WithProducts(loaded), nil
}

func (p *Pipeline) present(j *job, log *slog.Logger, pw *paywall.Response, pending *ruleengine.PendingOccurrence) {
	p.stage(j, StagePresenting)

	session, err := p.deps.Presentations.TryAcquire(pw)
	if err != nil {
		p.fail(j, err)
		return
	}

	if err := j.req.Presenter.Present(j.ctx, pw, session); err != nil {
		_ = session.Fail(err)
		log.Warn("presenter failed", slog.Any("error", err))
		p.fail(j, fmt.Errorf("failed to present paywall: %w", err))
		return
	}

	p.emit(j, PaywallState{Kind: StatePresented, Paywall: pw})
	p.deps.Events(placement.PaywallOpen, pw.Info())

	if pending != nil {
		if err := p.deps.Occurrences.RecordRuleOccurrence(j.ctx, pending.Key, p.opts.Now()); err != nil {
			log.Warn("failed to record rule occurrence", slog.String("key", pending.Key), slog.Any("error", err))
		}
	}

	select {
	case <-session.Done():
	case <-j.ctx.Done():
		_ = session.Fail(j.ctx.Err())
		<-session.Done()
	}

	outcome := session.Outcome()
	closeParams := pw.Info()
	closeParams["close_reason"] = string(outcome.CloseReason)
	closeParams["result"] = string(outcome.Result.Kind)
	p.deps.Events(placement.PaywallClose, closeParams)

	switch {
	case outcome.Silent():
		log.Debug("paywall dismissed for the next one")
		observability.PipelineRequestsTotal.WithLabelValues(string(j.req.Type), "replaced").Inc()
		close(j.states)
	case outcome.Err != nil:
		p.fail(j, outcome.Err)
	default:
		if outcome.Result.Kind == presentation.ResultClosed {
			p.deps.Events(placement.PaywallDecline, pw.Info())
		}
		p.finishState(j, PaywallState{
			Kind:        StateDismissed,
			Paywall:     pw,
			Result:      outcome.Result,
			CloseReason: outcome.CloseReason,
		})
	}
}

func (p *Pipeline) skip(j *job, result PresentationResult, reason SkipReason) {
	p.stage(j, StageSkipped)
	if j.result != nil {
		p.finishResult(j, result)
		return
	}
	p.finishState(j, PaywallState{Kind: StateSkipped, Reason: reason, Experiment: result.Experiment})
}

func (p *Pipeline) fail(j *job, err error) {
	p.stage(j, StageErroring)
	if j.result != nil {
		p.finishResult(j, PresentationResult{Kind: ResultPaywallNotAvailable, Err: err})
		return
	}
	p.finishState(j, PaywallState{Kind: StatePresentationError, Err: err})
}

func (p *Pipeline) finishResult(j *job, r PresentationResult) {
	observability.PipelineRequestsTotal.WithLabelValues(string(j.req.Type), string(r.Kind)).Inc()
	j.result <- r
}

func (p *Pipeline) finishState(j *job, s PaywallState) {
	observability.PipelineRequestsTotal.WithLabelValues(string(j.req.Type), string(s.Kind)).Inc()
	p.emit(j, s)
	close(j.states)
}

func (p *Pipeline) emit(j *job, s PaywallState) {
	observability.PaywallStatesTotal.WithLabelValues(string(s.Kind)).Inc()
	j.states <- s
}

func (p *Pipeline) stage(j *job, s Stage) {
	p.logger.Debug("request stage",
		slog.String("request_id", j.id),
		slog.String("placement", j.req.Placement.Name),
		slog.String("stage", string(s)),
	)
	if p.opts.StageHook != nil {
		p.opts.StageHook(j.id, j.req, s)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
