package ruleengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeljc/tollgate/internal/assignment"
	"github.com/rafaeljc/tollgate/internal/observability"
	"github.com/rafaeljc/tollgate/internal/placement"
)

// ErrNoCampaign is reported when a placement is resolved before any
// campaign has been loaded.
var ErrNoCampaign = errors.New("ruleengine: no campaign loaded")

// AttributeSource is the slice of the attribute store the engine reads.
type AttributeSource interface {
	OccurrenceReader
	UserAttributes() map[string]any
	DeviceAttributes() map[string]any
	RecordPlacement(ctx context.Context, name string, at time.Time) error
	CountRuleOccurrences(ctx context.Context, key string, since time.Time) (int, error)
}

// AssignmentSource is the slice of the assignment store the engine uses.
type AssignmentSource interface {
	Get(ctx context.Context, experimentID string) (assignment.Assignment, bool)
	SetUnconfirmed(ctx context.Context, a assignment.Assignment) error
}

// PendingOccurrence is a rule occurrence that matched but is not yet stored.
// It is recorded only when the paywall is actually presented.
type PendingOccurrence struct {
	Key string
}

// Outcome is everything a resolution produced.
type Outcome struct {
	Result  TriggerResult
	Trigger *Trigger

	// Confirmable is the assignment to confirm with the backend, nil when
	// the variant came from a confirmed assignment.
	Confirmable *assignment.Assignment

	// Occurrence is set when the winning rule is occurrence-limited.
	Occurrence *PendingOccurrence
}

// Options tunes an Engine. Zero values are replaced with defaults.
type Options struct {
	Drawer  Drawer
	Subject func() string
	Now     func() time.Time
}

// Engine resolves placements against a campaign.
type Engine struct {
	logger      *slog.Logger
	attrs       AttributeSource
	assignments AssignmentSource
	evaluators  map[Dialect]Evaluator
	drawer      Drawer
	subject     func() string
	now         func() time.Time
}

// New creates an Engine.
// If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, attrs AttributeSource, assignments AssignmentSource, opts Options) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if attrs == nil {
		panic("ruleengine: attribute source cannot be nil")
	}
	if assignments == nil {
		panic("ruleengine: assignment source cannot be nil")
	}

	celEval, err := NewCELEvaluator()
	if err != nil {
		return nil, err
	}

	if opts.Drawer == nil {
		opts.Drawer = RandomDrawer{}
	}
	if opts.Subject == nil {
		opts.Subject = func() string { return "" }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		logger:      logger,
		attrs:       attrs,
		assignments: assignments,
		evaluators: map[Dialect]Evaluator{
			DialectLiquid: NewLiquidEvaluator(),
			DialectCEL:    celEval,
		},
		drawer:  opts.Drawer,
		subject: opts.Subject,
		now:     opts.Now,
	}, nil
}

// Resolve classifies a placement. It never returns an error: failures are
// reported as a ResultError outcome. The placement occurrence is recorded
// once per call whatever the result.
func (e *Engine) Resolve(ctx context.Context, p placement.Placement, c *Campaign) Outcome {
	out := e.resolve(ctx, p, c)

	if err := e.attrs.RecordPlacement(ctx, p.Name, p.OccurredAt); err != nil {
		e.logger.Warn("failed to record placement occurrence",
			slog.String("placement", p.Name),
			slog.Any("error", err),
		)
	}

	observability.TriggerResultsTotal.WithLabelValues(string(out.Result.Kind)).Inc()
	return out
}

func (e *Engine) resolve(ctx context.Context, p placement.Placement, c *Campaign) Outcome {
	if c == nil {
		return errorOutcome(nil, ErrNoCampaign)
	}

	trigger, ok := c.Triggers[p.Name]
	if !ok {
		return Outcome{Result: TriggerResult{Kind: ResultTriggerNotFound}}
	}

	env := Environment{
		User:   e.attrs.UserAttributes(),
		Device: e.attrs.DeviceAttributes(),
		Params: p.RuleParameters(),
	}

	for i := range trigger.Rules {
		rule := &trigger.Rules[i]

		matched, pending, err := e.matchRule(ctx, rule, env)
		if err != nil {
			return errorOutcome(&trigger, err)
		}
		if !matched {
			continue
		}

		out, err := e.assign(ctx, rule)
		if err != nil {
			return errorOutcome(&trigger, err)
		}
		out.Trigger = &trigger
		out.Occurrence = pending
		return out
	}

	return Outcome{Result: TriggerResult{Kind: ResultNoRuleMatch}, Trigger: &trigger}
}

// matchRule evaluates one rule. Expression failures are logged and count
// as no match; only storage failures are returned.
func (e *Engine) matchRule(ctx context.Context, rule *TriggerRule, env Environment) (bool, *PendingOccurrence, error) {
	dialect, expression, hasExpression := selectDialect(rule)
	if hasExpression {
		if len(rule.ComputedPropertyRequests) > 0 {
			computed, err := computeProperties(ctx, e.attrs, e.now(), rule.ComputedPropertyRequests)
			if err != nil {
				return false, nil, err
			}
			env.Computed = computed
		}

		matched, err := e.evaluators[dialect].Eval(ctx, expression, env)
		if err != nil {
			// Fail closed: a broken audience must never show a paywall.
			e.logger.Error("rule evaluation failed",
				slog.String("experiment_id", rule.ExperimentID),
				slog.String("dialect", string(dialect)),
				slog.Any("error", err),
			)
			observability.ExpressionFailuresTotal.WithLabelValues(string(dialect)).Inc()
			return false, nil, nil
		}
		if !matched {
			return false, nil, nil
		}
	}

	if rule.Occurrence == nil {
		return true, nil, nil
	}

	since := occurrenceSince(rule.Occurrence.Interval, e.now())
	count, err := e.attrs.CountRuleOccurrences(ctx, rule.Occurrence.Key, since)
	if err != nil {
		return false, nil, fmt.Errorf("failed to count occurrences of %s: %w", rule.Occurrence.Key, err)
	}
	if count >= rule.Occurrence.MaxCount {
		e.logger.Debug("rule occurrence limit reached",
			slog.String("experiment_id", rule.ExperimentID),
			slog.String("key", rule.Occurrence.Key),
			slog.Int("count", count),
		)
		return false, nil, nil
	}
	return true, &PendingOccurrence{Key: rule.Occurrence.Key}, nil
}

// assign resolves the sticky variant of the winning rule.
func (e *Engine) assign(ctx context.Context, rule *TriggerRule) (Outcome, error) {
	var confirmable *assignment.Assignment

	existing, found := e.assignments.Get(ctx, rule.ExperimentID)
	option, stillOffered := findVariant(rule.Variants, existing.VariantID)

	switch {
	case found && stillOffered && existing.Confirmed:
	case found && stillOffered:
		confirmable = &existing
	default:
		drawn, err := drawVariant(e.drawer, e.subject(), rule)
		if err != nil {
			return Outcome{}, err
		}
		option = drawn

		a := assignment.Assignment{
			ExperimentID: rule.ExperimentID,
			VariantID:    option.ID,
			AssignedAt:   e.now(),
		}
		if err := e.assignments.SetUnconfirmed(ctx, a); err != nil {
			return Outcome{}, fmt.Errorf("failed to store assignment: %w", err)
		}
		confirmable = &a
	}

	experiment := &Experiment{
		ID:      rule.ExperimentID,
		GroupID: rule.GroupID,
		Variant: option.Variant(),
	}

	kind := ResultHoldout
	if option.Type == Treatment {
		kind = ResultPaywall
	}

	return Outcome{
		Result:      TriggerResult{Kind: kind, Experiment: experiment},
		Confirmable: confirmable,
	}, nil
}

func errorOutcome(trigger *Trigger, err error) Outcome {
	return Outcome{Result: TriggerResult{Kind: ResultError, Err: err}, Trigger: trigger}
}
