package ruleengine

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrInvalidCampaign wraps every structural problem found by Compile.
	ErrInvalidCampaign = errors.New("ruleengine: invalid campaign")
)

// MaxRulesPerTrigger bounds the linear first-match scan of one placement.
const MaxRulesPerTrigger = 1_000

// Compile validates a freshly decoded campaign and warms the expression
// caches. It must run before the campaign is published.
//
// Structural problems (missing experiment IDs, negative weights, treatment
// variants without a paywall) reject the campaign. Expressions that do not
// compile are only logged: at evaluation time they fail closed, so the rest
// of the campaign stays usable.
func (e *Engine) Compile(c *Campaign) error {
	if c == nil {
		return fmt.Errorf("%w: campaign is nil", ErrInvalidCampaign)
	}
	if c.Triggers == nil {
		c.Triggers = make(map[string]Trigger)
	}

	for name, trigger := range c.Triggers {
		if trigger.EventName == "" {
			trigger.EventName = name
			c.Triggers[name] = trigger
		}
		if trigger.EventName != name {
			return fmt.Errorf("%w: trigger key %q does not match event name %q", ErrInvalidCampaign, name, trigger.EventName)
		}
		if len(trigger.Rules) > MaxRulesPerTrigger {
			return fmt.Errorf("%w: trigger %q has %d rules (max %d)", ErrInvalidCampaign, name, len(trigger.Rules), MaxRulesPerTrigger)
		}

		for i := range trigger.Rules {
			if err := e.compileRule(name, &trigger.Rules[i]); err != nil {
				return fmt.Errorf("%w: trigger %q rule %d: %w", ErrInvalidCampaign, name, i, err)
			}
		}
	}

	return nil
}

func (e *Engine) compileRule(trigger string, rule *TriggerRule) error {
	if rule.ExperimentID == "" {
		return errors.New("experiment_id is required")
	}
	if len(rule.Variants) == 0 {
		return errors.New("at least one variant is required")
	}

	for _, v := range rule.Variants {
		if v.ID == "" {
			return errors.New("variant id is required")
		}
		if v.Percentage < 0 || v.Percentage > 100 {
			return fmt.Errorf("variant %s: percentage %d out of range", v.ID, v.Percentage)
		}
		if v.Type == Treatment && v.PaywallID == "" {
			return fmt.Errorf("variant %s: treatment requires a paywall_id", v.ID)
		}
	}

	if rule.Occurrence != nil && rule.Occurrence.Key == "" {
		return errors.New("occurrence key is required")
	}

	for _, req := range rule.ComputedPropertyRequests {
		if _, err := computeProperty(req.Type, nil, e.now()); err != nil {
			return err
		}
	}

	dialect, expression, ok := selectDialect(rule)
	if !ok {
		return nil
	}
	evaluator := e.evaluators[dialect]
	if err := evaluator.Compile(expression); err != nil {
		e.logger.Warn("rule expression does not compile",
			slog.String("trigger", trigger),
			slog.String("experiment_id", rule.ExperimentID),
			slog.String("dialect", string(dialect)),
			slog.Any("error", err),
		)
	}

	return nil
}
