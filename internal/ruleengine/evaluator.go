package ruleengine

import "context"

// Dialect names an expression language.
type Dialect string

const (
	DialectLiquid Dialect = "liquid"
	DialectCEL    Dialect = "cel"
)

// Evaluator is implemented by every expression dialect.
type Evaluator interface {
	// Eval reports whether expression holds for env.
	// A non-nil error means the expression could not be evaluated; callers
	// treat that as no match.
	Eval(ctx context.Context, expression string, env Environment) (bool, error)

	// Compile checks the expression and warms any internal cache.
	Compile(expression string) error
}

// Environment holds the variables visible to an expression.
type Environment struct {
	User     map[string]any
	Device   map[string]any
	Params   map[string]any
	Computed map[string]any
}

// Bindings exposes the environment as top-level variables
// user, device, params and computed.
func (e Environment) Bindings() map[string]any {
	return map[string]any{
		"user":     orEmpty(e.User),
		"device":   orEmpty(e.Device),
		"params":   orEmpty(e.Params),
		"computed": orEmpty(e.Computed),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// selectDialect picks the dialect for a rule. CEL wins when both forms are
// present; ok is false for match-all rules.
func selectDialect(rule *TriggerRule) (dialect Dialect, expression string, ok bool) {
	switch {
	case rule.ExpressionJS != nil && *rule.ExpressionJS != "":
		return DialectCEL, *rule.ExpressionJS, true
	case rule.Expression != nil && *rule.Expression != "":
		return DialectLiquid, *rule.Expression, true
	default:
		return "", "", false
	}
}
