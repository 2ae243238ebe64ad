package ruleengine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// LiquidEvaluator evaluates template-style expressions such as
// `user.plan == "pro" and params.count > 2`.
// The expression becomes the condition of an if tag; parsed templates are
// cached per expression.
type LiquidEvaluator struct {
	engine *liquid.Engine
	cache  sync.Map // expression -> *liquid.Template
}

// NewLiquidEvaluator creates an evaluator with a fresh Liquid engine.
func NewLiquidEvaluator() *LiquidEvaluator {
	return &LiquidEvaluator{engine: liquid.NewEngine()}
}

// Compile parses the expression and caches the template.
func (e *LiquidEvaluator) Compile(expression string) error {
	_, err := e.template(expression)
	return err
}

// Eval renders the wrapped template and reads back "true" or "false".
func (e *LiquidEvaluator) Eval(_ context.Context, expression string, env Environment) (bool, error) {
	tpl, err := e.template(expression)
	if err != nil {
		return false, err
	}

	out, renderErr := tpl.RenderString(env.Bindings())
	if renderErr != nil {
		return false, fmt.Errorf("failed to render liquid expression: %w", renderErr)
	}

	switch strings.TrimSpace(out) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("liquid expression produced %q", out)
	}
}

func (e *LiquidEvaluator) template(expression string) (*liquid.Template, error) {
	if cached, ok := e.cache.Load(expression); ok {
		return cached.(*liquid.Template), nil
	}

	src := "{% if " + expression + " %}true{% else %}false{% endif %}"
	tpl, parseErr := e.engine.ParseString(src)
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse liquid expression: %w", parseErr)
	}

	e.cache.Store(expression, tpl)
	return tpl, nil
}
