package ruleengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEvaluator evaluates general-purpose expressions such as
// `user.plan == "pro" && computed.daysSince.signup > 3`.
// Variables are dynamic maps; int and double compare across types since
// placement parameters arrive as JSON numbers.
type CELEvaluator struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// NewCELEvaluator builds the CEL environment.
func NewCELEvaluator() (*CELEvaluator, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("user", mapType),
		cel.Variable("device", mapType),
		cel.Variable("params", mapType),
		cel.Variable("computed", mapType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cel environment: %w", err)
	}
	return &CELEvaluator{env: env}, nil
}

// Compile type-checks the expression and caches the program.
func (e *CELEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Eval runs the program; a non-bool result is an error.
func (e *CELEvaluator) Eval(ctx context.Context, expression string, env Environment) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, env.Bindings())
	if err != nil {
		return false, fmt.Errorf("failed to evaluate cel expression: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression returned %T, want bool", out.Value())
	}
	return matched, nil
}

func (e *CELEvaluator) program(expression string) (cel.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(cel.Program), nil
	}

	ast, iss := e.env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to compile cel expression: %w", iss.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build cel program: %w", err)
	}

	e.programs.Store(expression, prg)
	return prg, nil
}
