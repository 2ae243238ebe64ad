package observability

import "context"

// Checker is one dependency reported on the readiness endpoint: a storage
// backend, or the campaign the SDK serves decisions from.
type Checker interface {
	Name() string
	// Check returns nil when the dependency is usable. It must give up once
	// ctx is done.
	Check(ctx context.Context) error
}

// CheckFunc turns a plain function into a named Checker.
func CheckFunc(name string, check func(ctx context.Context) error) Checker {
	if check == nil {
		panic("observability: check function cannot be nil")
	}
	return funcChecker{name: name, check: check}
}

type funcChecker struct {
	name  string
	check func(ctx context.Context) error
}

func (c funcChecker) Name() string { return c.name }

func (c funcChecker) Check(ctx context.Context) error { return c.check(ctx) }
