// Package action holds the side-effecting call a task performs when it fires.
package action

import "context"

// Invoker performs the task action for the given opaque params.
// A nil error means success; the returned string is stored as the result.
type Invoker interface {
	Invoke(ctx context.Context, params string) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, params string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, params string) (string, error) {
	return f(ctx, params)
}
