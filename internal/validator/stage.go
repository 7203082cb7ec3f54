package validator

import (
	"context"
	"fmt"
	"time"
)

// runStage runs a CPU-bound step under a time budget. On timeout the step's
// goroutine is abandoned; its result is discarded when it eventually returns.
func runStage[T any](ctx context.Context, budget time.Duration, name string, fn func(context.Context) (T, error)) (T, error) {
	var cancel context.CancelFunc
	if budget > 0 {
		ctx, cancel = context.WithTimeout(ctx, budget)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.v, fmt.Errorf("%s: %w", name, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%s: %w", name, ctx.Err())
	}
}
