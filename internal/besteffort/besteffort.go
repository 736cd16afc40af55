// Package besteffort runs side effects that must never block or fail the
// caller: broadcasts, usage accounting and fixer hand-offs.
package besteffort

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Go runs fn in its own goroutine with its own timeout. Errors and panics are
// logged and otherwise discarded. The returned channel closes when fn returns.
func Go(logger *slog.Logger, name string, timeout time.Duration, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		var cancel context.CancelFunc
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := run(ctx, fn); err != nil && logger != nil {
			logger.Warn("best-effort task failed", "task", name, "error", err)
		}
	}()
	return done
}

func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
