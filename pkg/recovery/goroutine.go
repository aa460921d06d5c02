package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/utils"
)

// Safe runs fn and converts a panic into an error so callers can treat
// panics in storage callbacks like any other failure.
func Safe(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.ErrCodePanicRecovered,
				fmt.Sprintf("panic in %s: %v", name, r)).
				WithOperation(name).
				WithStack()
		}
	}()
	return fn()
}

// Go runs fn on a new goroutine with panic recovery. A panicking
// background task is logged instead of taking the process down.
func Go(logger *utils.StructuredLogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("Background task panicked", map[string]interface{}{
						"task":  name,
						"panic": fmt.Sprintf("%v", r),
					})
				}
			}
		}()
		fn()
	}()
}

// Loop runs fn at the given interval until ctx is canceled. A panic in
// one iteration is logged and the loop keeps running, so a single bad
// record cannot stop maintenance permanently.
func Loop(ctx context.Context, logger *utils.StructuredLogger, name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runGuarded(ctx, logger, name, fn)
		}
	}
}

// runGuarded runs one loop iteration with panic recovery.
func runGuarded(ctx context.Context, logger *utils.StructuredLogger, name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("Maintenance iteration panicked", map[string]interface{}{
					"task":  name,
					"panic": fmt.Sprintf("%v", r),
				})
			}
		}
	}()
	fn(ctx)
}
