// Package async coordinates the long-lived goroutines a client owns:
// transport read loops, poll workers, and the frame consumer.
package async

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tidewave/marketws/errs"
	"github.com/tidewave/marketws/internal/observability"
)

// Runner owns a set of named goroutines sharing one cancellation scope.
// Stop cancels the scope and waits for every goroutine to return, bounded
// by the caller's timeout.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewRunner derives a cancellation scope from parent.
func NewRunner(parent context.Context) *Runner {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		ctx:    ctx,
		cancel: cancel,
		wg:     conc.WaitGroup{},
	}
}

// Context returns the runner's scope. It is cancelled by Stop.
func (r *Runner) Context() context.Context { return r.ctx }

// Go starts fn under the runner's scope. A non-nil return that is not the
// scope's own cancellation is logged; workers signal unrecoverable failure
// through their own channels, not through the runner.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Go(func() {
		err := fn(r.ctx)
		if err == nil || r.ctx.Err() != nil {
			return
		}
		observability.Log().Error("worker exited",
			observability.Field{Key: "worker", Value: name},
			observability.Field{Key: "error", Value: err.Error()})
	})
}

// Stop cancels the scope and waits up to timeout for every goroutine to
// return. Goroutines still running at the deadline are abandoned and an
// unavailable error is returned.
func (r *Runner) Stop(timeout time.Duration) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if recovered := r.wg.WaitAndRecover(); recovered != nil {
			observability.Log().Error("worker panicked",
				observability.Field{Key: "panic", Value: recovered.String()})
		}
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errs.New("async", errs.CodeUnavailable,
			errs.WithMessage("workers did not stop before deadline"))
	}
}
