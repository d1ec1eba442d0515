//go:build linux

package ioengine

import (
	"context"
	"errors"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// isRetryableWaitErr reports whether err is the kernel's EINTR/EAGAIN
// signal that a blocking wait was interrupted rather than genuinely
// failed, per §4.F's "implementers may choose to retry transparently on
// these two codes" allowance.
func isRetryableWaitErr(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

// waitForCompletionContext blocks until exactly one CQE is available or
// ctx is cancelled, releasing control to other goroutines while it
// sleeps (the wait loop underneath polls in short slices rather than
// holding any Ring-internal lock, so cooperating goroutines are never
// blocked by it).
func (r *Ring) waitForCompletionContext(ctx context.Context) (*Spec, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := r.Submit(); err != nil {
		return nil, err
	}

	userData, res, flags, err := r.q.WaitCQEContext(ctx)
	if err != nil {
		if isRetryableWaitErr(err) {
			return nil, ErrWaitInterrupted
		}
		return nil, err
	}
	r.q.SeenCQE()

	_, spec := r.getCQEContext(userData, res, flags)
	return spec, nil
}

// Runner wraps an errgroup.Group so a Ring's completion loop can run as
// one cooperating goroutine among others sharing a single cancellation
// and error path, the way a host runtime's other background work would.
type Runner struct {
	group *errgroup.Group
	ctx   context.Context
}

// NewRunner builds a Runner bound to ctx; cancelling ctx (or any launched
// goroutine returning an error) stops every goroutine launched through it.
func NewRunner(ctx context.Context) *Runner {
	g, gctx := errgroup.WithContext(ctx)
	return &Runner{group: g, ctx: gctx}
}

// Go launches fn as a cooperating goroutine.
func (run *Runner) Go(fn func() error) {
	run.group.Go(fn)
}

// RunCompletionsLoop launches r's completion-processing loop as a
// cooperating goroutine, exiting when the Runner's context is cancelled,
// the ring is closed, or a stop-emit is processed. Each spec goes to
// consume if it is non-nil, otherwise to the spec's own Callback.
func (run *Runner) RunCompletionsLoop(r *Ring, consume func(*Spec)) {
	run.group.Go(func() error {
		for {
			select {
			case <-run.ctx.Done():
				return run.ctx.Err()
			default:
			}
			spec, err := r.waitForCompletionContext(run.ctx)
			if err == ErrWaitInterrupted {
				continue
			}
			if err != nil {
				return err
			}
			switch {
			case spec == nil:
			case consume != nil:
				consume(spec)
			case spec.Callback != nil:
				spec.Callback(spec)
			}
			if r.stopRequested {
				return nil
			}
		}
	})
}

// Wait blocks until every goroutine launched via Go/RunCompletionsLoop
// returns, yielding the first non-nil error.
func (run *Runner) Wait() error {
	return run.group.Wait()
}
