package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner executes a group of tasks and the goroutines feeding them, failing
// fast as a unit: the first error cancels the shared context and every task
// winds down.
type Runner struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewRunner creates a Runner whose goroutines share a context derived from
// ctx.
func NewRunner(ctx context.Context) *Runner {
	g, gctx := errgroup.WithContext(ctx)
	return &Runner{g: g, ctx: gctx}
}

// Context returns the group context. Pass it to work started via Go so
// cancellation propagates.
func (r *Runner) Context() context.Context {
	return r.ctx
}

// RunTask starts the task's run loop in the group. A clean session end
// returns nil and does not cancel the group.
func (r *Runner) RunTask(t *Task) {
	r.g.Go(func() error {
		return t.Run(r.ctx)
	})
}

// Go runs fn in the group.
func (r *Runner) Go(fn func(ctx context.Context) error) {
	r.g.Go(func() error {
		return fn(r.ctx)
	})
}

// Wait blocks until every goroutine has returned and yields the first error.
func (r *Runner) Wait() error {
	return r.g.Wait()
}
