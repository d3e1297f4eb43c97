package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/voxloop/voxloop/internal/observe"
)

// Turns tracks the lifecycle of conversational turns. Every turn owns a
// context derived from the session context; cancelling a turn cancels that
// context, which unblocks any provider call running on behalf of the turn
// even while the dispatch goroutine is busy elsewhere.
//
// Cancel is idempotent: the first call for a turn id cancels it, later calls
// (and calls for unknown ids) are no-ops. Ids of cancelled turns are retained
// so late frames can still be identified and dropped.
type Turns struct {
	metrics *observe.Metrics

	mu        sync.Mutex
	turns     map[string]*turn
	cancelled map[string]struct{}
}

type turn struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// TurnsOption configures a Turns registry.
type TurnsOption func(*Turns)

// WithTurnsMetrics sets the metrics instance feeding the in-flight turn
// gauge. Default: [observe.DefaultMetrics].
func WithTurnsMetrics(m *observe.Metrics) TurnsOption {
	return func(t *Turns) {
		if m != nil {
			t.metrics = m
		}
	}
}

// NewTurns returns an empty registry.
func NewTurns(opts ...TurnsOption) *Turns {
	t := &Turns{
		metrics:   observe.DefaultMetrics(),
		turns:     make(map[string]*turn),
		cancelled: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Begin registers a new turn and returns its id along with a context derived
// from parent that is cancelled when the turn is cancelled.
func (t *Turns) Begin(parent context.Context) (string, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	t.mu.Lock()
	t.turns[id] = &turn{ctx: ctx, cancel: cancel}
	t.mu.Unlock()
	t.metrics.ActiveTurns.Add(parent, 1)
	return id, ctx
}

// Context returns the turn's context. For cancelled turns this is the
// already-cancelled context; for unknown ids it is the Background context so
// callers always get a usable value.
func (t *Turns) Context(id string) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.turns[id]; ok {
		return tr.ctx
	}
	return context.Background()
}

// Cancel cancels the turn and reports whether this call was the one that
// cancelled it. Repeated calls and unknown ids report false.
func (t *Turns) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.turns[id]
	if !ok {
		return false
	}
	if _, done := t.cancelled[id]; done {
		return false
	}
	t.cancelled[id] = struct{}{}
	tr.cancel()
	t.metrics.ActiveTurns.Add(context.Background(), -1)
	return true
}

// Cancelled reports whether the turn has been cancelled.
func (t *Turns) Cancelled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancelled[id]
	return ok
}

// Finish releases a turn that completed normally, freeing its context
// resources. Cancelled turns remain registered so their frames keep being
// recognised as superseded.
func (t *Turns) Finish(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, done := t.cancelled[id]; done {
		return
	}
	if tr, ok := t.turns[id]; ok {
		delete(t.turns, id)
		tr.cancel()
		t.metrics.ActiveTurns.Add(context.Background(), -1)
	}
}

// CancelAll cancels every turn that is not already cancelled. Used during
// session shutdown.
func (t *Turns) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tr := range t.turns {
		if _, done := t.cancelled[id]; done {
			continue
		}
		t.cancelled[id] = struct{}{}
		tr.cancel()
		t.metrics.ActiveTurns.Add(context.Background(), -1)
	}
}

// ActiveCount returns the number of turns that are neither finished nor
// cancelled.
func (t *Turns) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns) - len(t.cancelled)
}
