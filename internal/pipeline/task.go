package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
)

const (
	defaultQueueSize    = 256
	defaultGraceTimeout = 3 * time.Second
)

// State is the lifecycle phase of a Task.
type State int

const (
	// StateRunning accepts and processes frames normally.
	StateRunning State = iota
	// StateDraining rejects new data frames while in-flight work finishes.
	StateDraining
	// StateClosed rejects everything; the run loop has returned.
	StateClosed
)

// String returns the state's log name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Task.
type Option func(*Task)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(t *Task) {
		t.log = log
	}
}

// WithSink sets the callback invoked with every frame that traverses the full
// stage chain. The sink runs on the dispatch goroutine and must not block
// indefinitely.
func WithSink(sink func(Frame)) Option {
	return func(t *Task) {
		t.sink = sink
	}
}

// WithObserver sets the callback invoked with every upstream frame. The
// session controller uses this to react to speech boundaries with
// interruptions. The observer runs on the dispatch goroutine; it may call
// QueueControl but must not call QueueFrame synchronously.
func WithObserver(observe func(Frame)) Option {
	return func(t *Task) {
		t.observe = observe
	}
}

// WithTurns shares a pre-built turn registry between the task and the stages
// that were constructed before it.
func WithTurns(turns *Turns) Option {
	return func(t *Task) {
		if turns != nil {
			t.turns = turns
		}
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Task) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithGraceTimeout bounds how long the drain phase may run after a session
// end before remaining work is cancelled.
func WithGraceTimeout(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.grace = d
		}
	}
}

// WithQueueSize sets the data channel capacity.
func WithQueueSize(n int) Option {
	return func(t *Task) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// Task drives one session's stage chain from a single goroutine.
//
// Data frames queue on a bounded channel and are dispatched in order through
// the stages; control frames queue separately and are always scheduled ahead
// of pending data. Interrupts additionally cancel the target turn's context
// at queue time, before the dispatch goroutine ever sees the frame, so a
// provider call blocked inside a stage unwinds immediately.
type Task struct {
	log       *slog.Logger
	stages    []Stage
	turns     *Turns
	metrics   *observe.Metrics
	sink      func(Frame)
	observe   func(Frame)
	grace     time.Duration
	queueSize int

	data    chan Frame
	control chan Frame
	done    chan struct{}

	mu         sync.Mutex
	state      State
	seqDown    uint64
	seqUp      uint64
	graceTimer *time.Timer

	closeOnce sync.Once
}

// New creates a Task over the given stage chain. Run must be called before
// queued frames are processed.
func New(stages []Stage, opts ...Option) *Task {
	t := &Task{
		log:       slog.Default(),
		stages:    stages,
		turns:     NewTurns(),
		metrics:   observe.DefaultMetrics(),
		grace:     defaultGraceTimeout,
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.data = make(chan Frame, t.queueSize)
	t.control = make(chan Frame, 64)
	return t
}

// Turns exposes the task's turn registry so stages and the session controller
// share one view of turn lifecycles.
func (t *Task) Turns() *Turns {
	return t.turns
}

// State returns the current lifecycle phase.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the run loop has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// QueueFrame submits a data frame for in-order processing. It fails with
// ErrSessionTerminated once the session is draining or closed.
func (t *Task) QueueFrame(f Frame) error {
	if f.Kind.Control() {
		return fmt.Errorf("pipeline: %w: control frame %s on data queue", ErrProtocol, f.Kind)
	}
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("pipeline: queue %s: %w", f.Kind, ErrSessionTerminated)
	}
	t.mu.Unlock()

	select {
	case t.data <- f:
		return nil
	case <-t.done:
		return fmt.Errorf("pipeline: queue %s: %w", f.Kind, ErrSessionTerminated)
	}
}

// QueueControl submits a control frame with priority scheduling.
//
// For KindInterrupt the target turn is cancelled here, synchronously, before
// the frame is enqueued; a repeated interrupt for an already-cancelled turn
// is absorbed without effect. For KindSessionEnd the task stops accepting
// data immediately and arms the grace timer that cancels whatever is still
// running when the deadline passes.
func (t *Task) QueueControl(f Frame) error {
	if !f.Kind.Control() {
		return fmt.Errorf("pipeline: %w: data frame %s on control queue", ErrProtocol, f.Kind)
	}

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return fmt.Errorf("pipeline: queue %s: %w", f.Kind, ErrSessionTerminated)
	}
	switch f.Kind {
	case KindInterrupt:
		if !t.turns.Cancel(f.Turn) {
			// Already cancelled or unknown: idempotent no-op.
			t.mu.Unlock()
			return nil
		}
	case KindSessionEnd:
		if t.state == StateDraining {
			t.mu.Unlock()
			return nil
		}
		t.state = StateDraining
		t.graceTimer = time.AfterFunc(t.grace, t.turns.CancelAll)
	}
	t.mu.Unlock()

	select {
	case t.control <- f:
		return nil
	case <-t.done:
		return fmt.Errorf("pipeline: queue %s: %w", f.Kind, ErrSessionTerminated)
	default:
		return fmt.Errorf("pipeline: %w: control queue full", ErrProtocol)
	}
}

// Run processes frames until the session ends or ctx is cancelled. It always
// leaves the task in StateClosed.
func (t *Task) Run(ctx context.Context) error {
	defer t.close()

	for {
		// Control frames preempt any backlog of data.
		select {
		case cf := <-t.control:
			if t.handleControl(ctx, cf) {
				t.drain(ctx)
				return nil
			}
			continue
		default:
		}

		select {
		case cf := <-t.control:
			if t.handleControl(ctx, cf) {
				t.drain(ctx)
				return nil
			}
		case df := <-t.data:
			t.dispatch(ctx, df, 0)
		case <-ctx.Done():
			t.turns.CancelAll()
			return ctx.Err()
		}
	}
}

// handleControl runs a control frame through the chain and reports whether it
// ended the session.
func (t *Task) handleControl(ctx context.Context, f Frame) bool {
	t.log.Debug("control frame",
		slog.String("kind", f.Kind.String()),
		slog.String("turn", f.Turn),
		slog.String("reason", f.Reason))
	t.dispatch(ctx, f, 0)
	return f.Kind == KindSessionEnd
}

// dispatch runs f through the stages starting at idx, recursing for every
// frame a stage emits downstream so emission order is preserved.
func (t *Task) dispatch(ctx context.Context, f Frame, idx int) {
	if f.Seq == 0 {
		f.Seq = t.nextSeq(&t.seqDown)
	}

	// Frames of a superseded turn are dropped wherever they surface. The
	// stop marker is exempt: it is how the cancellation reaches the sink.
	if f.Turn != "" && !f.Kind.Control() && f.Kind != KindBotStopped && t.turns.Cancelled(f.Turn) {
		t.log.Debug("dropping frame of cancelled turn",
			slog.String("kind", f.Kind.String()),
			slog.String("turn", f.Turn))
		t.metrics.RecordDroppedFrame(ctx, "superseded_turn")
		return
	}

	if idx >= len(t.stages) {
		if t.sink != nil {
			t.sink(f)
		}
		return
	}

	out := NewOutput(
		func(df Frame) {
			t.dispatch(ctx, df, idx+1)
		},
		func(uf Frame) {
			uf.Seq = t.nextSeq(&t.seqUp)
			if t.observe != nil {
				t.observe(uf)
			}
		},
	)
	if err := t.stages[idx].Process(ctx, f, out); err != nil {
		t.log.Error("stage error",
			slog.String("stage", t.stages[idx].Name()),
			slog.String("kind", f.Kind.String()),
			slog.String("turn", f.Turn),
			slog.Any("error", err))
	}
}

// drain empties the data backlog after a session end. Queued inbound frames
// are discarded; the grace timer armed at queue time bounds how long any
// still-running stage work may take.
func (t *Task) drain(ctx context.Context) {
	deadline := time.NewTimer(t.grace)
	defer deadline.Stop()
	for {
		select {
		case <-t.data:
			t.metrics.RecordDroppedFrame(ctx, "session_end")
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (t *Task) nextSeq(counter *uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	*counter++
	return *counter
}

// close transitions to StateClosed exactly once.
func (t *Task) close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateClosed
		if t.graceTimer != nil {
			t.graceTimer.Stop()
		}
		t.mu.Unlock()
		t.turns.CancelAll()
		close(t.done)
	})
}
