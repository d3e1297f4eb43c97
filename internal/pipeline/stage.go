package pipeline

import "context"

// Output delivers the frames a stage emits while processing one input frame.
// Delivery is immediate and synchronous: a downstream frame runs through the
// remaining stages before Down returns, so a stage that consumes a provider
// stream can push audio toward the transport chunk by chunk instead of
// buffering a whole utterance. Upstream frames go to the task's observer
// (typically the session controller) without traversing the chain again.
type Output struct {
	down func(Frame)
	up   func(Frame)
}

// Down sends f through the stages after the current one.
func (o *Output) Down(f Frame) {
	if o.down != nil {
		o.down(f)
	}
}

// Up delivers f to the task's upstream observer.
func (o *Output) Up(f Frame) {
	if o.up != nil {
		o.up(f)
	}
}

// NewOutput builds an Output from explicit delivery functions. Intended for
// stage tests; the task wires its own.
func NewOutput(down, up func(Frame)) *Output {
	return &Output{down: down, up: up}
}

// Stage is one processing step in a session pipeline.
//
// Process is called from the task's single dispatch goroutine, so stages
// never see concurrent calls and may keep unguarded state. A stage that does
// not handle a frame's kind must forward it unchanged via out.Down so control
// frames and foreign data reach later stages. Blocking work (provider calls)
// must honour ctx, which the task cancels on interruption and shutdown.
//
// A returned error classifies the failure via the package sentinels; the task
// logs it and drops the frame. Stages that can degrade gracefully (fallback
// utterances, empty transcripts) should do so themselves and return nil.
type Stage interface {
	// Name identifies the stage in logs.
	Name() string

	// Process handles one frame, emitting results on out.
	Process(ctx context.Context, f Frame, out *Output) error
}
