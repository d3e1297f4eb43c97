package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

// funcStage adapts a function to the Stage interface for tests.
type funcStage struct {
	name string
	fn   func(ctx context.Context, f Frame, out *Output) error
}

func (s *funcStage) Name() string { return s.name }

func (s *funcStage) Process(ctx context.Context, f Frame, out *Output) error {
	return s.fn(ctx, f, out)
}

// passthrough forwards every frame unchanged.
func passthrough(name string) *funcStage {
	return &funcStage{name: name, fn: func(_ context.Context, f Frame, out *Output) error {
		out.Down(f)
		return nil
	}}
}

// startTask runs the task until the test ends and returns a cancel for the
// run context.
func startTask(t *testing.T, task *Task) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("task did not stop")
		}
	})
}

// recvFrame receives one frame or fails the test.
func recvFrame(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestTask_DeliversDataFramesInOrder(t *testing.T) {
	sunk := make(chan Frame, 16)
	task := New(
		[]Stage{passthrough("a"), passthrough("b")},
		WithSink(func(f Frame) { sunk <- f }),
	)
	startTask(t, task)

	texts := []string{"one", "two", "three"}
	for _, s := range texts {
		if err := task.QueueFrame(Frame{Kind: KindTranscript, Text: s}); err != nil {
			t.Fatalf("QueueFrame(%q): %v", s, err)
		}
	}

	var lastSeq uint64
	for _, want := range texts {
		f := recvFrame(t, sunk)
		if f.Text != want {
			t.Errorf("frame text = %q, want %q", f.Text, want)
		}
		if f.Seq <= lastSeq {
			t.Errorf("seq %d not increasing after %d", f.Seq, lastSeq)
		}
		lastSeq = f.Seq
	}
}

func TestTask_StageEmissionOrderIsPreserved(t *testing.T) {
	// A stage that fans one frame out into three; the sink must see them in
	// emission order even though dispatch recurses per frame.
	fanout := &funcStage{name: "fanout", fn: func(_ context.Context, f Frame, out *Output) error {
		for _, s := range []string{"x", "y", "z"} {
			out.Down(Frame{Kind: KindLLMDelta, Text: s})
		}
		return nil
	}}

	sunk := make(chan Frame, 16)
	task := New(
		[]Stage{fanout, passthrough("tail")},
		WithSink(func(f Frame) { sunk <- f }),
	)
	startTask(t, task)

	if err := task.QueueFrame(Frame{Kind: KindLLMRequest}); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}
	for _, want := range []string{"x", "y", "z"} {
		if f := recvFrame(t, sunk); f.Text != want {
			t.Errorf("frame text = %q, want %q", f.Text, want)
		}
	}
}

func TestTask_ControlFramesPreemptDataBacklog(t *testing.T) {
	seen := make(chan Kind, 16)
	record := &funcStage{name: "record", fn: func(_ context.Context, f Frame, out *Output) error {
		seen <- f.Kind
		out.Down(f)
		return nil
	}}
	task := New([]Stage{record})

	// Queue a data backlog and a control frame before the loop starts.
	for range 3 {
		if err := task.QueueFrame(Frame{Kind: KindAudioChunk}); err != nil {
			t.Fatalf("QueueFrame: %v", err)
		}
	}
	if err := task.QueueControl(Frame{Kind: KindSessionStart}); err != nil {
		t.Fatalf("QueueControl: %v", err)
	}

	startTask(t, task)

	if first := <-seen; first != KindSessionStart {
		t.Errorf("first dispatched kind = %s, want SESSION_START", first)
	}
}

func TestQueueFrame_RejectsControlKinds(t *testing.T) {
	task := New([]Stage{passthrough("a")})
	err := task.QueueFrame(Frame{Kind: KindInterrupt})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("QueueFrame(interrupt) error = %v, want ErrProtocol", err)
	}
}

func TestQueueControl_RejectsDataKinds(t *testing.T) {
	task := New([]Stage{passthrough("a")})
	err := task.QueueControl(Frame{Kind: KindTranscript})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("QueueControl(transcript) error = %v, want ErrProtocol", err)
	}
}

func TestInterrupt_CancelsTurnSynchronously(t *testing.T) {
	// Cancellation happens at queue time, before the dispatch goroutine ever
	// sees the frame — the task is deliberately not running here.
	task := New([]Stage{passthrough("a")})
	id, turnCtx := task.Turns().Begin(context.Background())

	if err := task.QueueControl(Frame{Kind: KindInterrupt, Turn: id}); err != nil {
		t.Fatalf("QueueControl: %v", err)
	}
	if turnCtx.Err() == nil {
		t.Error("turn context not cancelled when QueueControl returned")
	}
}

func TestInterrupt_RepeatForSameTurnIsAbsorbed(t *testing.T) {
	task := New([]Stage{passthrough("a")})
	id, _ := task.Turns().Begin(context.Background())

	if err := task.QueueControl(Frame{Kind: KindInterrupt, Turn: id}); err != nil {
		t.Fatalf("first interrupt: %v", err)
	}
	if err := task.QueueControl(Frame{Kind: KindInterrupt, Turn: id}); err != nil {
		t.Fatalf("repeated interrupt: %v", err)
	}
	// Only the first interrupt was enqueued.
	if got := len(task.control); got != 1 {
		t.Errorf("control queue length = %d, want 1", got)
	}
}

func TestInterrupt_UnknownTurnIsAbsorbed(t *testing.T) {
	task := New([]Stage{passthrough("a")})
	if err := task.QueueControl(Frame{Kind: KindInterrupt, Turn: "ghost"}); err != nil {
		t.Fatalf("QueueControl: %v", err)
	}
	if got := len(task.control); got != 0 {
		t.Errorf("control queue length = %d, want 0", got)
	}
}

func TestTask_DropsFramesOfCancelledTurn(t *testing.T) {
	sunk := make(chan Frame, 16)
	task := New(
		[]Stage{passthrough("a")},
		WithSink(func(f Frame) { sunk <- f }),
	)
	startTask(t, task)

	id, _ := task.Turns().Begin(context.Background())
	task.Turns().Cancel(id)

	if err := task.QueueFrame(Frame{Kind: KindLLMComplete, Turn: id, Text: "late"}); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}
	// The stop marker is exempt from the drop and proves ordering: if the
	// cancelled frame had survived it would arrive first.
	if err := task.QueueFrame(Frame{Kind: KindBotStopped, Turn: id}); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}

	if f := recvFrame(t, sunk); f.Kind != KindBotStopped {
		t.Errorf("sink received %s, want BOT_STOPPED", f.Kind)
	}
}

func TestSessionEnd_RejectsNewDataImmediately(t *testing.T) {
	task := New([]Stage{passthrough("a")})

	if err := task.QueueControl(Frame{Kind: KindSessionEnd}); err != nil {
		t.Fatalf("QueueControl: %v", err)
	}
	if got := task.State(); got != StateDraining {
		t.Errorf("state = %s, want draining", got)
	}

	err := task.QueueFrame(Frame{Kind: KindAudioChunk})
	if !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("QueueFrame after session end error = %v, want ErrSessionTerminated", err)
	}
}

func TestSessionEnd_StopsRunLoop(t *testing.T) {
	task := New([]Stage{passthrough("a")})
	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()

	if err := task.QueueControl(Frame{Kind: KindSessionEnd, Reason: "test"}); err != nil {
		t.Fatalf("QueueControl: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after session end")
	}

	if got := task.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	select {
	case <-task.Done():
	default:
		t.Error("Done not closed after Run returned")
	}
	if err := task.QueueControl(Frame{Kind: KindSessionEnd}); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("QueueControl on closed task error = %v, want ErrSessionTerminated", err)
	}
}

func TestSessionEnd_GraceTimeoutCancelsRemainingTurns(t *testing.T) {
	task := New([]Stage{passthrough("a")}, WithGraceTimeout(20*time.Millisecond))
	_, turnCtx := task.Turns().Begin(context.Background())

	if err := task.QueueControl(Frame{Kind: KindSessionEnd}); err != nil {
		t.Fatalf("QueueControl: %v", err)
	}

	select {
	case <-turnCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("grace timer did not cancel the in-flight turn")
	}
}

func TestRun_ContextCancellationCancelsTurns(t *testing.T) {
	task := New([]Stage{passthrough("a")})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	_, turnCtx := task.Turns().Begin(ctx)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancel")
	}
	if turnCtx.Err() == nil {
		t.Error("turn context not cancelled on shutdown")
	}
}

func TestTask_UpstreamFramesReachObserver(t *testing.T) {
	observed := make(chan Frame, 16)
	emitUp := &funcStage{name: "emit", fn: func(_ context.Context, f Frame, out *Output) error {
		out.Up(Frame{Kind: KindSpeechStart})
		out.Down(f)
		return nil
	}}
	task := New(
		[]Stage{emitUp},
		WithObserver(func(f Frame) { observed <- f }),
	)
	startTask(t, task)

	if err := task.QueueFrame(Frame{Kind: KindAudioChunk}); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}

	f := recvFrame(t, observed)
	if f.Kind != KindSpeechStart {
		t.Errorf("observed kind = %s, want SPEECH_START", f.Kind)
	}
	if f.Seq == 0 {
		t.Error("upstream frame has no sequence number")
	}
}

func TestTask_StageErrorDoesNotStopLoop(t *testing.T) {
	calls := make(chan struct{}, 4)
	failing := &funcStage{name: "fail", fn: func(_ context.Context, f Frame, out *Output) error {
		calls <- struct{}{}
		return errors.New("boom")
	}}

	task := New([]Stage{failing})
	startTask(t, task)

	if err := task.QueueFrame(Frame{Kind: KindAudioChunk}); err != nil {
		t.Fatalf("QueueFrame: %v", err)
	}
	if err := task.QueueFrame(Frame{Kind: KindAudioChunk}); err != nil {
		t.Fatalf("QueueFrame after stage error: %v", err)
	}
	// Both frames must be dispatched despite the first error.
	for range 2 {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("stage not called for every queued frame")
		}
	}
}
