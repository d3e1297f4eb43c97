package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunner_WaitReturnsNilOnCleanSessionEnd(t *testing.T) {
	task := New([]Stage{passthrough("a")})

	r := NewRunner(context.Background())
	r.RunTask(task)

	if err := task.QueueControl(Frame{Kind: KindSessionEnd}); err != nil {
		t.Fatalf("QueueControl: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after session end")
	}
}

func TestRunner_FirstErrorCancelsTheGroup(t *testing.T) {
	boom := errors.New("feeder failed")
	r := NewRunner(context.Background())

	r.Go(func(context.Context) error { return boom })
	r.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("sibling never cancelled")
		}
	})

	if err := r.Wait(); !errors.Is(err, boom) {
		t.Errorf("Wait = %v, want the first error", err)
	}
}

func TestRunner_ParentCancellationStopsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := New([]Stage{passthrough("a")})

	r := NewRunner(ctx)
	r.RunTask(task)

	cancel()

	done := make(chan error, 1)
	go func() { done <- r.Wait() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after parent cancel")
	}

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not wind down")
	}
}
