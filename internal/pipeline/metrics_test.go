package pipeline

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxloop/voxloop/internal/observe"
)

// newPipelineMetrics returns a Metrics instance backed by a ManualReader so
// the gauge and counter wiring can be inspected programmatically.
func newPipelineMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func readSum(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				sum, ok := sm.Metrics[i].Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("metric %q is not a sum", name)
				}
				return sum
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return metricdata.Sum[int64]{}
}

func TestTurns_GaugeFollowsTurnLifecycle(t *testing.T) {
	m, reader := newPipelineMetrics(t)
	turns := NewTurns(WithTurnsMetrics(m))
	ctx := context.Background()

	first, _ := turns.Begin(ctx)
	second, _ := turns.Begin(ctx)

	sum := readSum(t, reader, "voxloop.active_turns")
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Fatalf("active turns after two begins = %+v, want 2", sum.DataPoints)
	}

	turns.Finish(first)
	turns.Cancel(second)
	turns.Cancel(second) // absorbed; must not double-decrement

	sum = readSum(t, reader, "voxloop.active_turns")
	if sum.DataPoints[0].Value != 0 {
		t.Errorf("active turns after finish and cancel = %d, want 0", sum.DataPoints[0].Value)
	}
}

func TestTurns_GaugeDrainsOnCancelAll(t *testing.T) {
	m, reader := newPipelineMetrics(t)
	turns := NewTurns(WithTurnsMetrics(m))
	ctx := context.Background()

	turns.Begin(ctx)
	id, _ := turns.Begin(ctx)
	turns.Cancel(id)
	turns.CancelAll()

	sum := readSum(t, reader, "voxloop.active_turns")
	if sum.DataPoints[0].Value != 0 {
		t.Errorf("active turns after CancelAll = %d, want 0", sum.DataPoints[0].Value)
	}
}

func TestTask_CountsFramesDroppedForSupersededTurn(t *testing.T) {
	m, reader := newPipelineMetrics(t)
	turns := NewTurns(WithTurnsMetrics(m))
	sunk := make(chan Frame, 4)
	task := New(
		[]Stage{passthrough("a")},
		WithTurns(turns),
		WithMetrics(m),
		WithSink(func(f Frame) { sunk <- f }),
	)
	startTask(t, task)

	id, _ := turns.Begin(context.Background())
	turns.Cancel(id)

	if err := task.QueueFrame(Frame{Kind: KindTranscript, Turn: id, Text: "late"}); err != nil {
		t.Fatalf("QueueFrame(late): %v", err)
	}
	if err := task.QueueFrame(Frame{Kind: KindTranscript, Text: "fresh"}); err != nil {
		t.Fatalf("QueueFrame(fresh): %v", err)
	}

	if f := recvFrame(t, sunk); f.Text != "fresh" {
		t.Fatalf("sunk frame = %q, want the fresh one only", f.Text)
	}

	sum := readSum(t, reader, "voxloop.frames.dropped")
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "reason" && kv.Value.AsString() == "superseded_turn" {
				if dp.Value != 1 {
					t.Errorf("dropped frames = %d, want 1", dp.Value)
				}
				return
			}
		}
	}
	t.Error("no dropped-frame data point with reason=superseded_turn")
}
