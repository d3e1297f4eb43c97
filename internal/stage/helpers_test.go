package stage

import (
	"io"
	"log/slog"

	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/pkg/audio"
)

// frameLog collects a stage's emissions. Stages run on a single goroutine, so
// plain slices are fine for everything except tests that call Process
// concurrently (those build channel-backed outputs inline).
type frameLog struct {
	down []pipeline.Frame
	up   []pipeline.Frame
}

func (l *frameLog) output() *pipeline.Output {
	return pipeline.NewOutput(
		func(f pipeline.Frame) { l.down = append(l.down, f) },
		func(f pipeline.Frame) { l.up = append(l.up, f) },
	)
}

func (l *frameLog) downKinds() []pipeline.Kind {
	kinds := make([]pipeline.Kind, len(l.down))
	for i, f := range l.down {
		kinds[i] = f.Kind
	}
	return kinds
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func audioChunk(data []byte) pipeline.Frame {
	return pipeline.Frame{
		Kind:  pipeline.KindAudioChunk,
		Audio: audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1},
	}
}
