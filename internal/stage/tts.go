package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

// Compile-time interface check.
var _ pipeline.Stage = (*TTS)(nil)

// TTSOption configures the synthesis stage.
type TTSOption func(*TTS)

// WithTTSLogger sets the structured logger.
func WithTTSLogger(log *slog.Logger) TTSOption {
	return func(s *TTS) {
		s.log = log
	}
}

// WithTTSMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithTTSMetrics(m *observe.Metrics) TTSOption {
	return func(s *TTS) {
		s.metrics = m
	}
}

// TTS speaks each completed response: it synthesizes the whole utterance as
// one provider stream and pushes audio frames downstream chunk by chunk as
// they arrive, so playback starts before synthesis ends.
//
// The stream runs on the turn's context. Barge-in cancels that context,
// the stream unwinds, and the stage emits a single stop marker instead of
// forwarding the response text — an interrupted turn never reaches the
// history aggregator behind this stage.
type TTS struct {
	log        *slog.Logger
	provider   tts.Provider
	voice      types.VoiceProfile
	turns      *pipeline.Turns
	metrics    *observe.Metrics
	sampleRate int
}

// NewTTS creates the synthesis stage. sampleRate must match the PCM format
// the provider is configured to emit.
func NewTTS(provider tts.Provider, voice types.VoiceProfile, sampleRate int, turns *pipeline.Turns, opts ...TTSOption) *TTS {
	s := &TTS{
		log:        slog.Default(),
		provider:   provider,
		voice:      voice,
		turns:      turns,
		metrics:    observe.DefaultMetrics(),
		sampleRate: sampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [pipeline.Stage].
func (s *TTS) Name() string {
	return "tts"
}

// Process implements [pipeline.Stage].
func (s *TTS) Process(ctx context.Context, f pipeline.Frame, out *pipeline.Output) error {
	if f.Kind != pipeline.KindLLMComplete {
		out.Down(f)
		return nil
	}

	turnCtx := s.turns.Context(f.Turn)
	synthCtx, span := observe.StartSpan(turnCtx, "tts.synthesize", observe.SpanTurn(f.Turn))
	defer span.End()

	textCh := make(chan string, 1)
	textCh <- f.Text
	close(textCh)

	start := time.Now()
	audioCh, err := s.provider.SynthesizeStream(synthCtx, textCh, s.voice)
	if err != nil {
		// Nothing to speak; keep the response in history regardless so a
		// transport hiccup does not erase what was said.
		s.metrics.RecordProviderError(ctx, "tts", "synthesize")
		out.Down(f)
		return fmt.Errorf("stage: tts: %w", pipeline.Fatal(err))
	}

	first := true
	var played time.Duration
	for chunk := range audioCh {
		if first {
			s.metrics.TimeToFirstAudio.Record(ctx, time.Since(start).Seconds())
			// Payload-free upstream marker: the turn has entered playback.
			out.Up(pipeline.Frame{Kind: pipeline.KindSynthesizedAudio, Turn: f.Turn})
			first = false
		}
		frame := audio.AudioFrame{
			Data:       chunk,
			SampleRate: s.sampleRate,
			Channels:   1,
			Timestamp:  played,
		}
		played += frame.Duration()
		out.Down(pipeline.Frame{
			Kind:  pipeline.KindSynthesizedAudio,
			Turn:  f.Turn,
			Audio: frame,
		})
	}
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())

	if turnCtx.Err() != nil {
		// Interrupted mid-utterance: stop cleanly, forward nothing else.
		s.log.Info("synthesis interrupted", slog.String("turn", f.Turn))
		s.metrics.RecordTurn(ctx, "interrupted")
		stopped := pipeline.Frame{Kind: pipeline.KindBotStopped, Turn: f.Turn}
		out.Up(stopped)
		out.Down(stopped)
		return nil
	}

	s.metrics.RecordProviderRequest(ctx, "tts", "synthesize", "ok")
	if !f.Canned {
		s.metrics.RecordTurn(ctx, "completed")
	}
	// Upstream copy tells the controller the turn finished speaking.
	out.Up(f)
	out.Down(f)
	return nil
}
