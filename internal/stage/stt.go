package stage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/pkg/provider/stt"
)

const (
	defaultFinalizeTimeout = 10 * time.Second

	// maxUtteranceDur caps the buffered utterance length. A monologue longer
	// than this is finalized early so memory stays bounded and the speaker
	// gets a response at all.
	maxUtteranceDur = 30 * time.Second
)

// Compile-time interface check.
var _ pipeline.Stage = (*STT)(nil)

// STTOption configures the STT stage.
type STTOption func(*STT)

// WithFinalizeTimeout bounds each finalization call. Default: 10s.
func WithFinalizeTimeout(d time.Duration) STTOption {
	return func(s *STT) {
		if d > 0 {
			s.finalizeTimeout = d
		}
	}
}

// WithSTTLogger sets the structured logger.
func WithSTTLogger(log *slog.Logger) STTOption {
	return func(s *STT) {
		s.log = log
	}
}

// WithSTTMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithSTTMetrics(m *observe.Metrics) STTOption {
	return func(s *STT) {
		s.metrics = m
	}
}

// STT buffers gated audio between speech boundaries and finalizes each
// utterance into one transcript frame tagged with a fresh turn id.
//
// Finalization is the pipeline's main suspension point: it blocks the
// dispatch goroutine on the provider call, but the call runs on the turn's
// context, so session shutdown unwinds it. The speaker's own continued
// speech never cancels a finalization in progress.
type STT struct {
	log             *slog.Logger
	provider        stt.Provider
	cfg             stt.Config
	turns           *pipeline.Turns
	metrics         *observe.Metrics
	finalizeTimeout time.Duration

	buf       []byte
	buffering bool
	maxBytes  int
}

// NewSTT creates the finalization stage. turns must be the task's registry so
// the turn ids minted here are cancellable by the session controller.
func NewSTT(provider stt.Provider, cfg stt.Config, turns *pipeline.Turns, opts ...STTOption) *STT {
	s := &STT{
		log:             slog.Default(),
		provider:        provider,
		cfg:             cfg,
		turns:           turns,
		metrics:         observe.DefaultMetrics(),
		finalizeTimeout: defaultFinalizeTimeout,
		maxBytes:        cfg.SampleRate * cfg.Channels * 2 * int(maxUtteranceDur/time.Second),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [pipeline.Stage].
func (s *STT) Name() string {
	return "stt"
}

// Process implements [pipeline.Stage].
func (s *STT) Process(ctx context.Context, f pipeline.Frame, out *pipeline.Output) error {
	switch f.Kind {
	case pipeline.KindSpeechStart:
		s.buffering = true
		s.buf = s.buf[:0]
		return nil

	case pipeline.KindAudioChunk:
		if !s.buffering {
			return nil
		}
		s.buf = append(s.buf, f.Audio.Data...)
		if s.maxBytes > 0 && len(s.buf) >= s.maxBytes {
			s.log.Warn("utterance cap reached, finalizing early",
				slog.Int("bytes", len(s.buf)))
			s.finalize(ctx, out)
		}
		return nil

	case pipeline.KindSpeechStop:
		s.finalize(ctx, out)
		return nil

	case pipeline.KindSessionEnd:
		s.buffering = false
		s.buf = nil
		out.Down(f)
		return nil

	default:
		out.Down(f)
		return nil
	}
}

// finalize submits the buffered utterance to the provider and emits the
// transcript frame for a fresh turn.
func (s *STT) finalize(ctx context.Context, out *pipeline.Output) {
	pcm := make([]byte, len(s.buf))
	copy(pcm, s.buf)
	s.buf = s.buf[:0]
	s.buffering = false

	if len(pcm) == 0 {
		return
	}

	turnID, turnCtx := s.turns.Begin(ctx)
	callCtx, cancel := context.WithTimeout(turnCtx, s.finalizeTimeout)
	defer cancel()
	callCtx, span := observe.StartSpan(callCtx, "stt.finalize", observe.SpanTurn(turnID))
	defer span.End()

	start := time.Now()
	tr, err := s.provider.Finalize(callCtx, pcm, s.cfg)
	s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		// Shutdown cancellation is silent; everything else degrades to an
		// error-marked empty transcript so the turn is acknowledged instead
		// of vanishing.
		if turnCtx.Err() != nil || errors.Is(err, context.Canceled) {
			s.turns.Finish(turnID)
			return
		}
		s.log.Error("finalization failed",
			slog.String("turn", turnID),
			slog.Any("error", err))
		s.metrics.RecordProviderError(ctx, "stt", "finalize")
		errFrame := pipeline.Frame{Kind: pipeline.KindTranscript, Turn: turnID, Err: err}
		out.Up(errFrame)
		out.Down(errFrame)
		return
	}

	if tr.Text == "" {
		// The provider heard nothing intelligible; no turn to run.
		s.turns.Finish(turnID)
		return
	}

	s.log.Info("utterance finalized",
		slog.String("turn", turnID),
		slog.Float64("confidence", tr.Confidence),
		slog.Duration("audio", tr.Duration))
	s.metrics.RecordProviderRequest(ctx, "stt", "finalize", "ok")
	frame := pipeline.Frame{
		Kind:       pipeline.KindTranscript,
		Turn:       turnID,
		Text:       tr.Text,
		Confidence: tr.Confidence,
	}
	// The controller learns the new turn id from the upstream copy before
	// any downstream work for the turn begins.
	out.Up(frame)
	out.Down(frame)
}
