package stage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/pkg/provider/llm"
)

const (
	defaultGenerateTimeout = 30 * time.Second
	defaultRetryBackoff    = 500 * time.Millisecond
)

// Compile-time interface check.
var _ pipeline.Stage = (*LLM)(nil)

// LLMOption configures the generation stage.
type LLMOption func(*LLM)

// WithGenerateTimeout bounds each generation attempt. Default: 30s.
func WithGenerateTimeout(d time.Duration) LLMOption {
	return func(s *LLM) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetryBackoff sets the pause before the single retry. Default: 500ms.
func WithRetryBackoff(d time.Duration) LLMOption {
	return func(s *LLM) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

// WithTemperature sets the sampling temperature passed to the provider.
func WithTemperature(t float64) LLMOption {
	return func(s *LLM) {
		s.temperature = t
	}
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) LLMOption {
	return func(s *LLM) {
		s.maxTokens = n
	}
}

// WithLLMLogger sets the structured logger.
func WithLLMLogger(log *slog.Logger) LLMOption {
	return func(s *LLM) {
		s.log = log
	}
}

// WithLLMMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithLLMMetrics(m *observe.Metrics) LLMOption {
	return func(s *LLM) {
		s.metrics = m
	}
}

// LLM turns a history snapshot into a streamed response: delta frames while
// tokens arrive, then one complete frame carrying the full text.
//
// A failed attempt is retried once after a short backoff; a second failure
// degrades the turn to the spoken fallback line so the user hears something
// rather than dead air, with the history left untouched by the failure.
// Interruption cancels the turn context, which aborts the stream and emits
// nothing at all.
type LLM struct {
	log         *slog.Logger
	provider    llm.Provider
	turns       *pipeline.Turns
	metrics     *observe.Metrics
	timeout     time.Duration
	backoff     time.Duration
	temperature float64
	maxTokens   int
}

// NewLLM creates the generation stage.
func NewLLM(provider llm.Provider, turns *pipeline.Turns, opts ...LLMOption) *LLM {
	s := &LLM{
		log:      slog.Default(),
		provider: provider,
		turns:    turns,
		metrics:  observe.DefaultMetrics(),
		timeout:  defaultGenerateTimeout,
		backoff:  defaultRetryBackoff,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [pipeline.Stage].
func (s *LLM) Name() string {
	return "llm"
}

// Process implements [pipeline.Stage].
func (s *LLM) Process(ctx context.Context, f pipeline.Frame, out *pipeline.Output) error {
	if f.Kind != pipeline.KindLLMRequest {
		out.Down(f)
		return nil
	}

	turnCtx := s.turns.Context(f.Turn)
	req := llm.CompletionRequest{
		Messages:    f.Messages,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}

	genCtx, span := observe.StartSpan(turnCtx, "llm.generate", observe.SpanTurn(f.Turn))
	start := time.Now()
	text, err := s.generate(genCtx, f, req, out)
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	span.End()

	if turnCtx.Err() != nil {
		// Superseded or shutting down: no partial trace.
		s.log.Debug("generation cancelled", slog.String("turn", f.Turn))
		return nil
	}
	if err != nil {
		s.log.Error("generation failed after retry",
			slog.String("turn", f.Turn),
			slog.Any("error", err))
		s.metrics.RecordProviderError(ctx, "llm", "stream")
		out.Down(pipeline.Frame{
			Kind:   pipeline.KindLLMComplete,
			Turn:   f.Turn,
			Text:   prompt.Fallback,
			Canned: true,
		})
		s.metrics.RecordTurn(ctx, "degraded")
		return nil
	}

	s.metrics.RecordProviderRequest(ctx, "llm", "stream", "ok")
	out.Down(pipeline.Frame{Kind: pipeline.KindLLMComplete, Turn: f.Turn, Text: text})
	return nil
}

// generate runs up to two streaming attempts and returns the full response
// text. Cancellation short-circuits the retry.
func (s *LLM) generate(turnCtx context.Context, f pipeline.Frame, req llm.CompletionRequest, out *pipeline.Output) (string, error) {
	text, err := s.attempt(turnCtx, f, req, out)
	if err == nil || turnCtx.Err() != nil {
		return text, err
	}

	s.log.Warn("generation attempt failed, retrying",
		slog.String("turn", f.Turn),
		slog.Any("error", err))
	s.metrics.RecordProviderRequest(turnCtx, "llm", "stream", "retry")

	select {
	case <-time.After(s.backoff):
	case <-turnCtx.Done():
		return "", turnCtx.Err()
	}
	return s.attempt(turnCtx, f, req, out)
}

// attempt runs one streaming call, emitting delta frames as tokens arrive.
func (s *LLM) attempt(turnCtx context.Context, f pipeline.Frame, req llm.CompletionRequest, out *pipeline.Output) (string, error) {
	callCtx, cancel := context.WithTimeout(turnCtx, s.timeout)
	defer cancel()

	ch, err := s.provider.StreamCompletion(callCtx, req)
	if err != nil {
		return "", pipeline.Transient(err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			if cause := callCtx.Err(); cause != nil {
				return "", pipeline.Transient(cause)
			}
			return "", pipeline.Transient(errors.New("stream aborted by provider"))
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		out.Down(pipeline.Frame{Kind: pipeline.KindLLMDelta, Turn: f.Turn, Text: chunk.Text})
	}
	if callCtx.Err() != nil && turnCtx.Err() == nil {
		// Per-attempt timeout: recoverable.
		return "", pipeline.Transient(callCtx.Err())
	}
	if turnCtx.Err() != nil {
		return "", turnCtx.Err()
	}
	return sb.String(), nil
}
