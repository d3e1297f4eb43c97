package stage

import (
	"context"
	"log/slog"

	"github.com/voxloop/voxloop/internal/archive"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/types"
)

// Compile-time interface check.
var _ pipeline.Stage = (*TranscriptLogger)(nil)

// TranscriptLoggerOption configures the logger stage.
type TranscriptLoggerOption func(*TranscriptLogger)

// WithCorrector applies phonetic vocabulary correction to transcripts before
// they continue downstream.
func WithCorrector(c *transcript.Corrector) TranscriptLoggerOption {
	return func(s *TranscriptLogger) {
		s.corrector = c
	}
}

// WithArchive persists user transcripts to the given store. Append failures
// are logged and do not affect the turn.
func WithArchive(store archive.Store) TranscriptLoggerOption {
	return func(s *TranscriptLogger) {
		s.store = store
	}
}

// WithTranscriptLogger sets the structured logger.
func WithTranscriptLogger(log *slog.Logger) TranscriptLoggerOption {
	return func(s *TranscriptLogger) {
		s.log = log
	}
}

// TranscriptLogger observes finalized transcripts: it logs them, optionally
// corrects domain vocabulary, optionally archives them, and passes them on.
// Everything else flows through untouched.
type TranscriptLogger struct {
	log       *slog.Logger
	sessionID string
	corrector *transcript.Corrector
	store     archive.Store
}

// NewTranscriptLogger creates the observer stage for one session.
func NewTranscriptLogger(sessionID string, opts ...TranscriptLoggerOption) *TranscriptLogger {
	s := &TranscriptLogger{
		log:       slog.Default(),
		sessionID: sessionID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [pipeline.Stage].
func (s *TranscriptLogger) Name() string {
	return "transcript"
}

// Process implements [pipeline.Stage].
func (s *TranscriptLogger) Process(ctx context.Context, f pipeline.Frame, out *pipeline.Output) error {
	if f.Kind != pipeline.KindTranscript {
		out.Down(f)
		return nil
	}

	if f.Err != nil {
		s.log.Warn("transcript errored",
			slog.String("session_id", s.sessionID),
			slog.String("turn", f.Turn),
			slog.Any("error", f.Err))
		out.Down(f)
		return nil
	}

	if s.corrector != nil {
		corrected, fixes := s.corrector.Correct(f.Text)
		for _, fix := range fixes {
			s.log.Debug("vocabulary correction",
				slog.String("turn", f.Turn),
				slog.String("original", fix.Original),
				slog.String("corrected", fix.Corrected),
				slog.Float64("confidence", fix.Confidence))
		}
		f.Text = corrected
	}

	s.log.Info("transcript",
		slog.String("session_id", s.sessionID),
		slog.String("turn", f.Turn),
		slog.String("text", f.Text),
		slog.Float64("confidence", f.Confidence))

	if s.store != nil {
		entry := archive.Entry{
			SessionID:  s.sessionID,
			Turn:       f.Turn,
			Role:       types.RoleUser,
			Text:       f.Text,
			Confidence: f.Confidence,
		}
		if err := s.store.Append(ctx, entry); err != nil {
			s.log.Warn("archiving transcript",
				slog.String("turn", f.Turn),
				slog.Any("error", err))
		}
	}

	out.Down(f)
	return nil
}
