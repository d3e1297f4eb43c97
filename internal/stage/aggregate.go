package stage

import (
	"context"
	"log/slog"

	"github.com/voxloop/voxloop/internal/archive"
	"github.com/voxloop/voxloop/internal/history"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/pkg/types"
)

// Compile-time interface checks.
var (
	_ pipeline.Stage = (*UserAggregator)(nil)
	_ pipeline.Stage = (*AssistantAggregator)(nil)
)

// UserAggregator commits finalized user speech to the conversation history
// and kicks off generation with a snapshot of the history at that moment.
//
// An error-marked transcript short-circuits generation entirely: the stage
// emits a canned apology straight to synthesis and the history stays
// untouched, so the user can simply repeat themselves.
type UserAggregator struct {
	log  *slog.Logger
	hist *history.History
}

// NewUserAggregator creates the user-side aggregator over the shared history.
func NewUserAggregator(hist *history.History, log *slog.Logger) *UserAggregator {
	if log == nil {
		log = slog.Default()
	}
	return &UserAggregator{log: log, hist: hist}
}

// Name implements [pipeline.Stage].
func (s *UserAggregator) Name() string {
	return "useragg"
}

// Process implements [pipeline.Stage].
func (s *UserAggregator) Process(_ context.Context, f pipeline.Frame, out *pipeline.Output) error {
	if f.Kind != pipeline.KindTranscript {
		out.Down(f)
		return nil
	}

	if f.Err != nil {
		out.Down(pipeline.Frame{
			Kind:   pipeline.KindLLMComplete,
			Turn:   f.Turn,
			Text:   prompt.Apology,
			Canned: true,
		})
		return nil
	}

	s.hist.AppendUser(f.Text)
	out.Down(pipeline.Frame{
		Kind:     pipeline.KindLLMRequest,
		Turn:     f.Turn,
		Messages: s.hist.Snapshot(),
	})
	return nil
}

// AssistantAggregatorOption configures the assistant-side aggregator.
type AssistantAggregatorOption func(*AssistantAggregator)

// WithAssistantArchive persists assistant utterances to the given store.
func WithAssistantArchive(store archive.Store) AssistantAggregatorOption {
	return func(s *AssistantAggregator) {
		s.store = store
	}
}

// WithAssistantLogger sets the structured logger.
func WithAssistantLogger(log *slog.Logger) AssistantAggregatorOption {
	return func(s *AssistantAggregator) {
		s.log = log
	}
}

// AssistantAggregator sits at the end of the chain and commits each response
// that made it all the way through — synthesis included — to the
// conversation history. An interrupted turn's response never arrives here,
// which is exactly what keeps cancelled turns out of the history.
type AssistantAggregator struct {
	log       *slog.Logger
	hist      *history.History
	turns     *pipeline.Turns
	sessionID string
	store     archive.Store
}

// NewAssistantAggregator creates the assistant-side aggregator.
func NewAssistantAggregator(sessionID string, hist *history.History, turns *pipeline.Turns, opts ...AssistantAggregatorOption) *AssistantAggregator {
	s := &AssistantAggregator{
		log:       slog.Default(),
		hist:      hist,
		turns:     turns,
		sessionID: sessionID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [pipeline.Stage].
func (s *AssistantAggregator) Name() string {
	return "assistantagg"
}

// Process implements [pipeline.Stage].
func (s *AssistantAggregator) Process(ctx context.Context, f pipeline.Frame, out *pipeline.Output) error {
	if f.Kind != pipeline.KindLLMComplete {
		out.Down(f)
		return nil
	}

	if f.Canned {
		// A degraded fallback answers a user message this turn already put
		// on the record, so it is committed like any reply. An apology for
		// a failed transcription has no user message to pair with and stays
		// off the record entirely.
		if last, ok := s.hist.Last(); !ok || last.Role != types.RoleUser {
			if f.Turn != "" {
				s.turns.Finish(f.Turn)
			}
			return nil
		}
	}

	s.hist.AppendAssistant(f.Text)
	s.log.Info("assistant turn committed",
		slog.String("session_id", s.sessionID),
		slog.String("turn", f.Turn),
		slog.Int("history_len", s.hist.Len()))

	if s.store != nil {
		entry := archive.Entry{
			SessionID: s.sessionID,
			Turn:      f.Turn,
			Role:      types.RoleAssistant,
			Text:      f.Text,
		}
		if err := s.store.Append(ctx, entry); err != nil {
			s.log.Warn("archiving assistant utterance",
				slog.String("turn", f.Turn),
				slog.Any("error", err))
		}
	}

	if f.Turn != "" {
		s.turns.Finish(f.Turn)
	}
	return nil
}
