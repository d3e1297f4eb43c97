package stage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voxloop/voxloop/internal/archive"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/types"
)

func TestTranscriptLogger_AppliesVocabularyCorrection(t *testing.T) {
	s := NewTranscriptLogger("sess-1",
		WithTranscriptLogger(discardLogger()),
		WithCorrector(transcript.New([]string{"Terraform"})))

	var log frameLog
	f := pipeline.Frame{Kind: pipeline.KindTranscript, Turn: "t1", Text: "we use terriform at work", Confidence: 0.8}
	if err := s.Process(context.Background(), f, log.output()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(log.down) != 1 {
		t.Fatalf("down frames = %v", log.downKinds())
	}
	if got := log.down[0].Text; !strings.Contains(got, "Terraform") {
		t.Errorf("forwarded text = %q, want the corrected term", got)
	}
	if log.down[0].Confidence != 0.8 {
		t.Errorf("confidence = %v, want preserved", log.down[0].Confidence)
	}
}

func TestTranscriptLogger_ArchivesUserUtterance(t *testing.T) {
	store := archive.NewMemoryStore()
	s := NewTranscriptLogger("sess-1",
		WithTranscriptLogger(discardLogger()),
		WithArchive(store))

	var log frameLog
	f := pipeline.Frame{Kind: pipeline.KindTranscript, Turn: "t1", Text: "hello", Confidence: 0.77}
	if err := s.Process(context.Background(), f, log.output()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	entries, err := store.List(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("archived entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Role != types.RoleUser || e.Text != "hello" || e.Turn != "t1" || e.Confidence != 0.77 {
		t.Errorf("archived entry = %+v", e)
	}
}

func TestTranscriptLogger_ErroredTranscriptIsNotArchived(t *testing.T) {
	store := archive.NewMemoryStore()
	s := NewTranscriptLogger("sess-1",
		WithTranscriptLogger(discardLogger()),
		WithArchive(store),
		WithCorrector(transcript.New([]string{"Terraform"})))

	var log frameLog
	f := pipeline.Frame{Kind: pipeline.KindTranscript, Turn: "t1", Err: errors.New("finalize failed")}
	if err := s.Process(context.Background(), f, log.output()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The errored frame continues downstream so the apology path can run.
	if len(log.down) != 1 || log.down[0].Err == nil {
		t.Fatalf("down frames = %v, want the errored transcript forwarded", log.down)
	}
	entries, _ := store.List(context.Background(), "sess-1")
	if len(entries) != 0 {
		t.Errorf("errored transcript archived: %+v", entries)
	}
}

func TestTranscriptLogger_ForwardsForeignFrames(t *testing.T) {
	s := NewTranscriptLogger("sess-1", WithTranscriptLogger(discardLogger()))

	var log frameLog
	f := pipeline.Frame{Kind: pipeline.KindAudioChunk}
	if err := s.Process(context.Background(), f, log.output()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(log.down) != 1 || log.down[0].Kind != pipeline.KindAudioChunk {
		t.Errorf("foreign frame not forwarded: %v", log.downKinds())
	}
}
