// Package archive persists conversation transcripts beyond the lifetime of a
// session. The in-memory store backs tests and single-process runs; the
// PostgreSQL store keeps a durable record across restarts.
package archive

import (
	"context"
	"time"
)

// Entry is one archived utterance.
type Entry struct {
	// SessionID identifies the session the utterance belongs to.
	SessionID string

	// Turn is the correlation id of the turn, empty for utterances outside a
	// turn (the introduction).
	Turn string

	// Role is the speaker: [types.RoleUser] or [types.RoleAssistant].
	Role string

	// Text is the utterance content after any correction.
	Text string

	// Confidence is the STT confidence for user entries, 0 for assistant
	// entries.
	Confidence float64

	// CreatedAt is when the utterance was archived.
	CreatedAt time.Time
}

// Store is a transcript archive. Implementations must be safe for concurrent
// use; Append is called from hot pipeline paths and should be fast or
// internally buffered.
type Store interface {
	// Append stores one entry.
	Append(ctx context.Context, e Entry) error

	// List returns all entries of a session in append order.
	List(ctx context.Context, sessionID string) ([]Entry, error)

	// Close releases underlying resources.
	Close() error
}
