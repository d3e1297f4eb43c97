// Package audio defines the interfaces and types for call-room connectivity
// and stream management within voxloop.
//
// The two primary abstractions are:
//
//   - [Platform] — connects to a call room and returns a [Connection].
//   - [Connection] — represents an active session in that room, giving callers
//     per-participant input streams, a single output stream, and lifecycle events.
//
// Implementations of these interfaces are provided by transport-specific
// adapter packages (e.g., audio/room for the websocket reference transport).
// The interfaces are intentionally narrow to keep the session controller
// decoupled from transport details.
//
// This package lives under pkg/ because external code (third-party transport
// adapters) is expected to implement [Platform] and [Connection].
package audio

import (
	"context"
)

// EventType classifies lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the call room.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the call room.
	EventLeave

	// EventCallEnded is emitted when the room itself terminates the call
	// (e.g., the host hangs up or the room is closed server-side).
	EventCallEnded
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventCallEnded:
		return "CALL_ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event describes a lifecycle change in a call room.
// Callbacks registered via [Connection.OnLifecycleEvent] receive values of this type.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// ParticipantID is the transport-specific unique identifier for the
	// participant. Empty for EventCallEnded.
	ParticipantID string

	// Username is the human-readable display name of the participant, when the
	// transport reports one.
	Username string

	// Reason carries an optional transport-supplied detail string
	// (e.g., "left", "kicked", "timeout").
	Reason string
}

// Connection represents an active session in a call room.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called or the transport drops. All channels
// returned by Connection methods are closed automatically when the connection
// terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-participant audio
	// channels. The map key is the transport-specific participant ID; the value
	// is a read-only channel delivering [AudioFrame] values as they arrive from
	// that participant. A new entry appears for each joining participant and is
	// removed (channel closed) when that participant leaves.
	//
	// Callers should call InputStreams again after receiving an [EventJoin]
	// event to pick up newly added channels.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream returns the single write-only channel for bot output.
	// Frames written here are played to all room participants.
	// The channel is buffered; writes must not block indefinitely.
	//
	// Ownership: the returned channel is owned by the caller (writer). The
	// transport does NOT close it on Disconnect — the caller is responsible for
	// stopping writes. Writing after Disconnect results in dropped frames, not
	// a panic.
	OutputStream() chan<- AudioFrame

	// OnLifecycleEvent registers cb as the callback to invoke whenever a
	// participant joins or leaves, or the call ends. Only one callback may be
	// registered at a time; subsequent calls replace the previous registration.
	// The callback is invoked on an internal goroutine — callers must not block.
	OnLifecycleEvent(cb func(Event))

	// Disconnect cleanly tears down the connection, drains pending frames, and
	// closes all channels. It is safe to call Disconnect more than once;
	// subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a call-room transport.
// Implementations wrap transport-specific protocols and expose a uniform
// [Connection] abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the call room identified by roomID and returns an active
	// [Connection]. The supplied ctx governs the lifetime of the connection
	// attempt only; once connected, the Connection remains alive until
	// [Connection.Disconnect] is called explicitly.
	//
	// Returns an error if the connection cannot be established (auth failure,
	// unknown room, network error, etc.).
	Connect(ctx context.Context, roomID string) (Connection, error)
}
