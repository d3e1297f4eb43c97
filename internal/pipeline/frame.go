// Package pipeline implements the frame-based session runtime: typed frames,
// the stage contract, per-turn cancellation, and the single-goroutine task
// loop that wires stages into an ordered chain.
//
// Frames are immutable once emitted. Each frame carries a per-direction
// sequence number assigned by the task and, for everything that belongs to a
// conversational turn, a correlation id that ties transcript, completion, and
// synthesized audio together — and that interruption uses to cancel exactly
// the superseded turn.
package pipeline

import (
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/types"
)

// Kind discriminates the frame variants flowing through the pipeline.
type Kind int

const (
	// KindAudioChunk is a small segment of inbound PCM audio.
	KindAudioChunk Kind = iota

	// KindSpeechStart marks the VAD-detected beginning of user speech.
	KindSpeechStart

	// KindSpeechStop marks the VAD-detected end of user speech (after the
	// silence hold).
	KindSpeechStop

	// KindTranscript is a finalized utterance transcript. A failed
	// finalization emits an empty transcript with Err set so downstream can
	// short-circuit gracefully instead of losing the turn.
	KindTranscript

	// KindLLMRequest carries a snapshot of the conversation history for the
	// turn generator.
	KindLLMRequest

	// KindLLMDelta is an incremental fragment of the model's response.
	KindLLMDelta

	// KindLLMComplete carries the full response text and terminates the
	// delta stream for its turn.
	KindLLMComplete

	// KindSynthesizedAudio is a segment of outbound TTS audio.
	KindSynthesizedAudio

	// KindBotStopped marks a cleanly interrupted synthesis so the transport
	// can halt playback without clicks.
	KindBotStopped

	// KindInterrupt cancels the turn identified by Frame.Turn. Idempotent per
	// turn id.
	KindInterrupt

	// KindSessionStart announces the participant the session is bound to.
	KindSessionStart

	// KindSessionEnd begins the drain phase; after the grace timeout the task
	// rejects all further frames.
	KindSessionEnd
)

// String returns the frame kind's wire-style name.
func (k Kind) String() string {
	switch k {
	case KindAudioChunk:
		return "AUDIO_CHUNK"
	case KindSpeechStart:
		return "SPEECH_START"
	case KindSpeechStop:
		return "SPEECH_STOP"
	case KindTranscript:
		return "TRANSCRIPT"
	case KindLLMRequest:
		return "LLM_REQUEST"
	case KindLLMDelta:
		return "LLM_DELTA"
	case KindLLMComplete:
		return "LLM_COMPLETE"
	case KindSynthesizedAudio:
		return "SYNTHESIZED_AUDIO"
	case KindBotStopped:
		return "BOT_STOPPED"
	case KindInterrupt:
		return "INTERRUPT"
	case KindSessionStart:
		return "SESSION_START"
	case KindSessionEnd:
		return "SESSION_END"
	default:
		return "UNKNOWN"
	}
}

// Control reports whether frames of this kind are scheduled with priority
// over data frames.
func (k Kind) Control() bool {
	switch k {
	case KindInterrupt, KindSessionStart, KindSessionEnd:
		return true
	default:
		return false
	}
}

// Frame is the unit of data and control flowing through a session pipeline.
// Exactly which payload fields are meaningful depends on Kind; unused fields
// stay zero. Stages must treat received frames as read-only and allocate new
// frames for everything they emit.
type Frame struct {
	// Kind discriminates the payload.
	Kind Kind

	// Seq is the per-direction sequence number, assigned by the task when the
	// frame first enters the chain. Strictly increasing per direction.
	Seq uint64

	// Turn is the correlation id of the conversational turn this frame
	// belongs to. Empty for frames outside any turn (raw audio, session
	// lifecycle).
	Turn string

	// Audio is the PCM payload of KindAudioChunk and KindSynthesizedAudio.
	Audio audio.AudioFrame

	// Text is the payload of KindTranscript, KindLLMDelta, and
	// KindLLMComplete.
	Text string

	// Confidence is the recognition confidence of KindTranscript.
	Confidence float64

	// Err marks a KindTranscript produced by a failed finalization.
	Err error

	// Canned marks a KindLLMComplete whose text is a fixed utterance
	// (apology, degraded fallback) rather than a generated response. A
	// canned utterance is recorded in the conversation history only when it
	// answers a user message that is already on the record.
	Canned bool

	// Messages is the history snapshot of KindLLMRequest.
	Messages []types.Message

	// Participant is the joining participant id of KindSessionStart.
	Participant string

	// Reason annotates KindSessionEnd and KindInterrupt for logging.
	Reason string
}
