// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, a local
// whisper-server, or in-process whisper.cpp) behind a single finalization
// call: the pipeline buffers one utterance of PCM audio between speech-start
// and speech-stop and hands the whole segment to the provider, which returns
// one authoritative Transcript. Streaming backends open and drain their
// stream inside Finalize; local backends run inference directly.
//
// Finalize is a suspension point in the pipeline: it must honour ctx
// cancellation promptly so that an ending session can abandon an in-flight
// transcription.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/voxloop/voxloop/pkg/types"
)

// Config describes the audio format and recognition hints for a finalization
// call. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (Opus decode output).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as domain proper nouns. Providers
	// without keyword support ignore the list.
	Keywords []string
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use: the session controller may
// finalize utterances from several sessions simultaneously.
type Provider interface {
	// Finalize transcribes one complete utterance of raw little-endian int16
	// PCM audio and returns the authoritative transcript. An empty or
	// silent-only segment returns a Transcript with empty Text and a nil
	// error.
	//
	// Finalize must return promptly with ctx.Err() when ctx is cancelled;
	// any partially received results are discarded.
	Finalize(ctx context.Context, pcm []byte, cfg Config) (types.Transcript, error)
}
