// Package energy implements a dependency-free RMS-energy VAD engine.
//
// Each frame's root-mean-square level is normalised against a reference
// speech level to produce a pseudo-probability, which is then run through the
// usual two-threshold hysteresis: speech starts above SpeechThreshold and
// ends only after the level has stayed below SilenceThreshold for HoldMs.
// The hold absorbs short intra-utterance pauses so a hesitation does not cut
// the speaker's turn.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/vad"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	// refRMS is the 16-bit PCM RMS level mapped to probability 1.0. Normal
	// close-mic speech sits around 2000–8000 RMS units.
	refRMS = 2500.0

	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
	defaultHoldMs           = 200
	defaultFrameSizeMs      = 20
)

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

// Engine creates RMS-energy VAD sessions.
type Engine struct{}

// New returns a ready-to-use Engine.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a new VAD session. Zero-valued config fields fall back
// to defaults; invalid threshold combinations are rejected.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("energy vad: sample rate must be positive")
	}
	if cfg.FrameSizeMs <= 0 {
		cfg.FrameSizeMs = defaultFrameSizeMs
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.HoldMs == 0 {
		cfg.HoldMs = defaultHoldMs
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 ||
		cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return nil, fmt.Errorf("energy vad: thresholds must be in [0,1], got speech=%g silence=%g",
			cfg.SpeechThreshold, cfg.SilenceThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy vad: silence threshold %g exceeds speech threshold %g",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{cfg: cfg}, nil
}

// session holds the hysteresis state for one audio stream.
type session struct {
	mu  sync.Mutex
	cfg vad.Config

	speaking  bool
	silenceMs int
	closed    bool
}

// ProcessFrame classifies one PCM frame. Frame-size mismatches are tolerated
// as long as the frame is non-empty; the silence hold is advanced by the
// frame's actual duration.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, errors.New("energy vad: session is closed")
	}
	if len(frame) < 2 {
		return types.VADEvent{}, errors.New("energy vad: frame shorter than one sample")
	}

	prob := min(computeRMS(frame)/refRMS, 1.0)
	frameMs := len(frame) / 2 * 1000 / s.cfg.SampleRate
	if frameMs <= 0 {
		frameMs = s.cfg.FrameSizeMs
	}

	ev := types.VADEvent{Probability: prob}

	switch {
	case !s.speaking && prob >= s.cfg.SpeechThreshold:
		s.speaking = true
		s.silenceMs = 0
		ev.Type = types.VADSpeechStart

	case s.speaking && prob >= s.cfg.SilenceThreshold:
		s.silenceMs = 0
		ev.Type = types.VADSpeechContinue

	case s.speaking:
		s.silenceMs += frameMs
		if s.silenceMs >= s.cfg.HoldMs {
			s.speaking = false
			s.silenceMs = 0
			ev.Type = types.VADSpeechEnd
		} else {
			// Inside the hold window: still counts as speech.
			ev.Type = types.VADSpeechContinue
		}

	default:
		ev.Type = types.VADSilence
	}

	return ev, nil
}

// Reset clears the hysteresis state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.silenceMs = 0
}

// Close marks the session closed. Subsequent ProcessFrame calls fail.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, expressed in PCM sample units (0–32767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Ensure session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*session)(nil)
