// Package stage implements the processing stages of a voice session:
// utterance finalization, transcript logging, history aggregation, response
// generation, and synthesis. Stages follow the [pipeline.Stage] contract:
// they run on the task's dispatch goroutine, keep unguarded per-session
// state, and forward every frame kind they do not handle.
//
// The one exception is the [VADGate], which runs ahead of the task queue on
// the participant pump goroutine. Speech has to be detected there: the
// dispatch goroutine spends whole bot turns blocked inside a provider
// stream, and a gate behind the queue would not see the user speak over the
// bot until the turn it should have interrupted was already finished.
package stage

import (
	"fmt"
	"log/slog"

	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/pkg/provider/vad"
	"github.com/voxloop/voxloop/pkg/types"
)

// VADGate classifies inbound audio into speech boundary markers and gates
// the audio itself: chunks pass through only while speech is active, so the
// finalization stage never buffers silence.
//
// The gate is not a pipeline stage. [VADGate.Gate] is called on the
// participant pump goroutine for every converted audio frame, before
// anything is queued on the task; the caller hands the returned start marker
// to the session controller first, so a barge-in interrupt cancels the
// spoken-over turn at queue time, while the dispatch goroutine is still
// blocked in the turn's provider stream.
//
// Gate is not safe for concurrent use; a session feeds it from the single
// pump bound to its participant.
type VADGate struct {
	log  *slog.Logger
	sess vad.SessionHandle

	speaking bool
}

// NewVADGate creates the gate with a fresh VAD session from engine.
func NewVADGate(engine vad.Engine, cfg vad.Config, log *slog.Logger) (*VADGate, error) {
	if log == nil {
		log = slog.Default()
	}
	sess, err := engine.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("stage: vad session: %w", err)
	}
	return &VADGate{log: log, sess: sess}, nil
}

// Gate runs the detector over one audio frame and returns the frames to
// queue, in order: a speech start is a marker followed by the audio, a
// speech end is the audio followed by the stop marker, continuing speech is
// the audio alone, and silence is nothing at all.
func (g *VADGate) Gate(f pipeline.Frame) ([]pipeline.Frame, error) {
	ev, err := g.sess.ProcessFrame(f.Audio.Data)
	if err != nil {
		return nil, fmt.Errorf("stage: vad: %w: %w", pipeline.ErrProtocol, err)
	}

	switch ev.Type {
	case types.VADSpeechStart:
		g.speaking = true
		g.log.Debug("speech start", slog.Float64("probability", ev.Probability))
		return []pipeline.Frame{{Kind: pipeline.KindSpeechStart}, f}, nil

	case types.VADSpeechContinue:
		if !g.speaking {
			// The session reported continuing speech without a start; treat
			// it as a late start so no audio is lost.
			g.speaking = true
			return []pipeline.Frame{{Kind: pipeline.KindSpeechStart}, f}, nil
		}
		return []pipeline.Frame{f}, nil

	case types.VADSpeechEnd:
		g.speaking = false
		g.log.Debug("speech stop", slog.Float64("probability", ev.Probability))
		return []pipeline.Frame{f, {Kind: pipeline.KindSpeechStop}}, nil

	default:
		// Gated: silence never reaches the finalization buffer.
		return nil, nil
	}
}

// Close releases the underlying VAD session. Call it once the pump has
// stopped feeding frames.
func (g *VADGate) Close() error {
	g.speaking = false
	return g.sess.Close()
}
