package stage

import (
	"errors"
	"testing"

	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/pkg/provider/vad"
	vadmock "github.com/voxloop/voxloop/pkg/provider/vad/mock"
	"github.com/voxloop/voxloop/pkg/types"
)

func testVADConfig() vad.Config {
	return vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      20,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
		HoldMs:           200,
	}
}

func newTestGate(t *testing.T, sess *vadmock.Session) *VADGate {
	t.Helper()
	engine := &vadmock.Engine{Session: sess}
	g, err := NewVADGate(engine, testVADConfig(), discardLogger())
	if err != nil {
		t.Fatalf("NewVADGate: %v", err)
	}
	if len(engine.NewSessionCalls) != 1 || engine.NewSessionCalls[0].Cfg.SampleRate != 16000 {
		t.Fatalf("NewSession calls = %+v", engine.NewSessionCalls)
	}
	return g
}

func gatedKinds(frames []pipeline.Frame) []pipeline.Kind {
	kinds := make([]pipeline.Kind, len(frames))
	for i, f := range frames {
		kinds[i] = f.Kind
	}
	return kinds
}

func TestVADGate_SpeechStartEmitsMarkerThenAudio(t *testing.T) {
	sess := &vadmock.Session{
		EventResults: []types.VADEvent{{Type: types.VADSpeechStart, Probability: 0.9}},
	}
	g := newTestGate(t, sess)

	frames, err := g.Gate(audioChunk([]byte{1, 2}))
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}

	want := []pipeline.Kind{pipeline.KindSpeechStart, pipeline.KindAudioChunk}
	got := gatedKinds(frames)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("gated kinds = %v, want %v", got, want)
	}
}

func TestVADGate_SilenceIsGated(t *testing.T) {
	sess := &vadmock.Session{EventResult: types.VADEvent{Type: types.VADSilence}}
	g := newTestGate(t, sess)

	frames, err := g.Gate(audioChunk([]byte{1, 2}))
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("silence leaked frames: %v", gatedKinds(frames))
	}
	if len(sess.ProcessFrameCalls) != 1 {
		t.Errorf("ProcessFrame calls = %d, want 1", len(sess.ProcessFrameCalls))
	}
}

func TestVADGate_ContinuingSpeechPassesAudioOnly(t *testing.T) {
	sess := &vadmock.Session{
		EventResults: []types.VADEvent{
			{Type: types.VADSpeechStart},
			{Type: types.VADSpeechContinue},
		},
	}
	g := newTestGate(t, sess)

	first, _ := g.Gate(audioChunk([]byte{1}))
	second, err := g.Gate(audioChunk([]byte{2}))
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}

	if len(first) != 2 || first[0].Kind != pipeline.KindSpeechStart {
		t.Fatalf("first gated kinds = %v", gatedKinds(first))
	}
	if len(second) != 1 || second[0].Kind != pipeline.KindAudioChunk {
		t.Errorf("second gated kinds = %v, want audio only", gatedKinds(second))
	}
}

func TestVADGate_LateContinueBecomesStart(t *testing.T) {
	// The session reports continuing speech with no preceding start; the gate
	// synthesizes the start marker so no audio is lost.
	sess := &vadmock.Session{EventResult: types.VADEvent{Type: types.VADSpeechContinue}}
	g := newTestGate(t, sess)

	frames, err := g.Gate(audioChunk([]byte{1}))
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}

	got := gatedKinds(frames)
	if len(got) != 2 || got[0] != pipeline.KindSpeechStart || got[1] != pipeline.KindAudioChunk {
		t.Errorf("gated kinds = %v, want synthesized start then audio", got)
	}
}

func TestVADGate_SpeechEndEmitsAudioThenStop(t *testing.T) {
	sess := &vadmock.Session{
		EventResults: []types.VADEvent{
			{Type: types.VADSpeechStart},
			{Type: types.VADSpeechEnd},
		},
	}
	g := newTestGate(t, sess)

	g.Gate(audioChunk([]byte{1}))
	frames, err := g.Gate(audioChunk([]byte{2}))
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}

	// The final audio precedes the stop marker so the finalization buffer is
	// complete before it flushes.
	got := gatedKinds(frames)
	if len(got) != 2 || got[0] != pipeline.KindAudioChunk || got[1] != pipeline.KindSpeechStop {
		t.Errorf("gated kinds = %v, want audio then stop", got)
	}
}

func TestVADGate_CloseReleasesDetector(t *testing.T) {
	sess := &vadmock.Session{}
	g := newTestGate(t, sess)

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("Close calls = %d, want 1", sess.CloseCallCount)
	}
}

func TestVADGate_DetectorErrorIsProtocolError(t *testing.T) {
	sess := &vadmock.Session{ProcessFrameErr: errors.New("bad frame size")}
	g := newTestGate(t, sess)

	frames, err := g.Gate(audioChunk([]byte{1}))
	if !errors.Is(err, pipeline.ErrProtocol) {
		t.Fatalf("Gate error = %v, want a protocol error", err)
	}
	if len(frames) != 0 {
		t.Errorf("frames emitted despite detector error: %v", gatedKinds(frames))
	}
}

func TestNewVADGate_PropagatesSessionError(t *testing.T) {
	engine := &vadmock.Engine{NewSessionErr: errors.New("model missing")}
	if _, err := NewVADGate(engine, testVADConfig(), discardLogger()); err == nil {
		t.Fatal("NewVADGate succeeded despite session error")
	}
}

func TestVADGate_AudioKeepsItsPayloadThroughTheGate(t *testing.T) {
	sess := &vadmock.Session{EventResult: types.VADEvent{Type: types.VADSpeechContinue}}
	g := newTestGate(t, sess)

	in := audioChunk([]byte{7, 8, 9})
	in.Participant = "alice"
	frames, err := g.Gate(in)
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}

	audioFrame := frames[len(frames)-1]
	if audioFrame.Participant != "alice" || len(audioFrame.Audio.Data) != 3 {
		t.Errorf("gated audio frame = %+v, want the input untouched", audioFrame)
	}
}
