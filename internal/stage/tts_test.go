package stage

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/pipeline"
	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
	"github.com/voxloop/voxloop/pkg/types"
)

func testVoice() types.VoiceProfile {
	return types.VoiceProfile{ID: "v1", Name: "Ada", Provider: "elevenlabs", SpeedFactor: 1.0}
}

func TestTTS_StreamsAudioThenForwardsResponse(t *testing.T) {
	provider := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("aaaa"), []byte("bbbb")},
	}
	turns := pipeline.NewTurns()
	s := NewTTS(provider, testVoice(), 16000, turns, WithTTSLogger(discardLogger()))

	turnID, _ := turns.Begin(context.Background())
	f := pipeline.Frame{Kind: pipeline.KindLLMComplete, Turn: turnID, Text: "hello world"}

	var log frameLog
	if err := s.Process(context.Background(), f, log.output()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	wantDown := []pipeline.Kind{
		pipeline.KindSynthesizedAudio,
		pipeline.KindSynthesizedAudio,
		pipeline.KindLLMComplete,
	}
	got := log.downKinds()
	if len(got) != len(wantDown) {
		t.Fatalf("down kinds = %v, want %v", got, wantDown)
	}
	for i, want := range wantDown {
		if got[i] != want {
			t.Errorf("down[%d] = %s, want %s", i, got[i], want)
		}
	}

	first := log.down[0]
	if !bytes.Equal(first.Audio.Data, []byte("aaaa")) {
		t.Errorf("first chunk data = %q", first.Audio.Data)
	}
	if first.Audio.SampleRate != 16000 || first.Audio.Channels != 1 {
		t.Errorf("chunk format = %d Hz / %d ch", first.Audio.SampleRate, first.Audio.Channels)
	}
	if first.Audio.Timestamp != 0 {
		t.Errorf("first chunk timestamp = %v, want 0", first.Audio.Timestamp)
	}
	if second := log.down[1]; second.Audio.Timestamp <= 0 {
		t.Errorf("second chunk timestamp = %v, want past the first chunk", second.Audio.Timestamp)
	}

	// Upstream: a payload-free playback marker, then the completed frame.
	if len(log.up) != 2 {
		t.Fatalf("up frames = %v, want marker and completion", log.up)
	}
	marker := log.up[0]
	if marker.Kind != pipeline.KindSynthesizedAudio || marker.Turn != turnID || len(marker.Audio.Data) != 0 {
		t.Errorf("playback marker = %+v", marker)
	}
	if log.up[1].Kind != pipeline.KindLLMComplete {
		t.Errorf("up[1] = %s, want LLM_COMPLETE", log.up[1].Kind)
	}

	// The provider saw the full response text and the configured voice.
	call := provider.SynthesizeStreamCalls[0]
	if len(call.Text) != 1 || call.Text[0] != "hello world" {
		t.Errorf("synthesized text = %v", call.Text)
	}
	if call.Voice.ID != "v1" {
		t.Errorf("voice = %+v", call.Voice)
	}
}

func TestTTS_ProviderErrorStillForwardsResponse(t *testing.T) {
	provider := &ttsmock.Provider{SynthesizeErr: errors.New("websocket dial refused")}
	turns := pipeline.NewTurns()
	s := NewTTS(provider, testVoice(), 16000, turns, WithTTSLogger(discardLogger()))

	turnID, _ := turns.Begin(context.Background())
	f := pipeline.Frame{Kind: pipeline.KindLLMComplete, Turn: turnID, Text: "unspoken"}

	var log frameLog
	err := s.Process(context.Background(), f, log.output())
	if !errors.Is(err, pipeline.ErrFatalProvider) {
		t.Fatalf("Process error = %v, want a fatal provider error", err)
	}

	// The text still reaches the history aggregator behind this stage.
	if len(log.down) != 1 || log.down[0].Kind != pipeline.KindLLMComplete || log.down[0].Text != "unspoken" {
		t.Errorf("down frames = %v, want the forwarded completion", log.down)
	}
}

func TestTTS_InterruptedSynthesisEmitsBotStopped(t *testing.T) {
	provider := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("aaaa")},
		HoldUntilCancel:  true,
	}
	turns := pipeline.NewTurns()
	s := NewTTS(provider, testVoice(), 16000, turns, WithTTSLogger(discardLogger()))

	turnID, _ := turns.Begin(context.Background())
	f := pipeline.Frame{Kind: pipeline.KindLLMComplete, Turn: turnID, Text: "a long answer"}

	downCh := make(chan pipeline.Frame, 16)
	upCh := make(chan pipeline.Frame, 16)
	out := pipeline.NewOutput(
		func(f pipeline.Frame) { downCh <- f },
		func(f pipeline.Frame) { upCh <- f },
	)

	done := make(chan error, 1)
	go func() { done <- s.Process(context.Background(), f, out) }()

	// Wait for playback to start, then barge in.
	select {
	case first := <-downCh:
		if first.Kind != pipeline.KindSynthesizedAudio {
			t.Fatalf("first down frame = %s, want audio", first.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio before interruption")
	}
	turns.Cancel(turnID)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return after cancellation")
	}

	select {
	case stopped := <-downCh:
		if stopped.Kind != pipeline.KindBotStopped || stopped.Turn != turnID {
			t.Errorf("down after cancel = %+v, want BOT_STOPPED", stopped)
		}
	default:
		t.Error("no BOT_STOPPED frame downstream")
	}
	select {
	case more := <-downCh:
		t.Errorf("unexpected frame after BOT_STOPPED: %+v", more)
	default:
	}

	// Upstream: the playback marker, then the stop. Never the completion.
	if marker := <-upCh; marker.Kind != pipeline.KindSynthesizedAudio {
		t.Errorf("up[0] = %s, want playback marker", marker.Kind)
	}
	if stopped := <-upCh; stopped.Kind != pipeline.KindBotStopped {
		t.Errorf("up[1] = %s, want BOT_STOPPED", stopped.Kind)
	}
}

func TestTTS_CannedFlagSurvivesSynthesis(t *testing.T) {
	provider := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("aaaa")}}
	turns := pipeline.NewTurns()
	s := NewTTS(provider, testVoice(), 16000, turns, WithTTSLogger(discardLogger()))

	turnID, _ := turns.Begin(context.Background())
	f := pipeline.Frame{Kind: pipeline.KindLLMComplete, Turn: turnID, Text: "sorry", Canned: true}

	var log frameLog
	if err := s.Process(context.Background(), f, log.output()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	final := log.down[len(log.down)-1]
	if final.Kind != pipeline.KindLLMComplete || !final.Canned {
		t.Errorf("final frame = %+v, want the canned flag preserved", final)
	}
}

func TestTTS_ForwardsForeignFrames(t *testing.T) {
	provider := &ttsmock.Provider{}
	s := NewTTS(provider, testVoice(), 16000, pipeline.NewTurns(), WithTTSLogger(discardLogger()))

	var log frameLog
	f := pipeline.Frame{Kind: pipeline.KindLLMDelta, Turn: "t1", Text: "frag"}
	if err := s.Process(context.Background(), f, log.output()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(log.down) != 1 || log.down[0].Kind != pipeline.KindLLMDelta {
		t.Errorf("foreign frame not forwarded: %v", log.downKinds())
	}
	if provider.CallCount() != 0 {
		t.Error("provider called for a non-completion frame")
	}
}
