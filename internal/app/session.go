package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxloop/voxloop/internal/archive"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/history"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/internal/session"
	"github.com/voxloop/voxloop/internal/stage"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/vad"
	"github.com/voxloop/voxloop/pkg/types"
)

// Audio formats at the pipeline boundaries. The room transport speaks 48 kHz
// stereo; recognition and synthesis run on 16 kHz mono.
const (
	roomSampleRate = 48000
	sttSampleRate  = 16000
	ttsSampleRate  = 16000
)

// Defaults applied when the config leaves a knob at zero.
const (
	defaultVADSpeechThreshold  = 0.5
	defaultVADSilenceThreshold = 0.35
	defaultVADHoldMs           = 200
	defaultVADFrameSizeMs      = 20
)

// Session binds one call to one pipeline task: it assembles the stage chain,
// the shared conversation history, and the session controller, then shuttles
// audio between the room connection and the task until the call ends.
type Session struct {
	id        string
	log       *slog.Logger
	cfg       *config.Config
	providers *Providers
	store     archive.Store

	hist *history.History
	task *pipeline.Task
	ctrl *session.Controller
	gate *stage.VADGate

	pumpOnce sync.Once
	gateOnce sync.Once

	mu      sync.Mutex
	out     chan<- audio.AudioFrame
	outConv audio.FormatConverter
}

// NewSession assembles a session from configuration. The returned session is
// inert until Run is called.
func NewSession(cfg *config.Config, providers *Providers, store archive.Store) (*Session, error) {
	id := uuid.NewString()
	log := slog.Default().With(slog.String("session_id", id))

	mode := prompt.ModeBehavior
	if cfg.Session.Mode != "" {
		var err error
		if mode, err = prompt.ParseMode(string(cfg.Session.Mode)); err != nil {
			return nil, fmt.Errorf("app: session mode: %w", err)
		}
	}

	// The analysis context rides along only in modes that allow it; the
	// config loader already warned when it is set elsewhere.
	var hist *history.History
	if cfg.Session.Analysis != "" && prompt.AnalysisAllowed(mode) {
		hist = history.NewWithContext(prompt.System(mode), cfg.Session.Analysis)
	} else {
		hist = history.New(prompt.System(mode))
	}

	s := &Session{
		id:        id,
		log:       log,
		cfg:       cfg,
		providers: providers,
		store:     store,
		hist:      hist,
		outConv:   audio.FormatConverter{Target: audio.Format{SampleRate: roomSampleRate, Channels: 2}},
	}

	// Speech detection runs on the pump goroutine, ahead of the task queue,
	// so a barge-in can cancel a turn whose provider stream still has the
	// dispatch goroutine blocked.
	vadCfg := vad.Config{
		SampleRate:       sttSampleRate,
		FrameSizeMs:      defaultInt(cfg.VAD.FrameSizeMs, defaultVADFrameSizeMs),
		SpeechThreshold:  defaultFloat(cfg.VAD.SpeechThreshold, defaultVADSpeechThreshold),
		SilenceThreshold: defaultFloat(cfg.VAD.SilenceThreshold, defaultVADSilenceThreshold),
		HoldMs:           defaultInt(cfg.VAD.HoldMs, defaultVADHoldMs),
	}
	gate, err := stage.NewVADGate(providers.VAD, vadCfg, log)
	if err != nil {
		return nil, fmt.Errorf("app: build vad gate: %w", err)
	}
	s.gate = gate

	turns := pipeline.NewTurns()
	stages, err := s.buildStages(turns)
	if err != nil {
		return nil, err
	}

	grace := time.Duration(cfg.Session.GraceTimeoutMs) * time.Millisecond

	// The controller does not exist yet when the task is built; the observer
	// closure resolves it at dispatch time, which is always after Run wires
	// everything up.
	s.task = pipeline.New(stages,
		pipeline.WithLogger(log),
		pipeline.WithTurns(turns),
		pipeline.WithGraceTimeout(grace),
		pipeline.WithSink(s.sink),
		pipeline.WithObserver(func(f pipeline.Frame) {
			s.ctrl.ObserveFrame(f)
		}),
	)

	s.ctrl = session.NewController(id, mode, s.task,
		session.WithControllerLogger(log),
	)

	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Controller exposes the session state machine, mainly for tests and
// introspection.
func (s *Session) Controller() *session.Controller {
	return s.ctrl
}

// buildStages constructs the six-stage chain in pipeline order. The VAD gate
// is not part of the chain; it runs on the pump, before the queue.
func (s *Session) buildStages(turns *pipeline.Turns) ([]pipeline.Stage, error) {
	cfg := s.cfg

	sttCfg := stt.Config{
		SampleRate: sttSampleRate,
		Channels:   1,
		Language:   cfg.Transcript.Language,
		Keywords:   cfg.Transcript.Vocabulary,
	}
	var sttOpts []stage.STTOption
	sttOpts = append(sttOpts, stage.WithSTTLogger(s.log))
	if cfg.Session.FinalizeTimeoutMs > 0 {
		sttOpts = append(sttOpts, stage.WithFinalizeTimeout(time.Duration(cfg.Session.FinalizeTimeoutMs)*time.Millisecond))
	}
	sttStage := stage.NewSTT(s.providers.STT, sttCfg, turns, sttOpts...)

	logOpts := []stage.TranscriptLoggerOption{
		stage.WithTranscriptLogger(s.log),
		stage.WithArchive(s.store),
	}
	if len(cfg.Transcript.Vocabulary) > 0 {
		logOpts = append(logOpts, stage.WithCorrector(transcript.New(cfg.Transcript.Vocabulary)))
	}
	transcriptLogger := stage.NewTranscriptLogger(s.id, logOpts...)

	userAgg := stage.NewUserAggregator(s.hist, s.log)

	var llmOpts []stage.LLMOption
	llmOpts = append(llmOpts, stage.WithLLMLogger(s.log))
	if cfg.Session.GenerateTimeoutMs > 0 {
		llmOpts = append(llmOpts, stage.WithGenerateTimeout(time.Duration(cfg.Session.GenerateTimeoutMs)*time.Millisecond))
	}
	llmStage := stage.NewLLM(s.providers.LLM, turns, llmOpts...)

	voice := types.VoiceProfile{
		ID:          cfg.Voice.VoiceID,
		Name:        cfg.Voice.Name,
		Provider:    cfg.Providers.TTS.Name,
		SpeedFactor: cfg.Voice.SpeedFactor,
	}
	ttsStage := stage.NewTTS(s.providers.TTS, voice, ttsSampleRate, turns,
		stage.WithTTSLogger(s.log))

	assistantAgg := stage.NewAssistantAggregator(s.id, s.hist, turns,
		stage.WithAssistantLogger(s.log),
		stage.WithAssistantArchive(s.store))

	return []pipeline.Stage{
		sttStage,
		transcriptLogger,
		userAgg,
		llmStage,
		ttsStage,
		assistantAgg,
	}, nil
}

// Run joins roomID and processes the conversation until the call ends or ctx
// is cancelled. It owns the connection for its whole duration.
func (s *Session) Run(ctx context.Context, roomID string) error {
	conn, err := s.providers.Audio.Connect(ctx, roomID)
	if err != nil {
		return fmt.Errorf("app: connect room %q: %w", roomID, err)
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			s.log.Warn("disconnect", slog.Any("error", err))
		}
	}()
	defer s.closeGate()

	runner := pipeline.NewRunner(ctx)
	runCtx := runner.Context()

	s.mu.Lock()
	s.out = conn.OutputStream()
	s.mu.Unlock()

	s.ctrl.Start(runCtx)

	// Lifecycle events drive the controller; the join that binds the session
	// additionally starts the pump for that participant's audio. The callback
	// runs on a transport goroutine and must not block, so the pump gets its
	// own goroutine. Only the bound participant is pumped: the gate and the
	// conversation serve exactly one speaker.
	conn.OnLifecycleEvent(func(ev audio.Event) {
		s.ctrl.HandleEvent(ev)
		if ev.Type == audio.EventJoin && s.ctrl.Participant() == ev.ParticipantID {
			if ch, ok := conn.InputStreams()[ev.ParticipantID]; ok {
				s.pumpOnce.Do(func() {
					go s.pumpParticipant(runCtx, ev.ParticipantID, ch)
				})
			}
		}
	})

	runner.RunTask(s.task)

	err = runner.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: session %s: %w", s.id, err)
	}
	s.log.Info("session finished", slog.String("room", roomID))
	return nil
}

// pumpParticipant converts the bound participant's inbound audio to the
// recognition format, runs speech detection, and feeds the gated frames to
// the task. It exits when the stream closes or the session stops accepting
// data.
//
// The speech start marker goes to the controller before it is queued. That
// is the barge-in path: the controller's interrupt cancels the spoken-over
// turn at queue time, so the provider stream blocking the dispatch goroutine
// unwinds even though the marker itself still sits behind the backlog.
func (s *Session) pumpParticipant(ctx context.Context, participantID string, in <-chan audio.AudioFrame) {
	defer s.closeGate()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: sttSampleRate, Channels: 1}}

	for frame := range in {
		converted := conv.Convert(frame)
		if len(converted.Data) == 0 {
			continue
		}
		gated, err := s.gate.Gate(pipeline.Frame{
			Kind:        pipeline.KindAudioChunk,
			Audio:       converted,
			Participant: participantID,
		})
		if err != nil {
			s.log.Warn("vad", slog.Any("error", err))
			continue
		}
		for _, f := range gated {
			if f.Kind == pipeline.KindSpeechStart {
				s.ctrl.ObserveFrame(f)
			}
			if err := s.task.QueueFrame(f); err != nil {
				if errors.Is(err, pipeline.ErrSessionTerminated) {
					return
				}
				s.log.Warn("queueing audio", slog.Any("error", err))
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// closeGate releases the VAD session exactly once, whether the pump exits
// first or the session never saw a join.
func (s *Session) closeGate() {
	s.gateOnce.Do(func() {
		if err := s.gate.Close(); err != nil {
			s.log.Warn("closing vad session", slog.Any("error", err))
		}
	})
}

// sink receives every frame that traversed the full chain and plays
// synthesized audio back into the room. Everything else has already had its
// effect inside the stages.
func (s *Session) sink(f pipeline.Frame) {
	if f.Kind != pipeline.KindSynthesizedAudio || len(f.Audio.Data) == 0 {
		return
	}

	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return
	}

	frame := s.outConv.Convert(f.Audio)

	// The output channel is buffered by the transport; a stuck transport must
	// not wedge the dispatch goroutine past the session's end.
	select {
	case out <- frame:
	case <-s.task.Done():
	}
}

func defaultInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func defaultFloat(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
