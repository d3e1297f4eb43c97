// Package session implements the per-call session controller: the state
// machine that binds a transport connection to a pipeline task, speaks the
// introduction when the participant arrives, turns mid-response speech into
// barge-in interruptions, and winds the session down when the call ends.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/pipeline"
	"github.com/voxloop/voxloop/internal/prompt"
	"github.com/voxloop/voxloop/pkg/audio"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateAwaitingParticipant waits for the first participant to join.
	StateAwaitingParticipant State = iota
	// StateActive converses.
	StateActive
	// StateEnding drains in-flight work after the participant left.
	StateEnding
	// StateClosed is terminal.
	StateClosed
)

// String returns the state's log name.
func (s State) String() string {
	switch s {
	case StateAwaitingParticipant:
		return "awaiting_participant"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Phase is the turn sub-state nested inside [StateActive].
type Phase int

const (
	// PhaseIdle has no turn in flight.
	PhaseIdle Phase = iota
	// PhaseListening captures user speech.
	PhaseListening
	// PhaseThinking generates the response.
	PhaseThinking
	// PhaseSpeaking plays the response back.
	PhaseSpeaking
)

// String returns the phase's log name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseThinking:
		return "thinking"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithControllerLogger sets the structured logger.
func WithControllerLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithControllerMetrics sets the metrics instance. Default:
// [observe.DefaultMetrics].
func WithControllerMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller is the session state machine.
//
// It receives transport lifecycle events via [Controller.HandleEvent] and
// pipeline frames via [Controller.ObserveFrame], which is wired both as the
// task's observer and as the pump's speech-start callback. Barge-in lives
// here: user speech observed while a turn is thinking or speaking interrupts
// exactly that turn, and repeating the interrupt for the same turn has no
// further effect because the task's turn registry absorbs it.
type Controller struct {
	log     *slog.Logger
	id      string
	mode    prompt.Mode
	task    *pipeline.Task
	metrics *observe.Metrics

	mu          sync.Mutex
	runCtx      context.Context
	state       State
	phase       Phase
	participant string
	currentTurn string
}

// NewController creates a controller bound to the given task.
func NewController(id string, mode prompt.Mode, task *pipeline.Task, opts ...Option) *Controller {
	c := &Controller{
		log:     slog.Default(),
		id:      id,
		mode:    mode,
		task:    task,
		metrics: observe.DefaultMetrics(),
		state:   StateAwaitingParticipant,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start arms the controller. ctx parents the introduction turn and the
// shutdown watcher; it should be the same context the task runs on.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)

	go func() {
		<-c.task.Done()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.metrics.ActiveSessions.Add(context.Background(), -1)
		c.log.Info("session closed", slog.String("session_id", c.id))
	}()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase returns the current turn sub-state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Participant returns the bound participant id, empty before the join.
func (c *Controller) Participant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant
}

// Mode returns the interview mode the session runs in.
func (c *Controller) Mode() prompt.Mode {
	return c.mode
}

// HandleEvent reacts to transport lifecycle events. Wire it as the
// connection's lifecycle callback.
func (c *Controller) HandleEvent(ev audio.Event) {
	switch ev.Type {
	case audio.EventJoin:
		c.handleJoin(ev)
	case audio.EventLeave:
		c.End("participant left")
	case audio.EventCallEnded:
		reason := ev.Reason
		if reason == "" {
			reason = "call ended"
		}
		c.End(reason)
	}
}

// handleJoin binds the session to its first participant and speaks the
// introduction. Later joins are logged and ignored: a session serves exactly
// one participant.
func (c *Controller) handleJoin(ev audio.Event) {
	c.mu.Lock()
	if c.state != StateAwaitingParticipant {
		c.mu.Unlock()
		c.log.Debug("ignoring join outside awaiting state",
			slog.String("session_id", c.id),
			slog.String("participant", ev.ParticipantID))
		return
	}
	c.state = StateActive
	c.participant = ev.ParticipantID
	runCtx := c.runCtx
	c.mu.Unlock()

	c.log.Info("participant joined",
		slog.String("session_id", c.id),
		slog.String("participant", ev.ParticipantID),
		slog.String("mode", string(c.mode)))

	if err := c.task.QueueControl(pipeline.Frame{
		Kind:        pipeline.KindSessionStart,
		Participant: ev.ParticipantID,
	}); err != nil {
		c.log.Error("queueing session start", slog.Any("error", err))
		return
	}

	// The introduction is a ready-made utterance heading straight for
	// synthesis; it runs as a regular turn so barge-in works from the very
	// first word.
	turnID, _ := c.task.Turns().Begin(runCtx)
	c.mu.Lock()
	c.currentTurn = turnID
	c.phase = PhaseThinking
	c.mu.Unlock()

	if err := c.task.QueueFrame(pipeline.Frame{
		Kind: pipeline.KindLLMComplete,
		Turn: turnID,
		Text: prompt.Intro,
	}); err != nil {
		c.log.Error("queueing introduction", slog.Any("error", err))
	}
}

// End moves the session to Ending and begins the drain. Safe to call more
// than once; only the first call queues the session end.
func (c *Controller) End(reason string) {
	c.mu.Lock()
	if c.state == StateEnding || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateEnding
	c.currentTurn = ""
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.log.Info("session ending",
		slog.String("session_id", c.id),
		slog.String("reason", reason))

	if err := c.task.QueueControl(pipeline.Frame{
		Kind:   pipeline.KindSessionEnd,
		Reason: reason,
	}); err != nil {
		c.log.Warn("queueing session end", slog.Any("error", err))
	}
}

// ObserveFrame consumes pipeline frames the controller steers by: speech
// starts arrive from the participant pump, everything else from the task's
// observer on the dispatch goroutine. The mutex serializes the two callers;
// the method only ever queues control frames.
func (c *Controller) ObserveFrame(f pipeline.Frame) {
	switch f.Kind {
	case pipeline.KindSpeechStart:
		c.handleSpeechStart()

	case pipeline.KindTranscript:
		c.mu.Lock()
		if c.state == StateActive {
			c.currentTurn = f.Turn
			c.phase = PhaseThinking
		}
		c.mu.Unlock()

	case pipeline.KindSynthesizedAudio:
		c.mu.Lock()
		if c.currentTurn == f.Turn {
			c.phase = PhaseSpeaking
		}
		c.mu.Unlock()

	case pipeline.KindLLMComplete, pipeline.KindBotStopped:
		c.mu.Lock()
		if c.currentTurn == f.Turn {
			c.currentTurn = ""
			c.phase = PhaseIdle
		}
		c.mu.Unlock()
	}
}

// handleSpeechStart is the barge-in decision point. Speech during Thinking
// or Speaking interrupts the active turn; speech at any other time just
// begins listening.
func (c *Controller) handleSpeechStart() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	interrupting := (c.phase == PhaseThinking || c.phase == PhaseSpeaking) && c.currentTurn != ""
	turn := c.currentTurn
	runCtx := c.runCtx
	if interrupting {
		c.currentTurn = ""
	}
	c.phase = PhaseListening
	c.mu.Unlock()

	if !interrupting {
		return
	}

	c.log.Info("barge-in",
		slog.String("session_id", c.id),
		slog.String("turn", turn))
	c.metrics.Interrupts.Add(runCtx, 1)

	if err := c.task.QueueControl(pipeline.Frame{
		Kind:   pipeline.KindInterrupt,
		Turn:   turn,
		Reason: "barge-in",
	}); err != nil {
		c.log.Warn("queueing interrupt", slog.Any("error", err))
	}
}
