package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64
)

// controlMessage is the JSON payload of a text frame.
type controlMessage struct {
	Type          string `json:"type"` // "joined" | "left" | "call_state"
	ParticipantID string `json:"participant_id,omitempty"`
	Username      string `json:"username,omitempty"`
	State         string `json:"state,omitempty"` // for "call_state": "ended" | "left"
	Reason        string `json:"reason,omitempty"`
}

// participantStream holds the decode state and delivery channel for one
// remote participant.
type participantStream struct {
	ch  chan audio.AudioFrame
	dec *opusDecoder
}

// Connection adapts a room websocket to the [audio.Connection] interface.
// It demuxes inbound binary frames by participant id into per-participant PCM
// input streams and encodes outgoing PCM frames to Opus for transmission.
//
// Connection is safe for concurrent use.
type Connection struct {
	ws     *websocket.Conn
	roomID string

	inputsMu sync.RWMutex
	inputs   map[string]*participantStream

	output chan audio.AudioFrame

	eventMu sync.Mutex
	eventCb func(audio.Event)

	started time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// newConnection starts the read and write loops for an already-dialed room
// websocket.
func newConnection(ws *websocket.Conn, roomID string) (*Connection, error) {
	c := &Connection{
		ws:      ws,
		roomID:  roomID,
		inputs:  make(map[string]*participantStream),
		output:  make(chan audio.AudioFrame, outputChannelBuffer),
		started: time.Now(),
		done:    make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// InputStreams returns a snapshot of the current per-participant audio
// channels, keyed by participant id.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snapshot := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, st := range c.inputs {
		snapshot[id] = st.ch
	}
	return snapshot
}

// OutputStream returns the write-only channel for bot audio. Frames are
// Opus-encoded and sent to the room by the write loop.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// OnLifecycleEvent registers cb for join/leave/call-ended events, replacing
// any previous registration.
func (c *Connection) OnLifecycleEvent(cb func(audio.Event)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventCb = cb
}

// emit invokes the registered lifecycle callback, if any.
func (c *Connection) emit(ev audio.Event) {
	c.eventMu.Lock()
	cb := c.eventCb
	c.eventMu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Disconnect closes the websocket and all input channels. Safe to call more
// than once.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "disconnect")

		c.inputsMu.Lock()
		for id, st := range c.inputs {
			close(st.ch)
			delete(c.inputs, id)
		}
		c.inputsMu.Unlock()
	})
	return nil
}

// readLoop reads websocket frames until the socket drops or Disconnect is
// called. Text frames are control messages, binary frames are participant
// audio.
func (c *Connection) readLoop() {
	ctx := context.Background()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			select {
			case <-c.done:
			default:
				slog.Warn("room: read loop terminated", "room_id", c.roomID, "err", err)
				c.emit(audio.Event{Type: audio.EventCallEnded, Reason: "transport lost"})
				_ = c.Disconnect()
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			c.handleControl(data)
		case websocket.MessageBinary:
			c.handleAudio(data)
		}
	}
}

// handleControl decodes and dispatches a JSON control message.
func (c *Connection) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("room: malformed control message", "room_id", c.roomID, "err", err)
		return
	}

	switch msg.Type {
	case "joined":
		c.addParticipant(msg.ParticipantID)
		c.emit(audio.Event{
			Type:          audio.EventJoin,
			ParticipantID: msg.ParticipantID,
			Username:      msg.Username,
		})
	case "left":
		c.removeParticipant(msg.ParticipantID)
		c.emit(audio.Event{
			Type:          audio.EventLeave,
			ParticipantID: msg.ParticipantID,
			Username:      msg.Username,
			Reason:        msg.Reason,
		})
	case "call_state":
		if msg.State == "ended" || msg.State == "left" {
			c.emit(audio.Event{Type: audio.EventCallEnded, Reason: msg.State})
		}
	default:
		slog.Debug("room: ignoring control message", "type", msg.Type)
	}
}

// handleAudio decodes one inbound audio packet and delivers it to the
// participant's input channel. The packet is prefixed with a 1-byte id length
// and the participant id.
func (c *Connection) handleAudio(data []byte) {
	if len(data) < 2 {
		return
	}
	idLen := int(data[0])
	if len(data) < 1+idLen+1 {
		return
	}
	id := string(data[1 : 1+idLen])
	packet := data[1+idLen:]

	c.inputsMu.RLock()
	st := c.inputs[id]
	c.inputsMu.RUnlock()
	if st == nil {
		// Audio can race ahead of the "joined" control message.
		st = c.addParticipant(id)
		if st == nil {
			return
		}
	}

	pcm, err := st.dec.decode(packet)
	if err != nil {
		slog.Debug("room: dropping undecodable packet", "participant_id", id, "err", err)
		return
	}

	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Timestamp:  time.Since(c.started),
	}
	select {
	case st.ch <- frame:
	default:
		// Receiver is behind; drop rather than stall the read loop.
	}
}

// addParticipant creates the input stream for a new participant. Returns the
// existing stream if one is already registered.
func (c *Connection) addParticipant(id string) *participantStream {
	if id == "" {
		return nil
	}
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()
	if st, ok := c.inputs[id]; ok {
		return st
	}
	dec, err := newOpusDecoder()
	if err != nil {
		slog.Error("room: cannot create decoder for participant", "participant_id", id, "err", err)
		return nil
	}
	st := &participantStream{
		ch:  make(chan audio.AudioFrame, inputChannelBuffer),
		dec: dec,
	}
	c.inputs[id] = st
	return st
}

// removeParticipant closes and removes a participant's input stream.
func (c *Connection) removeParticipant(id string) {
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()
	if st, ok := c.inputs[id]; ok {
		close(st.ch)
		delete(c.inputs, id)
	}
}

// writeLoop encodes PCM frames from the output channel to Opus and writes them
// to the websocket. Frames arriving after Disconnect are dropped.
func (c *Connection) writeLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("room: cannot create output encoder", "room_id", c.roomID, "err", err)
		return
	}
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}}

	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.output:
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			for _, chunk := range splitFrames(converted.Data) {
				packet, err := enc.encode(chunk)
				if err != nil {
					slog.Debug("room: opus encode failed, dropping frame", "err", err)
					continue
				}
				if err := c.ws.Write(ctx, websocket.MessageBinary, packet); err != nil {
					select {
					case <-c.done:
					default:
						slog.Warn("room: write failed", "room_id", c.roomID, "err", err)
					}
					return
				}
			}
		}
	}
}

// splitFrames cuts PCM data into exact 20 ms Opus frame sizes, padding the
// final chunk with silence. The encoder rejects partial frames.
func splitFrames(pcm []byte) [][]byte {
	frameBytes := opusFrameSize * opusChannels * 2
	var out [][]byte
	for len(pcm) > 0 {
		if len(pcm) >= frameBytes {
			out = append(out, pcm[:frameBytes])
			pcm = pcm[frameBytes:]
			continue
		}
		padded := make([]byte, frameBytes)
		copy(padded, pcm)
		out = append(out, padded)
		break
	}
	return out
}

// String implements fmt.Stringer for log readability.
func (c *Connection) String() string {
	return fmt.Sprintf("room(%s)", c.roomID)
}
