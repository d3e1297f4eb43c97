// Package room implements the reference websocket call-room transport for the
// [audio.Platform] and [audio.Connection] interfaces.
//
// The wire protocol is a single websocket carrying two kinds of messages:
//
//   - Text frames hold JSON control messages: participant joined/left and
//     call-state changes.
//   - Binary frames hold Opus audio. Inbound packets are prefixed with a
//     1-byte participant-id length followed by the id bytes; outbound packets
//     are raw Opus (the bot is the only non-participant sender).
//
// Audio is 48 kHz stereo Opus in 20 ms packets, decoded to little-endian
// int16 PCM on receive and encoded on send.
package room

import (
	"context"
	"fmt"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform connects to websocket call rooms.
type Platform struct {
	baseURL string
	token   string
}

// Option configures a Platform.
type Option func(*Platform)

// WithToken sets the bearer token presented when joining a room.
func WithToken(token string) Option {
	return func(p *Platform) {
		p.token = token
	}
}

// NewPlatform creates a Platform that joins rooms under baseURL
// (e.g. "wss://rooms.example.com").
func NewPlatform(baseURL string, opts ...Option) *Platform {
	p := &Platform{baseURL: baseURL}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials the room's websocket endpoint and returns an active
// [audio.Connection]. ctx governs the dial only; the returned connection lives
// until Disconnect is called or the socket drops.
func (p *Platform) Connect(ctx context.Context, roomID string) (audio.Connection, error) {
	url := fmt.Sprintf("%s/rooms/%s/ws", p.baseURL, roomID)

	var opts websocket.DialOptions
	if p.token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + p.token},
		}
	}

	ws, _, err := websocket.Dial(ctx, url, &opts)
	if err != nil {
		return nil, fmt.Errorf("room: dial %s: %w", url, err)
	}
	// Opus packets are small; the default 32 KiB read limit is plenty, but
	// control bursts on large rooms can exceed it.
	ws.SetReadLimit(1 << 20)

	return newConnection(ws, roomID)
}
