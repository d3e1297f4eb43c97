// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface by opening
// a short-lived stream per utterance: the buffered PCM segment is written in
// chunks, the stream is closed, and the final results are collected into one
// Transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// writeChunkBytes is the size of the binary audio messages sent to
	// Deepgram. 8 KiB of 16 kHz mono int16 is 256 ms of audio.
	writeChunkBytes = 8192
)

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Finalize transcribes one utterance. It dials the streaming endpoint, writes
// the whole PCM segment, asks Deepgram to flush, and concatenates the final
// results. ctx cancellation aborts the exchange and discards partial results.
func (p *Provider) Finalize(ctx context.Context, pcm []byte, cfg stt.Config) (types.Transcript, error) {
	if len(pcm) == 0 {
		return types.Transcript{}, nil
	}

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "utterance finalized")

	// Collect final results concurrently while audio is written; Deepgram may
	// emit finals before the stream is closed.
	type result struct {
		transcript types.Transcript
		err        error
	}
	resultCh := make(chan result, 1)
	go func() {
		t, err := collectFinals(ctx, conn)
		resultCh <- result{transcript: t, err: err}
	}()

	for off := 0; off < len(pcm); off += writeChunkBytes {
		end := min(off+writeChunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return types.Transcript{}, fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: close stream: %w", err)
	}

	select {
	case <-ctx.Done():
		return types.Transcript{}, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return types.Transcript{}, res.err
		}
		return res.transcript, nil
	}
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results
// event. Metadata events share the Type field and are used as the
// end-of-stream signal.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Duration float64 `json:"duration"`
}

// collectFinals reads Deepgram messages until the terminating Metadata event
// (or socket close) and merges all final results into a single Transcript.
func collectFinals(ctx context.Context, conn *websocket.Conn) (types.Transcript, error) {
	var (
		parts      []string
		confidence float64
		nFinals    int
		duration   time.Duration
	)

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return types.Transcript{}, ctx.Err()
			}
			// Deepgram closes the socket after the Metadata event; a close
			// before any final arrived is a provider failure.
			if nFinals == 0 {
				return types.Transcript{}, fmt.Errorf("deepgram: stream closed before results: %w", err)
			}
			break
		}

		text, resp, ok := parseResponse(msg)
		if !ok {
			continue
		}
		if resp.Type == "Metadata" {
			duration = time.Duration(resp.Duration * float64(time.Second))
			break
		}
		if text != "" {
			parts = append(parts, text)
			confidence += resp.Channel.Alternatives[0].Confidence
			nFinals++
		}
	}

	t := types.Transcript{
		Text:     strings.Join(parts, " "),
		Duration: duration,
	}
	if nFinals > 0 {
		t.Confidence = confidence / float64(nFinals)
	}
	return t, nil
}

// parseResponse parses a raw Deepgram WebSocket message. For Results events it
// returns the final transcript text; Metadata events are passed through so the
// caller can detect end-of-stream. Returns ok=false for messages that should
// be ignored (interim results, unknown types, malformed JSON).
func parseResponse(data []byte) (string, deepgramResponse, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", resp, false
	}
	switch resp.Type {
	case "Metadata":
		return "", resp, true
	case "Results":
		if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
			return "", resp, false
		}
		return strings.TrimSpace(resp.Channel.Alternatives[0].Transcript), resp, true
	default:
		return "", resp, false
	}
}
