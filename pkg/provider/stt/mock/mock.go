// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled Transcript values to the pipeline and to
// inspect which audio segments were finalized.
//
// Example:
//
//	p := &mock.Provider{
//	    FinalizeResult: types.Transcript{Text: "hello there"},
//	}
//	transcript, err := p.Finalize(ctx, pcm, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

// FinalizeCall records a single invocation of Provider.Finalize.
type FinalizeCall struct {
	// PCM is a copy of the audio bytes passed to Finalize.
	PCM []byte

	// Cfg is the Config passed to Finalize.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// FinalizeResult is returned by every Finalize call when FinalizeFunc and
	// FinalizeErr are unset.
	FinalizeResult types.Transcript

	// FinalizeErr, if non-nil, is returned as the error from Finalize.
	FinalizeErr error

	// FinalizeErrs, if non-empty, is consumed one error per call before
	// FinalizeResult takes over. A nil entry means that call succeeds. This
	// supports retry tests (fail once, then succeed).
	FinalizeErrs []error

	// FinalizeFunc, if non-nil, replaces the canned behaviour entirely.
	// Useful for blocking until ctx cancellation in interruption tests.
	FinalizeFunc func(ctx context.Context, pcm []byte, cfg stt.Config) (types.Transcript, error)

	// FinalizeCalls records every call to Finalize in order.
	FinalizeCalls []FinalizeCall
}

// Finalize records the call and returns the configured result.
func (p *Provider) Finalize(ctx context.Context, pcm []byte, cfg stt.Config) (types.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.FinalizeCalls = append(p.FinalizeCalls, FinalizeCall{PCM: cp, Cfg: cfg})

	fn := p.FinalizeFunc
	var queued error
	var hasQueued bool
	if len(p.FinalizeErrs) > 0 {
		queued = p.FinalizeErrs[0]
		p.FinalizeErrs = p.FinalizeErrs[1:]
		hasQueued = true
	}
	result := p.FinalizeResult
	err := p.FinalizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, cfg)
	}
	if hasQueued && queued != nil {
		return types.Transcript{}, queued
	}
	if !hasQueued && err != nil {
		return types.Transcript{}, err
	}
	return result, nil
}

// CallCount returns the number of Finalize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.FinalizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FinalizeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
