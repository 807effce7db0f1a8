package resilience

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// Failover covers stream establishment and one-shot synthesis. An open
// stream sticks to the backend that produced it; barge-in and completion
// semantics are that backend's responsibility.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis backend. Fallbacks are tried
// in registration order after the primary.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// OpenStream opens a synthesis stream against the first healthy backend.
func (f *TTSFallback) OpenStream(ctx context.Context, cfg tts.StreamConfig) (tts.StreamHandle, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.StreamHandle, error) {
		return p.OpenStream(ctx, cfg)
	})
}

// Synthesize renders text in one shot using the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, cfg tts.StreamConfig) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, cfg)
	})
}
