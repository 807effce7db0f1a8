// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local Piper instance) and presents a uniform streaming interface. The
// primary entry point is OpenStream, which returns a long-lived StreamHandle
// accepting text segments and emitting raw PCM audio as it is synthesised,
// enabling low-latency pipelining between agent output and playback.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// StreamHandle is a live synthesis stream. One handle serves one session;
// text segments pushed through Speak come back as PCM chunks on Audio in
// submission order.
type StreamHandle interface {
	// Speak queues a text segment for synthesis. Segments submitted close
	// together may be batched into one synthesis request; see
	// StreamConfig.FlushDelay.
	Speak(text string) error

	// Audio returns the channel of raw PCM chunks (16-bit little-endian
	// mono at StreamConfig.SampleRate). The channel is closed by Close.
	// Callers must drain it to avoid stalling synthesis.
	Audio() <-chan []byte

	// Interrupt aborts in-flight synthesis. No audio from the interrupted
	// segment is emitted after Interrupt returns. Idempotent, and a no-op
	// when nothing is in flight; rapid repeated calls inside
	// StreamConfig.InterruptCooldown are coalesced. The handle stays
	// usable: the next Speak starts fresh.
	Interrupt()

	// OnComplete registers fn to run each time a segment has been fully
	// synthesised and delivered. It never fires for interrupted segments.
	// The returned func deregisters the listener.
	OnComplete(fn func()) (remove func())

	// Close ends the stream and closes the Audio channel. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// OpenStream starts a synthesis stream for a session. The returned
	// handle is valid until Close; transport failures inside the handle
	// are recovered internally where possible.
	OpenStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	// Synthesize renders text to a complete PCM buffer on an isolated
	// connection. Intended for one-shot announcements (e.g., a session
	// greeting); it shares no state with open streams.
	Synthesize(ctx context.Context, text string, cfg StreamConfig) ([]byte, error)
}
