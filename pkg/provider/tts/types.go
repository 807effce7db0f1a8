package tts

import (
	"sync"
	"time"
)

// VoiceConfig selects and shapes the synthesised voice.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier. Required.
	ID string

	// Stability controls consistency vs. expressiveness (0.0-1.0).
	Stability float64

	// Similarity controls adherence to the original voice (0.0-1.0).
	Similarity float64

	// Style controls style exaggeration (0.0-1.0). Zero disables it.
	Style float64
}

// StreamConfig configures a synthesis stream.
type StreamConfig struct {
	// Voice is the voice profile to synthesise with.
	Voice VoiceConfig

	// SampleRate is the PCM sample rate in Hz the caller wants on the
	// Audio channel. Providers whose native rate differs resample.
	// Defaults to 16000.
	SampleRate int

	// FlushDelay is how long a stream waits after the last Speak before
	// flushing buffered text to the backend. Short agent fragments that
	// arrive within this window are synthesised as one segment. Defaults
	// to 200ms.
	FlushDelay time.Duration

	// InterruptCooldown coalesces rapid repeated Interrupt calls: calls
	// arriving within this window of a previous interrupt are dropped.
	// Defaults to 250ms.
	InterruptCooldown time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FlushDelay == 0 {
		c.FlushDelay = 200 * time.Millisecond
	}
	if c.InterruptCooldown == 0 {
		c.InterruptCooldown = 250 * time.Millisecond
	}
}

// ApplyDefaults fills zero-valued fields with their defaults. Adapters call
// this once in OpenStream.
func (c StreamConfig) ApplyDefaults() StreamConfig {
	c.applyDefaults()
	return c
}

// ListenerSet is an ordered multicast callback registry used by stream
// implementations to satisfy OnComplete. Registration returns a
// deregistration handle; Fire invokes all callbacks in registration order.
// All methods are safe for concurrent use.
type ListenerSet struct {
	mu      sync.Mutex
	entries []listenerEntry
	nextID  int
}

type listenerEntry struct {
	id int
	fn func()
}

// Add registers fn and returns a function that removes it again.
func (s *ListenerSet) Add(fn func()) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.entries = append(s.entries, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.entries {
			if e.id == id {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				return
			}
		}
	}
}

// Fire invokes every registered callback in registration order. Callbacks
// run on the caller's goroutine.
func (s *ListenerSet) Fire() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.entries))
	for _, e := range s.entries {
		fns = append(fns, e.fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
