package stt

import (
	"sync"
	"time"
)

// Transcript represents a speech-to-text result. Both partial (interim) and
// final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is an authoritative result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0-1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the transcribed audio, where known.
	Duration time.Duration
}

// ListenerSet is an ordered multicast callback registry used by session
// implementations to satisfy OnSpeechStart. Registration returns a
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
