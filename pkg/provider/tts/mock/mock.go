// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to hand out a scripted Stream and to verify the text segments,
// interrupts and completions a pipeline drives through it.
//
// Example:
//
//	st := mock.NewStream()
//	p := &mock.Provider{Stream: st}
//	h, _ := p.OpenStream(ctx, cfg)
//	h.Speak("hello")
//	st.EmitAudio([]byte{1, 2})
//	st.EmitComplete()
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the handle returned by OpenStream. Assign before use.
	Stream *Stream

	// OpenStreamErr, if non-nil, is returned from OpenStream instead of
	// Stream.
	OpenStreamErr error

	// SynthesizeResult is returned by Synthesize.
	SynthesizeResult []byte

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// OpenStreamCalls records the config of every OpenStream call in order.
	OpenStreamCalls []tts.StreamConfig

	// SynthesizeCalls records the text of every Synthesize call in order.
	SynthesizeCalls []string
}

// OpenStream records the call and returns Stream, OpenStreamErr.
func (p *Provider) OpenStream(_ context.Context, cfg tts.StreamConfig) (tts.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenStreamCalls = append(p.OpenStreamCalls, cfg)
	if p.OpenStreamErr != nil {
		return nil, p.OpenStreamErr
	}
	return p.Stream, nil
}

// Synthesize records the call and returns SynthesizeResult, SynthesizeErr.
func (p *Provider) Synthesize(_ context.Context, text string, _ tts.StreamConfig) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, text)
	return p.SynthesizeResult, p.SynthesizeErr
}

// Stream is a scripted implementation of tts.StreamHandle. Tests push audio
// and completion events through EmitAudio and EmitComplete.
type Stream struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned from Speak.
	SpeakErr error

	// SpeakCalls records every text passed to Speak in order.
	SpeakCalls []string

	// InterruptCalls counts Interrupt invocations.
	InterruptCalls int

	// CloseCalls counts Close invocations.
	CloseCalls int

	audio    chan []byte
	complete tts.ListenerSet
	closed   bool
}

// NewStream creates a Stream with a buffered audio channel.
func NewStream() *Stream {
	return &Stream{audio: make(chan []byte, 64)}
}

// Speak records the call and returns SpeakErr.
func (s *Stream) Speak(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = append(s.SpeakCalls, text)
	return s.SpeakErr
}

// Audio returns the channel EmitAudio feeds.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Interrupt records the call.
func (s *Stream) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCalls++
}

// OnComplete registers a completion listener.
func (s *Stream) OnComplete(fn func()) (remove func()) {
	return s.complete.Add(fn)
}

// Close records the call and closes the audio channel on first use.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.audio)
	}
	return nil
}

// EmitAudio pushes a PCM chunk onto the Audio channel.
func (s *Stream) EmitAudio(chunk []byte) {
	s.audio <- chunk
}

// EmitComplete fires all registered completion listeners.
func (s *Stream) EmitComplete() {
	s.complete.Fire()
}

// Spoken returns a copy of the recorded Speak texts. Thread-safe.
func (s *Stream) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SpeakCalls))
	copy(out, s.SpeakCalls)
	return out
}

// Interrupts returns the current interrupt count. Thread-safe.
func (s *Stream) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCalls
}

var _ tts.Provider = (*Provider)(nil)
var _ tts.StreamHandle = (*Stream)(nil)
