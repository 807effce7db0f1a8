// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Session is a mock implementation of stt.SessionHandle. It also implements
// stt.SpeechStartNotifier and stt.EchoReferencer so pipeline capability
// checks can be exercised in tests.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// SentChunks records a copy of every chunk passed to SendAudio.
	SentChunks [][]byte

	// EchoRefs records every call to AddEchoReference.
	EchoRefs []string

	// InterruptCalls counts Interrupt invocations.
	InterruptCalls int

	// FinalsCh and PartialsCh are the channels returned by Finals/Partials.
	// Tests write to them to simulate provider output.
	FinalsCh   chan stt.Transcript
	PartialsCh chan stt.Transcript

	starts stt.ListenerSet
	closed bool
}

var (
	_ stt.SessionHandle       = (*Session)(nil)
	_ stt.SpeechStartNotifier = (*Session)(nil)
	_ stt.EchoReferencer      = (*Session)(nil)
)

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		FinalsCh:   make(chan stt.Transcript, 16),
		PartialsCh: make(chan stt.Transcript, 16),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SentChunks = append(s.SentChunks, cp)
	return nil
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// OnSpeechStart registers a listener on the mock's listener set.
func (s *Session) OnSpeechStart(fn func()) (remove func()) {
	return s.starts.Add(fn)
}

// NotifySpeechStart fires all registered speech-start listeners.
func (s *Session) NotifySpeechStart() {
	s.starts.Fire()
}

// AddEchoReference records the reference text.
func (s *Session) AddEchoReference(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EchoRefs = append(s.EchoRefs, text)
}

// Interrupt increments InterruptCalls.
func (s *Session) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCalls++
}

// Interrupts returns the number of Interrupt calls so far.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCalls
}

// Sent returns a copy of the recorded SendAudio chunks. Thread-safe.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentChunks))
	copy(out, s.SentChunks)
	return out
}

// EchoReferences returns a copy of the recorded echo texts. Thread-safe.
func (s *Session) EchoReferences() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.EchoRefs))
	copy(out, s.EchoRefs)
	return out
}

// Close closes the transcript channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.FinalsCh)
	close(s.PartialsCh)
	return nil
}
