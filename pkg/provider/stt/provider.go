// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service and exposes a uniform
// streaming interface. Two provider shapes exist behind the same contract:
//
//   - Streaming providers (e.g., Deepgram) hold a persistent connection,
//     accept continuous audio, perform their own endpointing, and forward a
//     native speech-detected signal.
//   - Batch providers (e.g., a whisper-server) have no native streaming and
//     must be paired with an upstream voice activity detector so that each
//     SendAudio call carries one complete utterance. Batch sessions cannot
//     detect speech onset themselves; they implement [SpeechStartNotifier]
//     so the pipeline can inject the detector's onset signal.
//
// Provider errors during transcription are logged and swallowed inside the
// session: a failed transcription produces no output for that utterance and
// never aborts the pipeline.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition tuning for a new
// session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz of audio passed to SendAudio.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect where supported.
	Language string

	// InterimResults requests low-latency partial transcripts on the
	// Partials channel. Purely observational; finals are unaffected.
	InterimResults bool
}

// SessionHandle represents an open transcription session. Callers must call
// Close when done; all methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers PCM audio for transcription. Streaming sessions
	// accept arbitrary chunks of a continuous stream; batch sessions expect
	// one complete utterance per call. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Finals returns the channel of finalized transcript texts. Only
	// non-empty, authoritative results are emitted. The channel is closed
	// when the session ends.
	Finals() <-chan Transcript

	// Partials returns the channel of interim transcripts. Batch sessions
	// that do not produce partials return a channel that never emits but is
	// closed with the session.
	Partials() <-chan Transcript

	// OnSpeechStart registers fn to fire when speech onset is detected. The
	// returned function deregisters the listener. Multiple independent
	// listeners are supported; they fire in registration order.
	OnSpeechStart(fn func()) (remove func())

	// Interrupt tears down in-flight transcription work without error.
	// Calling Interrupt when nothing is in flight is a no-op. The session
	// remains usable: the next SendAudio re-establishes any connection.
	Interrupt()

	// Close terminates the session and closes the transcript channels.
	// Close is idempotent.
	Close() error
}

// SpeechStartNotifier is implemented by sessions that cannot detect speech
// onset natively (batch providers). The pipeline calls NotifySpeechStart from
// its own detector's onset event; the session then fans the signal out to its
// registered listeners.
type SpeechStartNotifier interface {
	NotifySpeechStart()
}

// EchoReferencer is implemented by sessions that filter the agent's own
// synthesized speech out of their transcripts. The pipeline feeds every
// phrase sent to synthesis into AddEchoReference so the session can match
// leaked playback against it.
type EchoReferencer interface {
	AddEchoReference(text string)
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new transcription session. The returned handle is
	// ready to accept audio immediately. Returns an error only if the
	// session cannot be established.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
