// Package vad implements an energy-based voice activity detector and
// utterance buffer.
//
// The detector consumes a continuous mono 16-bit PCM stream, re-chunks it
// into fixed-duration frames, and classifies each frame as speech or silence
// by mean absolute sample magnitude. Consecutive speech frames (debounce)
// open an utterance; consecutive silence frames (hangover) close it. A closed
// utterance is flushed exactly once, fully formed, including the onset frames
// that triggered the transition and the trailing hangover silence.
//
// Speech-start listeners are registered per detector and fire exactly once
// per utterance, at onset. An utterance shorter than the configured minimum
// duration is dropped as noise after the speech-start event has already
// fired; downstream consumers must tolerate a start with no resulting
// utterance.
//
// A Detector belongs to a single audio stream. Write must be called from one
// goroutine; listener registration is safe for concurrent use.
package vad

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/pkg/audio"
)

// Config holds the tuning parameters for a Detector. Zero values select the
// defaults noted on each field.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Default: 16000.
	SampleRate int

	// FrameDuration is the classification window. Default: 32 ms.
	FrameDuration time.Duration

	// EnergyThreshold is the mean absolute sample magnitude above which a
	// frame counts as speech. The maximum for 16-bit audio is 32767; values
	// in the low hundreds correspond to quiet speech. Default: 500.
	EnergyThreshold float64

	// SpeechFrames is the number of consecutive speech frames required to
	// open an utterance (debounce against transients). Default: 3.
	SpeechFrames int

	// SilenceFrames is the number of consecutive silence frames required to
	// close an utterance (hangover, retains trailing speech). Default: 15.
	SilenceFrames int

	// MinUtterance is the minimum duration of detected speech, measured
	// without the trailing hangover silence; shorter utterances are
	// dropped as noise without downstream emission. Default: 300 ms.
	MinUtterance time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 32 * time.Millisecond
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 500
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = 3
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 15
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = 300 * time.Millisecond
	}
}

// Utterance is one continuous segment of detected speech, bounded by a
// speech-start transition and a silence timeout. Ownership transfers to the
// consumer on flush; the detector never touches the buffer again.
type Utterance struct {
	// PCM is the accumulated little-endian 16-bit mono audio, including the
	// onset frames and the trailing hangover silence.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Start is the stream-relative time of the first frame.
	Start time.Duration
}

// Duration returns the play time of the utterance.
func (u Utterance) Duration() time.Duration {
	return audio.Frame{Data: u.PCM, SampleRate: u.SampleRate}.Duration()
}

type state int

const (
	stateIdle state = iota
	stateSpeaking
)

// Detector is the VAD state machine. Create one per stream with [New].
type Detector struct {
	cfg        Config
	frameBytes int

	utterances chan Utterance

	mu        sync.Mutex
	listeners []listener
	nextID    int

	// Stream-side state, touched only by Write/Close.
	pending    []byte // partial frame carried to the next chunk
	st         state
	speechRun  int
	silenceRun int
	onsetBuf   []byte // consecutive speech frames seen while idle
	current    []byte // accumulated utterance while speaking
	start      time.Duration
	elapsed    time.Duration
	closed     bool
}

// New creates a Detector with the given configuration. Flushed utterances are
// delivered on the channel returned by [Detector.Utterances].
func New(cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:        cfg,
		frameBytes: audio.BytesPerFrame(cfg.SampleRate, cfg.FrameDuration),
		utterances: make(chan Utterance, 8),
	}
}

// listener pairs a registration ID with its callback so deregistration does
// not disturb firing order.
type listener struct {
	id int
	fn func()
}

// Utterances returns the channel on which complete utterances are delivered.
// The channel is closed by [Detector.Close].
func (d *Detector) Utterances() <-chan Utterance {
	return d.utterances
}

// OnSpeechStart registers fn to be invoked at each utterance onset. The
// returned function deregisters the listener. Listeners run synchronously on
// the Write goroutine, in registration order.
func (d *Detector) OnSpeechStart(fn func()) (remove func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners = append(d.listeners, listener{id: id, fn: fn})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, l := range d.listeners {
			if l.id == id {
				d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

// Write feeds a chunk of PCM into the detector. Partial frames at chunk
// boundaries are buffered and completed by the next chunk; malformed input
// is never an error.
func (d *Detector) Write(chunk []byte) {
	if d.closed || len(chunk) == 0 {
		return
	}
	d.pending = append(d.pending, chunk...)
	for len(d.pending) >= d.frameBytes {
		frame := d.pending[:d.frameBytes]
		d.processFrame(frame)
		d.pending = d.pending[d.frameBytes:]
		d.elapsed += d.cfg.FrameDuration
	}
}

// Close flushes any in-progress utterance and closes the utterance channel.
// Close is safe to call once per detector; Write calls after Close are
// ignored.
func (d *Detector) Close() {
	if d.closed {
		return
	}
	d.closed = true
	if d.st == stateSpeaking {
		d.flush()
	}
	close(d.utterances)
}

func (d *Detector) processFrame(frame []byte) {
	speech := meanAbs(frame) >= d.cfg.EnergyThreshold

	switch d.st {
	case stateIdle:
		if !speech {
			d.speechRun = 0
			d.onsetBuf = d.onsetBuf[:0]
			return
		}
		if d.speechRun == 0 {
			d.start = d.elapsed
		}
		d.speechRun++
		d.onsetBuf = append(d.onsetBuf, frame...)
		if d.speechRun >= d.cfg.SpeechFrames {
			d.st = stateSpeaking
			d.silenceRun = 0
			d.current = append(d.current, d.onsetBuf...)
			d.onsetBuf = d.onsetBuf[:0]
			d.speechRun = 0
			d.fireSpeechStart()
		}

	case stateSpeaking:
		d.current = append(d.current, frame...)
		if speech {
			d.silenceRun = 0
			return
		}
		d.silenceRun++
		if d.silenceRun >= d.cfg.SilenceFrames {
			d.flush()
		}
	}
}

// flush emits the accumulated utterance (or drops it when below the minimum
// duration) and resets all stream state. The minimum is checked against the
// speech portion only; the trailing hangover silence is padding and must not
// let a transient clear the gate.
func (d *Detector) flush() {
	u := Utterance{PCM: d.current, SampleRate: d.cfg.SampleRate, Start: d.start}
	speech := u.Duration() - time.Duration(d.silenceRun)*d.cfg.FrameDuration
	d.current = nil
	d.st = stateIdle
	d.speechRun = 0
	d.silenceRun = 0

	if speech < d.cfg.MinUtterance {
		slog.Debug("vad: dropping short utterance", "speech", speech)
		return
	}
	d.utterances <- u
}

func (d *Detector) fireSpeechStart() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.listeners))
	for _, l := range d.listeners {
		fns = append(fns, l.fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// meanAbs returns the mean absolute magnitude of the int16 samples in frame.
func meanAbs(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		s := int64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return float64(sum) / float64(n)
}
