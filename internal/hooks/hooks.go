// Package hooks implements the pipeline's middleware system: named bundles
// of stream transforms for the four fixed seams (pre-STT audio, post-STT
// text, pre-TTS text, post-TTS audio) plus callbacks for the speech-start
// and audio-complete events.
//
// Compose builds an immutable Hooks value once per pipeline. Seam chains
// run in registration order (the first registered middleware sees data
// first); event callbacks multicast in registration order, and a panicking
// callback never prevents the others from running.
package hooks

import (
	"log/slog"
)

// AudioStage transforms a stream of PCM chunks. A stage receives the
// upstream channel and returns its output channel; it owns closing the
// returned channel when the input is exhausted.
type AudioStage func(in <-chan []byte) <-chan []byte

// TextStage transforms a stream of text segments, with the same channel
// ownership rules as AudioStage.
type TextStage func(in <-chan string) <-chan string

// Middleware is a named bundle of seam contributions and event callbacks.
// All fields are optional.
type Middleware struct {
	Name string

	// Seam contributions, applied in slice order within the middleware.
	PreSTT  []AudioStage
	PostSTT []TextStage
	PreTTS  []TextStage
	PostTTS []AudioStage

	// Event callbacks.
	OnSpeechStart   func()
	OnAudioComplete func()
}

type namedCallback struct {
	name string
	fn   func()
}

// Hooks is the composed middleware set for one pipeline. It is read-only
// after Compose; firing events and applying seams takes no locks.
type Hooks struct {
	preSTT  []AudioStage
	postSTT []TextStage
	preTTS  []TextStage
	postTTS []AudioStage

	speechStart   []namedCallback
	audioComplete []namedCallback

	log *slog.Logger
}

// Compose concatenates the middlewares' seam contributions and event
// callbacks in registration order.
func Compose(mws ...Middleware) *Hooks {
	h := &Hooks{log: slog.Default()}
	for _, mw := range mws {
		h.preSTT = append(h.preSTT, mw.PreSTT...)
		h.postSTT = append(h.postSTT, mw.PostSTT...)
		h.preTTS = append(h.preTTS, mw.PreTTS...)
		h.postTTS = append(h.postTTS, mw.PostTTS...)
		if mw.OnSpeechStart != nil {
			h.speechStart = append(h.speechStart, namedCallback{mw.Name, mw.OnSpeechStart})
		}
		if mw.OnAudioComplete != nil {
			h.audioComplete = append(h.audioComplete, namedCallback{mw.Name, mw.OnAudioComplete})
		}
	}
	return h
}

// PreSTT applies the pre-STT seam chain to in.
func (h *Hooks) PreSTT(in <-chan []byte) <-chan []byte {
	return applyAudio(h.preSTT, in)
}

// PostSTT applies the post-STT seam chain to in.
func (h *Hooks) PostSTT(in <-chan string) <-chan string {
	return applyText(h.postSTT, in)
}

// PreTTS applies the pre-TTS seam chain to in.
func (h *Hooks) PreTTS(in <-chan string) <-chan string {
	return applyText(h.preTTS, in)
}

// PostTTS applies the post-TTS seam chain to in.
func (h *Hooks) PostTTS(in <-chan []byte) <-chan []byte {
	return applyAudio(h.postTTS, in)
}

func applyAudio(stages []AudioStage, in <-chan []byte) <-chan []byte {
	for _, stage := range stages {
		in = stage(in)
	}
	return in
}

func applyText(stages []TextStage, in <-chan string) <-chan string {
	for _, stage := range stages {
		in = stage(in)
	}
	return in
}

// FireSpeechStart invokes all speech-start callbacks in registration order.
func (h *Hooks) FireSpeechStart() {
	h.fire(h.speechStart, "speech_start")
}

// FireAudioComplete invokes all audio-complete callbacks in registration
// order.
func (h *Hooks) FireAudioComplete() {
	h.fire(h.audioComplete, "audio_complete")
}

func (h *Hooks) fire(cbs []namedCallback, event string) {
	for _, cb := range cbs {
		h.safeCall(cb, event)
	}
}

func (h *Hooks) safeCall(cb namedCallback, event string) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("middleware callback panicked",
				"middleware", cb.name, "event", event, "panic", r)
		}
	}()
	cb.fn()
}
