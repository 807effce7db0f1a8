package hooks

import (
	"sync"
	"time"
)

// FillerConfig configures the filler-phrase middleware.
type FillerConfig struct {
	// Threshold is how long the agent may stay silent after a transcript
	// before a filler phrase is injected. Defaults to 1500ms.
	Threshold time.Duration

	// Phrases are cycled through as fillers. Defaults to a small builtin
	// set.
	Phrases []string

	// MaxPerTurn caps injected fillers per user turn. Defaults to 2.
	MaxPerTurn int
}

func (c *FillerConfig) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 1500 * time.Millisecond
	}
	if len(c.Phrases) == 0 {
		c.Phrases = []string{"One moment.", "Let me check that.", "Still with you."}
	}
	if c.MaxPerTurn == 0 {
		c.MaxPerTurn = 2
	}
}

// fillerState is shared between the middleware's two seam taps and its
// speech-start callback.
type fillerState struct {
	cfg FillerConfig

	mu       sync.Mutex
	timer    *time.Timer
	count    int
	phraseIx int

	inject chan string
}

// NewFiller builds the filler-phrase middleware: a post-STT tap arms a
// latency timer when a transcript heads to the agent, and if the threshold
// elapses before real agent text reaches the pre-TTS seam, a filler phrase
// is injected there. The pending timer is cancelled when real text arrives
// or when the user starts speaking again.
func NewFiller(cfg FillerConfig) Middleware {
	cfg.applyDefaults()
	st := &fillerState{
		cfg:    cfg,
		inject: make(chan string, 4),
	}
	return Middleware{
		Name:          "filler",
		PostSTT:       []TextStage{st.postSTT},
		PreTTS:        []TextStage{st.preTTS},
		OnSpeechStart: st.cancelPending,
	}
}

// postSTT forwards transcripts unchanged, arming the filler timer for each
// new user turn.
func (st *fillerState) postSTT(in <-chan string) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)
		for text := range in {
			st.armForTurn()
			out <- text
		}
	}()
	return out
}

// preTTS forwards agent text unchanged, interleaving timer-driven filler
// phrases while the agent is still silent.
func (st *fillerState) preTTS(in <-chan string) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)
		for {
			select {
			case text, ok := <-in:
				if !ok {
					return
				}
				st.cancelPending()
				out <- text
			case phrase := <-st.inject:
				out <- phrase
			}
		}
	}()
	return out
}

// armForTurn resets the per-turn filler budget and starts the latency timer.
func (st *fillerState) armForTurn() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.count = 0
	st.armLocked()
}

func (st *fillerState) armLocked() {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(st.cfg.Threshold, st.fire)
}

// fire injects the next filler phrase and re-arms while the per-turn budget
// lasts.
func (st *fillerState) fire() {
	st.mu.Lock()
	if st.count >= st.cfg.MaxPerTurn {
		st.mu.Unlock()
		return
	}
	st.count++
	phrase := st.cfg.Phrases[st.phraseIx%len(st.cfg.Phrases)]
	st.phraseIx++
	if st.count < st.cfg.MaxPerTurn {
		st.armLocked()
	}
	st.mu.Unlock()

	select {
	case st.inject <- phrase:
	default:
		// Injection queue full; drop rather than stall the seam.
	}
}

// cancelPending stops the latency timer. Called when real agent text arrives
// and on the speech-start event so a user's own speech is never answered
// with filler.
func (st *fillerState) cancelPending() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}
