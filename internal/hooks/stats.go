package hooks

import (
	"sync"
	"time"
)

// Seam names reported by the StageStats middleware.
const (
	SeamPreSTT  = "pre_stt"
	SeamPostSTT = "post_stt"
	SeamPreTTS  = "pre_tts"
	SeamPostTTS = "post_tts"
)

// StatsSink receives per-seam observations from the StageStats middleware.
// internal/observe provides the production implementation.
type StatsSink interface {
	// ObserveChunk records one chunk passing a seam and its size in bytes
	// (text seams report the segment length).
	ObserveChunk(seam string, size int)

	// ObserveGap records the time between consecutive chunks on a seam.
	ObserveGap(seam string, d time.Duration)
}

// NewStageStats builds an observation-only middleware tapping every seam.
// All data is forwarded unchanged.
func NewStageStats(sink StatsSink) Middleware {
	return Middleware{
		Name:    "stage_stats",
		PreSTT:  []AudioStage{tapAudio(sink, SeamPreSTT)},
		PostSTT: []TextStage{tapText(sink, SeamPostSTT)},
		PreTTS:  []TextStage{tapText(sink, SeamPreTTS)},
		PostTTS: []AudioStage{tapAudio(sink, SeamPostTTS)},
	}
}

// gapClock tracks inter-chunk spacing for one seam tap.
type gapClock struct {
	mu   sync.Mutex
	last time.Time
}

func (g *gapClock) tick() (time.Duration, bool) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last.IsZero() {
		g.last = now
		return 0, false
	}
	d := now.Sub(g.last)
	g.last = now
	return d, true
}

func tapAudio(sink StatsSink, seam string) AudioStage {
	clock := &gapClock{}
	return func(in <-chan []byte) <-chan []byte {
		out := make(chan []byte, 1)
		go func() {
			defer close(out)
			for chunk := range in {
				sink.ObserveChunk(seam, len(chunk))
				if d, ok := clock.tick(); ok {
					sink.ObserveGap(seam, d)
				}
				out <- chunk
			}
		}()
		return out
	}
}

func tapText(sink StatsSink, seam string) TextStage {
	clock := &gapClock{}
	return func(in <-chan string) <-chan string {
		out := make(chan string, 1)
		go func() {
			defer close(out)
			for text := range in {
				sink.ObserveChunk(seam, len(text))
				if d, ok := clock.tick(); ok {
					sink.ObserveGap(seam, d)
				}
				out <- text
			}
		}()
		return out
	}
}
