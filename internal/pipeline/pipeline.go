// Package pipeline composes the full voice loop for one session: inbound
// audio through edge decoding, voice activity detection and speech-to-text,
// agent turns, and text-to-speech back out to the transport encoding.
//
// The pipeline is a set of channel stages supervised by an errgroup. Audio
// and text flow strictly forward; control signals (barge-in, hang-up) travel
// against the flow via callbacks. Middleware seams sit between each pair of
// stages, see the hooks package.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/voxpipe/internal/checkpoint"
	"github.com/voxpipe/voxpipe/internal/hooks"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/turn"
	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/stt"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
	"github.com/voxpipe/voxpipe/pkg/vad"
)

const (
	// textBuf absorbs agent output bursts without blocking the turn loop.
	textBuf = 16

	// audioBuf absorbs synthesis bursts without blocking the TTS reader.
	audioBuf = 64

	// greetingChunkBytes splits one-shot greeting audio into chunks
	// comparable to streamed synthesis output.
	greetingChunkBytes = 3200
)

// Config tunes one session's pipeline.
type Config struct {
	// ThreadID identifies the conversation for checkpointing. A fresh
	// UUID is generated when empty.
	ThreadID string

	// SampleRate is the internal PCM rate in Hz. Defaults to 16000.
	SampleRate int

	// Transport is the wire format of the in and out channels passed to
	// Run. Defaults to μ-law at 8000 Hz.
	Transport audio.Format

	// Greeting, when non-empty, is synthesised and played before any
	// user input is processed.
	Greeting string

	// Language is the recognition language tag passed to the STT
	// provider. Empty auto-detects.
	Language string

	// TurnTimeout bounds one agent turn. Zero uses the turn package
	// default.
	TurnTimeout time.Duration

	// VAD tunes the local voice activity detector used with batch STT
	// providers.
	VAD vad.Config

	// TTS configures the synthesis stream (voice, flush, cooldown).
	TTS tts.StreamConfig

	// Middlewares are composed into the pipeline's seams and events in
	// slice order.
	Middlewares []hooks.Middleware

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ThreadID == "" {
		c.ThreadID = uuid.NewString()
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Transport.SampleRate == 0 {
		c.Transport = audio.Format{MuLaw: true, SampleRate: 8000}
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.VAD.SampleRate = c.SampleRate
	c.TTS.SampleRate = c.SampleRate
}

// Pipeline runs the voice loop for a single session. Construct with New,
// then call Run exactly once.
type Pipeline struct {
	sttP  stt.Provider
	ttsP  tts.Provider
	agent turn.Agent
	store checkpoint.Store
	cfg   Config
	log   *slog.Logger
	h     *hooks.Hooks

	// hangup coordination between the turn loop and the audio-complete
	// listener.
	hangupArmed  atomic.Bool
	hangupReason atomic.Value // string

	// speakStartNs is the wall time of the first unanswered Speak, for
	// first-audio latency. Zero when no measurement is pending.
	speakStartNs atomic.Int64

	// utteranceSentNs marks the last utterance handed to a batch STT
	// session, for transcription latency. Zero when none is in flight.
	utteranceSentNs atomic.Int64

	cancel context.CancelFunc
}

// New assembles a Pipeline from its providers and stores. The pipeline does
// nothing until Run is called.
func New(sttP stt.Provider, ttsP tts.Provider, agent turn.Agent, store checkpoint.Store, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		sttP:  sttP,
		ttsP:  ttsP,
		agent: agent,
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.With("thread_id", cfg.ThreadID),
		h:     hooks.Compose(cfg.Middlewares...),
	}
}

// ThreadID returns the conversation identifier this pipeline checkpoints
// under.
func (p *Pipeline) ThreadID() string { return p.cfg.ThreadID }

// Run drives the session until ctx is cancelled, in closes, or the agent
// hangs up. Chunks read from in must be in the configured transport format;
// chunks written to out are in the same format. Run closes out before
// returning. The caller retains ownership of in and must close it when the
// transport disconnects.
func (p *Pipeline) Run(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	defer close(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel = cancel

	m := p.cfg.Metrics
	m.ActiveSessions.Add(ctx, 1)
	defer m.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	pipeFmt := audio.Format{SampleRate: p.cfg.SampleRate}

	sttSess, err := p.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: p.cfg.SampleRate,
		Language:   p.cfg.Language,
	})
	if err != nil {
		return fmt.Errorf("pipeline: start stt session: %w", err)
	}
	defer sttSess.Close()

	ttsStream, err := p.ttsP.OpenStream(ctx, p.cfg.TTS)
	if err != nil {
		return fmt.Errorf("pipeline: open tts stream: %w", err)
	}
	defer ttsStream.Close()

	// audioIn carries synthesis output toward the transport. Declared here
	// so the barge-in handler can flush it.
	audioIn := make(chan []byte, audioBuf)

	// Barge-in: speech onset interrupts playback and discards synthesis
	// audio already queued, so nothing stale plays after the user starts
	// talking. The stream drops the interrupt itself when idle or inside
	// its cooldown window.
	removeOnSpeech := sttSess.OnSpeechStart(func() {
		ttsStream.Interrupt()
		drainAudio(audioIn)
		p.h.FireSpeechStart()
		m.Interrupts.Add(context.WithoutCancel(ctx), 1)
	})
	defer removeOnSpeech()

	removeOnComplete := ttsStream.OnComplete(func() {
		p.h.FireAudioComplete()
		if p.hangupArmed.Load() {
			p.executeHangup()
		}
	})
	defer removeOnComplete()

	g, gctx := errgroup.WithContext(ctx)

	// Inbound: transport bytes to pipeline PCM, through the pre-STT seam,
	// into either the local detector (batch providers) or the session's
	// continuous stream.
	preSTT := p.h.PreSTT(audio.ConvertStream(in, p.cfg.Transport, pipeFmt))
	notifier, batch := sttSess.(stt.SpeechStartNotifier)
	if batch {
		det := vad.New(p.cfg.VAD)
		removeDet := det.OnSpeechStart(notifier.NotifySpeechStart)
		defer removeDet()

		g.Go(func() error {
			defer det.Close()
			return p.feedAudio(gctx, preSTT, det.Write)
		})
		g.Go(func() error {
			for u := range det.Utterances() {
				m.Utterances.Add(gctx, 1)
				p.utteranceSentNs.Store(time.Now().UnixNano())
				if err := sttSess.SendAudio(u.PCM); err != nil {
					p.log.Error("send utterance to stt", "error", err)
				}
			}
			return nil
		})
	} else {
		g.Go(func() error {
			return p.feedAudio(gctx, preSTT, func(chunk []byte) {
				if err := sttSess.SendAudio(chunk); err != nil {
					p.log.Error("send audio to stt", "error", err)
				}
			})
		})
	}

	// Transcripts: final results through the post-STT seam into the turn
	// loop.
	textsIn := make(chan string, textBuf)
	g.Go(func() error {
		defer close(textsIn)
		for {
			select {
			case tr, ok := <-sttSess.Finals():
				if !ok {
					return nil
				}
				if sent := p.utteranceSentNs.Swap(0); sent != 0 {
					m.STTDuration.Record(gctx, time.Since(time.Unix(0, sent)).Seconds())
				}
				select {
				case textsIn <- tr.Text:
				case <-gctx.Done():
					return nil
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	// Agent turns. The controller writes speakable text to agentOut; a
	// forwarder moves it toward synthesis so ProcessTurn never blocks on
	// a slow TTS backend.
	agentOut := make(chan string, textBuf)
	ttsIn := make(chan string, textBuf)

	ctrl, err := turn.NewController(ctx, p.agent, p.store, turn.Config{
		ThreadID:    p.cfg.ThreadID,
		TurnTimeout: p.cfg.TurnTimeout,
		Logger:      p.log,
		OnSuspend: func(checkpoint.Suspension) {
			m.Suspensions.Add(context.WithoutCancel(ctx), 1)
		},
		OnHangup: func(reason string) {
			m.Hangups.Add(context.WithoutCancel(ctx), 1)
			p.hangupReason.Store(reason)
			p.hangupArmed.Store(true)
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline: create turn controller: %w", err)
	}

	postSTT := p.h.PostSTT(textsIn)
	g.Go(func() error {
		defer close(agentOut)
		for text := range postSTT {
			start := time.Now()
			spoke := ctrl.ProcessTurn(gctx, text, agentOut)
			m.TurnDuration.Record(gctx, time.Since(start).Seconds())

			// A hang-up with no speakable output has no audio to wait
			// for; execute it now instead of deferring to the
			// audio-complete event.
			if p.hangupArmed.Load() && !spoke {
				p.executeHangup()
				return nil
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(ttsIn)
		for text := range agentOut {
			select {
			case ttsIn <- text:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	// Synthesis: agent text through the pre-TTS seam into the stream.
	// Every spoken phrase is also registered as an echo reference so the
	// STT side can discard leaked playback.
	echoRef, _ := sttSess.(stt.EchoReferencer)
	preTTS := p.h.PreTTS(ttsIn)
	g.Go(func() error {
		for text := range preTTS {
			if echoRef != nil {
				echoRef.AddEchoReference(text)
			}
			p.speakStartNs.CompareAndSwap(0, time.Now().UnixNano())
			if err := ttsStream.Speak(text); err != nil {
				p.log.Error("speak failed", "error", err)
				m.RecordProviderError(gctx, "tts", "speak")
			}
		}
		return nil
	})

	// Outbound: greeting first, then streamed synthesis audio, through
	// the post-TTS seam, back to the transport format.
	g.Go(func() error {
		defer close(audioIn)
		if p.cfg.Greeting != "" {
			p.playGreeting(gctx, audioIn)
		}
		for {
			select {
			case chunk, ok := <-ttsStream.Audio():
				if !ok {
					return nil
				}
				if start := p.speakStartNs.Swap(0); start != 0 {
					m.TTSDuration.Record(gctx, time.Since(time.Unix(0, start)).Seconds())
				}
				select {
				case audioIn <- chunk:
				case <-gctx.Done():
					return nil
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	outBytes := audio.ConvertStream(p.h.PostTTS(audioIn), pipeFmt, p.cfg.Transport)
	g.Go(func() error {
		for chunk := range outBytes {
			select {
			case out <- chunk:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drainAudio discards everything queued on ch without blocking.
func drainAudio(ch <-chan []byte) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// feedAudio delivers chunks from in to sink until in closes or ctx is
// cancelled.
func (p *Pipeline) feedAudio(ctx context.Context, in <-chan []byte, sink func([]byte)) error {
	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				return nil
			}
			sink(chunk)
		case <-ctx.Done():
			return nil
		}
	}
}

// playGreeting synthesises the configured greeting once and pushes it into
// the outbound audio path in stream-sized chunks.
func (p *Pipeline) playGreeting(ctx context.Context, audioIn chan<- []byte) {
	pcm, err := p.ttsP.Synthesize(ctx, p.cfg.Greeting, p.cfg.TTS)
	if err != nil {
		p.log.Error("greeting synthesis failed", "error", err)
		p.cfg.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		return
	}
	for off := 0; off < len(pcm); off += greetingChunkBytes {
		end := min(off+greetingChunkBytes, len(pcm))
		select {
		case audioIn <- pcm[off:end]:
		case <-ctx.Done():
			return
		}
	}
}

// executeHangup ends the session after an agent-initiated conversation end.
// Idempotent: only the first call acts.
func (p *Pipeline) executeHangup() {
	if !p.hangupArmed.Swap(false) {
		return
	}
	reason, _ := p.hangupReason.Load().(string)
	p.log.Info("agent ended conversation", "reason", reason)
	p.cancel()
}
