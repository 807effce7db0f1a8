// Package batchwhisper provides an STT provider backed by a whisper-server
// instance (POST /inference). It implements the stt.Provider interface.
//
// whisper is a batch engine with no native streaming: the session expects to
// be paired with an upstream voice activity detector and receives one
// complete utterance per SendAudio call. Each utterance triggers one
// synchronous inference request. Speech onset cannot be detected by the
// provider, so the session implements stt.SpeechStartNotifier and relies on
// the pipeline to inject the detector's onset signal.
//
// The session optionally applies a short-word echo filter: a brief
// transcript that phonetically matches something the agent just said is
// usually the agent's own synthesized speech leaking back through the
// caller's microphone. The filter is a tunable heuristic with no formal
// basis; every parameter is adjustable and it can be disabled outright.
package batchwhisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// Echo filter defaults.
	defaultEchoWindow   = 6 * time.Second
	defaultEchoMaxWords = 3
	defaultEchoMaxDist  = 2
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to whisper-server (e.g., "en").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithEchoFilter tunes the short-word echo filter. Passing enabled=false
// disables it entirely.
func WithEchoFilter(enabled bool, window time.Duration, maxWords, maxDist int) Option {
	return func(p *Provider) {
		p.echoEnabled = enabled
		if window > 0 {
			p.echoWindow = window
		}
		if maxWords > 0 {
			p.echoMaxWords = maxWords
		}
		if maxDist > 0 {
			p.echoMaxDist = maxDist
		}
	}
}

// Provider implements stt.Provider backed by a whisper-server HTTP endpoint.
type Provider struct {
	serverURL string
	language  string
	client    *http.Client

	echoEnabled  bool
	echoWindow   time.Duration
	echoMaxWords int
	echoMaxDist  int
}

// New creates a Provider targeting the whisper-server at serverURL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("batchwhisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		language:     defaultLanguage,
		client:       &http.Client{},
		echoEnabled:  true,
		echoWindow:   defaultEchoWindow,
		echoMaxWords: defaultEchoMaxWords,
		echoMaxDist:  defaultEchoMaxDist,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ stt.Provider = (*Provider)(nil)

// StartStream opens a batch transcription session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	s := &session{
		ctx:      ctx,
		provider: p,
		rate:     cfg.SampleRate,
		language: lang,
		interim:  cfg.InterimResults,
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		jobs:     make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// inferenceResponse is the JSON body returned by whisper-server.
type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// echoRef is one recently synthesized agent phrase held for echo matching.
type echoRef struct {
	words []string
	at    time.Time
}

// session is a batch transcription session. It implements stt.SessionHandle
// and stt.SpeechStartNotifier.
type session struct {
	ctx      context.Context
	provider *Provider
	rate     int
	language string
	interim  bool

	partials chan stt.Transcript
	finals   chan stt.Transcript
	starts   stt.ListenerSet

	// jobs carries queued utterances to the single inference worker, which
	// preserves submission order and never drops an utterance.
	jobs chan []byte

	mu       sync.Mutex
	inflight context.CancelFunc
	echoRefs []echoRef
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

var (
	_ stt.SessionHandle       = (*session)(nil)
	_ stt.SpeechStartNotifier = (*session)(nil)
)

// SendAudio submits one complete utterance for inference. Utterances queue
// to a single worker and are transcribed strictly in submission order; a slow
// request delays its successors rather than being abandoned. SendAudio blocks
// only when the queue is full.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("batchwhisper: session is closed")
	}
	s.mu.Unlock()

	select {
	case s.jobs <- chunk:
		return nil
	case <-s.done:
		return errors.New("batchwhisper: session is closed")
	}
}

// worker drains the utterance queue one request at a time. The running
// request's cancel func is published as inflight so Interrupt and Close can
// abort it without touching the queue.
func (s *session) worker() {
	defer s.wg.Done()
	for {
		select {
		case pcm := <-s.jobs:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			reqCtx, cancel := context.WithCancel(s.ctx)
			s.inflight = cancel
			s.mu.Unlock()

			s.transcribe(reqCtx, pcm)

			s.mu.Lock()
			s.inflight = nil
			s.mu.Unlock()
			cancel()
		case <-s.done:
			return
		}
	}
}

// transcribe runs one inference request and delivers the result. Provider
// failures are logged and swallowed: a failed transcription simply produces
// no output for this utterance.
func (s *session) transcribe(ctx context.Context, pcm []byte) {
	text, err := s.provider.infer(ctx, pcm, s.rate, s.language)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("batchwhisper: inference failed", "error", err)
		}
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if s.isLikelyEcho(text) {
		slog.Debug("batchwhisper: dropping suspected echo", "text", text)
		return
	}

	t := stt.Transcript{
		Text:     text,
		IsFinal:  true,
		Duration: time.Duration(len(pcm)/2) * time.Second / time.Duration(s.rate),
	}
	if s.interim {
		// whisper cannot produce true partials; mirror the final on the
		// partial channel for activity indicators.
		interim := t
		interim.IsFinal = false
		s.deliver(s.partials, interim)
	}
	s.deliver(s.finals, t)
}

func (s *session) deliver(ch chan stt.Transcript, t stt.Transcript) {
	select {
	case ch <- t:
	case <-s.done:
	}
}

// infer posts a WAV-wrapped utterance to whisper-server.
func (p *Provider) infer(ctx context.Context, pcm []byte, rate int, language string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wavEncode(pcm, rate)); err != nil {
		return "", err
	}
	if err := mw.WriteField("language", language); err != nil {
		return "", err
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, b)
	}
	var ir inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if ir.Error != "" {
		return "", errors.New(ir.Error)
	}
	return ir.Text, nil
}

// Finals returns the channel of finalized transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// OnSpeechStart registers a speech-onset listener.
func (s *session) OnSpeechStart(fn func()) (remove func()) {
	return s.starts.Add(fn)
}

// NotifySpeechStart fans the upstream detector's onset signal out to all
// registered listeners.
func (s *session) NotifySpeechStart() {
	s.starts.Fire()
}

// Interrupt cancels the in-flight inference request. Queued utterances are
// untouched; the worker moves on to them. A no-op when nothing is in flight.
func (s *session) Interrupt() {
	s.mu.Lock()
	cancel := s.inflight
	s.inflight = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close terminates the session, cancels in-flight work, and closes the
// transcript channels. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.inflight
	s.inflight = nil
	close(s.done)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	close(s.partials)
	close(s.finals)
	return nil
}

// AddEchoReference records text the agent is about to speak so the echo
// filter can match leaked playback against it.
func (s *session) AddEchoReference(text string) {
	if !s.provider.echoEnabled {
		return
	}
	words := normalizeWords(text)
	if len(words) == 0 {
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.echoRefs = append(s.echoRefs, echoRef{words: words, at: now})
	// Drop references outside the match window.
	cutoff := now.Add(-s.provider.echoWindow)
	keep := s.echoRefs[:0]
	for _, r := range s.echoRefs {
		if r.at.After(cutoff) {
			keep = append(keep, r)
		}
	}
	s.echoRefs = keep
	s.mu.Unlock()
}

// isLikelyEcho reports whether a short transcript phonetically matches a
// recently spoken agent phrase. Long transcripts are never treated as echo.
func (s *session) isLikelyEcho(text string) bool {
	if !s.provider.echoEnabled {
		return false
	}
	words := normalizeWords(text)
	if len(words) == 0 || len(words) > s.provider.echoMaxWords {
		return false
	}

	cutoff := time.Now().Add(-s.provider.echoWindow)
	s.mu.Lock()
	refs := make([]echoRef, len(s.echoRefs))
	copy(refs, s.echoRefs)
	s.mu.Unlock()

	for _, w := range words {
		matched := false
		for _, r := range refs {
			if r.at.Before(cutoff) {
				continue
			}
			for _, rw := range r.words {
				if wordsSimilar(w, rw, s.provider.echoMaxDist) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// wordsSimilar reports whether two words sound alike: either their primary
// double-metaphone codes agree or their edit distance is within maxDist.
func wordsSimilar(a, b string, maxDist int) bool {
	if a == b {
		return true
	}
	ma, _ := matchr.DoubleMetaphone(a)
	mb, _ := matchr.DoubleMetaphone(b)
	if ma != "" && ma == mb {
		return true
	}
	return matchr.Levenshtein(a, b) <= maxDist
}

// normalizeWords lower-cases text and strips punctuation, returning the word
// list used for echo matching.
func normalizeWords(text string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// wavEncode wraps little-endian 16-bit mono PCM in a minimal WAV container.
func wavEncode(pcm []byte, rate int) []byte {
	var buf bytes.Buffer
	dataLen := uint32(len(pcm))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))      // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))     // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}
