// Package deepgram provides a Deepgram-backed streaming STT provider using
// the Deepgram listen WebSocket API. It implements the stt.Provider
// interface.
//
// Deepgram performs its own endpointing, so sessions accept continuous audio
// and need no upstream voice activity detector. The provider's SpeechStarted
// events are forwarded as the session's speech-start signal.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

const (
	listenEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests to point at a
// local fake server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: listenEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ stt.Provider = (*Provider)(nil)

// StartStream opens a streaming transcription session. The connection is
// established lazily on the first SendAudio so that an interrupted session
// can re-dial with the same handle.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	s := &session{
		ctx:      ctx,
		apiKey:   p.apiKey,
		url:      wsURL,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}
	return s, nil
}

// buildURL constructs the listen endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("vad_events", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listenMessage covers the two Deepgram message types the session cares
// about: Results (transcripts) and SpeechStarted (VAD events).
type listenMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements
// stt.SessionHandle and re-dials transparently after Interrupt.
type session struct {
	ctx    context.Context
	apiKey string
	url    string

	partials chan stt.Transcript
	finals   chan stt.Transcript
	starts   stt.ListenerSet

	mu     sync.Mutex
	conn   *websocket.Conn
	readWG sync.WaitGroup
	done   chan struct{}
	closed bool
}

// SendAudio queues a PCM chunk for transcription, dialing the connection if
// none is live.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("deepgram: session is closed")
	}
	conn, err := s.ensureConnLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}
	if err := conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
		// A write failure usually means the socket died; drop it so the
		// next SendAudio re-dials.
		s.dropConn(conn)
		return fmt.Errorf("deepgram: write audio: %w", err)
	}
	return nil
}

// ensureConnLocked dials Deepgram if no connection is live. Caller holds s.mu.
func (s *session) ensureConnLocked() (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.apiKey)
	conn, _, err := websocket.Dial(s.ctx, s.url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.readWG.Add(1)
	go s.readLoop(conn)
	return conn, nil
}

// readLoop receives JSON messages for one connection generation and
// dispatches transcripts and speech-start events. It exits when the
// connection dies; the transcript channels stay open for the session's next
// connection.
func (s *session) readLoop(conn *websocket.Conn) {
	defer s.readWG.Done()
	for {
		_, msg, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		var m listenMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			slog.Debug("deepgram: ignoring malformed message", "error", err)
			continue
		}
		switch m.Type {
		case "SpeechStarted":
			s.starts.Fire()
		case "Results":
			if len(m.Channel.Alternatives) == 0 {
				continue
			}
			alt := m.Channel.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			t := stt.Transcript{
				Text:       alt.Transcript,
				IsFinal:    m.IsFinal,
				Confidence: alt.Confidence,
				Timestamp:  time.Duration(m.Start * float64(time.Second)),
				Duration:   time.Duration(m.Duration * float64(time.Second)),
			}
			s.deliver(t)
		}
	}
}

func (s *session) deliver(t stt.Transcript) {
	ch := s.partials
	if t.IsFinal {
		ch = s.finals
	}
	select {
	case ch <- t:
	case <-s.done:
	}
}

// Finals returns the channel of finalized transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// OnSpeechStart registers a speech-onset listener.
func (s *session) OnSpeechStart(fn func()) (remove func()) {
	return s.starts.Add(fn)
}

// Interrupt tears down the live connection, abandoning in-flight work. The
// next SendAudio establishes a fresh connection. Interrupt with no live
// connection is a no-op.
func (s *session) Interrupt() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "interrupted")
	}
}

// dropConn clears the stored connection if it is still the given one.
func (s *session) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close(websocket.StatusInternalError, "write failed")
}

// Close terminates the session and closes the transcript channels.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	if conn != nil {
		// Ask Deepgram to flush pending audio before closing.
		_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	s.readWG.Wait()
	close(s.partials)
	close(s.finals)
	return nil
}
