// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface.
//
// Each spoken segment runs on its own WebSocket connection generation: text
// pushed through Speak is buffered, flushed to the backend after the
// configured flush delay, and the connection is closed once the backend
// reports the segment final. An interrupt bumps the generation so audio from
// the abandoned connection is discarded even if it is still in flight.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the native audio output format requested from
// ElevenLabs (e.g., "pcm_16000", "pcm_24000"). Audio is resampled to the
// stream's configured rate when they differ.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithEndpoint overrides the WebSocket endpoint format string. Used by tests
// to point at a local fake server; the string receives voice ID, model and
// output format in that order.
func WithEndpoint(endpointFmt string) Option {
	return func(p *Provider) { p.endpointFmt = endpointFmt }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpointFmt  string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpointFmt:  wsEndpointFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ tts.Provider = (*Provider)(nil)

// nativeRate parses the sample rate out of an output format like "pcm_16000".
func nativeRate(format string) int {
	rate, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_"))
	if err != nil || rate <= 0 {
		return 16000
	}
	return rate
}

// ---- WebSocket message types ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// textMessage is the JSON payload sent for each text fragment. An empty Text
// marks end of input for the segment.
type textMessage struct {
	Text string `json:"text"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

func settingsFor(v tts.VoiceConfig) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if v.Stability != 0 {
		vs.Stability = v.Stability
	}
	if v.Similarity != 0 {
		vs.SimilarityBoost = v.Similarity
	}
	vs.Style = v.Style
	return vs
}

// OpenStream starts a synthesis stream. No connection is opened until the
// first Speak.
func (p *Provider) OpenStream(_ context.Context, cfg tts.StreamConfig) (tts.StreamHandle, error) {
	if cfg.Voice.ID == "" {
		return nil, errors.New("elevenlabs: cfg.Voice.ID must not be empty")
	}
	cfg = cfg.ApplyDefaults()
	return &stream{
		apiKey:     p.apiKey,
		url:        fmt.Sprintf(p.endpointFmt, cfg.Voice.ID, p.model, p.outputFormat),
		nativeRate: nativeRate(p.outputFormat),
		cfg:        cfg,
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
	}, nil
}

// Synthesize renders text to a complete PCM buffer on an isolated connection.
func (p *Provider) Synthesize(ctx context.Context, text string, cfg tts.StreamConfig) ([]byte, error) {
	if cfg.Voice.ID == "" {
		return nil, errors.New("elevenlabs: cfg.Voice.ID must not be empty")
	}
	cfg = cfg.ApplyDefaults()

	wsURL := fmt.Sprintf(p.endpointFmt, cfg.Voice.ID, p.model, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for _, msg := range []any{
		boiMessage{Text: " ", VoiceSettings: settingsFor(cfg.Voice), XiAPIKey: p.apiKey},
		textMessage{Text: text + " "},
		textMessage{Text: ""},
	} {
		raw, _ := json.Marshal(msg)
		if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
			return nil, fmt.Errorf("elevenlabs: write: %w", err)
		}
	}

	rs := audio.NewResampler(nativeRate(p.outputFormat), cfg.SampleRate)
	var pcm []byte
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				pcm = append(pcm, rs.Process(chunk)...)
			}
		}
		if resp.IsFinal {
			return pcm, nil
		}
	}
}

// stream is a live synthesis stream. It implements tts.StreamHandle.
//
// Connection lifecycle: Speak dials lazily and writes text; a flush timer
// ends the segment after cfg.FlushDelay of quiet; the read loop delivers
// audio until the backend reports the segment final, then the connection is
// dropped and the next Speak dials a fresh one. gen identifies the current
// connection generation so a stale read loop cannot deliver audio after an
// interrupt.
type stream struct {
	apiKey     string
	url        string
	nativeRate int
	cfg        tts.StreamConfig

	audio    chan []byte
	complete tts.ListenerSet

	mu            sync.Mutex
	conn          *websocket.Conn
	gen           uint64
	lastInterrupt time.Time
	flushTimer    *time.Timer
	closed        bool
	readWG        sync.WaitGroup
	done          chan struct{}
}

var _ tts.StreamHandle = (*stream)(nil)

// Speak queues text for the current segment, dialing a connection if none is
// live, and (re)arms the flush timer.
func (s *stream) Speak(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("elevenlabs: stream is closed")
	}
	conn, gen, err := s.ensureConnLocked()
	if err != nil {
		return fmt.Errorf("elevenlabs: dial: %w", err)
	}
	raw, _ := json.Marshal(textMessage{Text: text + " "})
	if err := conn.Write(context.Background(), websocket.MessageText, raw); err != nil {
		s.dropConnLocked(conn)
		return fmt.Errorf("elevenlabs: write text: %w", err)
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(s.cfg.FlushDelay, func() { s.flush(gen) })
	return nil
}

// ensureConnLocked dials ElevenLabs and sends the handshake if no connection
// is live. Caller holds s.mu.
func (s *stream) ensureConnLocked() (*websocket.Conn, uint64, error) {
	if s.conn != nil {
		return s.conn, s.gen, nil
	}
	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return nil, 0, err
	}
	boi := boiMessage{Text: " ", VoiceSettings: settingsFor(s.cfg.Voice), XiAPIKey: s.apiKey}
	raw, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, 0, err
	}
	s.conn = conn
	gen := s.gen
	s.readWG.Add(1)
	go s.readLoop(conn, gen)
	return conn, gen, nil
}

// flush ends the current segment by sending the end-of-input marker. The
// backend responds with the remaining audio and a final message.
func (s *stream) flush(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil || s.gen != gen {
		return
	}
	raw, _ := json.Marshal(textMessage{Text: ""})
	if err := s.conn.Write(context.Background(), websocket.MessageText, raw); err != nil {
		s.dropConnLocked(s.conn)
	}
}

// readLoop receives audio for one connection generation. Audio and the
// completion event are suppressed once the generation is stale.
func (s *stream) readLoop(conn *websocket.Conn, gen uint64) {
	defer s.readWG.Done()
	rs := audio.NewResampler(s.nativeRate, s.cfg.SampleRate)
	for {
		_, raw, err := conn.Read(context.Background())
		if err != nil {
			s.retireConn(conn)
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			slog.Debug("elevenlabs: ignoring malformed message", "error", err)
			continue
		}
		if resp.Audio != "" && s.currentGen(gen) {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				select {
				case s.audio <- rs.Process(pcm):
				case <-s.done:
					s.retireConn(conn)
					return
				}
			}
		}
		if resp.IsFinal {
			// Deliver completion before the segment's connection is
			// retired so the next Speak observes a fresh stream.
			fire := s.currentGen(gen)
			s.retireConn(conn)
			if fire {
				s.complete.Fire()
			}
			return
		}
	}
}

func (s *stream) currentGen(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// retireConn closes conn and clears it from the stream if still current.
func (s *stream) retireConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		if s.flushTimer != nil {
			s.flushTimer.Stop()
		}
	}
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "segment done")
}

// dropConnLocked clears conn after a write failure. Caller holds s.mu.
func (s *stream) dropConnLocked(conn *websocket.Conn) {
	if s.conn == conn {
		s.conn = nil
		if s.flushTimer != nil {
			s.flushTimer.Stop()
		}
	}
	go conn.Close(websocket.StatusInternalError, "write failed")
}

// Audio returns the channel of synthesised PCM chunks.
func (s *stream) Audio() <-chan []byte { return s.audio }

// OnComplete registers a segment-complete listener.
func (s *stream) OnComplete(fn func()) (remove func()) {
	return s.complete.Add(fn)
}

// Interrupt aborts the in-flight segment and discards audio already queued
// for the consumer. Calls within the configured cooldown of a previous
// interrupt are dropped, and an interrupt with no live connection is a no-op.
func (s *stream) Interrupt() {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || time.Since(s.lastInterrupt) < s.cfg.InterruptCooldown {
		s.mu.Unlock()
		return
	}
	s.lastInterrupt = time.Now()
	s.gen++
	s.conn = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "interrupted")

	// The abandoned segment may have buffered chunks the consumer has not
	// read yet; they must not play after the interrupt.
	for {
		select {
		case _, ok := <-s.audio:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close terminates the stream and closes the audio channel.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	conn := s.conn
	s.conn = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	close(s.done)
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "stream closed")
	}
	s.readWG.Wait()
	close(s.audio)
	return nil
}
