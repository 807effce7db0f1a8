// Package server hosts the VoxPipe HTTP surface: the WebSocket voice
// session endpoint, Prometheus metrics, and health probes.
//
// One WebSocket connection is one voice session. Binary messages carry
// audio in the configured transport encoding, inbound and outbound. The
// connection closes when the client disconnects or the agent ends the
// conversation.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxpipe/voxpipe/internal/observe"
)

const (
	// checkTimeout bounds a single readiness check.
	checkTimeout = 5 * time.Second

	// sessionInBuf and sessionOutBuf size the audio channels between the
	// WebSocket and the pipeline.
	sessionInBuf  = 32
	sessionOutBuf = 64

	// maxAudioMessage caps one inbound WebSocket message. Transport
	// chunks are tens of milliseconds of audio; anything larger is a
	// protocol violation.
	maxAudioMessage = 1 << 20

	// writeTimeout bounds one outbound WebSocket write.
	writeTimeout = 10 * time.Second
)

// Session runs one voice session over a pair of audio channels. Implemented
// by pipeline.Pipeline.
type Session interface {
	Run(ctx context.Context, in <-chan []byte, out chan<- []byte) error
	ThreadID() string
}

// SessionFactory builds a fresh Session for each accepted connection.
type SessionFactory func() (Session, error)

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// Checkers are evaluated on each /readyz request, in order.
	Checkers []Checker

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server serves voice sessions and observability endpoints.
type Server struct {
	factory SessionFactory
	cfg     Config
	log     *slog.Logger
	mux     *http.ServeMux
}

// New creates a Server. Call ListenAndServe to start it, or use Handler to
// mount it elsewhere.
func New(factory SessionFactory, cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		factory: factory,
		cfg:     cfg,
		log:     cfg.Logger,
		mux:     http.NewServeMux(),
	}

	observed := observe.Middleware(cfg.Metrics)
	s.mux.Handle("/metrics", observed(promhttp.Handler()))
	s.mux.Handle("/healthz", observed(http.HandlerFunc(s.handleHealthz)))
	s.mux.Handle("/readyz", observed(http.HandlerFunc(s.handleReadyz)))
	// The session route stays outside the middleware: the WebSocket
	// upgrade needs direct access to the connection.
	s.mux.HandleFunc("/v1/session", s.handleSession)
	return s
}

// Handler returns the server's route multiplexer.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until ctx is cancelled, then drains connections
// with a 15 second grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ── Voice sessions ──────────────────────────────────────────────────────────

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(maxAudioMessage)

	sess, err := s.factory()
	if err != nil {
		s.log.Error("session construction failed", "error", err)
		c.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	readCtx, readCancel := context.WithCancel(ctx)
	defer readCancel()

	log := s.log.With("thread_id", sess.ThreadID())
	log.Info("session started", "remote", r.RemoteAddr)

	in := make(chan []byte, sessionInBuf)
	out := make(chan []byte, sessionOutBuf)

	runDone := make(chan error, 1)
	go func() {
		err := sess.Run(ctx, in, out)
		// A finished pipeline (agent hang-up) must release the blocked
		// socket reader. Only the reader: the writer keeps going until
		// it has flushed everything the pipeline left on out.
		readCancel()
		runDone <- err
	}()

	// Writer: pipeline audio out to the socket. Exits when the pipeline
	// closes out. Writes carry their own deadline instead of the session
	// context so a finished session still flushes its buffered tail.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		wctx := context.WithoutCancel(ctx)
		for chunk := range out {
			wc, cancelWrite := context.WithTimeout(wctx, writeTimeout)
			err := c.Write(wc, websocket.MessageBinary, chunk)
			cancelWrite()
			if err != nil {
				// Keep draining so the pipeline never blocks on out.
				cancel()
			}
		}
	}()

	// Reader: socket audio into the pipeline. A read error means the
	// client went away or the session ended.
	s.readAudio(readCtx, c, in)
	close(in)
	// Client gone: stop the pipeline. Hijacked connections do not cancel
	// the request context on disconnect.
	cancel()

	err = <-runDone
	<-writeDone
	switch {
	case err != nil:
		log.Error("session ended with error", "error", err)
		c.Close(websocket.StatusInternalError, "session error")
	default:
		log.Info("session ended")
		c.Close(websocket.StatusNormalClosure, "session complete")
	}
}

func (s *Server) readAudio(ctx context.Context, c *websocket.Conn, in chan<- []byte) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			// Text frames are not part of the protocol; ignore them.
			continue
		}
		select {
		case in <- data:
		case <-ctx.Done():
			return
		}
	}
}

// ── Health probes ───────────────────────────────────────────────────────────

// healthResult is the JSON body of the health endpoints.
type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealthz is the liveness probe; a process that serves HTTP is alive.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResult{Status: "ok"})
}

// handleReadyz runs every configured Checker and reports 200 only when all
// pass.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.cfg.Checkers))
	allOK := true

	for _, c := range s.cfg.Checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := healthResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
