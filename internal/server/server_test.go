package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxpipe/voxpipe/internal/server"
)

// echoSession reflects every inbound chunk back with a marker prefix.
type echoSession struct {
	id string
}

func (e *echoSession) ThreadID() string { return e.id }

func (e *echoSession) Run(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	defer close(out)
	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case out <- append([]byte{0xAB}, chunk...):
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// finishingSession emits one chunk and ends, like an agent hang-up.
type finishingSession struct{}

func (finishingSession) ThreadID() string { return "finishing" }

func (finishingSession) Run(_ context.Context, _ <-chan []byte, out chan<- []byte) error {
	out <- []byte{1, 2, 3}
	close(out)
	return nil
}

// farewellSession fills the output buffer and returns immediately, like a
// hang-up right after queueing farewell audio.
type farewellSession struct{ chunks int }

func (farewellSession) ThreadID() string { return "farewell" }

func (f farewellSession) Run(_ context.Context, _ <-chan []byte, out chan<- []byte) error {
	for i := 0; i < f.chunks; i++ {
		out <- []byte{byte(i)}
	}
	close(out)
	return nil
}

func newTestServer(t *testing.T, factory server.SessionFactory, checkers ...server.Checker) *httptest.Server {
	t.Helper()
	s := server.New(factory, server.Config{Checkers: checkers})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func echoFactory() (server.Session, error) {
	return &echoSession{id: "echo-1"}, nil
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/session"
}

func TestSessionAudioRoundTrip(t *testing.T) {
	ts := newTestServer(t, echoFactory)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	audio := []byte{10, 20, 30}
	if err := c.Write(ctx, websocket.MessageBinary, audio); err != nil {
		t.Fatalf("write: %v", err)
	}

	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Errorf("message type = %v, want binary", typ)
	}
	want := append([]byte{0xAB}, audio...)
	if !bytes.Equal(data, want) {
		t.Errorf("echoed audio = %v, want %v", data, want)
	}
}

func TestSessionClosesWhenPipelineFinishes(t *testing.T) {
	ts := newTestServer(t, func() (server.Session, error) {
		return finishingSession{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	if _, _, err := c.Read(ctx); err != nil {
		t.Fatalf("read audio: %v", err)
	}

	// The next read should observe the server's normal closure.
	_, _, err = c.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to close")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", status)
	}
}

func TestSessionFlushesBufferedAudioBeforeClose(t *testing.T) {
	const chunks = 40
	ts := newTestServer(t, func() (server.Session, error) {
		return farewellSession{chunks: chunks}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	// Every queued chunk must reach the client, in order, even though the
	// session ended before the first one was written.
	for i := 0; i < chunks; i++ {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read chunk %d: %v", i, err)
		}
		if len(data) != 1 || data[0] != byte(i) {
			t.Errorf("chunk %d = %v", i, data)
		}
	}

	_, _, err = c.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", status)
	}
}

func TestSessionFactoryFailureRejectsConnection(t *testing.T) {
	ts := newTestServer(t, func() (server.Session, error) {
		return nil, errors.New("no provider configured")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	_, _, err = c.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to close")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusInternalError {
		t.Errorf("close status = %v, want internal error", status)
	}
}

func TestHealthzAlwaysOK(t *testing.T) {
	ts := newTestServer(t, echoFactory)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyzReflectsCheckers(t *testing.T) {
	failing := server.Checker{
		Name:  "database",
		Check: func(context.Context) error { return errors.New("connection refused") },
	}
	passing := server.Checker{
		Name:  "providers",
		Check: func(context.Context) error { return nil },
	}
	ts := newTestServer(t, echoFactory, passing, failing)

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status field = %q, want fail", body.Status)
	}
	if body.Checks["providers"] != "ok" {
		t.Errorf("providers check = %q, want ok", body.Checks["providers"])
	}
	if !strings.HasPrefix(body.Checks["database"], "fail:") {
		t.Errorf("database check = %q, want fail prefix", body.Checks["database"])
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	ts := newTestServer(t, echoFactory)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
