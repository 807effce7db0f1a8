package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxpipe/voxpipe/pkg/provider/stt"
)

// fakeListen runs a WebSocket server that replies to the first binary audio
// message with the given JSON messages, in order.
func fakeListen(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		// Wait for one audio chunk, then play back the scripted replies.
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		for _, reply := range replies {
			if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
				return
			}
		}
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBuildURLParameters(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithModel("nova-3"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL(stt.StreamConfig{SampleRate: 8000, Language: "de", InterimResults: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"model":           "nova-3",
		"language":        "de",
		"sample_rate":     "8000",
		"encoding":        "linear16",
		"vad_events":      "true",
		"interim_results": "true",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("query %s: want %q, got %q", key, want, got)
		}
	}
}

func TestFinalsAndSpeechStart(t *testing.T) {
	t.Parallel()

	srv := fakeListen(t,
		`{"type":"SpeechStarted"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.4}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.97}]}}`,
	)
	t.Cleanup(srv.Close)

	p, err := New("key", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, InterimResults: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	var starts atomic.Int32
	sess.OnSpeechStart(func() { starts.Add(1) })

	if err := sess.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-sess.Finals():
		if tr.Text != "hello world" {
			t.Errorf("final text: want %q, got %q", "hello world", tr.Text)
		}
		if tr.Confidence != 0.97 {
			t.Errorf("confidence: want 0.97, got %v", tr.Confidence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}

	select {
	case tr := <-sess.Partials():
		if tr.Text != "hel" {
			t.Errorf("partial text: want %q, got %q", "hel", tr.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for partial transcript")
	}

	if starts.Load() != 1 {
		t.Errorf("speech-start fired %d times, want 1", starts.Load())
	}
}

func TestInterruptThenResume(t *testing.T) {
	t.Parallel()

	srv := fakeListen(t,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"after interrupt","confidence":0.9}]}}`,
	)
	t.Cleanup(srv.Close)

	p, err := New("key", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	// Interrupt with no live connection must be a no-op.
	sess.Interrupt()

	// The session must still be usable: the next SendAudio re-dials.
	if err := sess.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio after interrupt: %v", err)
	}

	select {
	case tr := <-sess.Finals():
		if tr.Text != "after interrupt" {
			t.Errorf("final text: want %q, got %q", "after interrupt", tr.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript after interrupt")
	}
}

func TestEmptyTranscriptsIgnored(t *testing.T) {
	t.Parallel()

	srv := fakeListen(t,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		`{"type":"Metadata"}`,
		`not even json`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"kept","confidence":0.8}]}}`,
	)
	t.Cleanup(srv.Close)

	p, err := New("key", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	if err := sess.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-sess.Finals():
		if tr.Text != "kept" {
			t.Errorf("final text: want %q, got %q (empty/malformed messages must be skipped)", "kept", tr.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}
