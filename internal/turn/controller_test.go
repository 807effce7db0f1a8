package turn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/internal/agent/mock"
	"github.com/voxpipe/voxpipe/internal/checkpoint"
	"github.com/voxpipe/voxpipe/internal/turn"
)

func newController(t *testing.T, agent turn.Agent, store checkpoint.Store, cfg turn.Config) *turn.Controller {
	t.Helper()
	if cfg.ThreadID == "" {
		cfg.ThreadID = "thread-1"
	}
	c, err := turn.NewController(context.Background(), agent, store, cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

// runTurn collects everything the controller forwards downstream for one
// input.
func runTurn(c *turn.Controller, text string) []string {
	out := make(chan string, 64)
	c.ProcessTurn(context.Background(), text, out)
	close(out)
	var got []string
	for s := range out {
		got = append(got, s)
	}
	return got
}

func TestTextForwardedInOrder(t *testing.T) {
	t.Parallel()

	agent := &mock.Agent{Turns: []mock.Turn{{
		Events: []turn.Event{
			{Type: turn.EventText, Text: "The weather "},
			{Type: turn.EventText, Text: "is sunny."},
		},
	}}}
	c := newController(t, agent, checkpoint.NewMemStore(), turn.Config{})

	got := runTurn(c, "what's the weather")
	want := []string{"The weather ", "is sunny."}
	if len(got) != len(want) {
		t.Fatalf("want %d chunks, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d: want %q, got %q", i, want[i], got[i])
		}
	}
	if c.State() != turn.Ready {
		t.Errorf("state after plain turn: want Ready, got %v", c.State())
	}
}

func TestHangupFiresAfterAllText(t *testing.T) {
	t.Parallel()

	agent := &mock.Agent{Turns: []mock.Turn{{
		Events: []turn.Event{
			{Type: turn.EventText, Text: "It was nice "},
			{Type: turn.EventToolCall, Tool: turn.EndConversationTool, Payload: "user said goodbye"},
			{Type: turn.EventText, Text: "talking to you!"},
		},
	}}}

	store := checkpoint.NewMemStore()
	out := make(chan string, 64)
	var (
		hangupReason string
		textBefore   int
	)
	c := newController(t, agent, store, turn.Config{
		OnHangup: func(reason string) {
			hangupReason = reason
			textBefore = len(out)
		},
	})

	c.ProcessTurn(context.Background(), "bye", out)
	close(out)

	if hangupReason != "user said goodbye" {
		t.Fatalf("hang-up reason: want %q, got %q", "user said goodbye", hangupReason)
	}
	// Both chunks must have been forwarded before the hang-up fired, even
	// though the tool call arrived between them.
	if textBefore != 2 {
		t.Errorf("hang-up fired with %d of 2 text chunks forwarded", textBefore)
	}
}

func TestProcessTurnReportsSpeakableOutput(t *testing.T) {
	t.Parallel()

	out := make(chan string, 8)

	speaking := &mock.Agent{Turns: []mock.Turn{{
		Events: []turn.Event{{Type: turn.EventText, Text: "hi"}},
	}}}
	c := newController(t, speaking, checkpoint.NewMemStore(), turn.Config{})
	if !c.ProcessTurn(context.Background(), "hello", out) {
		t.Error("turn with text must report speakable output")
	}

	// A hang-up with no farewell produces nothing to play; callers decide
	// from the return value whether to wait for audio completion.
	silent := &mock.Agent{Turns: []mock.Turn{{
		Events: []turn.Event{{Type: turn.EventToolCall, Tool: turn.EndConversationTool, Payload: "done"}},
	}}}
	c = newController(t, silent, checkpoint.NewMemStore(), turn.Config{})
	if c.ProcessTurn(context.Background(), "bye", out) {
		t.Error("tool-call-only turn must not report speakable output")
	}

	prompting := &mock.Agent{Turns: []mock.Turn{{
		Suspension: &checkpoint.Suspension{Token: "tok-1", Prompt: "Is this correct?"},
	}}}
	c = newController(t, prompting, checkpoint.NewMemStore(), turn.Config{})
	if !c.ProcessTurn(context.Background(), "save it", out) {
		t.Error("suspension prompt counts as speakable output")
	}
}

func TestSuspensionResumeRoundTrip(t *testing.T) {
	t.Parallel()

	susp := &checkpoint.Suspension{Token: "tok-1", Prompt: "Is this correct?"}
	agent := &mock.Agent{Turns: []mock.Turn{
		{
			Events:     []turn.Event{{Type: turn.EventText, Text: "Saving your profile."}},
			Suspension: susp,
		},
		{
			Events: []turn.Event{{Type: turn.EventText, Text: "Done, profile saved."}},
		},
		{
			Events: []turn.Event{{Type: turn.EventText, Text: "Anything else?"}},
		},
	}}

	store := checkpoint.NewMemStore()
	var suspended []checkpoint.Suspension
	c := newController(t, agent, store, turn.Config{
		OnSuspend: func(s checkpoint.Suspension) { suspended = append(suspended, s) },
	})

	got := runTurn(c, "save my profile with these skills")
	// Prompt is forwarded after the turn's text.
	want := []string{"Saving your profile.", "Is this correct?"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("first turn output: want %v, got %v", want, got)
	}
	if c.State() != turn.AwaitingResume {
		t.Fatalf("state: want AwaitingResume, got %v", c.State())
	}
	if len(suspended) != 1 || suspended[0].Token != "tok-1" {
		t.Fatalf("suspend callback: want tok-1 once, got %v", suspended)
	}
	if s, _ := store.Suspension(context.Background(), "thread-1"); s == nil || s.Token != "tok-1" {
		t.Fatalf("suspension not persisted: %+v", s)
	}

	// Next input resumes the suspension, never a new turn.
	got = runTurn(c, "yes")
	if len(got) != 1 || got[0] != "Done, profile saved." {
		t.Fatalf("resume turn output: %v", got)
	}
	calls := agent.Calls()
	if len(calls) != 2 {
		t.Fatalf("want 2 invokes, got %d", len(calls))
	}
	if calls[1].ResumeToken != "tok-1" || calls[1].Text != "yes" {
		t.Errorf("resume input: want token tok-1 text yes, got %+v", calls[1])
	}
	if c.State() != turn.Ready {
		t.Errorf("state after resume: want Ready, got %v", c.State())
	}
	if s, _ := store.Suspension(context.Background(), "thread-1"); s != nil {
		t.Errorf("suspension not cleared: %+v", s)
	}

	// The following input starts a fresh turn.
	runTurn(c, "what now")
	calls = agent.Calls()
	if len(calls) != 3 || calls[2].ResumeToken != "" {
		t.Errorf("third input must be a fresh turn, got %+v", calls[len(calls)-1])
	}
}

func TestAgentErrorAbortsOnlyTheTurn(t *testing.T) {
	t.Parallel()

	agent := &mock.Agent{Turns: []mock.Turn{
		{Err: errors.New("model unavailable")},
		{Events: []turn.Event{{Type: turn.EventText, Text: "recovered"}}},
	}}
	c := newController(t, agent, checkpoint.NewMemStore(), turn.Config{})

	if got := runTurn(c, "hello"); len(got) != 0 {
		t.Fatalf("failed turn must emit nothing, got %v", got)
	}
	if c.State() != turn.Ready {
		t.Fatalf("state after error: want Ready, got %v", c.State())
	}
	if got := runTurn(c, "hello again"); len(got) != 1 || got[0] != "recovered" {
		t.Fatalf("next turn must run fresh, got %v", got)
	}
}

func TestUnrecognizedEventsIgnored(t *testing.T) {
	t.Parallel()

	agent := &mock.Agent{Turns: []mock.Turn{{
		Events: []turn.Event{
			{Type: turn.EventToolCall, Tool: "lookup_weather", Payload: `{"city":"x"}`},
			{Type: turn.EventToolResult, Tool: "lookup_weather", Payload: "sunny"},
			{Type: turn.EventType(99), Text: "should not appear"},
			{Type: turn.EventText, Text: "only this"},
		},
	}}}
	c := newController(t, agent, checkpoint.NewMemStore(), turn.Config{})

	got := runTurn(c, "weather?")
	if len(got) != 1 || got[0] != "only this" {
		t.Fatalf("want only the text event forwarded, got %v", got)
	}
}

func TestUserAndAssistantMessagesPersisted(t *testing.T) {
	t.Parallel()

	agent := &mock.Agent{Turns: []mock.Turn{{
		Events: []turn.Event{
			{Type: turn.EventText, Text: "hi "},
			{Type: turn.EventText, Text: "there"},
		},
	}}}
	store := checkpoint.NewMemStore()
	c := newController(t, agent, store, turn.Config{})

	runTurn(c, "hello")

	msgs, _ := store.History(context.Background(), "thread-1")
	if len(msgs) != 2 {
		t.Fatalf("want 2 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Role != checkpoint.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first message: %+v", msgs[0])
	}
	if msgs[1].Role != checkpoint.RoleAssistant || msgs[1].Content != "hi there" {
		t.Errorf("second message: %+v", msgs[1])
	}
}

func TestControllerRestoresPersistedSuspension(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewMemStore()
	_ = store.SetSuspension(context.Background(), "thread-1", checkpoint.Suspension{Token: "tok-old", Prompt: "still there?"})

	agent := &mock.Agent{Turns: []mock.Turn{
		{Events: []turn.Event{{Type: turn.EventText, Text: "welcome back"}}},
	}}
	c := newController(t, agent, store, turn.Config{})

	if c.State() != turn.AwaitingResume {
		t.Fatalf("restored state: want AwaitingResume, got %v", c.State())
	}
	runTurn(c, "yes")
	calls := agent.Calls()
	if len(calls) != 1 || calls[0].ResumeToken != "tok-old" {
		t.Errorf("restored resume token not used: %+v", calls)
	}
}

func TestTurnWatchdogAbandonsStalledTurn(t *testing.T) {
	t.Parallel()

	// stallAgent never closes its event stream.
	agent := &stallAgent{}
	c := newController(t, agent, checkpoint.NewMemStore(), turn.Config{
		TurnTimeout: 50 * time.Millisecond,
	})

	done := make(chan struct{})
	out := make(chan string, 8)
	go func() {
		defer close(done)
		c.ProcessTurn(context.Background(), "hello", out)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled turn was not abandoned by the watchdog")
	}
	if c.State() != turn.Ready {
		t.Errorf("state after abandoned turn: want Ready, got %v", c.State())
	}
}

type stallAgent struct{}

func (a *stallAgent) Invoke(ctx context.Context, _ turn.TurnInput) (<-chan turn.Event, error) {
	ch := make(chan turn.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (a *stallAgent) PendingSuspension(_ context.Context, _ string) (*checkpoint.Suspension, error) {
	return nil, nil
}
