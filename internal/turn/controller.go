package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/voxpipe/voxpipe/internal/checkpoint"
)

// Config configures a Controller.
type Config struct {
	// ThreadID identifies the conversation this controller serves.
	ThreadID string

	// TurnTimeout bounds one turn end to end. An expired turn is
	// abandoned and logged; the controller keeps its prior state.
	// Defaults to 60s.
	TurnTimeout time.Duration

	// OnHangup is invoked, with the agent's reason, after all response
	// text for the ending turn has been forwarded. May be nil.
	OnHangup func(reason string)

	// OnSuspend is invoked when a turn ends with an outstanding
	// suspension, before the prompt is forwarded. May be nil.
	OnSuspend func(s checkpoint.Suspension)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Controller drives agent turns for one conversation. Turns are strictly
// sequential: ProcessTurn must not be called concurrently, and a new
// utterance's turn does not start until the previous turn's event stream has
// been fully drained. The pipeline enforces this by calling from a single
// goroutine.
type Controller struct {
	agent Agent
	store checkpoint.Store
	cfg   Config
	log   *slog.Logger

	state       State
	resumeToken string
}

// NewController creates a Controller in the Ready state. When the thread has
// a persisted suspension (e.g., the process restarted mid-confirmation), the
// controller starts in AwaitingResume instead.
func NewController(ctx context.Context, agent Agent, store checkpoint.Store, cfg Config) (*Controller, error) {
	if cfg.ThreadID == "" {
		return nil, errors.New("turn: cfg.ThreadID must not be empty")
	}
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		agent: agent,
		store: store,
		cfg:   cfg,
		log:   log.With("thread_id", cfg.ThreadID),
	}
	susp, err := store.Suspension(ctx, cfg.ThreadID)
	if err != nil {
		return nil, err
	}
	if susp != nil {
		c.state = AwaitingResume
		c.resumeToken = susp.Token
	}
	return c, nil
}

// State returns the controller's current conversation state.
func (c *Controller) State() State { return c.state }

// ProcessTurn runs one turn for the given input text, forwarding speakable
// output to out in order. In AwaitingResume the text is routed as the resume
// payload of the held suspension; in Ready it starts a fresh turn.
//
// Ordering guarantee: all response text chunks are sent to out before the
// suspension prompt and before the deferred hang-up notification fires.
// Agent errors abort only this turn; the next input starts fresh.
//
// The return value reports whether anything speakable was forwarded to out,
// counting response text and a suspension prompt alike. Callers that need to
// act on a silent turn (a hang-up with no farewell) must use it rather than
// inspect out, which may not have been consumed yet.
func (c *Controller) ProcessTurn(ctx context.Context, text string, out chan<- string) (spoke bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	in := TurnInput{ThreadID: c.cfg.ThreadID, Text: text}
	resuming := c.state == AwaitingResume
	if resuming {
		in.ResumeToken = c.resumeToken
	}

	turnCtx, cancel := context.WithTimeout(ctx, c.cfg.TurnTimeout)
	defer cancel()

	if err := c.store.Append(ctx, c.cfg.ThreadID, checkpoint.Message{
		Role:    checkpoint.RoleUser,
		Content: text,
	}); err != nil {
		c.log.Error("persist user message", "error", err)
	}

	events, err := c.agent.Invoke(turnCtx, in)
	if err != nil {
		c.log.Error("agent invoke failed, abandoning turn", "error", err)
		c.reset()
		return false
	}

	var (
		spoken       strings.Builder
		hangupReason string
		hangup       bool
		timedOut     bool
	)

forward:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break forward
			}
			switch ev.Type {
			case EventText:
				spoken.WriteString(ev.Text)
				select {
				case out <- ev.Text:
				case <-turnCtx.Done():
					timedOut = true
					break forward
				}
			case EventToolCall:
				if ev.Tool == EndConversationTool {
					hangup = true
					hangupReason = ev.Payload
				}
			case EventToolResult:
				// Tool results are opaque, never speakable.
			default:
				c.log.Debug("ignoring unrecognized agent event", "type", int(ev.Type))
			}
		case <-turnCtx.Done():
			timedOut = true
			break forward
		}
	}

	if timedOut && ctx.Err() == nil {
		// Watchdog expiry: abandon the turn, keep the prior state.
		c.log.Warn("turn deadline exceeded, abandoning turn", "timeout", c.cfg.TurnTimeout)
		return spoken.Len() > 0
	}

	if spoken.Len() > 0 {
		if err := c.store.Append(ctx, c.cfg.ThreadID, checkpoint.Message{
			Role:    checkpoint.RoleAssistant,
			Content: spoken.String(),
		}); err != nil {
			c.log.Error("persist assistant message", "error", err)
		}
	}

	prompted := c.settleSuspension(ctx, resuming, out)

	// The hang-up decision is buffered during the forwarding loop and
	// fires only here, after every text chunk has been forwarded.
	if hangup {
		c.log.Info("agent requested hang-up", "reason", hangupReason)
		if c.cfg.OnHangup != nil {
			c.cfg.OnHangup(hangupReason)
		}
	}
	return spoken.Len() > 0 || prompted
}

// settleSuspension queries the agent's post-turn suspension state and moves
// the controller between Ready and AwaitingResume accordingly. It reports
// whether a suspension prompt was forwarded to out.
func (c *Controller) settleSuspension(ctx context.Context, resuming bool, out chan<- string) bool {
	susp, err := c.agent.PendingSuspension(ctx, c.cfg.ThreadID)
	if err != nil {
		c.log.Error("query pending suspension", "error", err)
		c.reset()
		return false
	}
	if susp == nil {
		if resuming {
			if err := c.store.ClearSuspension(ctx, c.cfg.ThreadID); err != nil {
				c.log.Error("clear suspension", "error", err)
			}
		}
		c.reset()
		return false
	}

	c.state = AwaitingResume
	c.resumeToken = susp.Token
	if err := c.store.SetSuspension(ctx, c.cfg.ThreadID, *susp); err != nil {
		c.log.Error("persist suspension", "error", err)
	}
	if c.cfg.OnSuspend != nil {
		c.cfg.OnSuspend(*susp)
	}
	if susp.Prompt != "" {
		select {
		case out <- susp.Prompt:
			return true
		case <-ctx.Done():
		}
	}
	return false
}

func (c *Controller) reset() {
	c.state = Ready
	c.resumeToken = ""
}
