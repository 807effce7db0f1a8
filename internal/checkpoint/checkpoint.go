// Package checkpoint persists conversation state across agent turns.
//
// A Store keeps, per thread, the ordered message history and at most one
// pending suspension. The turn controller appends to the history as turns
// complete and raises a suspension when the agent asks for human input; the
// pipeline resumes the thread against the stored suspension token.
package checkpoint

import (
	"context"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a thread's conversation history.
type Message struct {
	// Role is one of the Role constants.
	Role string

	// Content is the message text. For tool messages it carries the tool
	// result payload.
	Content string

	// Timestamp is when the message was recorded.
	Timestamp time.Time
}

// Suspension marks a thread as waiting for human input.
type Suspension struct {
	// Token identifies the suspended agent state. It is opaque to the
	// pipeline and round-trips back to the agent on resume.
	Token string

	// Prompt is the human-readable question to speak to the user.
	Prompt string
}

// Store persists per-thread conversation state. Implementations must be safe
// for concurrent use.
type Store interface {
	// History returns the thread's messages in append order. An unknown
	// thread yields an empty slice, not an error.
	History(ctx context.Context, threadID string) ([]Message, error)

	// Append adds messages to the end of the thread's history.
	Append(ctx context.Context, threadID string, msgs ...Message) error

	// Suspension returns the thread's pending suspension, or nil when the
	// thread is not suspended.
	Suspension(ctx context.Context, threadID string) (*Suspension, error)

	// SetSuspension marks the thread as suspended, replacing any previous
	// suspension.
	SetSuspension(ctx context.Context, threadID string, s Suspension) error

	// ClearSuspension removes the thread's pending suspension. Clearing a
	// thread that is not suspended is a no-op.
	ClearSuspension(ctx context.Context, threadID string) error
}
