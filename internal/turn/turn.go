// Package turn contains the agent turn controller: a small state machine
// correlating asynchronous agent output with conversation turns and a
// suspend/resume protocol for human-in-the-loop confirmation.
package turn

import (
	"context"

	"github.com/voxpipe/voxpipe/internal/checkpoint"
)

// State is the controller's conversation state.
type State int

const (
	// Ready means no suspension is outstanding; the next input starts a
	// fresh turn.
	Ready State = iota

	// AwaitingResume means a suspension is outstanding; the next input is
	// routed as its resume payload.
	AwaitingResume
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case AwaitingResume:
		return "awaiting_resume"
	default:
		return "unknown"
	}
}

// EventType discriminates agent stream events.
type EventType int

const (
	// EventText is a model-generated response text chunk.
	EventText EventType = iota

	// EventToolCall is a tool invocation by the agent.
	EventToolCall

	// EventToolResult is a tool's result returned to the agent.
	EventToolResult
)

// Event is one entry of an agent's incremental output stream. Events with a
// Type the controller does not recognize are ignored.
type Event struct {
	Type EventType

	// Text carries the chunk for EventText events.
	Text string

	// Tool is the tool name for EventToolCall and EventToolResult.
	Tool string

	// Payload carries tool arguments or results as an opaque string.
	Payload string
}

// EndConversationTool is the tool name signaling the agent wants to end the
// conversation. Its payload is the hang-up reason.
const EndConversationTool = "end_conversation"

// TurnInput is one conversation input handed to the agent.
type TurnInput struct {
	// ThreadID identifies the conversation.
	ThreadID string

	// Text is the user's utterance. On resume it is the reply to the
	// suspension prompt.
	Text string

	// ResumeToken is non-empty when this input resumes an outstanding
	// suspension rather than starting a new turn.
	ResumeToken string
}

// Agent is the collaborator contract the controller drives. Implementations
// run the model and its tools; the controller only consumes the event stream
// and the suspension state.
type Agent interface {
	// Invoke starts one turn and returns its event stream. The channel is
	// closed when the turn's output is exhausted or ctx is cancelled.
	Invoke(ctx context.Context, in TurnInput) (<-chan Event, error)

	// PendingSuspension returns the outstanding suspension for the
	// thread, or nil when none. Queried once after each turn's event
	// stream drains.
	PendingSuspension(ctx context.Context, threadID string) (*checkpoint.Suspension, error)
}
