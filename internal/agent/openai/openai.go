// Package openai provides a turn.Agent backed by the OpenAI chat completions
// streaming API.
//
// Two tools are exposed to the model: confirm_with_user raises a suspension
// (the conversation pauses until the user answers the prompt) and
// end_conversation signals a hang-up. Conversation history comes from the
// checkpoint store, so the agent itself is stateless apart from per-thread
// pending suspensions.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxpipe/voxpipe/internal/checkpoint"
	"github.com/voxpipe/voxpipe/internal/turn"
)

// ConfirmTool is the tool name the model calls to ask the user for
// confirmation. Calling it suspends the conversation.
const ConfirmTool = "confirm_with_user"

const defaultSystemPrompt = "You are a helpful voice assistant. Keep answers short and speakable. " +
	"Call confirm_with_user before any irreversible action. " +
	"Call end_conversation when the user wants to hang up."

// Config configures an Agent.
type Config struct {
	// APIKey authenticates against the OpenAI API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a local
	// OpenAI-compatible server or a test fixture.
	BaseURL string

	// Model defaults to gpt-4o-mini.
	Model string

	// SystemPrompt overrides the default instruction preamble.
	SystemPrompt string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Agent implements turn.Agent on the OpenAI chat completions API. Safe for
// concurrent use across threads; turns within one thread are sequential by
// the controller's contract.
type Agent struct {
	client openai.Client
	model  string
	prompt string
	store  checkpoint.Store
	log    *slog.Logger

	mu          sync.Mutex
	suspensions map[string]*checkpoint.Suspension
}

var _ turn.Agent = (*Agent)(nil)

// New creates an Agent reading conversation history from store.
func New(store checkpoint.Store, cfg Config) (*Agent, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai agent: APIKey must not be empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		client:      openai.NewClient(opts...),
		model:       model,
		prompt:      prompt,
		store:       store,
		log:         log,
		suspensions: make(map[string]*checkpoint.Suspension),
	}, nil
}

func (a *Agent) tools() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		{
			Function: openai.FunctionDefinitionParam{
				Name:        ConfirmTool,
				Description: openai.String("Ask the user to confirm before proceeding. The conversation pauses until they answer."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"prompt": map[string]any{
							"type":        "string",
							"description": "The yes/no question to speak to the user.",
						},
					},
					"required": []string{"prompt"},
				},
			},
		},
		{
			Function: openai.FunctionDefinitionParam{
				Name:        turn.EndConversationTool,
				Description: openai.String("End the conversation and hang up."),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"reason": map[string]any{
							"type":        "string",
							"description": "Why the conversation is ending.",
						},
					},
				},
			},
		},
	}
}

// Invoke starts one model turn. The user input is already persisted in the
// checkpoint history by the controller, so the request is built entirely
// from stored messages.
func (a *Agent) Invoke(ctx context.Context, in turn.TurnInput) (<-chan turn.Event, error) {
	history, err := a.store.History(ctx, in.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("openai agent: load history: %w", err)
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(a.prompt))
	for _, m := range history {
		switch m.Role {
		case checkpoint.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case checkpoint.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		}
	}
	if in.ResumeToken != "" {
		// The resume answer is the last user message; tell the model what
		// it refers to, then drop the pending suspension.
		a.mu.Lock()
		susp := a.suspensions[in.ThreadID]
		delete(a.suspensions, in.ThreadID)
		a.mu.Unlock()
		if susp != nil {
			msgs = append(msgs, openai.SystemMessage(
				fmt.Sprintf("The user is answering your confirmation question: %q", susp.Prompt)))
		}
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: msgs,
		Tools:    a.tools(),
	})

	events := make(chan turn.Event, 16)
	go func() {
		defer close(events)
		a.run(ctx, in.ThreadID, stream, events)
	}()
	return events, nil
}

// toolCall accumulates one streamed tool invocation.
type toolCall struct {
	name string
	args strings.Builder
}

// chunkStream is the part of the SDK's SSE stream the agent consumes.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
}

func (a *Agent) run(ctx context.Context, threadID string, stream chunkStream, events chan<- turn.Event) {
	calls := make(map[int64]*toolCall)

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			select {
			case events <- turn.Event{Type: turn.EventText, Text: delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			call := calls[tc.Index]
			if call == nil {
				call = &toolCall{}
				calls[tc.Index] = call
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		a.log.Error("openai stream failed", "thread_id", threadID, "error", err)
		return
	}

	indexes := make([]int64, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, i := range indexes {
		call := calls[i]
		payload := a.settleToolCall(threadID, call)
		select {
		case events <- turn.Event{Type: turn.EventToolCall, Tool: call.name, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// settleToolCall applies a finished tool call's side effect and returns the
// payload forwarded to the controller.
func (a *Agent) settleToolCall(threadID string, call *toolCall) string {
	var args struct {
		Prompt string `json:"prompt"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(call.args.String()), &args); err != nil {
		a.log.Debug("unparseable tool arguments", "tool", call.name, "error", err)
	}
	switch call.name {
	case ConfirmTool:
		susp := &checkpoint.Suspension{Token: uuid.NewString(), Prompt: args.Prompt}
		a.mu.Lock()
		a.suspensions[threadID] = susp
		a.mu.Unlock()
		return args.Prompt
	case turn.EndConversationTool:
		return args.Reason
	default:
		return call.args.String()
	}
}

// PendingSuspension implements turn.Agent.
func (a *Agent) PendingSuspension(_ context.Context, threadID string) (*checkpoint.Suspension, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.suspensions[threadID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}
