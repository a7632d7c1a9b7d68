// Package llm provides the model provider clients.
//
// Conversation state is held in provider-neutral [Message] values; each
// provider client converts to and from its own wire format at the call
// boundary, so the agent loop never sees provider-specific shapes.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents one conversation turn in provider-neutral form.
//
// Roles: "system", "user", "assistant", and "tool". An assistant
// message may carry ToolCalls; a tool message carries the result of
// one call, correlated by ToolCallID and named by ToolName (Gemini
// threads results back by function name, Anthropic by id).
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	// IsError marks a tool message whose content is a failure report
	// rather than a result. The content is still fed to the model.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCall represents one tool invocation requested by the model.
type ToolCall struct {
	// ID correlates the call with its result. Anthropic assigns these;
	// for Gemini the client synthesizes one per call.
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// NewToolCall builds a ToolCall. The anonymous Function struct makes
// literal construction awkward; providers use this instead.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	tc := ToolCall{ID: id}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens inside the provider clients.
type ChatResponse struct {
	Model   string
	Message Message

	// StopReason is the provider's own termination marker
	// (e.g. end_turn, tool_use, STOP), recorded for logging.
	StopReason string

	InputTokens  int
	OutputTokens int
}
