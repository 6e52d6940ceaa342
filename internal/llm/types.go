// Package llm provides LLM client implementations.
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	ToolName   string     `json:"tool_name,omitempty"`    // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned, or filled in by the agent
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries its arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the arguments as a JSON object, never null.
func (tc ToolCall) ArgumentsJSON() json.RawMessage {
	if tc.Function.Arguments == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(tc.Function.Arguments)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries.
type ChatResponse struct {
	Model    string
	Provider string
	Message  Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}
