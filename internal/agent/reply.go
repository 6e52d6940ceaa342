package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/llm"
)

// replyVersion tags stored assistant envelopes.
const replyVersion = 1

// FallbackReply is sent when the engine finishes with no text.
const FallbackReply = "I wasn't able to put together a response. Could you rephrase that?"

// Reply is the stored form of an assistant message: the final text plus
// every tool round that led to it. It is persisted as the message
// content so the transcript can be rebuilt from history alone.
type Reply struct {
	Version int     `json:"v"`
	Text    string  `json:"text"`
	Rounds  []Round `json:"rounds,omitempty"`
}

// Round is one executed decision: the engine's interim text and the
// calls it made, in the order they were received.
type Round struct {
	Text  string       `json:"text,omitempty"`
	Calls []CallRecord `json:"calls"`
}

// CallRecord is one tool call and its outcome. Exactly one of Result
// and Error is set.
type CallRecord struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *CallError      `json:"error,omitempty"`
}

// CallError is the structured failure folded into the transcript.
type CallError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Output returns the tool message content the engine sees for c.
func (c CallRecord) Output() string {
	if c.Error != nil {
		b, _ := json.Marshal(map[string]*CallError{"error": c.Error})
		return string(b)
	}
	if len(c.Result) == 0 {
		return "null"
	}
	return string(c.Result)
}

// Calls returns every call across all rounds in execution order.
func (r *Reply) Calls() []CallRecord {
	var out []CallRecord
	for _, rd := range r.Rounds {
		out = append(out, rd.Calls...)
	}
	return out
}

// EncodeReply renders r as stored message content.
func EncodeReply(r *Reply) (string, error) {
	r.Version = replyVersion
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode reply: %w", err)
	}
	return string(b), nil
}

// DecodeReply parses stored assistant content. Content that is not a
// reply envelope is returned as plain text with no rounds.
func DecodeReply(content string) *Reply {
	if strings.HasPrefix(strings.TrimSpace(content), "{") {
		var r Reply
		if err := json.Unmarshal([]byte(content), &r); err == nil && r.Version == replyVersion {
			return &r
		}
	}
	return &Reply{Text: content}
}

// messages renders a round as the engine saw it: one assistant message
// carrying the calls, then one tool message per call.
func (rd Round) messages() []llm.Message {
	call := llm.Message{Role: llm.RoleAssistant, Content: rd.Text}
	results := make([]llm.Message, 0, len(rd.Calls))
	for _, c := range rd.Calls {
		var args map[string]any
		if len(c.Parameters) > 0 {
			_ = json.Unmarshal(c.Parameters, &args)
		}
		call.ToolCalls = append(call.ToolCalls, llm.ToolCall{
			ID:       c.ID,
			Function: llm.ToolFunction{Name: c.Tool, Arguments: args},
		})
		results = append(results, llm.Message{
			Role:       llm.RoleTool,
			Content:    c.Output(),
			ToolCallID: c.ID,
			ToolName:   c.Tool,
		})
	}
	return append([]llm.Message{call}, results...)
}

// Replay rebuilds the engine transcript from stored history. Each
// assistant envelope expands to its rounds followed by its final text.
func Replay(history []conversation.Message) []llm.Message {
	var out []llm.Message
	for _, m := range history {
		switch m.Role {
		case conversation.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case conversation.RoleAssistant:
			r := DecodeReply(m.Content)
			for _, rd := range r.Rounds {
				out = append(out, rd.messages()...)
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: r.Text})
		}
	}
	return out
}
