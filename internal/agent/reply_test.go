package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/llm"
)

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantText   string
		wantRounds int
	}{
		{"plain text", "Hello there", "Hello there", 0},
		{"json but not envelope", `{"foo":"bar"}`, `{"foo":"bar"}`, 0},
		{"wrong version", `{"v":2,"text":"x"}`, `{"v":2,"text":"x"}`, 0},
		{"envelope no rounds", `{"v":1,"text":"Done."}`, "Done.", 0},
		{
			"envelope with round",
			`{"v":1,"text":"Added.","rounds":[{"calls":[{"id":"c1","tool":"add_task","parameters":{"title":"x"},"result":{"id":1}}]}]}`,
			"Added.", 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := DecodeReply(tt.content)
			if r.Text != tt.wantText || len(r.Rounds) != tt.wantRounds {
				t.Errorf("DecodeReply(%q) = %+v", tt.content, r)
			}
		})
	}
}

func TestEncodeReply_Envelope(t *testing.T) {
	r := &Reply{
		Text: "Added.",
		Rounds: []Round{{Calls: []CallRecord{{
			ID:         "call_0_0",
			Tool:       "add_task",
			Parameters: json.RawMessage(`{"title":"buy milk"}`),
			Result:     json.RawMessage(`{"id":1,"completed":false}`),
		}}}},
	}
	content, err := EncodeReply(r)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		t.Fatalf("stored content is not JSON: %v", err)
	}
	if raw["v"] != float64(1) || raw["text"] != "Added." {
		t.Errorf("envelope = %s", content)
	}
	if got := DecodeReply(content); len(got.Calls()) != 1 || got.Calls()[0].Tool != "add_task" {
		t.Errorf("decoded = %+v", got)
	}
}

func TestCallRecord_Output(t *testing.T) {
	ok := CallRecord{Result: json.RawMessage(`{"id":1}`)}
	if got := ok.Output(); got != `{"id":1}` {
		t.Errorf("result output = %s", got)
	}
	failed := CallRecord{Error: &CallError{Kind: "not_found", Message: "task 9 not found"}}
	if got := failed.Output(); got != `{"error":{"kind":"not_found","message":"task 9 not found"}}` {
		t.Errorf("error output = %s", got)
	}
}

func TestReplay(t *testing.T) {
	envelope := `{"v":1,"text":"Done.","rounds":[{"text":"On it.","calls":[` +
		`{"id":"call_0_0","tool":"complete_task","parameters":{"task_id":3},"result":{"id":3,"completed":true}},` +
		`{"id":"call_0_1","tool":"delete_task","parameters":{"task_id":9},"error":{"kind":"not_found","message":"task 9 not found"}}]}]}`
	history := []conversation.Message{
		{Role: conversation.RoleUser, Content: "finish 3, delete 9", CreatedAt: time.Now()},
		{Role: conversation.RoleAssistant, Content: envelope},
		{Role: conversation.RoleUser, Content: "thanks"},
		{Role: conversation.RoleAssistant, Content: "You're welcome!"},
	}

	got := Replay(history)
	roles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleTool, llm.RoleAssistant, llm.RoleUser, llm.RoleAssistant}
	if len(got) != len(roles) {
		t.Fatalf("replay has %d messages, want %d", len(got), len(roles))
	}
	for i, role := range roles {
		if got[i].Role != role {
			t.Errorf("message %d role = %s, want %s", i, got[i].Role, role)
		}
	}

	calls := got[1]
	if calls.Content != "On it." || len(calls.ToolCalls) != 2 || calls.ToolCalls[0].Function.Arguments["task_id"] != float64(3) {
		t.Errorf("tool call message = %+v", calls)
	}
	if got[3].ToolCallID != "call_0_1" || got[3].Content != `{"error":{"kind":"not_found","message":"task 9 not found"}}` {
		t.Errorf("error tool message = %+v", got[3])
	}
	if got[4].Content != "Done." || got[6].Content != "You're welcome!" {
		t.Errorf("final texts = %q, %q", got[4].Content, got[6].Content)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: 0.2}
	tests := []struct {
		attempt int
		r       float64
		want    time.Duration
	}{
		{1, 0.5, time.Second},
		{2, 0.5, 2 * time.Second},
		{3, 0.5, 4 * time.Second},
		{4, 0.5, 5 * time.Second}, // capped
		{1, 0, 800 * time.Millisecond},
		{1, 1, 1200 * time.Millisecond},
	}
	for _, tt := range tests {
		got := p.Delay(tt.attempt, tt.r)
		if diff := got - tt.want; diff > time.Millisecond || diff < -time.Millisecond {
			t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.r, got, tt.want)
		}
	}
}

func TestNewRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewRequestID()
		if len(id) != 10 || id[:2] != "r_" {
			t.Fatalf("request ID %q, want r_ plus 8 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
}
