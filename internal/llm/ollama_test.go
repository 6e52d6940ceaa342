package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "whitespace only", content: "   \n\t  ", wantCount: 0},
		{name: "plain text no JSON", content: "You have two tasks due today.", wantCount: 0},
		{
			name:      "single tool call object",
			content:   `{"name": "add_task", "arguments": {"title": "buy milk"}}`,
			wantCount: 1,
			wantName:  "add_task",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "list_tasks", "arguments": {}}, {"name": "add_task", "arguments": {"title": "x"}}]`,
			wantCount: 2,
			wantName:  "list_tasks",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "complete_task", "arguments": {"task_id": 3}}</tool_call>`,
			wantCount: 1,
			wantName:  "complete_task",
		},
		{
			name:      "tagged without closing tag",
			content:   `<tool_call>{"name": "delete_task", "arguments": {"task_id": 3}}`,
			wantCount: 1,
			wantName:  "delete_task",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check. <tool_call>{"name": "list_tasks", "arguments": {}}</tool_call>`,
			wantCount: 1,
			wantName:  "list_tasks",
		},
		{name: "malformed JSON", content: `{"name": "add_task", "arguments": {`, wantCount: 0},
		{name: "JSON without name", content: `{"foo": "bar", "arguments": {}}`, wantCount: 0},
		{name: "JSON with empty name", content: `{"name": "", "arguments": {}}`, wantCount: 0},
		{
			name:       "unknown tool rejected",
			content:    `{"name": "drop_tables", "arguments": {}}`,
			validTools: []string{"add_task", "list_tasks"},
			wantCount:  0,
		},
		{
			name:       "mixed valid and invalid",
			content:    `[{"name": "list_tasks", "arguments": {}}, {"name": "nope", "arguments": {}}]`,
			validTools: []string{"add_task", "list_tasks"},
			wantCount:  1,
			wantName:   "list_tasks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)

			if len(got) != tt.wantCount {
				t.Errorf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
				return
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("parseTextToolCalls() first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"model":"qwen3:4b","done":true,"prompt_eval_count":40,"eval_count":9,
			"message":{"role":"assistant","content":"","tool_calls":[
				{"function":{"name":"add_task","arguments":{"title":"buy milk"}}}]}}`))
	}))
	defer srv.Close()

	tools := []map[string]any{{"type": "function", "function": map[string]any{"name": "add_task"}}}
	c := NewOllamaClient(srv.URL+"/", nil)
	resp, err := c.Chat(t.Context(), "qwen3:4b", []Message{
		{Role: "user", Content: "add buy milk"},
		{Role: "tool", Content: `{"id":1}`, ToolCallID: "call_1", ToolName: "add_task"},
	}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Stream {
		t.Error("request should not stream")
	}
	if got.Messages[1].ToolName != "add_task" {
		t.Errorf("tool message tool_name = %q", got.Messages[1].ToolName)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Arguments["title"] != "buy milk" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 40 || resp.OutputTokens != 9 || resp.Provider != "ollama" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaClient_TextToolCallFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"small","done":true,"message":{"role":"assistant",
			"content":"<tool_call>{\"name\":\"list_tasks\",\"arguments\":{}}</tool_call>"}}`))
	}))
	defer srv.Close()

	tools := []map[string]any{{"type": "function", "function": map[string]any{"name": "list_tasks"}}}
	resp, err := NewOllamaClient(srv.URL, nil).Chat(t.Context(), "small", []Message{{Role: "user", Content: "list"}}, tools)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.Content != "" {
		t.Errorf("resp message = %+v, want one parsed call and no text", resp.Message)
	}
}

func TestOllamaClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(t.Context(), "m", []Message{{Role: "user", Content: "hi"}}, nil)
	if !IsRetryable(err) {
		t.Errorf("503 err = %v, want retryable", err)
	}
}
