package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nugget/tally/internal/database/dbtest"
	"github.com/nugget/tally/internal/llm"
	"github.com/nugget/tally/internal/tasks"
	"github.com/nugget/tally/internal/tools"
)

// step is one scripted engine outcome. A blocking step waits for the
// attempt context to end.
type step struct {
	resp  *llm.ChatResponse
	err   error
	block bool
}

// mockLLM returns scripted steps in sequence and records each call.
type mockLLM struct {
	mu    sync.Mutex
	steps []step
	calls []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})
	if len(m.calls) > len(m.steps) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", len(m.calls))
	}
	s := m.steps[len(m.calls)-1]
	m.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, fmt.Errorf("request failed: %w", ctx.Err())
	}
	return s.resp, s.err
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textReply(s string) step {
	return step{resp: &llm.ChatResponse{
		Model:        "test-model",
		Provider:     "mock",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: s},
		InputTokens:  100,
		OutputTokens: 10,
	}}
}

func toolReply(text string, calls ...llm.ToolCall) step {
	return step{resp: &llm.ChatResponse{
		Model:        "test-model",
		Provider:     "mock",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 20,
	}}
}

func call(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{Function: llm.ToolFunction{Name: name, Arguments: args}}
}

// fakeClock fires every After immediately and records the requested
// delays.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fixture struct {
	runner *Runner
	llm    *mockLLM
	clock  *fakeClock
	tasks  *tasks.Store
}

// newFixture wires a runner to a real task registry on a test database.
func newFixture(t *testing.T, cfg Config, steps ...step) *fixture {
	t.Helper()
	store := tasks.NewStore(dbtest.Open(t))
	registry := tools.NewRegistry(nil)
	if err := registry.RegisterTaskTools(store); err != nil {
		t.Fatalf("RegisterTaskTools: %v", err)
	}

	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	mock := &mockLLM{steps: steps}
	clock := newFakeClock()
	r := NewRunner(mock, registry, cfg, nil, WithClock(clock), WithRand(func() float64 { return 0.5 }))
	return &fixture{runner: r, llm: mock, clock: clock, tasks: store}
}

func taskFor(owner, title string) tasks.Task {
	return tasks.Task{OwnerID: owner, Title: title}
}
