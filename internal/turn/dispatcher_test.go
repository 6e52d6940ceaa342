package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/tally/internal/agent"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/database/dbtest"
	"github.com/nugget/tally/internal/llm"
	"github.com/nugget/tally/internal/tasks"
	"github.com/nugget/tally/internal/tools"
)

// scriptedLLM returns responses in order; errors are returned as-is.
type scriptedLLM struct {
	mu    sync.Mutex
	steps []any // *llm.ChatResponse or error
	n     int
}

func (s *scriptedLLM) Chat(context.Context, string, []llm.Message, []map[string]any) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n >= len(s.steps) {
		return nil, errors.New("scriptedLLM: out of responses")
	}
	step := s.steps[s.n]
	s.n++
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*llm.ChatResponse), nil
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

func say(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}
}

func addTask(title string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{Function: llm.ToolFunction{
			Name:      "add_task",
			Arguments: map[string]any{"title": title},
		}}},
	}}
}

// runnerFunc adapts a function to Runner.
type runnerFunc func(ctx context.Context, in agent.Input) (*agent.Result, error)

func (f runnerFunc) Run(ctx context.Context, in agent.Input) (*agent.Result, error) { return f(ctx, in) }

type fixture struct {
	dispatcher *Dispatcher
	convs      *conversation.Store
	tasks      *tasks.Store
}

func newFixture(t *testing.T, cfg Config, runner func(agent.ToolExecutor) Runner) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	convs := conversation.NewStore(db)
	taskStore := tasks.NewStore(db)
	registry := tools.NewRegistry(nil)
	if err := registry.RegisterTaskTools(taskStore); err != nil {
		t.Fatalf("RegisterTaskTools: %v", err)
	}
	locker := conversation.NewLocker(convs, time.Minute, nil)
	return &fixture{
		dispatcher: NewDispatcher(convs, locker, runner(registry), cfg, nil, nil),
		convs:      convs,
		tasks:      taskStore,
	}
}

func agentRunner(client llm.Client, retry agent.RetryPolicy) func(agent.ToolExecutor) Runner {
	return func(registry agent.ToolExecutor) Runner {
		return agent.NewRunner(client, registry, agent.Config{Model: "m", MaxRounds: 4, Retry: retry}, nil)
	}
}

func fixedRunner(r Runner) func(agent.ToolExecutor) Runner {
	return func(agent.ToolExecutor) Runner { return r }
}

func messages(t *testing.T, f *fixture, convID int64, owner string) []conversation.Message {
	t.Helper()
	msgs, err := f.convs.History(context.Background(), convID, owner, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return msgs
}

func TestHandleTurn_NewConversationAddTask(t *testing.T) {
	llmc := &scriptedLLM{steps: []any{addTask("buy milk"), say("Added 'buy milk'.")}}
	f := newFixture(t, Config{TurnTimeout: 5 * time.Second}, agentRunner(llmc, agent.DefaultRetryPolicy()))

	res, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", Text: "add a task to buy milk"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	if res.ConversationID == 0 {
		t.Error("new conversation id not returned")
	}
	if res.AssistantText != "Added 'buy milk'." {
		t.Errorf("text = %q", res.AssistantText)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Tool != "add_task" {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}
	if !strings.Contains(string(res.ToolCalls[0].Parameters), `"buy milk"`) || !strings.Contains(string(res.ToolCalls[0].Result), `"completed":false`) {
		t.Errorf("tool call = %s -> %s", res.ToolCalls[0].Parameters, res.ToolCalls[0].Result)
	}

	list, _ := f.tasks.List(t.Context(), "alice", tasks.Filter{})
	if len(list) != 1 {
		t.Errorf("alice has %d tasks, want 1", len(list))
	}

	msgs := messages(t, f, res.ConversationID, "alice")
	if len(msgs) != 2 || msgs[0].Role != conversation.RoleUser || msgs[1].Role != conversation.RoleAssistant {
		t.Fatalf("stored messages = %+v", msgs)
	}
	if reply := agent.DecodeReply(msgs[1].Content); len(reply.Calls()) != 1 {
		t.Errorf("stored reply lost its tool calls: %s", msgs[1].Content)
	}
}

func TestHandleTurn_SequentialMessages(t *testing.T) {
	llmc := &scriptedLLM{steps: []any{
		addTask("task A"), say("Added A."),
		addTask("task B"), say("Added B."),
	}}
	f := newFixture(t, Config{}, agentRunner(llmc, agent.DefaultRetryPolicy()))

	first, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", Text: "create task A"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	second, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", ConversationID: first.ConversationID, Text: "create task B"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation changed: %d -> %d", first.ConversationID, second.ConversationID)
	}

	msgs := messages(t, f, first.ConversationID, "alice")
	wantRoles := []conversation.Role{conversation.RoleUser, conversation.RoleAssistant, conversation.RoleUser, conversation.RoleAssistant}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("stored %d messages, want 4", len(msgs))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if msgs[0].Content != "create task A" || msgs[2].Content != "create task B" {
		t.Errorf("user messages out of order: %q, %q", msgs[0].Content, msgs[2].Content)
	}

	list, _ := f.tasks.List(t.Context(), "alice", tasks.Filter{})
	if len(list) != 2 || list[0].ID == list[1].ID {
		t.Errorf("tasks = %+v, want two distinct", list)
	}
}

func TestHandleTurn_HistoryExcludesCurrentMessage(t *testing.T) {
	var got agent.Input
	runner := runnerFunc(func(_ context.Context, in agent.Input) (*agent.Result, error) {
		got = in
		return &agent.Result{Reply: &agent.Reply{Text: "ok"}}, nil
	})
	f := newFixture(t, Config{HistoryLimit: 10}, fixedRunner(runner))

	res, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", Text: "one"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if _, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", ConversationID: res.ConversationID, Text: "two"}); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	if got.Message != "two" || len(got.History) != 2 || got.History[0].Content != "one" {
		t.Errorf("runner input = %+v", got)
	}
	if got.RequestID == "" || got.ConversationID != res.ConversationID {
		t.Errorf("runner input ids = %q/%d", got.RequestID, got.ConversationID)
	}
}

func TestHandleTurn_HistoryStartsWithUser(t *testing.T) {
	var got []agent.Input
	runner := runnerFunc(func(_ context.Context, in agent.Input) (*agent.Result, error) {
		got = append(got, in)
		return &agent.Result{Reply: &agent.Reply{Text: "ok " + in.Message}}, nil
	})
	f := newFixture(t, Config{HistoryLimit: 4}, fixedRunner(runner))

	var convID int64
	for _, text := range []string{"one", "two", "three", "four"} {
		res, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", ConversationID: convID, Text: text})
		if err != nil {
			t.Fatalf("HandleTurn(%q): %v", text, err)
		}
		convID = res.ConversationID
	}

	for i, in := range got {
		if len(in.History) > 0 && in.History[0].Role != conversation.RoleUser {
			t.Errorf("turn %d: history opens with %s", i+1, in.History[0].Role)
		}
	}
	last := got[len(got)-1].History
	if len(last) != 2 || last[0].Content != "three" || last[1].Role != conversation.RoleAssistant {
		t.Errorf("last turn history = %+v, want [three, reply]", last)
	}
}

func TestTrimToUserTurn(t *testing.T) {
	user := conversation.Message{Role: conversation.RoleUser}
	assistant := conversation.Message{Role: conversation.RoleAssistant}

	tests := []struct {
		name string
		in   []conversation.Message
		want int
	}{
		{"empty", nil, 0},
		{"starts with user", []conversation.Message{user, assistant}, 2},
		{"orphaned reply", []conversation.Message{assistant, user, assistant}, 2},
		{"only replies", []conversation.Message{assistant, assistant}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trimToUserTurn(tt.in); len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestHandleTurn_EngineUnavailable(t *testing.T) {
	outage := &llm.APIError{Provider: "mock", StatusCode: 503}
	llmc := &scriptedLLM{steps: []any{outage, outage, outage, say("never")}}
	retry := agent.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	f := newFixture(t, Config{}, agentRunner(llmc, retry))

	conv, err := f.convs.CreateConversation(t.Context(), "alice")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	_, err = f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", ConversationID: conv.ID, Text: "hello"})
	if !errors.Is(err, agent.ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}

	msgs := messages(t, f, conv.ID, "alice")
	if len(msgs) != 1 || msgs[0].Role != conversation.RoleUser {
		t.Errorf("stored messages = %+v, want only the user message", msgs)
	}
}

func TestHandleTurn_Timeout(t *testing.T) {
	blocking := runnerFunc(func(ctx context.Context, _ agent.Input) (*agent.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, Config{TurnTimeout: 50 * time.Millisecond}, fixedRunner(blocking))

	_, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", Text: "slow"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	convs, _ := f.convs.ListConversations(t.Context(), "alice", 0)
	if len(convs) != 1 || convs[0].MessageCount != 1 {
		t.Errorf("conversations = %+v, want one with only the user message", convs)
	}
}

func TestHandleTurn_LateReplyDropped(t *testing.T) {
	// The runner ignores its context and answers after the deadline.
	late := runnerFunc(func(context.Context, agent.Input) (*agent.Result, error) {
		time.Sleep(80 * time.Millisecond)
		return &agent.Result{Reply: &agent.Reply{Text: "too late"}}, nil
	})
	f := newFixture(t, Config{TurnTimeout: 30 * time.Millisecond}, fixedRunner(late))

	_, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", Text: "hi"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	convs, _ := f.convs.ListConversations(t.Context(), "alice", 0)
	if convs[0].MessageCount != 1 {
		t.Errorf("message count = %d, want 1 (assistant reply must not be persisted)", convs[0].MessageCount)
	}
}

func TestHandleTurn_InvalidInput(t *testing.T) {
	called := false
	runner := runnerFunc(func(context.Context, agent.Input) (*agent.Result, error) {
		called = true
		return &agent.Result{Reply: &agent.Reply{Text: "ok"}}, nil
	})
	f := newFixture(t, Config{}, fixedRunner(runner))

	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{OwnerID: "alice", Text: ""}},
		{"whitespace", Request{OwnerID: "alice", Text: " \n\t "}},
		{"too long", Request{OwnerID: "alice", Text: strings.Repeat("a", MaxMessageLength+1)}},
		{"no owner", Request{Text: "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.dispatcher.HandleTurn(t.Context(), tt.req); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
	if called {
		t.Error("runner called for invalid input")
	}

	// The limit counts characters, not bytes.
	if _, err := f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", Text: strings.Repeat("é", MaxMessageLength)}); err != nil {
		t.Errorf("5000 multibyte characters rejected: %v", err)
	}
}

func TestHandleTurn_ConversationErrors(t *testing.T) {
	runner := runnerFunc(func(context.Context, agent.Input) (*agent.Result, error) {
		return &agent.Result{Reply: &agent.Reply{Text: "ok"}}, nil
	})
	f := newFixture(t, Config{}, fixedRunner(runner))

	bobs, err := f.convs.CreateConversation(t.Context(), "bob")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	_, err = f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", ConversationID: bobs.ID, Text: "hi"})
	if !errors.Is(err, conversation.ErrOwnership) {
		t.Errorf("foreign conversation err = %v, want ErrOwnership", err)
	}
	_, err = f.dispatcher.HandleTurn(t.Context(), Request{OwnerID: "alice", ConversationID: 999, Text: "hi"})
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("missing conversation err = %v, want ErrNotFound", err)
	}
	if msgs := messages(t, f, bobs.ID, "bob"); len(msgs) != 0 {
		t.Errorf("bob's conversation gained %d messages", len(msgs))
	}
}

func TestHandleTurn_SameConversationSerialized(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	runner := runnerFunc(func(context.Context, agent.Input) (*agent.Result, error) {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &agent.Result{Reply: &agent.Reply{Text: "ok"}}, nil
	})
	f := newFixture(t, Config{}, fixedRunner(runner))

	conv, err := f.convs.CreateConversation(t.Context(), "alice")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.dispatcher.HandleTurn(context.Background(), Request{OwnerID: "alice", ConversationID: conv.ID, Text: "hi"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("HandleTurn: %v", err)
		}
	}

	if maxActive != 1 {
		t.Errorf("max concurrent turns on one conversation = %d, want 1", maxActive)
	}
	msgs := messages(t, f, conv.ID, "alice")
	for i, m := range msgs {
		want := conversation.RoleUser
		if i%2 == 1 {
			want = conversation.RoleAssistant
		}
		if m.Role != want {
			t.Errorf("message %d role = %s, want %s (turns interleaved)", i, m.Role, want)
		}
	}
}
