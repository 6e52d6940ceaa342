// Package turn handles one user message end to end: it validates the
// input, serializes work on the conversation, persists both sides of the
// exchange and runs the agent in between. No assistant message is
// written unless the agent finished inside the turn deadline.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/tally/internal/agent"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/events"
)

// MaxMessageLength is the longest accepted message, in characters.
const MaxMessageLength = 5000

var (
	// ErrInvalidInput is returned for empty or oversized messages.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout is returned when the turn deadline passes before the
	// reply is persisted.
	ErrTimeout = errors.New("turn timed out")
)

// Store is the conversation persistence the dispatcher needs.
type Store interface {
	CreateConversation(ctx context.Context, ownerID string) (*conversation.Conversation, error)
	GetConversation(ctx context.Context, id int64, ownerID string) (*conversation.Conversation, error)
	AppendMessage(ctx context.Context, conversationID int64, ownerID string, role conversation.Role, content string) (*conversation.Message, error)
	History(ctx context.Context, conversationID int64, ownerID string, limit int) ([]conversation.Message, error)
}

// Locker serializes turns on one conversation.
type Locker interface {
	Lock(ctx context.Context, conversationID int64) (func(), error)
}

// Runner runs the agent loop.
type Runner interface {
	Run(ctx context.Context, in agent.Input) (*agent.Result, error)
}

// Config holds the dispatcher's limits.
type Config struct {
	TurnTimeout  time.Duration // 0 means no deadline beyond the caller's
	HistoryLimit int           // messages replayed per turn; <= 0 means all
}

// Request is one incoming user message. ConversationID 0 starts a new
// conversation.
type Request struct {
	OwnerID        string
	ConversationID int64
	Text           string
}

// ToolCallSummary reports one executed tool call. Result holds the
// structured error object when the call failed.
type ToolCallSummary struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Result     json.RawMessage `json:"result"`
}

// Result is a completed turn.
type Result struct {
	ConversationID int64             `json:"conversation_id"`
	AssistantText  string            `json:"response"`
	ToolCalls      []ToolCallSummary `json:"tool_calls"`
}

// Dispatcher handles turns. It holds no per-turn state.
type Dispatcher struct {
	store  Store
	locker Locker
	runner Runner
	cfg    Config
	logger *slog.Logger
	events *events.Bus
}

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(store Store, locker Locker, runner Runner, cfg Config, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		locker: locker,
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "turn"),
		events: bus,
	}
}

// HandleTurn processes one user message and returns the assistant reply.
func (d *Dispatcher) HandleTurn(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if d.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TurnTimeout)
		defer cancel()
	}

	requestID := agent.NewRequestID()
	start := time.Now()
	log := d.logger.With("request_id", requestID, "owner", req.OwnerID)

	conv, err := d.conversation(ctx, req)
	if err != nil {
		return nil, timeout(ctx, err)
	}
	log = log.With("conversation_id", conv.ID)
	d.publish(req.OwnerID, events.KindTurnStart, map[string]any{"request_id": requestID, "conversation_id": conv.ID})

	res, err := d.run(ctx, log, requestID, conv.ID, req)
	if err != nil {
		err = timeout(ctx, err)
		log.Warn("turn failed", "error", err, "elapsed", time.Since(start))
		d.publish(req.OwnerID, events.KindTurnFailed, map[string]any{
			"request_id":      requestID,
			"conversation_id": conv.ID,
			"error":           err.Error(),
			"elapsed_ms":      time.Since(start).Milliseconds(),
		})
		return nil, err
	}

	log.Info("turn complete", "tool_calls", len(res.ToolCalls), "elapsed", time.Since(start))
	d.publish(req.OwnerID, events.KindTurnComplete, map[string]any{
		"request_id":      requestID,
		"conversation_id": conv.ID,
		"tool_calls":      len(res.ToolCalls),
		"elapsed_ms":      time.Since(start).Milliseconds(),
	})
	return res, nil
}

// run does the locked part of a turn.
func (d *Dispatcher) run(ctx context.Context, log *slog.Logger, requestID string, conversationID int64, req Request) (*Result, error) {
	unlock, err := d.locker.Lock(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	userMsg, err := d.store.AppendMessage(ctx, conversationID, req.OwnerID, conversation.RoleUser, req.Text)
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	history, err := d.store.History(ctx, conversationID, req.OwnerID, d.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if n := len(history); n > 0 && history[n-1].ID == userMsg.ID {
		history = history[:n-1]
	}
	history = trimToUserTurn(history)
	log.Debug("history loaded", "messages", len(history))

	out, err := d.runner.Run(ctx, agent.Input{
		RequestID:      requestID,
		OwnerID:        req.OwnerID,
		ConversationID: conversationID,
		History:        history,
		Message:        req.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("run agent: %w", err)
	}

	// A reply computed after the deadline is dropped, not persisted.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("after agent run: %w", err)
	}

	content, err := agent.EncodeReply(out.Reply)
	if err != nil {
		return nil, err
	}
	if _, err := d.store.AppendMessage(ctx, conversationID, req.OwnerID, conversation.RoleAssistant, content); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	return summarize(conversationID, out.Reply), nil
}

func (d *Dispatcher) conversation(ctx context.Context, req Request) (*conversation.Conversation, error) {
	if req.ConversationID == 0 {
		conv, err := d.store.CreateConversation(ctx, req.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil
	}
	conv, err := d.store.GetConversation(ctx, req.ConversationID, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %d: %w", req.ConversationID, err)
	}
	return conv, nil
}

func (d *Dispatcher) publish(owner, kind string, data map[string]any) {
	d.events.Publish(events.Event{Source: events.SourceTurn, Kind: kind, OwnerID: owner, Data: data})
}

func validate(req Request) error {
	if req.OwnerID == "" {
		return fmt.Errorf("%w: missing owner", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(req.Text); n > MaxMessageLength {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrInvalidInput, n, MaxMessageLength)
	}
	return nil
}

// timeout tags err with ErrTimeout when the turn deadline caused it.
func timeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func summarize(conversationID int64, reply *agent.Reply) *Result {
	return &Result{
		ConversationID: conversationID,
		AssistantText:  reply.Text,
		ToolCalls:      SummarizeCalls(reply),
	}
}

// SummarizeCalls flattens the tool calls of a reply, in execution order.
// The result is never nil.
func SummarizeCalls(reply *agent.Reply) []ToolCallSummary {
	out := []ToolCallSummary{}
	for _, c := range reply.Calls() {
		out = append(out, ToolCallSummary{
			Tool:       c.Tool,
			Parameters: c.Parameters,
			Result:     json.RawMessage(c.Output()),
		})
	}
	return out
}

// trimToUserTurn drops leading messages until the first user message so
// a truncated window never opens with an orphaned assistant reply.
func trimToUserTurn(history []conversation.Message) []conversation.Message {
	for i, m := range history {
		if m.Role == conversation.RoleUser {
			return history[i:]
		}
	}
	return nil
}
