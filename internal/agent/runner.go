// Package agent implements the stateless decide/execute loop that turns
// one user message into tool calls and a reply. A Runner holds only
// configuration and collaborators; every turn rebuilds its transcript
// from the history it is given.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tally/internal/config"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/events"
	"github.com/nugget/tally/internal/llm"
	"github.com/nugget/tally/internal/prompts"
	"github.com/nugget/tally/internal/tools"
	"github.com/nugget/tally/internal/usage"
)

// ToolExecutor is the part of tools.Registry the runner needs.
type ToolExecutor interface {
	Definitions() []map[string]any
	IsMutating(name string) bool
	Execute(ctx context.Context, name string, args json.RawMessage, call tools.CallContext) (any, error)
}

// UsageRecorder persists per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds the runner's limits.
type Config struct {
	Model            string
	MaxRounds        int
	EngineTimeout    time.Duration // per attempt; 0 means none
	ToolTimeout      time.Duration // per call; 0 means none
	MaxParallelReads int
	Retry            RetryPolicy
	Pricing          map[string]config.PricingEntry
}

// ConfigFromAgent builds a Config from the agent config section.
func ConfigFromAgent(model string, a config.AgentConfig, pricing map[string]config.PricingEntry) Config {
	return Config{
		Model:            model,
		MaxRounds:        a.MaxRounds,
		EngineTimeout:    a.EngineTimeout(),
		ToolTimeout:      a.ToolTimeout(),
		MaxParallelReads: a.MaxParallelReads,
		Retry:            RetryPolicyFromConfig(a.Retry),
		Pricing:          pricing,
	}
}

// Runner executes agent turns.
type Runner struct {
	llm    llm.Client
	tools  ToolExecutor
	cfg    Config
	logger *slog.Logger
	clock  Clock
	rand   func() float64
	usage  UsageRecorder
	events *events.Bus
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock used for backoff and the prompt date.
func WithClock(c Clock) Option { return func(r *Runner) { r.clock = c } }

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option { return func(r *Runner) { r.rand = fn } }

// WithUsage records token usage for every engine call.
func WithUsage(u UsageRecorder) Option { return func(r *Runner) { r.usage = u } }

// WithEvents publishes loop progress to bus.
func WithEvents(bus *events.Bus) Option { return func(r *Runner) { r.events = bus } }

// NewRunner creates a runner. Zero limits in cfg take the defaults.
func NewRunner(client llm.Client, registry ToolExecutor, cfg Config, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 8
	}
	if cfg.MaxParallelReads <= 0 {
		cfg.MaxParallelReads = 4
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	r := &Runner{
		llm:    client,
		tools:  registry,
		cfg:    cfg,
		logger: logger.With("component", "agent"),
		clock:  realClock{},
		rand:   rand.Float64,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Input is everything a turn needs. History is the conversation so far,
// excluding Message.
type Input struct {
	RequestID      string
	OwnerID        string
	ConversationID int64
	History        []conversation.Message
	Message        string
}

// Result is a finished turn.
type Result struct {
	Reply        *Reply
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// NewRequestID returns a short random id for correlating a turn's logs
// and events.
func NewRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// turn carries per-call state so the Runner stays stateless.
type turn struct {
	in     Input
	log    *slog.Logger
	result *Result
}

// Run executes the decide/execute loop for one user message.
func (r *Runner) Run(ctx context.Context, in Input) (*Result, error) {
	if in.RequestID == "" {
		in.RequestID = NewRequestID()
	}
	t := &turn{
		in: in,
		log: r.logger.With(
			"request_id", in.RequestID,
			"owner", in.OwnerID,
			"conversation_id", in.ConversationID,
		),
		result: &Result{Reply: &Reply{Version: replyVersion}, Model: r.cfg.Model},
	}

	transcript := []llm.Message{{Role: llm.RoleSystem, Content: prompts.SystemPrompt(r.clock.Now())}}
	transcript = append(transcript, Replay(in.History)...)
	transcript = append(transcript, llm.Message{Role: llm.RoleUser, Content: in.Message})
	defs := r.tools.Definitions()

	t.log.Debug("turn started", "history", len(in.History), "tools", len(defs))

	for round := 0; ; round++ {
		resp, err := r.decide(ctx, t, transcript, defs, round)
		if err != nil {
			return nil, err
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			text := strings.TrimSpace(resp.Message.Content)
			if text == "" {
				t.log.Warn("engine returned empty reply, using fallback", "round", round)
				text = FallbackReply
			}
			t.result.Reply.Text = text
			t.log.Info("turn complete",
				"rounds", round,
				"tool_calls", len(t.result.Reply.Calls()),
				"input_tokens", t.result.InputTokens,
				"output_tokens", t.result.OutputTokens,
			)
			return t.result, nil
		}

		if round >= r.cfg.MaxRounds {
			t.log.Warn("iteration budget exceeded", "rounds", round, "pending_calls", len(calls))
			return nil, &IterationBudgetExceededError{Rounds: round, Pending: len(calls)}
		}

		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", round, i)
			}
		}

		records, err := r.executeRound(ctx, t, round, calls)
		if err != nil {
			return nil, err
		}
		rd := Round{Text: resp.Message.Content, Calls: records}
		t.result.Reply.Rounds = append(t.result.Reply.Rounds, rd)
		transcript = append(transcript, rd.messages()...)
	}
}

// decide asks the engine for the next step, retrying transient
// failures per the retry policy.
func (r *Runner) decide(ctx context.Context, t *turn, transcript []llm.Message, defs []map[string]any, round int) (*llm.ChatResponse, error) {
	attempts := r.cfg.Retry.attempts()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		r.publish(t, events.KindLLMCall, map[string]any{"round": round, "model": r.cfg.Model, "attempt": attempt})

		resp, timedOut, err := r.chat(ctx, transcript, defs)
		if err == nil {
			r.account(ctx, t, round, resp)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("engine call: %w", ctx.Err())
		}

		lastErr = err
		if !timedOut && !llm.IsRetryable(err) {
			t.log.Error("engine call failed", "round", round, "attempt", attempt, "error", err)
			return nil, &ServiceUnavailableError{Attempts: attempt, Err: err}
		}
		if attempt == attempts {
			break
		}

		delay := r.cfg.Retry.Delay(attempt, r.rand())
		t.log.Warn("engine call failed, retrying",
			"round", round,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		r.publish(t, events.KindLLMRetry, map[string]any{
			"round":    round,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if err := sleep(ctx, r.clock, delay); err != nil {
			return nil, fmt.Errorf("engine backoff: %w", err)
		}
	}

	t.log.Error("engine retries exhausted", "round", round, "attempts", attempts, "error", lastErr)
	return nil, &ServiceUnavailableError{Attempts: attempts, Err: lastErr}
}

// chat makes one engine attempt under the per-attempt timeout.
func (r *Runner) chat(ctx context.Context, transcript []llm.Message, defs []map[string]any) (*llm.ChatResponse, bool, error) {
	attemptCtx := ctx
	if r.cfg.EngineTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.EngineTimeout)
		defer cancel()
	}

	resp, err := r.llm.Chat(attemptCtx, r.cfg.Model, slices.Clone(transcript), defs)
	timedOut := attemptCtx.Err() != nil && ctx.Err() == nil
	if err == nil && resp == nil {
		err = fmt.Errorf("engine returned no response")
	}
	return resp, timedOut, err
}

// account adds resp's usage to the turn and records it.
func (r *Runner) account(ctx context.Context, t *turn, round int, resp *llm.ChatResponse) {
	model := resp.Model
	if model == "" {
		model = r.cfg.Model
	}
	cost := usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, r.cfg.Pricing)

	t.result.Model = model
	t.result.InputTokens += resp.InputTokens
	t.result.OutputTokens += resp.OutputTokens
	t.result.CostUSD += cost

	t.log.Debug("engine responded",
		"round", round,
		"model", model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	r.publish(t, events.KindLLMResponse, map[string]any{
		"round":      round,
		"model":      model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"cost_usd":   cost,
		"tool_calls": len(resp.Message.ToolCalls),
	})

	if r.usage == nil {
		return
	}
	err := r.usage.Record(context.WithoutCancel(ctx), usage.Record{
		RequestID:      t.in.RequestID,
		OwnerID:        t.in.OwnerID,
		ConversationID: t.in.ConversationID,
		Model:          model,
		Provider:       resp.Provider,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		CostUSD:        cost,
	})
	if err != nil {
		t.log.Warn("failed to record usage", "error", err)
	}
}

func (r *Runner) publish(t *turn, kind string, data map[string]any) {
	if r.events == nil {
		return
	}
	data["request_id"] = t.in.RequestID
	r.events.Publish(events.Event{
		Source:  events.SourceAgent,
		Kind:    kind,
		OwnerID: t.in.OwnerID,
		Data:    data,
	})
}
