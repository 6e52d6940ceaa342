package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/tally/internal/events"
	"github.com/nugget/tally/internal/llm"
	"github.com/nugget/tally/internal/tools"
)

// executeRound runs one decision's calls in received order. Maximal runs
// of consecutive read-only calls execute concurrently; each mutating
// call runs alone. Tool failures are folded into the records; only a
// done context stops the round.
func (r *Runner) executeRound(ctx context.Context, t *turn, round int, calls []llm.ToolCall) ([]CallRecord, error) {
	records := make([]CallRecord, len(calls))

	for start := 0; start < len(calls); {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execute tools: %w", err)
		}

		end := start + 1
		if !r.tools.IsMutating(calls[start].Function.Name) {
			for end < len(calls) && !r.tools.IsMutating(calls[end].Function.Name) {
				end++
			}
		}

		if end-start == 1 {
			records[start] = r.executeCall(ctx, t, round, calls[start])
		} else {
			var g errgroup.Group
			g.SetLimit(r.cfg.MaxParallelReads)
			for i := start; i < end; i++ {
				g.Go(func() error {
					records[i] = r.executeCall(ctx, t, round, calls[i])
					return nil
				})
			}
			_ = g.Wait()
		}
		start = end
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execute tools: %w", err)
	}
	return records, nil
}

// executeCall runs a single tool under the per-call timeout.
func (r *Runner) executeCall(ctx context.Context, t *turn, round int, call llm.ToolCall) CallRecord {
	name := call.Function.Name
	rec := CallRecord{ID: call.ID, Tool: name, Parameters: call.ArgumentsJSON()}

	r.publish(t, events.KindToolCall, map[string]any{"round": round, "tool": name, "call_id": call.ID})
	start := time.Now()

	toolCtx := ctx
	if r.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, r.cfg.ToolTimeout)
		defer cancel()
	}

	out, err := r.tools.Execute(toolCtx, name, rec.Parameters, tools.CallContext{
		OwnerID:        t.in.OwnerID,
		ConversationID: t.in.ConversationID,
	})
	if err == nil {
		b, merr := json.Marshal(out)
		if merr != nil {
			err = fmt.Errorf("encode result: %w", merr)
		} else {
			rec.Result = b
		}
	}
	if err != nil {
		te := tools.AsError(name, err)
		if te.Kind == tools.KindInternal && errors.Is(err, context.DeadlineExceeded) {
			te.Message = "the tool timed out"
		}
		rec.Error = &CallError{Kind: string(te.Kind), Message: te.Message}
		t.log.Warn("tool call failed", "round", round, "tool", name, "kind", te.Kind, "error", err)
	}

	elapsed := time.Since(start)
	t.log.Debug("tool call done", "round", round, "tool", name, "ok", err == nil, "elapsed", elapsed)
	r.publish(t, events.KindToolDone, map[string]any{
		"round":       round,
		"tool":        name,
		"call_id":     call.ID,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})
	return rec
}
