// Package events provides a publish/subscribe bus for agent activity.
// Events flow from the turn dispatcher and agent runner to subscribers
// (the /v1/events WebSocket). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTurn identifies events from the turn dispatcher.
	SourceTurn = "turn"
	// SourceAgent identifies events from the agent runner.
	SourceAgent = "agent"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals a turn was accepted.
	// Data: request_id, conversation_id.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals the assistant reply was persisted.
	// Data: request_id, conversation_id, rounds, tool_calls, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn ended without a reply.
	// Data: request_id, conversation_id, error, elapsed_ms.
	KindTurnFailed = "turn_failed"

	// KindLLMCall signals the start of an engine decision.
	// Data: request_id, round, model.
	KindLLMCall = "llm_call"
	// KindLLMRetry signals a retryable engine failure before a backoff.
	// Data: request_id, round, attempt, delay_ms, error.
	KindLLMRetry = "llm_retry"
	// KindLLMResponse signals a completed engine decision.
	// Data: request_id, round, model, tokens_in, tokens_out,
	// cost_usd, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, round, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, round, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// OwnerID is the user the event concerns. Subscribers only see
	// events for their own owner.
	OwnerID string `json:"owner_id,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu sync.RWMutex
	// subs maps each send channel to the owner it is scoped to. An
	// empty owner receives every event.
	subs map[chan Event]string
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]string),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to every subscriber scoped to its owner.
// Timestamp is filled in when zero. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, owner := range b.subs {
		if owner != "" && owner != e.OwnerID {
			continue
		}
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives events for owner, or all
// events when owner is empty. The caller must eventually call
// Unsubscribe. bufSize controls the channel buffer; 64 suits WebSocket
// consumers.
func (b *Bus) Subscribe(owner string, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = owner
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
