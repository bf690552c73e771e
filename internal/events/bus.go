// Package events provides the run event model and a publish/subscribe
// bus. Events are fire-and-forget: they flow from the turn loop, the
// tool dispatcher and the summarizer to subscribers (WebSocket stream,
// MQTT publisher). The bus is nil-safe: calling Publish on a nil *Bus is
// a no-op, so components do not need guard checks.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the turn loop controller.
	SourceLoop = "loop"
	// SourceTools identifies events from the tool dispatcher.
	SourceTools = "tools"
	// SourceSummarizer identifies events from history compression.
	SourceSummarizer = "summarizer"
	// SourceRunner identifies events from run orchestration.
	SourceRunner = "runner"
	// SourceHealth identifies events from provider health monitoring.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of a loop invocation.
	// Data: messages, resumed.
	KindRunStart = "run_start"
	// KindLLMCall signals the start of a reasoning engine call.
	// Data: iter, messages, tools.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a reasoning engine call.
	// Data: iter, model, prompt_tokens, completion_tokens,
	// total_tokens, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: tool, tool_call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals successful completion of a tool execution.
	// Data: tool, tool_call_id, execution_id, duration_ms.
	KindToolDone = "tool_done"
	// KindToolError signals a tool execution that failed.
	// Data: tool, tool_call_id, error.
	KindToolError = "tool_error"
	// KindToolSkipped signals a tool call that was not executed.
	// Data: tool, tool_call_id, reason.
	KindToolSkipped = "tool_skipped"
	// KindSummary signals a history compression pass.
	// Data: tokens_before, tokens_after, messages_compressed,
	// duration_ms.
	KindSummary = "summary"
	// KindGuardrail signals a guardrail incident.
	// Data: phase, rule, disposition, reason.
	KindGuardrail = "guardrail"
	// KindApprovalRequired signals a tool call waiting for sign-off.
	// Data: approval_id, tool, tool_call_id.
	KindApprovalRequired = "approval_required"
	// KindFinalAnswer signals the final assistant answer.
	// Data: content_len, structured.
	KindFinalAnswer = "final_answer"
	// KindRunComplete signals the end of a loop invocation.
	// Data: status, iterations, tool_calls, total_tokens, elapsed_ms.
	KindRunComplete = "run_complete"
	// KindProviderUp signals a provider became reachable.
	// Data: provider, attempts.
	KindProviderUp = "provider_up"
	// KindProviderDown signals a provider stopped responding.
	// Data: provider, error.
	KindProviderDown = "provider_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// RunID identifies the run the event belongs to, when known.
	RunID string `json:"run_id,omitempty"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Sink receives events. Implementations must not block for long.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

// Publish implements [Sink].
func (f SinkFunc) Publish(e Event) { f(e) }

// Emit delivers e to sink, stamping the time if unset. A nil sink is a
// no-op and a panicking sink is logged and ignored.
func Emit(sink Sink, e Event) {
	if sink == nil {
		return
	}
	if b, ok := sink.(*Bus); ok && b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event sink panicked", "kind", e.Kind, "panic", r)
		}
	}()
	sink.Publish(e)
}

// Multi fans events out to every non-nil sink. Each sink is isolated
// from the others' panics.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range live {
			Emit(s, e)
		}
	})
}

// WithRunID returns a sink that stamps every event with runID.
func WithRunID(sink Sink, runID string) Sink {
	return SinkFunc(func(e Event) {
		if e.RunID == "" {
			e.RunID = runID
		}
		Emit(sink, e)
	})
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 suits WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
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
