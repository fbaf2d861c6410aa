// Package runtime provides the executor that drives PetalStream flowgraphs.
package runtime

import (
	"context"
	"time"
)

// EventKind identifies the type of event emitted by the executor.
type EventKind string

const (
	// EventRunStarted is emitted once buffers are allocated and blocks started.
	EventRunStarted EventKind = "run.started"

	// EventRunStalled is emitted when a full pass made no progress while some
	// block is still live.
	EventRunStalled EventKind = "run.stalled"

	// EventRunFinished is emitted when a run ends, whatever its final state.
	EventRunFinished EventKind = "run.finished"

	// EventBlockStarted is emitted after a block's Start returned successfully.
	EventBlockStarted EventKind = "block.started"

	// EventBlockWork is emitted after a work call that moved items.
	// Only emitted when RunOptions.EmitWorkEvents is set.
	EventBlockWork EventKind = "block.work"

	// EventBlockBlocked is emitted when a block becomes blocked on input or output.
	EventBlockBlocked EventKind = "block.blocked"

	// EventBlockDone is emitted when a block reaches DONE.
	EventBlockDone EventKind = "block.done"

	// EventBlockFailed is emitted when a block is retired for a contract
	// violation or a start failure.
	EventBlockFailed EventKind = "block.failed"

	// EventBlockStopped is emitted after a block's Stop ran in the final sweep.
	EventBlockStopped EventKind = "block.stopped"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// BlockID is the block that produced this event (empty for run-level events).
	BlockID string

	// BlockName is the block's diagnostic name.
	BlockName string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithBlock sets the block information on the event.
func (e Event) WithBlock(blockID, blockName string) Event {
	e.BlockID = blockID
	e.BlockName = blockName
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the executor
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}

type emitterKey struct{}

// ContextWithEmitter returns a context carrying emit. Blocks implementing
// core.ContextStarter receive such a context and may publish their own
// events through it.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext returns the emitter stored by ContextWithEmitter, or a
// no-op when there is none.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok {
		return emit
	}
	return func(Event) {}
}
