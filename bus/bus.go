// Package bus distributes executor events to observers such as loggers,
// metrics exporters and persistent event stores, decoupled from the
// scheduler that produces them.
package bus

import "github.com/petal-labs/petalstream/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers. It never blocks.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for one run. With kinds set, only
	// those event kinds are delivered.
	Subscribe(runID string, kinds ...runtime.EventKind) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	SubscribeAll(kinds ...runtime.EventKind) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription. It is closed
	// when the subscription or the bus is closed.
	Events() <-chan runtime.Event

	// Dropped counts events discarded because the subscriber fell behind.
	Dropped() uint64

	// Close unsubscribes and releases resources.
	Close() error
}
