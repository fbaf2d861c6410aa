package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/petalstream/runtime"
)

// StoreSubscriber writes events to an EventStore.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event. It has runtime.EventHandler semantics so
// it can be installed directly in RunOptions.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"block_id", event.BlockID,
			"error", err,
		)
	}
}

// Drain persists events from sub until its channel closes or ctx is done.
// Run it in its own goroutine.
func (s *StoreSubscriber) Drain(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				if n := sub.Dropped(); n > 0 {
					s.logger.Warn("event subscriber fell behind", "dropped", n)
				}
				return
			}
			s.Handle(e)
		}
	}
}
