package bus

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/petalstream/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. A slow subscriber loses events rather
// than stalling the executor, which publishes from its scheduling loop.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[*memSub]struct{}
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[*memSub]struct{}),
		bufSize: bufSize,
	}
}

// Publish delivers the event to every subscriber whose run and kind
// filters match. Events published after Close are dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.matches(event) {
			sub.send(event)
		}
	}
}

// Subscribe registers a subscriber for runID.
func (b *MemBus) Subscribe(runID string, kinds ...runtime.EventKind) Subscription {
	return b.add(&memSub{runID: runID, kinds: kinds})
}

// SubscribeAll registers a subscriber for every run.
func (b *MemBus) SubscribeAll(kinds ...runtime.EventKind) Subscription {
	return b.add(&memSub{all: true, kinds: kinds})
}

func (b *MemBus) add(sub *memSub) Subscription {
	sub.ch = make(chan runtime.Event, b.bufSize)
	sub.bus = b

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.close()
	}
	clear(b.subs)
	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	bus   *MemBus
	runID string
	all   bool
	kinds []runtime.EventKind

	ch      chan runtime.Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func (s *memSub) matches(e runtime.Event) bool {
	if !s.all && e.RunID != s.runID {
		return false
	}
	return len(s.kinds) == 0 || slices.Contains(s.kinds, e.Kind)
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

func (s *memSub) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

// close is guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

// Compile-time interface checks.
var (
	_ EventBus               = (*MemBus)(nil)
	_ Subscription           = (*memSub)(nil)
	_ runtime.EventPublisher = (*MemBus)(nil)
)
