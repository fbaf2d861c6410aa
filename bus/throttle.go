package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/petalstream/runtime"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often coalesced block.work events are flushed.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a runtime.EventEmitter and coalesces the
// high-frequency block.work events. All other events pass through
// immediately.
//
// Work events are merged per block: the flushed event carries the latest
// counters plus the summed "produced" and "consumed" payloads and a
// "coalesced" count of merged calls. A block's pending work event is
// flushed before any other event for that block passes through, and all of
// them before run.finished, so consumers never see block.done ahead of the
// block's last work.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]runtime.Event // blockID -> merged work event
	order   []string
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a new ThrottledEmitter around emit.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]runtime.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go te.run()
	return te
}

// Decorator returns te as a runtime.EventEmitterDecorator. The wrapped
// emitter passed by the executor replaces the one given to the constructor.
func (te *ThrottledEmitter) Decorator() runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		te.mu.Lock()
		te.emit = next
		te.mu.Unlock()
		return te.Emit
	}
}

// Emit sends an event through the throttle.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	te.mu.Lock()
	if e.Kind != runtime.EventBlockWork || te.closed {
		var flush []runtime.Event
		if e.Kind == runtime.EventRunFinished {
			flush = te.takeAllLocked()
		} else if prev, ok := te.pending[e.BlockID]; ok {
			flush = append(flush, prev)
			te.dropLocked(e.BlockID)
		}
		emit := te.emit
		te.mu.Unlock()
		for _, p := range flush {
			emit(p)
		}
		emit(e)
		return
	}
	defer te.mu.Unlock()

	prev, ok := te.pending[e.BlockID]
	if !ok {
		te.order = append(te.order, e.BlockID)
		te.pending[e.BlockID] = e.WithPayload("coalesced", 1)
		return
	}
	merged := e.WithPayload("coalesced", intPayload(prev, "coalesced")+1)
	for _, key := range []string{"produced", "consumed"} {
		merged = merged.WithPayload(key, intPayload(prev, key)+intPayload(e, key))
	}
	te.pending[e.BlockID] = merged
}

func intPayload(e runtime.Event, key string) int {
	n, _ := e.Payload[key].(int)
	return n
}

func (te *ThrottledEmitter) dropLocked(blockID string) {
	delete(te.pending, blockID)
	for i, id := range te.order {
		if id == blockID {
			te.order = append(te.order[:i], te.order[i+1:]...)
			break
		}
	}
}

// Close flushes any pending work events and stops the background ticker.
// Events emitted after Close pass through unthrottled. It is safe to call
// Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

func (te *ThrottledEmitter) takeAllLocked() []runtime.Event {
	if len(te.order) == 0 {
		return nil
	}
	out := make([]runtime.Event, 0, len(te.order))
	for _, id := range te.order {
		out = append(out, te.pending[id])
	}
	te.pending = make(map[string]runtime.Event)
	te.order = nil
	return out
}

// flush emits the pending work events in first-seen order.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	toFlush := te.takeAllLocked()
	emit := te.emit
	te.mu.Unlock()

	for _, e := range toFlush {
		emit(e)
	}
}
