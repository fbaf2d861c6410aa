package runtime

import (
	"log/slog"
	"time"

	"github.com/petal-labs/petalstream/buffer"
)

// Scheduler selects the scheduling model.
type Scheduler string

const (
	// SchedulerSTS drives every block from one goroutine in repeated passes.
	SchedulerSTS Scheduler = "sts"
	// SchedulerTPB runs one worker goroutine per block that sleeps at buffer
	// boundaries and is woken by its neighbors.
	SchedulerTPB Scheduler = "tpb"
)

// ParseScheduler maps a configuration string onto a Scheduler.
func ParseScheduler(s string) (Scheduler, bool) {
	switch Scheduler(s) {
	case "", SchedulerSTS:
		return SchedulerSTS, true
	case SchedulerTPB:
		return SchedulerTPB, true
	default:
		return SchedulerSTS, false
	}
}

// RunOptions controls execution behavior.
type RunOptions struct {
	// Scheduler selects the scheduling model (default: sts).
	Scheduler Scheduler

	// BufferSizeBytes is the minimum ring size of every output buffer
	// (default: 32 KiB). Buffers grow beyond it when history or output
	// multiples demand.
	BufferSizeBytes int

	// MaxNOutputItems caps noutput_items for every work call (0: unlimited).
	MaxNOutputItems int

	// StallPollInterval keeps a stalled run alive, re-polling every block at
	// this interval until the context is canceled. Zero ends the run on the
	// first stall.
	StallPollInterval time.Duration

	// EmitWorkEvents enables one block.work event per productive work call.
	EmitWorkEvents bool

	// RunID overrides the generated run identifier.
	RunID string

	// Logger receives executor diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	// If nil, events are emitted without decoration.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	// If nil, events are only sent to EventHandler and the events channel.
	EventBus EventPublisher
}

// DefaultRunOptions returns sensible default options.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Scheduler:       SchedulerSTS,
		BufferSizeBytes: buffer.DefaultBufferBytes,
	}
}

// BlockState is a block's position in the executor's state machine:
// READY -> RUNNING -> {READY, BLOCKED_ON_INPUT, BLOCKED_ON_OUTPUT, DONE}.
type BlockState int

const (
	StateReady BlockState = iota
	StateRunning
	StateBlockedOnInput
	StateBlockedOnOutput
	StateDone
)

// String returns the string representation of the BlockState.
func (s BlockState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlockedOnInput:
		return "blocked_on_input"
	case StateBlockedOnOutput:
		return "blocked_on_output"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// RunState is how a run ended.
type RunState string

const (
	// RunDrained means every block reached DONE.
	RunDrained RunState = "drained"
	// RunStalled means no block could make progress and none was waiting on
	// anything the executor controls.
	RunStalled RunState = "stalled"
	// RunCanceled means the context was canceled or Stop was called.
	RunCanceled RunState = "canceled"
)

// BlockReport summarizes one block's participation in a run.
type BlockReport struct {
	ID            string
	Name          string
	State         BlockState
	Started       bool
	Calls         uint64
	NItemsRead    []uint64
	NItemsWritten []uint64
	// Reason says why the block reached DONE: "work_done", "eof",
	// "outputs_abandoned", "failed" or "not_started". Empty while live.
	Reason string
	Err    error
}

// RunResult is returned from Executor.Run.
type RunResult struct {
	RunID    string
	State    RunState
	Elapsed  time.Duration
	Blocks   []BlockReport
	Failures []error
}

// Block returns the report for the given block ID.
func (r *RunResult) Block(id string) (BlockReport, bool) {
	for _, b := range r.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return BlockReport{}, false
}
