// Package petalstream is a streaming flowgraph scheduler: blocks connected
// by fixed-item-size buffers, driven by a forecast/work contract with history,
// output-multiple and relative-rate policies and absolute-offset stream tags.
//
// This file re-exports the types and constructors most programs need from
// the core, graph and runtime subpackages. Import the subpackages directly
// for anything else:
//
//	import "github.com/petal-labs/petalstream/core"
//	import "github.com/petal-labs/petalstream/graph"
//	import "github.com/petal-labs/petalstream/runtime"
//	import "github.com/petal-labs/petalstream/blocks"
package petalstream

import (
	"context"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/graph"
	"github.com/petal-labs/petalstream/runtime"
)

// =============================================================================
// Core Package Re-exports
// =============================================================================

// Type aliases from core package
type (
	// Block is the unit of work scheduled by the executor.
	Block = core.Block

	// BaseBlock carries the default policies a block embeds.
	BaseBlock = core.BaseBlock

	// SyncBlock is a 1:1 fixed-rate block.
	SyncBlock = core.SyncBlock

	// SyncDecimator consumes D items per output item.
	SyncDecimator = core.SyncDecimator

	// SyncInterpolator produces I items per input item.
	SyncInterpolator = core.SyncInterpolator

	// WorkIO is the mutation handle a block receives for one work call.
	WorkIO = core.WorkIO

	// WorkResult is what Work returns.
	WorkResult = core.WorkResult

	// IOSignature describes the ports on one side of a block.
	IOSignature = core.IOSignature

	// Tag is a key/value annotation attached to an absolute item offset.
	Tag = core.Tag

	// TagPropagation selects how tags flow from inputs to outputs.
	TagPropagation = core.TagPropagation

	// ContractViolation reports a block breaking the work contract.
	ContractViolation = core.ContractViolation

	// ConfigurationError reports an invalid block policy found at finalize time.
	ConfigurationError = core.ConfigurationError
)

// Tag propagation policies.
const (
	PropagateAllToAll = core.PropagateAllToAll
	PropagateOneToOne = core.PropagateOneToOne
	PropagateDont     = core.PropagateDont
	PropagateCustom   = core.PropagateCustom
)

// IOInfinite allows any number of streams on a port group.
const IOInfinite = core.IOInfinite

// Error classes.
var (
	ErrConfiguration     = core.ErrConfiguration
	ErrContractViolation = core.ErrContractViolation
	ErrResource          = core.ErrResource
)

// Constructor re-exports from core package
var (
	// NewBaseBlock creates block defaults with the given name and signatures.
	NewBaseBlock = core.NewBaseBlock

	// NewSyncBlock creates a 1:1 fixed-rate block base.
	NewSyncBlock = core.NewSyncBlock

	// NewSyncDecimator creates a fixed-rate decimating block base.
	NewSyncDecimator = core.NewSyncDecimator

	// NewSyncInterpolator creates a fixed-rate interpolating block base.
	NewSyncInterpolator = core.NewSyncInterpolator

	// NewIOSignature creates a signature with one item size for every stream.
	NewIOSignature = core.NewIOSignature

	// Wrote reports n items written on every output.
	Wrote = core.Wrote

	// Done reports that the block will never produce again.
	Done = core.Done

	// ProducedExplicitly reports that the block called Produce itself.
	ProducedExplicitly = core.ProducedExplicitly

	// Float32s views an item window as float32 samples.
	Float32s = core.Float32s
)

// =============================================================================
// Graph Package Re-exports
// =============================================================================

// Flowgraph is a set of blocks connected output port to input port.
type Flowgraph = graph.Flowgraph

// NewFlowgraph creates an empty flowgraph.
func NewFlowgraph(name string) *Flowgraph {
	return graph.New(name)
}

// =============================================================================
// Runtime Package Re-exports
// =============================================================================

// Type aliases from runtime package
type (
	// Executor runs flowgraphs.
	Executor = runtime.Executor

	// RunOptions configures a run.
	RunOptions = runtime.RunOptions

	// RunResult is the outcome of a run.
	RunResult = runtime.RunResult

	// BlockReport summarizes one block's participation in a run.
	BlockReport = runtime.BlockReport

	// Event is emitted during a run.
	Event = runtime.Event

	// EventHandler receives events during a run.
	EventHandler = runtime.EventHandler

	// Scheduler names an execution model.
	Scheduler = runtime.Scheduler

	// RunState is the terminal state of a run.
	RunState = runtime.RunState
)

// Terminal run states.
const (
	RunDrained  = runtime.RunDrained
	RunStalled  = runtime.RunStalled
	RunCanceled = runtime.RunCanceled
)

// Execution models.
const (
	SchedulerSTS = runtime.SchedulerSTS
	SchedulerTPB = runtime.SchedulerTPB
)

// NewExecutor creates a new executor.
func NewExecutor() *Executor {
	return runtime.NewExecutor()
}

// DefaultRunOptions returns sensible defaults for run options.
func DefaultRunOptions() RunOptions {
	return runtime.DefaultRunOptions()
}

// Run executes fg to completion with default options and the given
// scheduler.
func Run(ctx context.Context, fg *Flowgraph, sched Scheduler) (*RunResult, error) {
	opts := runtime.DefaultRunOptions()
	opts.Scheduler = sched
	return runtime.NewExecutor().Run(ctx, fg, opts)
}
