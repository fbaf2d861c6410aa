package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalstream/buffer"
	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/graph"
)

// Executor errors
var (
	ErrNilGraph         = errors.New("flowgraph is nil")
	ErrUnknownScheduler = errors.New("unknown scheduler")
)

// Runner executes flowgraphs and emits events.
type Runner interface {
	// Run drives the flowgraph until it drains, stalls or is canceled.
	Run(ctx context.Context, fg *graph.Flowgraph, opts RunOptions) (*RunResult, error)

	// Events returns a channel for receiving executor events.
	Events() <-chan Event
}

// Executor drives flowgraphs with either scheduling model.
type Executor struct {
	eventCh chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewExecutor creates a new executor instance.
func NewExecutor() *Executor {
	return &Executor{
		eventCh: make(chan Event, 100), // buffered channel
	}
}

// Events returns the event channel. Events are dropped when it is full.
func (e *Executor) Events() <-chan Event {
	return e.eventCh
}

// Stop requests a coordinated shutdown of the current run. Blocks inside
// Work finish their call first; Stop never preempts a block.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// blockRun is the executor's private state for one block.
type blockRun struct {
	block      core.Block
	readers    []*buffer.Reader
	outputs    []*buffer.Buffer
	upstream   []*blockRun
	downstream []*blockRun
	component  int
	io         *workIO
	avail      Availability

	started bool
	state   BlockState
	reason  string
	err     error
	calls   uint64

	finished atomic.Bool
	wake     chan struct{}
}

func (br *blockRun) done() bool {
	return br.finished.Load()
}

// abandoned reports whether every output lost all of its readers.
func (br *blockRun) abandoned() bool {
	if len(br.outputs) == 0 {
		return false
	}
	for _, out := range br.outputs {
		if !out.Abandoned() {
			return false
		}
	}
	return true
}

func (br *blockRun) availability(maxNOutput int) Availability {
	a := &br.avail
	// Done flags first: an input seen done must not gain items afterwards.
	for i, r := range br.readers {
		a.InputDone[i] = r.Done()
	}
	for i, r := range br.readers {
		a.InputItems[i] = r.Available()
	}
	for o, out := range br.outputs {
		a.OutputSpace[o] = out.Space()
	}
	a.MaxNOutputItems = maxNOutput
	return *a
}

// run is the state of one Executor.Run invocation.
type run struct {
	id     string
	opts   RunOptions
	log    *slog.Logger
	start  time.Time
	blocks []*blockRun

	emitMu sync.Mutex
	emit   EventEmitter

	failMu   sync.Mutex
	failures []error

	stalled atomic.Bool
}

// Run finalizes the flowgraph, allocates its buffers, starts every block
// and schedules work until all blocks are DONE, the graph stalls or ctx is
// canceled. Block failures do not abort the run; they are collected in the
// result and returned joined as the error.
func (e *Executor) Run(ctx context.Context, fg *graph.Flowgraph, opts RunOptions) (*RunResult, error) {
	if fg == nil {
		return nil, ErrNilGraph
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferSizeBytes <= 0 {
		opts.BufferSizeBytes = buffer.DefaultBufferBytes
	}
	if opts.Scheduler == "" {
		opts.Scheduler = SchedulerSTS
	}
	if opts.Scheduler != SchedulerSTS && opts.Scheduler != SchedulerTPB {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheduler, opts.Scheduler)
	}

	if err := fg.Validate(); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &run{
		id:   runID,
		opts: opts,
		log:  opts.Logger.With("component", "executor", "run_id", runID, "graph", fg.Name()),
	}
	r.emit = e.emitter(r)

	blocks, err := r.allocate(fg)
	if err != nil {
		return nil, err
	}
	r.blocks = blocks

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	r.start = opts.Now()
	r.startBlocks(ctx)
	r.emit(NewEvent(EventRunStarted, runID).
		WithPayload("graph", fg.Name()).
		WithPayload("blocks", len(blocks)).
		WithPayload("scheduler", string(opts.Scheduler)))
	r.log.Info("run started", "blocks", len(blocks), "scheduler", opts.Scheduler)

	var state RunState
	if opts.Scheduler == SchedulerTPB {
		state = r.driveTPB(ctx)
	} else {
		state = r.driveSTS(ctx)
	}

	r.stopBlocks()

	result := r.result(state)
	r.emit(NewEvent(EventRunFinished, runID).
		WithElapsed(result.Elapsed).
		WithPayload("state", string(state)).
		WithPayload("failures", len(result.Failures)))
	r.log.Info("run finished", "state", state, "failures", len(result.Failures), "elapsed", result.Elapsed)

	return result, errors.Join(result.Failures...)
}

func (e *Executor) emitter(r *run) EventEmitter {
	var seq uint64
	emit := func(ev Event) {
		r.emitMu.Lock()
		defer r.emitMu.Unlock()
		seq++
		ev.Seq = seq
		if r.opts.EventBus != nil {
			r.opts.EventBus.Publish(ev)
		}
		if r.opts.EventHandler != nil {
			r.opts.EventHandler(ev)
		}
		select {
		case e.eventCh <- ev:
		default:
			// Drop if channel is full
		}
	}
	if r.opts.EventEmitterDecorator != nil {
		emit = r.opts.EventEmitterDecorator(emit)
	}
	return emit
}

// allocate creates one buffer per connected output port and one reader per
// edge, sized for the producer's output multiple and every consumer's
// history and minimal input window.
func (r *run) allocate(fg *graph.Flowgraph) ([]*blockRun, error) {
	order := fg.Order()
	byID := make(map[string]*blockRun, len(order))
	runs := make([]*blockRun, 0, len(order))
	for _, id := range order {
		b, _ := fg.Block(id)
		nin, nout := fg.NumInputs(id), fg.NumOutputs(id)
		br := &blockRun{
			block:   b,
			readers: make([]*buffer.Reader, nin),
			outputs: make([]*buffer.Buffer, nout),
			avail: Availability{
				OutputSpace: make([]int, nout),
				InputItems:  make([]int, nin),
				InputDone:   make([]bool, nin),
			},
		}
		byID[id] = br
		runs = append(runs, br)
	}

	for _, br := range runs {
		id := br.block.ID()
		edges := fg.OutputEdges(id)
		for o := range br.outputs {
			var consumers []graph.Edge
			var policies []buffer.ConsumerPolicy
			for _, e := range edges {
				if e.Src.Port != o {
					continue
				}
				dst := byID[e.Dst.Block]
				consumers = append(consumers, e)
				policies = append(policies, buffer.ConsumerPolicy{
					History:  dst.block.History(),
					MinInput: minimalInput(dst.block, e.Dst.Port, len(dst.readers)),
				})
			}
			itemSize := br.block.OutputSignature().ItemSize(o)
			chunk := buffer.ProducerChunk(br.block.OutputMultiple(), br.block.RelativeRate())
			capacity := buffer.Capacity(itemSize, r.opts.BufferSizeBytes, chunk, policies)
			buf := buffer.New(itemSize, capacity)
			br.outputs[o] = buf
			for _, e := range consumers {
				dst := byID[e.Dst.Block]
				reader, err := buf.AddReader(dst.block.History())
				if err != nil {
					return nil, fmt.Errorf("allocate buffer %s -> %s: %w", e.Src, e.Dst, err)
				}
				dst.readers[e.Dst.Port] = reader
			}
		}
	}

	for _, br := range runs {
		id := br.block.ID()
		for _, up := range fg.Upstream(id) {
			br.upstream = append(br.upstream, byID[up])
		}
		for _, down := range fg.Downstream(id) {
			br.downstream = append(br.downstream, byID[down])
		}
		br.io = newWorkIO(br.block, br.readers, br.outputs)
	}
	labelComponents(runs)
	return runs, nil
}

// minimalInput is the number of items a consumer needs on the given input
// for its smallest possible call.
func minimalInput(b core.Block, port, nin int) (n int) {
	defer func() {
		if recover() != nil {
			n = b.History()
		}
	}()
	multiple := max(b.OutputMultiple(), 1)
	if fr, ok := b.(core.FixedRater); ok && b.FixedRate() {
		return fr.FixedRateNOutputToNInput(multiple)
	}
	req := make([]int, nin)
	b.Forecast(multiple, req)
	return req[port]
}

// labelComponents assigns every block the index of its weakly connected
// component.
func labelComponents(runs []*blockRun) {
	for _, br := range runs {
		br.component = -1
	}
	next := 0
	for _, root := range runs {
		if root.component >= 0 {
			continue
		}
		stack := []*blockRun{root}
		root.component = next
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, nb := range append(append([]*blockRun{}, cur.upstream...), cur.downstream...) {
				if nb.component < 0 {
					nb.component = next
					stack = append(stack, nb)
				}
			}
		}
		next++
	}
}

// startBlocks calls Start on every block in order. A failure makes the
// failing block's whole component non-runnable.
func (r *run) startBlocks(ctx context.Context) {
	dead := make(map[int]bool)
	startCtx := ContextWithEmitter(ctx, r.emit)
	for _, br := range r.blocks {
		if dead[br.component] {
			continue
		}
		var err error
		if cs, ok := br.block.(core.ContextStarter); ok {
			err = cs.StartContext(startCtx)
		} else {
			err = br.block.Start()
		}
		if err != nil {
			dead[br.component] = true
			r.fail(br, &core.ResourceError{BlockID: br.block.ID(), Block: br.block.Name(), Op: "start", Err: err})
			continue
		}
		br.started = true
		r.emit(NewEvent(EventBlockStarted, r.id).
			WithBlock(br.block.ID(), br.block.Name()).
			WithElapsed(r.opts.Now().Sub(r.start)))
	}
	for _, br := range r.blocks {
		if dead[br.component] && !br.done() {
			r.finish(br, "not_started", nil)
		}
	}
}

// stopBlocks is the final sweep: Stop runs once for every started block.
func (r *run) stopBlocks() {
	for _, br := range r.blocks {
		if !br.started {
			continue
		}
		if err := br.block.Stop(); err != nil {
			rerr := &core.ResourceError{BlockID: br.block.ID(), Block: br.block.Name(), Op: "stop", Err: err}
			r.addFailure(rerr)
			r.log.Error("block stop failed", "block_id", br.block.ID(), "block", br.block.Name(), "error", err)
		}
		r.emit(NewEvent(EventBlockStopped, r.id).
			WithBlock(br.block.ID(), br.block.Name()).
			WithElapsed(r.opts.Now().Sub(r.start)))
	}
}

func (r *run) addFailure(err error) {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	r.failures = append(r.failures, err)
}

// fail retires a block because of err and records the failure.
func (r *run) fail(br *blockRun, err error) {
	var cv *core.ContractViolation
	if errors.As(err, &cv) {
		r.log.Error("block contract violation",
			"block_id", cv.BlockID,
			"block", cv.Block,
			"operation", cv.Op,
			"port", cv.Port,
			"requested", cv.Requested,
			"allowed", cv.Allowed,
			"noutput_items", br.io.noutput,
			"detail", cv.Detail)
	} else {
		r.log.Error("block failed", "block_id", br.block.ID(), "block", br.block.Name(), "error", err)
	}
	r.addFailure(err)
	r.finish(br, "failed", err)
}

// finish moves a block to DONE: its outputs are marked finished so
// consumers drain and stop, and its readers detach so producers stop
// waiting on it.
func (r *run) finish(br *blockRun, reason string, err error) {
	if br.done() {
		return
	}
	br.state = StateDone
	br.reason = reason
	br.err = err
	for _, out := range br.outputs {
		out.MarkDone()
	}
	for _, rd := range br.readers {
		rd.Detach()
	}
	br.finished.Store(true)

	ev := NewEvent(EventBlockDone, r.id)
	if err != nil {
		ev = NewEvent(EventBlockFailed, r.id).WithPayload("error", err.Error())
	}
	r.emit(ev.
		WithBlock(br.block.ID(), br.block.Name()).
		WithElapsed(r.opts.Now().Sub(r.start)).
		WithPayload("reason", reason).
		WithPayload("calls", br.calls))
	r.log.Debug("block done", "block_id", br.block.ID(), "block", br.block.Name(), "reason", reason)
}

func (r *run) setBlocked(br *blockRun, state BlockState) {
	if br.state == state {
		return
	}
	br.state = state
	r.emit(NewEvent(EventBlockBlocked, r.id).
		WithBlock(br.block.ID(), br.block.Name()).
		WithElapsed(r.opts.Now().Sub(r.start)).
		WithPayload("state", state.String()))
}

// step runs one scheduling attempt for br and reports whether any item
// moved or the block changed to DONE.
func (r *run) step(br *blockRun) bool {
	if br.abandoned() {
		r.finish(br, "outputs_abandoned", nil)
		return true
	}
	avail := br.availability(r.opts.MaxNOutputItems)
	win, err := Negotiate(br.block, avail)
	if err != nil {
		r.fail(br, err)
		return true
	}
	switch win.State {
	case StateDone:
		r.finish(br, "eof", nil)
		return true
	case StateBlockedOnInput, StateBlockedOnOutput:
		r.setBlocked(br, win.State)
		return false
	}
	return r.call(br, win.NOutputItems, avail.InputDone)
}

// reportStall emits run.stalled once per stall episode.
func (r *run) reportStall(live int) {
	if r.stalled.Swap(true) {
		return
	}
	r.log.Info("flowgraph stalled, awaiting external input", "live_blocks", live)
	r.emit(NewEvent(EventRunStalled, r.id).
		WithElapsed(r.opts.Now().Sub(r.start)).
		WithPayload("live_blocks", live))
}

func (r *run) clearStall() {
	r.stalled.Store(false)
}

// driveSTS is the single-threaded model: repeated passes over all live
// blocks in topological order until a pass makes no progress.
func (r *run) driveSTS(ctx context.Context) RunState {
	for {
		progressed := false
		live := 0
		for _, br := range r.blocks {
			if br.done() {
				continue
			}
			if ctx.Err() != nil {
				return RunCanceled
			}
			if r.step(br) {
				progressed = true
			}
			if !br.done() {
				live++
			}
		}
		if live == 0 {
			return RunDrained
		}
		if progressed {
			r.clearStall()
			continue
		}
		r.reportStall(live)
		if r.opts.StallPollInterval <= 0 {
			return RunStalled
		}
		select {
		case <-ctx.Done():
			return RunCanceled
		case <-time.After(r.opts.StallPollInterval):
		}
	}
}

func (r *run) allDone() bool {
	for _, br := range r.blocks {
		if !br.done() {
			return false
		}
	}
	return true
}

func (r *run) result(state RunState) *RunResult {
	if r.allDone() {
		state = RunDrained
	}
	res := &RunResult{
		RunID:   r.id,
		State:   state,
		Elapsed: r.opts.Now().Sub(r.start),
	}
	for _, br := range r.blocks {
		rep := BlockReport{
			ID:            br.block.ID(),
			Name:          br.block.Name(),
			State:         br.state,
			Started:       br.started,
			Calls:         br.calls,
			NItemsRead:    make([]uint64, len(br.readers)),
			NItemsWritten: make([]uint64, len(br.outputs)),
			Reason:        br.reason,
			Err:           br.err,
		}
		for i, rd := range br.readers {
			rep.NItemsRead[i] = rd.NItemsRead()
		}
		for o, out := range br.outputs {
			rep.NItemsWritten[o] = out.NItemsWritten()
		}
		res.Blocks = append(res.Blocks, rep)
	}
	r.failMu.Lock()
	res.Failures = append(res.Failures, r.failures...)
	r.failMu.Unlock()
	return res
}

// Ensure interface compliance at compile time.
var _ Runner = (*Executor)(nil)
