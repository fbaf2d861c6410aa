package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/petal-labs/petalstream/blocks"
	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/graph"
	"github.com/petal-labs/petalstream/runtime"
)

var schedulers = []runtime.Scheduler{runtime.SchedulerSTS, runtime.SchedulerTPB}

// forEachScheduler runs fn once per scheduling model. Results must not
// depend on the model.
func forEachScheduler(t *testing.T, fn func(t *testing.T, opts runtime.RunOptions)) {
	t.Helper()
	for _, s := range schedulers {
		t.Run(string(s), func(t *testing.T) {
			opts := runtime.DefaultRunOptions()
			opts.Scheduler = s
			fn(t, opts)
		})
	}
}

func chain(t *testing.T, blks ...core.Block) *graph.Flowgraph {
	t.Helper()
	fg := graph.New(t.Name())
	if err := fg.Chain(blks...); err != nil {
		t.Fatalf("Chain: %v", err)
	}
	return fg
}

func run(t *testing.T, fg *graph.Flowgraph, opts runtime.RunOptions) (*runtime.RunResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return runtime.NewExecutor().Run(ctx, fg, opts)
}

// mustDrain runs fg and fails unless it drains without failures.
func mustDrain(t *testing.T, fg *graph.Flowgraph, opts runtime.RunOptions) *runtime.RunResult {
	t.Helper()
	res, err := run(t, fg, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != runtime.RunDrained {
		t.Fatalf("State = %s, want drained", res.State)
	}
	return res
}

func report(t *testing.T, res *runtime.RunResult, b core.Block) runtime.BlockReport {
	t.Helper()
	rep, ok := res.Block(b.ID())
	if !ok {
		t.Fatalf("no report for block %s", b.Name())
	}
	return rep
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func equalFloats(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item %d = %v, want %v", i, got[i], want[i])
		}
	}
}

// funcBlock is a float32 1:1 block whose Work is supplied by the test.
type funcBlock struct {
	core.SyncBlock
	work func(io core.WorkIO) core.WorkResult
}

func newFuncBlock(work func(io core.WorkIO) core.WorkResult) *funcBlock {
	sig := core.NewIOSignature(1, 1, core.SizeofFloat32)
	return &funcBlock{SyncBlock: core.NewSyncBlock("func", sig, sig), work: work}
}

func (b *funcBlock) Work(io core.WorkIO) core.WorkResult {
	return b.work(io)
}

// recorder is a Copy that remembers every noutput_items it was offered.
type recorder struct {
	*blocks.Copy
	seen []int
}

func (r *recorder) Work(io core.WorkIO) core.WorkResult {
	r.seen = append(r.seen, io.NOutputItems())
	return r.Copy.Work(io)
}

func TestRun_PassThroughKeepsItemsAndTags(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		tags := []core.Tag{{Offset: 0, Key: "sob"}, {Offset: 10, Key: "x", Value: 10}, {Offset: 999, Key: "eob"}}
		src := blocks.NewVectorSource(ramp(1000), false, tags...)
		cp := blocks.NewCopy(core.SizeofFloat32)
		sink := blocks.NewVectorSink()
		// A small ring forces many calls and wrap-arounds.
		opts.BufferSizeBytes = 256

		res := mustDrain(t, chain(t, src, cp, sink), opts)

		equalFloats(t, sink.Data(), ramp(1000))
		rep := report(t, res, cp)
		if rep.NItemsRead[0] != 1000 || rep.NItemsWritten[0] != 1000 {
			t.Errorf("copy read %v wrote %v, want 1000/1000", rep.NItemsRead, rep.NItemsWritten)
		}
		got := sink.Tags()
		if len(got) != len(tags) {
			t.Fatalf("sink tags = %+v, want %d", got, len(tags))
		}
		for i, tag := range tags {
			if got[i].Offset != tag.Offset || got[i].Key != tag.Key {
				t.Errorf("tag %d = %+v, want %+v", i, got[i], tag)
			}
		}
	})
}

func TestRun_DecimatorByFour(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := blocks.NewVectorSource(ramp(400), false)
		keep := blocks.NewKeepOneInN(core.SizeofFloat32, 4)
		sink := blocks.NewVectorSink()

		res := mustDrain(t, chain(t, src, keep, sink), opts)

		want := make([]float32, 100)
		for i := range want {
			want[i] = float32(4*i + 1)
		}
		equalFloats(t, sink.Data(), want)
		rep := report(t, res, keep)
		if rep.NItemsRead[0] != 400 || rep.NItemsWritten[0] != 100 {
			t.Errorf("decimator read %v wrote %v, want 400/100", rep.NItemsRead, rep.NItemsWritten)
		}
	})
}

func TestRun_FIRHistory(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		taps := []float32{1, 1, 1, 1, 1, 1, 1, 1}
		src := blocks.NewVectorSource(ramp(50), false)
		fir := blocks.NewFIRFilter(taps)
		sink := blocks.NewVectorSink()

		res := mustDrain(t, chain(t, src, fir, sink), opts)

		// No zero preload: 50 inputs with 8 taps give 43 outputs.
		want := make([]float32, 43)
		for i := range want {
			want[i] = float32(36 + 8*i)
		}
		equalFloats(t, sink.Data(), want)
		rep := report(t, res, fir)
		if rep.Reason != "eof" {
			t.Errorf("fir reason = %q, want eof", rep.Reason)
		}
		// The last history-1 items are never consumed.
		if rep.NItemsRead[0] != 43 {
			t.Errorf("fir read %d, want 43", rep.NItemsRead[0])
		}
	})
}

func TestRun_HistoryWindowNeverExceeded(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		var bad []int
		probe := newFuncBlock(nil)
		probe.SetHistory(8)
		probe.work = func(io core.WorkIO) core.WorkResult {
			n := io.NOutputItems()
			if n > io.NInputItems(0)-7 {
				bad = append(bad, n)
			}
			copy(io.Output(0), io.Input(0)[:n*4])
			return probe.Complete(io, n)
		}
		opts.BufferSizeBytes = 128
		mustDrain(t, chain(t, blocks.NewVectorSource(ramp(500), false), probe, blocks.NewNullSink(4)), opts)
		if len(bad) > 0 {
			t.Errorf("windows larger than input minus history: %v", bad)
		}
	})
}

func TestRun_FIRHistoryAcrossCalls(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		taps := []float32{1, 2, 3, 4, 5, 6, 7, 8}
		x := ramp(300)
		fir := blocks.NewFIRFilter(taps)
		sink := blocks.NewVectorSink()
		// 16 item rings: at most 9 outputs per call, so left context is
		// carried across many calls.
		opts.BufferSizeBytes = 64

		res := mustDrain(t, chain(t, blocks.NewVectorSource(x, false), fir, sink), opts)

		want := make([]float32, len(x)-len(taps)+1)
		for j := range want {
			for k, tap := range taps {
				want[j] += tap * x[j+len(taps)-1-k]
			}
		}
		equalFloats(t, sink.Data(), want)
		if rep := report(t, res, fir); rep.Calls < 30 {
			t.Errorf("fir ran in %d calls, want at least 30", rep.Calls)
		}
	})
}

func TestRun_FIRTagsFollowComputedItem(t *testing.T) {
	for _, size := range []int{64, 32 * 1024} {
		t.Run(fmt.Sprintf("buffer_%d", size), func(t *testing.T) {
			forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
				// y[j] = x[j+7], so input item i is computed into output i-7.
				taps := make([]float32, 8)
				taps[0] = 1
				tags := []core.Tag{{Offset: 2, Key: "lead"}, {Offset: 20, Key: "mid"}, {Offset: 49, Key: "last"}}
				src := blocks.NewVectorSource(ramp(50), false, tags...)
				sink := blocks.NewVectorSink()
				opts.BufferSizeBytes = size

				mustDrain(t, chain(t, src, blocks.NewFIRFilter(taps), sink), opts)

				data := sink.Data()
				if len(data) != 43 {
					t.Fatalf("got %d outputs, want 43", len(data))
				}
				got := sink.Tags()
				want := map[string]uint64{"lead": 0, "mid": 13, "last": 42}
				if len(got) != len(want) {
					t.Fatalf("sink tags = %+v, want %d", got, len(want))
				}
				for _, tag := range got {
					if off, ok := want[tag.Key]; !ok || tag.Offset != off {
						t.Errorf("tag %q at output %d, want %d", tag.Key, tag.Offset, off)
					}
				}
				// The tagged samples themselves arrive where the tags do.
				if data[13] != 21 || data[42] != 50 {
					t.Errorf("y[13] = %v, y[42] = %v, want 21 and 50", data[13], data[42])
				}
			})
		})
	}
}

func TestRun_TagsInRangeIsRepeatable(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		var tags []core.Tag
		for i := 0; i < 200; i += 3 {
			tags = append(tags, core.Tag{Offset: uint64(i), Key: []string{"a", "b"}[i%2], Value: i})
		}
		var mismatches, seen int
		var reader *funcBlock
		reader = newFuncBlock(func(io core.WorkIO) core.WorkResult {
			start := io.NItemsRead(0)
			end := start + uint64(io.NInputItems(0))
			for _, key := range []string{"", "a"} {
				first := io.TagsInRange(0, start, end, key)
				want := slices.Clone(first)
				seen += len(first)
				// The result is a copy: edits must not leak into later queries.
				for k := range first {
					first[k].Key = "edited"
				}
				if again := io.TagsInRange(0, start, end, key); !reflect.DeepEqual(again, want) {
					mismatches++
				}
			}
			n := io.NOutputItems()
			copy(io.Output(0), io.Input(0)[:n*core.SizeofFloat32])
			return reader.Complete(io, n)
		})
		opts.BufferSizeBytes = 64

		mustDrain(t, chain(t, blocks.NewVectorSource(ramp(200), false, tags...), reader, blocks.NewVectorSink()), opts)

		if seen == 0 {
			t.Fatal("no tags were visible to the block")
		}
		if mismatches > 0 {
			t.Errorf("%d repeated TagsInRange queries returned different tags", mismatches)
		}
	})
}

func TestRun_SourceDoneDrainsDownstream(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := blocks.NewVectorSource(ramp(10), false)
		cp := blocks.NewCopy(core.SizeofFloat32)
		sink := blocks.NewVectorSink()

		res := mustDrain(t, chain(t, src, cp, sink), opts)

		if rep := report(t, res, src); rep.Reason != "work_done" || rep.State != runtime.StateDone {
			t.Errorf("source = %s/%q, want done/work_done", rep.State, rep.Reason)
		}
		// Copy never returns DONE itself; it finishes once its input drained.
		if rep := report(t, res, cp); rep.Reason != "eof" || rep.NItemsRead[0] != 10 {
			t.Errorf("copy = %q after %d items, want eof after 10", rep.Reason, rep.NItemsRead[0])
		}
		if rep := report(t, res, sink); rep.Reason != "eof" {
			t.Errorf("sink reason = %q, want eof", rep.Reason)
		}
		equalFloats(t, sink.Data(), ramp(10))
	})
}

// burst produces exactly 30 items on both outputs in its first call, then finishes.
type burst struct {
	core.BaseBlock
	fired bool
}

func newBurst() *burst {
	return &burst{BaseBlock: core.NewBaseBlock("burst", core.NullSignature(), core.NewIOSignature(2, 2, core.SizeofFloat32))}
}

func (b *burst) Work(io core.WorkIO) core.WorkResult {
	if b.fired {
		return core.Done()
	}
	b.fired = true
	io.Produce(0, 30)
	io.Produce(1, 30)
	return core.ProducedExplicitly()
}

func TestRun_ExplicitProduceCounts(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := newBurst()
		s0, s1 := blocks.NewNullSink(4), blocks.NewNullSink(4)
		fg := graph.New("burst")
		if err := fg.Add(src, s0, s1); err != nil {
			t.Fatal(err)
		}
		_ = fg.Connect(src.ID(), 0, s0.ID(), 0)
		_ = fg.Connect(src.ID(), 1, s1.ID(), 0)

		res := mustDrain(t, fg, opts)

		rep := report(t, res, src)
		if rep.NItemsWritten[0] != 30 || rep.NItemsWritten[1] != 30 {
			t.Errorf("nitems_written = %v, want [30 30]", rep.NItemsWritten)
		}
		if rep := report(t, res, s1); rep.NItemsRead[0] != 30 {
			t.Errorf("second sink read %d, want 30", rep.NItemsRead[0])
		}
	})
}

func TestRun_Deinterleave(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := blocks.NewVectorSource(ramp(10), false)
		split := blocks.NewDeinterleave(core.SizeofFloat32, 2)
		even, odd := blocks.NewVectorSink(), blocks.NewVectorSink()
		fg := graph.New("split")
		_ = fg.Add(src, split, even, odd)
		_ = fg.Connect(src.ID(), 0, split.ID(), 0)
		_ = fg.Connect(split.ID(), 0, even.ID(), 0)
		_ = fg.Connect(split.ID(), 1, odd.ID(), 0)

		mustDrain(t, fg, opts)

		equalFloats(t, even.Data(), []float32{1, 3, 5, 7, 9})
		equalFloats(t, odd.Data(), []float32{2, 4, 6, 8, 10})
	})
}

func TestRun_RepeatAndAdd(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		a := blocks.NewVectorSource([]float32{1, 2, 3}, false)
		b := blocks.NewVectorSource([]float32{10, 20}, false)
		add := blocks.NewAdd()
		rep := blocks.NewRepeat(core.SizeofFloat32, 3)
		sink := blocks.NewVectorSink()

		fg := graph.New("math")
		_ = fg.Add(a, b, add, rep, sink)
		_ = fg.Connect(a.ID(), 0, add.ID(), 0)
		_ = fg.Connect(b.ID(), 0, add.ID(), 1)
		_ = fg.Chain(add, rep, sink)

		mustDrain(t, fg, opts)

		// The shorter input ends the sum.
		equalFloats(t, sink.Data(), []float32{11, 11, 11, 22, 22, 22})
	})
}

func TestRun_OutputMultipleAndCaps(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		rec := &recorder{Copy: blocks.NewCopy(core.SizeofFloat32)}
		rec.SetOutputMultiple(7)
		sink := blocks.NewVectorSink()
		opts.MaxNOutputItems = 20

		mustDrain(t, chain(t, blocks.NewVectorSource(ramp(100), false), rec, sink), opts)

		if len(rec.seen) == 0 {
			t.Fatal("recorder never called")
		}
		for _, n := range rec.seen {
			if n%7 != 0 || n > 14 {
				t.Errorf("noutput_items = %d, want a multiple of 7 no larger than 14", n)
			}
		}
		// The last two items never fill a multiple.
		equalFloats(t, sink.Data(), ramp(98))
	})
}

func TestRun_TagsFollowDecimation(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		marker := blocks.NewTagMarker(core.SizeofFloat32, 10, "mark")
		keep := blocks.NewKeepOneInN(core.SizeofFloat32, 2)
		sink := blocks.NewVectorSink()
		opts.BufferSizeBytes = 64

		mustDrain(t, chain(t, blocks.NewVectorSource(ramp(100), false), marker, keep, sink), opts)

		tags := sink.Tags()
		if len(tags) != 10 {
			t.Fatalf("got %d tags, want 10: %+v", len(tags), tags)
		}
		for i, tag := range tags {
			if tag.Key != "mark" || tag.Offset != uint64(5*i) || tag.Value != uint64(10*i) {
				t.Errorf("tag %d = %+v, want offset %d value %d", i, tag, 5*i, 10*i)
			}
			if tag.SrcID != marker.ID() {
				t.Errorf("tag %d src = %q, want marker", i, tag.SrcID)
			}
		}
	})
}

// retagger copies items and renames every consumed tag.
type retagger struct {
	*blocks.Copy
}

func (r *retagger) HandleTags(consumed []core.TagInput, produced []core.Range) []core.OutputTag {
	var out []core.OutputTag
	for _, in := range consumed {
		for _, tag := range in.Tags {
			tag.Offset = tag.Offset - in.Consumed.Start + produced[0].Start
			tag.Key = "seen:" + tag.Key
			out = append(out, core.OutputTag{Output: 0, Tag: tag})
		}
	}
	return out
}

func TestRun_CustomTagHandler(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := blocks.NewVectorSource(ramp(20), false, core.Tag{Offset: 3, Key: "a"}, core.Tag{Offset: 15, Key: "b"})
		rt := &retagger{Copy: blocks.NewCopy(core.SizeofFloat32)}
		rt.SetTagPropagation(core.PropagateCustom)
		sink := blocks.NewVectorSink()

		mustDrain(t, chain(t, src, rt, sink), opts)

		tags := sink.Tags()
		if len(tags) != 2 || tags[0].Key != "seen:a" || tags[0].Offset != 3 || tags[1].Key != "seen:b" || tags[1].Offset != 15 {
			t.Errorf("sink tags = %+v", tags)
		}
	})
}

func TestRun_TagOutsideWindowIsRejected(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		var rejected error
		blk := newFuncBlock(nil)
		blk.work = func(io core.WorkIO) core.WorkResult {
			n := io.NOutputItems()
			if err := io.AddItemTag(0, io.NItemsWritten(0)+uint64(n), "late", nil, ""); err != nil && rejected == nil {
				rejected = err
			}
			copy(io.Output(0), io.Input(0)[:n*4])
			return blk.Complete(io, n)
		}
		sink := blocks.NewVectorSink()

		mustDrain(t, chain(t, blocks.NewVectorSource(ramp(10), false), blk, sink), opts)

		if !errors.Is(rejected, core.ErrContractViolation) {
			t.Errorf("AddItemTag error = %v, want contract violation", rejected)
		}
		if len(sink.Tags()) != 0 {
			t.Errorf("rejected tag reached the sink: %+v", sink.Tags())
		}
		equalFloats(t, sink.Data(), ramp(10))
	})
}

func TestRun_ContractViolations(t *testing.T) {
	tests := []struct {
		name string
		op   string
		work func(io core.WorkIO) core.WorkResult
	}{
		{"over consume", "consume", func(io core.WorkIO) core.WorkResult {
			io.ConsumeEach(io.NInputItems(0) + 1)
			return core.Wrote(io.NOutputItems())
		}},
		{"result beyond window", "result", func(io core.WorkIO) core.WorkResult {
			io.ConsumeEach(io.NOutputItems())
			return core.Wrote(io.NOutputItems() + 1)
		}},
		{"negative result", "result", func(io core.WorkIO) core.WorkResult {
			io.ConsumeEach(io.NOutputItems())
			return core.Wrote(-1)
		}},
		{"produce then wrote", "result", func(io core.WorkIO) core.WorkResult {
			io.ConsumeEach(io.NOutputItems())
			io.Produce(0, io.NOutputItems())
			return core.Wrote(io.NOutputItems())
		}},
		{"produce beyond window", "produce", func(io core.WorkIO) core.WorkResult {
			io.ConsumeEach(io.NOutputItems())
			io.Produce(0, io.NOutputItems()+1)
			return core.ProducedExplicitly()
		}},
		{"produce on missing port", "produce", func(io core.WorkIO) core.WorkResult {
			io.ConsumeEach(1)
			io.Produce(3, 1)
			return core.ProducedExplicitly()
		}},
		{"omitted consume", "consume", func(io core.WorkIO) core.WorkResult {
			return core.Wrote(io.NOutputItems())
		}},
		{"panic", "panic", func(io core.WorkIO) core.WorkResult {
			panic("boom")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
				src := blocks.NewNullSource(core.SizeofFloat32)
				bad := newFuncBlock(tt.work)
				sink := blocks.NewNullSink(core.SizeofFloat32)

				res, err := run(t, chain(t, src, bad, sink), opts)

				var cv *core.ContractViolation
				if !errors.As(err, &cv) {
					t.Fatalf("Run error = %v, want contract violation", err)
				}
				if cv.Op != tt.op || cv.BlockID != bad.ID() {
					t.Errorf("violation = %s on %s, want %s on %s", cv.Op, cv.BlockID, tt.op, bad.ID())
				}
				if res.State != runtime.RunDrained {
					t.Errorf("State = %s, want drained", res.State)
				}
				if rep := report(t, res, bad); rep.Reason != "failed" || rep.Err == nil {
					t.Errorf("bad block = %q/%v, want failed", rep.Reason, rep.Err)
				}
				// Nothing from the failed call reached the sink.
				if rep := report(t, res, sink); rep.NItemsRead[0] != 0 || rep.Reason != "eof" {
					t.Errorf("sink = %q after %d items, want eof after 0", rep.Reason, rep.NItemsRead[0])
				}
				if rep := report(t, res, src); rep.Reason != "outputs_abandoned" {
					t.Errorf("source reason = %q, want outputs_abandoned", rep.Reason)
				}
			})
		})
	}
}

func TestRun_AbandonedProducerStops(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := blocks.NewNullSource(core.SizeofFloat32)
		head := blocks.NewHead(core.SizeofFloat32, 10)
		sink := blocks.NewNullSink(core.SizeofFloat32)

		res := mustDrain(t, chain(t, src, head, sink), opts)

		if rep := report(t, res, head); rep.Reason != "work_done" {
			t.Errorf("head reason = %q, want work_done", rep.Reason)
		}
		if rep := report(t, res, src); rep.Reason != "outputs_abandoned" {
			t.Errorf("source reason = %q, want outputs_abandoned", rep.Reason)
		}
		if rep := report(t, res, sink); rep.NItemsRead[0] != 10 {
			t.Errorf("sink read %d, want 10", rep.NItemsRead[0])
		}
	})
}

// failingStart refuses to start.
type failingStart struct {
	*blocks.NullSink
	err error
}

func (b *failingStart) Start() error { return b.err }

// failingStop reports an error when stopped.
type failingStop struct {
	*blocks.NullSink
	err error
}

func (b *failingStop) Stop() error { return b.err }

func TestRun_StartFailureRetiresComponent(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		cause := errors.New("device busy")
		src1 := blocks.NewNullSource(core.SizeofFloat32)
		bad := &failingStart{NullSink: blocks.NewNullSink(core.SizeofFloat32), err: cause}
		src2 := blocks.NewVectorSource(ramp(5), false)
		sink2 := blocks.NewVectorSink()

		fg := graph.New("two components")
		_ = fg.Chain(src1, bad)
		_ = fg.Chain(src2, sink2)

		res, err := run(t, fg, opts)

		if !errors.Is(err, core.ErrResource) || !errors.Is(err, cause) {
			t.Fatalf("Run error = %v, want resource error wrapping cause", err)
		}
		if res.State != runtime.RunDrained {
			t.Errorf("State = %s, want drained", res.State)
		}
		if rep := report(t, res, bad); rep.Reason != "failed" || rep.Started {
			t.Errorf("failing block = %q started=%v", rep.Reason, rep.Started)
		}
		if rep := report(t, res, src1); rep.Reason != "not_started" || rep.Calls != 0 {
			t.Errorf("src1 = %q after %d calls, want not_started", rep.Reason, rep.Calls)
		}
		// The healthy component is unaffected.
		equalFloats(t, sink2.Data(), ramp(5))
	})
}

func TestRun_StopFailureIsReported(t *testing.T) {
	cause := errors.New("flush failed")
	sink := &failingStop{NullSink: blocks.NewNullSink(core.SizeofFloat32), err: cause}
	res, err := run(t, chain(t, blocks.NewVectorSource(ramp(3), false), sink), runtime.DefaultRunOptions())

	var rerr *core.ResourceError
	if !errors.As(err, &rerr) || rerr.Op != "stop" || !errors.Is(err, cause) {
		t.Fatalf("Run error = %v, want stop resource error", err)
	}
	if res.State != runtime.RunDrained || len(res.Failures) != 1 {
		t.Errorf("State = %s failures = %d", res.State, len(res.Failures))
	}
}

// gate is a source that emits nothing until opened, then total items.
type gate struct {
	core.BaseBlock
	open  chan struct{}
	total int
	sent  int
}

func newGate(total int) *gate {
	return &gate{
		BaseBlock: core.NewBaseBlock("gate", core.NullSignature(), core.NewIOSignature(1, 1, core.SizeofFloat32)),
		open:      make(chan struct{}),
		total:     total,
	}
}

func (g *gate) Work(io core.WorkIO) core.WorkResult {
	select {
	case <-g.open:
	default:
		return core.Wrote(0)
	}
	if g.sent >= g.total {
		return core.Done()
	}
	n := min(io.NOutputItems(), g.total-g.sent)
	out := core.Float32s(io.Output(0))
	for i := 0; i < n; i++ {
		g.sent++
		out[i] = float32(g.sent)
	}
	return core.Wrote(n)
}

func TestRun_StallEndsRun(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := newGate(5)
		sink := blocks.NewVectorSink()
		stalls := 0
		opts.EventHandler = func(e runtime.Event) {
			if e.Kind == runtime.EventRunStalled {
				stalls++
			}
		}

		res, err := run(t, chain(t, src, sink), opts)

		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.State != runtime.RunStalled {
			t.Errorf("State = %s, want stalled", res.State)
		}
		if stalls != 1 {
			t.Errorf("run.stalled events = %d, want 1", stalls)
		}
		if rep := report(t, res, sink); rep.State != runtime.StateBlockedOnInput {
			t.Errorf("sink state = %s, want blocked_on_input", rep.State)
		}
	})
}

func TestRun_StallPollingResumes(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := newGate(5)
		sink := blocks.NewVectorSink()
		opts.StallPollInterval = 5 * time.Millisecond
		opened := false
		opts.EventHandler = func(e runtime.Event) {
			// External input arrives once the executor reports the stall.
			if e.Kind == runtime.EventRunStalled && !opened {
				opened = true
				close(src.open)
			}
		}

		mustDrain(t, chain(t, src, sink), opts)

		equalFloats(t, sink.Data(), ramp(5))
	})
}

func TestRun_Cancel(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		fg := chain(t, blocks.NewNullSource(4), blocks.NewNullSink(4))

		res, err := runtime.NewExecutor().Run(ctx, fg, opts)

		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.State != runtime.RunCanceled {
			t.Errorf("State = %s, want canceled", res.State)
		}
	})
}

func TestExecutor_Stop(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		exec := runtime.NewExecutor()
		opts.EmitWorkEvents = true
		opts.EventHandler = func(e runtime.Event) {
			if e.Kind == runtime.EventBlockWork {
				exec.Stop()
			}
		}
		fg := chain(t, blocks.NewNullSource(4), blocks.NewNullSink(4))

		res, err := exec.Run(context.Background(), fg, opts)

		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.State != runtime.RunCanceled {
			t.Errorf("State = %s, want canceled", res.State)
		}
	})
}

func TestRun_RejectsBadInput(t *testing.T) {
	exec := runtime.NewExecutor()
	if _, err := exec.Run(context.Background(), nil, runtime.DefaultRunOptions()); !errors.Is(err, runtime.ErrNilGraph) {
		t.Errorf("nil graph error = %v", err)
	}

	opts := runtime.DefaultRunOptions()
	opts.Scheduler = "round_robin"
	fg := chain(t, blocks.NewNullSource(4), blocks.NewNullSink(4))
	if _, err := exec.Run(context.Background(), fg, opts); !errors.Is(err, runtime.ErrUnknownScheduler) {
		t.Errorf("unknown scheduler error = %v", err)
	}

	mismatch := chain(t, blocks.NewNullSource(8), blocks.NewNullSink(4))
	res, err := exec.Run(context.Background(), mismatch, runtime.DefaultRunOptions())
	if !errors.Is(err, core.ErrConfiguration) || res != nil {
		t.Errorf("mismatched item sizes: result %v error %v", res, err)
	}
}

// announcer publishes a custom event while starting.
type announcer struct {
	*blocks.VectorSource
}

func (a *announcer) StartContext(ctx context.Context) error {
	runtime.EmitterFromContext(ctx)(runtime.NewEvent("block.custom", "").WithBlock(a.ID(), a.Name()))
	return a.VectorSource.Start()
}

func TestRun_EventSequence(t *testing.T) {
	forEachScheduler(t, func(t *testing.T, opts runtime.RunOptions) {
		src := &announcer{VectorSource: blocks.NewVectorSource(ramp(4), false)}
		sink := blocks.NewVectorSink()
		var events []runtime.Event
		opts.EventHandler = func(e runtime.Event) { events = append(events, e) }
		opts.RunID = "run-42"

		exec := runtime.NewExecutor()
		res, err := exec.Run(context.Background(), chain(t, src, sink), opts)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.RunID != "run-42" {
			t.Errorf("RunID = %q", res.RunID)
		}
		equalFloats(t, sink.Data(), ramp(4))

		if len(events) < 4 {
			t.Fatalf("got %d events", len(events))
		}
		index := map[runtime.EventKind]int{}
		for i, e := range events {
			if e.Seq != uint64(i+1) {
				t.Errorf("event %d (%s) has Seq %d", i, e.Kind, e.Seq)
			}
			if _, seen := index[e.Kind]; !seen {
				index[e.Kind] = i
			}
		}
		if events[0].Kind != "block.custom" {
			t.Errorf("first event = %s, want block.custom", events[0].Kind)
		}
		if index[runtime.EventBlockStarted] > index[runtime.EventRunStarted] {
			t.Error("block.started must precede run.started")
		}
		if last := events[len(events)-1]; last.Kind != runtime.EventRunFinished || last.Payload["state"] != string(runtime.RunDrained) {
			t.Errorf("last event = %s %v", last.Kind, last.Payload)
		}
		done := 0
		for _, e := range events {
			if e.Kind == runtime.EventBlockDone {
				done++
			}
		}
		if done != 2 {
			t.Errorf("block.done events = %d, want 2", done)
		}

		select {
		case e := <-exec.Events():
			if e.Seq != 1 {
				t.Errorf("first channel event Seq = %d", e.Seq)
			}
		default:
			t.Error("Events() channel is empty")
		}
	})
}

func TestRun_WorkEvents(t *testing.T) {
	opts := runtime.DefaultRunOptions()
	opts.EmitWorkEvents = true
	produced := 0
	opts.EventHandler = func(e runtime.Event) {
		if e.Kind == runtime.EventBlockWork && e.BlockName == "vector_source" {
			produced += e.Payload["produced"].(int)
		}
	}
	mustDrain(t, chain(t, blocks.NewVectorSource(ramp(100), false), blocks.NewNullSink(4)), opts)
	if produced != 100 {
		t.Errorf("block.work events report %d produced items, want 100", produced)
	}
}
