package petalstream_test

import (
	"context"
	"testing"

	"github.com/petal-labs/petalstream"
	"github.com/petal-labs/petalstream/blocks"
)

// gain is a user-defined block built only from the root package.
type gain struct {
	petalstream.SyncBlock
	k float32
}

func newGain(k float32) *gain {
	sig := petalstream.NewIOSignature(1, 1, 4)
	return &gain{SyncBlock: petalstream.NewSyncBlock("gain", sig, sig), k: k}
}

func (b *gain) Work(io petalstream.WorkIO) petalstream.WorkResult {
	n := io.NOutputItems()
	in, out := petalstream.Float32s(io.Input(0)), petalstream.Float32s(io.Output(0))
	for i := 0; i < n; i++ {
		out[i] = in[i] * b.k
	}
	return b.Complete(io, n)
}

func TestRun_UserBlock(t *testing.T) {
	for _, sched := range []petalstream.Scheduler{petalstream.SchedulerSTS, petalstream.SchedulerTPB} {
		t.Run(string(sched), func(t *testing.T) {
			src := blocks.NewVectorSource([]float32{1, 2, 3, 4}, false)
			g := newGain(2)
			sink := blocks.NewVectorSink()

			fg := petalstream.NewFlowgraph("gain")
			if err := fg.Chain(src, g, sink); err != nil {
				t.Fatalf("Chain: %v", err)
			}

			result, err := petalstream.Run(context.Background(), fg, sched)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if result.State != petalstream.RunDrained {
				t.Errorf("State = %q, want %q", result.State, petalstream.RunDrained)
			}

			want := []float32{2, 4, 6, 8}
			got := sink.Data()
			if len(got) != len(want) {
				t.Fatalf("sink data = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("sink[%d] = %v, want %v", i, got[i], want[i])
				}
			}

			report, ok := result.Block(g.ID())
			if !ok {
				t.Fatalf("no report for %s", g.ID())
			}
			if report.Reason != "eof" {
				t.Errorf("gain reason = %q, want eof", report.Reason)
			}
			if report.NItemsWritten[0] != 4 {
				t.Errorf("gain wrote %d, want 4", report.NItemsWritten[0])
			}
		})
	}
}
