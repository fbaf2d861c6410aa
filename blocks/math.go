package blocks

import (
	"github.com/petal-labs/petalstream/core"
)

// Add sums any number of float32 streams item by item.
type Add struct {
	core.SyncBlock
}

// NewAdd creates an adder with at least two inputs.
func NewAdd() *Add {
	return &Add{
		SyncBlock: core.NewSyncBlock("add",
			core.NewIOSignature(2, core.IOInfinite, core.SizeofFloat32),
			core.NewIOSignature(1, 1, core.SizeofFloat32)),
	}
}

func (b *Add) Work(io core.WorkIO) core.WorkResult {
	n := io.NOutputItems()
	out := core.Float32s(io.Output(0))[:n]
	copy(out, core.Float32s(io.Input(0))[:n])
	for i := 1; i < io.NInputs(); i++ {
		in := core.Float32s(io.Input(i))
		for k := range out {
			out[k] += in[k]
		}
	}
	return b.Complete(io, n)
}

// FIRFilter is a float32 FIR filter. Its history is the number of taps, so
// each call sees len(taps)-1 items of left context.
type FIRFilter struct {
	core.SyncBlock
	taps []float32
}

// NewFIRFilter creates a filter computing y[n] = sum_k taps[k] * x[n-k].
func NewFIRFilter(taps []float32) *FIRFilter {
	sig := core.NewIOSignature(1, 1, core.SizeofFloat32)
	b := &FIRFilter{
		SyncBlock: core.NewSyncBlock("fir_filter", sig, sig),
		taps:      append([]float32(nil), taps...),
	}
	b.SetHistory(max(len(taps), 1))
	return b
}

// Taps returns the filter coefficients.
func (b *FIRFilter) Taps() []float32 {
	return b.taps
}

func (b *FIRFilter) Work(io core.WorkIO) core.WorkResult {
	n := io.NOutputItems()
	in := core.Float32s(io.Input(0))
	out := core.Float32s(io.Output(0))
	last := len(b.taps) - 1
	for i := 0; i < n; i++ {
		var acc float32
		for k, t := range b.taps {
			acc += t * in[i+last-k]
		}
		out[i] = acc
	}
	return b.Complete(io, n)
}

var (
	_ core.Block = (*Add)(nil)
	_ core.Block = (*FIRFilter)(nil)
)
