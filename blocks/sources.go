// Package blocks provides reference block implementations: sources, sinks
// and simple stream transforms exercising every part of the block contract.
package blocks

import (
	"github.com/petal-labs/petalstream/core"
)

// VectorSource emits a fixed sequence of float32 items, optionally
// repeating it forever, and then reports DONE.
type VectorSource struct {
	core.BaseBlock
	data   []float32
	repeat bool
	tags   []core.Tag // offsets index into data
	pos    int
}

// NewVectorSource creates a source emitting data. Tag offsets are positions
// within data; on repeat the tags are emitted again for every pass.
func NewVectorSource(data []float32, repeat bool, tags ...core.Tag) *VectorSource {
	b := &VectorSource{
		BaseBlock: core.NewBaseBlock("vector_source", core.NullSignature(), core.NewIOSignature(1, 1, core.SizeofFloat32)),
		data:      append([]float32(nil), data...),
		repeat:    repeat,
		tags:      append([]core.Tag(nil), tags...),
	}
	return b
}

// Start rewinds the source.
func (b *VectorSource) Start() error {
	b.pos = 0
	return nil
}

func (b *VectorSource) Work(io core.WorkIO) core.WorkResult {
	if len(b.data) == 0 || (!b.repeat && b.pos >= len(b.data)) {
		return core.Done()
	}
	out := core.Float32s(io.Output(0))
	base := io.NItemsWritten(0)
	n := 0
	for n < len(out) {
		if b.pos == len(b.data) {
			if !b.repeat {
				break
			}
			b.pos = 0
		}
		k := copy(out[n:], b.data[b.pos:])
		for _, t := range b.tags {
			if t.Offset < uint64(b.pos) || t.Offset >= uint64(b.pos+k) {
				continue
			}
			at := base + uint64(n) + (t.Offset - uint64(b.pos))
			// at lies inside this call's window by construction.
			_ = io.AddItemTag(0, at, t.Key, t.Value, t.SrcID)
		}
		b.pos += k
		n += k
	}
	return core.Wrote(n)
}

// NullSource emits zero-valued items forever.
type NullSource struct {
	core.BaseBlock
}

// NewNullSource creates an endless source of zeroed items of itemSize bytes.
func NewNullSource(itemSize int) *NullSource {
	return &NullSource{
		BaseBlock: core.NewBaseBlock("null_source", core.NullSignature(), core.NewIOSignature(1, core.IOInfinite, itemSize)),
	}
}

func (b *NullSource) Work(io core.WorkIO) core.WorkResult {
	for o := 0; o < io.NOutputs(); o++ {
		clear(io.Output(o))
	}
	return core.Wrote(io.NOutputItems())
}

var (
	_ core.Block = (*VectorSource)(nil)
	_ core.Block = (*NullSource)(nil)
)
