package blocks

import (
	"sync"

	"github.com/petal-labs/petalstream/core"
)

// NullSink consumes and discards everything on any number of inputs.
type NullSink struct {
	core.SyncBlock
}

// NewNullSink creates a sink for items of itemSize bytes.
func NewNullSink(itemSize int) *NullSink {
	return &NullSink{
		SyncBlock: core.NewSyncBlock("null_sink", core.NewIOSignature(1, core.IOInfinite, itemSize), core.NullSignature()),
	}
}

func (b *NullSink) Work(io core.WorkIO) core.WorkResult {
	return b.Complete(io, io.NOutputItems())
}

// VectorSink records every float32 item and tag it consumes.
type VectorSink struct {
	core.SyncBlock

	mu   sync.Mutex
	data []float32
	tags []core.Tag
}

// NewVectorSink creates a recording sink.
func NewVectorSink() *VectorSink {
	return &VectorSink{
		SyncBlock: core.NewSyncBlock("vector_sink", core.NewIOSignature(1, 1, core.SizeofFloat32), core.NullSignature()),
	}
}

// Start clears what a previous run recorded.
func (b *VectorSink) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	b.tags = nil
	return nil
}

func (b *VectorSink) Work(io core.WorkIO) core.WorkResult {
	n := io.NOutputItems()
	in := core.Float32s(io.Input(0))
	start := io.NItemsRead(0)
	tags := io.TagsInRange(0, start, start+uint64(n), "")

	b.mu.Lock()
	b.data = append(b.data, in[:n]...)
	b.tags = append(b.tags, tags...)
	b.mu.Unlock()

	return b.Complete(io, n)
}

// Data returns a copy of the items recorded so far.
func (b *VectorSink) Data() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float32(nil), b.data...)
}

// Tags returns a copy of the tags recorded so far, in offset order.
func (b *VectorSink) Tags() []core.Tag {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Tag(nil), b.tags...)
}

var (
	_ core.Block = (*NullSink)(nil)
	_ core.Block = (*VectorSink)(nil)
)
