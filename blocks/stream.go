package blocks

import (
	"github.com/petal-labs/petalstream/core"
)

// Copy passes items through unchanged.
type Copy struct {
	core.SyncBlock
	itemSize int
}

// NewCopy creates a 1:1 pass-through for items of itemSize bytes.
func NewCopy(itemSize int) *Copy {
	sig := core.NewIOSignature(1, 1, itemSize)
	return &Copy{SyncBlock: core.NewSyncBlock("copy", sig, sig), itemSize: itemSize}
}

func (b *Copy) Work(io core.WorkIO) core.WorkResult {
	n := io.NOutputItems()
	copy(io.Output(0), io.Input(0)[:n*b.itemSize])
	return b.Complete(io, n)
}

// Head passes the first limit items through and then reports DONE.
type Head struct {
	core.SyncBlock
	itemSize int
	limit    uint64
	count    uint64
}

// NewHead creates a block forwarding at most limit items.
func NewHead(itemSize int, limit uint64) *Head {
	sig := core.NewIOSignature(1, 1, itemSize)
	return &Head{SyncBlock: core.NewSyncBlock("head", sig, sig), itemSize: itemSize, limit: limit}
}

// Start resets the item count.
func (b *Head) Start() error {
	b.count = 0
	return nil
}

func (b *Head) Work(io core.WorkIO) core.WorkResult {
	if b.count >= b.limit {
		return core.Done()
	}
	n := int(min(uint64(io.NOutputItems()), b.limit-b.count))
	copy(io.Output(0), io.Input(0)[:n*b.itemSize])
	b.count += uint64(n)
	return b.Complete(io, n)
}

// KeepOneInN forwards the first item of every group of n.
type KeepOneInN struct {
	core.SyncDecimator
	itemSize int
}

// NewKeepOneInN creates a decimator by n.
func NewKeepOneInN(itemSize, n int) *KeepOneInN {
	sig := core.NewIOSignature(1, 1, itemSize)
	return &KeepOneInN{SyncDecimator: core.NewSyncDecimator("keep_one_in_n", sig, sig, n), itemSize: itemSize}
}

func (b *KeepOneInN) Work(io core.WorkIO) core.WorkResult {
	n := io.NOutputItems()
	in, out := io.Input(0), io.Output(0)
	size, step := b.itemSize, b.Decimation()*b.itemSize
	for k := 0; k < n; k++ {
		copy(out[k*size:(k+1)*size], in[k*step:k*step+size])
	}
	return b.Complete(io, n)
}

// Repeat emits every input item interpolation times in a row.
type Repeat struct {
	core.SyncInterpolator
	itemSize int
}

// NewRepeat creates an interpolator by interpolation.
func NewRepeat(itemSize, interpolation int) *Repeat {
	sig := core.NewIOSignature(1, 1, itemSize)
	return &Repeat{SyncInterpolator: core.NewSyncInterpolator("repeat", sig, sig, interpolation), itemSize: itemSize}
}

func (b *Repeat) Work(io core.WorkIO) core.WorkResult {
	n := io.NOutputItems()
	interp := b.Interpolation()
	in, out := io.Input(0), io.Output(0)
	size := b.itemSize
	for k := 0; k < n/interp; k++ {
		item := in[k*size : (k+1)*size]
		for r := 0; r < interp; r++ {
			at := (k*interp + r) * size
			copy(out[at:at+size], item)
		}
	}
	return b.Complete(io, n)
}

// Deinterleave distributes input items round robin over its outputs. It
// reports per-output counts through Produce.
type Deinterleave struct {
	core.BaseBlock
	itemSize int
	nout     int
}

// NewDeinterleave creates a block splitting one stream into nout streams.
func NewDeinterleave(itemSize, nout int) *Deinterleave {
	nout = max(nout, 1)
	b := &Deinterleave{
		BaseBlock: core.NewBaseBlock("deinterleave", core.NewIOSignature(1, 1, itemSize), core.NewIOSignature(nout, nout, itemSize)),
		itemSize:  itemSize,
		nout:      nout,
	}
	b.SetRelativeRate(1.0 / float64(nout))
	return b
}

func (b *Deinterleave) Forecast(noutput int, ninputRequired []int) {
	for i := range ninputRequired {
		ninputRequired[i] = noutput * b.nout
	}
}

func (b *Deinterleave) Work(io core.WorkIO) core.WorkResult {
	k := min(io.NOutputItems(), io.NInputItems(0)/b.nout)
	in := io.Input(0)
	size := b.itemSize
	for j := 0; j < k; j++ {
		for o := 0; o < b.nout; o++ {
			src := (j*b.nout + o) * size
			copy(io.Output(o)[j*size:(j+1)*size], in[src:src+size])
		}
	}
	io.Consume(0, k*b.nout)
	for o := 0; o < b.nout; o++ {
		io.Produce(o, k)
	}
	return core.ProducedExplicitly()
}

// TagMarker passes items through and tags every item whose absolute offset
// is a multiple of interval. The tag value is the offset.
type TagMarker struct {
	core.SyncBlock
	itemSize int
	interval uint64
	key      string
}

// NewTagMarker creates a tagging pass-through.
func NewTagMarker(itemSize int, interval uint64, key string) *TagMarker {
	sig := core.NewIOSignature(1, 1, itemSize)
	return &TagMarker{
		SyncBlock: core.NewSyncBlock("tag_marker", sig, sig),
		itemSize:  itemSize,
		interval:  max(interval, 1),
		key:       key,
	}
}

func (b *TagMarker) Work(io core.WorkIO) core.WorkResult {
	n := io.NOutputItems()
	copy(io.Output(0), io.Input(0)[:n*b.itemSize])
	start := io.NItemsWritten(0)
	first := (start + b.interval - 1) / b.interval * b.interval
	for off := first; off < start+uint64(n); off += b.interval {
		_ = io.AddItemTag(0, off, b.key, off, b.ID())
	}
	return b.Complete(io, n)
}

var (
	_ core.Block = (*Copy)(nil)
	_ core.Block = (*Head)(nil)
	_ core.Block = (*KeepOneInN)(nil)
	_ core.Block = (*Repeat)(nil)
	_ core.Block = (*Deinterleave)(nil)
	_ core.Block = (*TagMarker)(nil)
)
