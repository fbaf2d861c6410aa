package core

// SyncBlock is a fixed-rate block producing one output item per input item.
// Concrete blocks embed it and finish Work with Complete.
type SyncBlock struct {
	BaseBlock
}

// NewSyncBlock creates a 1:1 fixed-rate block.
func NewSyncBlock(name string, in, out IOSignature) SyncBlock {
	b := SyncBlock{BaseBlock: NewBaseBlock(name, in, out)}
	b.SetFixedRate(true)
	return b
}

// Forecast requires noutput + history - 1 items on every input.
func (b *SyncBlock) Forecast(noutput int, ninputRequired []int) {
	for i := range ninputRequired {
		ninputRequired[i] = b.FixedRateNOutputToNInput(noutput)
	}
}

func (b *SyncBlock) FixedRateNInputToNOutput(ninput int) int {
	return max(0, ninput-b.History()+1)
}

func (b *SyncBlock) FixedRateNOutputToNInput(noutput int) int {
	return noutput + b.History() - 1
}

// Complete consumes n items on every input and reports n items written.
func (b *SyncBlock) Complete(io WorkIO, n int) WorkResult {
	io.ConsumeEach(n)
	return Wrote(n)
}

// SyncDecimator is a fixed-rate block producing one output per decimation
// input items.
type SyncDecimator struct {
	BaseBlock
	decimation int
}

// NewSyncDecimator creates a decimating fixed-rate block.
func NewSyncDecimator(name string, in, out IOSignature, decimation int) SyncDecimator {
	if decimation < 1 {
		decimation = 1
	}
	b := SyncDecimator{BaseBlock: NewBaseBlock(name, in, out), decimation: decimation}
	b.SetRelativeRate(1.0 / float64(decimation))
	b.SetFixedRate(true)
	return b
}

// Decimation returns the decimation factor.
func (b *SyncDecimator) Decimation() int { return b.decimation }

// Forecast requires noutput*decimation + history - 1 items on every input.
func (b *SyncDecimator) Forecast(noutput int, ninputRequired []int) {
	for i := range ninputRequired {
		ninputRequired[i] = b.FixedRateNOutputToNInput(noutput)
	}
}

// FixedRateNInputToNOutput rounds a partial decimation group up, so that
// mapping back through FixedRateNOutputToNInput never yields less than ninput.
func (b *SyncDecimator) FixedRateNInputToNOutput(ninput int) int {
	x := ninput - b.History() + 1
	if x <= 0 {
		return 0
	}
	return (x + b.decimation - 1) / b.decimation
}

func (b *SyncDecimator) FixedRateNOutputToNInput(noutput int) int {
	return noutput*b.decimation + b.History() - 1
}

// Complete consumes n*decimation items on every input and reports n written.
func (b *SyncDecimator) Complete(io WorkIO, n int) WorkResult {
	io.ConsumeEach(n * b.decimation)
	return Wrote(n)
}

// SyncInterpolator is a fixed-rate block producing interpolation outputs per
// input item. Its output multiple is the interpolation factor.
type SyncInterpolator struct {
	BaseBlock
	interpolation int
}

// NewSyncInterpolator creates an interpolating fixed-rate block.
func NewSyncInterpolator(name string, in, out IOSignature, interpolation int) SyncInterpolator {
	if interpolation < 1 {
		interpolation = 1
	}
	b := SyncInterpolator{BaseBlock: NewBaseBlock(name, in, out), interpolation: interpolation}
	b.SetRelativeRate(float64(interpolation))
	b.SetOutputMultiple(interpolation)
	b.SetFixedRate(true)
	return b
}

// Interpolation returns the interpolation factor.
func (b *SyncInterpolator) Interpolation() int { return b.interpolation }

func (b *SyncInterpolator) Forecast(noutput int, ninputRequired []int) {
	for i := range ninputRequired {
		ninputRequired[i] = b.FixedRateNOutputToNInput(noutput)
	}
}

func (b *SyncInterpolator) FixedRateNInputToNOutput(ninput int) int {
	return max(0, ninput-b.History()+1) * b.interpolation
}

func (b *SyncInterpolator) FixedRateNOutputToNInput(noutput int) int {
	return (noutput+b.interpolation-1)/b.interpolation + b.History() - 1
}

// Complete consumes n/interpolation items on every input and reports n written.
func (b *SyncInterpolator) Complete(io WorkIO, n int) WorkResult {
	io.ConsumeEach(n / b.interpolation)
	return Wrote(n)
}

var (
	_ FixedRater = (*SyncBlock)(nil)
	_ FixedRater = (*SyncDecimator)(nil)
	_ FixedRater = (*SyncInterpolator)(nil)
)
