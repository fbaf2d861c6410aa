package core

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ResultKind enumerates the three possible outcomes of a work call.
type ResultKind int

const (
	// ResultWrote means exactly Items items were written to every output.
	ResultWrote ResultKind = iota
	// ResultDone means the block will never produce again.
	ResultDone
	// ResultProducedExplicitly means the block called Produce per output and
	// the executor must use the recorded counts.
	ResultProducedExplicitly
)

// String returns the string representation of the ResultKind.
func (k ResultKind) String() string {
	switch k {
	case ResultWrote:
		return "wrote"
	case ResultDone:
		return "done"
	case ResultProducedExplicitly:
		return "produced_explicitly"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// WorkResult is the tagged return value of Block.Work.
type WorkResult struct {
	Kind  ResultKind
	Items int // only meaningful for ResultWrote
}

// Wrote reports that n items were written to every output.
func Wrote(n int) WorkResult {
	return WorkResult{Kind: ResultWrote, Items: n}
}

// Done reports end of stream.
func Done() WorkResult {
	return WorkResult{Kind: ResultDone}
}

// ProducedExplicitly reports that per-output counts were recorded via Produce.
func ProducedExplicitly() WorkResult {
	return WorkResult{Kind: ResultProducedExplicitly}
}

// WorkIO is the handle a block receives for the duration of one Work call.
// It must not be retained after Work returns.
type WorkIO interface {
	// NOutputItems is the negotiated output window; a multiple of the
	// block's output multiple.
	NOutputItems() int
	// NInputs and NOutputs return the connected port counts.
	NInputs() int
	NOutputs() int
	// NInputItems is the number of items visible on input i, history included.
	NInputItems(i int) int
	// Input returns the readable window of input i (NInputItems(i) items).
	Input(i int) []byte
	// Output returns the writable window of output o (NOutputItems() items).
	Output(o int) []byte

	Consume(i, n int)
	ConsumeEach(n int)
	Produce(o, n int)

	// AddItemTag attaches a tag to output o. The offset must fall in
	// [NItemsWritten(o), NItemsWritten(o)+NOutputItems()).
	AddItemTag(o int, offset uint64, key string, value any, srcID string) error
	// TagsInRange returns the tags on input i with offset in [start, end),
	// in offset order. An empty key matches every tag.
	TagsInRange(i int, start, end uint64, key string) []Tag

	NItemsRead(i int) uint64
	NItemsWritten(o int) uint64
}

// Block is the unit of streaming computation driven by the executor.
type Block interface {
	ID() string
	Name() string
	InputSignature() IOSignature
	OutputSignature() IOSignature

	History() int
	OutputMultiple() int
	RelativeRate() float64
	FixedRate() bool
	TagPropagation() TagPropagation

	// Forecast fills one required-input estimate per input for a request of
	// noutput items. The executor treats it as a hint.
	Forecast(noutput int, ninputRequired []int)

	// Work transforms items. It runs to completion and is never invoked
	// concurrently for the same block.
	Work(io WorkIO) WorkResult

	Start() error
	Stop() error
}

// FixedRater is implemented by blocks whose input/output counts are related
// by an exact function. It is consulted only when FixedRate returns true.
type FixedRater interface {
	FixedRateNInputToNOutput(ninput int) int
	FixedRateNOutputToNInput(noutput int) int
}

// TagHandler overrides tag propagation with a pure function from what was
// consumed and produced to the tags to add on outputs.
type TagHandler interface {
	HandleTags(consumed []TagInput, produced []Range) []OutputTag
}

// OutputLimiter caps the output window of a single work call.
type OutputLimiter interface {
	MaxNOutputItems() int
}

// ContextStarter is implemented by blocks that need the run context while
// acquiring resources. When present it is called instead of Start. The
// context carries the run's event emitter.
type ContextStarter interface {
	StartContext(ctx context.Context) error
}

// BaseBlock provides the policy fields and default behavior of a block.
// Embed it in concrete block types and override Forecast, Work, Start and
// Stop as needed.
type BaseBlock struct {
	id             string
	name           string
	in             IOSignature
	out            IOSignature
	history        int
	outputMultiple int
	relativeRate   float64
	fixedRate      bool
	maxNOutput     int
	tagPolicy      TagPropagation
}

// NewBaseBlock creates a BaseBlock with default policy: history 1, output
// multiple 1, relative rate 1.0, not fixed rate.
func NewBaseBlock(name string, in, out IOSignature) BaseBlock {
	return BaseBlock{
		id:             uuid.NewString(),
		name:           name,
		in:             in,
		out:            out,
		history:        1,
		outputMultiple: 1,
		relativeRate:   1.0,
		tagPolicy:      PropagateAllToAll,
	}
}

// ID returns the block's stable identifier.
func (b *BaseBlock) ID() string { return b.id }

// SetID replaces the generated identifier, e.g. with one from a graph definition.
func (b *BaseBlock) SetID(id string) { b.id = id }

// Name returns the diagnostic name.
func (b *BaseBlock) Name() string { return b.name }

func (b *BaseBlock) InputSignature() IOSignature  { return b.in }
func (b *BaseBlock) OutputSignature() IOSignature { return b.out }

func (b *BaseBlock) History() int           { return b.history }
func (b *BaseBlock) SetHistory(history int) { b.history = history }

func (b *BaseBlock) OutputMultiple() int { return b.outputMultiple }

// SetOutputMultiple constrains every noutput handed to Forecast and Work to a
// multiple of m.
func (b *BaseBlock) SetOutputMultiple(m int) { b.outputMultiple = m }

func (b *BaseBlock) RelativeRate() float64     { return b.relativeRate }
func (b *BaseBlock) SetRelativeRate(r float64) { b.relativeRate = r }

func (b *BaseBlock) FixedRate() bool         { return b.fixedRate }
func (b *BaseBlock) SetFixedRate(fixed bool) { b.fixedRate = fixed }

// MaxNOutputItems returns the per-call output cap, 0 meaning unlimited.
func (b *BaseBlock) MaxNOutputItems() int     { return b.maxNOutput }
func (b *BaseBlock) SetMaxNOutputItems(n int) { b.maxNOutput = n }

func (b *BaseBlock) TagPropagation() TagPropagation     { return b.tagPolicy }
func (b *BaseBlock) SetTagPropagation(p TagPropagation) { b.tagPolicy = p }

// Forecast is the default estimate:
// ceil(noutput / relative_rate) + history - 1 on every input.
func (b *BaseBlock) Forecast(noutput int, ninputRequired []int) {
	req := DefaultForecast(noutput, b.relativeRate, b.history)
	for i := range ninputRequired {
		ninputRequired[i] = req
	}
}

// Start is a no-op by default.
func (b *BaseBlock) Start() error { return nil }

// Stop is a no-op by default.
func (b *BaseBlock) Stop() error { return nil }

// DefaultForecast computes ceil(noutput / rate) + history - 1, snapping
// values within floating point noise of an integer.
func DefaultForecast(noutput int, rate float64, history int) int {
	if noutput <= 0 {
		return history - 1
	}
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		rate = 1
	}
	v := float64(noutput) / rate
	r := math.Round(v)
	n := int(math.Ceil(v))
	if math.Abs(v-r) <= 1e-9*math.Max(1, v) {
		n = int(r)
	}
	return n + history - 1
}

// ValidatePolicy checks a block's policy fields. It is called once when a
// flowgraph is finalized.
func ValidatePolicy(b Block) error {
	cfgErr := func(field, reason string) error {
		return &ConfigurationError{BlockID: b.ID(), Block: b.Name(), Field: field, Reason: reason}
	}
	if b.History() < 1 {
		return cfgErr("history", fmt.Sprintf("must be >= 1, got %d", b.History()))
	}
	if b.OutputMultiple() < 1 {
		return cfgErr("output_multiple", fmt.Sprintf("must be >= 1, got %d", b.OutputMultiple()))
	}
	rate := b.RelativeRate()
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return cfgErr("relative_rate", fmt.Sprintf("must be a positive finite number, got %v", rate))
	}
	if b.FixedRate() {
		if _, ok := b.(FixedRater); !ok {
			return cfgErr("fixed_rate", "block reports a fixed rate but has no rate functions")
		}
	}
	if err := b.InputSignature().Validate(); err != nil {
		return cfgErr("input_signature", err.Error())
	}
	if err := b.OutputSignature().Validate(); err != nil {
		return cfgErr("output_signature", err.Error())
	}
	if lim, ok := b.(OutputLimiter); ok && lim.MaxNOutputItems() < 0 {
		return cfgErr("max_noutput_items", "must not be negative")
	}
	return nil
}
