// Package core provides the foundational types and interfaces for PetalStream flowgraphs.
//
// This package contains:
//   - Port description: IOSignature
//   - Stream annotations: Tag, Range, TagInput, OutputTag
//   - The block contract: Block, WorkIO, WorkResult
//   - Embeddable defaults: BaseBlock, SyncBlock, SyncDecimator, SyncInterpolator
//   - The error taxonomy: ConfigurationError, ContractViolation, ResourceError
package core

import (
	"fmt"
	"unsafe"
)

// IOInfinite marks an IOSignature without an upper bound on port count.
const IOInfinite = -1

// IOSignature describes the allowed number of ports on one side of a block
// and the size in bytes of each item flowing through them.
type IOSignature struct {
	MinStreams int
	MaxStreams int
	// ItemSizes holds one size per port. When there are more ports than
	// entries, the last entry applies to the remaining ports.
	ItemSizes []int
}

// NewIOSignature returns a signature where every port carries items of itemSize bytes.
func NewIOSignature(minStreams, maxStreams, itemSize int) IOSignature {
	return IOSignature{
		MinStreams: minStreams,
		MaxStreams: maxStreams,
		ItemSizes:  []int{itemSize},
	}
}

// NewIOSignatureV returns a signature with per-port item sizes.
func NewIOSignatureV(minStreams, maxStreams int, itemSizes ...int) IOSignature {
	sizes := make([]int, len(itemSizes))
	copy(sizes, itemSizes)
	return IOSignature{
		MinStreams: minStreams,
		MaxStreams: maxStreams,
		ItemSizes:  sizes,
	}
}

// NullSignature is the signature of a block side with no ports.
func NullSignature() IOSignature {
	return IOSignature{}
}

// ItemSize returns the item size of the given port, or 0 when the signature
// declares no sizes.
func (s IOSignature) ItemSize(port int) int {
	if len(s.ItemSizes) == 0 || port < 0 {
		return 0
	}
	if port < len(s.ItemSizes) {
		return s.ItemSizes[port]
	}
	return s.ItemSizes[len(s.ItemSizes)-1]
}

// Accepts reports whether n connected ports satisfy the signature bounds.
func (s IOSignature) Accepts(n int) bool {
	if n < s.MinStreams {
		return false
	}
	return s.MaxStreams == IOInfinite || n <= s.MaxStreams
}

// Validate checks that the signature itself is well formed.
func (s IOSignature) Validate() error {
	if s.MinStreams < 0 {
		return fmt.Errorf("min streams %d is negative", s.MinStreams)
	}
	if s.MaxStreams != IOInfinite && s.MaxStreams < s.MinStreams {
		return fmt.Errorf("max streams %d is below min streams %d", s.MaxStreams, s.MinStreams)
	}
	if s.MaxStreams != 0 && len(s.ItemSizes) == 0 {
		return fmt.Errorf("signature allows ports but declares no item size")
	}
	for i, size := range s.ItemSizes {
		if size <= 0 {
			return fmt.Errorf("item size of port %d is %d, must be positive", i, size)
		}
	}
	return nil
}

// String renders the signature for diagnostics.
func (s IOSignature) String() string {
	maxStr := "inf"
	if s.MaxStreams != IOInfinite {
		maxStr = fmt.Sprintf("%d", s.MaxStreams)
	}
	return fmt.Sprintf("[%d..%s]%v", s.MinStreams, maxStr, s.ItemSizes)
}

// Tag is an immutable annotation bound to an absolute item offset on a stream.
type Tag struct {
	Offset uint64 // absolute item offset, not buffer relative
	Key    string
	Value  any
	SrcID  string // optional producer identity
}

// Range is a half-open absolute item range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of items in the range.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether offset lies in the range.
func (r Range) Contains(offset uint64) bool {
	return offset >= r.Start && offset < r.End
}

// TagInput is what one input port consumed during a single work call, along
// with the tags observed over that range.
type TagInput struct {
	Consumed Range
	Tags     []Tag
}

// OutputTag is a tag destined for a specific output port.
type OutputTag struct {
	Output int
	Tag    Tag
}

// Item views over raw buffer windows. Windows handed out by the executor are
// aligned to their item size, so these conversions never copy.

// Float32s reinterprets a byte window as float32 items.
func Float32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Complex64s reinterprets a byte window as complex64 items.
func Complex64s(b []byte) []complex64 {
	if len(b) < 8 {
		return nil
	}
	return unsafe.Slice((*complex64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// Int32s reinterprets a byte window as int32 items.
func Int32s(b []byte) []int32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Size constants for common item types.
const (
	SizeofFloat32   = 4
	SizeofComplex64 = 8
	SizeofInt32     = 4
	SizeofByte      = 1
)
