// Package buffer implements the per-port stream buffers shared between a
// producing block and its consumers.
//
// A Buffer is a bounded circular region of fixed-size items with exactly one
// writer and any number of Readers, each with its own read cursor. Storage is
// mirrored: the backing array holds two copies of the ring so that every
// readable or writable window is contiguous, the way a doubly mapped buffer
// behaves, without platform specific memory mapping. Cursors are absolute
// item counts that never decrease.
package buffer

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/petal-labs/petalstream/core"
)

// Buffer errors
var (
	ErrNoSpace       = errors.New("insufficient buffer space")
	ErrOverConsume   = errors.New("consume exceeds available items")
	ErrReaderTooLate = errors.New("readers must be attached before the first write")
)

// DefaultBufferBytes is the default size of each buffer's ring in bytes.
const DefaultBufferBytes = 32 * 1024

// Buffer is a single-producer, multi-consumer item ring with a tag store.
type Buffer struct {
	mu       sync.Mutex
	itemSize int
	capacity int    // items in one copy of the ring
	data     []byte // 2 * capacity * itemSize
	written  uint64
	readers  []*Reader
	tags     TagStore
	done     bool
}

// Reader is one consumer's view of a Buffer.
type Reader struct {
	buf      *Buffer
	history  int
	read     uint64
	detached bool
}

// New allocates a buffer holding capacity items of itemSize bytes.
func New(itemSize, capacity int) *Buffer {
	if itemSize < 1 {
		itemSize = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		itemSize: itemSize,
		capacity: capacity,
		data:     make([]byte, 2*capacity*itemSize),
	}
}

// ItemSize returns the size of one item in bytes.
func (b *Buffer) ItemSize() int { return b.itemSize }

// Capacity returns the ring size in items.
func (b *Buffer) Capacity() int { return b.capacity }

// AddReader attaches a consumer whose block has the given history.
func (b *Buffer) AddReader(history int) (*Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.written > 0 {
		return nil, ErrReaderTooLate
	}
	if history < 1 {
		history = 1
	}
	if history-1 >= b.capacity {
		return nil, fmt.Errorf("history %d does not fit a %d item buffer", history, b.capacity)
	}
	r := &Reader{buf: b, history: history}
	b.readers = append(b.readers, r)
	return r, nil
}

// NItemsWritten returns the absolute count of items published so far.
func (b *Buffer) NItemsWritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Space returns how many items the writer may publish without overwriting
// anything a live reader can still see.
func (b *Buffer) Space() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spaceLocked()
}

func (b *Buffer) spaceLocked() int {
	oldest, ok := b.oldestRetainedLocked()
	if !ok {
		return b.capacity
	}
	return b.capacity - int(b.written-oldest)
}

// oldestRetainedLocked returns the smallest read cursor over live readers.
func (b *Buffer) oldestRetainedLocked() (uint64, bool) {
	var (
		oldest uint64
		found  bool
	)
	for _, r := range b.readers {
		if r.detached {
			continue
		}
		if !found || r.read < oldest {
			oldest = r.read
			found = true
		}
	}
	return oldest, found
}

// Abandoned reports whether the buffer had readers and all of them detached.
// A producer writing only to abandoned buffers can never be observed again.
func (b *Buffer) Abandoned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.readers) == 0 {
		return false
	}
	_, live := b.oldestRetainedLocked()
	return !live
}

// WriteWindow returns the contiguous writable region for n items starting
// at the current write cursor. n must not exceed Space.
func (b *Buffer) WriteWindow(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || n > b.spaceLocked() {
		return nil, fmt.Errorf("%w: want %d have %d", ErrNoSpace, n, b.spaceLocked())
	}
	start := int(b.written%uint64(b.capacity)) * b.itemSize
	return b.data[start : start+n*b.itemSize : start+n*b.itemSize], nil
}

// Publish makes n freshly written items and their tags visible to readers.
// Tags must carry offsets in [NItemsWritten, NItemsWritten+n] and arrive in
// non-decreasing order per call.
func (b *Buffer) Publish(n int, tags []core.Tag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || n > b.spaceLocked() {
		return fmt.Errorf("%w: publish %d have %d", ErrNoSpace, n, b.spaceLocked())
	}
	b.mirrorLocked(int(b.written%uint64(b.capacity)), n)
	for _, t := range tags {
		b.tags.Add(t)
	}
	b.written += uint64(n)
	return nil
}

// mirrorLocked copies the items just written at ring slot start (which may
// run into the second copy) onto their twin slots in the other copy.
func (b *Buffer) mirrorLocked(start, n int) {
	if n == 0 {
		return
	}
	isz := b.itemSize
	half := b.capacity * isz
	from := start * isz
	to := from + n*isz
	// Part that landed in the first copy goes to the second.
	if from < half {
		end := min(to, half)
		copy(b.data[from+half:end+half], b.data[from:end])
	}
	// Part that spilled into the second copy goes back to the first.
	if to > half {
		begin := max(from, half)
		copy(b.data[begin-half:to-half], b.data[begin:to])
	}
}

// MarkDone records that the writer will never publish again.
func (b *Buffer) MarkDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
}

// Done reports whether the writer finished.
func (b *Buffer) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// TagsInRange returns a snapshot of tags with offsets in [start, end).
func (b *Buffer) TagsInRange(start, end uint64, key string) []core.Tag {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tags.InRange(start, end, key)
}

// pruneLocked drops tags that every live reader has consumed past.
func (b *Buffer) pruneLocked() {
	oldest, ok := b.oldestRetainedLocked()
	if !ok {
		oldest = b.written
	}
	b.tags.Prune(oldest)
}

// Buffer returns the buffer this reader consumes from.
func (r *Reader) Buffer() *Buffer { return r.buf }

// History returns the consumer's history.
func (r *Reader) History() int { return r.history }

// NItemsRead returns the absolute count of items consumed by this reader.
func (r *Reader) NItemsRead() uint64 {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.read
}

// Available returns the number of items visible to the reader, including
// the history items retained at the front of its window.
func (r *Reader) Available() int {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return int(r.buf.written - r.read)
}

// Done reports whether the writer finished. Items may still be available.
func (r *Reader) Done() bool {
	r.buf.mu.Lock()
	defer r.buf.mu.Unlock()
	return r.buf.done
}

// Window returns the contiguous readable region of n items starting at the
// read cursor.
func (r *Reader) Window(n int) ([]byte, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || uint64(n) > b.written-r.read {
		return nil, fmt.Errorf("%w: window %d have %d", ErrOverConsume, n, b.written-r.read)
	}
	start := int(r.read%uint64(b.capacity)) * b.itemSize
	return b.data[start : start+n*b.itemSize : start+n*b.itemSize], nil
}

// Consume advances the read cursor by n items.
func (r *Reader) Consume(n int) error {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || uint64(n) > b.written-r.read {
		return fmt.Errorf("%w: consume %d have %d", ErrOverConsume, n, b.written-r.read)
	}
	r.read += uint64(n)
	b.pruneLocked()
	return nil
}

// Detach removes the reader from space accounting. Called when the
// consuming block is retired.
func (r *Reader) Detach() {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	r.detached = true
	b.pruneLocked()
}

// TagsInRange queries the tag store of the buffer this reader consumes.
func (r *Reader) TagsInRange(start, end uint64, key string) []core.Tag {
	return r.buf.TagsInRange(start, end, key)
}

// ConsumerPolicy is what the capacity calculation needs to know about one
// consumer of a buffer.
type ConsumerPolicy struct {
	History  int
	MinInput int // items needed for one minimal work call, history included
}

// ProducerChunk is the smallest number of items a producer writes in one
// call: its output multiple, raised to cover the ceil(relativeRate) items
// an interpolating block emits per input item and kept a multiple of the
// output multiple.
func ProducerChunk(outputMultiple int, relativeRate float64) int {
	m := max(outputMultiple, 1)
	if relativeRate <= 1 || math.IsNaN(relativeRate) || math.IsInf(relativeRate, 0) {
		return m
	}
	per := int(math.Ceil(relativeRate))
	return (per + m - 1) / m * m
}

// Capacity sizes a buffer so that the producer can always write a full
// output multiple and every consumer can always see a full minimal window
// (its history look-back included) while the producer writes the next one.
func Capacity(itemSize, bufferBytes, producerChunk int, consumers []ConsumerPolicy) int {
	if itemSize < 1 {
		itemSize = 1
	}
	if bufferBytes <= 0 {
		bufferBytes = DefaultBufferBytes
	}
	if producerChunk < 1 {
		producerChunk = 1
	}
	nitems := bufferBytes / itemSize
	nitems = max(nitems, 2*producerChunk)
	for _, c := range consumers {
		need := max(c.MinInput, c.History, 1)
		nitems = max(nitems, 2*need)
	}
	// Round up to a multiple of the producer chunk so space can reach it.
	if rem := nitems % producerChunk; rem != 0 {
		nitems += producerChunk - rem
	}
	return nitems
}
