package buffer

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/petal-labs/petalstream/core"
)

// write publishes items of one byte each.
func write(t *testing.T, b *Buffer, items ...byte) {
	t.Helper()
	win, err := b.WriteWindow(len(items))
	if err != nil {
		t.Fatalf("WriteWindow(%d): %v", len(items), err)
	}
	copy(win, items)
	if err := b.Publish(len(items), nil); err != nil {
		t.Fatalf("Publish(%d): %v", len(items), err)
	}
}

func window(t *testing.T, r *Reader, n int) []byte {
	t.Helper()
	win, err := r.Window(n)
	if err != nil {
		t.Fatalf("Window(%d): %v", n, err)
	}
	return win
}

func TestNew_ClampsArguments(t *testing.T) {
	b := New(0, 0)
	if b.ItemSize() != 1 || b.Capacity() != 1 {
		t.Errorf("New(0, 0) = item size %d capacity %d, want 1/1", b.ItemSize(), b.Capacity())
	}
}

func TestBuffer_WriteThenRead(t *testing.T) {
	b := New(1, 8)
	r, err := b.AddReader(1)
	if err != nil {
		t.Fatalf("AddReader: %v", err)
	}

	write(t, b, 1, 2, 3)
	if b.NItemsWritten() != 3 || r.Available() != 3 {
		t.Fatalf("written %d available %d, want 3/3", b.NItemsWritten(), r.Available())
	}
	if got := window(t, r, 3); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("Window = %v", got)
	}
	if err := r.Consume(2); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if r.NItemsRead() != 2 || r.Available() != 1 {
		t.Errorf("read %d available %d, want 2/1", r.NItemsRead(), r.Available())
	}
}

func TestBuffer_WindowsStayContiguousAcrossWrap(t *testing.T) {
	b := New(1, 4)
	r, _ := b.AddReader(1)

	write(t, b, 1, 2, 3)
	_ = r.Consume(3)

	// Slot 3 then slots 0..2: the window runs into the mirror copy.
	write(t, b, 4, 5, 6, 7)
	if got := window(t, r, 4); !bytes.Equal(got, []byte{4, 5, 6, 7}) {
		t.Fatalf("wrapped window = %v, want [4 5 6 7]", got)
	}

	// Reading from slot 0 must see what was written through the mirror.
	_ = r.Consume(1)
	if got := window(t, r, 3); !bytes.Equal(got, []byte{5, 6, 7}) {
		t.Errorf("window from slot 0 = %v, want [5 6 7]", got)
	}

	_ = r.Consume(3)
	write(t, b, 8, 9)
	if got := window(t, r, 2); !bytes.Equal(got, []byte{8, 9}) {
		t.Errorf("window after second wrap = %v, want [8 9]", got)
	}
}

func TestBuffer_MultiByteItems(t *testing.T) {
	b := New(4, 3)
	r, _ := b.AddReader(1)
	for i := 0; i < 5; i++ {
		win, err := b.WriteWindow(2)
		if err != nil {
			t.Fatalf("WriteWindow: %v", err)
		}
		out := core.Float32s(win)
		out[0], out[1] = float32(2*i), float32(2*i+1)
		_ = b.Publish(2, nil)

		got := core.Float32s(window(t, r, 2))
		if got[0] != float32(2*i) || got[1] != float32(2*i+1) {
			t.Fatalf("pass %d: read %v", i, got)
		}
		_ = r.Consume(2)
	}
}

func TestBuffer_SpaceFollowsSlowestReader(t *testing.T) {
	b := New(1, 8)
	fast, _ := b.AddReader(1)
	slow, _ := b.AddReader(1)

	write(t, b, 1, 2, 3, 4, 5)
	_ = fast.Consume(5)
	_ = slow.Consume(1)
	if b.Space() != 4 {
		t.Errorf("Space = %d, want 4 (slow reader holds 4 items)", b.Space())
	}
	if _, err := b.WriteWindow(5); !errors.Is(err, ErrNoSpace) {
		t.Errorf("WriteWindow beyond space error = %v, want ErrNoSpace", err)
	}

	// Once the slow reader leaves, only the fast one counts.
	slow.Detach()
	if b.Space() != 8 {
		t.Errorf("Space after detach = %d, want 8", b.Space())
	}
}

func TestBuffer_HistoryLeftContextIsVisible(t *testing.T) {
	b := New(1, 16)
	r, _ := b.AddReader(3)
	if r.History() != 3 {
		t.Fatalf("History = %d, want 3", r.History())
	}
	write(t, b, 1, 2, 3, 4, 5)
	// A history 3 consumer keeps two items behind; they stay in its window.
	_ = r.Consume(3)
	if got := window(t, r, r.Available()); !bytes.Equal(got, []byte{4, 5}) {
		t.Errorf("window = %v, want left context [4 5]", got)
	}
	write(t, b, 6)
	if got := window(t, r, r.Available()); !bytes.Equal(got, []byte{4, 5, 6}) {
		t.Errorf("window = %v, want [4 5 6]", got)
	}
}

func TestBuffer_ReaderErrors(t *testing.T) {
	b := New(1, 4)
	if _, err := b.AddReader(5); err == nil {
		t.Error("history that leaves no room for new items should be rejected")
	}
	r, _ := b.AddReader(1)
	write(t, b, 1)
	if _, err := b.AddReader(1); !errors.Is(err, ErrReaderTooLate) {
		t.Errorf("AddReader after write = %v, want ErrReaderTooLate", err)
	}
	if err := r.Consume(2); !errors.Is(err, ErrOverConsume) {
		t.Errorf("Consume(2) = %v, want ErrOverConsume", err)
	}
	if _, err := r.Window(2); !errors.Is(err, ErrOverConsume) {
		t.Errorf("Window(2) = %v, want ErrOverConsume", err)
	}
	if err := b.Publish(5, nil); !errors.Is(err, ErrNoSpace) {
		t.Errorf("Publish(5) = %v, want ErrNoSpace", err)
	}
}

func TestBuffer_DoneAndAbandoned(t *testing.T) {
	b := New(1, 4)
	if b.Abandoned() {
		t.Error("buffer without readers is not abandoned")
	}
	r1, _ := b.AddReader(1)
	r2, _ := b.AddReader(1)

	b.MarkDone()
	if !b.Done() || !r1.Done() {
		t.Error("Done not visible to readers")
	}

	r1.Detach()
	if b.Abandoned() {
		t.Error("one live reader remains")
	}
	r2.Detach()
	if !b.Abandoned() {
		t.Error("all readers detached, buffer should be abandoned")
	}
}

func TestBuffer_TagsPrunedBehindSlowestReader(t *testing.T) {
	b := New(1, 8)
	fast, _ := b.AddReader(1)
	slow, _ := b.AddReader(1)

	win, _ := b.WriteWindow(4)
	copy(win, []byte{0, 0, 0, 0})
	tags := []core.Tag{
		{Offset: 0, Key: "a"},
		{Offset: 2, Key: "b"},
		{Offset: 3, Key: "a"},
	}
	if err := b.Publish(4, tags); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := fast.TagsInRange(0, 4, "a"); len(got) != 2 {
		t.Errorf("TagsInRange(key a) = %v, want 2 tags", got)
	}

	_ = fast.Consume(4)
	_ = slow.Consume(2)
	got := b.TagsInRange(0, 4, "")
	if len(got) != 2 || got[0].Offset != 2 {
		t.Errorf("after pruning = %v, want tags at 2 and 3", got)
	}

	slow.Detach()
	if got := b.TagsInRange(0, 4, ""); len(got) != 0 {
		t.Errorf("tags survive after every reader passed them: %v", got)
	}
}

func TestTagStore_OrderAndRange(t *testing.T) {
	var s TagStore
	s.Add(core.Tag{Offset: 5, Key: "x", Value: 1})
	s.Add(core.Tag{Offset: 1, Key: "y"})
	s.Add(core.Tag{Offset: 5, Key: "x", Value: 2})
	s.Add(core.Tag{Offset: 3, Key: "z"})

	all := s.InRange(0, 10, "")
	if len(all) != 4 || s.Len() != 4 {
		t.Fatalf("InRange = %v, want 4 tags", all)
	}
	wantOffsets := []uint64{1, 3, 5, 5}
	for i, tag := range all {
		if tag.Offset != wantOffsets[i] {
			t.Errorf("tag %d offset = %d, want %d", i, tag.Offset, wantOffsets[i])
		}
	}
	// Equal offsets keep insertion order.
	if all[2].Value != 1 || all[3].Value != 2 {
		t.Errorf("equal offsets reordered: %v, %v", all[2], all[3])
	}

	if got := s.InRange(5, 5, ""); got != nil {
		t.Errorf("empty range = %v, want nil", got)
	}
	if got := s.InRange(0, 5, "x"); got != nil {
		t.Errorf("range [0,5) key x = %v, want nil", got)
	}

	s.Prune(4)
	if s.Len() != 2 {
		t.Errorf("Len after Prune(4) = %d, want 2", s.Len())
	}
}

func TestCapacity(t *testing.T) {
	tests := []struct {
		name      string
		itemSize  int
		bytes     int
		chunk     int
		consumers []ConsumerPolicy
		want      int
	}{
		{"default bytes", 4, 0, 1, nil, DefaultBufferBytes / 4},
		{"configured bytes", 4, 4096, 1, nil, 1024},
		{"producer chunk", 4, 16, 3, nil, 6},
		{"consumer window", 4, 16, 3, []ConsumerPolicy{{History: 8, MinInput: 10}}, 21},
		{"history dominates", 1, 8, 1, []ConsumerPolicy{{History: 64, MinInput: 1}}, 128},
		{"interpolator chunk", 4, 16, ProducerChunk(1, 10), nil, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Capacity(tt.itemSize, tt.bytes, tt.chunk, tt.consumers)
			if got != tt.want {
				t.Errorf("Capacity = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProducerChunk(t *testing.T) {
	tests := []struct {
		name     string
		multiple int
		rate     float64
		want     int
	}{
		{"sync", 1, 1, 1},
		{"decimator", 1, 0.25, 1},
		{"multiple only", 4, 1, 4},
		{"interpolator", 1, 4, 4},
		{"fractional rate", 1, 2.5, 3},
		{"rate rounded to multiple", 3, 4, 6},
		{"multiple covers rate", 8, 4, 8},
		{"zero multiple", 0, 1, 1},
		{"invalid rate", 2, math.Inf(1), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProducerChunk(tt.multiple, tt.rate); got != tt.want {
				t.Errorf("ProducerChunk(%d, %v) = %d, want %d", tt.multiple, tt.rate, got, tt.want)
			}
		})
	}
}
