package runtime

import (
	"fmt"

	"github.com/petal-labs/petalstream/buffer"
	"github.com/petal-labs/petalstream/core"
)

// workIO is the per-call handle passed to Block.Work. It records consume,
// produce and tag requests; nothing reaches the buffers until the executor
// reconciles the call.
type workIO struct {
	block   core.Block
	history int
	readers []*buffer.Reader
	outputs []*buffer.Buffer

	noutput   int
	ninput    []int
	inWin     [][]byte
	outWin    [][]byte
	readAt    []uint64
	writtenAt []uint64

	consumed      []int
	consumeCalled bool
	produced      []int
	produceCalled bool
	staged        [][]core.Tag

	violation *core.ContractViolation
}

func newWorkIO(b core.Block, readers []*buffer.Reader, outputs []*buffer.Buffer) *workIO {
	return &workIO{
		block:     b,
		history:   max(b.History(), 1),
		readers:   readers,
		outputs:   outputs,
		ninput:    make([]int, len(readers)),
		inWin:     make([][]byte, len(readers)),
		outWin:    make([][]byte, len(outputs)),
		readAt:    make([]uint64, len(readers)),
		writtenAt: make([]uint64, len(outputs)),
		consumed:  make([]int, len(readers)),
		produced:  make([]int, len(outputs)),
		staged:    make([][]core.Tag, len(outputs)),
	}
}

// prepare resets the handle and maps the windows for a call of noutput items.
func (w *workIO) prepare(noutput int) error {
	w.noutput = noutput
	w.consumeCalled = false
	w.produceCalled = false
	w.violation = nil
	for i, r := range w.readers {
		w.readAt[i] = r.NItemsRead()
		w.ninput[i] = r.Available()
		win, err := r.Window(w.ninput[i])
		if err != nil {
			return err
		}
		w.inWin[i] = win
		w.consumed[i] = 0
	}
	for o, buf := range w.outputs {
		w.writtenAt[o] = buf.NItemsWritten()
		win, err := buf.WriteWindow(noutput)
		if err != nil {
			return err
		}
		w.outWin[o] = win
		w.produced[o] = 0
		w.staged[o] = w.staged[o][:0]
	}
	return nil
}

func (w *workIO) violate(op string, port, requested, allowed int, detail string) {
	if w.violation != nil {
		return
	}
	w.violation = &core.ContractViolation{
		BlockID:   w.block.ID(),
		Block:     w.block.Name(),
		Op:        op,
		Port:      port,
		Requested: requested,
		Allowed:   allowed,
		Detail:    detail,
	}
}

func (w *workIO) NOutputItems() int       { return w.noutput }
func (w *workIO) NInputs() int            { return len(w.readers) }
func (w *workIO) NOutputs() int           { return len(w.outputs) }
func (w *workIO) NInputItems(i int) int   { return w.ninput[i] }
func (w *workIO) Input(i int) []byte      { return w.inWin[i] }
func (w *workIO) Output(o int) []byte     { return w.outWin[o] }
func (w *workIO) NItemsRead(i int) uint64 { return w.readAt[i] }

func (w *workIO) NItemsWritten(o int) uint64 { return w.writtenAt[o] }

// consumeLimit keeps the last history - 1 items of the window as left
// context for the next call.
func (w *workIO) consumeLimit(i int) int {
	return max(w.ninput[i]-(w.history-1), 0)
}

func (w *workIO) Consume(i, n int) {
	w.consumeCalled = true
	if i < 0 || i >= len(w.readers) {
		w.violate("consume", i, n, 0, fmt.Sprintf("input %d does not exist", i))
		return
	}
	if n < 0 || w.consumed[i]+n > w.consumeLimit(i) {
		w.violate("consume", i, w.consumed[i]+n, w.consumeLimit(i), "")
		return
	}
	w.consumed[i] += n
}

func (w *workIO) ConsumeEach(n int) {
	for i := range w.readers {
		w.Consume(i, n)
	}
	w.consumeCalled = true
}

func (w *workIO) Produce(o, n int) {
	w.produceCalled = true
	if o < 0 || o >= len(w.outputs) {
		w.violate("produce", o, n, 0, fmt.Sprintf("output %d does not exist", o))
		return
	}
	if n < 0 || w.produced[o]+n > w.noutput {
		w.violate("produce", o, w.produced[o]+n, w.noutput, "")
		return
	}
	w.produced[o] += n
}

func (w *workIO) AddItemTag(o int, offset uint64, key string, value any, srcID string) error {
	if o < 0 || o >= len(w.outputs) {
		return &core.ContractViolation{
			BlockID: w.block.ID(), Block: w.block.Name(), Op: "add_item_tag", Port: o,
			Detail: fmt.Sprintf("output %d does not exist", o),
		}
	}
	lo := w.writtenAt[o]
	hi := lo + uint64(w.noutput)
	if offset < lo || offset >= hi {
		return &core.ContractViolation{
			BlockID: w.block.ID(), Block: w.block.Name(), Op: "add_item_tag", Port: o,
			Detail: fmt.Sprintf("offset %d outside [%d, %d)", offset, lo, hi),
		}
	}
	w.staged[o] = append(w.staged[o], core.Tag{Offset: offset, Key: key, Value: value, SrcID: srcID})
	return nil
}

func (w *workIO) TagsInRange(i int, start, end uint64, key string) []core.Tag {
	if i < 0 || i >= len(w.readers) {
		return nil
	}
	return w.readers[i].TagsInRange(start, end, key)
}

var _ core.WorkIO = (*workIO)(nil)
