package runtime

import (
	"fmt"
	"sort"

	"github.com/petal-labs/petalstream/buffer"
	"github.com/petal-labs/petalstream/core"
)

// call invokes Work with a negotiated window and reconciles the outcome.
// Nothing from the call reaches the buffers unless the whole call honored
// the contract.
func (r *run) call(br *blockRun, noutput int, inputDone []bool) bool {
	io := br.io
	if err := io.prepare(noutput); err != nil {
		r.fail(br, err)
		return true
	}
	br.state = StateRunning
	br.calls++

	res, err := invokeWork(br.block, io)
	if err != nil {
		r.fail(br, err)
		return true
	}
	if io.violation != nil {
		r.fail(br, io.violation)
		return true
	}

	switch res.Kind {
	case core.ResultDone:
		r.finish(br, "work_done", nil)
		return true
	case core.ResultWrote:
		if res.Items < 0 || res.Items > noutput {
			r.fail(br, r.violation(br, "result", 0, res.Items, noutput, "result outside [0, noutput_items]"))
			return true
		}
		if io.produceCalled {
			r.fail(br, r.violation(br, "result", 0, res.Items, noutput, "produce was called but the result reports items written"))
			return true
		}
		for o := range io.produced {
			io.produced[o] = res.Items
		}
	case core.ResultProducedExplicitly:
	default:
		r.fail(br, r.violation(br, "result", 0, int(res.Kind), 0, "unknown result kind"))
		return true
	}

	produced, consumed := 0, 0
	for _, n := range io.produced {
		produced = max(produced, n)
	}
	for _, n := range io.consumed {
		consumed += n
	}
	if produced > 0 && len(io.readers) > 0 && !io.consumeCalled && inputAvailable(io) {
		r.fail(br, r.violation(br, "consume", 0, 0, 0, "items produced while input was available but consume was never called"))
		return true
	}

	tags, err := r.outputTags(br)
	if err != nil {
		r.fail(br, err)
		return true
	}
	if err := r.commit(br, tags); err != nil {
		r.fail(br, err)
		return true
	}

	if produced == 0 && consumed == 0 {
		// An input that is done will never bring the data this block is
		// waiting for.
		for _, d := range inputDone {
			if d {
				r.finish(br, "eof", nil)
				return true
			}
		}
		r.setBlocked(br, StateBlockedOnInput)
		return false
	}
	br.state = StateReady
	if r.opts.EmitWorkEvents {
		r.emitWork(br, noutput, produced, consumed)
	}
	return true
}

func (r *run) violation(br *blockRun, op string, port, requested, allowed int, detail string) error {
	return &core.ContractViolation{
		BlockID:   br.block.ID(),
		Block:     br.block.Name(),
		Op:        op,
		Port:      port,
		Requested: requested,
		Allowed:   allowed,
		Detail:    detail,
	}
}

// invokeWork calls Work, converting a panic into a contract violation.
func invokeWork(b core.Block, io *workIO) (res core.WorkResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &core.ContractViolation{
				BlockID: b.ID(),
				Block:   b.Name(),
				Op:      "panic",
				Detail:  fmt.Sprintf("work panicked: %v", p),
			}
		}
	}()
	return b.Work(io), nil
}

// inputAvailable reports whether any input offered consumable items.
func inputAvailable(io *workIO) bool {
	for i := range io.readers {
		if io.consumeLimit(i) > 0 {
			return true
		}
	}
	return false
}

// outputTags computes the tags each output receives for this call: those
// the block added explicitly plus those propagated from consumed inputs.
func (r *run) outputTags(br *blockRun) ([][]core.Tag, error) {
	io := br.io
	out := make([][]core.Tag, len(io.outputs))
	for o := range io.outputs {
		out[o] = append(out[o], io.staged[o]...)
	}
	if len(io.outputs) == 0 {
		return out, nil
	}

	policy := br.block.TagPropagation()
	handler, custom := br.block.(core.TagHandler)
	if policy == core.PropagateDont || (policy == core.PropagateCustom && !custom) {
		return out, nil
	}

	consumed := make([]core.TagInput, len(io.readers))
	anyTags := false
	for i, rd := range io.readers {
		consumed[i] = consumedTags(rd, io.readAt[i], io.consumed[i], br.block.History())
		anyTags = anyTags || len(consumed[i].Tags) > 0
	}
	if !anyTags && policy != core.PropagateCustom {
		return out, nil
	}
	produced := make([]core.Range, len(io.outputs))
	for o := range io.outputs {
		produced[o] = core.Range{Start: io.writtenAt[o], End: io.writtenAt[o] + uint64(io.produced[o])}
	}

	var moved []core.OutputTag
	if policy == core.PropagateCustom {
		var err error
		moved, err = invokeHandleTags(br.block, handler, consumed, produced)
		if err != nil {
			return nil, err
		}
	} else {
		moved = core.PropagateTags(policy, consumed, produced)
	}
	for _, ot := range moved {
		if ot.Output < 0 || ot.Output >= len(io.outputs) || ot.Tag.Offset < io.writtenAt[ot.Output] {
			return nil, &core.ContractViolation{
				BlockID: br.block.ID(), Block: br.block.Name(), Op: "handle_tags", Port: ot.Output,
				Detail: fmt.Sprintf("tag %q at offset %d cannot be placed on output %d", ot.Tag.Key, ot.Tag.Offset, ot.Output),
			}
		}
		out[ot.Output] = append(out[ot.Output], ot.Tag)
	}
	for o := range out {
		sort.SliceStable(out[o], func(a, b int) bool { return out[o][a].Offset < out[o][b].Offset })
	}
	return out, nil
}

// consumedTags returns the input items this call computed outputs from and
// the tags on them. Output j of a call is computed from window item j+history-1,
// so the range skips the history-1 left-context items at the front. Tags
// on the left context of the very first call have no item of their own
// and are attached to the first computed item.
func consumedTags(rd *buffer.Reader, readAt uint64, n, history int) core.TagInput {
	lead := uint64(max(history, 1) - 1)
	rng := core.Range{Start: readAt + lead, End: readAt + lead + uint64(n)}
	in := core.TagInput{Consumed: rng}
	if rng.Len() == 0 {
		return in
	}
	from := rng.Start
	if readAt == 0 {
		from = 0
	}
	in.Tags = rd.TagsInRange(from, rng.End, "")
	for k := range in.Tags {
		if in.Tags[k].Offset < rng.Start {
			in.Tags[k].Offset = rng.Start
		}
	}
	return in
}

func invokeHandleTags(b core.Block, h core.TagHandler, consumed []core.TagInput, produced []core.Range) (out []core.OutputTag, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &core.ContractViolation{
				BlockID: b.ID(),
				Block:   b.Name(),
				Op:      "handle_tags",
				Detail:  fmt.Sprintf("panic: %v", p),
			}
		}
	}()
	return h.HandleTags(consumed, produced), nil
}

// commit publishes produced items with their tags, then advances the read
// cursors. Publishing first keeps an item visible downstream before the
// space it frees upstream can be reused.
func (r *run) commit(br *blockRun, tags [][]core.Tag) error {
	io := br.io
	for o, out := range io.outputs {
		if err := out.Publish(io.produced[o], tags[o]); err != nil {
			return err
		}
	}
	for i, rd := range io.readers {
		if err := rd.Consume(io.consumed[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) emitWork(br *blockRun, noutput, produced, consumed int) {
	ev := NewEvent(EventBlockWork, r.id).
		WithBlock(br.block.ID(), br.block.Name()).
		WithElapsed(r.opts.Now().Sub(r.start)).
		WithPayload("noutput_items", noutput).
		WithPayload("produced", produced).
		WithPayload("consumed", consumed).
		WithPayload("calls", br.calls)
	if len(br.outputs) > 0 {
		ev = ev.WithPayload("nitems_written", br.outputs[0].NItemsWritten())
	}
	if len(br.readers) > 0 {
		ev = ev.WithPayload("nitems_read", br.readers[0].NItemsRead())
	}
	r.emit(ev)
}
