package core

import "sort"

// TagPropagation selects how tags consumed on inputs are carried to outputs
// after each work call.
type TagPropagation int

const (
	// PropagateAllToAll copies every consumed input tag to every output.
	PropagateAllToAll TagPropagation = iota
	// PropagateOneToOne copies tags from input i to output i only.
	PropagateOneToOne
	// PropagateDont drops consumed tags.
	PropagateDont
	// PropagateCustom defers to the block's HandleTags.
	PropagateCustom
)

// String returns the string representation of the TagPropagation.
func (p TagPropagation) String() string {
	switch p {
	case PropagateAllToAll:
		return "all_to_all"
	case PropagateOneToOne:
		return "one_to_one"
	case PropagateDont:
		return "dont"
	case PropagateCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseTagPropagation maps a configuration string onto a TagPropagation.
func ParseTagPropagation(s string) (TagPropagation, bool) {
	switch s {
	case "", "all_to_all":
		return PropagateAllToAll, true
	case "one_to_one":
		return PropagateOneToOne, true
	case "dont", "none":
		return PropagateDont, true
	case "custom":
		return PropagateCustom, true
	default:
		return PropagateAllToAll, false
	}
}

// PropagateTags is the built-in propagation function. Each consumed tag is
// remapped onto an output by scaling its position within the consumed range
// onto the produced range of that output:
//
//	out = produced.Start + (tag.Offset - consumed.Start) * produced.Len / consumed.Len
//
// A tag landing past the last produced item is pinned to the last produced
// item; when nothing was produced it is pinned to produced.Start, the next
// item the output will write.
func PropagateTags(policy TagPropagation, consumed []TagInput, produced []Range) []OutputTag {
	if policy == PropagateDont || policy == PropagateCustom {
		return nil
	}
	var out []OutputTag
	for i, in := range consumed {
		if len(in.Tags) == 0 || in.Consumed.Len() == 0 {
			continue
		}
		for o, prod := range produced {
			if policy == PropagateOneToOne && o != i {
				continue
			}
			for _, t := range in.Tags {
				if !in.Consumed.Contains(t.Offset) {
					continue
				}
				moved := t
				moved.Offset = remapOffset(t.Offset, in.Consumed, prod)
				out = append(out, OutputTag{Output: o, Tag: moved})
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Output != out[b].Output {
			return out[a].Output < out[b].Output
		}
		return out[a].Tag.Offset < out[b].Tag.Offset
	})
	return out
}

func remapOffset(offset uint64, consumed, produced Range) uint64 {
	plen := produced.Len()
	if plen == 0 {
		return produced.Start
	}
	rel := offset - consumed.Start
	clen := consumed.Len()
	var shifted uint64
	if plen == clen {
		shifted = rel
	} else {
		// rel < clen, so the product fits comfortably for realistic windows.
		shifted = rel * plen / clen
	}
	if shifted >= plen {
		shifted = plen - 1
	}
	return produced.Start + shifted
}
