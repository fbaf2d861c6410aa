package buffer

import (
	"sort"

	"github.com/petal-labs/petalstream/core"
)

// TagStore keeps tags ordered by absolute offset. Tags sharing an offset
// keep their insertion order. The zero value is ready to use.
type TagStore struct {
	tags []core.Tag
}

// Add inserts a tag after every stored tag with an offset <= t.Offset.
func (s *TagStore) Add(t core.Tag) {
	i := sort.Search(len(s.tags), func(i int) bool { return s.tags[i].Offset > t.Offset })
	if i == len(s.tags) {
		s.tags = append(s.tags, t)
		return
	}
	s.tags = append(s.tags, core.Tag{})
	copy(s.tags[i+1:], s.tags[i:])
	s.tags[i] = t
}

// InRange returns a copy of the tags with offsets in [start, end), filtered
// by key when key is not empty. The result is nil when nothing matches.
func (s *TagStore) InRange(start, end uint64, key string) []core.Tag {
	if end <= start {
		return nil
	}
	lo := sort.Search(len(s.tags), func(i int) bool { return s.tags[i].Offset >= start })
	var out []core.Tag
	for i := lo; i < len(s.tags) && s.tags[i].Offset < end; i++ {
		if key != "" && s.tags[i].Key != key {
			continue
		}
		out = append(out, s.tags[i])
	}
	return out
}

// Prune drops every tag with an offset below before.
func (s *TagStore) Prune(before uint64) {
	i := sort.Search(len(s.tags), func(i int) bool { return s.tags[i].Offset >= before })
	if i == 0 {
		return
	}
	n := copy(s.tags, s.tags[i:])
	clear(s.tags[n:])
	s.tags = s.tags[:n]
}

// Len returns the number of stored tags.
func (s *TagStore) Len() int {
	return len(s.tags)
}
