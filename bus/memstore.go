package bus

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/petal-labs/petalstream/runtime"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event // runID -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]runtime.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := append(s.events[event.RunID], event)
	// Subscribers may deliver slightly out of order; keep runs sorted.
	if n := len(run); n > 1 && run[n-2].Seq > event.Seq {
		sort.SliceStable(run, func(i, j int) bool { return run[i].Seq < run[j].Seq })
	}
	s.events[event.RunID] = run
	return nil
}

func (s *MemEventStore) List(_ context.Context, q Query) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[q.RunID] {
		if !matchQuery(q, e) {
			continue
		}
		result = append(result, e)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[runID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (s *MemEventStore) Runs(_ context.Context) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]RunSummary, 0, len(s.events))
	for runID, events := range s.events {
		runs = append(runs, summarizeRun(runID, events))
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].Last.Equal(runs[j].Last) {
			return runs[i].Last.After(runs[j].Last)
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, nil
}

// summarizeRun folds one run's events into a RunSummary.
func summarizeRun(runID string, events []runtime.Event) RunSummary {
	r := RunSummary{RunID: runID, Events: len(events)}
	for i, e := range events {
		if i == 0 || e.Time.Before(r.First) {
			r.First = e.Time
		}
		if e.Time.After(r.Last) {
			r.Last = e.Time
		}
		switch e.Kind {
		case runtime.EventRunStarted:
			r.Graph, _ = e.Payload["graph"].(string)
		case runtime.EventRunFinished:
			r.Outcome, _ = e.Payload["state"].(string)
		}
	}
	return r
}

func matchQuery(q Query, e runtime.Event) bool {
	if e.Seq <= q.AfterSeq {
		return false
	}
	if q.BlockID != "" && e.BlockID != q.BlockID {
		return false
	}
	return len(q.Kinds) == 0 || slices.Contains(q.Kinds, e.Kind)
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
