package bus

import (
	"context"
	"time"

	"github.com/petal-labs/petalstream/runtime"
)

// Query selects events of one run.
type Query struct {
	RunID string
	// AfterSeq returns events with Seq > AfterSeq (0 means all).
	AfterSeq uint64
	// BlockID restricts the result to one block's events.
	BlockID string
	// Kinds restricts the result to the listed kinds.
	Kinds []runtime.EventKind
	// Limit caps the number of events returned (0 means no limit).
	Limit int
}

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns the events matching q in Seq order.
	List(ctx context.Context, q Query) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// Runs summarizes every stored run, most recent first.
	Runs(ctx context.Context) ([]RunSummary, error)
}

// RunSummary describes one stored run.
type RunSummary struct {
	RunID  string    `json:"run_id"`
	Graph  string    `json:"graph,omitempty"` // from run.started
	Events int       `json:"events"`
	First  time.Time `json:"first"`
	Last   time.Time `json:"last"`
	// Outcome is the run.finished state; empty while the run is unfinished.
	Outcome string `json:"outcome,omitempty"`
}

// Duration is the time between the first and last stored event.
func (r RunSummary) Duration() time.Duration {
	return r.Last.Sub(r.First)
}
