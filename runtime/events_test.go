package runtime

import (
	"context"
	"testing"
	"time"
)

func TestEvent_Builders(t *testing.T) {
	e := NewEvent(EventBlockWork, "run-1").
		WithBlock("b1", "copy").
		WithElapsed(2*time.Second).
		WithPayload("produced", 64)

	if e.Kind != EventBlockWork || e.RunID != "run-1" {
		t.Errorf("event = %+v", e)
	}
	if e.BlockID != "b1" || e.BlockName != "copy" {
		t.Errorf("block = %q/%q", e.BlockID, e.BlockName)
	}
	if e.Elapsed != 2*time.Second {
		t.Errorf("Elapsed = %v", e.Elapsed)
	}
	if e.Payload["produced"] != 64 {
		t.Errorf("Payload = %v", e.Payload)
	}
	if e.Time.IsZero() {
		t.Error("Time not set")
	}

	var zero Event
	if got := zero.WithPayload("k", "v"); got.Payload["k"] != "v" {
		t.Errorf("WithPayload on zero event = %v", got.Payload)
	}
}

func TestEventKind_String(t *testing.T) {
	if EventRunStalled.String() != "run.stalled" {
		t.Errorf("String() = %q", EventRunStalled.String())
	}
}

func TestMultiEventHandler(t *testing.T) {
	var a, b int
	h := MultiEventHandler(
		func(Event) { a++ },
		nil,
		func(Event) { b++ },
	)
	h(NewEvent(EventRunStarted, "r"))
	h(NewEvent(EventRunFinished, "r"))
	if a != 2 || b != 2 {
		t.Errorf("handlers called %d and %d times, want 2", a, b)
	}
}

func TestChannelEventHandler_DropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	h := ChannelEventHandler(ch)
	h(NewEvent(EventRunStarted, "r"))
	h(NewEvent(EventRunFinished, "r"))

	if len(ch) != 1 {
		t.Fatalf("channel holds %d events, want 1", len(ch))
	}
	if got := <-ch; got.Kind != EventRunStarted {
		t.Errorf("kept %s, want the first event", got.Kind)
	}
}

func TestEmitterFromContext(t *testing.T) {
	// Without an emitter the fallback must be safe to call.
	EmitterFromContext(context.Background())(NewEvent(EventRunStarted, "r"))

	var got []EventKind
	ctx := ContextWithEmitter(context.Background(), func(e Event) { got = append(got, e.Kind) })
	EmitterFromContext(ctx)(NewEvent("block.custom", "r"))
	if len(got) != 1 || got[0] != "block.custom" {
		t.Errorf("emitted %v", got)
	}
}
