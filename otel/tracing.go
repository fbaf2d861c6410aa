// Package otel provides OpenTelemetry integration for PetalStream runtime events.
package otel

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalstream/runtime"
)

// TracingHandler translates PetalStream runtime events into OpenTelemetry spans.
// Each run gets a root span and each block a child span that lives from
// block.started until the block is done, failed or stopped.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	runSpans   map[string]trace.Span      // runID -> span
	runCtxs    map[string]context.Context // runID -> context (for child spans)
	blockSpans map[string]*blockSpan      // runID:blockID -> span
}

type blockSpan struct {
	span     trace.Span
	calls    int
	produced int
	consumed int
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from runtime events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runSpans:   make(map[string]trace.Span),
		runCtxs:    make(map[string]context.Context),
		blockSpans: make(map[string]*blockSpan),
	}
}

// Handle processes a runtime event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventBlockStarted:
		h.handleBlockStarted(e)
	case runtime.EventBlockWork:
		h.handleWork(e)
	case runtime.EventBlockBlocked:
		h.handleBlocked(e)
	case runtime.EventBlockDone, runtime.EventBlockFailed, runtime.EventBlockStopped:
		h.handleBlockFinished(e)
	case runtime.EventRunStalled:
		h.handleRunStalled(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func blockKey(runID, blockID string) string {
	return runID + ":" + blockID
}

func (h *TracingHandler) runContext(runID string, ts time.Time) (context.Context, trace.Span) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx, ok := h.runCtxs[runID]; ok {
		return ctx, h.runSpans[runID]
	}
	// block.started is emitted ahead of run.started, so the run span is
	// opened by whichever comes first.
	ctx, span := h.tracer.Start(context.Background(), "run:"+runID,
		trace.WithAttributes(attribute.String("petalstream.run_id", runID)),
		trace.WithTimestamp(ts),
	)
	h.runSpans[runID] = span
	h.runCtxs[runID] = ctx
	return ctx, span
}

// handleRunStarted names the root span after the flowgraph.
func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	_, span := h.runContext(e.RunID, e.Time)

	if name, ok := e.Payload["graph"].(string); ok && name != "" {
		span.SetName("run:" + name)
		span.SetAttributes(attribute.String("petalstream.graph", name))
	}
	if sched, ok := e.Payload["scheduler"].(string); ok {
		span.SetAttributes(attribute.String("petalstream.scheduler", sched))
	}
	if n, ok := e.Payload["blocks"].(int); ok {
		span.SetAttributes(attribute.Int("petalstream.blocks", n))
	}
}

// handleBlockStarted creates a child span under the run span.
func (h *TracingHandler) handleBlockStarted(e runtime.Event) {
	parentCtx, _ := h.runContext(e.RunID, e.Time)

	_, span := h.tracer.Start(parentCtx, "block:"+e.BlockName,
		trace.WithAttributes(
			attribute.String("petalstream.run_id", e.RunID),
			attribute.String("petalstream.block_id", e.BlockID),
			attribute.String("petalstream.block", e.BlockName),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.blockSpans[blockKey(e.RunID, e.BlockID)] = &blockSpan{span: span}
	h.mu.Unlock()
}

// handleWork accumulates counters that are set on the span when it ends.
// Individual work calls are too frequent to become span events.
func (h *TracingHandler) handleWork(e runtime.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bs, ok := h.blockSpans[blockKey(e.RunID, e.BlockID)]
	if !ok {
		return
	}
	bs.calls += intPayload(e, "coalesced") + 1
	bs.produced += intPayload(e, "produced")
	bs.consumed += intPayload(e, "consumed")
}

// handleBlocked records a state change as a span event.
func (h *TracingHandler) handleBlocked(e runtime.Event) {
	h.mu.RLock()
	bs, ok := h.blockSpans[blockKey(e.RunID, e.BlockID)]
	h.mu.RUnlock()
	if !ok {
		return
	}
	state, _ := e.Payload["state"].(string)
	bs.span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time),
		trace.WithAttributes(attribute.String("petalstream.state", state)))
}

// handleBlockFinished ends the block span. Failed blocks get error status;
// stopped blocks keep status unset.
func (h *TracingHandler) handleBlockFinished(e runtime.Event) {
	key := blockKey(e.RunID, e.BlockID)

	h.mu.Lock()
	bs, ok := h.blockSpans[key]
	if ok {
		delete(h.blockSpans, key)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	span := bs.span
	span.SetAttributes(
		attribute.Int("petalstream.work_calls", bs.calls),
		attribute.Int("petalstream.items_produced", bs.produced),
		attribute.Int("petalstream.items_consumed", bs.consumed),
	)
	if reason, ok := e.Payload["reason"].(string); ok {
		span.SetAttributes(attribute.String("petalstream.reason", reason))
	}

	switch e.Kind {
	case runtime.EventBlockFailed:
		errMsg := "unknown error"
		if s, ok := e.Payload["error"].(string); ok {
			errMsg = s
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	case runtime.EventBlockDone:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunStalled(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	live, _ := e.Payload["live_blocks"].(int)
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time),
		trace.WithAttributes(attribute.Int("petalstream.live_blocks", live)))
}

// handleRunFinished ends the root run span along with any block span the
// run left open.
func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	var orphans []trace.Span
	prefix := e.RunID + ":"
	for key, bs := range h.blockSpans {
		if strings.HasPrefix(key, prefix) {
			orphans = append(orphans, bs.span)
			delete(h.blockSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	state, _ := e.Payload["state"].(string)
	failures, _ := e.Payload["failures"].(int)
	span.SetAttributes(
		attribute.String("petalstream.duration", e.Elapsed.String()),
		attribute.String("petalstream.state", state),
		attribute.Int("petalstream.failures", failures),
	)
	switch {
	case failures > 0:
		span.SetStatus(codes.Error, "blocks failed")
	case state == string(runtime.RunStalled):
		span.SetStatus(codes.Error, "run stalled")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext for the active block span
// identified by runID and blockID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(runID, blockID string) trace.SpanContext {
	h.mu.RLock()
	bs, ok := h.blockSpans[blockKey(runID, blockID)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return bs.span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
