package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalstream/runtime"
)

// MetricsHandler translates PetalStream runtime events into OpenTelemetry metrics.
// It records work calls, item throughput, block completions and run durations.
type MetricsHandler struct {
	workCalls     metric.Int64Counter
	itemsProduced metric.Int64Counter
	itemsConsumed metric.Int64Counter
	blockDone     metric.Int64Counter
	blockFailures metric.Int64Counter
	runStalls     metric.Int64Counter
	blockDuration metric.Float64Histogram
	runDuration   metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording PetalStream runtime metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	workCalls, err := meter.Int64Counter("petalstream.block.work_calls",
		metric.WithDescription("Number of work calls that made progress"),
	)
	if err != nil {
		return nil, err
	}

	produced, err := meter.Int64Counter("petalstream.block.items_produced",
		metric.WithDescription("Items produced on a block's first output"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	consumed, err := meter.Int64Counter("petalstream.block.items_consumed",
		metric.WithDescription("Items consumed from a block's first input"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	done, err := meter.Int64Counter("petalstream.block.done",
		metric.WithDescription("Number of blocks that reached DONE"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("petalstream.block.failures",
		metric.WithDescription("Number of blocks that finished with an error"),
	)
	if err != nil {
		return nil, err
	}

	stalls, err := meter.Int64Counter("petalstream.run.stalls",
		metric.WithDescription("Number of runs that stalled"),
	)
	if err != nil {
		return nil, err
	}

	blockDur, err := meter.Float64Histogram("petalstream.block.duration",
		metric.WithDescription("Time from run start until a block finished, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("petalstream.run.duration",
		metric.WithDescription("Duration of a flowgraph run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		workCalls:     workCalls,
		itemsProduced: produced,
		itemsConsumed: consumed,
		blockDone:     done,
		blockFailures: failures,
		runStalls:     stalls,
		blockDuration: blockDur,
		runDuration:   runDur,
	}, nil
}

// Handle processes a runtime event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventBlockWork:
		h.handleWork(e)
	case runtime.EventBlockDone:
		h.handleBlockFinished(e, h.blockDone)
	case runtime.EventBlockFailed:
		h.handleBlockFinished(e, h.blockFailures)
	case runtime.EventRunStalled:
		h.runStalls.Add(context.Background(), 1)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func blockAttrs(e runtime.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("block", e.BlockName),
		attribute.String("block_id", e.BlockID),
	)
}

// handleWork counts calls and items. A coalesced work event stands for
// coalesced+1 calls.
func (h *MetricsHandler) handleWork(e runtime.Event) {
	ctx := context.Background()
	attrs := blockAttrs(e)
	h.workCalls.Add(ctx, int64(intPayload(e, "coalesced")+1), attrs)
	if n := intPayload(e, "produced"); n > 0 {
		h.itemsProduced.Add(ctx, int64(n), attrs)
	}
	if n := intPayload(e, "consumed"); n > 0 {
		h.itemsConsumed.Add(ctx, int64(n), attrs)
	}
}

func (h *MetricsHandler) handleBlockFinished(e runtime.Event, counter metric.Int64Counter) {
	ctx := context.Background()
	reason, _ := e.Payload["reason"].(string)
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("block", e.BlockName),
		attribute.String("block_id", e.BlockID),
		attribute.String("reason", reason),
	))
	h.blockDuration.Record(ctx, e.Elapsed.Seconds(), blockAttrs(e))
}

// handleRunFinished records the run duration keyed by how the run ended.
func (h *MetricsHandler) handleRunFinished(e runtime.Event) {
	state, _ := e.Payload["state"].(string)
	h.runDuration.Record(context.Background(), e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("state", state),
	))
}

func intPayload(e runtime.Event, key string) int {
	switch n := e.Payload[key].(type) {
	case int:
		return n
	case uint64:
		return int(n)
	case int64:
		return int(n)
	}
	return 0
}
