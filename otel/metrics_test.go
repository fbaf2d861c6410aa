package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	petalotel "github.com/petal-labs/petalstream/otel"
	"github.com/petal-labs/petalstream/runtime"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the data point whose block attribute
// equals block, or the total over all points when block is empty.
func sumFor(t *testing.T, rm *metricdata.ResourceMetrics, name, block string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %s not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if block != "" {
			v, _ := dp.Attributes.Value(attribute.Key("block"))
			if v.AsString() != block {
				continue
			}
		}
		total += dp.Value
	}
	return total
}

func newHandler(t *testing.T) (*petalotel.MetricsHandler, *metric.ManualReader) {
	t.Helper()
	reader, mp := newTestMeter()
	h, err := petalotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	return h, reader
}

func workEvent(block string, produced, consumed int) runtime.Event {
	return runtime.NewEvent(runtime.EventBlockWork, "run-1").
		WithBlock(block+"-id", block).
		WithPayload("produced", produced).
		WithPayload("consumed", consumed)
}

func TestMetricsHandler_WorkCountsCallsAndItems(t *testing.T) {
	h, reader := newHandler(t)

	h.Handle(workEvent("head", 10, 10))
	h.Handle(workEvent("head", 5, 5))
	h.Handle(workEvent("sink", 0, 15))

	rm := collectMetrics(t, reader)
	if got := sumFor(t, rm, "petalstream.block.work_calls", "head"); got != 2 {
		t.Errorf("head work_calls = %d, want 2", got)
	}
	if got := sumFor(t, rm, "petalstream.block.items_produced", "head"); got != 15 {
		t.Errorf("head items_produced = %d, want 15", got)
	}
	if got := sumFor(t, rm, "petalstream.block.items_consumed", "sink"); got != 15 {
		t.Errorf("sink items_consumed = %d, want 15", got)
	}
	if got := sumFor(t, rm, "petalstream.block.items_produced", "sink"); got != 0 {
		t.Errorf("sink items_produced = %d, want 0", got)
	}
}

func TestMetricsHandler_CoalescedWorkCountsEveryCall(t *testing.T) {
	h, reader := newHandler(t)

	h.Handle(workEvent("copy", 30, 30).WithPayload("coalesced", 2))

	rm := collectMetrics(t, reader)
	if got := sumFor(t, rm, "petalstream.block.work_calls", "copy"); got != 3 {
		t.Errorf("work_calls = %d, want 3", got)
	}
}

func TestMetricsHandler_DoneAndFailedBlocks(t *testing.T) {
	h, reader := newHandler(t)

	h.Handle(runtime.NewEvent(runtime.EventBlockDone, "run-1").
		WithBlock("a", "head").
		WithElapsed(20 * time.Millisecond).
		WithPayload("reason", "work returned done"))
	h.Handle(runtime.NewEvent(runtime.EventBlockFailed, "run-1").
		WithBlock("b", "copy").
		WithElapsed(30 * time.Millisecond).
		WithPayload("reason", "contract violation").
		WithPayload("error", "boom"))

	rm := collectMetrics(t, reader)
	if got := sumFor(t, rm, "petalstream.block.done", ""); got != 1 {
		t.Errorf("block.done = %d, want 1", got)
	}
	if got := sumFor(t, rm, "petalstream.block.failures", "copy"); got != 1 {
		t.Errorf("block.failures = %d, want 1", got)
	}

	dur := findMetric(rm, "petalstream.block.duration")
	if dur == nil {
		t.Fatal("petalstream.block.duration not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", dur.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("block.duration count = %d, want 2", count)
	}
}

func TestMetricsHandler_RunFinishedRecordsDuration(t *testing.T) {
	h, reader := newHandler(t)

	h.Handle(runtime.NewEvent(runtime.EventRunStalled, "run-1"))
	h.Handle(runtime.NewEvent(runtime.EventRunFinished, "run-1").
		WithElapsed(2 * time.Second).
		WithPayload("state", string(runtime.RunStalled)))

	rm := collectMetrics(t, reader)
	if got := sumFor(t, rm, "petalstream.run.stalls", ""); got != 1 {
		t.Errorf("run.stalls = %d, want 1", got)
	}

	m := findMetric(rm, "petalstream.run.duration")
	if m == nil {
		t.Fatal("petalstream.run.duration not found")
	}
	hist := m.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Sum != 2 {
		t.Errorf("run.duration sum = %v, want 2", dp.Sum)
	}
	if v, _ := dp.Attributes.Value("state"); v.AsString() != "stalled" {
		t.Errorf("state attribute = %q, want stalled", v.AsString())
	}
}

func TestMetricsHandler_IgnoresIrrelevantEvents(t *testing.T) {
	h, reader := newHandler(t)

	h.Handle(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	h.Handle(runtime.NewEvent(runtime.EventBlockStarted, "run-1").WithBlock("a", "head"))
	h.Handle(runtime.NewEvent(runtime.EventBlockBlocked, "run-1").WithBlock("a", "head"))

	rm := collectMetrics(t, reader)
	for _, name := range []string{
		"petalstream.block.work_calls",
		"petalstream.block.done",
		"petalstream.run.duration",
	} {
		if m := findMetric(rm, name); m != nil {
			t.Errorf("%s recorded for irrelevant events", name)
		}
	}
}

func TestMetricsHandler_ExecutorRun(t *testing.T) {
	h, reader := newHandler(t)

	opts := runtime.DefaultRunOptions()
	opts.EmitWorkEvents = true
	opts.EventHandler = h.Handle
	res := runFlowgraph(t, opts, 100)
	if res.State != runtime.RunDrained {
		t.Fatalf("State = %s, want drained", res.State)
	}

	rm := collectMetrics(t, reader)
	if got := sumFor(t, rm, "petalstream.block.items_produced", "head"); got != 100 {
		t.Errorf("head items_produced = %d, want 100", got)
	}
	if got := sumFor(t, rm, "petalstream.block.items_consumed", "vector_sink"); got != 100 {
		t.Errorf("sink items_consumed = %d, want 100", got)
	}
	if got := sumFor(t, rm, "petalstream.block.done", ""); got != 3 {
		t.Errorf("block.done = %d, want 3", got)
	}
}
