package cli

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/petalstream/bus"
	petalotel "github.com/petal-labs/petalstream/otel"
	"github.com/petal-labs/petalstream/runtime"
)

const instrumentationName = "github.com/petal-labs/petalstream"

// observer owns everything that watches runs: the event store, trace
// export and the metrics reader. One observer serves every run of a command.
type observer struct {
	s *settings

	bus       *bus.MemBus
	store     *bus.SQLiteEventStore
	drainDone chan struct{}

	tracerProvider *sdktrace.TracerProvider
	tracing        *petalotel.TracingHandler

	metricReader *sdkmetric.ManualReader
	metrics      *petalotel.MetricsHandler
}

func newObserver(ctx context.Context, s *settings) (*observer, error) {
	o := &observer{s: s}

	if s.eventsDB != "" {
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: s.eventsDB})
		if err != nil {
			return nil, exitError(exitConfig, "opening events database: %v", err)
		}
		o.store = store
		o.bus = bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: 4096})
		sub := o.bus.SubscribeAll()
		o.drainDone = make(chan struct{})
		go func() {
			defer close(o.drainDone)
			bus.NewStoreSubscriber(store, s.logger).Drain(context.Background(), sub)
		}()
	}

	if s.otlpEndpoint != "" {
		exporter, err := newTraceExporter(ctx, s.otlpEndpoint)
		if err != nil {
			o.close(ctx)
			return nil, exitError(exitConfig, "creating trace exporter: %v", err)
		}
		o.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "petalstream"))),
		)
		o.tracing = petalotel.NewTracingHandler(o.tracerProvider.Tracer(instrumentationName))
	}

	if s.metrics {
		o.metricReader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(o.metricReader))
		h, err := petalotel.NewMetricsHandler(mp.Meter(instrumentationName))
		if err != nil {
			o.close(ctx)
			return nil, exitError(exitConfig, "creating metrics handler: %v", err)
		}
		o.metrics = h
	}
	return o, nil
}

// newTraceExporter accepts a full URL or a bare host:port. A URL without a
// path posts to the standard /v1/traces.
func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	if !strings.Contains(endpoint, "://") {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/traces"
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(u.String()))
}

// runOptions returns the options for one run and a func to call once the
// run has returned.
func (o *observer) runOptions() (runtime.RunOptions, func()) {
	opts := o.s.opts
	var (
		handlers   []runtime.EventHandler
		decorators []runtime.EventEmitterDecorator
		finish     = func() {}
	)
	if o.bus != nil {
		opts.EventBus = o.bus
	}
	if o.metrics != nil {
		handlers = append(handlers, o.metrics.Handle)
	}
	if opts.EmitWorkEvents {
		throttle := bus.NewThrottledEmitter(nil, bus.ThrottleConfig{})
		decorators = append(decorators, throttle.Decorator())
		finish = throttle.Close
	}
	if o.tracing != nil {
		handlers = append(handlers, o.tracing.Handle)
		decorators = append(decorators, petalotel.Decorator(o.tracing))
	}
	if len(handlers) > 0 {
		opts.EventHandler = runtime.MultiEventHandler(handlers...)
	}
	if len(decorators) > 0 {
		opts.EventEmitterDecorator = chainDecorators(decorators)
	}
	return opts, finish
}

// chainDecorators applies decorators in order, so the last one sees each
// event first.
func chainDecorators(decorators []runtime.EventEmitterDecorator) runtime.EventEmitterDecorator {
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		for _, d := range decorators {
			emit = d(emit)
		}
		return emit
	}
}

// close flushes and releases every sink. Errors are logged, not returned.
func (o *observer) close(ctx context.Context) {
	if o.tracerProvider != nil {
		if err := o.tracerProvider.Shutdown(ctx); err != nil {
			o.s.logger.Warn("trace export shutdown failed", "error", err)
		}
	}
	if o.bus != nil {
		_ = o.bus.Close()
		<-o.drainDone
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			o.s.logger.Warn("closing events database failed", "error", err)
		}
	}
}

// metricLine is one data point of the metrics summary.
type metricLine struct {
	Name  string  `json:"name"`
	Block string  `json:"block,omitempty"`
	State string  `json:"state,omitempty"`
	Value float64 `json:"value"`
	Count uint64  `json:"count,omitempty"`
}

// collectMetrics reads the cumulative counters of every run so far.
func (o *observer) collectMetrics(ctx context.Context) ([]metricLine, error) {
	if o.metricReader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := o.metricReader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	var lines []metricLine
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, newMetricLine(m.Name, dp.Attributes, float64(dp.Value), 0))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, newMetricLine(m.Name, dp.Attributes, dp.Sum, dp.Count))
				}
			}
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Name != lines[j].Name {
			return lines[i].Name < lines[j].Name
		}
		return lines[i].Block < lines[j].Block
	})
	return lines, nil
}

func newMetricLine(name string, attrs attribute.Set, value float64, count uint64) metricLine {
	line := metricLine{Name: name, Value: value, Count: count}
	if v, ok := attrs.Value("block_id"); ok {
		line.Block = v.AsString()
	}
	if v, ok := attrs.Value("state"); ok {
		line.State = v.AsString()
	}
	return line
}
