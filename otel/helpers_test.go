package otel_test

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/petalstream/blocks"
	"github.com/petal-labs/petalstream/graph"
	"github.com/petal-labs/petalstream/runtime"
)

// runFlowgraph drives vector_source -> head -> vector_sink over n items.
func runFlowgraph(t *testing.T, opts runtime.RunOptions, n int) *runtime.RunResult {
	t.Helper()
	fg := graph.New("otel-test")
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	err := fg.Chain(
		blocks.NewVectorSource(data, false),
		blocks.NewHead(4, uint64(n)),
		blocks.NewVectorSink(),
	)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := runtime.NewExecutor().Run(ctx, fg, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}
