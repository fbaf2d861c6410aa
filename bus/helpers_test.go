package bus

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/petalstream/blocks"
	"github.com/petal-labs/petalstream/graph"
	"github.com/petal-labs/petalstream/runtime"
)

// publishRun drives a small source -> copy -> sink graph with opts.
func publishRun(t *testing.T, opts runtime.RunOptions) *runtime.RunResult {
	t.Helper()
	fg := graph.New("bus-test")
	data := make([]float32, 64)
	if err := fg.Chain(blocks.NewVectorSource(data, false), blocks.NewCopy(4), blocks.NewVectorSink()); err != nil {
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
