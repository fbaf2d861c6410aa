package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/petal-labs/petalstream/runtime"
)

// runReport is the printable outcome of one run.
type runReport struct {
	RunID     string       `json:"run_id"`
	Graph     string       `json:"graph"`
	Scheduler string       `json:"scheduler"`
	State     string       `json:"state"`
	Elapsed   string       `json:"elapsed"`
	Blocks    []blockLine  `json:"blocks"`
	Failures  []string     `json:"failures,omitempty"`
	Metrics   []metricLine `json:"metrics,omitempty"`
}

type blockLine struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	State   string   `json:"state"`
	Calls   uint64   `json:"calls"`
	Read    []uint64 `json:"nitems_read,omitempty"`
	Written []uint64 `json:"nitems_written,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func newRunReport(graphID string, sched runtime.Scheduler, res *runtime.RunResult) *runReport {
	rep := &runReport{
		RunID:     res.RunID,
		Graph:     graphID,
		Scheduler: string(sched),
		State:     string(res.State),
		Elapsed:   res.Elapsed.Round(time.Microsecond).String(),
		Blocks:    make([]blockLine, 0, len(res.Blocks)),
	}
	for _, b := range res.Blocks {
		line := blockLine{
			ID:      b.ID,
			Name:    b.Name,
			State:   b.State.String(),
			Calls:   b.Calls,
			Read:    b.NItemsRead,
			Written: b.NItemsWritten,
			Reason:  b.Reason,
		}
		if b.Err != nil {
			line.Error = b.Err.Error()
		}
		rep.Blocks = append(rep.Blocks, line)
	}
	for _, err := range res.Failures {
		rep.Failures = append(rep.Failures, err.Error())
	}
	return rep
}

func writeReport(w io.Writer, format string, rep *runReport) error {
	if format == "json" {
		return writeJSON(w, rep)
	}

	fmt.Fprintf(w, "Run %s (%s, %s): %s in %s\n\n", rep.RunID, rep.Graph, rep.Scheduler, rep.State, rep.Elapsed)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tTYPE\tSTATE\tCALLS\tREAD\tWRITTEN\tREASON")
	for _, b := range rep.Blocks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			b.ID, b.Name, b.State, b.Calls, counts(b.Read), counts(b.Written), b.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(rep.Failures) > 0 {
		fmt.Fprintf(w, "\n=== Failures (%d) ===\n", len(rep.Failures))
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "  %s\n", f)
		}
	}

	if len(rep.Metrics) > 0 {
		fmt.Fprintln(w, "\n=== Metrics ===")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, m := range rep.Metrics {
			label := m.Block
			if label == "" {
				label = m.State
			}
			if m.Count > 0 {
				fmt.Fprintf(tw, "%s\t%s\tcount=%d\tsum=%g\n", m.Name, label, m.Count, m.Value)
			} else {
				fmt.Fprintf(tw, "%s\t%s\t%g\n", m.Name, label, m.Value)
			}
		}
		return tw.Flush()
	}
	return nil
}

// counts renders per-port item counters, "-" for a block without ports.
func counts(v []uint64) string {
	if len(v) == 0 {
		return "-"
	}
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
