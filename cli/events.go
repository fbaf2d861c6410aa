package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/bus"
	"github.com/petal-labs/petalstream/runtime"
)

// eventLine is the JSON form of one stored event.
type eventLine struct {
	Seq     uint64         `json:"seq"`
	Kind    string         `json:"kind"`
	BlockID string         `json:"block_id,omitempty"`
	Block   string         `json:"block,omitempty"`
	Time    time.Time      `json:"time"`
	Elapsed string         `json:"elapsed"`
	Payload map[string]any `json:"payload,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// NewEventsCmd creates the "events" subcommand reading a --events-db file.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <db>",
		Short: "Inspect runs persisted with --events-db",
		Long: `Without --run, list every stored run with its graph, outcome and duration.
With --run, list that run's events; "latest" selects the most recent run.`,
		Args: cobra.ExactArgs(1),
		RunE: runEvents,
	}
	cmd.Flags().String("run", "", `Run ID to list events for, or "latest"`)
	cmd.Flags().String("block", "", "Only events of this block ID")
	cmd.Flags().StringSlice("kind", nil, "Only these event kinds (e.g. block.done,block.failed)")
	cmd.Flags().Uint64("after", 0, "Only events with a sequence number above this")
	cmd.Flags().Int("limit", 0, "Maximum number of events (0 = all)")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "events database not found: %s", path)
		}
		return exitError(exitConfig, "%v", err)
	}
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: path})
	if err != nil {
		return exitError(exitConfig, "opening events database: %v", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	runs, err := store.Runs(ctx)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	runID, _ := cmd.Flags().GetString("run")
	if runID == "" {
		if format == "json" {
			if runs == nil {
				runs = []bus.RunSummary{}
			}
			return writeJSON(out, runs)
		}
		return writeRuns(out, runs)
	}
	if runID == "latest" {
		if len(runs) == 0 {
			return exitError(exitInputParse, "no runs stored in %s", path)
		}
		runID = runs[0].RunID
	}

	q := bus.Query{RunID: runID}
	q.BlockID, _ = cmd.Flags().GetString("block")
	q.AfterSeq, _ = cmd.Flags().GetUint64("after")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	for _, k := range kinds {
		q.Kinds = append(q.Kinds, runtime.EventKind(strings.TrimSpace(k)))
	}

	if seq, err := store.LatestSeq(ctx, runID); err != nil {
		return exitError(exitRuntime, "%v", err)
	} else if seq == 0 {
		return exitError(exitInputParse, "no events stored for run %q", runID)
	}
	events, err := store.List(ctx, q)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	if format == "json" {
		lines := make([]eventLine, 0, len(events))
		for _, e := range events {
			lines = append(lines, eventLine{
				Seq: e.Seq, Kind: string(e.Kind), BlockID: e.BlockID, Block: e.BlockName,
				Time: e.Time, Elapsed: e.Elapsed.String(), Payload: e.Payload, TraceID: e.TraceID,
			})
		}
		return writeJSON(out, lines)
	}
	return writeEvents(out, events)
}

func writeRuns(w io.Writer, runs []bus.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tGRAPH\tOUTCOME\tEVENTS\tSTARTED\tDURATION")
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "unfinished"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.RunID, r.Graph, outcome, r.Events,
			r.First.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
	}
	return tw.Flush()
}

func writeEvents(w io.Writer, events []runtime.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tELAPSED\tKIND\tBLOCK\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.Elapsed.Round(time.Microsecond), e.Kind, e.BlockID, payloadDetail(e.Payload))
	}
	return tw.Flush()
}

// payloadDetail renders a payload as sorted key=value pairs.
func payloadDetail(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, payload[k])
	}
	return strings.Join(parts, " ")
}
