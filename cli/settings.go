package cli

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/config"
	"github.com/petal-labs/petalstream/graph"
	"github.com/petal-labs/petalstream/hydrate"
	"github.com/petal-labs/petalstream/loader"
	"github.com/petal-labs/petalstream/runtime"
)

// addExecutionFlags registers the flags shared by run and schedule.
func addExecutionFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to petalstream.yaml (default: ./petalstream.yaml, then ~/.petalstream/config.yaml)")
	cmd.Flags().String("scheduler", string(runtime.SchedulerSTS), "Execution model: sts | tpb")
	cmd.Flags().Int("buffer-size", 0, "Bytes per stream buffer (default 32 KiB)")
	cmd.Flags().Int("max-noutput", 0, "Upper bound on noutput_items per work call (0 = unlimited)")
	cmd.Flags().Duration("stall-poll", 0, "Keep a stalled run alive, re-polling at this interval (0 = finish on stall)")
	cmd.Flags().Duration("timeout", 0, "Run timeout (0 = none)")
	cmd.Flags().Bool("work-events", false, "Emit block.work events, coalesced per block")
	cmd.Flags().StringArray("set", nil, "Override a block parameter, block.param=value (repeatable)")
	cmd.Flags().String("events-db", "", "Persist run events to this SQLite database")
	cmd.Flags().String("log-level", "info", "Log level: debug | info | warn | error")
	cmd.Flags().String("log-format", "text", "Log format: text | json")
	cmd.Flags().String("otlp-endpoint", "", "Export run traces to this OTLP/HTTP endpoint")
	cmd.Flags().Bool("metrics", false, "Print a metrics summary after each run")
	cmd.Flags().String("format", "text", "Output format: text | json")
}

// settings is the merged result of the config file and the command flags.
type settings struct {
	opts         runtime.RunOptions
	logger       *slog.Logger
	timeout      time.Duration
	eventsDB     string
	otlpEndpoint string
	metrics      bool
	format       string
}

// resolveSettings loads the config file and lets every explicitly set flag
// override it.
func resolveSettings(cmd *cobra.Command) (*settings, error) {
	flags := cmd.Flags()
	explicit, _ := flags.GetString("config")
	file, _, err := config.Load(explicit)
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}

	opts := runtime.DefaultRunOptions()
	file.Apply(&opts)

	if flags.Changed("scheduler") {
		name, _ := flags.GetString("scheduler")
		s, ok := runtime.ParseScheduler(name)
		if !ok {
			return nil, exitError(exitInputParse, "unknown scheduler %q (use sts or tpb)", name)
		}
		opts.Scheduler = s
	}
	if flags.Changed("buffer-size") {
		n, _ := flags.GetInt("buffer-size")
		if n <= 0 {
			return nil, exitError(exitInputParse, "--buffer-size must be positive, got %d", n)
		}
		opts.BufferSizeBytes = n
	}
	if flags.Changed("max-noutput") {
		n, _ := flags.GetInt("max-noutput")
		if n < 0 {
			return nil, exitError(exitInputParse, "--max-noutput must not be negative, got %d", n)
		}
		opts.MaxNOutputItems = n
	}
	if flags.Changed("stall-poll") {
		opts.StallPollInterval, _ = flags.GetDuration("stall-poll")
	}
	opts.EmitWorkEvents, _ = flags.GetBool("work-events")

	s := &settings{opts: opts, eventsDB: file.EventsDB}
	s.timeout, _ = flags.GetDuration("timeout")
	s.otlpEndpoint, _ = flags.GetString("otlp-endpoint")
	s.metrics, _ = flags.GetBool("metrics")
	s.format, _ = flags.GetString("format")
	if s.format != "text" && s.format != "json" {
		return nil, exitError(exitInputParse, "unknown format %q (use text or json)", s.format)
	}
	if flags.Changed("events-db") {
		s.eventsDB, _ = flags.GetString("events-db")
	}

	level, format := file.LogLevel, file.LogFormat
	if level == "" || flags.Changed("log-level") {
		level, _ = flags.GetString("log-level")
	}
	if format == "" || flags.Changed("log-format") {
		format, _ = flags.GetString("log-format")
	}
	s.logger = config.NewLoggerWithWriter(config.ParseLevel(level), format, cmd.ErrOrStderr())
	s.opts.Logger = s.logger
	return s, nil
}

// graphSource builds a fresh Flowgraph for each run. Blocks keep state
// across a run, so repeated runs never share instances.
type graphSource struct {
	def       *graph.GraphDefinition
	overrides hydrate.Overrides
}

func (g *graphSource) build() (*graph.Flowgraph, error) {
	return hydrate.Build(g.def, nil, g.overrides)
}

// loadGraphSource loads, validates and test-builds the flowgraph file with
// the --set overrides applied.
func loadGraphSource(cmd *cobra.Command, path string) (*graphSource, error) {
	def, err := loader.LoadFlowgraph(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", path)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			writeDiagnostics(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		}
		return nil, exitError(exitValidation, "%v", err)
	}

	sets, _ := cmd.Flags().GetStringArray("set")
	overrides, err := hydrate.ResolveOverrides(sets)
	if err != nil {
		return nil, exitError(exitInputParse, "%v", err)
	}

	src := &graphSource{def: def, overrides: overrides}
	if _, err := src.build(); err != nil {
		return nil, exitError(exitValidation, "building flowgraph: %v", err)
	}
	return src, nil
}
