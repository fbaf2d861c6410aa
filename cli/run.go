package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/runtime"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flowgraph file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	addExecutionFlags(cmd)
	cmd.Flags().Bool("dry-run", false, "Load, validate and build only, do not execute")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := resolveSettings(cmd)
	if err != nil {
		return err
	}

	src, err := loadGraphSource(cmd, args[0])
	if err != nil {
		return err
	}

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		fmt.Fprintln(cmd.OutOrStdout(), "Validation and build successful.")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := newObserver(ctx, s)
	if err != nil {
		return err
	}
	defer obs.close(context.Background())

	res, runErr := executeOnce(ctx, src, obs)
	if res == nil {
		return exitError(exitRuntime, "execution failed: %v", runErr)
	}

	rep := newRunReport(src.def.ID, s.opts.Scheduler, res)
	if rep.Metrics, err = obs.collectMetrics(ctx); err != nil {
		s.logger.Warn("collecting metrics failed", "error", err)
	}
	if err := writeReport(cmd.OutOrStdout(), s.format, rep); err != nil {
		return exitError(exitRuntime, "writing report: %v", err)
	}
	return outcomeError(res, runErr)
}

// executeOnce builds a fresh flowgraph and runs it under the configured
// timeout.
func executeOnce(ctx context.Context, src *graphSource, obs *observer) (*runtime.RunResult, error) {
	fg, err := src.build()
	if err != nil {
		return nil, err
	}
	if obs.s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, obs.s.timeout)
		defer cancel()
	}
	opts, finish := obs.runOptions()
	defer finish()

	res, err := runtime.NewExecutor().Run(ctx, fg, opts)
	if res != nil && res.State == runtime.RunCanceled && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, errTimedOut
	}
	return res, err
}

var errTimedOut = errors.New("run timed out")

// outcomeError maps how a run ended onto the process exit code.
func outcomeError(res *runtime.RunResult, runErr error) error {
	switch {
	case errors.Is(runErr, errTimedOut):
		return exitError(exitTimeout, "execution timed out after %s", res.Elapsed.Round(time.Millisecond))
	case len(res.Failures) > 0:
		return exitError(exitRuntime, "%d block(s) failed: %v", len(res.Failures), runErr)
	case res.State == runtime.RunStalled:
		return exitError(exitStalled, "run stalled before every block finished")
	case res.State == runtime.RunCanceled:
		return exitError(exitRuntime, "run canceled")
	}
	return nil
}
