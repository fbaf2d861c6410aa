package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// cronParser accepts standard five-field expressions and descriptors such
// as @hourly or @every 30s.
var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// parseCronExpressionUTC parses expr, rejecting timezone prefixes; every
// schedule runs in UTC.
func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := cronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NewScheduleCmd creates the "schedule" subcommand, which runs a flowgraph
// periodically.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <file>",
		Short: "Run a flowgraph on a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchedule,
	}

	addExecutionFlags(cmd)
	cmd.Flags().String("cron", "", "Cron expression (UTC), e.g. \"*/5 * * * *\" or \"@every 30s\"")
	cmd.Flags().Int("max-runs", 0, "Exit after this many runs (0 = until interrupted)")
	cmd.Flags().Int("next", 0, "Print the next N fire times and exit")
	_ = cmd.MarkFlagRequired("cron")

	return cmd
}

func runSchedule(cmd *cobra.Command, args []string) error {
	expr, _ := cmd.Flags().GetString("cron")
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}

	if n, _ := cmd.Flags().GetInt("next"); n > 0 {
		t := time.Now().UTC()
		for i := 0; i < n; i++ {
			t = schedule.Next(t)
			fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
		}
		return nil
	}

	s, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	src, err := loadGraphSource(cmd, args[0])
	if err != nil {
		return err
	}
	maxRuns, _ := cmd.Flags().GetInt("max-runs")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := newObserver(ctx, s)
	if err != nil {
		return err
	}
	defer obs.close(context.Background())

	job := &scheduledJob{
		ctx:     ctx,
		src:     src,
		obs:     obs,
		out:     cmd.OutOrStdout(),
		maxRuns: maxRuns,
		done:    make(chan struct{}),
	}

	logger := cronLogger{s.logger.With("component", "schedule")}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(schedule, job)
	s.logger.Info("schedule started", "cron", expr, "graph", src.def.ID, "next", schedule.Next(time.Now().UTC()))
	c.Start()

	select {
	case <-ctx.Done():
	case <-job.done:
	}
	<-c.Stop().Done()

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.failed > 0 {
		return exitError(exitRuntime, "%d of %d scheduled runs failed", job.failed, job.runs)
	}
	return nil
}

// scheduledJob runs the flowgraph once per cron tick.
type scheduledJob struct {
	ctx     context.Context
	src     *graphSource
	obs     *observer
	out     io.Writer
	maxRuns int

	mu       sync.Mutex
	runs     int
	failed   int
	done     chan struct{}
	doneOnce sync.Once
}

// Run implements cron.Job. SkipIfStillRunning keeps invocations serial.
func (j *scheduledJob) Run() {
	if j.ctx.Err() != nil {
		return
	}
	res, runErr := executeOnce(j.ctx, j.src, j.obs)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	log := j.obs.s.logger
	if res == nil {
		j.failed++
		log.Error("scheduled run failed", "error", runErr)
	} else {
		rep := newRunReport(j.src.def.ID, j.obs.s.opts.Scheduler, res)
		if m, err := j.obs.collectMetrics(j.ctx); err == nil {
			rep.Metrics = m
		}
		if err := writeReport(j.out, j.obs.s.format, rep); err != nil {
			log.Warn("writing report failed", "error", err)
		}
		if err := outcomeError(res, runErr); err != nil {
			j.failed++
			log.Error("scheduled run failed", "run_id", res.RunID, "error", err)
		}
	}
	if j.maxRuns > 0 && j.runs >= j.maxRuns {
		j.doneOnce.Do(func() { close(j.done) })
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
