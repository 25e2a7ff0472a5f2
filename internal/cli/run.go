package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pqmatrix/internal/bench"
	"pqmatrix/internal/clock"
	"pqmatrix/internal/config"
	"pqmatrix/internal/events"
	"pqmatrix/internal/gate"
	"pqmatrix/internal/harness"
	"pqmatrix/internal/kat"
	"pqmatrix/internal/matrix"
	"pqmatrix/internal/pipeline"
	"pqmatrix/internal/report"
	"pqmatrix/internal/toolchain"
	"pqmatrix/internal/verify"
)

type runFlags struct {
	config       string
	workers      int
	timeout      string
	overrideGate bool
}

func (a *app) runCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the whole matrix and write the reports",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireConfig(f.config); err != nil {
				return err
			}
			overrides, err := f.overrides()
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), f.config, overrides)
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "pipeline configuration (.yaml or .jsonc)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent cells (default from config)")
	cmd.Flags().StringVar(&f.timeout, "timeout", "", "per-build timeout, seconds or a duration like 45m")
	cmd.Flags().BoolVar(&f.overrideGate, "override-gate", false, "unblock dependent phases despite failures (recorded in the report)")
	return cmd
}

func (f runFlags) overrides() (config.Overrides, error) {
	o := config.Overrides{Workers: f.workers, OverrideGate: f.overrideGate}
	if f.workers < 0 {
		return o, invalidInvocationf("--workers must be positive, got %d", f.workers)
	}
	if t := strings.TrimSpace(f.timeout); t != "" {
		d, err := parseTimeout(t)
		if err != nil {
			return o, err
		}
		o.BuildTimeout = d
	}
	return o, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, invalidInvocationf("--timeout must be positive, got %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, invalidInvocationf("invalid --timeout %q (want seconds or a duration like 45m)", s)
	}
	return d, nil
}

// loadMatrix loads the configuration and enumerates its cells.
func loadMatrix(path string, o config.Overrides) (*config.Config, []matrix.Cell, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	cfg.Apply(o)
	cells, err := cfg.Cells()
	if err != nil {
		return nil, nil, err
	}
	if len(cells) == 0 {
		return nil, nil, matrix.Configurationf("the matrix selects no cells")
	}
	return cfg, cells, nil
}

func gateTargets(cfg *config.Config) []gate.Target {
	out := make([]gate.Target, 0, len(cfg.Gates))
	for _, g := range cfg.Gates {
		out = append(out, gate.Target{Phase: g.Phase, Algorithms: g.Algorithms, Platforms: g.Platforms, Profiles: g.Profiles, Override: g.Override})
	}
	return out
}

// execute runs one matrix end to end. Cell failures only change the exit
// code; an error is returned for configuration problems and for failures of
// the run's own machinery (event log, report files).
func (a *app) execute(ctx context.Context, path string, o config.Overrides) error {
	cfg, cells, err := loadMatrix(path, o)
	if err != nil {
		return err
	}
	logger := a.logger.With(zap.String("config", cfg.Source))

	store, err := report.NewStore(cfg.Paths.Reports)
	if err != nil {
		return err
	}
	if err := store.Reset(); err != nil {
		return err
	}
	jsonl, err := events.CreateJSONL(filepath.Join(cfg.Paths.Reports, events.FileName))
	if err != nil {
		return err
	}
	reporter := report.NewErrorReporter(store, cells, logger)
	log := events.NewLog(events.Options{
		Sinks:  []events.Sink{jsonl, reporter, events.LoggerSink{Logger: logger.Named("events")}},
		Logger: logger,
	})

	opener := harness.NewOpener(cfg, logger)
	targets := gateTargets(cfg)
	opts := pipeline.Options{
		Cells:    cells,
		Workers:  cfg.Workers,
		Builder:  toolchain.NewBuilder(cfg, logger),
		Verify:   verify.Verify,
		Tester:   &kat.Runner{Opener: opener, Logger: logger},
		Vectors:  &kat.DirSource{Dir: cfg.VectorDir, Limit: cfg.MaxVectors},
		Gates:    targets,
		Override: cfg.OverrideGate,
		Log:      log,
		Logger:   logger,
	}
	if cfg.Benchmark.Enabled {
		opts.Bench = &bench.Collector{
			Config: cfg,
			Opener: opener,
			Runner: toolchain.ProcessRunner{},
			Clock:  clock.Real(),
			Logger: logger,
		}
		opts.Iterations = cfg.Benchmark.Iterations
	}
	orch, err := pipeline.New(opts)
	if err != nil {
		_ = log.Close()
		return err
	}

	sum, runErr := orch.Run(ctx)
	records := log.Snapshot()
	closeErr := log.Close()
	a.result.Summary = &sum

	rep, buildErr := report.Build(records, cells, targets)
	if buildErr == nil {
		a.result.Report = &rep
		buildErr = store.WriteAll(rep)
	}
	if err := errors.Join(runErr, closeErr, buildErr); err != nil {
		return fmt.Errorf("run %s: %w", sum.RunID, err)
	}

	a.result.ExitCode = exitCodeFor(rep)
	a.printSummary(rep, store)
	return nil
}

func exitCodeFor(r report.Report) int {
	if r.Summary.Blocking > 0 || r.Interrupted {
		return ExitCellFailure
	}
	return ExitSuccess
}

func (a *app) printSummary(r report.Report, store *report.Store) {
	s := r.Summary
	status := "passed"
	switch {
	case r.Interrupted:
		status = "interrupted"
	case s.Blocking > 0:
		status = "failed"
	}
	fmt.Fprintf(a.stdout, "run %s %s: %d cells, %d passed, %d no-vectors, %d skipped, %d failed, %d incomplete\n",
		r.RunID, status, s.Cells, s.Passed, s.NoVectors, s.Skipped, s.Blocking, s.Incomplete)
	for _, f := range r.Failures {
		fmt.Fprintf(a.stdout, "  FAIL %s [%s] %s\n", f.Cell, f.Phase, f.Reason)
	}
	if r.OverrideGate {
		fmt.Fprintln(a.stdout, "  gate override in effect")
	}
	fmt.Fprintf(a.stdout, "report: %s\n", store.Path(report.MarkdownFile))
}
