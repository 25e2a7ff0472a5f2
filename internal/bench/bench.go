// Package bench times repeated end-to-end invocations of a cell's primary
// operation and reports exact nearest-rank percentiles.
package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"time"

	"go.uber.org/zap"

	"pqmatrix/internal/clock"
	"pqmatrix/internal/config"
	"pqmatrix/internal/kat"
	"pqmatrix/internal/matrix"
	"pqmatrix/internal/toolchain"
)

// ErrNoInvoker means the cell has neither a bench command nor a harness that
// can run its primary operation.
var ErrNoInvoker = errors.New("bench: nothing to invoke")

// Timing holds the raw samples, in invocation order, and their percentiles.
type Timing struct {
	Samples []time.Duration `json:"samples_ns"`
	P50     time.Duration   `json:"p50_ns"`
	P95     time.Duration   `json:"p95_ns"`
	Source  string          `json:"source"`
}

// Percentile returns the nearest-rank p-th percentile (0 < p <= 100) of the
// samples, which need not be sorted.
func Percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

// Invoke performs one end-to-end run of the primary operation.
type Invoke func(ctx context.Context) error

// Collector measures cells. Opener supplies harness cycles when the platform
// has no bench command.
type Collector struct {
	Config *config.Config
	Opener kat.Opener
	Runner toolchain.Runner
	Clock  clock.Clock
	Getenv func(string) string
	Logger *zap.Logger

	// Timeout bounds each invocation of a bench command. Zero uses the
	// configured build timeout.
	Timeout time.Duration
}

// ErrTimeout means one invocation of the bench command outlived its timeout.
var ErrTimeout = errors.New("bench: invocation timed out")

// Measure runs the cell's primary operation iterations times and times each
// run. The first failing invocation aborts the measurement.
func (c *Collector) Measure(ctx context.Context, cell matrix.Cell, artifactPath string, iterations int) (Timing, error) {
	if iterations <= 0 {
		return Timing{}, fmt.Errorf("bench: iterations must be positive, got %d", iterations)
	}
	invoke, source, err := c.invoker(cell, artifactPath)
	if err != nil {
		return Timing{}, err
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.Real()
	}

	samples := make([]time.Duration, 0, iterations)
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return Timing{}, err
		}
		start := clk.Now()
		if err := invoke(ctx); err != nil {
			return Timing{}, fmt.Errorf("bench: iteration %d: %w", i, err)
		}
		samples = append(samples, clock.Since(clk, start))
	}
	t := Timing{
		Samples: samples,
		P50:     Percentile(samples, 50),
		P95:     Percentile(samples, 95),
		Source:  source,
	}
	if c.Logger != nil {
		c.Logger.Debug("benchmark collected",
			zap.String("cell", cell.ID()),
			zap.Int("iterations", iterations),
			zap.Duration("p50", t.P50),
			zap.Duration("p95", t.P95))
	}
	return t, nil
}

// Sources of a timing.
const (
	SourceCommand = "command"
	SourceHarness = "harness"
)

func (c *Collector) invoker(cell matrix.Cell, artifactPath string) (Invoke, string, error) {
	if p, ok := c.Config.Platform(cell.Platform.ID); ok && !p.Bench.IsZero() {
		cmd, err := p.Bench.Expand(c.Config.ArtifactVariables(cell, artifactPath))
		if err != nil {
			return nil, "", fmt.Errorf("bench: expand command: %w", err)
		}
		getenv := c.Getenv
		if getenv == nil {
			getenv = os.Getenv
		}
		runner := c.Runner
		if runner == nil {
			runner = toolchain.ProcessRunner{}
		}
		inv := toolchain.Invocation{
			Argv: cmd.Argv,
			Dir:  c.Config.ResolveDir(cmd.Dir),
			Env:  toolchain.BuildEnv(c.Config.InheritEnv, getenv, cmd.Env),
		}
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = c.Config.BuildTimeout
		}
		return func(ctx context.Context) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res, err := runner.Run(ctx, inv)
			if err != nil {
				return err
			}
			if res.TimedOut {
				return fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("exit code %d: %s", res.ExitCode, bytes.TrimSpace(res.Stderr))
			}
			return nil
		}, SourceCommand, nil
	}

	if c.Opener == nil {
		return nil, "", ErrNoInvoker
	}
	h, err := c.Opener.Open(cell, artifactPath)
	if errors.Is(err, kat.ErrNoHarness) || errors.Is(err, kat.ErrUnsupported) {
		return nil, "", fmt.Errorf("%w: %v", ErrNoInvoker, err)
	}
	if err != nil {
		return nil, "", err
	}
	seed := kat.DefaultEntropy()
	msg := []byte(cell.ID())
	if cell.Variant.Kind == matrix.KindKEM {
		return func(ctx context.Context) error {
			_, err := h.KEM(ctx, seed)
			return err
		}, SourceHarness, nil
	}
	return func(ctx context.Context) error {
		out, err := h.Sign(ctx, seed, msg)
		if err != nil {
			return err
		}
		ok, err := h.Verify(ctx, out.PK, msg, out.Sig)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("signature did not verify")
		}
		return nil
	}, SourceHarness, nil
}
