// Package pipeline runs the matrix: a fixed pool of workers pulls cells in
// enumeration order and drives each one through build, verify, test and
// benchmark, recording every transition in the event log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pqmatrix/internal/bench"
	"pqmatrix/internal/cellstate"
	"pqmatrix/internal/events"
	"pqmatrix/internal/gate"
	"pqmatrix/internal/kat"
	"pqmatrix/internal/logging"
	"pqmatrix/internal/matrix"
	"pqmatrix/internal/toolchain"
	"pqmatrix/internal/verify"
)

// Builder runs one cell's external build.
type Builder interface {
	Build(ctx context.Context, cell matrix.Cell) toolchain.Outcome
}

// VerifierFunc applies a cell's verification rule to its artifact.
type VerifierFunc func(cell matrix.Cell, artifactPath string) verify.Result

// Tester runs known-answer vectors against a verified artifact.
type Tester interface {
	RunVectors(ctx context.Context, cell matrix.Cell, artifactPath string, vectors kat.Source) kat.Result
}

// Benchmarker times a tested artifact.
type Benchmarker interface {
	Measure(ctx context.Context, cell matrix.Cell, artifactPath string, iterations int) (bench.Timing, error)
}

// Options wires an Orchestrator. Bench may be nil to skip benchmarking.
type Options struct {
	Cells      []matrix.Cell
	Workers    int
	Builder    Builder
	Verify     VerifierFunc
	Tester     Tester
	Vectors    kat.Source
	Bench      Benchmarker
	Iterations int
	Gates      []gate.Target
	Override   bool
	Log        *events.Log
	Logger     *zap.Logger
	// RunID identifies the run in events and reports; a random UUID when
	// empty.
	RunID string
}

// Orchestrator owns one run.
type Orchestrator struct {
	opts    Options
	logger  *zap.Logger
	tracker *cellstate.Tracker
	hash    matrix.Hash
	runID   string

	started     atomic.Bool
	interrupted atomic.Bool

	// logErr is the first event log failure; it makes the run an internal
	// error.
	logErrOnce sync.Once
	logErr     error
}

// Summary is what Run reports back besides the event log.
type Summary struct {
	RunID       string
	MatrixHash  matrix.Hash
	Cells       int
	Blocking    int
	Interrupted bool
	Unfinished  []string
	Gates       []gate.Decision
}

// New validates the wiring and prepares the per-cell state tracker.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Builder == nil:
		return nil, errors.New("pipeline: builder is required")
	case opts.Verify == nil:
		return nil, errors.New("pipeline: verifier is required")
	case opts.Tester == nil || opts.Vectors == nil:
		return nil, errors.New("pipeline: tester and vector source are required")
	case opts.Log == nil:
		return nil, errors.New("pipeline: event log is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	ids := make([]string, len(opts.Cells))
	for i, c := range opts.Cells {
		ids[i] = c.ID()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Orchestrator{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		tracker: cellstate.NewTracker(ids),
		hash:    matrix.ComputeHash(opts.Cells),
		runID:   runID,
	}, nil
}

// RunID returns the run identifier.
func (o *Orchestrator) RunID() string { return o.runID }

// AllCellsFinished reports whether every cell reached a terminal state.
func (o *Orchestrator) AllCellsFinished() bool { return o.tracker.AllTerminal() }

// BlockingFailureCount counts cells in BuildFailed, VerifyFailed or
// TestedFail.
func (o *Orchestrator) BlockingFailureCount() int { return o.tracker.BlockingCount() }

// Gate evaluates a configured dependent phase against the current states.
func (o *Orchestrator) Gate(t gate.Target) gate.Decision {
	return gate.Evaluate(t, o.opts.Cells, o.tracker.Outcome, o.opts.Override)
}

// Run schedules every cell and waits for the workers. Cancelling ctx stops
// scheduling at once; cells already running finish their current phase and
// stop there. Cell failures never abort the run; the returned error is only
// set when the event log itself fails.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if !o.started.CompareAndSwap(false, true) {
		return Summary{}, errors.New("pipeline: orchestrator already ran")
	}
	o.append(events.Record{Kind: events.KindRunStarted, Index: -1, Run: &events.RunDetail{
		ID:           o.runID,
		MatrixHash:   o.hash.String(),
		Cells:        len(o.opts.Cells),
		Workers:      o.opts.Workers,
		OverrideGate: o.opts.Override,
	}})
	o.logger.Info("run started",
		zap.String("run_id", o.runID),
		zap.Int("cells", len(o.opts.Cells)),
		zap.Int("workers", o.opts.Workers))

	// Go blocks while Workers cells are in flight, so cells start in
	// enumeration order.
	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for _, cell := range o.opts.Cells {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			o.processCell(ctx, cell)
			return nil
		})
	}
	_ = g.Wait()

	unfinished := o.tracker.Unfinished()
	if ctx.Err() != nil || len(unfinished) > 0 {
		o.interrupted.Store(true)
	}
	o.append(events.Record{Kind: events.KindRunFinished, Index: -1, Run: &events.RunDetail{
		ID:          o.runID,
		MatrixHash:  o.hash.String(),
		Cells:       len(o.opts.Cells),
		Interrupted: o.interrupted.Load(),
	}})

	sum := Summary{
		RunID:       o.runID,
		MatrixHash:  o.hash,
		Cells:       len(o.opts.Cells),
		Blocking:    o.tracker.BlockingCount(),
		Interrupted: o.interrupted.Load(),
		Unfinished:  unfinished,
	}
	for _, t := range o.opts.Gates {
		sum.Gates = append(sum.Gates, o.Gate(t))
	}
	o.logger.Info("run finished",
		zap.Int("blocking", sum.Blocking),
		zap.Bool("interrupted", sum.Interrupted),
		zap.Int("unfinished", len(unfinished)))
	return sum, o.logErr
}

// cellRun carries one cell through its phases on a single worker.
type cellRun struct {
	o     *Orchestrator
	cell  matrix.Cell
	state cellstate.State

	// buildLog is the last build attempt's log; later failures point at it.
	buildLog string
}

func (o *Orchestrator) processCell(ctx context.Context, cell matrix.Cell) {
	cr := &cellRun{o: o, cell: cell, state: cellstate.Pending}
	defer cr.recoverFault()

	// Phases run to completion even when ctx is cancelled mid-phase; the
	// build still honours its own timeout.
	phaseCtx := context.WithoutCancel(ctx)

	artifact, ok := cr.build(phaseCtx)
	if !ok || ctx.Err() != nil {
		return
	}
	if ok = cr.verify(artifact); !ok || ctx.Err() != nil {
		return
	}
	if ok = cr.test(phaseCtx, artifact); !ok || ctx.Err() != nil {
		return
	}
	cr.benchmark(phaseCtx, artifact)
}

func (cr *cellRun) move(to cellstate.State, rec events.Record) {
	if err := cr.o.tracker.Transition(cr.cell.ID(), cr.state, to); err != nil {
		panic(fmt.Sprintf("state machine: %v", err))
	}
	rec.Kind = events.KindTransition
	rec.Cell = cr.cell.ID()
	rec.Index = cr.cell.Index
	rec.Phase = cellstate.PhaseOf(to)
	rec.From = cr.state
	rec.To = to
	cr.state = to
	cr.o.append(rec)
}

func (cr *cellRun) note(phase cellstate.Phase, reason string) {
	cr.o.append(events.Record{Kind: events.KindNote, Cell: cr.cell.ID(), Index: cr.cell.Index, Phase: phase, Reason: reason})
}

func (cr *cellRun) build(ctx context.Context) (string, bool) {
	cr.move(cellstate.Building, events.Record{})
	out := cr.o.opts.Builder.Build(ctx, cr.cell)
	detail := &events.BuildDetail{
		ExitCode: out.ExitCode,
		TimedOut: out.TimedOut,
		Attempts: len(out.Attempts),
	}
	switch out.Status {
	case toolchain.StatusSuccess:
		cr.buildLog = out.LogPath()
		cr.move(cellstate.Built, events.Record{LogPath: out.LogPath(), Build: detail,
			Artifact: &events.ArtifactDetail{Path: out.ArtifactPath}})
		return out.ArtifactPath, true
	case toolchain.StatusSkipped:
		cr.move(cellstate.BuildSkipped, events.Record{Reason: out.Reason, LogPath: out.LogPath(), Build: detail})
	default:
		detail.Output = string(out.CapturedOutput)
		cr.move(cellstate.BuildFailed, events.Record{Reason: out.Reason, LogPath: out.LogPath(), Build: detail})
	}
	return "", false
}

func (cr *cellRun) verify(artifact string) bool {
	cr.move(cellstate.Verifying, events.Record{})
	res := cr.o.opts.Verify(cr.cell, artifact)
	if !res.Verified {
		cr.move(cellstate.VerifyFailed, events.Record{Reason: res.Reason, LogPath: cr.buildLog,
			Artifact: &events.ArtifactDetail{Path: artifact, Rule: res.Rule}})
		return false
	}
	cr.move(cellstate.Verified, events.Record{Artifact: &events.ArtifactDetail{
		Path: res.Artifact.Path,
		Size: res.Artifact.Size,
		Hash: res.Artifact.ContentHash,
		Rule: res.Rule,
	}})
	return true
}

func (cr *cellRun) test(ctx context.Context, artifact string) bool {
	cr.move(cellstate.Testing, events.Record{})
	res := cr.o.opts.Tester.RunVectors(ctx, cr.cell, artifact, cr.o.opts.Vectors)
	detail := &events.TestDetail{
		VectorIndex: res.Index,
		Count:       res.Count,
		Field:       res.Field,
		Vectors:     res.Vectors,
		Coverage:    res.Coverage,
		Source:      res.Source,
	}
	switch res.Status {
	case kat.StatusPass:
		cr.move(cellstate.TestedPass, events.Record{Test: detail})
		return true
	case kat.StatusNoVectors:
		cr.move(cellstate.TestedNoVectors, events.Record{Reason: res.Reason, Test: detail})
		return true
	default:
		cr.move(cellstate.TestedFail, events.Record{Reason: res.Reason, LogPath: cr.buildLog, Test: detail})
		return false
	}
}

func (cr *cellRun) benchmark(ctx context.Context, artifact string) {
	if cr.o.opts.Bench == nil || !cellstate.IsBenchmarkable(cr.state) {
		return
	}
	timing, err := cr.o.opts.Bench.Measure(ctx, cr.cell, artifact, cr.o.opts.Iterations)
	if err != nil {
		cr.note(cellstate.PhaseBenchmark, fmt.Sprintf("benchmark_unavailable: %v", err))
		return
	}
	cr.move(cellstate.Benchmarked, events.Record{Timing: timingDetail(timing)})
}

func timingDetail(t bench.Timing) *events.TimingDetail {
	d := &events.TimingDetail{P50: int64(t.P50), P95: int64(t.P95), Source: t.Source}
	for _, s := range t.Samples {
		d.Samples = append(d.Samples, int64(s/time.Nanosecond))
	}
	return d
}

// recoverFault turns a panic in any phase into a failure of that phase.
func (cr *cellRun) recoverFault() {
	p := recover()
	if p == nil {
		return
	}
	reason := fmt.Sprintf("internal_fault: %v", p)
	cr.o.logger.Error("cell pipeline panicked",
		zap.String("cell", cr.cell.ID()),
		zap.String("state", string(cr.state)),
		zap.Any("panic", p),
		zap.ByteString("stack", debug.Stack()))

	// Reset to the tracker's view in case the panic came from move itself.
	if s, ok := cr.o.tracker.State(cr.cell.ID()); ok {
		cr.state = s
	}
	defer func() {
		if p2 := recover(); p2 != nil {
			cr.o.logger.Error("cannot record cell fault", zap.String("cell", cr.cell.ID()), zap.Any("panic", p2))
		}
	}()
	rec := events.Record{Reason: reason, LogPath: cr.buildLog}
	switch cr.state {
	case cellstate.Pending:
		cr.move(cellstate.Building, events.Record{})
		cr.move(cellstate.BuildFailed, rec)
	case cellstate.Building:
		cr.move(cellstate.BuildFailed, rec)
	case cellstate.Built:
		cr.move(cellstate.Verifying, events.Record{})
		cr.move(cellstate.VerifyFailed, rec)
	case cellstate.Verifying:
		cr.move(cellstate.VerifyFailed, rec)
	case cellstate.Verified:
		cr.move(cellstate.Testing, events.Record{})
		cr.move(cellstate.TestedFail, rec)
	case cellstate.Testing:
		cr.move(cellstate.TestedFail, rec)
	default:
		cr.note(cellstate.PhaseOf(cr.state), reason)
	}
}

func (o *Orchestrator) append(r events.Record) {
	if _, err := o.opts.Log.Append(r); err != nil {
		o.logErrOnce.Do(func() { o.logErr = fmt.Errorf("pipeline: event log: %w", err) })
	}
}
