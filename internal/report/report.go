// Package report derives the run report from the event log. Build is a pure
// function of the records and the enumerated matrix, so a persisted
// events.jsonl re-renders to the same report.
package report

import (
	"errors"
	"fmt"
	"time"

	"pqmatrix/internal/cellstate"
	"pqmatrix/internal/events"
	"pqmatrix/internal/gate"
	"pqmatrix/internal/matrix"
)

// FailureClass is the closed set of per-cell results shown in reports.
type FailureClass string

const (
	ClassPass          FailureClass = "pass"
	ClassNoVectors     FailureClass = "no_vectors"
	ClassSkipped       FailureClass = "skipped"
	ClassBuildFailure  FailureClass = "build_failure"
	ClassVerifyFailure FailureClass = "verify_failure"
	ClassTestFailure   FailureClass = "test_failure"
	ClassIncomplete    FailureClass = "incomplete"
)

// Blocking reports whether the class counts against the exit code.
func (c FailureClass) Blocking() bool {
	return c == ClassBuildFailure || c == ClassVerifyFailure || c == ClassTestFailure
}

// ClassOf maps a cell's outcome state to its report class.
func ClassOf(s cellstate.State) FailureClass {
	switch s {
	case cellstate.TestedPass:
		return ClassPass
	case cellstate.TestedNoVectors:
		return ClassNoVectors
	case cellstate.BuildSkipped:
		return ClassSkipped
	case cellstate.BuildFailed:
		return ClassBuildFailure
	case cellstate.VerifyFailed:
		return ClassVerifyFailure
	case cellstate.TestedFail:
		return ClassTestFailure
	default:
		return ClassIncomplete
	}
}

// ErrMatrixMismatch means the event log was produced for a different matrix.
var ErrMatrixMismatch = errors.New("report: event log does not match the configured matrix")

// Report is the aggregated view of one run.
type Report struct {
	RunID        string    `json:"run_id"`
	MatrixHash   string    `json:"matrix_hash"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	Interrupted  bool      `json:"interrupted"`
	OverrideGate bool      `json:"override_gate"`

	Summary  Summary         `json:"summary"`
	Groups   []Group         `json:"groups"`
	Cells    []CellResult    `json:"cells"`
	Failures []Failure       `json:"failures"`
	Gates    []gate.Decision `json:"gates"`
}

// Summary counts cells per class.
type Summary struct {
	Cells         int `json:"cells"`
	Passed        int `json:"passed"`
	NoVectors     int `json:"no_vectors"`
	Skipped       int `json:"skipped"`
	BuildFailed   int `json:"build_failed"`
	VerifyFailed  int `json:"verify_failed"`
	TestFailed    int `json:"test_failed"`
	Incomplete    int `json:"incomplete"`
	Benchmarked   int `json:"benchmarked"`
	Blocking      int `json:"blocking"`
	Informational int `json:"informational"`
}

// Group aggregates the cells of one variant on one platform.
type Group struct {
	Variant    string `json:"variant"`
	Platform   string `json:"platform"`
	Passed     int    `json:"passed"`
	NoVectors  int    `json:"no_vectors"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Incomplete int    `json:"incomplete"`
}

// CellResult is one cell's line in the report.
type CellResult struct {
	ID       string                 `json:"id"`
	Index    int                    `json:"index"`
	Variant  string                 `json:"variant"`
	Platform string                 `json:"platform"`
	Profile  string                 `json:"profile"`
	State    cellstate.State        `json:"state"`
	Class    FailureClass           `json:"class"`
	Phase    cellstate.Phase        `json:"phase,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	LogPath  string                 `json:"log,omitempty"`
	Artifact *events.ArtifactDetail `json:"artifact,omitempty"`
	Test     *events.TestDetail     `json:"test,omitempty"`
	Timing   *events.TimingDetail   `json:"timing,omitempty"`
	Notes    []string               `json:"notes,omitempty"`
}

// Failure is a blocking cell with what is needed to investigate it.
type Failure struct {
	Cell    string          `json:"cell"`
	Class   FailureClass    `json:"class"`
	Phase   cellstate.Phase `json:"phase"`
	Reason  string          `json:"reason"`
	LogPath string          `json:"log,omitempty"`
}

// Build aggregates records for the given matrix. cells must be the enumerated
// matrix; records may arrive in any order. Dependent gates are evaluated with
// the override recorded in the log.
func Build(records []events.Record, cells []matrix.Cell, targets []gate.Target) (Report, error) {
	r := Report{
		MatrixHash: matrix.ComputeHash(cells).String(),
		Groups:     []Group{},
		Cells:      make([]CellResult, 0, len(cells)),
		Failures:   []Failure{},
	}
	byID := make(map[string]*CellResult, len(cells))
	for _, c := range cells {
		r.Cells = append(r.Cells, CellResult{
			ID:       c.ID(),
			Index:    c.Index,
			Variant:  c.Variant.ID(),
			Platform: c.Platform.ID,
			Profile:  c.Profile.Name,
			State:    cellstate.Pending,
		})
	}
	for i := range r.Cells {
		byID[r.Cells[i].ID] = &r.Cells[i]
	}

	outcome := map[string]cellstate.State{}
	for _, rec := range events.Sort(records) {
		switch rec.Kind {
		case events.KindRunStarted:
			if rec.Run == nil {
				return Report{}, fmt.Errorf("report: run_started record %d has no run detail", rec.Seq)
			}
			if rec.Run.MatrixHash != "" && rec.Run.MatrixHash != r.MatrixHash {
				return Report{}, fmt.Errorf("%w: log %s, config %s", ErrMatrixMismatch, rec.Run.MatrixHash, r.MatrixHash)
			}
			r.RunID = rec.Run.ID
			r.Started = rec.Time
			r.OverrideGate = rec.Run.OverrideGate
		case events.KindRunFinished:
			r.Finished = rec.Time
			if rec.Run != nil && rec.Run.Interrupted {
				r.Interrupted = true
			}
		case events.KindTransition, events.KindNote:
			c, ok := byID[rec.Cell]
			if !ok {
				return Report{}, fmt.Errorf("%w: unknown cell %q", ErrMatrixMismatch, rec.Cell)
			}
			apply(c, rec)
			if rec.Kind == events.KindTransition && rec.To != cellstate.Benchmarked {
				outcome[rec.Cell] = rec.To
			}
		}
	}

	groupIdx := map[[2]string]int{}
	for i := range r.Cells {
		c := &r.Cells[i]
		state, ok := outcome[c.ID]
		if !ok {
			state = cellstate.Pending
		}
		c.Class = ClassOf(state)
		r.Summary.add(c)

		key := [2]string{c.Variant, c.Platform}
		gi, ok := groupIdx[key]
		if !ok {
			gi = len(r.Groups)
			groupIdx[key] = gi
			r.Groups = append(r.Groups, Group{Variant: c.Variant, Platform: c.Platform})
		}
		r.Groups[gi].add(c.Class)

		if c.Class.Blocking() {
			r.Failures = append(r.Failures, Failure{Cell: c.ID, Class: c.Class, Phase: c.Phase, Reason: c.Reason, LogPath: c.LogPath})
		}
	}
	// Cells left mid-flight make the run partial however it ended.
	if r.Summary.Incomplete > 0 {
		r.Interrupted = true
	}

	stateOf := func(id string) cellstate.State {
		if s, ok := outcome[id]; ok {
			return s
		}
		return cellstate.Pending
	}
	for _, p := range cellstate.Phases() {
		r.Gates = append(r.Gates, gate.EvaluatePhase(p, cells, stateOf, r.OverrideGate))
	}
	for _, t := range targets {
		r.Gates = append(r.Gates, gate.Evaluate(t, cells, stateOf, r.OverrideGate))
	}
	return r, nil
}

func apply(c *CellResult, rec events.Record) {
	if rec.Kind == events.KindNote {
		c.Notes = append(c.Notes, fmt.Sprintf("%s: %s", rec.Phase, rec.Reason))
		return
	}
	c.State = rec.To
	if rec.To != cellstate.Benchmarked {
		c.Phase = rec.Phase
	}
	if rec.Reason != "" {
		c.Reason = rec.Reason
	}
	if rec.LogPath != "" {
		c.LogPath = rec.LogPath
	}
	if rec.Artifact != nil {
		a := *rec.Artifact
		if c.Artifact != nil && a.Size == 0 {
			a.Size, a.Hash = c.Artifact.Size, c.Artifact.Hash
		}
		c.Artifact = &a
	}
	if rec.Test != nil {
		c.Test = rec.Test
	}
	if rec.Timing != nil {
		c.Timing = rec.Timing
	}
}

func (s *Summary) add(c *CellResult) {
	s.Cells++
	switch c.Class {
	case ClassPass:
		s.Passed++
	case ClassNoVectors:
		s.NoVectors++
		s.Informational++
	case ClassSkipped:
		s.Skipped++
		s.Informational++
	case ClassBuildFailure:
		s.BuildFailed++
	case ClassVerifyFailure:
		s.VerifyFailed++
	case ClassTestFailure:
		s.TestFailed++
	default:
		s.Incomplete++
	}
	if c.Class.Blocking() {
		s.Blocking++
	}
	if c.State == cellstate.Benchmarked {
		s.Benchmarked++
	}
}

func (g *Group) add(c FailureClass) {
	switch c {
	case ClassPass:
		g.Passed++
	case ClassNoVectors:
		g.NoVectors++
	case ClassSkipped:
		g.Skipped++
	case ClassIncomplete:
		g.Incomplete++
	default:
		g.Failed++
	}
}
