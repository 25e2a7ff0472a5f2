// Package events is the run's append-only event log. Every phase transition
// of every cell becomes one immutable Record; reports are derived from the
// log alone.
package events

import (
	"sort"
	"time"

	"pqmatrix/internal/cellstate"
)

// Kind discriminates records. The string values are persisted; do not rename.
type Kind string

const (
	KindRunStarted  Kind = "run_started"
	KindTransition  Kind = "transition"
	KindNote        Kind = "note"
	KindRunFinished Kind = "run_finished"
)

// Record is one fact about the run. Records are values: the log hands out
// copies and never mutates a record after it is appended.
type Record struct {
	Seq  int64     `json:"seq"`
	Time time.Time `json:"time"`
	Kind Kind      `json:"kind"`

	// Cell is empty for run-level records; Index is then -1.
	Cell  string          `json:"cell,omitempty"`
	Index int             `json:"index"`
	Phase cellstate.Phase `json:"phase,omitempty"`
	From  cellstate.State `json:"from,omitempty"`
	To    cellstate.State `json:"to,omitempty"`

	// Reason is a stable, machine-parsable reason code with details, e.g.
	// "size_below_threshold: got=1200 min=400000".
	Reason  string `json:"reason,omitempty"`
	LogPath string `json:"log,omitempty"`

	Build    *BuildDetail    `json:"build,omitempty"`
	Artifact *ArtifactDetail `json:"artifact,omitempty"`
	Test     *TestDetail     `json:"test,omitempty"`
	Timing   *TimingDetail   `json:"timing,omitempty"`
	Run      *RunDetail      `json:"run,omitempty"`
}

// BuildDetail carries the toolchain outcome.
type BuildDetail struct {
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Attempts int    `json:"attempts"`
	Output   string `json:"output,omitempty"`
}

// ArtifactDetail describes a staged artifact.
type ArtifactDetail struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash,omitempty"`
	Rule string `json:"rule,omitempty"`
}

// TestDetail carries the vector runner's result. VectorIndex is -1 unless a
// specific record failed.
type TestDetail struct {
	VectorIndex int      `json:"vector_index"`
	Count       int      `json:"count,omitempty"`
	Field       string   `json:"field,omitempty"`
	Vectors     int      `json:"vectors"`
	Coverage    []string `json:"coverage,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// TimingDetail carries benchmark samples in nanoseconds.
type TimingDetail struct {
	Samples []int64 `json:"samples_ns"`
	P50     int64   `json:"p50_ns"`
	P95     int64   `json:"p95_ns"`
	Source  string  `json:"source,omitempty"`
}

// RunDetail describes the run on run-level records.
type RunDetail struct {
	ID           string `json:"id"`
	MatrixHash   string `json:"matrix_hash,omitempty"`
	Cells        int    `json:"cells,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	OverrideGate bool   `json:"override_gate,omitempty"`
	Interrupted  bool   `json:"interrupted,omitempty"`
}

// IsRunLevel reports whether the record describes the run, not a cell.
func (r Record) IsRunLevel() bool {
	return r.Kind == KindRunStarted || r.Kind == KindRunFinished
}

// Sort orders records canonically: run-level starts first, then cells in
// matrix order, each cell's records in append order, run-level finishes last.
// The input is not modified.
func Sort(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.Seq < b.Seq
	})
	return out
}

func kindOrder(k Kind) int {
	switch k {
	case KindRunStarted:
		return 0
	case KindRunFinished:
		return 2
	default:
		return 1
	}
}
