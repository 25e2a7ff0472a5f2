// Package gate decides whether a pipeline phase may proceed. A phase is
// unblocked when every cell it targets has finished with zero blocking
// failures, or when the operator overrides the gate; an override is always
// reported.
package gate

import (
	"slices"

	"pqmatrix/internal/cellstate"
	"pqmatrix/internal/matrix"
)

// Target names a phase and the cells it depends on. Empty selectors match
// every cell. Override unblocks this phase alone.
type Target struct {
	Phase      string
	Algorithms []string
	Platforms  []string
	Profiles   []string
	Override   bool
}

// Matches reports whether the target depends on cell.
func (t Target) Matches(cell matrix.Cell) bool {
	return selects(t.Algorithms, cell.Variant.ID()) &&
		selects(t.Platforms, cell.Platform.ID) &&
		selects(t.Profiles, cell.Profile.Name)
}

func selects(list []string, id string) bool {
	return len(list) == 0 || slices.Contains(list, id)
}

// Decision is the evaluated state of one gate.
type Decision struct {
	Phase      string   `json:"phase"`
	Satisfied  bool     `json:"satisfied"`
	Overridden bool     `json:"overridden,omitempty"`
	Unblocked  bool     `json:"unblocked"`
	Targeted   int      `json:"targeted"`
	Finished   int      `json:"finished"`
	Blocking   []string `json:"blocking,omitempty"`
	Unfinished []string `json:"unfinished,omitempty"`
}

// Evaluate checks a dependent phase against the cells' outcome states. cells
// must be in matrix order; the decision lists cell ids in that order.
func Evaluate(t Target, cells []matrix.Cell, outcome func(cellID string) cellstate.State, override bool) Decision {
	d := Decision{Phase: t.Phase}
	for _, c := range cells {
		if !t.Matches(c) {
			continue
		}
		d.Targeted++
		s := outcome(c.ID())
		if !cellstate.IsTerminal(s) {
			d.Unfinished = append(d.Unfinished, c.ID())
			continue
		}
		d.Finished++
		if cellstate.IsBlocking(s) {
			d.Blocking = append(d.Blocking, c.ID())
		}
	}
	d.settle(override || t.Override)
	return d
}

// EvaluatePhase checks a built-in pipeline phase. Its exit gate is satisfied
// once every cell has moved past the phase (or stopped) and no cell failed
// in this phase or an earlier one.
func EvaluatePhase(p cellstate.Phase, cells []matrix.Cell, outcome func(cellID string) cellstate.State, override bool) Decision {
	d := Decision{Phase: string(p)}
	limit := phaseIndex(p)
	for _, c := range cells {
		d.Targeted++
		s := outcome(c.ID())
		if !cellstate.IsTerminal(s) && phaseIndex(cellstate.PhaseOf(s)) <= limit && !finishedPhase(s, p) {
			d.Unfinished = append(d.Unfinished, c.ID())
			continue
		}
		d.Finished++
		if cellstate.IsBlocking(s) && phaseIndex(cellstate.PhaseOf(s)) <= limit {
			d.Blocking = append(d.Blocking, c.ID())
		}
	}
	d.settle(override)
	return d
}

func (d *Decision) settle(override bool) {
	d.Satisfied = len(d.Unfinished) == 0 && len(d.Blocking) == 0
	d.Overridden = override && !d.Satisfied
	d.Unblocked = d.Satisfied || override
}

// finishedPhase reports whether s is the successful outcome of phase p.
func finishedPhase(s cellstate.State, p cellstate.Phase) bool {
	switch p {
	case cellstate.PhaseBuild:
		return s == cellstate.Built
	case cellstate.PhaseVerify:
		return s == cellstate.Verified
	default:
		return false
	}
}

func phaseIndex(p cellstate.Phase) int {
	if p == "" {
		return -1
	}
	return slices.Index(cellstate.Phases(), p)
}
