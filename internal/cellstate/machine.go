package cellstate

import (
	"fmt"
	"sort"
	"sync"
)

// IsTerminal reports whether the cell is finished. Benchmarked annotates a
// terminal Tested state and is terminal too.
func IsTerminal(s State) bool {
	switch s {
	case BuildFailed, BuildSkipped, VerifyFailed, TestedPass, TestedFail, TestedNoVectors, Benchmarked:
		return true
	default:
		return false
	}
}

// IsBlocking reports whether the state counts against the gate. Skips and
// missing vectors are informational.
func IsBlocking(s State) bool {
	switch s {
	case BuildFailed, VerifyFailed, TestedFail:
		return true
	default:
		return false
	}
}

// IsBenchmarkable reports whether the benchmark phase may run from s.
func IsBenchmarkable(s State) bool {
	return s == TestedPass || s == TestedNoVectors
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case Pending:
		return to == Building
	case Building:
		return to == Built || to == BuildFailed || to == BuildSkipped
	case Built:
		return to == Verifying
	case Verifying:
		return to == Verified || to == VerifyFailed
	case Verified:
		return to == Testing
	case Testing:
		return to == TestedPass || to == TestedFail || to == TestedNoVectors
	case TestedPass, TestedNoVectors:
		return to == Benchmarked
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to State) bool { return isAllowedTransition(from, to) }

// Tracker holds the current state of every cell in a run. Safe for concurrent
// use; each cell is normally driven by a single worker.
type Tracker struct {
	mu     sync.Mutex
	states map[string]State
	// settled records the outcome a Benchmarked cell was tested with.
	settled map[string]State
}

// NewTracker starts every cell in Pending.
func NewTracker(cellIDs []string) *Tracker {
	t := &Tracker{states: make(map[string]State, len(cellIDs)), settled: map[string]State{}}
	for _, id := range cellIDs {
		t.states[id] = Pending
	}
	return t
}

// Transition moves a cell from the expected prior state to the next one. The
// state changes if and only if the transition is valid.
func (t *Tracker) Transition(cellID string, from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.states[cellID]
	if !ok {
		return fmt.Errorf("unknown cell in state: %q", cellID)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", cellID, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", cellID, from, to)
	}
	if to == Benchmarked {
		t.settled[cellID] = from
	}
	t.states[cellID] = to
	return nil
}

// State returns a cell's current state.
func (t *Tracker) State(cellID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[cellID]
	return s, ok
}

// Outcome is the state that decides a cell's result: for Benchmarked cells
// the Tested state it annotates, otherwise the current state.
func (t *Tracker) Outcome(cellID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.states[cellID]; s != Benchmarked {
		return s
	}
	return t.settled[cellID]
}

// AllTerminal reports whether every tracked cell is finished.
func (t *Tracker) AllTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.states {
		if !IsTerminal(s) {
			return false
		}
	}
	return true
}

// BlockingCount counts cells in a blocking failure state.
func (t *Tracker) BlockingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.states {
		if IsBlocking(s) {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all states, keyed by cell id.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Unfinished lists the ids of cells that are not terminal, sorted.
func (t *Tracker) Unfinished() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, s := range t.states {
		if !IsTerminal(s) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
