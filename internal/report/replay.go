package report

import (
	"pqmatrix/internal/events"
	"pqmatrix/internal/gate"
	"pqmatrix/internal/matrix"
)

// Replay rebuilds every report file from a persisted event log, replacing
// whatever the directory held. ERROR_REPORT.md is regenerated only when the
// log contains a blocking transition.
func Replay(store *Store, records []events.Record, cells []matrix.Cell, targets []gate.Target) (Report, error) {
	r, err := Build(records, cells, targets)
	if err != nil {
		return Report{}, err
	}
	if err := store.Reset(); err != nil {
		return Report{}, err
	}
	if err := store.WriteAll(r); err != nil {
		return Report{}, err
	}
	if rec, ok := FirstBlocking(records); ok {
		var cell matrix.Cell
		for _, c := range cells {
			if c.ID() == rec.Cell {
				cell = c
				break
			}
		}
		if err := store.WriteErrorReport(ErrorReportFor(r.RunID, rec, cell)); err != nil {
			return Report{}, err
		}
	}
	return r, nil
}
