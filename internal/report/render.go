package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"pqmatrix/internal/gate"
)

// GateSummary is the content of gate.json: one decision per built-in phase,
// then one per configured dependent phase.
type GateSummary struct {
	RunID        string          `json:"run_id"`
	MatrixHash   string          `json:"matrix_hash"`
	OverrideGate bool            `json:"override_gate"`
	Blocking     int             `json:"blocking"`
	AllFinished  bool            `json:"all_finished"`
	Gates        []gate.Decision `json:"gates"`
}

// GateSummaryOf extracts the gate state from a report.
func GateSummaryOf(r Report) GateSummary {
	return GateSummary{
		RunID:        r.RunID,
		MatrixHash:   r.MatrixHash,
		OverrideGate: r.OverrideGate,
		Blocking:     r.Summary.Blocking,
		AllFinished:  r.Summary.Incomplete == 0,
		Gates:        append([]gate.Decision{}, r.Gates...),
	}
}

// RenderMarkdown renders report.md. The output depends only on r.
func RenderMarkdown(r Report) []byte {
	var b bytes.Buffer
	s := r.Summary

	b.WriteString("# PQC build matrix report\n\n")
	fmt.Fprintf(&b, "- Run: `%s`\n", r.RunID)
	fmt.Fprintf(&b, "- Matrix hash: `%s`\n", r.MatrixHash)
	if !r.Started.IsZero() {
		fmt.Fprintf(&b, "- Started: %s\n", r.Started.UTC().Format(time.RFC3339))
	}
	if !r.Finished.IsZero() {
		fmt.Fprintf(&b, "- Finished: %s\n", r.Finished.UTC().Format(time.RFC3339))
	}
	switch {
	case r.Interrupted:
		b.WriteString("- Status: **interrupted** (partial report)\n")
	case s.Blocking > 0:
		fmt.Fprintf(&b, "- Status: **failed** (%d blocking)\n", s.Blocking)
	default:
		b.WriteString("- Status: passed\n")
	}
	if r.OverrideGate {
		b.WriteString("\n> **Gate override in effect.** Dependent phases were unblocked regardless of failures.\n")
	}

	b.WriteString("\n## Summary\n\n")
	table(&b, []string{"Cells", "Passed", "No vectors", "Skipped", "Build failed", "Verify failed", "Test failed", "Incomplete", "Benchmarked"},
		[][]string{{itoa(s.Cells), itoa(s.Passed), itoa(s.NoVectors), itoa(s.Skipped), itoa(s.BuildFailed), itoa(s.VerifyFailed), itoa(s.TestFailed), itoa(s.Incomplete), itoa(s.Benchmarked)}})

	b.WriteString("\n## By variant and platform\n\n")
	rows := make([][]string, 0, len(r.Groups))
	for _, g := range r.Groups {
		rows = append(rows, []string{g.Variant, g.Platform, itoa(g.Passed), itoa(g.NoVectors), itoa(g.Skipped), itoa(g.Failed), itoa(g.Incomplete)})
	}
	table(&b, []string{"Variant", "Platform", "Passed", "No vectors", "Skipped", "Failed", "Incomplete"}, rows)

	b.WriteString("\n## Cells\n\n")
	rows = rows[:0]
	for _, c := range r.Cells {
		rows = append(rows, []string{code(c.ID), string(c.State), string(c.Class), c.Reason})
	}
	table(&b, []string{"Cell", "State", "Class", "Reason"}, rows)

	if len(r.Failures) > 0 {
		b.WriteString("\n## Failures\n\n")
		rows = rows[:0]
		for _, f := range r.Failures {
			rows = append(rows, []string{code(f.Cell), string(f.Phase), f.Reason, code(f.LogPath)})
		}
		table(&b, []string{"Cell", "Phase", "Reason", "Log"}, rows)
	}

	var incomplete []string
	for _, c := range r.Cells {
		if c.Class == ClassIncomplete {
			incomplete = append(incomplete, fmt.Sprintf("- `%s` (%s)\n", c.ID, c.State))
		}
	}
	if len(incomplete) > 0 {
		b.WriteString("\n## Incomplete cells\n\n")
		b.WriteString(strings.Join(incomplete, ""))
	}

	rows = rows[:0]
	for _, c := range r.Cells {
		if c.Timing != nil {
			rows = append(rows, []string{code(c.ID), itoa(len(c.Timing.Samples)), time.Duration(c.Timing.P50).String(), time.Duration(c.Timing.P95).String(), c.Timing.Source})
		}
	}
	if len(rows) > 0 {
		b.WriteString("\n## Benchmarks\n\n")
		table(&b, []string{"Cell", "Samples", "p50", "p95", "Source"}, rows)
	}

	var notes []string
	for _, c := range r.Cells {
		for _, n := range c.Notes {
			notes = append(notes, fmt.Sprintf("- `%s`: %s\n", c.ID, n))
		}
		if c.Test != nil {
			for _, n := range c.Test.Coverage {
				notes = append(notes, fmt.Sprintf("- `%s`: coverage: %s\n", c.ID, n))
			}
		}
	}
	if len(notes) > 0 {
		b.WriteString("\n## Notes\n\n")
		b.WriteString(strings.Join(notes, ""))
	}

	b.WriteString("\n## Gates\n\n")
	rows = rows[:0]
	for _, d := range r.Gates {
		state := "blocked"
		switch {
		case d.Overridden:
			state = "overridden"
		case d.Satisfied:
			state = "satisfied"
		}
		rows = append(rows, []string{d.Phase, state, fmt.Sprintf("%d/%d", d.Finished, d.Targeted), itoa(len(d.Blocking))})
	}
	table(&b, []string{"Phase", "Gate", "Finished", "Blocking"}, rows)
	return b.Bytes()
}

func table(b *bytes.Buffer, header []string, rows [][]string) {
	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat("---|", len(header)) + "\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = escapeCell(v)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func code(s string) string {
	if s == "" {
		return ""
	}
	return "`" + s + "`"
}

func itoa(n int) string { return fmt.Sprint(n) }
