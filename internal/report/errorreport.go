package report

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pqmatrix/internal/cellstate"
	"pqmatrix/internal/events"
	"pqmatrix/internal/logging"
	"pqmatrix/internal/matrix"
)

// ErrorReport describes the first blocking failure of a run. It is rendered
// as ERROR_REPORT.md: YAML front matter followed by prose.
type ErrorReport struct {
	Timestamp time.Time       `yaml:"timestamp"`
	RunID     string          `yaml:"run_id"`
	Cell      string          `yaml:"cell"`
	Variant   string          `yaml:"variant"`
	Platform  string          `yaml:"platform"`
	Profile   string          `yaml:"profile"`
	Phase     cellstate.Phase `yaml:"phase"`
	State     cellstate.State `yaml:"state"`
	Reason    string          `yaml:"reason"`
	Log       string          `yaml:"log,omitempty"`

	// Output is the captured build output tail, shown in the prose only.
	Output string `yaml:"-"`
}

const frontMatterDelim = "---\n"

// Render produces the ERROR_REPORT.md bytes.
func (e ErrorReport) Render() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(frontMatterDelim)
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("report: encode error report front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("report: encode error report front matter: %w", err)
	}
	b.WriteString(frontMatterDelim)

	fmt.Fprintf(&b, "\n# Blocking failure: %s\n\n", e.Cell)
	fmt.Fprintf(&b, "Cell `%s` (%s on %s, profile %s) stopped in the %s phase as %s.\n\n",
		e.Cell, e.Variant, e.Platform, e.Profile, e.Phase, e.State)
	fmt.Fprintf(&b, "Reason: `%s`\n", e.Reason)
	if e.Log != "" {
		fmt.Fprintf(&b, "\nFull log: `%s`\n", e.Log)
	}
	if out := strings.TrimRight(e.Output, "\n"); out != "" {
		fmt.Fprintf(&b, "\n## Captured output (tail)\n\n```\n%s\n```\n", out)
	}
	b.WriteString("\nOther cells kept running; see report.md for the full matrix.\n")
	return b.Bytes(), nil
}

// ParseErrorReport reads the front matter of an ERROR_REPORT.md.
func ParseErrorReport(data []byte) (ErrorReport, error) {
	rest, ok := bytes.CutPrefix(data, []byte(frontMatterDelim))
	if !ok {
		return ErrorReport{}, errors.New("report: error report has no front matter")
	}
	end := bytes.Index(rest, []byte("\n"+frontMatterDelim))
	if end < 0 {
		return ErrorReport{}, errors.New("report: error report front matter is not terminated")
	}
	var e ErrorReport
	dec := yaml.NewDecoder(bytes.NewReader(rest[:end+1]))
	dec.KnownFields(true)
	if err := dec.Decode(&e); err != nil {
		return ErrorReport{}, fmt.Errorf("report: decode error report front matter: %w", err)
	}
	return e, nil
}

// ErrorReportFor describes a blocking transition record.
func ErrorReportFor(runID string, rec events.Record, cell matrix.Cell) ErrorReport {
	e := ErrorReport{
		Timestamp: rec.Time.UTC(),
		RunID:     runID,
		Cell:      rec.Cell,
		Variant:   cell.Variant.ID(),
		Platform:  cell.Platform.ID,
		Profile:   cell.Profile.Name,
		Phase:     rec.Phase,
		State:     rec.To,
		Reason:    rec.Reason,
		Log:       rec.LogPath,
	}
	if rec.Build != nil {
		e.Output = rec.Build.Output
	}
	return e
}

// FirstBlocking returns the earliest blocking transition in append order.
func FirstBlocking(records []events.Record) (events.Record, bool) {
	ordered := slices.SortedFunc(slices.Values(records), func(a, b events.Record) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	for _, r := range ordered {
		if r.Kind == events.KindTransition && cellstate.IsBlocking(r.To) {
			return r, true
		}
	}
	return events.Record{}, false
}

// RunIDOf returns the run id recorded by run_started, if any.
func RunIDOf(records []events.Record) string {
	for _, r := range records {
		if r.Kind == events.KindRunStarted && r.Run != nil {
			return r.Run.ID
		}
	}
	return ""
}

// ErrorReporter is an event sink that writes ERROR_REPORT.md on the first
// blocking transition of the run and ignores every later one.
type ErrorReporter struct {
	store  *Store
	cells  map[string]matrix.Cell
	logger *zap.Logger

	mu      sync.Mutex
	runID   string
	written bool
}

func NewErrorReporter(store *Store, cells []matrix.Cell, logger *zap.Logger) *ErrorReporter {
	byID := make(map[string]matrix.Cell, len(cells))
	for _, c := range cells {
		byID[c.ID()] = c
	}
	return &ErrorReporter{store: store, cells: byID, logger: logging.OrNop(logger)}
}

func (e *ErrorReporter) Write(r events.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.Kind == events.KindRunStarted && r.Run != nil {
		e.runID = r.Run.ID
		return nil
	}
	if e.written || r.Kind != events.KindTransition || !cellstate.IsBlocking(r.To) {
		return nil
	}
	e.written = true
	er := ErrorReportFor(e.runID, r, e.cells[r.Cell])
	if err := e.store.WriteErrorReport(er); err != nil {
		return err
	}
	e.logger.Warn("error report written",
		zap.String("path", e.store.Path(ErrorReportFile)),
		zap.String("cell", r.Cell),
		zap.String("reason", r.Reason))
	return nil
}

func (e *ErrorReporter) Close() error { return nil }

// Written reports whether the error report has been emitted.
func (e *ErrorReporter) Written() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.written
}
