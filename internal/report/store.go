package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File names written under the reports directory.
const (
	MarkdownFile    = "report.md"
	JSONFile        = "report.json"
	GateFile        = "gate.json"
	ErrorReportFile = "ERROR_REPORT.md"
)

// Store writes report files under one directory. Every write is atomic and
// durable (file sync, rename, directory sync), so readers never observe a
// half-written report.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("report: directory is required")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the reports directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the location of a report file.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Reset removes report files left by a previous run so a stale
// ERROR_REPORT.md is never mistaken for this run's.
func (s *Store) Reset() error {
	for _, name := range []string{MarkdownFile, JSONFile, GateFile, ErrorReportFile} {
		if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("report: reset %s: %w", name, err)
		}
	}
	return nil
}

// WriteAll renders and persists report.md, report.json and gate.json.
func (s *Store) WriteAll(r Report) error {
	if err := ensureDirDurable(s.dir, 0o755); err != nil {
		return fmt.Errorf("report: ensure dir: %w", err)
	}
	data, err := jsonMarshalStable(r)
	if err != nil {
		return fmt.Errorf("report: marshal report: %w", err)
	}
	if err := writeFileAtomicDurable(s.Path(JSONFile), data, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", JSONFile, err)
	}
	data, err = jsonMarshalStable(GateSummaryOf(r))
	if err != nil {
		return fmt.Errorf("report: marshal gate: %w", err)
	}
	if err := writeFileAtomicDurable(s.Path(GateFile), data, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", GateFile, err)
	}
	if err := writeFileAtomicDurable(s.Path(MarkdownFile), RenderMarkdown(r), 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", MarkdownFile, err)
	}
	return nil
}

// LoadJSON reads a previously written report.json.
func (s *Store) LoadJSON() (Report, error) {
	var r Report
	if err := readJSONStrict(s.Path(JSONFile), &r); err != nil {
		return Report{}, fmt.Errorf("report: load %s: %w", JSONFile, err)
	}
	return r, nil
}

// LoadGate reads a previously written gate.json.
func (s *Store) LoadGate() (GateSummary, error) {
	var g GateSummary
	if err := readJSONStrict(s.Path(GateFile), &g); err != nil {
		return GateSummary{}, fmt.Errorf("report: load %s: %w", GateFile, err)
	}
	return g, nil
}

// WriteErrorReport persists ERROR_REPORT.md.
func (s *Store) WriteErrorReport(e ErrorReport) error {
	data, err := e.Render()
	if err != nil {
		return err
	}
	if err := ensureDirDurable(s.dir, 0o755); err != nil {
		return fmt.Errorf("report: ensure dir: %w", err)
	}
	if err := writeFileAtomicDurable(s.Path(ErrorReportFile), data, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", ErrorReportFile, err)
	}
	return nil
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	if parent := filepath.Dir(dir); parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
