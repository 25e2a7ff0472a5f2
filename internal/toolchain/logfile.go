package toolchain

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pqmatrix/internal/clock"
)

// LogTimestampFormat is the ISO 8601 basic-format UTC timestamp that prefixes
// every attempt log name. It sorts lexically in time order.
const LogTimestampFormat = "20060102T150405.000000Z"

// LogFileName returns "<timestamp>-<cell-id>.log".
func LogFileName(t time.Time, cellID string) string {
	return t.UTC().Format(LogTimestampFormat) + "-" + cellID + ".log"
}

// AttemptLog is the log file of one build attempt. Writes are serialized; the
// file is created exclusively and never reopened.
type AttemptLog struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	started time.Time
}

// OpenAttemptLog creates a fresh log file for one attempt. If a file with the
// same timestamp already exists the timestamp is nudged forward, so an earlier
// attempt's log is never touched.
func OpenAttemptLog(dir, cellID string, c clock.Clock) (*AttemptLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ts := c.Now().UTC()
	for i := 0; i < 1000; i++ {
		path := filepath.Join(dir, LogFileName(ts, cellID))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			ts = ts.Add(time.Microsecond)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &AttemptLog{f: f, path: path, started: ts}, nil
	}
	return nil, fmt.Errorf("no free log name for %s in %s", cellID, dir)
}

func (l *AttemptLog) Path() string       { return l.path }
func (l *AttemptLog) Started() time.Time { return l.started }

func (l *AttemptLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Write(p)
}

// Header writes "# key: value" lines in key order followed by a blank line.
func (l *AttemptLog) Header(fields map[string]string) {
	l.writeFields("", fields)
}

// Footer writes a separator and "# key: value" lines in key order.
func (l *AttemptLog) Footer(fields map[string]string) {
	l.writeFields("\n# ----\n", fields)
}

func (l *AttemptLog) writeFields(prefix string, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l.mu.Lock()
	defer l.mu.Unlock()
	if prefix != "" {
		_, _ = l.f.WriteString(prefix)
	}
	for _, k := range keys {
		_, _ = fmt.Fprintf(l.f, "# %s: %s\n", k, fields[k])
	}
	if prefix == "" {
		_, _ = l.f.WriteString("\n")
	}
}

// Close flushes the file to disk and closes it.
func (l *AttemptLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	syncErr := l.f.Sync()
	closeErr := l.f.Close()
	l.f = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
