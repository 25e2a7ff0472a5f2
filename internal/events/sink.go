package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"pqmatrix/internal/cellstate"
)

// FileName is the event log's name inside the reports directory.
const FileName = "events.jsonl"

// JSONLSink streams records to a file, one JSON object per line.
type JSONLSink struct {
	f *os.File
	w *bufio.Writer
}

// CreateJSONL creates (or truncates) path for a new run.
func CreateJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create event log: %w", err)
	}
	return &JSONLSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *JSONLSink) Write(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return err
	}
	// Flush per record so a crashed run still leaves a usable log.
	return s.w.Flush()
}

func (s *JSONLSink) Close() error {
	ferr := s.w.Flush()
	serr := s.f.Sync()
	cerr := s.f.Close()
	return errors.Join(ferr, serr, cerr)
}

// ReadJSONL decodes a persisted event log. Unknown fields are rejected so a
// log from an incompatible version fails loudly.
func ReadJSONL(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var out []Record
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("event log line %d: %w", line, err)
		}
		if rec.Kind == "" {
			return nil, fmt.Errorf("event log line %d: kind is required", line)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return out, nil
}

// LoadJSONL reads a persisted event log from path.
func LoadJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadJSONL(f)
}

// LoggerSink mirrors records into a zap logger: failures at warn, the rest
// at info.
type LoggerSink struct {
	Logger *zap.Logger
}

func (s LoggerSink) Write(r Record) error {
	fields := []zap.Field{zap.Int64("seq", r.Seq), zap.String("kind", string(r.Kind))}
	if r.Cell != "" {
		fields = append(fields, zap.String("cell", r.Cell), zap.String("phase", string(r.Phase)))
	}
	if r.To != "" {
		fields = append(fields, zap.String("state", string(r.To)))
	}
	if r.Reason != "" {
		fields = append(fields, zap.String("reason", r.Reason))
	}
	if r.LogPath != "" {
		fields = append(fields, zap.String("log", r.LogPath))
	}
	msg := "cell event"
	switch r.Kind {
	case KindRunStarted:
		msg = "run started"
	case KindRunFinished:
		msg = "run finished"
	}
	if cellstate.IsBlocking(r.To) {
		s.Logger.Warn(msg, fields...)
	} else {
		s.Logger.Info(msg, fields...)
	}
	return nil
}

func (LoggerSink) Close() error { return nil }
