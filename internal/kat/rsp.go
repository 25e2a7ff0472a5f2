package kat

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Field is one "key = value" line of a response file.
type Field struct {
	Key   string
	Value string
	Line  int
}

// Fields is an ordered key/value block.
type Fields []Field

// Get returns the raw value of key.
func (fs Fields) Get(key string) (string, bool) {
	for _, f := range fs {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Bytes hex-decodes the value of key. A present but empty value decodes to an
// empty, non-nil slice.
func (fs Fields) Bytes(key string) ([]byte, bool, error) {
	v, ok := fs.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, err := decodeHex(v)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", key, err)
	}
	return b, true, nil
}

// Int parses the decimal value of key.
func (fs Fields) Int(key string) (int, bool, error) {
	v, ok := fs.Get(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// ParseError locates a malformed line in a response file.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Record is one "count = N" block of a NIST .rsp file.
type Record struct {
	File   string
	Line   int
	Count  int
	Fields Fields
}

// ReadFields reads "key = value" lines, skipping blank lines, "#" comments and
// "[section]" headers. Keys are lower-cased.
func ReadFields(r io.Reader, name string) (Fields, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var out Fields
	line := 0
	for sc.Scan() {
		line++
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasPrefix(l, "#") || (strings.HasPrefix(l, "[") && strings.HasSuffix(l, "]")) {
			continue
		}
		key, value, ok := strings.Cut(l, "=")
		if !ok {
			return nil, &ParseError{File: name, Line: line, Msg: fmt.Sprintf("expected key = value, got %q", truncate(l, 40))}
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, &ParseError{File: name, Line: line, Msg: "empty key"}
		}
		out = append(out, Field{Key: key, Value: strings.TrimSpace(value), Line: line})
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{File: name, Line: line, Msg: err.Error()}
	}
	return out, nil
}

// ParseRSP splits a response file into records. Every field must belong to a
// record; keys may not repeat within one record.
func ParseRSP(r io.Reader, name string) ([]Record, error) {
	fields, err := ReadFields(r, name)
	if err != nil {
		return nil, err
	}
	var records []Record
	var cur *Record
	seen := map[string]bool{}
	for _, f := range fields {
		if f.Key == "count" {
			n, err := strconv.Atoi(f.Value)
			if err != nil {
				return nil, &ParseError{File: name, Line: f.Line, Msg: fmt.Sprintf("count %q is not a number", f.Value)}
			}
			records = append(records, Record{File: name, Line: f.Line, Count: n})
			cur = &records[len(records)-1]
			seen = map[string]bool{}
			continue
		}
		if cur == nil {
			return nil, &ParseError{File: name, Line: f.Line, Msg: fmt.Sprintf("field %q before first count", f.Key)}
		}
		if seen[f.Key] {
			return nil, &ParseError{File: name, Line: f.Line, Msg: fmt.Sprintf("duplicate field %q in count %d", f.Key, cur.Count)}
		}
		seen[f.Key] = true
		cur.Fields = append(cur.Fields, f)
	}
	return records, nil
}

// WriteFields writes key/value pairs in the given order. Byte values are
// upper-case hex, matching NIST files.
func WriteFields(w io.Writer, pairs ...any) error {
	if len(pairs)%2 != 0 {
		return fmt.Errorf("WriteFields: odd number of arguments")
	}
	bw := bufio.NewWriter(w)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return fmt.Errorf("WriteFields: key %d is %T, want string", i/2, pairs[i])
		}
		var value string
		switch v := pairs[i+1].(type) {
		case []byte:
			value = strings.ToUpper(hex.EncodeToString(v))
		case int:
			value = strconv.Itoa(v)
		case string:
			value = v
		default:
			return fmt.Errorf("WriteFields: %s has unsupported type %T", key, v)
		}
		if value == "" {
			fmt.Fprintf(bw, "%s =\n", key)
		} else {
			fmt.Fprintf(bw, "%s = %s\n", key, value)
		}
	}
	return bw.Flush()
}

// SortedKeys lists the distinct keys in a block, for error messages.
func (fs Fields) SortedKeys() []string {
	set := map[string]bool{}
	for _, f := range fs {
		set[f.Key] = true
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return []byte{}, nil
	}
	return hex.DecodeString(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
