package kat

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pqmatrix/internal/matrix"
)

// ErrNoVectorSource means the variant has no vector directory or the
// directory holds no response files.
var ErrNoVectorSource = errors.New("kat: no vector source")

// FileExt is the extension of response files inside a vector directory.
const FileExt = ".rsp"

// SeedSize is the entropy input length of a PQCgenKAT seed.
const SeedSize = 48

// Location identifies a record inside the vector set.
type Location struct {
	File  string `json:"file"`
	Line  int    `json:"line"`
	Count int    `json:"count"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d (count = %d)", filepath.Base(l.File), l.Line, l.Count)
}

// KEMVector is one ML-KEM style record.
type KEMVector struct {
	Location
	Seed []byte
	PK   []byte
	SK   []byte
	CT   []byte
	SS   []byte
}

// SignatureVector is one signature record. Sig is the detached signature;
// files that only carry the attached "sm" form have the message suffix
// stripped.
type SignatureVector struct {
	Location
	Seed []byte
	Msg  []byte
	PK   []byte
	SK   []byte
	Sig  []byte
}

// Set is the ordered vector list of one variant. Exactly one of KEM or
// Signatures is populated.
type Set struct {
	Kind       matrix.Kind
	Dir        string
	Files      []string
	KEM        []KEMVector
	Signatures []SignatureVector
}

// Len returns the number of records in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	if s.Kind == matrix.KindKEM {
		return len(s.KEM)
	}
	return len(s.Signatures)
}

// Load reads every response file in dir in lexical order. limit > 0 keeps only
// the first limit records. A missing or empty directory yields
// ErrNoVectorSource; malformed files yield a *ParseError.
func Load(dir string, kind matrix.Kind, limit int) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoVectorSource, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("read vector dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), FileExt) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no %s files in %s", ErrNoVectorSource, FileExt, dir)
	}

	set := &Set{Kind: kind, Dir: dir, Files: files}
	for _, path := range files {
		if limit > 0 && set.Len() >= limit {
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read vectors: %w", err)
		}
		records, err := ParseRSP(bytes.NewReader(data), path)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if limit > 0 && set.Len() >= limit {
				break
			}
			if err := set.add(rec); err != nil {
				return nil, err
			}
		}
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("%w: no records in %s", ErrNoVectorSource, dir)
	}
	return set, nil
}

func (s *Set) add(rec Record) error {
	loc := Location{File: rec.File, Line: rec.Line, Count: rec.Count}
	fail := func(format string, args ...any) error {
		return &ParseError{File: rec.File, Line: rec.Line, Msg: fmt.Sprintf(format, args...)}
	}
	need := func(key string) ([]byte, error) {
		b, ok, err := rec.Fields.Bytes(key)
		if err != nil {
			return nil, fail("%v", err)
		}
		if !ok {
			return nil, fail("count %d: missing field %q (have %s)", rec.Count, key, strings.Join(rec.Fields.SortedKeys(), ", "))
		}
		return b, nil
	}

	seed, err := need("seed")
	if err != nil {
		return err
	}
	if len(seed) != SeedSize {
		return fail("count %d: seed is %d bytes, want %d", rec.Count, len(seed), SeedSize)
	}

	switch s.Kind {
	case matrix.KindKEM:
		v := KEMVector{Location: loc, Seed: seed}
		for _, f := range []struct {
			key string
			dst *[]byte
		}{{"pk", &v.PK}, {"sk", &v.SK}, {"ct", &v.CT}, {"ss", &v.SS}} {
			if *f.dst, err = need(f.key); err != nil {
				return err
			}
		}
		s.KEM = append(s.KEM, v)
	case matrix.KindSignature:
		v := SignatureVector{Location: loc, Seed: seed}
		for _, f := range []struct {
			key string
			dst *[]byte
		}{{"msg", &v.Msg}, {"pk", &v.PK}, {"sk", &v.SK}} {
			if *f.dst, err = need(f.key); err != nil {
				return err
			}
		}
		if mlen, ok, err := rec.Fields.Int("mlen"); err != nil {
			return fail("%v", err)
		} else if ok && mlen != len(v.Msg) {
			return fail("count %d: mlen = %d but msg is %d bytes", rec.Count, mlen, len(v.Msg))
		}
		if sig, ok, err := rec.Fields.Bytes("sig"); err != nil {
			return fail("%v", err)
		} else if ok {
			v.Sig = sig
		} else {
			sm, err := need("sm")
			if err != nil {
				return err
			}
			if !bytes.HasSuffix(sm, v.Msg) || len(sm) == len(v.Msg) {
				return fail("count %d: sm does not end with msg", rec.Count)
			}
			v.Sig = sm[:len(sm)-len(v.Msg)]
		}
		s.Signatures = append(s.Signatures, v)
	default:
		return fail("unsupported kind %q", s.Kind)
	}
	return nil
}
