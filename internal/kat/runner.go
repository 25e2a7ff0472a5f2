package kat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"pqmatrix/internal/matrix"
)

// Status is the closed outcome set of the test phase.
type Status string

const (
	StatusPass      Status = "PASS"
	StatusFail      Status = "FAIL"
	StatusNoVectors Status = "NO_VECTORS"
)

// Fields reported on failure besides the compared outputs.
const (
	FieldVectors        = "vectors"
	FieldHarness        = "harness"
	FieldSSDecap        = "ss_decap"
	FieldDecaps         = "decaps_ss"
	FieldVerify         = "verify"
	FieldVerifyNegative = "verify_negative"
)

// NoVectors reasons.
const (
	ReasonNoVectorSource     = "no_vector_source"
	ReasonNoHarness          = "no_harness"
	ReasonHarnessUnsupported = "harness_unsupported"
)

// Coverage notes attached to passing results.
const (
	CoverageNoDecaps   = "independent_decaps_uncovered"
	CoverageNoNegative = "negative_verify_uncovered"
)

// Result is the outcome of RunVectors. Index is the 0-based position of the
// failing record in the set, or -1 when the failure is not tied to a record.
type Result struct {
	Status   Status   `json:"status"`
	Index    int      `json:"index"`
	Count    int      `json:"count,omitempty"`
	Field    string   `json:"field,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Vectors  int      `json:"vectors"`
	Coverage []string `json:"coverage,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// Source supplies the vector set of a variant.
type Source interface {
	Vectors(v matrix.AlgorithmVariant) (*Set, error)
}

// DirSource loads vectors from per-variant directories and caches each set,
// since every cell of a variant shares it. It is safe for concurrent use.
type DirSource struct {
	Dir   func(matrix.AlgorithmVariant) string
	Limit func(matrix.AlgorithmVariant) int

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	set *Set
	err error
}

// Vectors implements Source.
func (s *DirSource) Vectors(v matrix.AlgorithmVariant) (*Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cache[v.ID()]; ok {
		return c.set, c.err
	}
	limit := 0
	if s.Limit != nil {
		limit = s.Limit(v)
	}
	set, err := Load(s.Dir(v), v.Kind, limit)
	if s.cache == nil {
		s.cache = map[string]cached{}
	}
	s.cache[v.ID()] = cached{set: set, err: err}
	return set, err
}

// Runner drives known-answer vectors through a cell's harness.
type Runner struct {
	Opener Opener
	Logger *zap.Logger
}

// RunVectors runs every record of the cell's vector set and stops at the first
// mismatch. It holds no state between calls, so repeated runs against an
// unchanged artifact give identical results.
func (r *Runner) RunVectors(ctx context.Context, cell matrix.Cell, artifactPath string, vectors Source) Result {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("cell", cell.ID()))

	set, err := vectors.Vectors(cell.Variant)
	switch {
	case errors.Is(err, ErrNoVectorSource):
		return noVectors(ReasonNoVectorSource, err)
	case err != nil:
		return Result{Status: StatusFail, Index: -1, Field: FieldVectors, Reason: fmt.Sprintf("vector_parse_error: %v", err)}
	}

	if r.Opener == nil {
		return noVectors(ReasonNoHarness, nil)
	}
	h, err := r.Opener.Open(cell, artifactPath)
	switch {
	case errors.Is(err, ErrNoHarness):
		return noVectors(ReasonNoHarness, nil)
	case errors.Is(err, ErrUnsupported):
		return noVectors(ReasonHarnessUnsupported, err)
	case err != nil:
		return Result{Status: StatusFail, Index: -1, Field: FieldHarness, Reason: fmt.Sprintf("harness_unavailable: %v", err)}
	}

	var res Result
	if set.Kind == matrix.KindKEM {
		res = r.runKEM(ctx, h, set)
	} else {
		res = r.runSignatures(ctx, h, set)
	}
	res.Source = set.Dir
	if res.Status == StatusFail {
		logger.Debug("vector mismatch", zap.Int("index", res.Index), zap.String("field", res.Field))
	}
	return res
}

func noVectors(reason string, err error) Result {
	r := Result{Status: StatusNoVectors, Index: -1, Reason: reason}
	if err != nil {
		r.Reason = fmt.Sprintf("%s: %v", reason, err)
	}
	return r
}

type comparison struct {
	field     string
	got, want []byte
}

func firstMismatch(cs ...comparison) (comparison, int, bool) {
	for _, c := range cs {
		if !bytes.Equal(c.got, c.want) {
			return c, mismatchOffset(c.got, c.want), true
		}
	}
	return comparison{}, 0, false
}

func mismatchOffset(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func fail(i int, loc Location, field, reason string) Result {
	return Result{Status: StatusFail, Index: i, Count: loc.Count, Field: field, Reason: reason, Vectors: i + 1}
}

func mismatch(i int, loc Location, c comparison, offset int) Result {
	return fail(i, loc, c.field, fmt.Sprintf("mismatch: field=%s index=%d offset=%d got_len=%d want_len=%d at=%s",
		c.field, i, offset, len(c.got), len(c.want), loc))
}

func harnessFailure(i int, loc Location, op string, err error) Result {
	return fail(i, loc, FieldHarness, fmt.Sprintf("harness_error: op=%s index=%d: %v", op, i, err))
}

func (r *Runner) runKEM(ctx context.Context, h Harness, set *Set) Result {
	var coverage []string
	for i, v := range set.KEM {
		out, err := h.KEM(ctx, v.Seed)
		if errors.Is(err, ErrUnsupported) {
			return noVectors(ReasonHarnessUnsupported, err)
		}
		if err != nil {
			return harnessFailure(i, v.Location, "kem", err)
		}
		if c, off, bad := firstMismatch(
			comparison{"pk", out.PK, v.PK},
			comparison{"sk", out.SK, v.SK},
			comparison{"ct", out.CT, v.CT},
			comparison{"ss", out.SS, v.SS},
		); bad {
			return mismatch(i, v.Location, c, off)
		}
		if out.SSDecap != nil {
			if c, off, bad := firstMismatch(comparison{FieldSSDecap, out.SSDecap, v.SS}); bad {
				return mismatch(i, v.Location, c, off)
			}
		}

		if slices.Contains(coverage, CoverageNoDecaps) {
			continue
		}
		ss, err := h.Decapsulate(ctx, v.SK, v.CT)
		switch {
		case errors.Is(err, ErrUnsupported):
			coverage = append(coverage, CoverageNoDecaps)
		case err != nil:
			return harnessFailure(i, v.Location, "decaps", err)
		default:
			if c, off, bad := firstMismatch(comparison{FieldDecaps, ss, v.SS}); bad {
				return mismatch(i, v.Location, c, off)
			}
		}
	}
	return Result{Status: StatusPass, Index: -1, Vectors: len(set.KEM), Coverage: coverage}
}

func (r *Runner) runSignatures(ctx context.Context, h Harness, set *Set) Result {
	var coverage []string
	for i, v := range set.Signatures {
		out, err := h.Sign(ctx, v.Seed, v.Msg)
		if errors.Is(err, ErrUnsupported) {
			return noVectors(ReasonHarnessUnsupported, err)
		}
		if err != nil {
			return harnessFailure(i, v.Location, "sign", err)
		}
		if c, off, bad := firstMismatch(
			comparison{"pk", out.PK, v.PK},
			comparison{"sk", out.SK, v.SK},
			comparison{"sig", out.Sig, v.Sig},
		); bad {
			return mismatch(i, v.Location, c, off)
		}

		if slices.Contains(coverage, CoverageNoNegative) {
			continue
		}
		ok, err := h.Verify(ctx, v.PK, v.Msg, v.Sig)
		switch {
		case errors.Is(err, ErrUnsupported):
			coverage = append(coverage, CoverageNoNegative)
			continue
		case err != nil:
			return harnessFailure(i, v.Location, "verify", err)
		case !ok:
			return fail(i, v.Location, FieldVerify, fmt.Sprintf("verify_rejected: index=%d at=%s", i, v.Location))
		}

		ok, err = h.Verify(ctx, v.PK, v.Msg, Corrupt(v.Sig))
		if err != nil {
			return harnessFailure(i, v.Location, "verify", err)
		}
		if ok {
			return fail(i, v.Location, FieldVerifyNegative, fmt.Sprintf("corrupted_signature_accepted: index=%d at=%s", i, v.Location))
		}
	}
	return Result{Status: StatusPass, Index: -1, Vectors: len(set.Signatures), Coverage: coverage}
}

// Corrupt returns a copy of sig with the low bit of its middle byte flipped.
func Corrupt(sig []byte) []byte {
	out := bytes.Clone(sig)
	if len(out) == 0 {
		return []byte{0x01}
	}
	out[len(out)/2] ^= 0x01
	return out
}
