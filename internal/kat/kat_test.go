package kat

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqmatrix/internal/matrix"
)

func TestDRBG_MatchesPQCgenKAT(t *testing.T) {
	d, err := NewDRBG(DefaultEntropy(), nil)
	require.NoError(t, err)
	got := d.Bytes(SeedSize)
	assert.Equal(t,
		"061550234D158C5EC95595FE04EF7A25767F2E24CC2BC479D09D86DC9ABCFDE7056A8C266F9EF97ED08541DBD2E1FFA1",
		strings.ToUpper(hex.EncodeToString(got)))

	_, err = NewDRBG(make([]byte, 32), nil)
	assert.Error(t, err)
}

func TestDRBG_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0xA5}, SeedSize)
	a, b := MustDRBG(seed), MustDRBG(seed)
	assert.Equal(t, a.Bytes(100), b.Bytes(100))
	assert.NotEqual(t, a.Bytes(32), MustDRBG(seed).Bytes(32), "output advances")
}

func TestParseRSP(t *testing.T) {
	in := `# ml-kem-768

count = 0
seed = 00FF
pk = AB

[section]
count = 1
seed =
pk = cd
`
	recs, err := ParseRSP(strings.NewReader(in), "a.rsp")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 0, recs[0].Count)
	assert.Equal(t, 3, recs[0].Line)
	seed, ok, err := recs[0].Fields.Bytes("seed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xFF}, seed)
	empty, ok, err := recs[1].Fields.Bytes("seed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, empty)

	bad := map[string]string{
		"field before count": "pk = 00\ncount = 0\n",
		"duplicate field":    "count = 0\npk = 00\npk = 01\n",
		"no equals":          "count = 0\njunk\n",
		"count not numeric":  "count = x\n",
	}
	for name, body := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRSP(strings.NewReader(body), "bad.rsp")
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "bad.rsp", pe.File)
			assert.Positive(t, pe.Line)
		})
	}
}

func TestWriteFieldsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFields(&buf, "count", 7, "seed", []byte{0xde, 0xad}, "msg", []byte{}))
	assert.Equal(t, "count = 7\nseed = DEAD\nmsg =\n", buf.String())
	assert.Error(t, WriteFields(&buf, "odd"))
}

// fakeHarness derives every output from the seed with sha256, which is enough
// to exercise the comparison logic without a real primitive.
type fakeHarness struct {
	noDecaps    bool
	noVerify    bool
	acceptAll   bool
	kemErrAt    int
	calls       int
	unsupported bool
}

func mix(parts ...[]byte) []byte {
	d := sha256.New()
	for _, p := range parts {
		d.Write(p)
	}
	return d.Sum(nil)
}

func (f *fakeHarness) KEM(_ context.Context, seed []byte) (KEMOutput, error) {
	f.calls++
	if f.unsupported {
		return KEMOutput{}, ErrUnsupported
	}
	if f.kemErrAt > 0 && f.calls == f.kemErrAt {
		return KEMOutput{}, errors.New("harness crashed")
	}
	sk := mix([]byte("sk"), seed)
	ct := mix([]byte("ct"), seed)
	ss := mix([]byte("ss"), sk, ct)
	return KEMOutput{PK: mix([]byte("pk"), sk), SK: sk, CT: ct, SS: ss, SSDecap: ss}, nil
}

func (f *fakeHarness) Decapsulate(_ context.Context, sk, ct []byte) ([]byte, error) {
	if f.noDecaps {
		return nil, ErrUnsupported
	}
	return mix([]byte("ss"), sk, ct), nil
}

func (f *fakeHarness) Sign(_ context.Context, seed, msg []byte) (SignOutput, error) {
	sk := mix([]byte("sk"), seed)
	pk := mix([]byte("pk"), sk)
	return SignOutput{PK: pk, SK: sk, Sig: mix([]byte("sig"), pk, msg)}, nil
}

func (f *fakeHarness) Verify(_ context.Context, pk, msg, sig []byte) (bool, error) {
	if f.noVerify {
		return false, ErrUnsupported
	}
	if f.acceptAll {
		return true, nil
	}
	return bytes.Equal(sig, mix([]byte("sig"), pk, msg)), nil
}

type fakeOpener struct {
	h   Harness
	err error
}

func (o fakeOpener) Open(matrix.Cell, string) (Harness, error) { return o.h, o.err }

type staticSource struct {
	set *Set
	err error
}

func (s staticSource) Vectors(matrix.AlgorithmVariant) (*Set, error) { return s.set, s.err }

var (
	kem768 = matrix.AlgorithmVariant{Family: "ml-kem", ParameterSet: "768", Kind: matrix.KindKEM}
	dsa65  = matrix.AlgorithmVariant{Family: "ml-dsa", ParameterSet: "65", Kind: matrix.KindSignature}
)

func cellFor(v matrix.AlgorithmVariant) matrix.Cell {
	return matrix.Cell{Variant: v, Platform: matrix.Platform{ID: "host"}, Profile: matrix.BuildProfile{Name: "speed"}}
}

// writeVectors generates n records with the fake harness into dir/<name>.
func writeVectors(t *testing.T, dir, name string, v matrix.AlgorithmVariant, n int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Generate(context.Background(), &buf, &fakeHarness{}, GenerateOptions{Variant: v, Count: n}))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeVectors(t, dir, "b.rsp", kem768, 2)
	writeVectors(t, dir, "a.rsp", kem768, 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not vectors"), 0o644))

	set, err := Load(dir, matrix.KindKEM, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, set.Len())
	assert.Equal(t, "a.rsp", filepath.Base(set.KEM[0].File))
	assert.Equal(t, "b.rsp", filepath.Base(set.KEM[3].File))
	assert.Equal(t, 0, set.KEM[3].Count)
	assert.Len(t, set.KEM[0].Seed, SeedSize)

	limited, err := Load(dir, matrix.KindKEM, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, limited.Len())

	_, err = Load(filepath.Join(dir, "absent"), matrix.KindKEM, 0)
	assert.ErrorIs(t, err, ErrNoVectorSource)
	_, err = Load(t.TempDir(), matrix.KindKEM, 0)
	assert.ErrorIs(t, err, ErrNoVectorSource)
}

func TestLoad_SignatureStripsAttachedMessage(t *testing.T) {
	dir := t.TempDir()
	writeVectors(t, dir, "kat.rsp", dsa65, 2)
	set, err := Load(dir, matrix.KindSignature, 0)
	require.NoError(t, err)
	require.Len(t, set.Signatures, 2)
	v := set.Signatures[1]
	assert.Len(t, v.Msg, 66)
	assert.Len(t, v.Sig, sha256.Size)
}

func TestLoad_RejectsMalformedRecords(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kat.rsp"), []byte("count = 0\nseed = 0011\npk = 00\n"), 0o644))
	_, err := Load(dir, matrix.KindKEM, 0)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Msg, "seed is 2 bytes")
}

func TestRunVectors_KEMPass(t *testing.T) {
	dir := t.TempDir()
	writeVectors(t, dir, "kat.rsp", kem768, 4)
	src := &DirSource{Dir: func(matrix.AlgorithmVariant) string { return dir }}
	r := &Runner{Opener: fakeOpener{h: &fakeHarness{}}}

	first := r.RunVectors(context.Background(), cellFor(kem768), "/artifact", src)
	assert.Equal(t, StatusPass, first.Status, first.Reason)
	assert.Equal(t, 4, first.Vectors)
	assert.Equal(t, -1, first.Index)
	assert.Equal(t, dir, first.Source)

	second := r.RunVectors(context.Background(), cellFor(kem768), "/artifact", src)
	assert.Equal(t, first, second)
}

func TestRunVectors_CorruptedSharedSecretFailsAtIndex(t *testing.T) {
	dir := t.TempDir()
	writeVectors(t, dir, "kat.rsp", kem768, 5)
	set, err := Load(dir, matrix.KindKEM, 0)
	require.NoError(t, err)
	set.KEM[3].SS[7] ^= 0x80

	r := &Runner{Opener: fakeOpener{h: &fakeHarness{}}}
	res := r.RunVectors(context.Background(), cellFor(kem768), "", staticSource{set: set})
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 3, res.Index)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, "ss", res.Field)
	assert.Contains(t, res.Reason, "mismatch: field=ss index=3 offset=7")
}

func TestRunVectors_IndependentDecapsulation(t *testing.T) {
	dir := t.TempDir()
	writeVectors(t, dir, "kat.rsp", kem768, 2)
	set, err := Load(dir, matrix.KindKEM, 0)
	require.NoError(t, err)

	r := &Runner{Opener: fakeOpener{h: &fakeHarness{noDecaps: true}}}
	res := r.RunVectors(context.Background(), cellFor(kem768), "", staticSource{set: set})
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, []string{CoverageNoDecaps}, res.Coverage)
}

func TestRunVectors_NoVectorsAndHarnessProblems(t *testing.T) {
	cell := cellFor(kem768)
	missing := &DirSource{Dir: func(matrix.AlgorithmVariant) string { return filepath.Join(t.TempDir(), "none") }}

	res := (&Runner{Opener: fakeOpener{h: &fakeHarness{}}}).RunVectors(context.Background(), cell, "", missing)
	assert.Equal(t, StatusNoVectors, res.Status)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonNoVectorSource), res.Reason)

	dir := t.TempDir()
	writeVectors(t, dir, "kat.rsp", kem768, 2)
	src := &DirSource{Dir: func(matrix.AlgorithmVariant) string { return dir }}

	res = (&Runner{Opener: fakeOpener{err: ErrNoHarness}}).RunVectors(context.Background(), cell, "", src)
	assert.Equal(t, StatusNoVectors, res.Status)
	assert.Equal(t, ReasonNoHarness, res.Reason)

	res = (&Runner{Opener: fakeOpener{h: &fakeHarness{unsupported: true}}}).RunVectors(context.Background(), cell, "", src)
	assert.Equal(t, StatusNoVectors, res.Status)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonHarnessUnsupported), res.Reason)

	res = (&Runner{Opener: fakeOpener{h: &fakeHarness{kemErrAt: 2}}}).RunVectors(context.Background(), cell, "", src)
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, FieldHarness, res.Field)

	bad := staticSource{err: &ParseError{File: "kat.rsp", Line: 3, Msg: "boom"}}
	res = (&Runner{Opener: fakeOpener{h: &fakeHarness{}}}).RunVectors(context.Background(), cell, "", bad)
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, FieldVectors, res.Field)
	assert.Equal(t, -1, res.Index)
}

func TestRunVectors_SignatureNegativePath(t *testing.T) {
	dir := t.TempDir()
	writeVectors(t, dir, "kat.rsp", dsa65, 3)
	src := &DirSource{Dir: func(matrix.AlgorithmVariant) string { return dir }}
	cell := cellFor(dsa65)

	res := (&Runner{Opener: fakeOpener{h: &fakeHarness{}}}).RunVectors(context.Background(), cell, "", src)
	assert.Equal(t, StatusPass, res.Status, res.Reason)
	assert.Empty(t, res.Coverage)

	res = (&Runner{Opener: fakeOpener{h: &fakeHarness{acceptAll: true}}}).RunVectors(context.Background(), cell, "", src)
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, FieldVerifyNegative, res.Field)

	res = (&Runner{Opener: fakeOpener{h: &fakeHarness{noVerify: true}}}).RunVectors(context.Background(), cell, "", src)
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, []string{CoverageNoNegative}, res.Coverage)
}

func TestCorrupt(t *testing.T) {
	sig := []byte{1, 2, 3, 4}
	c := Corrupt(sig)
	assert.Equal(t, []byte{1, 2, 3, 4}, sig)
	assert.NotEqual(t, sig, c)
	assert.Len(t, c, len(sig))
}
