package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"pqmatrix/internal/matrix"
)

func testCell(rule matrix.VerificationRule) matrix.Cell {
	if rule.Name == "" {
		rule.Name = "ml-kem-768"
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	return matrix.Cell{
		Variant:  matrix.AlgorithmVariant{Family: "ml-kem", ParameterSet: "768", Kind: matrix.KindKEM},
		Platform: matrix.Platform{ID: "host"},
		Profile:  matrix.BuildProfile{Name: "speed"},
		Rule:     rule,
	}
}

func writeArtifact(t *testing.T, dir string, size int) string {
	t.Helper()
	p := filepath.Join(dir, "libmlkem.a")
	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{0xA5}, size), 0o644))
	return p
}

func TestVerify_SizeThresholdBoundary(t *testing.T) {
	const min = 4096
	cell := testCell(matrix.VerificationRule{MinSize: min})

	below := writeArtifact(t, t.TempDir(), min-1)
	res := Verify(cell, below)
	assert.False(t, res.Verified)
	assert.Equal(t, "size_below_threshold: got=4095 min=4096", res.Reason)
	assert.Equal(t, "ml-kem-768@v1", res.Rule)

	exact := writeArtifact(t, t.TempDir(), min)
	res = Verify(cell, exact)
	require.True(t, res.Verified, res.Reason)
	assert.Equal(t, int64(min), res.Artifact.Size)
	assert.True(t, strings.HasPrefix(res.Artifact.ContentHash, "blake3:"))
}

func TestVerify_MissingAndEmpty(t *testing.T) {
	cell := testCell(matrix.VerificationRule{})
	dir := t.TempDir()

	res := Verify(cell, filepath.Join(dir, "nope.a"))
	assert.False(t, res.Verified)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonArtifactMissing+":"), res.Reason)

	empty := writeArtifact(t, dir, 0)
	res = Verify(cell, empty)
	assert.False(t, res.Verified)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonArtifactEmpty+":"), res.Reason)

	res = Verify(cell, dir)
	assert.False(t, res.Verified)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonArtifactNotRegular+":"), res.Reason)
}

func TestVerify_CompanionsCheckedAfterSize(t *testing.T) {
	dir := t.TempDir()
	art := writeArtifact(t, dir, 100)
	cell := testCell(matrix.VerificationRule{MinSize: 10, Companions: []string{"manifest.json", "api.h"}})

	res := Verify(cell, art)
	assert.Equal(t, "companion_missing: file=api.h", res.Reason)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "api.h"), []byte("#pragma once\n"), 0o644))
	res = Verify(cell, art)
	assert.Equal(t, "companion_missing: file=manifest.json", res.Reason)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{}"), 0o644))
	res = Verify(cell, art)
	assert.True(t, res.Verified, res.Reason)

	// Size failure wins over a missing companion.
	small := testCell(matrix.VerificationRule{MinSize: 1000, Companions: []string{"missing.h"}})
	res = Verify(small, art)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonSizeBelowThreshold), res.Reason)
}

func TestVerify_Checksums(t *testing.T) {
	dir := t.TempDir()
	art := writeArtifact(t, dir, 64)
	content := bytes.Repeat([]byte{0xA5}, 64)

	sha := sha256.Sum256(content)
	b3 := blake3.Sum256(content)

	t.Run("sha256 match", func(t *testing.T) {
		res := Verify(testCell(matrix.VerificationRule{Checksum: "sha256:" + hex.EncodeToString(sha[:])}), art)
		assert.True(t, res.Verified, res.Reason)
	})
	t.Run("blake3 match", func(t *testing.T) {
		res := Verify(testCell(matrix.VerificationRule{Checksum: "blake3:" + hex.EncodeToString(b3[:])}), art)
		assert.True(t, res.Verified, res.Reason)
		assert.Equal(t, "blake3:"+hex.EncodeToString(b3[:]), res.Artifact.ContentHash)
	})
	t.Run("sha3-256 mismatch", func(t *testing.T) {
		want := strings.Repeat("00", 32)
		res := Verify(testCell(matrix.VerificationRule{Checksum: "sha3-256:" + want}), art)
		assert.False(t, res.Verified)
		assert.True(t, strings.HasPrefix(res.Reason, "checksum_mismatch: algo=sha3-256 got="), res.Reason)
		assert.True(t, strings.HasSuffix(res.Reason, "want="+want), res.Reason)
	})
	t.Run("malformed reference", func(t *testing.T) {
		res := Verify(testCell(matrix.VerificationRule{Checksum: "md5:abcd"}), art)
		assert.False(t, res.Verified)
		assert.True(t, strings.HasPrefix(res.Reason, ReasonChecksumInvalid), res.Reason)
	})
}

func TestParseDigest(t *testing.T) {
	hexSum := strings.Repeat("ab", 32)
	d, err := ParseDigest("SHA256:" + hexSum)
	require.NoError(t, err)
	assert.Equal(t, AlgoSHA256, d.Algorithm)
	assert.Equal(t, "sha256:"+hexSum, d.String())

	for _, bad := range []string{"", hexSum, "sha256:zz", "sha256:abcd", "crc32:" + hexSum} {
		_, err := ParseDigest(bad)
		assert.Error(t, err, bad)
	}
}
