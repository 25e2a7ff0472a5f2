package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Supported digest algorithms for reference checksums.
const (
	AlgoSHA256  = "sha256"
	AlgoSHA3256 = "sha3-256"
	AlgoBLAKE3  = "blake3"
)

// Digest is an algorithm-tagged 32-byte hash, written "<algo>:<hex>".
type Digest struct {
	Algorithm string
	Sum       [32]byte
}

func (d Digest) String() string {
	return d.Algorithm + ":" + hex.EncodeToString(d.Sum[:])
}

// Hex returns the hex-encoded sum without the algorithm tag.
func (d Digest) Hex() string { return hex.EncodeToString(d.Sum[:]) }

// Equal compares algorithm and sum.
func (d Digest) Equal(o Digest) bool {
	return d.Algorithm == o.Algorithm && bytes.Equal(d.Sum[:], o.Sum[:])
}

// ParseDigest parses "<algo>:<hex>". The hex part must encode exactly 32 bytes.
func ParseDigest(s string) (Digest, error) {
	algo, hexPart, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Digest{}, fmt.Errorf("digest %q: want <algorithm>:<hex>", s)
	}
	algo = strings.ToLower(algo)
	if _, err := newHasher(algo); err != nil {
		return Digest{}, fmt.Errorf("digest %q: %w", s, err)
	}
	decoded, err := hex.DecodeString(hexPart)
	if err != nil {
		return Digest{}, fmt.Errorf("digest %q: %w", s, err)
	}
	if len(decoded) != 32 {
		return Digest{}, fmt.Errorf("digest %q is %d bytes, want 32", s, len(decoded))
	}
	d := Digest{Algorithm: algo}
	copy(d.Sum[:], decoded)
	return d, nil
}

// HashFile streams the file at path through the named algorithm.
func HashFile(path, algo string) (Digest, error) {
	h, err := newHasher(algo)
	if err != nil {
		return Digest{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	d := Digest{Algorithm: algo}
	copy(d.Sum[:], h.Sum(nil))
	return d, nil
}

func newHasher(algo string) (hash.Hash, error) {
	switch algo {
	case AlgoSHA256:
		return sha256.New(), nil
	case AlgoSHA3256:
		return sha3.New256(), nil
	case AlgoBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
}
