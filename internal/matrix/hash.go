package matrix

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Hash is the deterministic identity of an enumerated matrix. Two reports are
// comparable only when their hashes match.
type Hash string

func (h Hash) String() string { return string(h) }

// ComputeHash hashes the canonical cell sequence together with each cell's
// resolved verification rule. Every field is length-prefixed so adjacent
// values cannot run together.
func ComputeHash(cells []Cell) Hash {
	h := sha256.New()
	var lenBuf [8]byte
	writeField := func(s string) {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeField(strconv.Itoa(len(cells)))
	for _, c := range cells {
		writeField(c.Variant.Family)
		writeField(c.Variant.ParameterSet)
		writeField(string(c.Variant.Kind))
		writeField(c.Platform.ID)
		writeField(c.Profile.Name)
		writeField(c.Profile.Flags)
		writeField(c.Rule.Label())
		writeField(strconv.FormatInt(c.Rule.MinSize, 10))
		companions := sortedCopy(c.Rule.Companions)
		writeField(strconv.Itoa(len(companions)))
		for _, comp := range companions {
			writeField(comp)
		}
		writeField(c.Rule.Checksum)
	}
	return Hash(hex.EncodeToString(h.Sum(nil)))
}
