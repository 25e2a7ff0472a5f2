package kat

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// DRBG is the AES-256 CTR_DRBG (no derivation function, no reseeding) that
// PQCgenKAT uses as randombytes. Seeding it with a vector's 48-byte seed
// reproduces the randomness the reference implementation consumed.
//
// DRBG is not safe for concurrent use.
type DRBG struct {
	key   [32]byte
	v     [16]byte
	block cipher.Block
}

// NewDRBG instantiates the generator from a 48-byte entropy input and an
// optional 48-byte personalization string.
func NewDRBG(entropy, personalization []byte) (*DRBG, error) {
	if len(entropy) != SeedSize {
		return nil, fmt.Errorf("kat: drbg entropy must be %d bytes, got %d", SeedSize, len(entropy))
	}
	if personalization != nil && len(personalization) != SeedSize {
		return nil, fmt.Errorf("kat: drbg personalization must be %d bytes, got %d", SeedSize, len(personalization))
	}
	var material [SeedSize]byte
	copy(material[:], entropy)
	for i := range personalization {
		material[i] ^= personalization[i]
	}
	d := &DRBG{}
	d.rekey()
	d.update(material[:])
	return d, nil
}

// MustDRBG is NewDRBG for seeds already validated by the vector loader.
func MustDRBG(seed []byte) *DRBG {
	d, err := NewDRBG(seed, nil)
	if err != nil {
		panic(err)
	}
	return d
}

// Read fills p with generator output. It never fails.
func (d *DRBG) Read(p []byte) (int, error) {
	var block [aes.BlockSize]byte
	n := 0
	for n < len(p) {
		d.incV()
		d.block.Encrypt(block[:], d.v[:])
		n += copy(p[n:], block[:])
	}
	d.update(nil)
	return len(p), nil
}

// Bytes returns the next n bytes of output.
func (d *DRBG) Bytes(n int) []byte {
	out := make([]byte, n)
	_, _ = d.Read(out)
	return out
}

func (d *DRBG) update(provided []byte) {
	var temp [SeedSize]byte
	for i := 0; i < 3; i++ {
		d.incV()
		d.block.Encrypt(temp[i*aes.BlockSize:], d.v[:])
	}
	for i := range provided {
		temp[i] ^= provided[i]
	}
	copy(d.key[:], temp[:32])
	copy(d.v[:], temp[32:])
	d.rekey()
}

func (d *DRBG) incV() {
	for j := 15; j >= 0; j-- {
		if d.v[j] == 0xff {
			d.v[j] = 0
			continue
		}
		d.v[j]++
		break
	}
}

func (d *DRBG) rekey() {
	b, err := aes.NewCipher(d.key[:])
	if err != nil {
		// A 32-byte key is always valid.
		panic(err)
	}
	d.block = b
}
