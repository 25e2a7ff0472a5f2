// Package harness binds cells to the programs that drive their artifacts
// through known-answer vectors: an external harness speaking the .rsp
// key/value protocol, or the in-process reference harness.
package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"pqmatrix/internal/kat"
	"pqmatrix/internal/matrix"
)

var kemSchemes = map[string]kem.Scheme{
	"ml-kem-512":  mlkem512.Scheme(),
	"ml-kem-768":  mlkem768.Scheme(),
	"ml-kem-1024": mlkem1024.Scheme(),
}

var signSchemes = map[string]sign.Scheme{
	"ml-dsa-44": mldsa44.Scheme(),
	"ml-dsa-65": mldsa65.Scheme(),
	"ml-dsa-87": mldsa87.Scheme(),
}

// ReferenceVariants lists the variant ids the reference harness covers.
func ReferenceVariants() []string {
	ids := make([]string, 0, len(kemSchemes)+len(signSchemes))
	for id := range kemSchemes {
		ids = append(ids, id)
	}
	for id := range signSchemes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReferenceVariant resolves a variant id such as "ml-kem-768" against the
// reference schemes.
func ReferenceVariant(id string) (matrix.AlgorithmVariant, bool) {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 {
		return matrix.AlgorithmVariant{}, false
	}
	v := matrix.AlgorithmVariant{Family: id[:i], ParameterSet: id[i+1:]}
	if _, ok := kemSchemes[id]; ok {
		v.Kind = matrix.KindKEM
		return v, true
	}
	if _, ok := signSchemes[id]; ok {
		v.Kind = matrix.KindSignature
		return v, true
	}
	return matrix.AlgorithmVariant{}, false
}

// Reference drives a circl implementation with DRBG-seeded randomness, in the
// order the NIST reference code consumes it: 64 bytes for KEM keygen (d || z)
// then 32 for encapsulation; 32 bytes for signature keygen. Signing is
// deterministic.
type Reference struct {
	variant string
	kem     kem.Scheme
	sign    sign.Scheme
}

var _ kat.Harness = (*Reference)(nil)

// NewReference returns the reference harness for a variant, or an error
// wrapping kat.ErrUnsupported.
func NewReference(v matrix.AlgorithmVariant) (*Reference, error) {
	id := v.ID()
	switch v.Kind {
	case matrix.KindKEM:
		if s, ok := kemSchemes[id]; ok {
			return &Reference{variant: id, kem: s}, nil
		}
	case matrix.KindSignature:
		if s, ok := signSchemes[id]; ok {
			return &Reference{variant: id, sign: s}, nil
		}
	}
	return nil, fmt.Errorf("%w: reference harness has no %s", kat.ErrUnsupported, id)
}

func (r *Reference) KEM(_ context.Context, seed []byte) (kat.KEMOutput, error) {
	if r.kem == nil {
		return kat.KEMOutput{}, fmt.Errorf("%w: %s is not a KEM", kat.ErrUnsupported, r.variant)
	}
	rng, err := kat.NewDRBG(seed, nil)
	if err != nil {
		return kat.KEMOutput{}, err
	}
	pk, sk := r.kem.DeriveKeyPair(rng.Bytes(r.kem.SeedSize()))
	ct, ss, err := r.kem.EncapsulateDeterministically(pk, rng.Bytes(r.kem.EncapsulationSeedSize()))
	if err != nil {
		return kat.KEMOutput{}, fmt.Errorf("encapsulate: %w", err)
	}
	ssDecap, err := r.kem.Decapsulate(sk, ct)
	if err != nil {
		return kat.KEMOutput{}, fmt.Errorf("decapsulate: %w", err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return kat.KEMOutput{}, fmt.Errorf("marshal public key: %w", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return kat.KEMOutput{}, fmt.Errorf("marshal private key: %w", err)
	}
	return kat.KEMOutput{PK: pkBytes, SK: skBytes, CT: ct, SS: ss, SSDecap: ssDecap}, nil
}

func (r *Reference) Decapsulate(_ context.Context, skBytes, ct []byte) ([]byte, error) {
	if r.kem == nil {
		return nil, fmt.Errorf("%w: %s is not a KEM", kat.ErrUnsupported, r.variant)
	}
	sk, err := r.kem.UnmarshalBinaryPrivateKey(skBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal private key: %w", err)
	}
	return r.kem.Decapsulate(sk, ct)
}

func (r *Reference) Sign(_ context.Context, seed, msg []byte) (kat.SignOutput, error) {
	if r.sign == nil {
		return kat.SignOutput{}, fmt.Errorf("%w: %s is not a signature scheme", kat.ErrUnsupported, r.variant)
	}
	rng, err := kat.NewDRBG(seed, nil)
	if err != nil {
		return kat.SignOutput{}, err
	}
	pk, sk := r.sign.DeriveKey(rng.Bytes(r.sign.SeedSize()))
	sig := r.sign.Sign(sk, msg, nil)
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return kat.SignOutput{}, fmt.Errorf("marshal public key: %w", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return kat.SignOutput{}, fmt.Errorf("marshal private key: %w", err)
	}
	return kat.SignOutput{PK: pkBytes, SK: skBytes, Sig: sig}, nil
}

func (r *Reference) Verify(_ context.Context, pkBytes, msg, sig []byte) (bool, error) {
	if r.sign == nil {
		return false, fmt.Errorf("%w: %s is not a signature scheme", kat.ErrUnsupported, r.variant)
	}
	pk, err := r.sign.UnmarshalBinaryPublicKey(pkBytes)
	if err != nil {
		return false, fmt.Errorf("unmarshal public key: %w", err)
	}
	return r.sign.Verify(pk, msg, sig, nil), nil
}
