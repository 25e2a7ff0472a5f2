package kat

import (
	"context"
	"errors"

	"pqmatrix/internal/matrix"
)

// ErrUnsupported is returned by a harness that cannot drive an operation or
// variant. The runner reports it as reduced coverage or NoVectors, never as a
// failure.
var ErrUnsupported = errors.New("kat: operation not supported by harness")

// KEMOutput is the result of keygen + encapsulate + decapsulate under one
// seed. SSDecap is the shared secret recovered by decapsulating CT with SK.
type KEMOutput struct {
	PK      []byte
	SK      []byte
	CT      []byte
	SS      []byte
	SSDecap []byte
}

// SignOutput is the result of keygen + sign under one seed.
type SignOutput struct {
	PK  []byte
	SK  []byte
	Sig []byte
}

// Harness drives an artifact's public interface. Implementations seed the
// artifact's randomness from the vector seed (see DRBG).
type Harness interface {
	KEM(ctx context.Context, seed []byte) (KEMOutput, error)
	Decapsulate(ctx context.Context, sk, ct []byte) ([]byte, error)
	Sign(ctx context.Context, seed, msg []byte) (SignOutput, error)
	Verify(ctx context.Context, pk, msg, sig []byte) (bool, error)
}

// ErrNoHarness is returned by an Opener when the cell's platform declares no
// harness at all.
var ErrNoHarness = errors.New("kat: no harness configured")

// Opener binds a harness to one cell's staged artifact. It returns
// ErrNoHarness or ErrUnsupported when the cell cannot be driven.
type Opener interface {
	Open(cell matrix.Cell, artifactPath string) (Harness, error)
}
