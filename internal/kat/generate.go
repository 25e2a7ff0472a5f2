package kat

import (
	"context"
	"fmt"
	"io"

	"pqmatrix/internal/matrix"
)

// GenerateOptions controls Generate.
type GenerateOptions struct {
	Variant matrix.AlgorithmVariant
	Count   int
	// Entropy seeds the outer DRBG that draws per-record seeds. Nil uses the
	// PQCgenKAT default of bytes 0..47.
	Entropy []byte
}

// DefaultEntropy is the outer seed PQCgenKAT uses.
func DefaultEntropy() []byte {
	e := make([]byte, SeedSize)
	for i := range e {
		e[i] = byte(i)
	}
	return e
}

// Generate writes a response file for the variant by running h over seeds
// drawn the way PQCgenKAT draws them. Signature records sign a message of
// 33*(count+1) bytes.
func Generate(ctx context.Context, w io.Writer, h Harness, opts GenerateOptions) error {
	entropy := opts.Entropy
	if entropy == nil {
		entropy = DefaultEntropy()
	}
	outer, err := NewDRBG(entropy, nil)
	if err != nil {
		return err
	}
	if opts.Count <= 0 {
		return fmt.Errorf("kat: generate count must be positive, got %d", opts.Count)
	}

	type pending struct {
		seed, msg []byte
	}
	records := make([]pending, opts.Count)
	for i := range records {
		records[i].seed = outer.Bytes(SeedSize)
		if opts.Variant.Kind == matrix.KindSignature {
			records[i].msg = outer.Bytes(33 * (i + 1))
		}
	}

	if _, err := fmt.Fprintf(w, "# %s\n\n", opts.Variant.ID()); err != nil {
		return err
	}
	for i, rec := range records {
		switch opts.Variant.Kind {
		case matrix.KindKEM:
			out, err := h.KEM(ctx, rec.seed)
			if err != nil {
				return fmt.Errorf("count %d: %w", i, err)
			}
			err = WriteFields(w, "count", i, "seed", rec.seed, "pk", out.PK, "sk", out.SK, "ct", out.CT, "ss", out.SS)
			if err != nil {
				return err
			}
		case matrix.KindSignature:
			out, err := h.Sign(ctx, rec.seed, rec.msg)
			if err != nil {
				return fmt.Errorf("count %d: %w", i, err)
			}
			sm := append(append([]byte{}, out.Sig...), rec.msg...)
			err = WriteFields(w, "count", i, "seed", rec.seed, "mlen", len(rec.msg), "msg", rec.msg,
				"pk", out.PK, "sk", out.SK, "smlen", len(sm), "sm", sm)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("kat: unsupported kind %q", opts.Variant.Kind)
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}
