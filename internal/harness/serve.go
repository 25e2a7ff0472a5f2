package harness

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pqmatrix/internal/kat"
)

// Serve answers one protocol request read from in, writing the response to
// out. Unsupported operations reply "status = unsupported" and are not an
// error; malformed requests are.
func Serve(ctx context.Context, h kat.Harness, op string, in io.Reader, out io.Writer) error {
	req, err := kat.ReadFields(in, "request")
	if err != nil {
		return err
	}
	arg := func(key string) ([]byte, error) {
		b, ok, err := req.Bytes(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("request has no %q", key)
		}
		return b, nil
	}
	args := func(keys ...string) ([][]byte, error) {
		vals := make([][]byte, len(keys))
		for i, k := range keys {
			v, err := arg(k)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return vals, nil
	}

	var pairs []any
	switch op {
	case OpKEM:
		v, err := args("seed")
		if err != nil {
			return err
		}
		res, err := h.KEM(ctx, v[0])
		if err != nil {
			return reply(out, err)
		}
		pairs = []any{"pk", res.PK, "sk", res.SK, "ct", res.CT, "ss", res.SS}
		if res.SSDecap != nil {
			pairs = append(pairs, "ss_decap", res.SSDecap)
		}
	case OpDecaps:
		v, err := args("sk", "ct")
		if err != nil {
			return err
		}
		ss, err := h.Decapsulate(ctx, v[0], v[1])
		if err != nil {
			return reply(out, err)
		}
		pairs = []any{"ss", ss}
	case OpSign:
		v, err := args("seed", "msg")
		if err != nil {
			return err
		}
		res, err := h.Sign(ctx, v[0], v[1])
		if err != nil {
			return reply(out, err)
		}
		pairs = []any{"pk", res.PK, "sk", res.SK, "sig", res.Sig}
	case OpVerify:
		v, err := args("pk", "msg", "sig")
		if err != nil {
			return err
		}
		ok, err := h.Verify(ctx, v[0], v[1], v[2])
		if err != nil {
			return reply(out, err)
		}
		valid := 0
		if ok {
			valid = 1
		}
		pairs = []any{"valid", valid}
	default:
		return fmt.Errorf("unknown op %q (want %s, %s, %s or %s)", op, OpKEM, OpDecaps, OpSign, OpVerify)
	}
	return kat.WriteFields(out, append([]any{"status", StatusOK}, pairs...)...)
}

func reply(out io.Writer, err error) error {
	if errors.Is(err, kat.ErrUnsupported) {
		return kat.WriteFields(out, "status", StatusUnsupported)
	}
	if werr := kat.WriteFields(out, "status", StatusError, "message", err.Error()); werr != nil {
		return werr
	}
	return err
}
