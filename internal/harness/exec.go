package harness

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"pqmatrix/internal/kat"
	"pqmatrix/internal/toolchain"
)

// Protocol operations, passed as the last argument of the harness command.
const (
	OpKEM    = "kem"
	OpDecaps = "decaps"
	OpSign   = "sign"
	OpVerify = "verify"
)

// Response status values. A harness that cannot serve an op replies
// "status = unsupported"; any other failure is "status = error" plus a
// "message" field, or a non-zero exit.
const (
	StatusOK          = "ok"
	StatusUnsupported = "unsupported"
	StatusError       = "error"
)

// Exec drives an external harness process. Each call runs
// "<argv...> <op>" with the request on stdin and reads the response from
// stdout, both as "key = HEX" lines.
type Exec struct {
	Runner  toolchain.Runner
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

var _ kat.Harness = (*Exec)(nil)

// ProtocolError describes a harness reply that does not follow the protocol.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("harness %s: %s", e.Op, e.Msg)
}

func (e *Exec) call(ctx context.Context, op string, request ...any) (kat.Fields, error) {
	var stdin bytes.Buffer
	if err := kat.WriteFields(&stdin, request...); err != nil {
		return nil, err
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	argv := append(append([]string{}, e.Argv...), op)
	res, err := e.Runner.Run(ctx, toolchain.Invocation{Argv: argv, Dir: e.Dir, Env: e.Env, Stdin: stdin.Bytes()})
	if err != nil {
		return nil, fmt.Errorf("harness %s: %w", op, err)
	}
	if res.TimedOut {
		return nil, fmt.Errorf("harness %s: timed out after %s", op, e.Timeout)
	}
	fields, perr := kat.ReadFields(bytes.NewReader(res.Stdout), "harness "+op)
	status, _ := fields.Get("status")
	if perr == nil && strings.EqualFold(status, StatusUnsupported) {
		return nil, fmt.Errorf("%w: harness op %s", kat.ErrUnsupported, op)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("harness %s: exit code %d: %s", op, res.ExitCode, strings.TrimSpace(lastLine(res.Stderr)))
	}
	if perr != nil {
		return nil, &ProtocolError{Op: op, Msg: perr.Error()}
	}
	if strings.EqualFold(status, StatusError) {
		msg, _ := fields.Get("message")
		return nil, fmt.Errorf("harness %s: %s", op, msg)
	}
	return fields, nil
}

func need(op string, fields kat.Fields, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		b, ok, err := fields.Bytes(k)
		if err != nil {
			return nil, &ProtocolError{Op: op, Msg: err.Error()}
		}
		if !ok {
			return nil, &ProtocolError{Op: op, Msg: fmt.Sprintf("response has no %q", k)}
		}
		out[i] = b
	}
	return out, nil
}

func (e *Exec) KEM(ctx context.Context, seed []byte) (kat.KEMOutput, error) {
	fields, err := e.call(ctx, OpKEM, "seed", seed)
	if err != nil {
		return kat.KEMOutput{}, err
	}
	v, err := need(OpKEM, fields, "pk", "sk", "ct", "ss")
	if err != nil {
		return kat.KEMOutput{}, err
	}
	out := kat.KEMOutput{PK: v[0], SK: v[1], CT: v[2], SS: v[3]}
	if ssd, ok, err := fields.Bytes("ss_decap"); err != nil {
		return kat.KEMOutput{}, &ProtocolError{Op: OpKEM, Msg: err.Error()}
	} else if ok {
		out.SSDecap = ssd
	}
	return out, nil
}

func (e *Exec) Decapsulate(ctx context.Context, sk, ct []byte) ([]byte, error) {
	fields, err := e.call(ctx, OpDecaps, "sk", sk, "ct", ct)
	if err != nil {
		return nil, err
	}
	v, err := need(OpDecaps, fields, "ss")
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (e *Exec) Sign(ctx context.Context, seed, msg []byte) (kat.SignOutput, error) {
	fields, err := e.call(ctx, OpSign, "seed", seed, "msg", msg)
	if err != nil {
		return kat.SignOutput{}, err
	}
	v, err := need(OpSign, fields, "pk", "sk", "sig")
	if err != nil {
		return kat.SignOutput{}, err
	}
	return kat.SignOutput{PK: v[0], SK: v[1], Sig: v[2]}, nil
}

func (e *Exec) Verify(ctx context.Context, pk, msg, sig []byte) (bool, error) {
	fields, err := e.call(ctx, OpVerify, "pk", pk, "msg", msg, "sig", sig)
	if err != nil {
		return false, err
	}
	valid, ok, err := fields.Int("valid")
	switch {
	case err != nil:
		return false, &ProtocolError{Op: OpVerify, Msg: err.Error()}
	case !ok:
		return false, &ProtocolError{Op: OpVerify, Msg: `response has no "valid"`}
	case valid != 0 && valid != 1:
		return false, &ProtocolError{Op: OpVerify, Msg: fmt.Sprintf("valid = %d, want 0 or 1", valid)}
	}
	return valid == 1, nil
}

func lastLine(b []byte) string {
	s := strings.TrimRight(string(b), "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
