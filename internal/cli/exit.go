package cli

import (
	"errors"
	"fmt"

	"pqmatrix/internal/matrix"
)

const (
	ExitSuccess           = 0
	ExitCellFailure       = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 2
	ExitInternalError     = 4
)

// InvocationError is a command-line usage problem detected before any work
// starts.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by a command to the process exit code.
// Configuration problems and usage errors exit 2; anything unrecognised is an
// internal error.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if errors.Is(err, matrix.ErrConfiguration) {
		return ExitConfigError
	}
	return ExitInternalError
}
