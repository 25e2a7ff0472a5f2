package matrix

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks every problem detected before any build starts.
	ErrConfiguration = errors.New("configuration error")

	ErrUnknownReference = errors.New("unknown reference")
	ErrDuplicate        = errors.New("duplicate definition")
)

// ConfigurationError describes a fatal, pre-run problem with the matrix
// definition. It matches ErrConfiguration and its Kind via errors.Is.
type ConfigurationError struct {
	Kind error
	Msg  string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	kind := ErrConfiguration
	if e.Kind != nil {
		kind = e.Kind
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, kind)
	}
	if kind == ErrConfiguration {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, kind, e.Msg)
}

func (e *ConfigurationError) Is(target error) bool {
	if target == ErrConfiguration {
		return true
	}
	return e.Kind != nil && target == e.Kind
}

func (e *ConfigurationError) Unwrap() error { return e.Kind }

// Configurationf returns a generic ConfigurationError.
func Configurationf(format string, args ...any) error {
	return &ConfigurationError{Kind: ErrConfiguration, Msg: fmt.Sprintf(format, args...)}
}

func unknownf(format string, args ...any) error {
	return &ConfigurationError{Kind: ErrUnknownReference, Msg: fmt.Sprintf(format, args...)}
}

func duplicatef(format string, args ...any) error {
	return &ConfigurationError{Kind: ErrDuplicate, Msg: fmt.Sprintf(format, args...)}
}
