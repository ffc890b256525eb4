package client

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kinds of errors returned by the client. Use errors.Is to match them.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStateViolation  = errors.New("state violation")
	ErrNotFound        = errors.New("not found")
	ErrTransfer        = errors.New("transfer failed")
	ErrExecution       = errors.New("execution failed")
	ErrCompilation     = errors.New("compilation failed")
	ErrCorrupted       = errors.New("corrupted data")
)

// kindError tags an error with one of the error kinds, keeping the message (and stack) of the underlying error.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

// Unwrap allows errors.Is to match both the kind and the underlying error.
func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Cause returns the underlying error, for github.com/pkg/errors.Cause.
func (e *kindError) Cause() error { return e.err }

// Format prints the stack of the underlying error with "%+v".
func (e *kindError) Format(s fmt.State, verb rune) {
	if formatter, ok := e.err.(fmt.Formatter); ok {
		formatter.Format(s, verb)
		return
	}
	_, _ = fmt.Fprint(s, e.err.Error())
}

func errorf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

func wrapf(kind error, err error, format string, args ...any) error {
	return &kindError{kind: kind, err: errors.WithMessagef(err, format, args...)}
}
