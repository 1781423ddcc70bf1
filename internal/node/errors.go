package node

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrIO           = errors.New("io error")
	ErrConfig       = errors.New("config error")
	ErrLaunch       = errors.New("launch error")
	ErrTimeout      = errors.New("timeout")
	ErrInvalidState = errors.New("invalid state")
	ErrCanceled     = errors.New("canceled")
)

// Error carries the kind of failure, the operation that failed and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IOError wraps a filesystem or runtime failure.
func IOError(op string, err error) error { return newError(ErrIO, op, err) }

// ConfigError wraps an invalid mode, flag or setting.
func ConfigError(op string, err error) error { return newError(ErrConfig, op, err) }

// LaunchError wraps a failure to start the node.
func LaunchError(op string, err error) error { return newError(ErrLaunch, op, err) }

// ValidationError describes a rejected RunConfig field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%q: %s", e.Field, e.Value, e.Message)
}
