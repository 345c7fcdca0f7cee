package streamfile

import (
	"errors"
	"fmt"
)

// Error is returned for failures that escape a component boundary:
// invalid configuration, unusable links and output file I/O.
type Error struct {
	// Type is the error category
	Type ErrorType

	// Op names the operation that failed, e.g. "open part file"
	Op string

	// Path is the file or link involved, if any
	Path string

	// Err is the underlying cause
	Err error
}

// ErrorType categorizes streamfile errors
type ErrorType int

const (
	// ErrConfig indicates an invalid configuration value
	ErrConfig ErrorType = iota

	// ErrIO indicates a filesystem failure on the receiving side
	ErrIO

	// ErrLink indicates the byte-stream link could not be opened or used
	ErrLink

	// ErrClosed indicates use of a closed session
	ErrClosed
)

func (t ErrorType) String() string {
	switch t {
	case ErrConfig:
		return "config error"
	case ErrIO:
		return "I/O error"
	case ErrLink:
		return "link error"
	case ErrClosed:
		return "closed"
	default:
		return "unknown error"
	}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("streamfile %s: %s", e.Type, e.Op)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an error without an underlying cause.
func NewError(errType ErrorType, op string) *Error {
	return &Error{Type: errType, Op: op}
}

// WrapError creates an error for op on path caused by err.
func WrapError(errType ErrorType, op, path string, err error) *Error {
	return &Error{Type: errType, Op: op, Path: path, Err: err}
}

func isType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsConfig checks if an error is a configuration error
func IsConfig(err error) bool { return isType(err, ErrConfig) }

// IsIO checks if an error is an output I/O error
func IsIO(err error) bool { return isType(err, ErrIO) }

// IsLink checks if an error is a link error
func IsLink(err error) bool { return isType(err, ErrLink) }

// IsClosed checks if an error reports use of a closed session
func IsClosed(err error) bool { return isType(err, ErrClosed) }
