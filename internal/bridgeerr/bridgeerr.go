// Package bridgeerr maps the bridge's local errors onto gRPC-shaped status
// codes, building its wrapped errors on top of github.com/roadrunner-server/errors
// the same way cv65kr-grpc/server.go builds its plugin errors: an errors.Op
// naming the failing operation, passed to errors.E alongside either the
// underlying error or an errors.Str'd message.
package bridgeerr

import (
	"errors"
	"fmt"

	rrerrors "github.com/roadrunner-server/errors"
)

// Code mirrors the gRPC status code enumeration (google.golang.org/grpc/codes),
// reproduced here as plain ints so frame encoding never needs to import grpc's
// codes package directly.
type Code int

const (
	OK                 Code = 0
	Canceled           Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	NotFound           Code = 5
	AlreadyExists      Code = 6
	FailedPrecondition Code = 9
	Unimplemented      Code = 12
	Internal           Code = 13
)

// Error is a bridge-local error carrying the gRPC-shaped code it should be
// reported with. The Op-tagged detail underneath is an actual
// github.com/roadrunner-server/errors value built via errors.E, not just a
// borrowed Op string.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string { return e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// New builds a bridge error tagged with the calling operation, the same way
// cv65kr-grpc/server.go builds errors.E(op, errors.Str("...")) for a failure
// with no underlying cause.
func New(op rrerrors.Op, code Code, message string) *Error {
	return &Error{Code: code, err: rrerrors.E(op, rrerrors.Str(message))}
}

// Wrap attaches an operation and gRPC-shaped code to an underlying error, the
// way cv65kr-grpc/server.go builds errors.E(op, err). The message is folded
// into the wrapped error's text so callers still see it in Error()/MessageOf
// without losing cause in the Unwrap chain.
func Wrap(op rrerrors.Op, code Code, message string, cause error) *Error {
	return &Error{Code: code, err: rrerrors.E(op, fmt.Errorf("%s: %w", message, cause))}
}

// CodeOf extracts the gRPC-shaped code from err, defaulting to Unknown for
// any error that isn't a *Error (e.g. a local marshalling exception).
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return Unknown
}

// MessageOf returns a human-readable detail string for err, matching the
// taxonomy's "stringified details" requirement for local exceptions.
func MessageOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.err.Error()
	}
	return err.Error()
}
