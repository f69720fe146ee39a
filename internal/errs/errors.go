// Package errs defines the tagged error type used across the daemon so that
// control-socket handlers can map an error back to a wire-level error kind
// without string matching.
package errs

import (
	"fmt"
	"strings"
)

// Kind classifies an Error for the control protocol's "error" response field.
type Kind string

const (
	KindBadRequest     Kind = "bad_request"
	KindUpgrading      Kind = "upgrading"
	KindRouteConflict  Kind = "route_conflict"
	KindDeployFailed   Kind = "deploy_failed"
	KindStartupTimeout Kind = "startup_timeout"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindIoError        Kind = "io_error"
	KindInternal       Kind = "internal"
)

// Error is the daemon's error type: every error that crosses the control
// socket or the audit log carries a Kind alongside the usual operation and
// cause chain.
type Error struct {
	Kind      Kind
	Operation string
	Cause     error
	Details   []string
}

func (e *Error) Error() string {
	var parts []string

	if e.Operation != "" {
		parts = append(parts, e.Operation)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if len(e.Details) > 0 {
		parts = append(parts, strings.Join(e.Details, "; "))
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, operation string, cause error, details ...string) *Error {
	return &Error{
		Kind:      kind,
		Operation: operation,
		Cause:     cause,
		Details:   details,
	}
}

// Wrapf wraps an error with a formatted message, preserving it for errors.Is/As.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Errorf creates a formatted, kind-less error.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// KindOf unwraps err looking for an *Error and returns its Kind, defaulting
// to KindInternal when err carries no kind of its own.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return KindInternal
	}
	return e.Kind
}
