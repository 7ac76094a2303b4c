// Package apperr classifies failures of the sync core into the kinds callers
// act on: auth, permission, network, connection and location errors.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrAuth means there is no valid session or the credential refresh was rejected.
	ErrAuth = errors.New("auth error")

	// ErrPermission means the device denied location access.
	ErrPermission = errors.New("location permission denied")

	// ErrNetwork means a REST request failed or timed out.
	ErrNetwork = errors.New("network error")

	// ErrConnection means the live channel handshake or transport failed.
	ErrConnection = errors.New("connection error")

	// ErrLocation means a one-shot position fetch failed.
	ErrLocation = errors.New("location error")

	// ErrTimeout is matched in addition to the kind when the failure was a timeout.
	ErrTimeout = errors.New("timeout")
)

// Error carries a kind, the failing operation and the underlying cause.
type Error struct {
	Kind    error
	Op      string
	Status  int
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind, the timeout marker and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Timeout {
		errs = append(errs, ErrTimeout)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New wraps err with the given kind and operation name.
func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Timeout: isTimeout(err)}
}

// Network wraps a transport failure of a REST call, marking timeouts.
func Network(op string, err error) *Error {
	return New(ErrNetwork, op, err)
}

// Status builds an error for an unexpected HTTP status.
func Status(kind error, op string, status int) *Error {
	return &Error{Kind: kind, Op: op, Status: status}
}

// IsTimeout reports whether err was caused by a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
