// Package fault defines the error taxonomy shared by the registry store, the
// adapter spoofer and the command executor. Callers branch on Kind rather than
// on message text.
package fault

import (
	"errors"
	"strings"
)

// Kind classifies an error by intent.
type Kind int

const (
	KindUnknown            Kind = iota
	KindNotFound                // address, key or interface absent; often expected
	KindPermissionDenied        // process lacks elevated rights
	KindTimeout                 // external command exceeded its budget
	KindIntegrityMismatch       // backup signature does not match its payload
	KindTransactionFailure      // a batched op failed and the batch was rolled back
	KindInvalid                 // malformed input (bad MAC, unknown hive, ...)
	KindExternal                // external command exited with an error
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindPermissionDenied:
		return "permission denied"
	case KindTimeout:
		return "timeout"
	case KindIntegrityMismatch:
		return "integrity mismatch"
	case KindTransactionFailure:
		return "transaction failure"
	case KindInvalid:
		return "invalid argument"
	case KindExternal:
		return "external command failed"
	default:
		return "unknown error"
	}
}

// Error is a typed error with an optional operation, subject and cause.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "write", "disable"
	Subject string // registry address or interface name
	Err     error  // optional underlying cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if prefix := strings.TrimSpace(e.Op + " " + e.Subject); prefix != "" {
		b.WriteString(prefix)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel of the same kind, so that
// errors.Is(err, fault.ErrNotFound) matches any NotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Subject == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrIntegrityMismatch  = &Error{Kind: KindIntegrityMismatch}
	ErrTransactionFailure = &Error{Kind: KindTransactionFailure}
	ErrInvalid            = &Error{Kind: KindInvalid}
	ErrExternal           = &Error{Kind: KindExternal}
)

// New builds a typed error.
func New(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// KindOf returns the kind of the outermost typed error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
