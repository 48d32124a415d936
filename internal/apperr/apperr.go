// Package apperr defines the closed error-kind taxonomy of spec.md §7.
// Every component returns one of these kinds wrapped around the
// underlying cause; the transport layer is the sole translator to HTTP
// status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the stable error kinds components may return.
type Kind string

const (
	ProjectMissing          Kind = "ProjectMissing"
	NotARepository          Kind = "NotARepository"
	DetachedHead            Kind = "DetachedHead"
	WorkingTreeDirty        Kind = "WorkingTreeDirty"
	StaleLock               Kind = "StaleLock"
	LockTimeout             Kind = "LockTimeout"
	ResourcePackageMismatch Kind = "ResourcePackageMismatch"
	ExtractorFailure        Kind = "ExtractorFailure"
	GradleExitNonZero       Kind = "GradleExitNonZero"
	Timeout                 Kind = "Timeout"
	Cancelled               Kind = "Cancelled"
	NoArtifacts             Kind = "NoArtifacts"
	Abandoned               Kind = "Abandoned"
	SnapshotMissing         Kind = "SnapshotMissing"
	RestoreFailed           Kind = "RestoreFailed"
	NotFound                Kind = "NotFound"
	Conflict                Kind = "Conflict"
	Unavailable             Kind = "Unavailable"
)

// Error wraps a Kind with context and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error with the given kind, message, and cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
