package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the casevault error taxonomy. Typed errors below match
// these via errors.Is so callers can classify failures without inspecting
// concrete types.
var (
	// ErrIO is matched by any failure to read, write, copy, or list a path.
	ErrIO = errors.New("casevault: i/o failure")

	// ErrValidation is matched when a payload parsed but was rejected by the
	// validate function.
	ErrValidation = errors.New("casevault: payload rejected by validation")

	// ErrSchemaMismatch is matched when a payload carries an unrecognized
	// schema version.
	ErrSchemaMismatch = errors.New("casevault: unsupported schema version")

	// ErrNoRecoverableSnapshot is returned when every recovery candidate
	// failed to load or validate.
	ErrNoRecoverableSnapshot = errors.New("casevault: no recovery candidate passed validation")

	// ErrPartialMirror is matched when the mirror root was reachable but some
	// artifacts failed to copy.
	ErrPartialMirror = errors.New("casevault: mirror copy incomplete")

	// ErrClosed is returned when an operation is submitted after shutdown.
	ErrClosed = errors.New("casevault: already closed")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("casevault: already running")
)

// IOError wraps a filesystem failure with the operation and path involved.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// ValidationError reports a payload that parsed but failed validation.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SchemaMismatchError reports a payload with an unrecognized schema version.
type SchemaMismatchError struct {
	Path    string
	Version int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s: schema version %d is not supported", e.Path, e.Version)
}

func (e *SchemaMismatchError) Is(target error) bool {
	// A schema mismatch is also a validation failure for recovery purposes.
	return target == ErrSchemaMismatch || target == ErrValidation
}

// PathFailure records why one candidate path was skipped.
type PathFailure struct {
	Path string
	Err  error
}

// ExhaustionError aggregates the per-path failures behind a recovery attempt
// in which no candidate succeeded.
type ExhaustionError struct {
	Failures []PathFailure
}

func (e *ExhaustionError) Error() string {
	if len(e.Failures) == 0 {
		return ErrNoRecoverableSnapshot.Error()
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%v)", f.Path, f.Err))
	}
	return fmt.Sprintf("%s: tried %s", ErrNoRecoverableSnapshot.Error(), strings.Join(parts, "; "))
}

func (e *ExhaustionError) Is(target error) bool { return target == ErrNoRecoverableSnapshot }

// PartialMirrorError aggregates per-artifact copy failures from a mirror
// pass that reached the secondary root.
type PartialMirrorError struct {
	CaseID   string
	Warnings []error
}

func (e *PartialMirrorError) Error() string {
	return fmt.Sprintf("mirror for %s: %d copies failed", e.CaseID, len(e.Warnings))
}

func (e *PartialMirrorError) Is(target error) bool { return target == ErrPartialMirror }

func (e *PartialMirrorError) Unwrap() []error { return e.Warnings }
