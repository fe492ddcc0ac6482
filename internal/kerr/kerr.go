// Package kerr defines the error taxonomy shared by the storage engine and
// its indexes.
//
// Errors are plain sentinels matched with [errors.Is]. Layers wrap them with
// operation context via [fmt.Errorf] and %w; wrappers enrich but never
// replace the sentinel, so callers can always classify a failure:
//
//	if errors.Is(err, kerr.ErrNotFound) { ... }
//
// The retry wrapper consults [IsTransient] to decide whether an error is
// worth another attempt. Everything else propagates unchanged.
package kerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput reports a validation failure at a construction or call
	// boundary. Recoverable only by the caller fixing its input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound reports an absent id or path on a read.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports an insert collision on an id or path.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict reports an optimistic update that lost a race.
	// Callers may retry with fresh state.
	ErrConflict = errors.New("conflict")

	// ErrTransientIO reports a retryable I/O failure (interrupted syscall,
	// temporary lock contention). The retry wrapper handles these.
	ErrTransientIO = errors.New("transient io")

	// ErrFatalIO reports a media failure. Never retried; escalated.
	ErrFatalIO = errors.New("fatal io")

	// ErrCorruption reports a checksum or invariant violation discovered at
	// rest. The affected record is quarantined; reads of it fail fast.
	ErrCorruption = errors.New("corruption")

	// ErrCancelled reports that the call's deadline elapsed. Durability of
	// any WAL append that already completed is preserved.
	ErrCancelled = errors.New("cancelled")

	// ErrConfig reports a startup-time misconfiguration.
	ErrConfig = errors.New("config")
)

// Wrap annotates err with an operation name, preserving the sentinel chain.
// Returns nil if err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", op, err)
}

// Invalid builds an ErrInvalidInput with a structured reason.
func Invalid(op, reason string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrInvalidInput, reason)
}

// Invalidf is Invalid with a formatted reason.
func Invalidf(op, format string, args ...any) error {
	return Invalid(op, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is an absence, for callers that treat it
// as a branch rather than a failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err belongs to the retryable set.
// Context errors are never transient: the caller's deadline is authoritative.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// FromContext maps a context error to ErrCancelled, preserving the cause.
// Returns nil if ctx has not been cancelled.
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	return nil
}
