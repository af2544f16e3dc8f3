// Package dberrors defines the error kinds shared by every betreedb
// component (§7 of the design spec). not-found is the only kind meant to be
// handled by ordinary callers; the rest propagate to the caller of
// Insert/Update/Delete or Query unchanged.
package dberrors

import "github.com/cockroachdb/errors"

// Sentinel errors identifying the kinds a caller can test for with
// errors.Is. Wrap a sentinel with errors.Wrap to attach call-site context
// without losing the ability to match on kind.
var (
	// ErrNotFound is returned by Query when a key is absent or shadowed by
	// a tombstone with no later override. This is the only kind meant to
	// be a normal, expected return value.
	ErrNotFound = errors.New("betreedb: key not found")

	// ErrOutOfRange names the case of a pivot lookup for a key smaller
	// than every pivot in a node. The tree's own descent does not return
	// it: a query for such a key treats it as absent, so Tree.Query
	// reports ErrNotFound.
	ErrOutOfRange = errors.New("betreedb: key below minimum pivot")

	// ErrIOFailure marks a fatal error from the backing store. The tree's
	// in-memory state remains valid; the caller should retry once the
	// underlying I/O condition clears.
	ErrIOFailure = errors.New("betreedb: backing store I/O failure")

	// ErrFormat marks a fatal deserialization error encountered during
	// recovery. Recovery aborts and the error surfaces to the caller.
	ErrFormat = errors.New("betreedb: malformed on-disk record")

	// ErrInvariant marks an internal invariant violation (e.g. an unknown
	// opcode reaching apply). It is always a programming error, never a
	// data condition a caller can recover from.
	ErrInvariant = errors.New("betreedb: invariant violation")
)

// NotFound wraps ErrNotFound with call-site context.
func NotFound(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// OutOfRange wraps ErrOutOfRange with call-site context.
func OutOfRange(format string, args ...interface{}) error {
	return errors.Wrapf(ErrOutOfRange, format, args...)
}

// IOFailure wraps ErrIOFailure with call-site context and an underlying
// cause from the backing store.
func IOFailure(cause error, format string, args ...interface{}) error {
	wrapped := errors.Wrapf(ErrIOFailure, format, args...)
	if cause != nil {
		return errors.WithSecondaryError(wrapped, cause)
	}
	return wrapped
}

// Format wraps ErrFormat with call-site context and an underlying cause.
func Format(cause error, format string, args ...interface{}) error {
	wrapped := errors.Wrapf(ErrFormat, format, args...)
	if cause != nil {
		return errors.WithSecondaryError(wrapped, cause)
	}
	return wrapped
}

// Invariant wraps ErrInvariant with call-site context. Callers return it
// like any other error; it marks a programming error rather than a data
// condition.
func Invariant(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvariant, format, args...)
}

// Is reports whether err is (or wraps) the given sentinel.
func Is(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}
