// Package derrors defines the error taxonomy the service reports to its
// transport layer. Every failure is classified as one of a small set of
// kinds so callers can decide between rejecting, retrying and aborting
// without parsing message strings.
package derrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	// KindUnknown is the zero value; errors without a kind report it.
	KindUnknown Kind = iota

	// KindUnauthorized covers bad or absent auth secrets and unknown
	// download tokens.
	KindUnauthorized

	// KindNotFound covers missing deployment manifests and
	// configuration files.
	KindNotFound

	// KindMalformed covers JSON parse failures, unresolved preprocessor
	// tokens and secret-name convention violations.
	KindMalformed

	// KindTransient covers vault/storage/IO failures a retry could
	// overcome. The offending cache entry is invalidated so the next
	// caller retries.
	KindTransient

	// KindFatal covers broken programming invariants.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindMalformed:
		return "malformed"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	}

	return "unknown"
}

// Error carries a kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error, keeping it unwrappable. Already
// classified errors keep their original kind.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return fmt.Errorf("%s: %w", msg, err)
	}

	return &Error{Kind: kind, Err: fmt.Errorf("%s: %w", msg, err)}
}

// KindOf walks the error chain and returns the first kind found, or
// KindUnknown when the error was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsMalformed(err error) bool    { return KindOf(err) == KindMalformed }
func IsTransient(err error) bool    { return KindOf(err) == KindTransient }
func IsFatal(err error) bool        { return KindOf(err) == KindFatal }
