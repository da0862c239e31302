// Package fault defines the error kinds shared across drover subsystems
// and the retry classification that goes with them.
package fault

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Handlers match these with errors.Is; the HTTP
// layer maps them to status codes and the `error` field of the response
// envelope.
var (
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrUnknownInstallation = errors.New("unknown installation")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrTransient          = errors.New("transient")
	ErrSandboxFailure     = errors.New("sandbox failure")
	ErrCircularDependency = errors.New("circular dependency")
	ErrCancelled          = errors.New("cancelled")
)

// Wrap attaches a kind to an underlying error so both survive errors.Is.
func Wrap(kind error, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Wrapf attaches a kind with a formatted message.
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Retryable reports whether an error should be retried with backoff.
// Only transient and rate-limit failures qualify; everything else is
// permanent from the caller's point of view.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// Kind returns the stable name of the error's kind, or "internal" when
// the error carries no kind. These names appear in API responses.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return "SignatureInvalid"
	case errors.Is(err, ErrUnknownInstallation):
		return "UnknownInstallation"
	case errors.Is(err, ErrMalformedPayload):
		return "MalformedPayload"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrTransient):
		return "Transient"
	case errors.Is(err, ErrSandboxFailure):
		return "SandboxFailure"
	case errors.Is(err, ErrCircularDependency):
		return "CircularDependency"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	default:
		return "internal"
	}
}
