package transport

import "errors"

// ErrAttachmentUnavailable reports that the platform no longer serves the
// requested file. The executor treats this as recoverable (text fallback).
var ErrAttachmentUnavailable = errors.New("attachment unavailable")

// Error classifies a delivery failure.
// Transient failures (flood limits, network, 5xx) may succeed on retry;
// permanent ones (unknown chat, bad request) will not.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": transport error"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transport failure.
// Unclassified errors count as transient so callers err on the side of retry.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Transient
	}
	return true
}
