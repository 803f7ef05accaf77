package provider

import (
	"errors"
	"strings"
)

// ErrorType classifies a provider failure.
type ErrorType string

const (
	// ErrorTransient marks an infrastructure blip: safe to retry, never
	// counted against the circuit breaker.
	ErrorTransient ErrorType = "transient"
	// ErrorPermanent marks a failure that retrying will not fix. It is the
	// safe default for unrecognized errors.
	ErrorPermanent ErrorType = "permanent"
)

// Error is a typed provider failure carrying the original cause.
type Error struct {
	Message string
	Type    ErrorType
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed error, classifying from the message when the
// caller has no better signal.
func NewError(message string, cause error) *Error {
	full := message
	if cause != nil {
		full = message + ": " + cause.Error()
	}
	return &Error{Message: message, Type: ClassifyMessage(full), Cause: cause}
}

// permanentMarkers are checked first: client errors, quota and configuration
// problems are never retried.
var permanentMarkers = []string{
	"400", "401", "403", "422",
	"unauthorized",
	"forbidden",
	"quota",
}

// transientMarkers identify infrastructure blips by syscall name, HTTP
// status, or status text.
var transientMarkers = []string{
	"etimedout",
	"econnreset",
	"econnrefused",
	"eai_again",
	"fetch failed",
	"network",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"dns",
	"502", "503", "504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// ClassifyMessage classifies a failure from its message alone. It is a pure
// function so it can be unit-tested without a provider. Unrecognized
// messages classify as permanent.
func ClassifyMessage(message string) ErrorType {
	m := strings.ToLower(message)

	for _, marker := range permanentMarkers {
		if strings.Contains(m, marker) {
			return ErrorPermanent
		}
	}
	// "invalid ... configuration" in any phrasing is a config problem.
	if strings.Contains(m, "invalid") && strings.Contains(m, "configuration") {
		return ErrorPermanent
	}
	for _, marker := range transientMarkers {
		if strings.Contains(m, marker) {
			return ErrorTransient
		}
	}
	return ErrorPermanent
}

// Classify returns the error's classification, using the typed error's own
// tag when present and falling back to message classification otherwise.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTransient
	}
	var perr *Error
	if errors.As(err, &perr) && perr.Type != "" {
		return perr.Type
	}
	return ClassifyMessage(err.Error())
}
