// Package engineerror defines the closed set of error classes the download
// engine distinguishes by behavior (retryable, floor-delayed, terminal) per
// the error handling design. Components tag errors with a Class instead of
// matching on message text; the text-match fallback in internal/retry is
// the sole documented exception.
package engineerror

import (
	"fmt"

	"github.com/pkg/errors"
)

// Class is a closed enumeration of the error kinds the engine reacts to
// differently. It is the tag the retry policy dispatches on.
type Class int

const (
	// ClassUnknown is the zero value; treated conservatively (retryable,
	// default backoff) by internal/retry.
	ClassUnknown Class = iota
	// ClassNetworkTimeout covers connect/read timeouts and HTTP 408/504.
	ClassNetworkTimeout
	// ClassConnection covers dial/reset/refused failures and circuit-open
	// short-circuits (§4.H step 2).
	ClassConnection
	// ClassHTTP covers non-timeout, non-server HTTP 4xx responses.
	ClassHTTP
	// ClassServer covers HTTP 5xx (excluding 504, which is ClassNetworkTimeout).
	ClassServer
	// ClassRateLimited covers HTTP 429.
	ClassRateLimited
	// ClassTemporary covers transient failures the caller has classified
	// as retryable but that don't fit another bucket (e.g. short reads).
	ClassTemporary
	// ClassIntegrity covers checksum/size mismatches after download.
	ClassIntegrity
	// ClassDecryption covers AES-CBC decode/padding failures. Always
	// terminal for the segment (§4.H step 5).
	ClassDecryption
	// ClassMerge covers external-muxer and binary-concat failures.
	ClassMerge
	// ClassConfiguration covers missing output path, unavailable key, and
	// other admission-time faults. Terminal, no retry.
	ClassConfiguration
	// ClassCanceled marks cooperative cancellation. Terminal, no retry.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNetworkTimeout:
		return "network_timeout"
	case ClassConnection:
		return "connection_error"
	case ClassHTTP:
		return "http_error"
	case ClassServer:
		return "server_error"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTemporary:
		return "temporary_failure"
	case ClassIntegrity:
		return "integrity_failure"
	case ClassDecryption:
		return "decryption_failure"
	case ClassMerge:
		return "merge_failure"
	case ClassConfiguration:
		return "configuration_error"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown_error"
	}
}

// Terminal reports whether the class is never retried by definition,
// independent of attempt count or text-match rules.
func (c Class) Terminal() bool {
	switch c {
	case ClassDecryption, ClassConfiguration, ClassCanceled:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a Class tag and a stable host key,
// preserving the pkg/errors stack trace of the original cause.
type Error struct {
	Class Class
	Host  string
	cause error
}

// New creates a classified engine error wrapping cause. If cause is nil a
// bare message error is created via pkg/errors so a stack trace is still
// captured.
func New(class Class, host string, cause error, msg string) *Error {
	if cause == nil {
		cause = errors.New(msg)
	} else if msg != "" {
		cause = errors.Wrap(cause, msg)
	}
	return &Error{Class: class, Host: host, cause: cause}
}

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Class, e.Host, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.cause)
}

// Unwrap exposes the wrapped cause for errors.Is/As and pkg/errors.Cause.
func (e *Error) Unwrap() error { return e.cause }

// ClassOf extracts the Class tag from err, defaulting to ClassUnknown when
// err is not a *Error.
func ClassOf(err error) Class {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Class
	}
	return ClassUnknown
}

// ClassFromHTTPStatus maps an HTTP status code to an error Class per §4.H
// step 4 of the download engine design.
func ClassFromHTTPStatus(status int) Class {
	switch status {
	case 408, 504:
		return ClassNetworkTimeout
	case 429:
		return ClassRateLimited
	default:
		switch {
		case status >= 500:
			return ClassServer
		case status >= 400:
			return ClassHTTP
		default:
			return ClassUnknown
		}
	}
}
