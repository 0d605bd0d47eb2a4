// Package mcperr defines the structured error taxonomy shared by the
// connection manager, the session router, and the inbound server. Errors
// carry a Kind instead of being matched on message strings, so callers can
// decide propagation behavior (retry, skip, surface) with errors.Is/As.
package mcperr

import (
	"errors"
	"fmt"
)

// Kind classifies a proxy error.
type Kind int

const (
	// KindUnknown is the zero value and never constructed explicitly.
	KindUnknown Kind = iota

	// KindNotFound means no upstream, tool, or session exists for the key.
	KindNotFound

	// KindNotConnected means the upstream exists but is not in the
	// Connected state. Invoke operations fail; list operations skip the
	// upstream with a warning.
	KindNotConnected

	// KindConnectionFailed means every connect retry was exhausted.
	KindConnectionFailed

	// KindCircularDependency means the upstream identified itself as this
	// proxy. Fatal for the upstream, never retried.
	KindCircularDependency

	// KindOAuthRequired means the upstream demanded authorization. The
	// upstream parks in AwaitingOAuth until the flow completes.
	KindOAuthRequired

	// KindCancelled means an inbound or internal cancel signal fired.
	KindCancelled

	// KindCapabilityConflict records divergent non-notification capability
	// values during aggregation. Informational; last writer wins.
	KindCapabilityConflict

	// KindInvalidParams means the request shape was wrong (missing session
	// id, malformed cursor, mismatched transport).
	KindInvalidParams

	// KindUpstreamUnavailable means an invoke was routed to an upstream in
	// Error or Disconnected state.
	KindUpstreamUnavailable
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNotConnected:
		return "not_connected"
	case KindConnectionFailed:
		return "connection_failed"
	case KindCircularDependency:
		return "circular_dependency"
	case KindOAuthRequired:
		return "oauth_required"
	case KindCancelled:
		return "cancelled"
	case KindCapabilityConflict:
		return "capability_conflict"
	case KindInvalidParams:
		return "invalid_params"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "unknown"
	}
}

// Error is a structured proxy error. Server and Subject are optional
// context: Server names the upstream involved, Subject names the tool,
// resource, or session the operation targeted.
type Error struct {
	Kind    Kind
	Server  string
	Subject string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Server != "" && e.Subject != "":
		msg = fmt.Sprintf("%s (server %q, subject %q)", msg, e.Server, e.Subject)
	case e.Server != "":
		msg = fmt.Sprintf("%s (server %q)", msg, e.Server)
	case e.Subject != "":
		msg = fmt.Sprintf("%s (subject %q)", msg, e.Subject)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind, so that
// errors.Is(err, &Error{Kind: KindNotFound}) works on wrapped chains.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithServer returns a copy of the error annotated with the upstream name.
func (e *Error) WithServer(server string) *Error {
	clone := *e
	clone.Server = server
	return &clone
}

// WithSubject returns a copy of the error annotated with the target name.
func (e *Error) WithSubject(subject string) *Error {
	clone := *e
	clone.Subject = subject
	return &clone
}

// KindOf returns the Kind carried by err, or KindUnknown when err does not
// wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
