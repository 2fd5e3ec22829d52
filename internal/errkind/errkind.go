// Package errkind defines the shared error taxonomy for instrument I/O,
// drivers and workers. Every fault crossing a worker boundary is classified
// into one Kind so that retry and recovery policy can be decided without
// inspecting error strings.
package errkind

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry/recovery policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindConnectionLost
	KindProtocolIO
	KindAssertion
	KindType
	KindKey
	KindIndex
	KindValue
	KindAttribute
	KindNotImplemented
	KindOS
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionLost:
		return "connection_lost"
	case KindProtocolIO:
		return "protocol_io"
	case KindAssertion:
		return "assertion"
	case KindType:
		return "type"
	case KindKey:
		return "key"
	case KindIndex:
		return "index"
	case KindValue:
		return "value"
	case KindAttribute:
		return "attribute"
	case KindNotImplemented:
		return "not_implemented"
	case KindOS:
		return "os"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying its origin.
type Error struct {
	Kind      Kind
	Component string
	Method    string
	Err       error
}

func (e *Error) Error() string {
	if e.Component != "" || e.Method != "" {
		return fmt.Sprintf("%s %s.%s: %v", e.Kind, e.Component, e.Method, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error. err may be nil when msg alone describes it.
func New(kind Kind, component, method string, err error) *Error {
	return &Error{Kind: kind, Component: component, Method: method, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, component, method, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Method: method, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// WithOrigin re-tags err with component/method when it lacks an origin,
// preserving the original Kind. Unclassified errors become KindUnknown.
func WithOrigin(err error, component, method string) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.Component == "" {
			return &Error{Kind: e.Kind, Component: component, Method: method, Err: e.Err}
		}
		return e
	}
	return &Error{Kind: KindUnknown, Component: component, Method: method, Err: err}
}

// Event is the structured record emitted on a worker error channel and
// forwarded to the error sink.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"-"`
	KindName  string    `json:"kind"`
	Component string    `json:"component"`
	Method    string    `json:"method"`
	Message   string    `json:"message"`
}

// EventOf converts a classified error into an Event stamped now.
func EventOf(err error) Event {
	now := time.Now()
	var e *Error
	if errors.As(err, &e) {
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return Event{Time: now, Kind: e.Kind, KindName: e.Kind.String(), Component: e.Component, Method: e.Method, Message: msg}
	}
	return Event{Time: now, Kind: KindUnknown, KindName: KindUnknown.String(), Message: err.Error()}
}
