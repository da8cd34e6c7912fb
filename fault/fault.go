// Package fault defines the error taxonomy shared by every service. A Fault
// carries a machine-checkable kind plus the user-facing reason string;
// internal failures (store unavailable, marshal errors) stay plain wrapped
// errors and are never surfaced verbatim to callers.
package fault

import "errors"

type Kind int

const (
	// KindUnauthorized means no valid identity was supplied.
	KindUnauthorized Kind = iota + 1
	// KindForbidden means the identity is valid but lacks the role or
	// ownership the operation requires.
	KindForbidden
	// KindNotFound means a referenced entity does not exist.
	KindNotFound
	// KindConflict means the request duplicates something already processed.
	KindConflict
	// KindUnprocessable means the request is well-formed but the current
	// state disallows the operation.
	KindUnprocessable
	// KindValidation means the input itself is malformed.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnprocessable:
		return "unprocessable"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// Fault is a business-rule failure with a caller-visible reason.
type Fault struct {
	Kind   Kind
	Reason string
}

func (f *Fault) Error() string {
	return f.Kind.String() + ": " + f.Reason
}

func New(kind Kind, reason string) error {
	return &Fault{Kind: kind, Reason: reason}
}

func Unauthorized(reason string) error { return New(KindUnauthorized, reason) }
func Forbidden(reason string) error    { return New(KindForbidden, reason) }
func NotFound(reason string) error     { return New(KindNotFound, reason) }
func Conflict(reason string) error     { return New(KindConflict, reason) }

// Unprocessable wraps a transition-guard rejection; the reason is returned
// verbatim as the failure detail.
func Unprocessable(reason string) error { return New(KindUnprocessable, reason) }
func Validation(reason string) error    { return New(KindValidation, reason) }

// KindOf reports the taxonomy kind of err, unwrapping as needed. The second
// return is false for internal errors that carry no kind.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

// Is reports whether err is a Fault of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Reason returns the user-facing reason of err, or the empty string for
// internal errors.
func Reason(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}
