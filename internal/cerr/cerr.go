// Package cerr defines the stable error kinds the core surfaces, per the
// error handling design: each kind is a discriminated value a caller can
// switch on, not an ad hoc string.
package cerr

import "fmt"

// Kind is a stable, discriminated error category.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindDecision    Kind = "decision"
	KindSkill       Kind = "skill"
	KindStorage     Kind = "storage"
	KindReplication Kind = "replication"
	KindCrypto      Kind = "crypto"
	KindInternal    Kind = "internal"
)

// Error is the core's structured error type. Detail carries a
// machine-readable payload for the event the failure produces.
type Error struct {
	Kind   Kind
	Msg    string
	Detail map[string]any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail attaches a machine-readable detail payload and returns the
// receiver for chaining.
func (e *Error) WithDetail(detail map[string]any) *Error {
	e.Detail = detail
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise it returns KindInternal, since an un-typed error
// reaching this boundary is itself an invariant violation.
func KindOf(err error) Kind {
	var ce *Error
	for err != nil {
		if c, ok := err.(*Error); ok {
			ce = c
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ce == nil {
		return KindInternal
	}
	return ce.Kind
}
