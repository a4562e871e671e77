package store

import "errors"

// Kind is a stable, snake_case error tag sent over the wire (§7).
type Kind string

const (
	KindInvalidURI          Kind = "invalid_uri"
	KindAlreadySubscribed    Kind = "already_subscribed"
	KindNotSubscribed        Kind = "not_subscribed"
	KindNotFound             Kind = "not_found"
	KindForbidden            Kind = "forbidden"
	KindIsOwner              Kind = "is_owner"
	KindInvalid              Kind = "invalid"
	KindInvalidName          Kind = "invalid_name"
	KindNameTaken            Kind = "name_taken"
	KindAbbrevTooShort       Kind = "abbrev_too_short"
	KindAbbrevTooLong        Kind = "abbrev_too_long"
	KindNameTooShort         Kind = "name_too_short"
	KindNameTooLong          Kind = "name_too_long"
	KindDescriptionTooLong   Kind = "description_too_long"
	KindScriptTooLong        Kind = "script_too_long"
	KindInternalError        Kind = "internal_error"
)

// Error is a typed, wire-stable application error returned by store
// operations. It is distinct from plain Go errors wrapping driver
// failures, which callers must map to KindInternalError before they
// reach a session response.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return string(e.Kind) + ": " + e.msg
	}
	return string(e.Kind)
}

// NewError constructs a typed Error with an optional detail message.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// AsKind extracts the Kind of err if it (or something it wraps) is a
// *Error, mapping anything else to KindInternalError.
func AsKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalError
}

var (
	ErrInvalidURI        = NewError(KindInvalidURI, "")
	ErrAlreadySubscribed = NewError(KindAlreadySubscribed, "")
	ErrNotSubscribed     = NewError(KindNotSubscribed, "")
	ErrNotFound          = NewError(KindNotFound, "")
	ErrForbidden         = NewError(KindForbidden, "")
	ErrIsOwner           = NewError(KindIsOwner, "")
)
