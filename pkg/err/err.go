package errprocess

import (
	"errors"
	"fmt"

	"virtual_space_service/pkg/logger"
)

// Kind classifies an error by how the protocol layer reacts to it.
type Kind int

const (
	// KindUnknown unclassified error
	KindUnknown Kind = iota
	// KindAuth bad, missing or expired token
	KindAuth
	// KindNotFound space or room missing
	KindNotFound
	// KindValidation malformed input
	KindValidation
	// KindPermission caller is not a member
	KindPermission
	// KindInfrastructure cache / broker / store failure
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the user facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind and message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg
}

// Auth creates an auth error
func Auth(msg string) error { return &Error{Kind: KindAuth, Msg: msg} }

// NotFound creates a not found error
func NotFound(msg string) error { return &Error{Kind: KindNotFound, Msg: msg} }

// Validation creates a validation error
func Validation(msg string) error { return &Error{Kind: KindValidation, Msg: msg} }

// Permission creates a permission error
func Permission(msg string) error { return &Error{Kind: KindPermission, Msg: msg} }

// Infrastructure wraps a dependency failure
func Infrastructure(msg string, err error) error {
	return &Error{Kind: KindInfrastructure, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the user facing message of err.
// Infrastructure details never leak to clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// Set set err info
func Set(errMsg string) error {
	logger.Log.Error(errMsg)
	return errors.New(errMsg)
}
