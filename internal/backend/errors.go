package backend

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by single-record lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// ErrUnsupported is returned by adapters that lack a capability.
var ErrUnsupported = errors.New("operation not supported by this backend")

// TransportError is a network or backend failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError unless it already carries a
// classified error.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var br *BusinessRuleError
	var te *TransportError
	if errors.As(err, &br) || errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// ValidationError is client-side input rejected before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Code classifies a BusinessRuleError.
type Code string

const (
	CodeAlreadyFriends Code = "already_friends"
	CodeRequestPending Code = "request_pending"
	CodeUsernameTaken  Code = "username_taken"
	CodeNotFound       Code = "not_found"
	CodeSelfRequest    Code = "self_request"
	CodeForbidden      Code = "forbidden"
	CodeUnknown        Code = "unknown"
)

// ParseCode maps a backend hint to a Code. Unrecognised hints are
// CodeUnknown.
func ParseCode(hint string) Code {
	switch c := Code(hint); c {
	case CodeAlreadyFriends, CodeRequestPending, CodeUsernameTaken,
		CodeNotFound, CodeSelfRequest, CodeForbidden:
		return c
	default:
		return CodeUnknown
	}
}

// BusinessRuleError is a remote procedure rejecting a call for a domain
// reason.
type BusinessRuleError struct {
	Code    Code
	Message string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a BusinessRuleError with the given code.
func IsCode(err error, code Code) bool {
	var br *BusinessRuleError
	return errors.As(err, &br) && br.Code == code
}

// UserMessage renders err as the inline message shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	var br *BusinessRuleError
	if errors.As(err, &br) {
		switch br.Code {
		case CodeAlreadyFriends:
			return "You're already friends with this user"
		case CodeRequestPending:
			return "A friend request is already pending"
		case CodeUsernameTaken:
			return "That username is already taken"
		case CodeSelfRequest:
			return "You can't add yourself as a friend"
		case CodeNotFound:
			return "Not found"
		case CodeForbidden:
			return "You are not allowed to do that"
		}
		if br.Message != "" {
			return br.Message
		}
		return "Request rejected"
	}
	if errors.Is(err, ErrNotFound) {
		return "Not found"
	}
	var te *TransportError
	if errors.As(err, &te) {
		return "Could not reach the server, please try again"
	}
	return err.Error()
}
