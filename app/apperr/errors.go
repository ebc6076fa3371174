// Package apperr carries the error taxonomy shared by services and transports.
package apperr

import (
	"errors"
	"fmt"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so callers can test
// errors.Is(err, apperr.ErrDuplicateRequest) regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in the chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

var (
	ErrUnauthenticated  = New(CodeUnauthenticated, "caller identity is required")
	ErrPermissionDenied = New(CodePermissionDenied, "location access is required to become visible")
	ErrInvalidTarget    = New(CodeInvalidTarget, "cannot send a request to yourself")
	ErrDuplicateRequest = New(CodeDuplicateRequest, "a request to this user is already pending")
	ErrNotAuthorized    = New(CodeNotAuthorized, "only the recipient can respond to this request")
	ErrAlreadyResolved  = New(CodeAlreadyResolved, "request has already been resolved")
	ErrNotAParticipant  = New(CodeNotAParticipant, "user is not a participant of this match")
	ErrEmptyBody        = New(CodeEmptyBody, "message body is empty")
	ErrNoCellSet        = New(CodeNoCellSet, "caller has no current cell")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrStoreUnavailable = New(CodeStoreUnavailable, "store unavailable")
)

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

// StoreUnavailable wraps a collaborator failure for caller-driven retry.
func StoreUnavailable(op string, cause error) error {
	return Wrap(CodeStoreUnavailable, op, cause)
}
