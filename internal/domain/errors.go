package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for the HTTP boundary. Collaborator errors
// are reclassified into exactly one kind before they reach a client.
type ErrorKind string

const (
	ErrInvalidInput    ErrorKind = "invalid_input"
	ErrNotFound        ErrorKind = "not_found"
	ErrAuthRequired    ErrorKind = "auth_required"
	ErrBlocked         ErrorKind = "blocked"
	ErrRestricted      ErrorKind = "restricted"
	ErrTimeout         ErrorKind = "timeout"
	ErrTokenInvalid    ErrorKind = "token_invalid"
	ErrTokenExpired    ErrorKind = "token_expired"
	ErrUpstreamFailure ErrorKind = "upstream_failure"
)

// ClassifiedError carries an ErrorKind alongside the underlying cause.
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewError builds a classified error wrapping cause (which may be nil).
func NewError(kind ErrorKind, message string, cause error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the classification of err, defaulting to upstream failure
// for anything unclassified.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrUpstreamFailure
}
