package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorStore        ErrorCode = "STORE_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// GenericFailureMessage is the only text a user sees when a turn fails.
const GenericFailureMessage = "Sorry, something went wrong. " +
	"If the error repeats, try clearing the context with /clear and selecting the model again with /models."

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of a usecase error, or ErrorInternal for any other
// non-nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

// UserMessage renders err for the end user. Invalid input keeps its reason
// visible; everything else collapses into GenericFailureMessage.
func UserMessage(err error) string {
	var ue *Error
	if errors.As(err, &ue) && ue.Code == ErrorInvalidInput {
		switch ue.Reason {
		case "unknown_model":
			return "Unknown model. Use /models to pick one from the list."
		case "empty_text":
			return "Nothing to send."
		}
	}
	return GenericFailureMessage
}
