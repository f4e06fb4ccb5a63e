package kite

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenInvalid is returned when the broker refuses the access token.
	ErrTokenInvalid = errors.New("kite: access token invalid or expired")
	// ErrCredentialReleased is returned when a credential is used outside its scope.
	ErrCredentialReleased = errors.New("kite: credential used after release")
)

// TransientError is a network failure, timeout, rate limit or 5xx response.
// Callers may retry the operation.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("kite %s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("kite %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectionError is a terminal refusal by the broker, such as an order failing
// margin or input checks.
type RejectionError struct {
	Op         string
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("kite %s: rejected (status %d, %s): %s", e.Op, e.StatusCode, e.ErrorType, e.Message)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejection reports whether the broker refused the request.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
