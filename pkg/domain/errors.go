package domain

import (
	"errors"
	"fmt"
)

// Session errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionExpired   = errors.New("session expired")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrRefreshFailed    = errors.New("token refresh failed")
	ErrRefreshInFlight  = errors.New("refresh already in flight")
	ErrLoginFailed      = errors.New("login failed")
)

// Request errors
var (
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ErrorClass classifies a failed request for retry decisions.
type ErrorClass string

const (
	ClassNetwork     ErrorClass = "network"
	ClassServerError ErrorClass = "serverError"
	ClassTimeout     ErrorClass = "timeout"
	ClassAuthFailure ErrorClass = "authFailure"
	ClassClientError ErrorClass = "clientError"
)

// Retryable reports whether a failure of this class may be retried.
// Auth failures tear the session down instead; other 4xx fail immediately.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassNetwork, ClassServerError, ClassTimeout:
		return true
	}
	return false
}

// RequestError is the classified failure of an outbound request.
type RequestError struct {
	Class  ErrorClass
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request failed (%s, status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("request failed (%s): %v", e.Class, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the wrapped failure may be retried.
func (e *RequestError) Retryable() bool {
	return e.Class.Retryable()
}
