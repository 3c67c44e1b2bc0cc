package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation decisions and HTTP mapping.
type Kind string

const (
	InvalidInput         Kind = "invalid_input"
	PayloadTooLarge      Kind = "payload_too_large"
	NotFound             Kind = "not_found"
	Gone                 Kind = "gone"
	NotReady             Kind = "not_ready"
	IdempotencyConflict  Kind = "idempotency_conflict"
	DatastoreUnavailable Kind = "datastore_unavailable"
	TaskFailure          Kind = "task_failure"
	RetryBudgetExhausted Kind = "retry_budget_exhausted"
	Timeout              Kind = "timeout"
	Internal             Kind = "internal"
)

// Error carries a kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code used by the front handlers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidInput:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case NotFound, NotReady:
		return http.StatusNotFound
	case Gone:
		return http.StatusGone
	case IdempotencyConflict:
		return http.StatusConflict
	case TaskFailure, RetryBudgetExhausted:
		return http.StatusUnprocessableEntity
	case DatastoreUnavailable, Timeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
