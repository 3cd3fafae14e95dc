package services

import (
	"errors"

	"github.com/soaringjerry/Fieldform/internal/objstore"
)

type ErrorCode string

const (
	ErrorInvalid           ErrorCode = "invalid"
	ErrorNotFound          ErrorCode = "not_found"
	ErrorConflict          ErrorCode = "conflict"
	ErrorAlreadyCompleted  ErrorCode = "already_completed"
	ErrorIllegalTransition ErrorCode = "illegal_transition"
	ErrorTransient         ErrorCode = "transient"
	ErrorMalformed         ErrorCode = "malformed"
	ErrorStorage           ErrorCode = "storage"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches on code so callers can test errors.Is(err, ErrAlreadyCompleted)
// whatever the message.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func NewInvalidError(msg string) error  { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error { return &ServiceError{Code: ErrorConflict, Message: msg} }

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

var (
	// ErrAlreadyCompleted blocks a participant who already finished the questionnaire.
	ErrAlreadyCompleted = &ServiceError{Code: ErrorAlreadyCompleted}
	// ErrSessionNotFound reports an unknown session id.
	ErrSessionNotFound = &ServiceError{Code: ErrorNotFound}
	// ErrIllegalTransition reports an operation not allowed from the session's state.
	ErrIllegalTransition = &ServiceError{Code: ErrorIllegalTransition}
	// ErrRevisionConflict reports a save against a record another writer changed.
	ErrRevisionConflict = &ServiceError{Code: ErrorConflict}
)

// wrapStoreError turns an object store failure into a ServiceError so the
// presentation layer can choose between "retry" and "broken record" messages.
func wrapStoreError(msg string, err error) error {
	switch {
	case err == nil:
		return nil
	case objstore.IsTransient(err):
		return &ServiceError{Code: ErrorTransient, Message: msg, Err: err}
	case objstore.IsMalformed(err):
		return &ServiceError{Code: ErrorMalformed, Message: msg, Err: err}
	default:
		return &ServiceError{Code: ErrorStorage, Message: msg, Err: err}
	}
}

// IsRetryable reports whether the participant should simply try again.
func IsRetryable(err error) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == ErrorTransient
}
