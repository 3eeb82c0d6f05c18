package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

func (s ErrorType) String() string {
	return strings.ToLower(string(s))
}

const (
	ErrInternalError   ErrorType = "Internal Error"
	ErrNotFound        ErrorType = "Not Found"
	ErrAlreadyExists   ErrorType = "Resource Already Exists"
	ErrInvalidArgument ErrorType = "Invalid Argument"
	ErrFailedPrecond   ErrorType = "Failed Precondition"
	ErrUnauthorized    ErrorType = "Unauthorized"
	ErrInfrastructure  ErrorType = "Infrastructure Error"
	ErrUnsupported     ErrorType = "Unsupported"
	ErrConflict        ErrorType = "Conflict"
)

type DomainError struct {
	ErrorType  ErrorType
	Entity     string
	Message    string
	WrappedErr error
}

func NewError(errType ErrorType, entity, msg string) *DomainError {
	return &DomainError{
		ErrorType: errType,
		Entity:    entity,
		Message:   msg,
	}
}

func InvalidArgument(entity, msg string) *DomainError {
	return NewError(ErrInvalidArgument, entity, msg)
}

func NotFound(entity, msg string) *DomainError {
	return NewError(ErrNotFound, entity, msg)
}

func FailedPrecondition(entity, msg string) *DomainError {
	return NewError(ErrFailedPrecond, entity, msg)
}

func Unauthorized(entity, msg string) *DomainError {
	return NewError(ErrUnauthorized, entity, msg)
}

func Unsupported(entity, msg string) *DomainError {
	return NewError(ErrUnsupported, entity, msg)
}

func Conflict(entity, msg string) *DomainError {
	return NewError(ErrConflict, entity, msg)
}

func Infrastructure(entity, msg string, err error) *DomainError {
	return &DomainError{
		ErrorType:  ErrInfrastructure,
		Entity:     entity,
		Message:    msg,
		WrappedErr: err,
	}
}

func InternalError(entity, msg string, err error) *DomainError {
	return &DomainError{
		ErrorType:  ErrInternalError,
		Entity:     entity,
		Message:    msg,
		WrappedErr: err,
	}
}

// Wrap keeps a DomainError as it is and turns anything else into an internal error
func Wrap(entity, msg string, err error) error {
	if err == nil {
		return nil
	}

	var de *DomainError
	if errors.As(err, &de) {
		return err
	}
	return InternalError(entity, msg, err)
}

func (e *DomainError) Error() string {
	if e.WrappedErr != nil {
		return fmt.Sprintf("%v for entity %v: %v: %v",
			e.ErrorType.String(), e.Entity, e.Message, e.WrappedErr.Error())
	}
	return fmt.Sprintf("%v for entity %v: %v",
		e.ErrorType.String(), e.Entity, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.WrappedErr
}

// DebugString includes the wrapped error chain, for logs only
func (e *DomainError) DebugString() string {
	wrappedError := ""
	if e.WrappedErr != nil {
		wrappedError = e.WrappedErr.Error()
	}

	return fmt.Sprintf("%v for entity %v: %v, %s",
		e.ErrorType.String(), e.Entity, e.Message, wrappedError)
}

func IsErrorType(err error, errType ErrorType) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.ErrorType == errType
	}
	return false
}

// UserMessage returns the message of a DomainError, falling back to the
// supplied text for anything that is not safe to show to a user
func UserMessage(err error, fallback string) string {
	var de *DomainError
	if errors.As(err, &de) && de.ErrorType != ErrInternalError && de.ErrorType != ErrInfrastructure {
		return de.Message
	}
	return fallback
}

func MapToHTTPStatus(err error) int {
	var de *DomainError
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}

	switch de.ErrorType {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrAlreadyExists, ErrConflict:
		return http.StatusConflict
	case ErrFailedPrecond:
		return http.StatusPreconditionFailed
	case ErrUnauthorized:
		return http.StatusForbidden
	case ErrUnsupported:
		return http.StatusNotImplemented
	case ErrInfrastructure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
