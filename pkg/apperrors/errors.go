// Package apperrors holds the error taxonomy shared by the command side, the
// outbox publisher and the query side.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ValidationError rejects a malformed command before any store is touched.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}

	return "validation failed: " + strings.Join(parts, "; ")
}

// SerializationError means an event payload could not be encoded or decoded.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// DeliveryError is a transient failure handing an event to the bus.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ExhaustedRetryError marks an outbox record that will never be retried automatically.
type ExhaustedRetryError struct {
	RecordID   int64
	RetryCount int
	Err        error
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("outbox record %d exhausted after %d attempts: %v", e.RecordID, e.RetryCount, e.Err)
}

func (e *ExhaustedRetryError) Unwrap() error { return e.Err }

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// HTTPStatus maps an error from the core onto the status code the edge should answer with.
func HTTPStatus(err error) int {
	var (
		validationErr    *ValidationError
		serializationErr *SerializationError
		deliveryErr      *DeliveryError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.As(err, &deliveryErr):
		return http.StatusBadGateway
	case errors.As(err, &serializationErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
