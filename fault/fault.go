// Package fault defines the error taxonomy shared by all guild services.
// Every public service operation returns one of these sentinels (wrapped with
// detail); the REST layer maps them to HTTP status codes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means a guild, war, request, or activity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the operation is not valid for the current status,
	// e.g. accepting a request that is no longer pending.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict means the operation violates a mutual-exclusion invariant,
	// e.g. already allied, already at war.
	ErrConflict = errors.New("conflict")
	// ErrPermissionDenied means the caller's role is below the required threshold.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrCapacityExceeded means a member or participant limit has been reached.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrPersistence means a durable-store call failed. The in-memory caches are
	// left unchanged when this is returned (fail closed).
	ErrPersistence = errors.New("persistence failure")
)

// NotFound wraps ErrNotFound with a formatted detail message.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// InvalidState wraps ErrInvalidState with a formatted detail message.
func InvalidState(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidState)...)
}

// Conflict wraps ErrConflict with a formatted detail message.
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// PermissionDenied wraps ErrPermissionDenied with a formatted detail message.
func PermissionDenied(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrPermissionDenied)...)
}

// CapacityExceeded wraps ErrCapacityExceeded with a formatted detail message.
func CapacityExceeded(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrCapacityExceeded)...)
}

// Persistence wraps a failed durable-store error so callers can distinguish it
// from guard failures.
func Persistence(err error) error {
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// HTTPStatus maps a taxonomy error to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPersistence):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
