package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrLocked is returned when a writer operation targets a session
	// locked by another analyst
	ErrLocked = errors.New("session locked by another analyst")

	// ErrBusy is returned when the per-session hunt concurrency cap is hit
	ErrBusy = errors.New("session busy")

	// ErrIncompatibleOS is returned when a module does not support the
	// asset's operating system
	ErrIncompatibleOS = errors.New("module incompatible with asset OS")

	// ErrSessionTerminal is returned when an operation targets a session
	// in a terminal state
	ErrSessionTerminal = errors.New("session in terminal state")

	// ErrAuthRequired is returned when a request carries no valid token
	ErrAuthRequired = errors.New("authentication required")

	// ErrForbidden is returned when the caller is authenticated but not
	// allowed to perform the operation
	ErrForbidden = errors.New("forbidden")

	// ErrShutdown is returned when the process is draining and refuses
	// new work
	ErrShutdown = errors.New("shutting down")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
