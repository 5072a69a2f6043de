// services/habitat/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Device errors.
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceInactive = errors.New("device is inactive")

	// Command errors.
	ErrCommandNotFound = errors.New("command not found")
	ErrCommandExpired  = errors.New("command expired before execution")

	// Transport errors.
	ErrTransportUnavailable = errors.New("transport not connected")
	ErrDispatchQueueFull    = errors.New("command dispatch queue full")

	// Telemetry errors.
	ErrTelemetryQueueFull = errors.New("telemetry queue full")
	ErrEmptyReading       = errors.New("reading carries no metrics")
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError builds a validation failure surfaced synchronously to
// the caller before any state change.
func NewValidationError(msg string) BusinessError {
	return BusinessError{Code: "VALIDATION_001", Message: msg}
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var be BusinessError
	return errors.As(err, &be) && be.Code == "VALIDATION_001"
}
