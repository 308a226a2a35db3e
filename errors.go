package qbroker

import (
	"errors"
	"fmt"
)

// Error represents a broker error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for broker operations.
const (
	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates validation failed.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeStorage indicates a storage operation failed.
	// A publish failing with this code was not made durable.
	ErrCodeStorage = "STORAGE_ERROR"

	// ErrCodeDelivery indicates message delivery failed.
	ErrCodeDelivery = "DELIVERY_ERROR"

	// ErrCodeClosed indicates the broker was closed.
	ErrCodeClosed = "CLOSED"
)

// Common errors.
var (
	// ErrNoData is returned when a lookup finds nothing.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrBrokerClosed is returned by operations on a closed broker.
	ErrBrokerClosed = &Error{
		Code:    ErrCodeClosed,
		Message: "broker is closed",
	}

	// ErrNotAcknowledged is recorded on a message whose delivery finished
	// without any subscriber acknowledging it.
	ErrNotAcknowledged = &Error{
		Code:    ErrCodeDelivery,
		Message: "message was not acknowledged",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	return hasCode(err, ErrCodeNoData)
}

// IsValidation checks if an error is a validation failure.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsStorage checks if an error is a storage failure.
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// IsClosed checks if an error reports a closed broker.
func IsClosed(err error) bool {
	return hasCode(err, ErrCodeClosed)
}

func hasCode(err error, code string) bool {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Code == code
	}
	return false
}
