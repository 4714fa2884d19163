package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeCancelled  ErrorType = "cancelled"

	// Supervisor termination reasons
	ErrorTypeChildFailed     ErrorType = "child_failed"
	ErrorTypeWindowExhausted ErrorType = "window_exhausted"
	ErrorTypeBudgetExhausted ErrorType = "budget_exhausted"
)

// Process exit codes per termination reason
const (
	ExitCodeOK              = 0
	ExitCodeConfig          = 2
	ExitCodeChildFailed     = 3
	ExitCodeWindowExhausted = 4
	ExitCodeBudgetExhausted = 5
	ExitCodeInternal        = 70
	ExitCodeIO              = 74
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func NewChildFailedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeChildFailed, message, cause)
}

func NewWindowExhaustedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeWindowExhausted, message, cause)
}

func NewBudgetExhaustedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeBudgetExhausted, message, cause)
}

// Error checking helpers
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

func IsProcessError(err error) bool {
	return hasType(err, ErrorTypeProcess)
}

func IsIOError(err error) bool {
	return hasType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return hasType(err, ErrorTypeCancelled)
}

// IsPolicyError reports whether err is one of the restart budget terminations.
func IsPolicyError(err error) bool {
	return hasType(err, ErrorTypeWindowExhausted) || hasType(err, ErrorTypeBudgetExhausted)
}

func hasType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

// ExitCode maps the error a supervisor run ended with to the process exit code.
// A nil error and a cancellation are both normal shutdowns.
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeOK
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return ExitCodeInternal
	}
	switch domainErr.Type {
	case ErrorTypeCancelled:
		return ExitCodeOK
	case ErrorTypeValidation:
		return ExitCodeConfig
	case ErrorTypeChildFailed:
		return ExitCodeChildFailed
	case ErrorTypeWindowExhausted:
		return ExitCodeWindowExhausted
	case ErrorTypeBudgetExhausted:
		return ExitCodeBudgetExhausted
	case ErrorTypeIO:
		return ExitCodeIO
	default:
		return ExitCodeInternal
	}
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
