package errors

import (
	"errors"
	"fmt"
)

// Error types for the workflow domain
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeInvalidTransition   ErrorType = "invalid_transition"
	ErrorTypeConflict            ErrorType = "conflict"
	ErrorTypePrerequisite        ErrorType = "prerequisite_not_met"
	ErrorTypeSegregationOfDuties ErrorType = "segregation_of_duties"
	ErrorTypeForbidden           ErrorType = "forbidden"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypePersistence         ErrorType = "persistence"
	ErrorTypeInternal            ErrorType = "internal"
)

// Error codes surfaced to callers
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidMethodology  = "INVALID_METHODOLOGY"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeConflictingRequest  = "CONFLICTING_REQUEST"
	CodeDuplicateAssignment = "DUPLICATE_ASSIGNMENT"
	CodePrerequisiteNotMet  = "PREREQUISITE_NOT_MET"
	CodeSegregationOfDuties = "SEGREGATION_OF_DUTIES_VIOLATION"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "RESOURCE_NOT_FOUND"
	CodePersistence         = "PERSISTENCE_ERROR"
	CodeVersionConflict     = "VERSION_CONFLICT"
	CodeInternal            = "INTERNAL_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails merges details into the error
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: 400,
	}
}

// NewInvalidTransitionError reports a state machine rule violation with
// enough context for the caller to explain the rejection.
func NewInvalidTransitionError(entityType, entityID, current, attempted string) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidTransition,
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("%s %s cannot move from %s to %s", entityType, entityID, current, attempted),
		StatusCode: 409,
		Details: map[string]interface{}{
			"entity_type":   entityType,
			"entity_id":     entityID,
			"current_state": current,
			"attempted":     attempted,
		},
	}
}

func NewConflictingRequestError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeConflictingRequest,
		Message:    message,
		StatusCode: 409,
	}
}

func NewDuplicateAssignmentError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeDuplicateAssignment,
		Message:    message,
		StatusCode: 409,
	}
}

// NewConflictError reports a uniqueness violation with a specific code
func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: 409,
	}
}

func NewPrerequisiteError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypePrerequisite,
		Code:       CodePrerequisiteNotMet,
		Message:    message,
		StatusCode: 422,
	}
}

func NewSegregationOfDutiesError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeSegregationOfDuties,
		Code:       CodeSegregationOfDuties,
		Message:    message,
		StatusCode: 403,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       CodeForbidden,
		Message:    message,
		StatusCode: 403,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
	}
}

// NewPersistenceError reports a permanent storage failure
func NewPersistenceError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypePersistence,
		Code:       CodePersistence,
		Message:    message,
		StatusCode: 503,
	}
}

// NewTransientPersistenceError reports a storage failure worth retrying
func NewTransientPersistenceError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypePersistence,
		Code:       CodePersistence,
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

// NewVersionConflictError reports a lost optimistic concurrency race
func NewVersionConflictError(entityType, entityID string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       CodeVersionConflict,
		Message:    fmt.Sprintf("%s %s was modified concurrently", entityType, entityID),
		StatusCode: 409,
		Details: map[string]interface{}{
			"entity_type": entityType,
			"entity_id":   entityID,
		},
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternal,
		Message:    message,
		StatusCode: 500,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// HasCode checks if an error carries a specific code
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
