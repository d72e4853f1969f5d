package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine-specific error codes.
const (
	ErrInvalidWorkflow    = "INVALID_WORKFLOW"
	ErrTransitionNotFound = "TRANSITION_NOT_FOUND"
	ErrRequirementNotMet  = "REQUIREMENT_NOT_MET"
	ErrInvalidRecordType  = "INVALID_RECORD_TYPE"
)

// ErrorEnvelope is the error type returned by every engine operation and
// rendered verbatim by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a single field-level problem.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err into an *ErrorEnvelope if one is in the chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidWorkflowError returns an INVALID_WORKFLOW error carrying every
// structural problem found in a definition.
func NewInvalidWorkflowError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidWorkflow,
		Message: "Workflow definition is invalid",
		Details: details,
	}
}

// NewTransitionNotFoundError returns a TRANSITION_NOT_FOUND error.
func NewTransitionNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTransitionNotFound, Message: msg}
}

// NewRequirementNotMetError returns a REQUIREMENT_NOT_MET error. Each detail
// names one unsatisfied mandatory requirement.
func NewRequirementNotMetError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRequirementNotMet,
		Message: "One or more transition requirements are not met",
		Details: details,
	}
}

// NewInvalidRecordTypeError returns an INVALID_RECORD_TYPE error.
func NewInvalidRecordTypeError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidRecordType, Message: msg}
}
