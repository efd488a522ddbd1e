// Package accessgate guards HTTP routes with credential checks and per-client
// rate limits, and renders every rejection as a structured JSON error.
//
// Errors use a Stripe-style envelope:
//
//	{"error": {"type": "auth_error", "code": "credential_invalid", "message": "..."}}
package accessgate

import (
	"net/http"

	"github.com/nhalm/accessgate/authn"
)

// APIError represents a structured API error response.
type APIError struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Param   string       `json:"param,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
	Status  int          `json:"-"`
}

// FieldError represents a validation error for a specific field.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is matches on Type and Code so that copies made with With still compare equal.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *APIError) With(message string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// WithParam returns a copy of the error with a custom message and parameter.
func (e *APIError) WithParam(message, param string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	dup.Param = param
	return &dup
}

// Credential errors. All are surfaced as 401 and never retried.
var (
	ErrCredentialMissing   = &APIError{Type: "auth_error", Code: "credential_missing", Message: "Missing credentials", Status: http.StatusUnauthorized}
	ErrCredentialMalformed = &APIError{Type: "auth_error", Code: "credential_malformed", Message: "Malformed credentials", Status: http.StatusUnauthorized}
	ErrCredentialInvalid   = &APIError{Type: "auth_error", Code: "credential_invalid", Message: "Invalid credentials", Status: http.StatusUnauthorized}
	ErrCredentialExpired   = &APIError{Type: "auth_error", Code: "credential_expired", Message: "Credentials expired", Status: http.StatusUnauthorized}
)

// Request and policy errors.
var (
	ErrBadRequest              = &APIError{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrUnauthorized            = &APIError{Type: "auth_error", Code: "unauthorized", Message: "Unauthorized", Status: http.StatusUnauthorized}
	ErrForbidden               = &APIError{Type: "auth_error", Code: "forbidden", Message: "Forbidden", Status: http.StatusForbidden}
	ErrNotFound                = &APIError{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrConflict                = &APIError{Type: "request_error", Code: "conflict", Message: "Conflict", Status: http.StatusConflict}
	ErrPayloadTooLarge         = &APIError{Type: "request_error", Code: "payload_too_large", Message: "Payload too large", Status: http.StatusRequestEntityTooLarge}
	ErrRateLimited             = &APIError{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrInternal                = &APIError{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrNotImplemented          = &APIError{Type: "request_error", Code: "not_implemented", Message: "Not implemented", Status: http.StatusNotImplemented}
	ErrBackingStoreUnavailable = &APIError{Type: "service_error", Code: "backing_store_unavailable", Message: "Service temporarily unavailable", Status: http.StatusServiceUnavailable}
)

// NewValidationError creates a validation error with multiple field errors.
func NewValidationError(errors []FieldError) *APIError {
	return &APIError{
		Type:    "validation_error",
		Code:    "invalid_request",
		Message: "Validation failed",
		Errors:  errors,
		Status:  http.StatusBadRequest,
	}
}

// authError maps a rejection reason to the error returned to the caller.
func authError(reason authn.Reason) *APIError {
	switch reason {
	case authn.ReasonMissing:
		return ErrCredentialMissing
	case authn.ReasonMalformed:
		return ErrCredentialMalformed
	case authn.ReasonExpired:
		return ErrCredentialExpired
	case authn.ReasonUnavailable:
		return ErrBackingStoreUnavailable
	default:
		return ErrCredentialInvalid
	}
}
