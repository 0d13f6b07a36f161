package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrLimitExceeded         = errors.New("transaction limit exceeded")
	ErrNotFound              = errors.New("resource not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrUpstreamUnavailable   = errors.New("upstream unavailable")
	ErrInternalInconsistency = errors.New("internal inconsistency")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrRateLimited           = errors.New("rate limited")

	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrWebhookNotFound     = fmt.Errorf("webhook registration %w", ErrNotFound)

	// ErrSecretDecryption is returned when a stored secret can not be decrypted.
	ErrSecretDecryption = errors.New("secret decryption failed")
	// ErrLegacySecret marks a stored secret that predates encryption at rest.
	ErrLegacySecret = errors.New("secret stored without encryption")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every invalid field of a request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	var b strings.Builder
	for i, f := range e.Fields {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Field + ": " + f.Message)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a single-field validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// LimitExceededError carries the reason and the figures that caused a rejection.
type LimitExceededError struct {
	Result LimitCheckResult
}

func (e *LimitExceededError) Error() string {
	return e.Result.Reason
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }
