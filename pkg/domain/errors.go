package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrUpstream   = errors.New("upstream rejected request")
	ErrNetwork    = errors.New("network failure")
)

type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type MissingRequiredFieldError struct {
	Key   VarKey
	Label string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("missing required field %q (%s)", e.Key, e.Label)
}

func (e *MissingRequiredFieldError) Unwrap() error { return ErrValidation }

type InvalidSignerEmailError struct {
	Email string
}

func (e *InvalidSignerEmailError) Error() string {
	return fmt.Sprintf("invalid signer email: %q", e.Email)
}

func (e *InvalidSignerEmailError) Unwrap() error { return ErrValidation }

type TemplateNotFoundError struct {
	TemplateID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template %s not found", e.TemplateID)
}

func (e *TemplateNotFoundError) Unwrap() error { return ErrNotFound }

type ConflictError struct {
	Code    string
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Unwrap() error { return ErrConflict }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition contract from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrConflict }
