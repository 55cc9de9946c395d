package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrTransientIO = errors.New("transient io failure")
	ErrRouting     = errors.New("routing failed")
)

// NotFoundError names the missing entity and, for signals, nearby ids the
// caller may have meant.
type NotFoundError struct {
	Kind       string
	ID         string
	Candidates []string
}

func (e NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %s not found", e.Kind, e.ID)
	if len(e.Candidates) > 0 {
		msg += " (did you mean: " + strings.Join(e.Candidates, ", ") + ")"
	}
	return msg
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError reports an entity that already exists or, when Reason is
// set, one whose state forbids the operation.
type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func (e ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s %s", e.Kind, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s %s already exists", e.Kind, e.ID)
}

func (e ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// FieldError is a single failed check.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError for one field.
func Invalid(field, reason string) error {
	return ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}
