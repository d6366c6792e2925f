package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing quote, invoice or payment.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict marks an operation attempted from the wrong status.
	ErrStateConflict = errors.New("state conflict")
	// ErrNumberingContention marks a lost race while allocating a document
	// number. It is the only error retried automatically.
	ErrNumberingContention = errors.New("document numbering contention")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldName reports the offending input field.
func (e *ValidationError) FieldName() string {
	return e.Field
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StateConflictError names the current and the expected statuses.
type StateConflictError struct {
	Entity   string
	ID       int64
	Status   string
	Expected []string
	Reason   string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("%s %d is %s", e.Entity, e.ID, e.Status)
	if len(e.Expected) > 0 {
		msg += fmt.Sprintf(", expected %s", joinOr(e.Expected))
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets errors.Is(err, ErrStateConflict) match.
func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

// NotFound wraps ErrNotFound with the entity and id.
func NotFound(entity string, id int64) error {
	return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
}

func joinOr(values []string) string {
	switch len(values) {
	case 0:
		return ""
	case 1:
		return values[0]
	}
	out := values[0]
	for _, v := range values[1 : len(values)-1] {
		out += ", " + v
	}
	return out + " or " + values[len(values)-1]
}
