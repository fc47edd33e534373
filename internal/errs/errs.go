// Package errs holds the error taxonomy of the workflow engine.
//
// Every error type unwraps to a sentinel so callers can classify with
// errors.Is and inspect details with errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrProtectedStatus = errors.New("status is protected")
	ErrStatusInUse     = errors.New("status is in use")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrStaleTransition = errors.New("order status changed concurrently")
)

// Violation is one failed constraint of a ValidationError.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violated constraint of a request, not just the first.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func NewValidationError(field, message string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, "%s", message)
	return v
}

// Add records a violation.
func (e *ValidationError) Add(field, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	e.Violations = append(e.Violations, Violation{Field: field, Message: msg})
}

// OrNil returns nil when nothing was recorded, so callers can write `return v.OrNil()`.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// Fields returns the violated field names in the order they were recorded.
func (e *ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		fields = append(fields, v.Field)
	}
	return fields
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError reports a missing order, status or container.
type NotFoundError struct {
	Entity string
	ID     int64
}

func NewNotFoundError(entity string, id int64) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ProtectedStatusError rejects mutation of the reserved initial status.
type ProtectedStatusError struct {
	StatusID int64
	Op       string
}

func NewProtectedStatusError(statusID int64, op string) *ProtectedStatusError {
	return &ProtectedStatusError{StatusID: statusID, Op: op}
}

func (e *ProtectedStatusError) Error() string {
	return fmt.Sprintf("status %d is protected: cannot %s", e.StatusID, e.Op)
}

func (e *ProtectedStatusError) Unwrap() error {
	return ErrProtectedStatus
}

// StatusInUseError rejects deletion of a status that is still referenced.
type StatusInUseError struct {
	StatusID int64
	Reason   string
}

func NewStatusInUseError(statusID int64, reason string) *StatusInUseError {
	return &StatusInUseError{StatusID: statusID, Reason: reason}
}

func (e *StatusInUseError) Error() string {
	return fmt.Sprintf("status %d is in use: %s", e.StatusID, e.Reason)
}

func (e *StatusInUseError) Unwrap() error {
	return ErrStatusInUse
}

// InvalidStatusError signals registry/order desynchronization: a status id
// that should exist does not.
type InvalidStatusError struct {
	ProjectID int64
	StatusID  int64
}

func NewInvalidStatusError(projectID, statusID int64) *InvalidStatusError {
	return &InvalidStatusError{ProjectID: projectID, StatusID: statusID}
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("status %d is not registered in project %d", e.StatusID, e.ProjectID)
}

func (e *InvalidStatusError) Unwrap() error {
	return ErrInvalidStatus
}

// StaleTransitionError is returned when an order left the status a transition
// was computed against before the transition could commit.
type StaleTransitionError struct {
	OrderID  int64
	Expected int64
	Actual   int64
}

func NewStaleTransitionError(orderID, expected, actual int64) *StaleTransitionError {
	return &StaleTransitionError{OrderID: orderID, Expected: expected, Actual: actual}
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("order %d: expected status %d, found %d", e.OrderID, e.Expected, e.Actual)
}

func (e *StaleTransitionError) Unwrap() error {
	return ErrStaleTransition
}
