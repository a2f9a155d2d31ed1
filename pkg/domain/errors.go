package domain

import (
	"errors"
	"fmt"
)

// ErrConflict is returned by a store commit when a record read by the
// transaction changed after it was read.
var ErrConflict = errors.New("concurrent modification detected")

// ErrUnaudited is returned when a transaction mutates state without recording
// an audit entry.
var ErrUnaudited = errors.New("mutation committed without audit entry")

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// AuthorizationError reports a caller lacking the role or eligibility for an operation.
type AuthorizationError struct {
	Actor  string
	Role   Role
	Reason string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("user %q with role %q not authorized: %s", e.Actor, e.Role, e.Reason)
}

// InvalidStateError reports an operation that is illegal for the request's current status.
type InvalidStateError struct {
	RequestID string
	Status    RequestStatus
	Operation string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("request %s is %s: %s not allowed", e.RequestID, e.Status, e.Operation)
}

// SequenceError reports an approval step submitted out of order.
type SequenceError struct {
	RequestID string
	Expected  int
	Got       int
}

func (e SequenceError) Error() string {
	return fmt.Sprintf("request %s expects approval step %d, got %d", e.RequestID, e.Expected, e.Got)
}

// InsufficientStockError reports a ledger transfer the source cannot satisfy.
type InsufficientStockError struct {
	OrganizationID string
	BatchID        string
	Available      int64
	Requested      int64
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for batch %s at organization %s: available %d, requested %d",
		e.BatchID, e.OrganizationID, e.Available, e.Requested)
}

// ConcurrencyConflictError reports a contended update that exhausted its retry budget.
type ConcurrencyConflictError struct {
	Operation string
	Attempts  int
}

func (e ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s: concurrent update conflict after %d attempts", e.Operation, e.Attempts)
}

// Unwrap exposes ErrConflict so callers may test with errors.Is.
func (e ConcurrencyConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}
