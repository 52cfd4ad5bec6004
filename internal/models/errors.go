package models

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the pipeline
var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrServiceUnavailableInArea = errors.New("service unavailable in area")
	ErrSignatureMismatch        = errors.New("signature mismatch")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrDuplicateOrder           = errors.New("order with this idempotency key already exists")
)

// ValidationError is bad caller input; it is never retried
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InsufficientStockError reports the first product that could not be reserved
type InsufficientStockError struct {
	ProductID   int64
	WarehouseID int64
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d in warehouse %d (requested %d)",
		e.ProductID, e.WarehouseID, e.Requested)
}

// Is makes errors.Is(err, ErrInsufficientStock) match
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
