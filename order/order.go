// Package order holds the order domain and the service that creates, reads
// and updates orders on top of the transactional outbox and the cache.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when an order does not exist or belongs to another user.
// The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("order not found")

type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusPaid     Status = "PAID"
	StatusShipped  Status = "SHIPPED"
	StatusCanceled Status = "CANCELED"
)

// ParseStatus accepts any of the known statuses. Transitions are not checked.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusPaid, StatusShipped, StatusCanceled:
		return st, nil
	default:
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
}

// Item is an opaque line item.
type Item map[string]any

type Order struct {
	ID         uuid.UUID
	UserID     int64
	Items      []Item
	TotalPrice decimal.Decimal
	Status     Status
	CreatedAt  time.Time
}

// ValidationError reports input that violates an order invariant.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Totals are stored as DECIMAL(10,2).
const totalPriceScale = 2

var maxTotalPrice = decimal.New(1, 8)

type CreateParams struct {
	UserID     int64
	Items      []Item
	TotalPrice decimal.Decimal
}

func (p CreateParams) Validate() error {
	if p.UserID <= 0 {
		return &ValidationError{Field: "user_id", Message: "must be positive"}
	}
	if len(p.Items) == 0 {
		return &ValidationError{Field: "items", Message: "must not be empty"}
	}
	if !p.TotalPrice.IsPositive() {
		return &ValidationError{Field: "total_price", Message: "must be greater than zero"}
	}
	if !p.TotalPrice.Equal(p.TotalPrice.Truncate(totalPriceScale)) {
		return &ValidationError{Field: "total_price", Message: "must have at most 2 decimal places"}
	}
	if p.TotalPrice.GreaterThanOrEqual(maxTotalPrice) {
		return &ValidationError{Field: "total_price", Message: "must have at most 10 digits"}
	}
	return nil
}

type UpdateStatusParams struct {
	OrderID uuid.UUID
	UserID  int64
	Status  Status
}
