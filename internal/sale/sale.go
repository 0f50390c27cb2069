package sale

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type Sale struct {
	ID         string `json:"id"`
	ProductRef string `json:"product_ref"`
	PriceCents int    `json:"price_cents"`
	// TotalStock is the stock at creation; SoldUnits grows on confirmed
	// purchases. Remaining durable stock is TotalStock - SoldUnits.
	TotalStock int       `json:"total_stock"`
	SoldUnits  int       `json:"sold_units"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining is the durable unsold stock, the seed value for the working
// counter.
func (s Sale) Remaining() int {
	return s.TotalStock - s.SoldUnits
}

var ErrSaleNotFound = errors.New("sale not found")

// ErrInvalidTransition is the sentinel wrapped by InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

// InvalidTransitionError reports both the attempted and the current state so
// callers can tell "already there" apart from a real violation.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
