package common

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order is a client buy/sell intent against one instrument.
//
// Invariants (spec §3): Remaining == Quantity at creation; Remaining is
// monotonically non-increasing; Status == Filled iff Remaining.IsZero();
// Status == Cancelled implies no further mutation; a limit order is
// eligible for resting iff Type == Limit, Status.Resting(), Remaining is
// positive, and Price is set.
type Order struct {
	ID             uuid.UUID
	ClientID       string
	Instrument     Instrument
	Side           Side
	Type           OrderType
	Price          decimal.Decimal // meaningless unless HasPrice
	HasPrice       bool            // false for market orders
	Quantity       decimal.Decimal // original submitted size, immutable
	Remaining      decimal.Decimal
	Status         Status
	CreatedAt      time.Time
	IdempotencyKey string // empty means "not supplied"
}

// Resting reports whether this order is eligible to sit in a side book.
func (o *Order) Resting() bool {
	return o.Type == Limit && o.Status.Resting() && o.Remaining.IsPositive() && o.HasPrice
}

// Clone returns a copy safe to hand to a caller; decimal.Decimal is
// immutable so a shallow struct copy suffices.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}
