package common

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is an immutable record of one match between a buy and a sell order.
//
// Invariants (spec §3): Quantity <= min(remaining_before) of both legs;
// Price equals the resting order's price at the moment of the match; both
// legs share Instrument.
type Trade struct {
	ID          uuid.UUID
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	Instrument  Instrument
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TradedAt    time.Time
}
