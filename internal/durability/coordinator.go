// Package durability implements the durability coordinator (C5): the
// transactional persistence protocol that keeps durable state consistent
// with in-memory state under concurrent order arrival, cancellation, and
// crash (spec §4.5).
package durability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fenrir/internal/common"
)

// TradeUnitRequest proposes a single fill between an incoming order and the
// resting order it is crossing, at the resting order's price. The
// coordinator may fill less than ProposedQty if the durable store shows
// either leg with less remaining than proposed, and fills nothing if
// either leg is no longer open or partially filled (for example after a
// concurrent cancel) (spec §4.4 step e).
type TradeUnitRequest struct {
	Instrument      common.Instrument
	IncomingOrderID uuid.UUID
	RestingOrderID  uuid.UUID
	BuyOrderID      uuid.UUID
	SellOrderID     uuid.UUID
	ProposedQty     decimal.Decimal
	TradePrice      decimal.Decimal
}

// TradeUnitResult is the durable outcome of a TradeUnitRequest. If
// FilledQty.IsZero(), no trade was recorded: either the incoming leg can
// no longer be filled (IncomingStatus is not resting or IncomingRemaining
// is zero), or the resting leg was already drained and the caller should
// drop the resting order from memory without crediting a fill.
type TradeUnitResult struct {
	FilledQty         decimal.Decimal
	Trade             common.Trade
	IncomingRemaining decimal.Decimal
	IncomingStatus    common.Status
	RestingRemaining  decimal.Decimal
	RestingStatus     common.Status
}

// Coordinator is the durable persistence contract consumed by the matcher
// (C4) and the instrument book's submit/cancel lifecycle (C3). The
// coordinator owns no in-memory order state; it is the sole authority for
// on-disk state and the collaborator that makes in-memory mutation safe.
type Coordinator interface {
	// PersistAccept inserts the order row atomically, enforcing uniqueness
	// on IdempotencyKey when present. A duplicate key returns
	// kernelerr.ErrValidation: callers check for an existing row themselves
	// via FindByIdempotencyKey before calling PersistAccept, and re-check
	// the same way if PersistAccept loses an insert race.
	PersistAccept(ctx context.Context, order *common.Order) error

	// FindByIdempotencyKey returns the previously accepted order and its
	// trade set for idempotent replay, or kernelerr.ErrOrderNotFound if no
	// order was ever accepted with this key.
	FindByIdempotencyKey(ctx context.Context, key string) (*common.Order, []common.Trade, error)

	// CommitTradeUnit performs the durability unit of spec §4.5: within one
	// transaction, lock both order rows, read current remainings, clamp the
	// proposed quantity to what is actually still available, insert the
	// trade (if any quantity remains to fill), update both rows, and commit.
	CommitTradeUnit(ctx context.Context, req TradeUnitRequest) (TradeUnitResult, error)

	// PersistCancel exclusive-locks the order row, refuses if already
	// Filled (kernelerr.ErrOrderAlreadyFilled) or already Cancelled
	// (kernelerr.ErrOrderCancelled), otherwise sets Cancelled and commits.
	// Returns the order as it stood durably at the moment of cancellation.
	PersistCancel(ctx context.Context, orderID uuid.UUID) (*common.Order, error)

	// ReconcileFinal reads the order's current durable remaining/status and
	// reconciles it against the matcher's in-memory computed values,
	// defensive against a concurrent cancellation (spec §4.4 step 3): the
	// durable remaining wins if it is smaller than computed.
	ReconcileFinal(ctx context.Context, orderID uuid.UUID, computedRemaining decimal.Decimal, computedStatus common.Status) (*common.Order, error)

	// LoadOpen returns all limit orders with status in {open,
	// partially_filled} and a price set, ordered by CreatedAt ascending
	// (spec §4.5 recovery).
	LoadOpen(ctx context.Context) ([]*common.Order, error)
}

// DefaultRetryBound is how many times the matcher retries a transient
// durability error (spec §7) before surfacing it.
const DefaultRetryBound = 3

// RetryBackoff is the delay between bounded retries of a transient
// durability error.
const RetryBackoff = 10 * time.Millisecond
