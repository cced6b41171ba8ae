package durability

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/common"
	"fenrir/internal/kernelerr"
)

func newOrder(side common.Side, price, qty string) *common.Order {
	return &common.Order{
		ID:         uuid.New(),
		ClientID:   "c1",
		Instrument: "AAPL",
		Side:       side,
		Type:       common.Limit,
		HasPrice:   true,
		Price:      decimal.RequireFromString(price),
		Quantity:   decimal.RequireFromString(qty),
		Remaining:  decimal.RequireFromString(qty),
		Status:     common.Open,
		CreatedAt:  time.Now(),
	}
}

func TestMemory_PersistAcceptRejectsDuplicateIdempotencyKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	o1 := newOrder(common.Buy, "100", "10")
	o1.IdempotencyKey = "k1"
	require.NoError(t, m.PersistAccept(ctx, o1))

	o2 := newOrder(common.Buy, "100", "5")
	o2.IdempotencyKey = "k1"
	err := m.PersistAccept(ctx, o2)
	assert.ErrorIs(t, err, kernelerr.ErrValidation)

	found, _, err := m.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, o1.ID, found.ID)
}

func TestMemory_FindByIdempotencyKeyNotFound(t *testing.T) {
	m := NewMemory()
	_, _, err := m.FindByIdempotencyKey(context.Background(), "missing")
	assert.ErrorIs(t, err, kernelerr.ErrOrderNotFound)
}

func TestMemory_CommitTradeUnitClampsToAvailableRemaining(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	incoming := newOrder(common.Buy, "100", "10")
	resting := newOrder(common.Sell, "100", "4")
	require.NoError(t, m.PersistAccept(ctx, incoming))
	require.NoError(t, m.PersistAccept(ctx, resting))

	result, err := m.CommitTradeUnit(ctx, TradeUnitRequest{
		Instrument:      "AAPL",
		IncomingOrderID: incoming.ID,
		RestingOrderID:  resting.ID,
		BuyOrderID:      incoming.ID,
		SellOrderID:     resting.ID,
		ProposedQty:     decimal.RequireFromString("10"),
		TradePrice:      decimal.RequireFromString("100"),
	})
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("4").Equal(result.FilledQty), "proposed qty must clamp to the resting leg's remaining")
	assert.True(t, decimal.RequireFromString("6").Equal(result.IncomingRemaining))
	assert.True(t, result.RestingRemaining.IsZero())
	assert.Equal(t, common.Filled, result.RestingStatus)
	assert.Equal(t, common.PartiallyFilled, result.IncomingStatus)
}

func TestMemory_CommitTradeUnitUnknownOrder(t *testing.T) {
	m := NewMemory()
	_, err := m.CommitTradeUnit(context.Background(), TradeUnitRequest{
		IncomingOrderID: uuid.New(),
		RestingOrderID:  uuid.New(),
		ProposedQty:     decimal.RequireFromString("1"),
	})
	assert.ErrorIs(t, err, kernelerr.ErrOrderNotFound)
}

func TestMemory_PersistCancelRefusesAlreadyCancelled(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	o := newOrder(common.Buy, "100", "5")
	require.NoError(t, m.PersistAccept(ctx, o))

	cancelled, err := m.PersistCancel(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, common.Cancelled, cancelled.Status)

	_, err = m.PersistCancel(ctx, o.ID)
	assert.ErrorIs(t, err, kernelerr.ErrOrderCancelled)
}

func TestMemory_ReconcileFinalDurableCancelWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	o := newOrder(common.Buy, "100", "10")
	require.NoError(t, m.PersistAccept(ctx, o))

	// A concurrent cancel reaches durable state (remaining preserved at its
	// true unfilled value, 10) before the matcher's in-memory computation
	// (still showing 5 remaining from a fill that can no longer happen)
	// reconciles.
	cancelled, err := m.PersistCancel(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10").Equal(cancelled.Remaining), "cancel must preserve the order's true unfilled remaining, not zero it")

	final, err := m.ReconcileFinal(ctx, o.ID, decimal.RequireFromString("5"), common.PartiallyFilled)
	require.NoError(t, err)
	assert.Equal(t, common.Cancelled, final.Status, "durable cancellation must win over the matcher's stale computation")
	assert.True(t, decimal.RequireFromString("10").Equal(final.Remaining))
}

func TestMemory_CommitTradeUnitRejectsCancelledLeg(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	incoming := newOrder(common.Buy, "100", "10")
	resting := newOrder(common.Sell, "100", "10")
	require.NoError(t, m.PersistAccept(ctx, incoming))
	require.NoError(t, m.PersistAccept(ctx, resting))

	_, err := m.PersistCancel(ctx, resting.ID)
	require.NoError(t, err)

	result, err := m.CommitTradeUnit(ctx, TradeUnitRequest{
		Instrument:      "AAPL",
		IncomingOrderID: incoming.ID,
		RestingOrderID:  resting.ID,
		BuyOrderID:      incoming.ID,
		SellOrderID:     resting.ID,
		ProposedQty:     decimal.RequireFromString("10"),
		TradePrice:      decimal.RequireFromString("100"),
	})
	require.NoError(t, err)
	assert.True(t, result.FilledQty.IsZero(), "a cancelled leg must not be filled even though its remaining is still positive")
}

func TestMemory_LoadOpenOnlyReturnsRestingLimitOrders(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	open := newOrder(common.Buy, "100", "10")
	filled := newOrder(common.Sell, "100", "5")
	filled.Status = common.Filled
	filled.Remaining = decimal.Zero
	market := &common.Order{ID: uuid.New(), ClientID: "c1", Instrument: "AAPL", Side: common.Buy, Type: common.Market, Quantity: decimal.RequireFromString("1"), Remaining: decimal.RequireFromString("1"), Status: common.Cancelled}

	require.NoError(t, m.PersistAccept(ctx, open))
	require.NoError(t, m.PersistAccept(ctx, filled))
	require.NoError(t, m.PersistAccept(ctx, market))

	got, err := m.LoadOpen(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
}
