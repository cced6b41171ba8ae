package book

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/common"
)

func newTestOrder(side common.Side, price string, qty string) *common.Order {
	dqty := decimal.RequireFromString(qty)
	return &common.Order{
		ID:         uuid.New(),
		ClientID:   "test-client",
		Instrument: "AAPL",
		Side:       side,
		Type:       common.Limit,
		Price:      decimal.RequireFromString(price),
		HasPrice:   true,
		Quantity:   dqty,
		Remaining:  dqty,
		Status:     common.Open,
	}
}

func TestLevel_FIFOOrdering(t *testing.T) {
	lvl := NewLevel(decimal.RequireFromString("100"), common.Buy)

	first := newTestOrder(common.Buy, "100", "10")
	second := newTestOrder(common.Buy, "100", "20")
	third := newTestOrder(common.Buy, "100", "30")

	lvl.PushBack(first)
	lvl.PushBack(second)
	lvl.PushBack(third)

	assert.Equal(t, 3, lvl.Len())
	assert.Equal(t, first, lvl.PeekFront())
	assert.Equal(t, []*common.Order{first, second, third}, lvl.Orders())

	assert.Equal(t, first, lvl.PopFront())
	assert.Equal(t, second, lvl.PeekFront())
	assert.Equal(t, 2, lvl.Len())
}

func TestLevel_RemoveByID_PreservesOrder(t *testing.T) {
	lvl := NewLevel(decimal.RequireFromString("100"), common.Buy)

	first := newTestOrder(common.Buy, "100", "10")
	second := newTestOrder(common.Buy, "100", "20")
	third := newTestOrder(common.Buy, "100", "30")

	lvl.PushBack(first)
	lvl.PushBack(second)
	lvl.PushBack(third)

	removed := lvl.RemoveByID(second.ID)
	require.NotNil(t, removed)
	assert.Equal(t, second, removed)
	assert.Equal(t, []*common.Order{first, third}, lvl.Orders())

	assert.Nil(t, lvl.RemoveByID(second.ID), "removing twice must be a no-op")
}

func TestLevel_TotalQuantity(t *testing.T) {
	lvl := NewLevel(decimal.RequireFromString("50"), common.Sell)
	lvl.PushBack(newTestOrder(common.Sell, "50", "10"))
	lvl.PushBack(newTestOrder(common.Sell, "50", "15.5"))

	assert.True(t, decimal.RequireFromString("25.5").Equal(lvl.TotalQuantity()))
}

func TestLevel_IsEmpty(t *testing.T) {
	lvl := NewLevel(decimal.RequireFromString("50"), common.Buy)
	assert.True(t, lvl.IsEmpty())

	o := newTestOrder(common.Buy, "50", "1")
	lvl.PushBack(o)
	assert.False(t, lvl.IsEmpty())

	lvl.PopFront()
	assert.True(t, lvl.IsEmpty())
}
