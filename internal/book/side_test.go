package book

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/common"
)

func TestSide_BidOrderingHighToLow(t *testing.T) {
	bids := NewBidSide()
	bids.Insert(newTestOrder(common.Buy, "99", "10"))
	bids.Insert(newTestOrder(common.Buy, "101", "10"))
	bids.Insert(newTestOrder(common.Buy, "100", "10"))

	best, ok := bids.BestPrice()
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("101").Equal(best))

	levels := bids.Levels(0)
	require.Len(t, levels, 3)
	assert.True(t, decimal.RequireFromString("101").Equal(levels[0].Price))
	assert.True(t, decimal.RequireFromString("100").Equal(levels[1].Price))
	assert.True(t, decimal.RequireFromString("99").Equal(levels[2].Price))
}

func TestSide_AskOrderingLowToHigh(t *testing.T) {
	asks := NewAskSide()
	asks.Insert(newTestOrder(common.Sell, "102", "10"))
	asks.Insert(newTestOrder(common.Sell, "100", "10"))
	asks.Insert(newTestOrder(common.Sell, "101", "10"))

	best, ok := asks.BestPrice()
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("100").Equal(best))

	levels := asks.Levels(0)
	require.Len(t, levels, 3)
	assert.True(t, decimal.RequireFromString("100").Equal(levels[0].Price))
	assert.True(t, decimal.RequireFromString("101").Equal(levels[1].Price))
	assert.True(t, decimal.RequireFromString("102").Equal(levels[2].Price))
}

func TestSide_SamePriceLevelIsFIFO(t *testing.T) {
	bids := NewBidSide()
	first := newTestOrder(common.Buy, "100", "10")
	second := newTestOrder(common.Buy, "100", "20")
	bids.Insert(first)
	bids.Insert(second)

	assert.Equal(t, first, bids.PeekBestOrder())
	assert.Equal(t, first, bids.PopFrontBest())
	assert.Equal(t, second, bids.PeekBestOrder())
}

func TestSide_PopIfEmptyRemovesLevel(t *testing.T) {
	bids := NewBidSide()
	o := newTestOrder(common.Buy, "100", "10")
	bids.Insert(o)
	assert.False(t, bids.Empty())

	bids.PopFrontBest()
	assert.True(t, bids.Empty())
	_, ok := bids.BestPrice()
	assert.False(t, ok)
}

func TestSide_RemoveByIDThenPopIfEmpty(t *testing.T) {
	asks := NewAskSide()
	o := newTestOrder(common.Sell, "50", "5")
	asks.Insert(o)

	removed := asks.Remove(o.ID, o.Price)
	require.NotNil(t, removed)
	assert.Equal(t, o, removed)
	assert.True(t, asks.Empty())

	assert.Nil(t, asks.Remove(o.ID, o.Price), "removing twice must be a no-op")
}

func TestSide_LevelsRespectsDepth(t *testing.T) {
	bids := NewBidSide()
	bids.Insert(newTestOrder(common.Buy, "99", "10"))
	bids.Insert(newTestOrder(common.Buy, "100", "10"))
	bids.Insert(newTestOrder(common.Buy, "101", "10"))

	levels := bids.Levels(2)
	assert.Len(t, levels, 2)
	assert.True(t, decimal.RequireFromString("101").Equal(levels[0].Price))
	assert.True(t, decimal.RequireFromString("100").Equal(levels[1].Price))
}
