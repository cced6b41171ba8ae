package net

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/common"
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseMessage_NewOrderRoundTrip(t *testing.T) {
	buf := EncodeNewOrder(common.Buy, common.Limit, "AAPL", "100.50", "10", "client-1", "idem-1")

	parsed, err := parseMessage(buf)
	require.NoError(t, err)

	m, ok := parsed.(NewOrderMessage)
	require.True(t, ok)
	assert.Equal(t, NewOrder, m.GetType())
	assert.Equal(t, common.Buy, m.Side)
	assert.Equal(t, common.Limit, m.Type)
	assert.Equal(t, common.Instrument("AAPL"), m.Instrument)
	assert.True(t, m.HasPrice)
	assert.Equal(t, "100.50", m.Price)
	assert.Equal(t, "10", m.Quantity)
	assert.Equal(t, "client-1", m.ClientID)
	assert.Equal(t, "idem-1", m.IdempotencyKey)

	order, err := m.Order()
	require.NoError(t, err)
	assert.True(t, order.Price.Equal(mustDecimal("100.50")))
	assert.Equal(t, "client-1", order.ClientID)
	assert.Equal(t, common.Open, order.Status)
}

func TestParseMessage_NewOrderMarketHasNoPrice(t *testing.T) {
	buf := EncodeNewOrder(common.Sell, common.Market, "AAPL", "", "5", "client-2", "")

	parsed, err := parseMessage(buf)
	require.NoError(t, err)
	m := parsed.(NewOrderMessage)
	assert.False(t, m.HasPrice)

	order, err := m.Order()
	require.NoError(t, err)
	assert.False(t, order.HasPrice)
}

func TestParseMessage_CancelOrderRoundTrip(t *testing.T) {
	id := uuid.New()
	buf := EncodeCancelOrder("AAPL", id)

	parsed, err := parseMessage(buf)
	require.NoError(t, err)
	m, ok := parsed.(CancelOrderMessage)
	require.True(t, ok)
	assert.Equal(t, CancelOrder, m.GetType())
	assert.Equal(t, common.Instrument("AAPL"), m.Instrument)
	assert.Equal(t, id, m.OrderID)
}

func TestParseMessage_TooShortIsRejected(t *testing.T) {
	_, err := parseMessage([]byte{0})
	assert.Error(t, err)
}

func TestParseMessage_UnknownTypeIsRejected(t *testing.T) {
	buf := []byte{0xFF, 0xFF}
	_, err := parseMessage(buf)
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestOrderReport_SerializeAndParseRoundTrip(t *testing.T) {
	order := &common.Order{
		ID:         uuid.New(),
		Instrument: "AAPL",
		Side:       common.Buy,
		Type:       common.Limit,
		Status:     common.PartiallyFilled,
		HasPrice:   true,
		Price:      mustDecimal("100.25"),
		Quantity:   mustDecimal("10"),
		Remaining:  mustDecimal("4"),
	}
	trade := common.Trade{
		ID:          uuid.New(),
		BuyOrderID:  order.ID,
		SellOrderID: uuid.New(),
		Instrument:  "AAPL",
		Price:       mustDecimal("100.25"),
		Quantity:    mustDecimal("6"),
	}

	report := OrderReport{MessageType: ExecutionReport, Order: order, Trades: []common.Trade{trade}}
	buf := report.Serialize()

	reportType, err := PeekReportType(buf)
	require.NoError(t, err)
	assert.Equal(t, ExecutionReport, reportType)

	parsedOrder, parsedTrades, err := ParseOrderReport(buf)
	require.NoError(t, err)
	assert.Equal(t, order.ID, parsedOrder.ID)
	assert.Equal(t, order.Status, parsedOrder.Status)
	assert.True(t, order.Price.Equal(parsedOrder.Price))
	assert.True(t, order.Remaining.Equal(parsedOrder.Remaining))
	require.Len(t, parsedTrades, 1)
	assert.Equal(t, trade.ID, parsedTrades[0].ID)
	assert.True(t, trade.Quantity.Equal(parsedTrades[0].Quantity))
}

func TestErrorReport_SerializeAndParseRoundTrip(t *testing.T) {
	report := ErrorReportMessage{Err: "order not found"}
	buf := report.Serialize()

	reportType, err := PeekReportType(buf)
	require.NoError(t, err)
	assert.Equal(t, ErrorReport, reportType)

	msg, err := ParseErrorReport(buf)
	require.NoError(t, err)
	assert.Equal(t, "order not found", msg)
}

func TestGenerateWireErrorReport(t *testing.T) {
	buf := generateWireErrorReport(errors.New("boom"))
	msg, err := ParseErrorReport(buf)
	require.NoError(t, err)
	assert.Equal(t, "boom", msg)
}
