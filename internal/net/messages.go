package net

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fenrir/internal/common"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short for specified field length")
	ErrInvalidUUID        = errors.New("invalid uuid")
	ErrInvalidDecimal     = errors.New("invalid decimal on wire")
)

type MessageType int

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
)

type ReportMessageType int

const (
	ExecutionReport ReportMessageType = iota
	ErrorReport
)

type Message interface {
	GetType() MessageType
}

// BaseMessageHeaderLen is the 2-byte message type tag every frame starts
// with.
const BaseMessageHeaderLen = 2

// BaseMessage is embedded by every concrete message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

func parseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return BaseMessage{}, errors.New("message too short to contain header")
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	msg = msg[2:]
	switch typeOf {
	case NewOrder:
		return parseNewOrder(msg)
	case CancelOrder:
		return parseCancelOrder(msg)
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

// NewOrderMessage is the wire representation of a submit-order request.
// Price and quantity travel as length-prefixed decimal strings, never as
// binary floats (spec §9): a client-supplied "10.50" must compare equal
// to another client's "10.50" however it was typed.
type NewOrderMessage struct {
	BaseMessage
	Side           common.Side
	Type           common.OrderType
	Instrument     common.Instrument
	HasPrice       bool
	Price          string // decimal text, empty unless HasPrice
	Quantity       string // decimal text
	ClientID       string
	IdempotencyKey string
}

// Order converts the wire message into a kernel order, parsing its
// decimal fields. orderID is generated here rather than trusted from the
// wire, matching the teacher's client-never-assigns-the-id convention.
func (o *NewOrderMessage) Order() (*common.Order, error) {
	qty, err := decimal.NewFromString(o.Quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: quantity %q", ErrInvalidDecimal, o.Quantity)
	}

	order := &common.Order{
		ID:             uuid.New(),
		ClientID:       o.ClientID,
		Instrument:     o.Instrument,
		Side:           o.Side,
		Type:           o.Type,
		Quantity:       qty,
		Remaining:      qty,
		Status:         common.Open,
		IdempotencyKey: o.IdempotencyKey,
	}
	if o.HasPrice {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: price %q", ErrInvalidDecimal, o.Price)
		}
		order.Price = price
		order.HasPrice = true
	}
	return order, nil
}

func parseNewOrder(msg []byte) (NewOrderMessage, error) {
	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}

	r := wireReader{buf: msg}
	side, err := r.byte_()
	if err != nil {
		return m, err
	}
	typ, err := r.byte_()
	if err != nil {
		return m, err
	}
	hasPrice, err := r.byte_()
	if err != nil {
		return m, err
	}
	m.Side = common.Side(side)
	m.Type = common.OrderType(typ)
	m.HasPrice = hasPrice != 0

	instrument, err := r.lenPrefixedString16()
	if err != nil {
		return m, err
	}
	m.Instrument = common.Instrument(instrument)

	if m.HasPrice {
		price, err := r.lenPrefixedString16()
		if err != nil {
			return m, err
		}
		m.Price = price
	}

	qty, err := r.lenPrefixedString16()
	if err != nil {
		return m, err
	}
	m.Quantity = qty

	clientID, err := r.lenPrefixedString16()
	if err != nil {
		return m, err
	}
	m.ClientID = clientID

	idempotencyKey, err := r.lenPrefixedString16()
	if err != nil {
		return m, err
	}
	m.IdempotencyKey = idempotencyKey

	return m, nil
}

// CancelOrderMessage is the wire representation of a cancel-order
// request.
type CancelOrderMessage struct {
	BaseMessage
	Instrument common.Instrument
	OrderID    uuid.UUID
}

func parseCancelOrder(msg []byte) (CancelOrderMessage, error) {
	m := CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}}

	r := wireReader{buf: msg}
	instrument, err := r.lenPrefixedString16()
	if err != nil {
		return m, err
	}
	m.Instrument = common.Instrument(instrument)

	idBytes, err := r.fixed(16)
	if err != nil {
		return m, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidUUID, err)
	}
	m.OrderID = id

	return m, nil
}

// wireReader is a small cursor over a length-prefixed binary message,
// mirroring the teacher's manual offset bookkeeping but centralizing the
// length checks it omitted.
type wireReader struct {
	buf []byte
	pos int
}

func (r *wireReader) byte_() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, ErrMessageTooShort
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *wireReader) fixed(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrMessageTooShort
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// lenPrefixedString16 reads a 2-byte big-endian length followed by that
// many bytes of UTF-8 text.
func (r *wireReader) lenPrefixedString16() (string, error) {
	if r.pos+2 > len(r.buf) {
		return "", ErrMessageTooShort
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2]))
	r.pos += 2
	b, err := r.fixed(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// wireWriter appends length-prefixed fields in the same shape
// wireReader parses.
type wireWriter struct {
	buf []byte
}

func (w *wireWriter) byte_(b byte) {
	w.buf = append(w.buf, b)
}

func (w *wireWriter) fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *wireWriter) lenPrefixedString16(s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, s...)
}

// OrderReport is the wire representation of an order's state after a
// submit or cancel, carrying its resulting trades.
type OrderReport struct {
	MessageType ReportMessageType
	Order       *common.Order
	Trades      []common.Trade
}

// Serialize converts the report to bytes for the wire.
func (r *OrderReport) Serialize() []byte {
	w := wireWriter{}
	w.byte_(byte(r.MessageType))
	w.byte_(byte(r.Order.Side))
	w.byte_(byte(r.Order.Type))
	w.byte_(byte(r.Order.Status))
	hasPrice := byte(0)
	if r.Order.HasPrice {
		hasPrice = 1
	}
	w.byte_(hasPrice)
	w.lenPrefixedString16(string(r.Order.Instrument))
	w.fixed(r.Order.ID[:])
	if r.Order.HasPrice {
		w.lenPrefixedString16(r.Order.Price.String())
	}
	w.lenPrefixedString16(r.Order.Quantity.String())
	w.lenPrefixedString16(r.Order.Remaining.String())

	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(r.Trades)))
	w.buf = append(w.buf, countBuf[:]...)
	for _, t := range r.Trades {
		w.fixed(t.ID[:])
		w.fixed(t.BuyOrderID[:])
		w.fixed(t.SellOrderID[:])
		w.lenPrefixedString16(t.Price.String())
		w.lenPrefixedString16(t.Quantity.String())
	}
	return w.buf
}

// ErrorReportMessage serializes a client-visible error.
type ErrorReportMessage struct {
	Err string
}

func (r *ErrorReportMessage) Serialize() []byte {
	w := wireWriter{}
	w.byte_(byte(ErrorReport))
	w.lenPrefixedString16(r.Err)
	return w.buf
}

func generateWireErrorReport(err error) []byte {
	report := ErrorReportMessage{Err: err.Error()}
	return report.Serialize()
}

// PeekReportType returns the report type tag without consuming buf, so a
// client can decide which parser to call.
func PeekReportType(buf []byte) (ReportMessageType, error) {
	if len(buf) < 1 {
		return 0, ErrMessageTooShort
	}
	return ReportMessageType(buf[0]), nil
}

// ParseOrderReport decodes an OrderReport frame, reconstructing the
// order and trades with their decimal fields.
func ParseOrderReport(buf []byte) (*common.Order, []common.Trade, error) {
	r := wireReader{buf: buf}
	if _, err := r.byte_(); err != nil { // message type, already peeked
		return nil, nil, err
	}
	sideB, err := r.byte_()
	if err != nil {
		return nil, nil, err
	}
	typeB, err := r.byte_()
	if err != nil {
		return nil, nil, err
	}
	statusB, err := r.byte_()
	if err != nil {
		return nil, nil, err
	}
	hasPriceB, err := r.byte_()
	if err != nil {
		return nil, nil, err
	}
	instrument, err := r.lenPrefixedString16()
	if err != nil {
		return nil, nil, err
	}
	idBytes, err := r.fixed(16)
	if err != nil {
		return nil, nil, err
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUUID, err)
	}

	order := &common.Order{
		ID:         id,
		Instrument: common.Instrument(instrument),
		Side:       common.Side(sideB),
		Type:       common.OrderType(typeB),
		Status:     common.Status(statusB),
		HasPrice:   hasPriceB != 0,
	}
	if order.HasPrice {
		priceStr, err := r.lenPrefixedString16()
		if err != nil {
			return nil, nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: price %q", ErrInvalidDecimal, priceStr)
		}
		order.Price = price
	}
	qtyStr, err := r.lenPrefixedString16()
	if err != nil {
		return nil, nil, err
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: quantity %q", ErrInvalidDecimal, qtyStr)
	}
	order.Quantity = qty

	remainingStr, err := r.lenPrefixedString16()
	if err != nil {
		return nil, nil, err
	}
	remaining, err := decimal.NewFromString(remainingStr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: remaining %q", ErrInvalidDecimal, remainingStr)
	}
	order.Remaining = remaining

	countBytes, err := r.fixed(2)
	if err != nil {
		return nil, nil, err
	}
	count := binary.BigEndian.Uint16(countBytes)

	trades := make([]common.Trade, 0, count)
	for i := uint16(0); i < count; i++ {
		tradeIDBytes, err := r.fixed(16)
		if err != nil {
			return nil, nil, err
		}
		tradeID, err := uuid.FromBytes(tradeIDBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUUID, err)
		}
		buyIDBytes, err := r.fixed(16)
		if err != nil {
			return nil, nil, err
		}
		buyID, err := uuid.FromBytes(buyIDBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUUID, err)
		}
		sellIDBytes, err := r.fixed(16)
		if err != nil {
			return nil, nil, err
		}
		sellID, err := uuid.FromBytes(sellIDBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUUID, err)
		}
		priceStr, err := r.lenPrefixedString16()
		if err != nil {
			return nil, nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: price %q", ErrInvalidDecimal, priceStr)
		}
		qtyStr, err := r.lenPrefixedString16()
		if err != nil {
			return nil, nil, err
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: quantity %q", ErrInvalidDecimal, qtyStr)
		}
		trades = append(trades, common.Trade{
			ID:          tradeID,
			BuyOrderID:  buyID,
			SellOrderID: sellID,
			Instrument:  order.Instrument,
			Price:       price,
			Quantity:    qty,
		})
	}

	return order, trades, nil
}

// ParseErrorReport decodes an ErrorReportMessage frame.
func ParseErrorReport(buf []byte) (string, error) {
	r := wireReader{buf: buf}
	if _, err := r.byte_(); err != nil {
		return "", err
	}
	return r.lenPrefixedString16()
}

// EncodeNewOrder serializes a submit-order request for the wire.
func EncodeNewOrder(side common.Side, typ common.OrderType, instrument, priceStr, qtyStr, clientID, idempotencyKey string) []byte {
	w := wireWriter{}
	var typeBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], uint16(NewOrder))
	w.buf = append(w.buf, typeBuf[:]...)

	w.byte_(byte(side))
	w.byte_(byte(typ))
	hasPrice := byte(0)
	if priceStr != "" {
		hasPrice = 1
	}
	w.byte_(hasPrice)
	w.lenPrefixedString16(instrument)
	if hasPrice != 0 {
		w.lenPrefixedString16(priceStr)
	}
	w.lenPrefixedString16(qtyStr)
	w.lenPrefixedString16(clientID)
	w.lenPrefixedString16(idempotencyKey)
	return w.buf
}

// EncodeCancelOrder serializes a cancel-order request for the wire.
func EncodeCancelOrder(instrument string, orderID uuid.UUID) []byte {
	w := wireWriter{}
	var typeBuf [2]byte
	binary.BigEndian.PutUint16(typeBuf[:], uint16(CancelOrder))
	w.buf = append(w.buf, typeBuf[:]...)

	w.lenPrefixedString16(instrument)
	w.fixed(orderID[:])
	return w.buf
}
