// Package book implements the price-ordered order book data structures:
// the FIFO price-level list (C1) and the price-ordered side book (C2).
package book

import (
	"container/list"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fenrir/internal/common"
)

// Level is a FIFO sequence of resting orders at one price, on one side.
// All orders at a level share Price and Side (spec §3). Ordering is
// strictly by insertion (arrival order defines the FIFO; equal external
// timestamps never reorder).
//
// Remove-by-id is backed by an intrusive doubly-linked list plus an
// id -> *list.Element index, giving O(1) removal instead of the O(n) scan
// a plain slice would need (spec §4.1).
type Level struct {
	Price decimal.Decimal
	Side  common.Side

	orders *list.List
	index  map[uuid.UUID]*list.Element
}

// NewLevel constructs an empty price level.
func NewLevel(price decimal.Decimal, side common.Side) *Level {
	return &Level{
		Price:  price,
		Side:   side,
		orders: list.New(),
		index:  make(map[uuid.UUID]*list.Element),
	}
}

// PushBack appends an order to the tail of the FIFO.
func (l *Level) PushBack(o *common.Order) {
	el := l.orders.PushBack(o)
	l.index[o.ID] = el
}

// PeekFront returns the oldest order at this level, or nil if empty.
func (l *Level) PeekFront() *common.Order {
	front := l.orders.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*common.Order)
}

// PopFront removes and returns the oldest order at this level, or nil if
// empty.
func (l *Level) PopFront() *common.Order {
	front := l.orders.Front()
	if front == nil {
		return nil
	}
	o := front.Value.(*common.Order)
	l.orders.Remove(front)
	delete(l.index, o.ID)
	return o
}

// RemoveByID removes the order with the given id, preserving FIFO order of
// the remainder. Returns the removed order, or nil if not present.
func (l *Level) RemoveByID(id uuid.UUID) *common.Order {
	el, ok := l.index[id]
	if !ok {
		return nil
	}
	o := el.Value.(*common.Order)
	l.orders.Remove(el)
	delete(l.index, id)
	return o
}

// IsEmpty reports whether the level has no resting orders.
func (l *Level) IsEmpty() bool {
	return l.orders.Len() == 0
}

// Len returns the number of resting orders at this level.
func (l *Level) Len() int {
	return l.orders.Len()
}

// TotalQuantity sums the remaining quantity of every order at this level.
func (l *Level) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for e := l.orders.Front(); e != nil; e = e.Next() {
		total = total.Add(e.Value.(*common.Order).Remaining)
	}
	return total
}

// Orders returns the resting orders at this level, oldest first. The
// returned slice is a snapshot; mutating it does not affect the level.
func (l *Level) Orders() []*common.Order {
	out := make([]*common.Order, 0, l.orders.Len())
	for e := l.orders.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*common.Order))
	}
	return out
}
