package book

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"fenrir/internal/common"
)

// Levels is the price-ordered index backing one side of a book: a balanced
// tree keyed by price, giving O(log n) insertion and O(1) best-price
// lookup via Min (spec §4.2).
type Levels = btree.BTreeG[*Level]

// Side is a price-ordered collection of levels for one side of one
// instrument's book: bids ordered descending, asks ordered ascending.
type Side struct {
	side   common.Side
	levels *Levels
}

// NewBidSide returns a side book ordered highest-price-first.
func NewBidSide() *Side {
	return &Side{
		side: common.Buy,
		levels: btree.NewBTreeG(func(a, b *Level) bool {
			return a.Price.GreaterThan(b.Price)
		}),
	}
}

// NewAskSide returns a side book ordered lowest-price-first.
func NewAskSide() *Side {
	return &Side{
		side: common.Sell,
		levels: btree.NewBTreeG(func(a, b *Level) bool {
			return a.Price.LessThan(b.Price)
		}),
	}
}

// BestPrice returns the most aggressive resting price, or ok=false if the
// side is empty.
func (s *Side) BestPrice() (decimal.Decimal, bool) {
	lvl, ok := s.levels.Min()
	if !ok {
		return decimal.Decimal{}, false
	}
	return lvl.Price, true
}

// PeekBestOrder returns the oldest order at the best price, or nil if the
// side is empty.
func (s *Side) PeekBestOrder() *common.Order {
	lvl, ok := s.levels.Min()
	if !ok {
		return nil
	}
	return lvl.PeekFront()
}

// bestLevel returns the best-price Level itself (for in-place pop/empty
// checks during the matcher loop), or nil.
func (s *Side) bestLevel() *Level {
	lvl, ok := s.levels.Min()
	if !ok {
		return nil
	}
	return lvl
}

// Insert places order into the level matching its price, creating the
// level if absent.
func (s *Side) Insert(order *common.Order) {
	key := &Level{Price: order.Price}
	lvl, ok := s.levels.Get(key)
	if !ok {
		lvl = NewLevel(order.Price, s.side)
		s.levels.Set(lvl)
	}
	lvl.PushBack(order)
}

// PopFrontBest removes and returns the oldest order at the best price,
// discarding the level if it becomes empty. Returns nil if the side is
// empty.
func (s *Side) PopFrontBest() *common.Order {
	lvl := s.bestLevel()
	if lvl == nil {
		return nil
	}
	o := lvl.PopFront()
	s.PopIfEmpty(lvl.Price)
	return o
}

// PopIfEmpty removes the level at price if it has no resting orders. Must
// be invoked whenever a level's last order is removed (spec §4.2).
func (s *Side) PopIfEmpty(price decimal.Decimal) {
	key := &Level{Price: price}
	lvl, ok := s.levels.Get(key)
	if ok && lvl.IsEmpty() {
		s.levels.Delete(key)
	}
}

// Remove removes the order with the given id at the given price, used by
// cancellation. Returns the removed order, or nil if not present.
func (s *Side) Remove(orderID uuid.UUID, price decimal.Decimal) *common.Order {
	key := &Level{Price: price}
	lvl, ok := s.levels.Get(key)
	if !ok {
		return nil
	}
	o := lvl.RemoveByID(orderID)
	if o != nil {
		s.PopIfEmpty(price)
	}
	return o
}

// Levels returns up to depth levels in side order (best first), or all
// levels when depth <= 0. Used for snapshots; the returned slice is a
// point-in-time copy of level pointers.
func (s *Side) Levels(depth int) []*Level {
	var out []*Level
	s.levels.Scan(func(lvl *Level) bool {
		if lvl.IsEmpty() {
			return true
		}
		out = append(out, lvl)
		return depth <= 0 || len(out) < depth
	})
	return out
}

// Empty reports whether the side has no resting orders at all.
func (s *Side) Empty() bool {
	return s.levels.Len() == 0
}
