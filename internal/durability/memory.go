package durability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fenrir/internal/common"
	"fenrir/internal/kernelerr"
)

// Memory is an in-process Coordinator implementation: a reference model of
// the same transactional contract the Postgres-backed Coordinator honors,
// used by engine/registry tests and by callers that want the kernel
// without a real database (e.g. unit tests of C3/C4 invariants).
type Memory struct {
	mu             sync.Mutex
	orders         map[uuid.UUID]*common.Order
	trades         map[uuid.UUID]*common.Trade
	tradesByOrder  map[uuid.UUID][]uuid.UUID
	byIdempotency  map[string]uuid.UUID
}

// NewMemory constructs an empty in-memory durability coordinator.
func NewMemory() *Memory {
	return &Memory{
		orders:        make(map[uuid.UUID]*common.Order),
		trades:        make(map[uuid.UUID]*common.Trade),
		tradesByOrder: make(map[uuid.UUID][]uuid.UUID),
		byIdempotency: make(map[string]uuid.UUID),
	}
}

func (m *Memory) PersistAccept(_ context.Context, order *common.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.IdempotencyKey != "" {
		if _, exists := m.byIdempotency[order.IdempotencyKey]; exists {
			return kernelerr.ErrValidation // duplicate insert race; caller re-reads via FindByIdempotencyKey
		}
	}
	m.orders[order.ID] = order.Clone()
	if order.IdempotencyKey != "" {
		m.byIdempotency[order.IdempotencyKey] = order.ID
	}
	return nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*common.Order, []common.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byIdempotency[key]
	if !ok {
		return nil, nil, kernelerr.ErrOrderNotFound
	}
	order := m.orders[id].Clone()
	trades := m.tradesForLocked(id)
	return order, trades, nil
}

func (m *Memory) tradesForLocked(orderID uuid.UUID) []common.Trade {
	ids := m.tradesByOrder[orderID]
	out := make([]common.Trade, 0, len(ids))
	for _, tid := range ids {
		out = append(out, *m.trades[tid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradedAt.Before(out[j].TradedAt) })
	return out
}

func (m *Memory) CommitTradeUnit(_ context.Context, req TradeUnitRequest) (TradeUnitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incoming, ok := m.orders[req.IncomingOrderID]
	if !ok {
		return TradeUnitResult{}, kernelerr.ErrOrderNotFound
	}
	resting, ok := m.orders[req.RestingOrderID]
	if !ok {
		return TradeUnitResult{}, kernelerr.ErrOrderNotFound
	}

	// Re-read durable remainings under exclusion and clamp the proposed
	// quantity to what is actually still available (spec §4.4 step e). A
	// leg that a concurrent cancel already moved out of a resting status
	// has nothing left to fill, regardless of what Remaining still shows.
	qty := req.ProposedQty
	if !incoming.Status.Resting() || !resting.Status.Resting() {
		qty = decimal.Zero
	}
	if incoming.Remaining.LessThan(qty) {
		qty = incoming.Remaining
	}
	if resting.Remaining.LessThan(qty) {
		qty = resting.Remaining
	}

	result := TradeUnitResult{
		FilledQty:         qty,
		IncomingRemaining: incoming.Remaining,
		IncomingStatus:    incoming.Status,
		RestingRemaining:  resting.Remaining,
		RestingStatus:     resting.Status,
	}
	if qty.IsZero() {
		return result, nil
	}

	trade := common.Trade{
		ID:          uuid.New(),
		BuyOrderID:  req.BuyOrderID,
		SellOrderID: req.SellOrderID,
		Instrument:  req.Instrument,
		Price:       req.TradePrice,
		Quantity:    qty,
		TradedAt:    time.Now(),
	}

	incoming.Remaining = incoming.Remaining.Sub(qty)
	incoming.Status = statusFor(incoming.Remaining)
	resting.Remaining = resting.Remaining.Sub(qty)
	resting.Status = statusFor(resting.Remaining)

	m.trades[trade.ID] = &trade
	m.tradesByOrder[req.IncomingOrderID] = append(m.tradesByOrder[req.IncomingOrderID], trade.ID)
	m.tradesByOrder[req.RestingOrderID] = append(m.tradesByOrder[req.RestingOrderID], trade.ID)

	result.Trade = trade
	result.FilledQty = qty
	result.IncomingRemaining = incoming.Remaining
	result.IncomingStatus = incoming.Status
	result.RestingRemaining = resting.Remaining
	result.RestingStatus = resting.Status
	return result, nil
}

func statusFor(remaining decimal.Decimal) common.Status {
	if remaining.IsZero() {
		return common.Filled
	}
	return common.PartiallyFilled
}

func (m *Memory) PersistCancel(_ context.Context, orderID uuid.UUID) (*common.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, kernelerr.ErrOrderNotFound
	}
	switch order.Status {
	case common.Filled:
		return nil, kernelerr.ErrOrderAlreadyFilled
	case common.Cancelled:
		return nil, kernelerr.ErrOrderCancelled
	}
	// Remaining is left at its actual unfilled value: a cancelled order
	// still owes quantity = remaining + sum(trade quantities) (spec §8
	// conservation), and Status == Filled iff Remaining.IsZero() must stay
	// an iff — zeroing it here would make a partially-filled cancellation
	// look filled.
	order.Status = common.Cancelled
	return order.Clone(), nil
}

func (m *Memory) ReconcileFinal(_ context.Context, orderID uuid.UUID, computedRemaining decimal.Decimal, computedStatus common.Status) (*common.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, kernelerr.ErrOrderNotFound
	}
	// A concurrent cancel already reached its final state; it wins outright
	// rather than being overwritten by the matcher's stale computation.
	if order.Status == common.Cancelled {
		return order.Clone(), nil
	}
	// Durable remaining wins if it is already below what the matcher
	// computed in memory.
	if order.Remaining.LessThan(computedRemaining) {
		return order.Clone(), nil
	}
	order.Remaining = computedRemaining
	order.Status = computedStatus
	return order.Clone(), nil
}

func (m *Memory) LoadOpen(_ context.Context) ([]*common.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []*common.Order
	for _, o := range m.orders {
		if o.Type == common.Limit && o.Status.Resting() && o.HasPrice {
			open = append(open, o.Clone())
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}
