// Package engine implements the per-instrument matching kernel: the
// instrument book (C3), its arrival-queue/single-matcher serialization
// primitive, and the price-time matcher (C4).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/book"
	"fenrir/internal/common"
	"fenrir/internal/durability"
	"fenrir/internal/kernelerr"
)

// SubmitResult is the outcome of a successful submission: the order as it
// stands after matching (filled, partially filled, or resting) and every
// trade executed as a direct consequence of this submission.
type SubmitResult struct {
	Order  *common.Order
	Trades []common.Trade
	Replay bool // true if this is an idempotent replay of a prior submission
}

type orderLocation struct {
	side  common.Side
	price decimal.Decimal
}

// arrivalItem is one entry in an instrument's arrival queue: an accepted
// order waiting for the matcher to drain it, plus the channel its
// submitter blocks on for the result.
type arrivalItem struct {
	ctx   context.Context
	order *common.Order
	done  chan submitOutcome
}

type submitOutcome struct {
	result SubmitResult
	err    error
}

// InstrumentBook owns one instrument's two side books, its arrival queue,
// and the matcher_active latch that guarantees at most one logical
// matcher runs per instrument at a time (spec §3, §5).
type InstrumentBook struct {
	Instrument  common.Instrument
	coordinator durability.Coordinator
	retryBound  int

	mu        sync.Mutex // guards bids, asks, locations together
	bids      *book.Side
	asks      *book.Side
	locations map[uuid.UUID]orderLocation

	qmu           sync.Mutex
	queue         []*arrivalItem
	matcherActive atomic.Bool
}

// NewInstrumentBook constructs an empty instrument book.
func NewInstrumentBook(instrument common.Instrument, coordinator durability.Coordinator, retryBound int) *InstrumentBook {
	return &InstrumentBook{
		Instrument:  instrument,
		coordinator: coordinator,
		retryBound:  retryBound,
		bids:        book.NewBidSide(),
		asks:        book.NewAskSide(),
		locations:   make(map[uuid.UUID]orderLocation),
	}
}

// Submit durably accepts order, enqueues it for the instrument's matcher,
// and blocks until the matcher has processed it (spec §4.3's submit, plus
// the §6 external submit contract which returns the accepted order and
// its resulting trades synchronously to the caller).
func (ib *InstrumentBook) Submit(ctx context.Context, order *common.Order) (SubmitResult, error) {
	if err := validateOrder(order); err != nil {
		return SubmitResult{}, err
	}

	if replay, ok, err := ib.tryReplay(ctx, order.IdempotencyKey); err != nil {
		return SubmitResult{}, err
	} else if ok {
		return replay, nil
	}

	if err := ib.coordinator.PersistAccept(ctx, order); err != nil {
		if replay, ok, rerr := ib.tryReplay(ctx, order.IdempotencyKey); rerr == nil && ok {
			return replay, nil
		}
		return SubmitResult{}, err
	}

	item := &arrivalItem{ctx: ctx, order: order, done: make(chan submitOutcome, 1)}
	ib.enqueue(item)

	select {
	case out := <-item.done:
		return out.result, out.err
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

func (ib *InstrumentBook) tryReplay(ctx context.Context, idempotencyKey string) (SubmitResult, bool, error) {
	if idempotencyKey == "" {
		return SubmitResult{}, false, nil
	}
	existing, trades, err := ib.coordinator.FindByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		if errors.Is(err, kernelerr.ErrOrderNotFound) {
			return SubmitResult{}, false, nil
		}
		return SubmitResult{}, false, err
	}
	return SubmitResult{Order: existing, Trades: trades, Replay: true}, true, nil
}

// enqueue appends item to the arrival queue and, if no matcher is
// currently active, atomically claims the matcher_active flag and
// launches the drain loop. The append happens under the same queue lock
// the drain loop holds while it checks for an empty queue and releases
// the flag, and the flag is tested only after the append. Either the
// running drain loop sees the new item before it releases, or the release
// happened first and this CompareAndSwap wins and launches a new loop, so
// no arrival is left without a matcher (the lost-wakeup race of spec
// §4.3/§5).
func (ib *InstrumentBook) enqueue(item *arrivalItem) {
	ib.qmu.Lock()
	ib.queue = append(ib.queue, item)
	ib.qmu.Unlock()

	if ib.matcherActive.CompareAndSwap(false, true) {
		go ib.drain()
	}
}

// drain is the matcher loop: it processes arrivals strictly in enqueue
// order until the queue is observed empty while holding the queue lock,
// at which point it releases matcher_active and exits (spec §5).
func (ib *InstrumentBook) drain() {
	for {
		ib.qmu.Lock()
		if len(ib.queue) == 0 {
			ib.matcherActive.Store(false)
			ib.qmu.Unlock()
			return
		}
		item := ib.queue[0]
		ib.queue = ib.queue[1:]
		ib.qmu.Unlock()

		result, err := ib.match(item.ctx, item.order)
		item.done <- submitOutcome{result: result, err: err}
	}
}

// Cancel transitions order_id to cancelled durably, then removes it from
// whichever side book currently holds it (spec §4.3 cancel). A cancel
// competes with the matcher for the same durable exclusion: if the
// matcher already filled or cancelled the order, PersistCancel refuses
// and memory is left untouched.
func (ib *InstrumentBook) Cancel(ctx context.Context, orderID uuid.UUID) (*common.Order, error) {
	order, err := ib.coordinator.PersistCancel(ctx, orderID)
	if err != nil {
		return nil, err
	}

	ib.mu.Lock()
	if loc, ok := ib.locations[orderID]; ok {
		ib.sideFor(loc.side).Remove(orderID, loc.price)
		delete(ib.locations, orderID)
	}
	ib.mu.Unlock()

	log.Debug().
		Str("instrument", string(ib.Instrument)).
		Str("order_id", orderID.String()).
		Msg("order cancelled")
	return order, nil
}

// Levels returns a point-in-time snapshot of both sides, best-first, for
// the read-only query surface (spec §4.6, §6).
func (ib *InstrumentBook) Levels(depth int) (bids, asks []*book.Level) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.bids.Levels(depth), ib.asks.Levels(depth)
}

// Restore inserts a recovered order directly into its side book without
// matching, per spec §4.5 recovery: durable state is assumed quiescent,
// so no crossing check is performed.
func (ib *InstrumentBook) Restore(order *common.Order) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.insertLocked(order)
}

func (ib *InstrumentBook) insertLocked(order *common.Order) {
	ib.sideFor(order.Side).Insert(order)
	ib.locations[order.ID] = orderLocation{side: order.Side, price: order.Price}
}

func (ib *InstrumentBook) sideFor(side common.Side) *book.Side {
	if side == common.Buy {
		return ib.bids
	}
	return ib.asks
}

func opposite(side common.Side) common.Side {
	if side == common.Buy {
		return common.Sell
	}
	return common.Buy
}

// validateOrder enforces the Validation category of spec §7: missing
// fields, bad enum values, limit-without-price, market-with-price, and
// non-positive quantity are all rejected before the order ever reaches
// durable storage.
func validateOrder(o *common.Order) error {
	if o.ClientID == "" {
		return fmt.Errorf("%w: client_id", kernelerr.ErrMissingField)
	}
	if o.Instrument == "" {
		return fmt.Errorf("%w: instrument", kernelerr.ErrMissingField)
	}
	switch o.Side {
	case common.Buy, common.Sell:
	default:
		return fmt.Errorf("%w: side", kernelerr.ErrInvalidEnum)
	}
	switch o.Type {
	case common.Limit:
		if !o.HasPrice {
			return kernelerr.ErrLimitWithoutPrice
		}
	case common.Market:
		if o.HasPrice {
			return kernelerr.ErrMarketWithPrice
		}
	default:
		return fmt.Errorf("%w: type", kernelerr.ErrInvalidEnum)
	}
	if !o.Quantity.IsPositive() {
		return kernelerr.ErrNonPositiveQuantity
	}
	return nil
}
