package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/book"
	"fenrir/internal/common"
	"fenrir/internal/durability"
	"fenrir/internal/kernelerr"
)

// match runs the price-time matching algorithm of spec §4.4 for one
// incoming order popped from the arrival queue. It is only ever called
// from the single drain loop for this instrument, so it never races
// itself; it still takes ib.mu around every book mutation because Cancel
// runs concurrently from arbitrary goroutines.
func (ib *InstrumentBook) match(ctx context.Context, incoming *common.Order) (SubmitResult, error) {
	var trades []common.Trade

	ownSide := ib.sideFor(incoming.Side)
	oppSide := ib.sideFor(opposite(incoming.Side))

	// Step 1: rest a limit order in its own side book before matching. This
	// is a no-op for matching (a limit order never crosses its own side)
	// but keeps in-memory state consistent with durable state if the
	// matcher is interrupted, and avoids a second insertion path for the
	// residue after the loop.
	if incoming.Type == common.Limit && incoming.Remaining.IsPositive() {
		ib.mu.Lock()
		ib.insertLocked(incoming)
		ib.mu.Unlock()
	}

	for incoming.Remaining.IsPositive() {
		resting, stop := ib.nextCrossing(incoming, oppSide)
		if stop {
			break
		}
		if resting == nil {
			continue
		}

		qty := decimal.Min(incoming.Remaining, resting.Remaining)
		tradePrice := resting.Price

		var buyID, sellID uuid.UUID
		if incoming.Side == common.Buy {
			buyID, sellID = incoming.ID, resting.ID
		} else {
			buyID, sellID = resting.ID, incoming.ID
		}

		req := durability.TradeUnitRequest{
			Instrument:      ib.Instrument,
			IncomingOrderID: incoming.ID,
			RestingOrderID:  resting.ID,
			BuyOrderID:      buyID,
			SellOrderID:     sellID,
			ProposedQty:     qty,
			TradePrice:      tradePrice,
		}

		result, err := ib.commitWithRetry(ctx, req)
		if err != nil {
			log.Error().
				Err(err).
				Str("instrument", string(ib.Instrument)).
				Str("order_id", incoming.ID.String()).
				Msg("durability unit failed, aborting match")
			return SubmitResult{Order: incoming, Trades: trades}, err
		}

		if result.FilledQty.IsZero() {
			if !result.IncomingStatus.Resting() || result.IncomingRemaining.IsZero() {
				// The incoming order itself can no longer be filled (a
				// concurrent cancel reached it first); stop matching and let
				// finalize reconcile it against durable state.
				incoming.Remaining = result.IncomingRemaining
				incoming.Status = result.IncomingStatus
				break
			}
			// The resting order was externally drained (a concurrent cancel
			// won the race) between peek and commit; drop it from memory
			// and re-evaluate the book (spec §4.4 step e).
			ib.dropResting(oppSide, resting)
			continue
		}

		incoming.Remaining = result.IncomingRemaining
		incoming.Status = result.IncomingStatus
		resting.Remaining = result.RestingRemaining
		resting.Status = result.RestingStatus
		trades = append(trades, result.Trade)

		log.Debug().
			Str("instrument", string(ib.Instrument)).
			Str("trade_id", result.Trade.ID.String()).
			Str("price", tradePrice.String()).
			Str("qty", qty.String()).
			Msg("trade matched")

		if resting.Remaining.IsZero() {
			ib.dropResting(oppSide, resting)
		}
	}

	return ib.finalize(ctx, incoming, ownSide, trades)
}

// nextCrossing returns the resting order the incoming order should cross
// next, or stop=true if the loop must terminate (book exhausted or the
// best opposing price no longer crosses the incoming limit price). The
// price check and the peek happen under one hold of ib.mu, so a concurrent
// cancel cannot remove the best level in between; resting=nil with
// stop=false would only follow from an empty best level, which PopIfEmpty
// never leaves behind, and the caller then re-evaluates.
func (ib *InstrumentBook) nextCrossing(incoming *common.Order, oppSide *book.Side) (*common.Order, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	price, ok := oppSide.BestPrice()
	if !ok {
		return nil, true
	}
	if incoming.Type == common.Limit {
		crosses := false
		switch incoming.Side {
		case common.Buy:
			crosses = !price.GreaterThan(incoming.Price)
		case common.Sell:
			crosses = !price.LessThan(incoming.Price)
		}
		if !crosses {
			return nil, true
		}
	}
	return oppSide.PeekBestOrder(), false
}

func (ib *InstrumentBook) dropResting(oppSide *book.Side, resting *common.Order) {
	ib.mu.Lock()
	oppSide.Remove(resting.ID, resting.Price)
	delete(ib.locations, resting.ID)
	ib.mu.Unlock()
}

// finalize implements spec §4.4 step 3: remove a fully-filled incoming
// limit order from the book, cancel an unfilled market residue rather
// than resting it (spec's Open Question, resolved), and reconcile the
// authoritative remaining/status against durable state in one final
// durability unit, defensive against a concurrent cancellation touching
// the incoming order during the match.
func (ib *InstrumentBook) finalize(ctx context.Context, incoming *common.Order, ownSide *book.Side, trades []common.Trade) (SubmitResult, error) {
	if incoming.Remaining.IsZero() {
		if incoming.Type == common.Limit {
			ib.mu.Lock()
			ownSide.Remove(incoming.ID, incoming.Price)
			delete(ib.locations, incoming.ID)
			ib.mu.Unlock()
		}
	} else if incoming.Type == common.Market {
		incoming.Status = common.Cancelled
	}

	final, err := ib.coordinator.ReconcileFinal(ctx, incoming.ID, incoming.Remaining, incoming.Status)
	if err != nil {
		log.Error().
			Err(err).
			Str("order_id", incoming.ID.String()).
			Msg("final reconciliation failed")
		return SubmitResult{Order: incoming, Trades: trades}, err
	}
	return SubmitResult{Order: final, Trades: trades}, nil
}

// commitWithRetry retries a transient durability error (store contention
// or serialization skew) up to retryBound times before surfacing it as
// kernelerr.ErrRetriesExhausted (spec §7).
func (ib *InstrumentBook) commitWithRetry(ctx context.Context, req durability.TradeUnitRequest) (durability.TradeUnitResult, error) {
	var lastErr error
	for attempt := 0; attempt <= ib.retryBound; attempt++ {
		result, err := ib.coordinator.CommitTradeUnit(ctx, req)
		if err == nil {
			return result, nil
		}
		if !isTransient(err) {
			return durability.TradeUnitResult{}, err
		}
		lastErr = err
		log.Error().
			Err(err).
			Int("attempt", attempt).
			Str("instrument", string(ib.Instrument)).
			Msg("transient durability error, retrying")

		select {
		case <-ctx.Done():
			return durability.TradeUnitResult{}, ctx.Err()
		case <-time.After(durability.RetryBackoff):
		}
	}
	return durability.TradeUnitResult{}, fmt.Errorf("%w: %v", kernelerr.ErrRetriesExhausted, lastErr)
}

func isTransient(err error) bool {
	return errors.Is(err, kernelerr.ErrSerializationSkew) || errors.Is(err, kernelerr.ErrStoreContention)
}
