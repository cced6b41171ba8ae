// Package registry implements the dispatch/registry (C6): the mapping
// from instrument symbol to instrument book, lazily populated, that
// routes submit/cancel/snapshot operations to the right matching kernel.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fenrir/internal/common"
	"fenrir/internal/durability"
	"fenrir/internal/engine"
)

// LevelView is one aggregated price level in a Snapshot: a price and the
// total resting quantity across every order at that price. Individual
// orders are not exposed to the query surface (spec §4.6, §6).
type LevelView struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// Snapshot is the aggregated, point-in-time view of one instrument's book
// returned by the read-only query surface.
type Snapshot struct {
	Instrument common.Instrument
	Bids       []LevelView
	Asks       []LevelView
}

// Registry maps instrument symbols to instrument books, creating books
// lazily on first reference. One RWMutex guards the map itself, with a
// double-checked create-if-absent; matching state is locked per
// instrument book, so unrelated instruments are not serialized behind one
// global lock (spec §5's "distinct instruments may match concurrently").
type Registry struct {
	coordinator durability.Coordinator
	retryBound  int

	mu    sync.RWMutex
	books map[common.Instrument]*engine.InstrumentBook
}

// New constructs an empty registry. coordinator is shared by every
// instrument book it creates — the durable store is a shared resource
// (spec §5) even though in-memory books are not.
func New(coordinator durability.Coordinator, retryBound int) *Registry {
	return &Registry{
		coordinator: coordinator,
		retryBound:  retryBound,
		books:       make(map[common.Instrument]*engine.InstrumentBook),
	}
}

// bookFor returns the instrument book for instrument, creating it on
// first reference. Double-checked locking: an RLock-guarded fast path for
// the common case of an already-created book, falling back to a
// write-locked create-if-absent.
func (r *Registry) bookFor(instrument common.Instrument) *engine.InstrumentBook {
	r.mu.RLock()
	ib, ok := r.books[instrument]
	r.mu.RUnlock()
	if ok {
		return ib
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ib, ok := r.books[instrument]; ok {
		return ib
	}
	ib = engine.NewInstrumentBook(instrument, r.coordinator, r.retryBound)
	r.books[instrument] = ib
	return ib
}

// Submit routes order to its instrument's book, creating the book on
// first reference to that instrument.
func (r *Registry) Submit(ctx context.Context, order *common.Order) (engine.SubmitResult, error) {
	return r.bookFor(order.Instrument).Submit(ctx, order)
}

// Cancel routes a cancellation to instrument's book. It does not create a
// book for an instrument that has never seen an order: an unknown
// instrument falls through to an order-not-found state error in the
// coordinator instead.
func (r *Registry) Cancel(ctx context.Context, instrument common.Instrument, orderID uuid.UUID) (*common.Order, error) {
	r.mu.RLock()
	ib, ok := r.books[instrument]
	r.mu.RUnlock()
	if !ok {
		return r.coordinator.PersistCancel(ctx, orderID)
	}
	return ib.Cancel(ctx, orderID)
}

// Snapshot returns an aggregated top-N view of instrument's book. depth
// <= 0 means "all levels". Consistent with spec §4.6: taken while no
// matcher mutation is in flight for this instrument (InstrumentBook.mu
// serializes the snapshot against concurrent match/cancel book
// mutations), but not isolated across instruments.
func (r *Registry) Snapshot(instrument common.Instrument, depth int) Snapshot {
	ib := r.bookFor(instrument)
	bidLevels, askLevels := ib.Levels(depth)

	snap := Snapshot{Instrument: instrument}
	for _, lvl := range bidLevels {
		snap.Bids = append(snap.Bids, LevelView{Price: lvl.Price, Quantity: lvl.TotalQuantity(), Orders: lvl.Len()})
	}
	for _, lvl := range askLevels {
		snap.Asks = append(snap.Asks, LevelView{Price: lvl.Price, Quantity: lvl.TotalQuantity(), Orders: lvl.Len()})
	}
	return snap
}

// Recover rebuilds every instrument's book from the durable store's open
// orders at startup (spec §4.5). Orders are inserted in the creation
// order load_open returns them in, via the same insertion path C2 uses;
// no matching is performed.
func (r *Registry) Recover(ctx context.Context) error {
	open, err := r.coordinator.LoadOpen(ctx)
	if err != nil {
		return err
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	for _, order := range open {
		r.bookFor(order.Instrument).Restore(order)
	}
	return nil
}

// Instruments returns every instrument symbol the registry has seen.
func (r *Registry) Instruments() []common.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Instrument, 0, len(r.books))
	for instrument := range r.books {
		out = append(out, instrument)
	}
	return out
}
