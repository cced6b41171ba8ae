package durability

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"fenrir/internal/common"
	"fenrir/internal/kernelerr"
)

// newTestPostgres spins up a disposable Postgres container and returns a
// Coordinator against it plus a cleanup. Skipped under -short since it
// needs a working Docker daemon.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fenrir"),
		postgres.WithUsername("fenrir"),
		postgres.WithPassword("fenrir"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ctr.Terminate(context.Background()))
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestPostgres_PersistAcceptAndFindByIdempotencyKey(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	o := newOrder(common.Buy, "100", "10")
	o.IdempotencyKey = "k1"
	require.NoError(t, store.PersistAccept(ctx, o))

	found, trades, err := store.FindByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, found.ID)
	assert.Empty(t, trades)

	dup := newOrder(common.Buy, "100", "5")
	dup.IdempotencyKey = "k1"
	err = store.PersistAccept(ctx, dup)
	assert.ErrorIs(t, err, kernelerr.ErrValidation)
}

func TestPostgres_CommitTradeUnitLocksBothLegs(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	incoming := newOrder(common.Buy, "100", "10")
	resting := newOrder(common.Sell, "100", "10")
	require.NoError(t, store.PersistAccept(ctx, incoming))
	require.NoError(t, store.PersistAccept(ctx, resting))

	result, err := store.CommitTradeUnit(ctx, TradeUnitRequest{
		Instrument:      "AAPL",
		IncomingOrderID: incoming.ID,
		RestingOrderID:  resting.ID,
		BuyOrderID:      incoming.ID,
		SellOrderID:     resting.ID,
		ProposedQty:     decimal.RequireFromString("10"),
		TradePrice:      decimal.RequireFromString("100"),
	})
	require.NoError(t, err)
	assert.True(t, result.FilledQty.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, common.Filled, result.IncomingStatus)
	assert.Equal(t, common.Filled, result.RestingStatus)

	trades, err := store.tradesForOrder(ctx, incoming.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestPostgres_PersistCancelRefusesAlreadyFilled(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	o := newOrder(common.Buy, "100", "10")
	require.NoError(t, store.PersistAccept(ctx, o))

	resting := newOrder(common.Sell, "100", "10")
	require.NoError(t, store.PersistAccept(ctx, resting))

	_, err := store.CommitTradeUnit(ctx, TradeUnitRequest{
		Instrument:      "AAPL",
		IncomingOrderID: o.ID,
		RestingOrderID:  resting.ID,
		BuyOrderID:      o.ID,
		SellOrderID:     resting.ID,
		ProposedQty:     decimal.RequireFromString("10"),
		TradePrice:      decimal.RequireFromString("100"),
	})
	require.NoError(t, err)

	_, err = store.PersistCancel(ctx, o.ID)
	assert.ErrorIs(t, err, kernelerr.ErrOrderAlreadyFilled)
}

func TestPostgres_LoadOpenOrdersByCreatedAt(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	first := newOrder(common.Buy, "100", "10")
	first.CreatedAt = time.Now().Add(-time.Minute)
	second := newOrder(common.Buy, "99", "5")
	second.CreatedAt = time.Now()
	require.NoError(t, store.PersistAccept(ctx, first))
	require.NoError(t, store.PersistAccept(ctx, second))

	open, err := store.LoadOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, first.ID, open[0].ID)
	assert.Equal(t, second.ID, open[1].ID)
}
