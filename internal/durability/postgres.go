package durability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/common"
	"fenrir/internal/kernelerr"
)

// schema matches the persisted state layout of spec §6: two relations,
// orders and trades.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	client_id         TEXT NOT NULL,
	instrument        TEXT NOT NULL,
	side              SMALLINT NOT NULL,
	type              SMALLINT NOT NULL,
	price             NUMERIC,
	quantity          NUMERIC NOT NULL,
	remaining         NUMERIC NOT NULL,
	status            SMALLINT NOT NULL,
	idempotency_key   TEXT UNIQUE,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_open ON orders (instrument, status) WHERE status IN (0, 1);

CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	buy_order_id   TEXT NOT NULL REFERENCES orders(id),
	sell_order_id  TEXT NOT NULL REFERENCES orders(id),
	instrument     TEXT NOT NULL,
	price          NUMERIC NOT NULL,
	quantity       NUMERIC NOT NULL,
	traded_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_buy ON trades (buy_order_id);
CREATE INDEX IF NOT EXISTS idx_trades_sell ON trades (sell_order_id);
`

// Postgres is the production Coordinator, backed by a pgx connection pool.
// Every exported method runs a single transaction and never holds a
// connection across an arrival-queue wait (spec §5): callers invoke these
// methods once per durability unit, not once per matching pass.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool against dsn and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrSchemaMismatch, err)
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	return err
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) PersistAccept(ctx context.Context, order *common.Order) error {
	var priceVal interface{}
	if order.HasPrice {
		priceVal = order.Price
	}
	var idemVal interface{}
	if order.IdempotencyKey != "" {
		idemVal = order.IdempotencyKey
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO orders (id, client_id, instrument, side, type, price, quantity, remaining, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, order.ID.String(), order.ClientID, string(order.Instrument), int(order.Side), int(order.Type),
		priceVal, order.Quantity, order.Remaining, int(order.Status), idemVal, order.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return kernelerr.ErrValidation // caller re-reads via FindByIdempotencyKey
		}
		return fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}
	return nil
}

func (p *Postgres) FindByIdempotencyKey(ctx context.Context, key string) (*common.Order, []common.Trade, error) {
	order, err := p.scanOrderRow(p.pool.QueryRow(ctx, orderSelectCols+` FROM orders WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, kernelerr.ErrOrderNotFound
		}
		return nil, nil, err
	}
	trades, err := p.tradesForOrder(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return order, trades, nil
}

func (p *Postgres) tradesForOrder(ctx context.Context, orderID uuid.UUID) ([]common.Trade, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, buy_order_id, sell_order_id, instrument, price, quantity, traded_at
		FROM trades WHERE buy_order_id = $1 OR sell_order_id = $1
		ORDER BY traded_at ASC
	`, orderID.String())
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []common.Trade
	for rows.Next() {
		var t common.Trade
		var idStr, buyStr, sellStr string
		if err := rows.Scan(&idStr, &buyStr, &sellStr, &t.Instrument, &t.Price, &t.Quantity, &t.TradedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.ID = uuid.MustParse(idStr)
		t.BuyOrderID = uuid.MustParse(buyStr)
		t.SellOrderID = uuid.MustParse(sellStr)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CommitTradeUnit is the heart of spec §4.5: one transaction locks both
// order rows FOR UPDATE, re-reads their remainings, clamps the proposed
// quantity to what is still actually available, inserts the trade (if
// any), updates both rows, and commits.
func (p *Postgres) CommitTradeUnit(ctx context.Context, req TradeUnitRequest) (TradeUnitResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return TradeUnitResult{}, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}
	defer tx.Rollback(ctx)

	incomingRemaining, incomingStatus, err := p.lockOrder(ctx, tx, req.IncomingOrderID)
	if err != nil {
		return TradeUnitResult{}, err
	}
	restingRemaining, restingStatus, err := p.lockOrder(ctx, tx, req.RestingOrderID)
	if err != nil {
		return TradeUnitResult{}, err
	}

	// A leg that a concurrent cancel already moved out of a resting status
	// has nothing left to fill, regardless of what remaining still shows.
	qty := req.ProposedQty
	if !incomingStatus.Resting() || !restingStatus.Resting() {
		qty = decimal.Zero
	}
	if incomingRemaining.LessThan(qty) {
		qty = incomingRemaining
	}
	if restingRemaining.LessThan(qty) {
		qty = restingRemaining
	}

	result := TradeUnitResult{
		FilledQty:         qty,
		IncomingRemaining: incomingRemaining,
		IncomingStatus:    incomingStatus,
		RestingRemaining:  restingRemaining,
		RestingStatus:     restingStatus,
	}
	if qty.IsZero() {
		if err := tx.Commit(ctx); err != nil {
			return TradeUnitResult{}, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
		}
		return result, nil
	}

	now := time.Now()
	newIncomingRemaining := incomingRemaining.Sub(qty)
	newIncomingStatus := statusFor(newIncomingRemaining)
	newRestingRemaining := restingRemaining.Sub(qty)
	newRestingStatus := statusFor(newRestingRemaining)

	trade := common.Trade{
		ID:          uuid.New(),
		BuyOrderID:  req.BuyOrderID,
		SellOrderID: req.SellOrderID,
		Instrument:  req.Instrument,
		Price:       req.TradePrice,
		Quantity:    qty,
		TradedAt:    now,
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, instrument, price, quantity, traded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, trade.ID.String(), trade.BuyOrderID.String(), trade.SellOrderID.String(), string(trade.Instrument), trade.Price, trade.Quantity, trade.TradedAt); err != nil {
		return TradeUnitResult{}, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}

	if err := p.updateOrder(ctx, tx, req.IncomingOrderID, newIncomingRemaining, newIncomingStatus, now); err != nil {
		return TradeUnitResult{}, err
	}
	if err := p.updateOrder(ctx, tx, req.RestingOrderID, newRestingRemaining, newRestingStatus, now); err != nil {
		return TradeUnitResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TradeUnitResult{}, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}

	log.Debug().
		Str("trade_id", trade.ID.String()).
		Str("instrument", string(trade.Instrument)).
		Str("qty", qty.String()).
		Msg("durability unit committed")

	result.Trade = trade
	result.FilledQty = qty
	result.IncomingRemaining = newIncomingRemaining
	result.IncomingStatus = newIncomingStatus
	result.RestingRemaining = newRestingRemaining
	result.RestingStatus = newRestingStatus
	return result, nil
}

func (p *Postgres) lockOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID) (decimal.Decimal, common.Status, error) {
	var remaining decimal.Decimal
	var status int
	err := tx.QueryRow(ctx, `SELECT remaining, status FROM orders WHERE id = $1 FOR UPDATE`, id.String()).
		Scan(&remaining, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, 0, kernelerr.ErrOrderNotFound
		}
		return decimal.Decimal{}, 0, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}
	return remaining, common.Status(status), nil
}

func (p *Postgres) updateOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID, remaining decimal.Decimal, status common.Status, now time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE orders SET remaining = $1, status = $2, updated_at = $3 WHERE id = $4`,
		remaining, int(status), now, id.String())
	if err != nil {
		return fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}
	return nil
}

func (p *Postgres) PersistCancel(ctx context.Context, orderID uuid.UUID) (*common.Order, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}
	defer tx.Rollback(ctx)

	order, err := p.scanOrderRow(tx.QueryRow(ctx, orderSelectCols+` FROM orders WHERE id = $1 FOR UPDATE`, orderID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kernelerr.ErrOrderNotFound
		}
		return nil, err
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
	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		int(common.Cancelled), now, orderID.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}

	order.Status = common.Cancelled
	return order, nil
}

func (p *Postgres) ReconcileFinal(ctx context.Context, orderID uuid.UUID, computedRemaining decimal.Decimal, computedStatus common.Status) (*common.Order, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}
	defer tx.Rollback(ctx)

	durableRemaining, durableStatus, err := p.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	// A concurrent cancel already reached its final state; it wins outright
	// rather than being overwritten by the matcher's stale computation.
	if durableStatus == common.Cancelled {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
		}
		return p.scanOrderRow(p.pool.QueryRow(ctx, orderSelectCols+` FROM orders WHERE id = $1`, orderID.String()))
	}

	finalRemaining := computedRemaining
	finalStatus := computedStatus
	if durableRemaining.LessThan(computedRemaining) {
		// Durable remaining is already below the computed value; it wins.
		finalRemaining = durableRemaining
	}

	now := time.Now()
	if err := p.updateOrder(ctx, tx, orderID, finalRemaining, finalStatus, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", kernelerr.ErrStoreContention, err)
	}

	order, err := p.scanOrderRow(p.pool.QueryRow(ctx, orderSelectCols+` FROM orders WHERE id = $1`, orderID.String()))
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (p *Postgres) LoadOpen(ctx context.Context) ([]*common.Order, error) {
	rows, err := p.pool.Query(ctx, orderSelectCols+`
		FROM orders
		WHERE type = $1 AND status IN ($2, $3) AND price IS NOT NULL
		ORDER BY created_at ASC
	`, int(common.Limit), int(common.Open), int(common.PartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []*common.Order
	for rows.Next() {
		order, err := p.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

const orderSelectCols = `SELECT id, client_id, instrument, side, type, price, quantity, remaining, status, idempotency_key, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) scanOrderRow(row rowScanner) (*common.Order, error) {
	return p.scanOrder(row)
}

func (p *Postgres) scanOrder(row rowScanner) (*common.Order, error) {
	var o common.Order
	var idStr, instrument, clientID string
	var side, typ, status int
	var price *decimal.Decimal
	var idempotencyKey *string

	if err := row.Scan(&idStr, &clientID, &instrument, &side, &typ, &price,
		&o.Quantity, &o.Remaining, &status, &idempotencyKey, &o.CreatedAt); err != nil {
		return nil, err
	}

	o.ID = uuid.MustParse(idStr)
	o.ClientID = clientID
	o.Instrument = common.Instrument(instrument)
	o.Side = common.Side(side)
	o.Type = common.OrderType(typ)
	o.Status = common.Status(status)
	if price != nil {
		o.Price = *price
		o.HasPrice = true
	}
	if idempotencyKey != nil {
		o.IdempotencyKey = *idempotencyKey
	}
	return &o, nil
}
