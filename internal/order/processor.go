// Package order owns the open-orders cache: it validates and durably
// records submissions, matches resting limit orders against market ticks,
// and drives fills into the position keeper.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"execution-core/internal/auth"
	"execution-core/internal/cache"
	"execution-core/internal/model"
	"execution-core/internal/position"
	"execution-core/internal/pricing"
)

// Side and OrderType mirror the wire vocabulary; they are validated and
// normalized into the model's string columns at submit time.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket = "market"
	TypeLimit  = "limit"
)

// SubmitRequest is the normalized submit payload, after the dispatcher has
// parsed camelCase/snake_case field variants from the wire envelope.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Quantity      decimal.Decimal
	Price         decimal.NullDecimal
}

// Outcome tags whether a submission created a new row or matched an
// existing idempotent request.
type Outcome struct {
	Order     model.Orders
	Duplicate bool
}

// Cache is the minimal surface the order processor needs from the
// idempotency fast-path cache; satisfied by go-zero's stores/cache.Cache.
type Cache interface {
	GetCtx(ctx context.Context, key string, v any) error
	SetWithExpireCtx(ctx context.Context, key string, v any, expire time.Duration) error
	IsNotFound(err error) bool
}

// Processor owns the in-memory open-orders cache (reader-writer locked) and
// mediates all order-lifecycle writes against the store.
type Processor struct {
	orders model.OrdersModel
	trades model.TradesModel
	keeper *position.Keeper

	idempotency    Cache
	idempotencyTTL time.Duration

	mu    sync.RWMutex
	cache map[uuid.UUID]*model.Orders
}

// NewProcessor constructs a Processor. idempotency and idempotencyTTL may be
// zero-valued (nil cache, 0 TTL) to disable the Redis fast-path and fall
// straight through to the store's duplicate pre-check.
func NewProcessor(orders model.OrdersModel, trades model.TradesModel, keeper *position.Keeper, idempotency Cache, idempotencyTTL time.Duration) *Processor {
	return &Processor{
		orders:         orders,
		trades:         trades,
		keeper:         keeper,
		idempotency:    idempotency,
		idempotencyTTL: idempotencyTTL,
		cache:          make(map[uuid.UUID]*model.Orders),
	}
}

// LoadOpenOrders populates the cache with every order still resting.
func (p *Processor) LoadOpenOrders(ctx context.Context) (int, error) {
	rows, err := p.orders.FindOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("order: load open orders: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range rows {
		row := rows[i]
		p.cache[row.ID] = &row
	}
	logx.Infof("order: loaded %d open orders", len(rows))
	return len(rows), nil
}

// SubmitOrder requires orders:create. It is idempotent on
// (account_id, client_order_id): a repeat submission returns the original
// order with Duplicate set, never mutating state.
func (p *Processor) SubmitOrder(ctx context.Context, principal *auth.Principal, req SubmitRequest) (*Outcome, error) {
	if !principal.HasPermission(auth.PermOrdersCreate) {
		return nil, fmt.Errorf("order: principal lacks orders:create")
	}
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	accountID := principal.AccountID
	cacheKey := cache.IdempotencyKey(accountID.String(), req.ClientOrderID)

	if p.idempotency != nil {
		var cachedID uuid.UUID
		if err := p.idempotency.GetCtx(ctx, cacheKey, &cachedID); err == nil {
			if existing, err := p.orders.FindOne(ctx, cachedID); err == nil && existing != nil {
				return &Outcome{Order: *existing, Duplicate: true}, nil
			}
		} else if !p.idempotency.IsNotFound(err) {
			logx.Errorf("order: idempotency cache read failed for %s: %v", cacheKey, err)
		}
	}

	existing, err := p.orders.FindByClientOrderID(ctx, accountID, req.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("order: lookup by client_order_id: %w", err)
	}
	if existing != nil {
		p.cacheIdempotency(ctx, cacheKey, existing.ID)
		return &Outcome{Order: *existing, Duplicate: true}, nil
	}

	now := time.Now()
	row := &model.Orders{
		ID:             uuid.New(),
		AccountID:      accountID,
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Quantity:       req.Quantity,
		Price:          req.Price,
		FilledQuantity: decimal.Zero,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := p.orders.Insert(ctx, row); err != nil {
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("order: insert: %w", err)
		}
		// A unique-violation race on (account_id, client_order_id) means
		// another submit won; fetch and return it as a duplicate rather
		// than surfacing the constraint error.
		existing, lookupErr := p.orders.FindByClientOrderID(ctx, accountID, req.ClientOrderID)
		if lookupErr != nil || existing == nil {
			return nil, fmt.Errorf("order: insert raced but duplicate not found: %w", err)
		}
		p.cacheIdempotency(ctx, cacheKey, existing.ID)
		return &Outcome{Order: *existing, Duplicate: true}, nil
	}

	p.mu.Lock()
	p.cache[row.ID] = row
	p.mu.Unlock()

	p.cacheIdempotency(ctx, cacheKey, row.ID)
	return &Outcome{Order: *row, Duplicate: false}, nil
}

func (p *Processor) cacheIdempotency(ctx context.Context, key string, orderID uuid.UUID) {
	if p.idempotency == nil || p.idempotencyTTL <= 0 {
		return
	}
	if err := p.idempotency.SetWithExpireCtx(ctx, key, orderID, p.idempotencyTTL); err != nil {
		logx.Errorf("order: idempotency cache write failed for %s: %v", key, err)
	}
}

// isUniqueViolation reports whether err is Postgres error code 23505
// (unique_violation), the signal that a concurrent submit won the race on
// (account_id, client_order_id) before this one's insert landed.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func validateSubmit(req SubmitRequest) error {
	if req.ClientOrderID == "" {
		return errors.New("order: client_order_id is required")
	}
	if req.Symbol == "" {
		return errors.New("order: symbol is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("order: invalid side %q", req.Side)
	}
	if req.OrderType != TypeMarket && req.OrderType != TypeLimit {
		return fmt.Errorf("order: invalid order_type %q", req.OrderType)
	}
	if !req.Quantity.IsPositive() {
		return errors.New("order: quantity must be > 0")
	}
	if req.OrderType == TypeLimit {
		if !req.Price.Valid || !req.Price.Decimal.IsPositive() {
			return errors.New("order: limit order requires a positive price")
		}
	}
	return nil
}

// CancelOrder requires orders:cancel. A strict implementation: refuses to
// touch an order already in a terminal state, surfacing a rejection rather
// than silently no-op'ing (the conservative reading of the spec's open
// question on terminal-order cancellation).
func (p *Processor) CancelOrder(ctx context.Context, principal *auth.Principal, orderID uuid.UUID) (*model.Orders, error) {
	if !principal.HasPermission(auth.PermOrdersCancel) {
		return nil, fmt.Errorf("order: principal lacks orders:cancel")
	}

	existing, err := p.orders.FindOne(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: lookup %s: %w", orderID, err)
	}
	if existing == nil {
		return nil, nil
	}
	if !principal.CanAccessAccount(existing.AccountID) {
		return nil, fmt.Errorf("order: principal may not cancel order owned by account %s", existing.AccountID)
	}
	if isTerminal(existing.Status) {
		return nil, fmt.Errorf("order: %s is already in terminal state %s", orderID, existing.Status)
	}

	changed, err := p.orders.MarkCancelled(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: cancel %s: %w", orderID, err)
	}
	if !changed {
		// Lost the race against a concurrent fill or cancel; re-read to
		// report current state rather than claiming success.
		current, err := p.orders.FindOne(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("order: re-read %s after lost cancel race: %w", orderID, err)
		}
		p.mu.Lock()
		delete(p.cache, orderID)
		p.mu.Unlock()
		return current, nil
	}

	existing.Status = model.StatusCancelled
	p.mu.Lock()
	delete(p.cache, orderID)
	p.mu.Unlock()

	return existing, nil
}

func isTerminal(status string) bool {
	switch status {
	case model.StatusFilled, model.StatusCancelled, model.StatusRejected:
		return true
	default:
		return false
	}
}

// ProcessMarketTick parses the tick's last price, scans the open-orders
// cache under a read lock for pending limit orders on the tick's symbol
// that the price crosses, releases the read lock, then fills each selected
// order sequentially at the tick price.
func (p *Processor) ProcessMarketTick(ctx context.Context, symbol, lastPrice string) {
	price, err := decimal.NewFromString(lastPrice)
	if err != nil {
		logx.Errorf("order: dropping tick for %s, unparseable last_price %q: %v", symbol, lastPrice, err)
		return
	}

	candidates := p.selectCandidates(symbol, price)
	for _, candidate := range candidates {
		if err := p.fillOrder(ctx, candidate, price); err != nil {
			logx.Errorf("order: fill %s failed: %v", candidate.ID, err)
		}
	}
}

func (p *Processor) selectCandidates(symbol string, price decimal.Decimal) []*model.Orders {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*model.Orders
	for _, row := range p.cache {
		if row.Symbol != symbol || row.Status != model.StatusPending || row.OrderType != TypeLimit {
			continue
		}
		if !row.Price.Valid {
			continue
		}
		limit := row.Price.Decimal
		crosses := (row.Side == SideBuy && price.LessThanOrEqual(limit)) ||
			(row.Side == SideSell && price.GreaterThanOrEqual(limit))
		if !crosses {
			continue
		}
		clone := *row
		out = append(out, &clone)
	}
	return out
}

// fillOrder performs the sequential write chain: predicated order update,
// trade insert, cache eviction, then the position upsert. The predicated
// update on (id, status='pending') is what lets two concurrent ticks race
// to fill the same cached order without double-filling: only the winner's
// update affects a row, and the loser skips the trade insert and position
// update entirely.
func (p *Processor) fillOrder(ctx context.Context, candidate *model.Orders, price decimal.Decimal) error {
	changed, err := p.orders.MarkFilled(ctx, candidate.ID, price)
	if err != nil {
		return fmt.Errorf("mark filled: %w", err)
	}
	if !changed {
		// Another tick (or a concurrent cancel) already resolved this
		// order; evict it from the cache and stop — no trade, no position
		// update, per the required correctness refinement.
		p.mu.Lock()
		delete(p.cache, candidate.ID)
		p.mu.Unlock()
		return nil
	}

	trade := &model.Trades{
		ID:        uuid.New(),
		OrderID:   candidate.ID,
		AccountID: candidate.AccountID,
		Symbol:    candidate.Symbol,
		Side:      candidate.Side,
		Quantity:  candidate.Quantity,
		Price:     price,
		CreatedAt: time.Now(),
	}
	if err := p.trades.Insert(ctx, trade); err != nil {
		// The order is already durably filled; the trade row is missing
		// but reconcilable by replaying against the orders table (see the
		// unposted-fill reconciliation note).
		return fmt.Errorf("insert trade for already-filled order %s: %w", candidate.ID, err)
	}

	p.mu.Lock()
	delete(p.cache, candidate.ID)
	p.mu.Unlock()

	side := pricing.Buy
	if candidate.Side == SideSell {
		side = pricing.Sell
	}
	fill := pricing.Fill{Side: side, Quantity: candidate.Quantity, Price: price}
	if _, err := p.keeper.ApplyFill(ctx, fill, candidate.AccountID, candidate.Symbol); err != nil {
		// The order row is filled and the trade is posted; the position is
		// stale until reconciled by replaying this trade.
		return fmt.Errorf("apply fill to position for order %s: %w", candidate.ID, err)
	}
	return nil
}
