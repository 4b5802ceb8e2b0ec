// Package position owns the set of non-flat positions: it applies fills
// computed by internal/pricing, persists them, and answers authorized
// queries against the in-memory cache.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"execution-core/internal/auth"
	"execution-core/internal/model"
	"execution-core/internal/pricing"
)

// Position is the cache-resident, authorization-facing view of one row.
type Position struct {
	AccountID     uuid.UUID
	Symbol        string
	NetQuantity   decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
	CostBasis     decimal.Decimal
	UpdatedAt     time.Time
}

func positionKey(accountID uuid.UUID, symbol string) string {
	return accountID.String() + "|" + symbol
}

// Keeper owns the positions cache: a reader-writer-locked map, read under a
// briefly held read lock and mutated under the write lock, which ApplyFill
// holds across its store upsert (see ApplyFill). The
// store write always happens before the cache write, so a crash between the
// two leaves the store ahead of the cache, never the reverse.
type Keeper struct {
	store model.PositionsModel

	mu    sync.RWMutex
	cache map[string]*Position
}

// NewKeeper constructs a Keeper against the given positions store.
func NewKeeper(store model.PositionsModel) *Keeper {
	return &Keeper{
		store: store,
		cache: make(map[string]*Position),
	}
}

// LoadPositions reads every nonzero-quantity row into the cache. Flat
// positions are retained in the store as historical rows but never cached.
func (k *Keeper) LoadPositions(ctx context.Context) (int, error) {
	rows, err := k.store.FindAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("position: load positions: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	loaded := 0
	for i := range rows {
		row := rows[i]
		if row.NetQuantity.IsZero() {
			continue
		}
		k.cache[positionKey(row.AccountID, row.Symbol)] = fromModel(&row)
		loaded++
	}
	logx.Infof("position: loaded %d open positions", loaded)
	return loaded, nil
}

// ApplyFill computes the next position state from the fill, upserts the row
// in the store, and only on success mutates the cache — evicting the key
// when the result is flat. A store error is returned with the cache left
// untouched; the order processor has already marked the order filled by
// the time it calls ApplyFill, so such an error leaves the position behind
// the order until the trade is replayed.
//
// When the key is not cached (never opened, or flat and evicted), the
// realized PnL carried forward is read from the stored row, so a position
// reopened after a close keeps its accumulated realized PnL.
//
// The read-compute-upsert-cache sequence runs under a single held write
// lock: two concurrent fills on the same (accountID, symbol) must not both
// read the same prior snapshot and race their upserts, since each upsert
// replaces the row wholesale rather than accumulating against it. Holding
// the lock for the store round trip serializes ApplyFill globally rather
// than per key, which is the same trade the rest of this package already
// makes (a single RWMutex over the whole cache, not one per key).
func (k *Keeper) ApplyFill(ctx context.Context, fill pricing.Fill, accountID uuid.UUID, symbol string) (*Position, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	prior := k.snapshotLocked(accountID, symbol)
	if _, cached := k.cache[positionKey(accountID, symbol)]; !cached {
		stored, err := k.store.FindOne(ctx, accountID, symbol)
		if err != nil {
			return nil, fmt.Errorf("position: read %s/%s: %w", accountID, symbol, err)
		}
		if stored != nil {
			prior.realizedPnl = stored.RealizedPnl
		}
	}
	result := pricing.Compute(prior.snapshot, fill)

	row := &model.Positions{
		AccountID:     accountID,
		Symbol:        symbol,
		NetQuantity:   result.NewQuantity,
		AvgPrice:      result.NewAvgPrice,
		RealizedPnl:   prior.realizedPnl.Add(result.RealizedDelta),
		UnrealizedPnl: prior.unrealizedPnl,
		CostBasis:     result.NewQuantity.Abs().Mul(result.NewAvgPrice),
		UpdatedAt:     time.Now(),
	}

	if err := k.store.Upsert(ctx, row); err != nil {
		return nil, fmt.Errorf("position: upsert %s/%s: %w", accountID, symbol, err)
	}

	key := positionKey(accountID, symbol)
	if row.NetQuantity.IsZero() {
		delete(k.cache, key)
		return fromModel(row), nil
	}
	pos := fromModel(row)
	k.cache[key] = pos
	return pos, nil
}

type priorState struct {
	snapshot      pricing.Snapshot
	realizedPnl   decimal.Decimal
	unrealizedPnl decimal.Decimal
}

func (k *Keeper) snapshotLocked(accountID uuid.UUID, symbol string) priorState {
	if pos, ok := k.cache[positionKey(accountID, symbol)]; ok {
		return priorState{
			snapshot:      pricing.Snapshot{NetQuantity: pos.NetQuantity, AvgPrice: pos.AvgPrice},
			realizedPnl:   pos.RealizedPnl,
			unrealizedPnl: pos.UnrealizedPnl,
		}
	}
	return priorState{
		snapshot:      pricing.Snapshot{NetQuantity: decimal.Zero, AvgPrice: decimal.Zero},
		realizedPnl:   decimal.Zero,
		unrealizedPnl: decimal.Zero,
	}
}

// GetPosition returns the cached position for (accountID, symbol) if the
// principal is authorized: either positions:read on its own account, or
// positions:read_all / admin:full for any account.
func (k *Keeper) GetPosition(principal *auth.Principal, accountID uuid.UUID, symbol string) (*Position, error) {
	if err := k.authorizeRead(principal, accountID); err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	pos, ok := k.cache[positionKey(accountID, symbol)]
	if !ok {
		return nil, nil
	}
	clone := *pos
	return &clone, nil
}

// GetAccountPositions lists every cached position for the target account,
// defaulting to the principal's own account when target is the zero UUID.
func (k *Keeper) GetAccountPositions(principal *auth.Principal, target uuid.UUID) ([]Position, error) {
	if target == uuid.Nil {
		target = principal.AccountID
	}
	if err := k.authorizeRead(principal, target); err != nil {
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]Position, 0)
	for _, pos := range k.cache {
		if pos.AccountID == target {
			out = append(out, *pos)
		}
	}
	return out, nil
}

func (k *Keeper) authorizeRead(principal *auth.Principal, target uuid.UUID) error {
	if !principal.HasPermission(auth.PermPositionsRead) && !principal.HasPermission(auth.PermPositionsReadAll) {
		return fmt.Errorf("position: principal lacks positions:read")
	}
	if !principal.CanAccessAccount(target) && !principal.HasPermission(auth.PermPositionsReadAll) {
		return fmt.Errorf("position: principal may not access account %s", target)
	}
	return nil
}

func fromModel(row *model.Positions) *Position {
	return &Position{
		AccountID:     row.AccountID,
		Symbol:        row.Symbol,
		NetQuantity:   row.NetQuantity,
		AvgPrice:      row.AvgPrice,
		RealizedPnl:   row.RealizedPnl,
		UnrealizedPnl: row.UnrealizedPnl,
		CostBasis:     row.CostBasis,
		UpdatedAt:     row.UpdatedAt,
	}
}
