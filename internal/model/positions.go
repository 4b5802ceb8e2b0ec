package model

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

const positionsTable = "public.positions"

// Positions mirrors a row of the positions table, keyed by (account_id, symbol).
type Positions struct {
	AccountID     uuid.UUID
	Symbol        string
	NetQuantity   decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
	CostBasis     decimal.Decimal
	UpdatedAt     time.Time
}

type (
	// PositionsModel is an interface to be customized; add more methods here
	// and implement them on customPositionsModel.
	PositionsModel interface {
		positionsModel
		FindOne(ctx context.Context, accountID uuid.UUID, symbol string) (*Positions, error)
		FindByAccount(ctx context.Context, accountID uuid.UUID) ([]Positions, error)
		FindAll(ctx context.Context) ([]Positions, error)
	}

	positionsModel interface {
		Upsert(ctx context.Context, data *Positions) error
	}

	defaultPositionsModel struct {
		conn sqlx.SqlConn
	}

	customPositionsModel struct {
		*defaultPositionsModel
	}
)

// NewPositionsModel returns a model for the positions table.
func NewPositionsModel(conn sqlx.SqlConn) PositionsModel {
	return &customPositionsModel{defaultPositionsModel: newPositionsModel(conn)}
}

func newPositionsModel(conn sqlx.SqlConn) *defaultPositionsModel {
	return &defaultPositionsModel{conn: conn}
}

// Upsert writes the post-fill position snapshot, replacing the prior row for
// (account_id, symbol). The caller is responsible for having computed the
// new net_quantity/avg_price/realized_pnl from the prior snapshot — this is
// a plain write, not an accumulating SQL update, so the read-compute-write
// must happen under the position keeper's lock.
func (m *defaultPositionsModel) Upsert(ctx context.Context, data *Positions) error {
	query := fmt.Sprintf(`INSERT INTO %s (
		account_id, symbol, net_quantity, avg_price, realized_pnl, unrealized_pnl, cost_basis, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (account_id, symbol) DO UPDATE SET
		net_quantity = EXCLUDED.net_quantity,
		avg_price = EXCLUDED.avg_price,
		realized_pnl = EXCLUDED.realized_pnl,
		unrealized_pnl = EXCLUDED.unrealized_pnl,
		cost_basis = EXCLUDED.cost_basis,
		updated_at = EXCLUDED.updated_at`, positionsTable)

	_, err := m.conn.ExecCtx(ctx, query,
		data.AccountID, data.Symbol, data.NetQuantity, data.AvgPrice,
		data.RealizedPnl, data.UnrealizedPnl, data.CostBasis, data.UpdatedAt)
	return err
}

func (m *customPositionsModel) FindOne(ctx context.Context, accountID uuid.UUID, symbol string) (*Positions, error) {
	query := fmt.Sprintf(`SELECT account_id, symbol, net_quantity, avg_price, realized_pnl, unrealized_pnl, cost_basis, updated_at
		FROM %s WHERE account_id = $1 AND symbol = $2`, positionsTable)

	var row Positions
	err := m.conn.QueryRowCtx(ctx, &row, query, accountID, symbol)
	switch {
	case err == nil:
		return &row, nil
	case err == sqlx.ErrNotFound:
		return nil, nil
	default:
		return nil, err
	}
}

// FindByAccount loads every stored position row for one account, flat rows
// included.
func (m *customPositionsModel) FindByAccount(ctx context.Context, accountID uuid.UUID) ([]Positions, error) {
	query := fmt.Sprintf(`SELECT account_id, symbol, net_quantity, avg_price, realized_pnl, unrealized_pnl, cost_basis, updated_at
		FROM %s WHERE account_id = $1`, positionsTable)

	var rows []Positions
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, accountID); err != nil {
		return nil, fmt.Errorf("positions.FindByAccount: %w", err)
	}
	return rows, nil
}

// FindAll loads every position across every account, used at startup to
// populate the in-memory position cache.
func (m *customPositionsModel) FindAll(ctx context.Context) ([]Positions, error) {
	query := fmt.Sprintf(`SELECT account_id, symbol, net_quantity, avg_price, realized_pnl, unrealized_pnl, cost_basis, updated_at
		FROM %s`, positionsTable)

	var rows []Positions
	if err := m.conn.QueryRowsCtx(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("positions.FindAll: %w", err)
	}
	return rows, nil
}
