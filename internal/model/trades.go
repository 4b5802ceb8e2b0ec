package model

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

const tradesTable = "public.trades"

// Trades mirrors a row of the trades table: the append-only fill ledger.
type Trades struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	AccountID uuid.UUID
	Symbol    string
	Side      string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	CreatedAt time.Time
}

type (
	// TradesModel is an interface to be customized; add more methods here
	// and implement them on customTradesModel.
	TradesModel interface {
		tradesModel
		FindByOrder(ctx context.Context, orderID uuid.UUID) ([]Trades, error)
		RecentByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]Trades, error)
	}

	tradesModel interface {
		Insert(ctx context.Context, data *Trades) error
	}

	defaultTradesModel struct {
		conn sqlx.SqlConn
	}

	customTradesModel struct {
		*defaultTradesModel
	}
)

// NewTradesModel returns a model for the trades table.
func NewTradesModel(conn sqlx.SqlConn) TradesModel {
	return &customTradesModel{defaultTradesModel: newTradesModel(conn)}
}

func newTradesModel(conn sqlx.SqlConn) *defaultTradesModel {
	return &defaultTradesModel{conn: conn}
}

func (m *defaultTradesModel) Insert(ctx context.Context, data *Trades) error {
	query := fmt.Sprintf(`INSERT INTO %s (
		id, order_id, account_id, symbol, side, quantity, price, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, tradesTable)

	_, err := m.conn.ExecCtx(ctx, query,
		data.ID, data.OrderID, data.AccountID, data.Symbol, data.Side,
		data.Quantity, data.Price, data.CreatedAt)
	return err
}

func (m *customTradesModel) FindByOrder(ctx context.Context, orderID uuid.UUID) ([]Trades, error) {
	query := fmt.Sprintf(`SELECT id, order_id, account_id, symbol, side, quantity, price, created_at
		FROM %s WHERE order_id = $1 ORDER BY created_at ASC`, tradesTable)

	var rows []Trades
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, orderID); err != nil {
		return nil, fmt.Errorf("trades.FindByOrder: %w", err)
	}
	return rows, nil
}

// RecentByAccount returns the most recent fills for an account, newest first.
func (m *customTradesModel) RecentByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]Trades, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, order_id, account_id, symbol, side, quantity, price, created_at
		FROM %s WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, tradesTable)

	var rows []Trades
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, accountID, limit); err != nil {
		return nil, fmt.Errorf("trades.RecentByAccount: %w", err)
	}
	return rows, nil
}
