package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

const ordersTable = "public.orders"

// Order statuses, per the status transition invariant: monotone toward a
// terminal state (filled, cancelled, rejected).
const (
	StatusPending         = "pending"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
)

// Orders mirrors a row of the orders table.
type Orders struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	ClientOrderID  string
	Symbol         string
	Side           string
	OrderType      string
	Quantity       decimal.Decimal
	Price          decimal.NullDecimal
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.NullDecimal
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type (
	// OrdersModel is an interface to be customized; add more methods here and
	// implement them on customOrdersModel.
	OrdersModel interface {
		ordersModel
		FindByClientOrderID(ctx context.Context, accountID uuid.UUID, clientOrderID string) (*Orders, error)
		FindOpen(ctx context.Context) ([]Orders, error)
		MarkFilled(ctx context.Context, id uuid.UUID, price decimal.Decimal) (bool, error)
		MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	}

	ordersModel interface {
		Insert(ctx context.Context, data *Orders) error
		FindOne(ctx context.Context, id uuid.UUID) (*Orders, error)
	}

	defaultOrdersModel struct {
		conn sqlx.SqlConn
	}

	customOrdersModel struct {
		*defaultOrdersModel
	}
)

// NewOrdersModel returns a model for the orders table.
func NewOrdersModel(conn sqlx.SqlConn) OrdersModel {
	return &customOrdersModel{defaultOrdersModel: newOrdersModel(conn)}
}

func newOrdersModel(conn sqlx.SqlConn) *defaultOrdersModel {
	return &defaultOrdersModel{conn: conn}
}

func (m *defaultOrdersModel) Insert(ctx context.Context, data *Orders) error {
	query := fmt.Sprintf(`INSERT INTO %s (
		id, account_id, client_order_id, symbol, side, order_type,
		quantity, price, filled_quantity, avg_fill_price, status,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, ordersTable)

	_, err := m.conn.ExecCtx(ctx, query,
		data.ID, data.AccountID, data.ClientOrderID, data.Symbol, data.Side, data.OrderType,
		data.Quantity, data.Price, data.FilledQuantity, data.AvgFillPrice, data.Status,
		data.CreatedAt, data.UpdatedAt)
	return err
}

func (m *defaultOrdersModel) FindOne(ctx context.Context, id uuid.UUID) (*Orders, error) {
	query := fmt.Sprintf(`SELECT id, account_id, client_order_id, symbol, side, order_type,
		quantity, price, filled_quantity, avg_fill_price, status, created_at, updated_at
		FROM %s WHERE id = $1`, ordersTable)

	var row Orders
	if err := m.conn.QueryRowCtx(ctx, &row, query, id); err != nil {
		if err == sqlx.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// FindByClientOrderID implements the (account_id, client_order_id) lookup the
// submit path's duplicate pre-check relies on.
func (m *customOrdersModel) FindByClientOrderID(ctx context.Context, accountID uuid.UUID, clientOrderID string) (*Orders, error) {
	query := fmt.Sprintf(`SELECT id, account_id, client_order_id, symbol, side, order_type,
		quantity, price, filled_quantity, avg_fill_price, status, created_at, updated_at
		FROM %s WHERE account_id = $1 AND client_order_id = $2`, ordersTable)

	var row Orders
	err := m.conn.QueryRowCtx(ctx, &row, query, accountID, clientOrderID)
	switch {
	case err == nil:
		return &row, nil
	case err == sqlx.ErrNotFound:
		return nil, nil
	default:
		return nil, err
	}
}

// FindOpen loads every order still resting (pending or partially filled),
// used once at startup to populate the in-memory open-orders cache.
func (m *customOrdersModel) FindOpen(ctx context.Context) ([]Orders, error) {
	query := fmt.Sprintf(`SELECT id, account_id, client_order_id, symbol, side, order_type,
		quantity, price, filled_quantity, avg_fill_price, status, created_at, updated_at
		FROM %s WHERE status IN ($1, $2)`, ordersTable)

	var rows []Orders
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, StatusPending, StatusPartiallyFilled); err != nil {
		return nil, fmt.Errorf("orders.FindOpen: %w", err)
	}
	return rows, nil
}

// MarkFilled performs the predicated update required to dedupe concurrent
// ticks racing to fill the same order: it only transitions rows that are
// still pending, and reports whether it actually changed one.
func (m *customOrdersModel) MarkFilled(ctx context.Context, id uuid.UUID, price decimal.Decimal) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET
		status = $2,
		filled_quantity = quantity,
		avg_fill_price = $3,
		updated_at = NOW()
		WHERE id = $1 AND status = $4`, ordersTable)

	res, err := m.conn.ExecCtx(ctx, query, id, StatusFilled, price, StatusPending)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// MarkCancelled transitions an order to cancelled, refusing to touch a row
// already in a terminal state (filled, cancelled, rejected) — the strict
// reading of the cancellation-of-terminal-orders open question.
func (m *customOrdersModel) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`, ordersTable)

	res, err := m.conn.ExecCtx(ctx, query, id, StatusCancelled, StatusPending, StatusPartiallyFilled)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
