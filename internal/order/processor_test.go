package order

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"execution-core/internal/auth"
	"execution-core/internal/model"
	"execution-core/internal/position"
)

type fakeOrdersModel struct {
	byID        map[uuid.UUID]model.Orders
	insertErr   error
	markFillErr error
}

func newFakeOrdersModel() *fakeOrdersModel {
	return &fakeOrdersModel{byID: make(map[uuid.UUID]model.Orders)}
}

func (f *fakeOrdersModel) Insert(_ context.Context, data *model.Orders) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, row := range f.byID {
		if row.AccountID == data.AccountID && row.ClientOrderID == data.ClientOrderID {
			return &pq.Error{Code: "23505"}
		}
	}
	f.byID[data.ID] = *data
	return nil
}

func (f *fakeOrdersModel) FindOne(_ context.Context, id uuid.UUID) (*model.Orders, error) {
	row, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeOrdersModel) FindByClientOrderID(_ context.Context, accountID uuid.UUID, clientOrderID string) (*model.Orders, error) {
	for _, row := range f.byID {
		if row.AccountID == accountID && row.ClientOrderID == clientOrderID {
			return &row, nil
		}
	}
	return nil, nil
}

func (f *fakeOrdersModel) FindOpen(_ context.Context) ([]model.Orders, error) {
	var out []model.Orders
	for _, row := range f.byID {
		if row.Status == model.StatusPending || row.Status == model.StatusPartiallyFilled {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeOrdersModel) MarkFilled(_ context.Context, id uuid.UUID, price decimal.Decimal) (bool, error) {
	if f.markFillErr != nil {
		return false, f.markFillErr
	}
	row, ok := f.byID[id]
	if !ok || row.Status != model.StatusPending {
		return false, nil
	}
	row.Status = model.StatusFilled
	row.FilledQuantity = row.Quantity
	row.AvgFillPrice = decimal.NewNullDecimal(price)
	row.UpdatedAt = time.Now()
	f.byID[id] = row
	return true, nil
}

func (f *fakeOrdersModel) MarkCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	row, ok := f.byID[id]
	if !ok || (row.Status != model.StatusPending && row.Status != model.StatusPartiallyFilled) {
		return false, nil
	}
	row.Status = model.StatusCancelled
	f.byID[id] = row
	return true, nil
}

type fakeTradesModel struct {
	inserted []model.Trades
}

func (f *fakeTradesModel) Insert(_ context.Context, data *model.Trades) error {
	f.inserted = append(f.inserted, *data)
	return nil
}
func (f *fakeTradesModel) FindByOrder(_ context.Context, orderID uuid.UUID) ([]model.Trades, error) {
	var out []model.Trades
	for _, t := range f.inserted {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTradesModel) RecentByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]model.Trades, error) {
	return nil, nil
}

type fakePositionsModel struct {
	rows map[string]model.Positions
}

func newFakePositionsModel() *fakePositionsModel {
	return &fakePositionsModel{rows: make(map[string]model.Positions)}
}

func fakePositionKey(accountID uuid.UUID, symbol string) string { return accountID.String() + "|" + symbol }

func (f *fakePositionsModel) Upsert(_ context.Context, data *model.Positions) error {
	f.rows[fakePositionKey(data.AccountID, data.Symbol)] = *data
	return nil
}

func (f *fakePositionsModel) FindOne(_ context.Context, accountID uuid.UUID, symbol string) (*model.Positions, error) {
	row, ok := f.rows[fakePositionKey(accountID, symbol)]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakePositionsModel) FindByAccount(_ context.Context, accountID uuid.UUID) ([]model.Positions, error) {
	var out []model.Positions
	for _, row := range f.rows {
		if row.AccountID == accountID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakePositionsModel) FindAll(_ context.Context) ([]model.Positions, error) {
	out := make([]model.Positions, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row)
	}
	return out, nil
}

func newTestProcessor() (*Processor, *fakeOrdersModel, *fakeTradesModel, *position.Keeper) {
	orders := newFakeOrdersModel()
	trades := &fakeTradesModel{}
	positions := newFakePositionsModel()
	keeper := position.NewKeeper(positions)
	return NewProcessor(orders, trades, keeper, nil, 0), orders, trades, keeper
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func creatorPrincipal(accountID uuid.UUID) *auth.Principal {
	return auth.New(accountID, "trader", "trader", []string{auth.PermOrdersCreate, auth.PermOrdersCancel, auth.PermPositionsRead}, "tok")
}

func TestSubmitOrder_AcceptsThenDuplicates(t *testing.T) {
	proc, _, _, _ := newTestProcessor()
	accountID := uuid.New()
	principal := creatorPrincipal(accountID)

	req := SubmitRequest{
		ClientOrderID: "abc",
		Symbol:        "BTC-USD",
		Side:          SideBuy,
		OrderType:     TypeLimit,
		Quantity:      dec("1"),
		Price:         decimal.NewNullDecimal(dec("50000")),
	}

	out, err := proc.SubmitOrder(context.Background(), principal, req)
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	firstID := out.Order.ID

	out2, err := proc.SubmitOrder(context.Background(), principal, req)
	require.NoError(t, err)
	require.True(t, out2.Duplicate)
	require.Equal(t, firstID, out2.Order.ID)
}

func TestSubmitOrder_RejectsMissingPermission(t *testing.T) {
	proc, _, _, _ := newTestProcessor()
	accountID := uuid.New()
	principal := auth.New(accountID, "viewer", "viewer", nil, "tok")

	_, err := proc.SubmitOrder(context.Background(), principal, SubmitRequest{
		ClientOrderID: "x", Symbol: "BTC-USD", Side: SideBuy, OrderType: TypeMarket, Quantity: dec("1"),
	})
	require.Error(t, err)
}

func TestSubmitOrder_RejectsLimitWithoutPrice(t *testing.T) {
	proc, _, _, _ := newTestProcessor()
	accountID := uuid.New()
	principal := creatorPrincipal(accountID)

	_, err := proc.SubmitOrder(context.Background(), principal, SubmitRequest{
		ClientOrderID: "x", Symbol: "BTC-USD", Side: SideBuy, OrderType: TypeLimit, Quantity: dec("1"),
	})
	require.Error(t, err)
}

func TestCancelOrder_UnknownReturnsNilNoError(t *testing.T) {
	proc, _, _, _ := newTestProcessor()
	principal := creatorPrincipal(uuid.New())

	got, err := proc.CancelOrder(context.Background(), principal, uuid.New())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCancelOrder_RefusesTerminal(t *testing.T) {
	proc, orders, _, _ := newTestProcessor()
	accountID := uuid.New()
	principal := creatorPrincipal(accountID)

	out, err := proc.SubmitOrder(context.Background(), principal, SubmitRequest{
		ClientOrderID: "x", Symbol: "BTC-USD", Side: SideBuy, OrderType: TypeMarket, Quantity: dec("1"),
	})
	require.NoError(t, err)

	row := orders.byID[out.Order.ID]
	row.Status = model.StatusFilled
	orders.byID[out.Order.ID] = row

	_, err = proc.CancelOrder(context.Background(), principal, out.Order.ID)
	require.Error(t, err)
}

func TestCancelOrder_DeniesCrossAccount(t *testing.T) {
	proc, _, _, _ := newTestProcessor()
	owner := uuid.New()
	principal := creatorPrincipal(owner)

	out, err := proc.SubmitOrder(context.Background(), principal, SubmitRequest{
		ClientOrderID: "x", Symbol: "BTC-USD", Side: SideBuy, OrderType: TypeMarket, Quantity: dec("1"),
	})
	require.NoError(t, err)

	intruder := auth.New(uuid.New(), "intruder", "trader", []string{auth.PermOrdersCancel}, "tok")
	_, err = proc.CancelOrder(context.Background(), intruder, out.Order.ID)
	require.Error(t, err)
}

func TestProcessMarketTick_FillsCrossingLimitBuy(t *testing.T) {
	proc, orders, trades, keeper := newTestProcessor()
	accountID := uuid.New()
	principal := creatorPrincipal(accountID)

	out, err := proc.SubmitOrder(context.Background(), principal, SubmitRequest{
		ClientOrderID: "abc", Symbol: "BTC-USD", Side: SideBuy, OrderType: TypeLimit,
		Quantity: dec("1"), Price: decimal.NewNullDecimal(dec("50000")),
	})
	require.NoError(t, err)

	proc.ProcessMarketTick(context.Background(), "BTC-USD", "49999.99")

	row := orders.byID[out.Order.ID]
	require.Equal(t, model.StatusFilled, row.Status)
	require.True(t, row.AvgFillPrice.Decimal.Equal(dec("49999.99")))
	require.Len(t, trades.inserted, 1)

	pos, err := keeper.GetPosition(principal, accountID, "BTC-USD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.True(t, pos.NetQuantity.Equal(dec("1")))
	require.True(t, pos.AvgPrice.Equal(dec("49999.99")))

	// Second tick must not refill the now-absent order.
	proc.ProcessMarketTick(context.Background(), "BTC-USD", "49000")
	require.Len(t, trades.inserted, 1)
}

func TestProcessMarketTick_DropsUnparseablePrice(t *testing.T) {
	proc, _, trades, _ := newTestProcessor()
	proc.ProcessMarketTick(context.Background(), "BTC-USD", "not-a-number")
	require.Empty(t, trades.inserted)
}

func TestIsUniqueViolation_DetectsPQCode23505(t *testing.T) {
	require.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	require.False(t, isUniqueViolation(&pq.Error{Code: "42601"}))
	require.False(t, isUniqueViolation(fmt.Errorf("some other error")))
}

func TestProcessMarketTick_DoesNotCrossIgnoresOrder(t *testing.T) {
	proc, orders, trades, _ := newTestProcessor()
	accountID := uuid.New()
	principal := creatorPrincipal(accountID)

	out, err := proc.SubmitOrder(context.Background(), principal, SubmitRequest{
		ClientOrderID: "abc", Symbol: "BTC-USD", Side: SideBuy, OrderType: TypeLimit,
		Quantity: dec("1"), Price: decimal.NewNullDecimal(dec("50000")),
	})
	require.NoError(t, err)

	proc.ProcessMarketTick(context.Background(), "BTC-USD", "50001")

	row := orders.byID[out.Order.ID]
	require.Equal(t, model.StatusPending, row.Status)
	require.Empty(t, trades.inserted)
}
