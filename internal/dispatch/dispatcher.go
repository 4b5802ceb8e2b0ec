// Package dispatch wires the message bus to the order and position
// processors: it deserializes authenticated requests from four logical
// subjects, routes them, and publishes replies on request/reply subjects.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"execution-core/internal/auth"
	"execution-core/internal/model"
	"execution-core/internal/order"
	"execution-core/internal/position"
	"execution-core/internal/resilience"
)

const (
	SubjectOrdersSubmit   = "orders.submit"
	SubjectOrdersCancel   = "orders.cancel"
	SubjectPositionsQuery = "positions.query"
	SubjectMarketTicks    = "market.tick.*"
)

// response is the reply envelope for order operations; omitted fields are
// dropped from the marshaled JSON.
type response struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type positionResponse struct {
	Success   bool              `json:"success"`
	Positions []positionPayload `json:"positions,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type positionPayload struct {
	Symbol        string `json:"symbol"`
	NetQuantity   string `json:"net_quantity"`
	AvgPrice      string `json:"avg_price"`
	RealizedPnl   string `json:"realized_pnl"`
	UnrealizedPnl string `json:"unrealized_pnl"`
}

// envelope carries the authenticated principal fields and the flattened
// request body in one JSON object, per the wire contract.
type envelope struct {
	raw map[string]json.RawMessage
}

func parseEnvelope(data []byte) (*envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &envelope{raw: raw}, nil
}

func (e *envelope) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := e.raw[k]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				return s
			}
		}
	}
	return ""
}

func (e *envelope) strSlice(keys ...string) []string {
	for _, k := range keys {
		if v, ok := e.raw[k]; ok {
			var s []string
			if err := json.Unmarshal(v, &s); err == nil {
				return s
			}
		}
	}
	return nil
}

func (e *envelope) decimal(keys ...string) decimal.NullDecimal {
	for _, k := range keys {
		if v, ok := e.raw[k]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil && s != "" {
				if d, err := decimal.NewFromString(s); err == nil {
					return decimal.NewNullDecimal(d)
				}
			}
		}
	}
	return decimal.NullDecimal{}
}

func (e *envelope) principal() (*auth.Principal, error) {
	accountIDStr := e.str("account_id", "accountId")
	if accountIDStr == "" {
		return nil, fmt.Errorf("auth envelope missing account_id")
	}
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil {
		return nil, fmt.Errorf("auth envelope account_id: %w", err)
	}
	username := e.str("username")
	role := e.str("role")
	permissions := e.strSlice("permissions")
	tokenID := e.str("token_id", "tokenId")
	return auth.New(accountID, username, role, permissions, tokenID), nil
}

// Dispatcher binds the order and position processors to NATS subjects.
type Dispatcher struct {
	conn      *nats.Conn
	processor *order.Processor
	keeper    *position.Keeper
	breaker   *resilience.CircuitBreaker
	subs      []*nats.Subscription
}

// NewDispatcher constructs a Dispatcher over an already-connected NATS
// client. breaker may be nil to publish replies unconditionally; when set,
// it guards the publish call and is tripped by repeated publish failures
// (e.g. a NATS server partition) so reply attempts fail fast instead of
// blocking the handler.
func NewDispatcher(conn *nats.Conn, processor *order.Processor, keeper *position.Keeper, breaker *resilience.CircuitBreaker) *Dispatcher {
	return &Dispatcher{conn: conn, processor: processor, keeper: keeper, breaker: breaker}
}

// Start subscribes to all four logical subjects. nats.go delivers each
// subscription's messages sequentially on one goroutine per subscription
// (not one goroutine per message), so the four subjects run concurrently
// with respect to each other but never with themselves. Handlers and the
// components beneath them (order.Processor, position.Keeper) still guard
// their own state with locks rather than relying on that delivery model,
// since multiple dispatcher instances or a future multi-subscriber queue
// group would break the single-goroutine assumption.
func (d *Dispatcher) Start(ctx context.Context) error {
	submitSub, err := d.conn.Subscribe(SubjectOrdersSubmit, d.handleSubmit(ctx))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectOrdersSubmit, err)
	}
	cancelSub, err := d.conn.Subscribe(SubjectOrdersCancel, d.handleCancel(ctx))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectOrdersCancel, err)
	}
	queriesSub, err := d.conn.Subscribe(SubjectPositionsQuery, d.handlePositionsQuery(ctx))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectPositionsQuery, err)
	}
	ticksSub, err := d.conn.Subscribe(SubjectMarketTicks, d.handleMarketTick(ctx))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectMarketTicks, err)
	}

	d.subs = []*nats.Subscription{submitSub, cancelSub, queriesSub, ticksSub}
	logx.Infof("dispatch: subscribed to %s, %s, %s, %s",
		SubjectOrdersSubmit, SubjectOrdersCancel, SubjectPositionsQuery, SubjectMarketTicks)
	return nil
}

// Stop unsubscribes from every subject, terminating the dispatcher loop.
func (d *Dispatcher) Stop() {
	for _, sub := range d.subs {
		if err := sub.Unsubscribe(); err != nil {
			logx.Errorf("dispatch: unsubscribe %s: %v", sub.Subject, err)
		}
	}
}

func (d *Dispatcher) handleSubmit(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		resp := d.processSubmit(ctx, msg.Data)
		d.reply(msg, resp)
	}
}

func (d *Dispatcher) processSubmit(ctx context.Context, data []byte) response {
	env, err := parseEnvelope(data)
	if err != nil {
		return response{Success: false, Error: err.Error()}
	}
	principal, err := env.principal()
	if err != nil {
		return response{Success: false, Error: err.Error()}
	}

	req := order.SubmitRequest{
		ClientOrderID: env.str("client_order_id", "clientOrderId"),
		Symbol:        env.str("symbol"),
		Side:          env.str("side"),
		OrderType:     env.str("order_type", "orderType"),
		Price:         env.decimal("price"),
	}
	if qty := env.str("quantity"); qty != "" {
		if d, err := decimal.NewFromString(qty); err == nil {
			req.Quantity = d
		}
	}

	outcome, err := d.processor.SubmitOrder(ctx, principal, req)
	if err != nil {
		return response{Success: false, Error: err.Error()}
	}
	return response{Success: true, OrderID: outcome.Order.ID.String()}
}

func (d *Dispatcher) handleCancel(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		resp := d.processCancel(ctx, msg.Data)
		d.reply(msg, resp)
	}
}

func (d *Dispatcher) processCancel(ctx context.Context, data []byte) response {
	env, err := parseEnvelope(data)
	if err != nil {
		return response{Success: false, Error: err.Error()}
	}
	principal, err := env.principal()
	if err != nil {
		return response{Success: false, Error: err.Error()}
	}

	orderIDStr := env.str("order_id", "orderId")
	orderID, err := uuid.Parse(orderIDStr)
	if err != nil {
		return response{Success: false, Error: fmt.Sprintf("invalid order_id: %v", err)}
	}

	cancelled, err := d.processor.CancelOrder(ctx, principal, orderID)
	if err != nil {
		return response{Success: false, Error: err.Error()}
	}
	if cancelled == nil {
		return response{Success: false, Error: "order not found"}
	}
	if cancelled.Status != model.StatusCancelled {
		return response{Success: false, OrderID: cancelled.ID.String(), Error: fmt.Sprintf("order is %s", cancelled.Status)}
	}
	return response{Success: true, OrderID: cancelled.ID.String()}
}

func (d *Dispatcher) handlePositionsQuery(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		resp := d.processPositionsQuery(ctx, msg.Data)
		d.reply(msg, resp)
	}
}

func (d *Dispatcher) processPositionsQuery(_ context.Context, data []byte) positionResponse {
	env, err := parseEnvelope(data)
	if err != nil {
		return positionResponse{Success: false, Error: err.Error()}
	}
	principal, err := env.principal()
	if err != nil {
		return positionResponse{Success: false, Error: err.Error()}
	}

	var target uuid.UUID
	if accStr := env.str("account_id", "accountId"); accStr != "" {
		if parsed, err := uuid.Parse(accStr); err == nil {
			target = parsed
		}
	}

	positions, err := d.keeper.GetAccountPositions(principal, target)
	if err != nil {
		return positionResponse{Success: false, Error: err.Error()}
	}

	payload := make([]positionPayload, 0, len(positions))
	for _, p := range positions {
		payload = append(payload, positionPayload{
			Symbol:        p.Symbol,
			NetQuantity:   p.NetQuantity.String(),
			AvgPrice:      p.AvgPrice.String(),
			RealizedPnl:   p.RealizedPnl.String(),
			UnrealizedPnl: p.UnrealizedPnl.String(),
		})
	}
	return positionResponse{Success: true, Positions: payload}
}

func (d *Dispatcher) handleMarketTick(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var tick struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		}
		if err := json.Unmarshal(msg.Data, &tick); err != nil {
			logx.Errorf("dispatch: dropping unparseable tick on %s: %v", msg.Subject, err)
			return
		}
		d.processor.ProcessMarketTick(ctx, tick.Symbol, tick.LastPrice)
	}
}

// reply marshals and publishes v on msg.Reply, logging (but not retrying)
// publish failures; messages with no reply subject silently drop the
// response.
func (d *Dispatcher) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		logx.Errorf("dispatch: marshal reply for %s: %v", msg.Subject, err)
		return
	}

	if d.breaker != nil && !d.breaker.AllowCall() {
		logx.Errorf("dispatch: nats circuit open, dropping reply for %s", msg.Subject)
		return
	}

	if err := d.conn.Publish(msg.Reply, payload); err != nil {
		logx.Errorf("dispatch: publish reply for %s: %v", msg.Subject, err)
		if d.breaker != nil {
			d.breaker.RecordFailure()
		}
		return
	}
	if d.breaker != nil {
		d.breaker.RecordSuccess()
	}
}
