// Package accountfeed runs the authenticated private stream, one instance per
// (user, account). It turns exchange order and position frames into bus
// events, filtering out anything the engine does not own.
package accountfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"scalper-engine/internal/bus"
	"scalper-engine/internal/exchange"
	"scalper-engine/internal/store"
	"scalper-engine/pkg/types"
)

const (
	reconnectPause = 5 * time.Second
	authWindow     = 10 * time.Second
	pingInterval   = 20 * time.Second
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
)

// OrderQuerier is the slice of the exchange client the feed needs for
// reconnect reconciliation.
type OrderQuerier interface {
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderSnapshot, error)
	GetOrderStatusByClientID(ctx context.Context, symbol, clientOrderID string) (*types.OrderSnapshot, error)
}

// Feed is one authenticated stream connection.
type Feed struct {
	url      string
	userID   int64
	priority int
	auth     *exchange.Auth
	client   OrderQuerier
	store    *store.Store
	bus      *bus.Bus

	connMu sync.Mutex
	conn   *websocket.Conn

	logger *slog.Logger
}

func New(wsURL string, userID int64, priority int, auth *exchange.Auth, client OrderQuerier, st *store.Store, b *bus.Bus, logger *slog.Logger) *Feed {
	return &Feed{
		url:      wsURL,
		userID:   userID,
		priority: priority,
		auth:     auth,
		client:   client,
		store:    st,
		bus:      b,
		logger: logger.With(
			"component", "accountfeed",
			"user", userID,
			"account", priority,
		),
	}
}

// Run connects and maintains the stream with auto-reconnect until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("private stream disconnected, reconnecting",
			"error", err,
			"pause", reconnectPause,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectPause):
		}
	}
}

// Close closes the current connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type opMsg struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.authenticate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := f.writeJSON(opMsg{Op: "subscribe", Args: []any{"order", "position"}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("private stream connected")

	// The stream may have missed fills while down; reconcile from the store.
	f.syncOrders(ctx)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(ctx, msg)
	}
}

func (f *Feed) authenticate() error {
	expires := time.Now().Add(authWindow).UnixMilli()
	return f.writeJSON(opMsg{
		Op:   "auth",
		Args: []any{f.auth.APIKey(), expires, f.auth.WSSignature(expires)},
	})
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(opMsg{Op: "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

// syncOrders replays fills that happened while the stream was down. For every
// store order that may have progressed, the REST status is authoritative; a
// Filled answer is published as OrderFilled, which strategies deduplicate.
func (f *Feed) syncOrders(ctx context.Context) {
	orders, err := f.store.GetActiveOrdersForSync(ctx, f.userID, f.priority)
	if err != nil {
		f.logger.Error("order sync query failed", "error", err)
		return
	}
	for _, o := range orders {
		if o.ExchangeOrderID == "" || o.ExchangeOrderID == "PENDING" {
			f.resolveUnsubmitted(ctx, o)
			continue
		}
		snap, err := f.client.GetOrderStatus(ctx, o.Symbol, o.ExchangeOrderID)
		if err != nil || snap == nil {
			f.logger.Warn("order sync status lookup failed",
				"order", o.ExchangeOrderID, "error", err)
			continue
		}
		if snap.Status != types.OrderStatusFilled {
			continue
		}
		f.bus.Publish(types.OrderFilled{
			UserID:          f.userID,
			AccountPriority: f.priority,
			OrderID:         o.ExchangeOrderID,
			Symbol:          o.Symbol,
			Side:            snap.Side,
			Qty:             snap.FilledQty,
			Price:           snap.AvgFillPrice,
			Fee:             snap.CumFee,
		})
	}
	if len(orders) > 0 {
		f.logger.Info("order sync complete", "checked", len(orders))
	}
}

// resolveUnsubmitted settles an order row whose exchange id was never
// recorded (a crash between persisting the record and reading the placement
// response). The exchange is asked by client order id: no record means the
// submission never reached it and the row is released; any answer binds the
// exchange id, with fills published for the strategies to replay.
func (f *Feed) resolveUnsubmitted(ctx context.Context, o types.Order) {
	snap, err := f.client.GetOrderStatusByClientID(ctx, o.Symbol, o.ClientOrderID)
	if err != nil {
		f.logger.Warn("unsubmitted order lookup failed",
			"client_order_id", o.ClientOrderID, "error", err)
		return
	}
	if snap == nil {
		if err := f.store.DeleteOrder(ctx, o.ClientOrderID); err != nil {
			f.logger.Error("orphan order release failed",
				"client_order_id", o.ClientOrderID, "error", err)
			return
		}
		f.logger.Info("released order the exchange never received",
			"client_order_id", o.ClientOrderID)
		return
	}

	if err := f.store.BindExchangeID(ctx, o.ClientOrderID, snap.OrderID); err != nil {
		f.logger.Error("late exchange id bind failed",
			"client_order_id", o.ClientOrderID, "order", snap.OrderID, "error", err)
		return
	}
	switch {
	case snap.Status == types.OrderStatusFilled:
		f.bus.Publish(types.OrderFilled{
			UserID:          f.userID,
			AccountPriority: f.priority,
			OrderID:         snap.OrderID,
			Symbol:          o.Symbol,
			Side:            snap.Side,
			Qty:             snap.FilledQty,
			Price:           snap.AvgFillPrice,
			Fee:             snap.CumFee,
		})
	case snap.Status.IsTerminal():
		if err := f.store.UpdateOrderStatus(ctx, snap.OrderID, snap.Status, snap.FilledQty, snap.AvgFillPrice, snap.CumFee, decimal.Zero); err != nil {
			f.logger.Error("order status persist failed", "order", snap.OrderID, "error", err)
		}
	default:
		if err := f.store.SetNew(ctx, o.ClientOrderID); err != nil {
			f.logger.Error("order status persist failed", "order", snap.OrderID, "error", err)
		}
	}
}

type streamMsg struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type orderFrame struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecFee  string `json:"cumExecFee"`
}

type positionFrame struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

func (f *Feed) dispatch(ctx context.Context, data []byte) {
	var msg streamMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
		return
	}
	switch msg.Topic {
	case "order":
		var rows []orderFrame
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			f.logger.Error("unmarshal order frame", "error", err)
			return
		}
		for _, row := range rows {
			f.handleOrder(ctx, row)
		}
	case "position":
		var rows []positionFrame
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			f.logger.Error("unmarshal position frame", "error", err)
			return
		}
		for _, row := range rows {
			f.handlePosition(ctx, row)
		}
	}
}

// handleOrder processes one order transition. Orders absent from the store
// are manual user actions and are ignored. Filled statuses from the stream
// are also ignored: fills are confirmed through REST polling after placement
// plus the reconnect sync, so a stream fill here would double-count.
func (f *Feed) handleOrder(ctx context.Context, row orderFrame) {
	owned, err := f.store.GetOrderByExchangeID(ctx, row.OrderID)
	if err != nil {
		f.logger.Error("order ownership lookup failed", "order", row.OrderID, "error", err)
		return
	}
	if owned == nil {
		f.logger.Debug("ignoring manual order", "order", row.OrderID)
		return
	}

	var status types.OrderStatus
	switch row.OrderStatus {
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		status = types.OrderStatusCancelled
	case "Rejected":
		status = types.OrderStatusRejected
	default:
		return
	}

	filled := parseDec(row.CumExecQty)
	avg := parseDec(row.AvgPrice)
	fee := parseDec(row.CumExecFee)
	if err := f.store.UpdateOrderStatus(ctx, row.OrderID, status, filled, avg, fee, decimal.Zero); err != nil {
		f.logger.Error("order status persist failed", "order", row.OrderID, "error", err)
		return
	}
	f.bus.Publish(types.OrderUpdate{
		UserID:          f.userID,
		AccountPriority: f.priority,
		Symbol:          row.Symbol,
		ExchangeOrderID: row.OrderID,
		Status:          status,
	})
}

// handlePosition publishes a PositionUpdate for every frame. A zero size is
// classified three ways: an engine close in flight means nothing more to do,
// an OPEN trade with no close in flight means the user closed the position on
// the exchange, and no OPEN trade means the close was already accounted.
func (f *Feed) handlePosition(ctx context.Context, row positionFrame) {
	size := parseDec(row.Size)

	f.bus.Publish(types.PositionUpdate{
		UserID:          f.userID,
		AccountPriority: f.priority,
		Symbol:          row.Symbol,
		Side:            types.Side(row.Side),
		Size:            size,
		EntryPrice:      parseDec(row.EntryPrice),
		MarkPrice:       parseDec(row.MarkPrice),
		UnrealizedPnL:   parseDec(row.UnrealisedPnl),
	})

	if !size.IsZero() {
		return
	}

	pendingClose, err := f.store.HasPendingCloseOrder(ctx, f.userID, row.Symbol, f.priority)
	if err != nil {
		f.logger.Error("pending close lookup failed", "symbol", row.Symbol, "error", err)
		return
	}
	if pendingClose {
		return
	}

	open, err := f.store.HasUnclosedPosition(ctx, f.userID, row.Symbol, f.priority)
	if err != nil {
		f.logger.Error("open trade lookup failed", "symbol", row.Symbol, "error", err)
		return
	}
	if !open {
		return
	}

	f.logger.Warn("position closed manually on exchange", "symbol", row.Symbol)
	f.bus.Publish(types.PositionClosed{
		UserID:          f.userID,
		Symbol:          row.Symbol,
		AccountPriority: f.priority,
		ClosedManually:  true,
	})
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
