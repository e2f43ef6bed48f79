// Package marketdata maintains the single shared connection to the public
// streaming endpoint and fans ticks and confirmed candles out to every
// interested user over the bus.
//
// Per symbol the hub subscribes to three topics: the trade stream for
// low-latency last prices, the 5-minute kline stream that drives strategy
// analysis, and the 1-minute kline stream feeding the spike detector. The
// first subscriber adds the symbol; removing the last subscriber drops it.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"scalper-engine/internal/bus"
	"scalper-engine/internal/cache"
	"scalper-engine/pkg/types"
)

const (
	reconnectPause = 5 * time.Second
	pingInterval   = 20 * time.Second
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second

	// candleCacheLen bounds the per-symbol confirmed-candle history kept in
	// the cache for warm starts.
	candleCacheLen = 60
)

// Hub is the shared public market-data connection.
type Hub struct {
	url   string
	bus   *bus.Bus
	cache cache.Cache

	connMu sync.Mutex
	conn   *websocket.Conn

	// symbol -> set of subscribed users
	subsMu sync.RWMutex
	subs   map[string]map[int64]struct{}

	logger *slog.Logger
}

func NewHub(wsURL string, b *bus.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		url:    wsURL,
		bus:    b,
		subs:   make(map[string]map[int64]struct{}),
		logger: logger.With("component", "marketdata"),
	}
}

// AttachCache enables the per-symbol confirmed-candle cache. Must be called
// before Run.
func (h *Hub) AttachCache(c cache.Cache) {
	h.cache = c
}

// Run connects and maintains the connection with auto-reconnect. Blocks until
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		err := h.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.logger.Warn("public stream disconnected, reconnecting",
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

// Subscribe registers a user's interest in a symbol. The first subscriber
// triggers the topic subscription on the wire.
func (h *Hub) Subscribe(symbol string, userID int64) {
	h.subsMu.Lock()
	users, known := h.subs[symbol]
	if !known {
		users = make(map[int64]struct{})
		h.subs[symbol] = users
	}
	users[userID] = struct{}{}
	h.subsMu.Unlock()

	if !known {
		if err := h.sendOp("subscribe", topicsFor(symbol)); err != nil {
			// The resubscribe on the next (re)connect covers this.
			h.logger.Warn("subscribe failed", "symbol", symbol, "error", err)
		}
	}
}

// Unsubscribe removes a user's interest. Dropping the last subscriber
// unsubscribes the symbol's topics.
func (h *Hub) Unsubscribe(symbol string, userID int64) {
	h.subsMu.Lock()
	users := h.subs[symbol]
	delete(users, userID)
	last := len(users) == 0
	if last {
		delete(h.subs, symbol)
	}
	h.subsMu.Unlock()

	if last {
		if err := h.sendOp("unsubscribe", topicsFor(symbol)); err != nil {
			h.logger.Warn("unsubscribe failed", "symbol", symbol, "error", err)
		}
	}
}

// Close closes the current connection, if any.
func (h *Hub) Close() error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

func topicsFor(symbol string) []string {
	return []string{
		"publicTrade." + symbol,
		"kline.1." + symbol,
		"kline.5." + symbol,
	}
}

func (h *Hub) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()

	defer func() {
		h.connMu.Lock()
		conn.Close()
		h.conn = nil
		h.connMu.Unlock()
	}()

	if err := h.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	h.logger.Info("public stream connected", "url", h.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go h.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		h.dispatch(msg)
	}
}

func (h *Hub) resubscribeAll() error {
	h.subsMu.RLock()
	var topics []string
	for symbol := range h.subs {
		topics = append(topics, topicsFor(symbol)...)
	}
	h.subsMu.RUnlock()

	if len(topics) == 0 {
		return nil
	}
	return h.writeJSON(opMsg{Op: "subscribe", Args: topics})
}

func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.writeJSON(opMsg{Op: "ping"}); err != nil {
				h.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

type opMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func (h *Hub) sendOp(op string, topics []string) error {
	return h.writeJSON(opMsg{Op: op, Args: topics})
}

func (h *Hub) writeJSON(v any) error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteJSON(v)
}

// streamMsg is the topic envelope of every data frame.
type streamMsg struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type tradeRow struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

type klineRow struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

func (h *Hub) dispatch(data []byte) {
	var msg streamMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
		// op acks, pongs and the like
		return
	}

	switch {
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		h.handleTrades(strings.TrimPrefix(msg.Topic, "publicTrade."), msg.Data)
	case strings.HasPrefix(msg.Topic, "kline."):
		h.handleKlines(msg.Topic, msg.Data)
	default:
		h.logger.Debug("unknown stream topic", "topic", msg.Topic)
	}
}

// handleTrades publishes one PriceUpdate per interested user from the last
// element of the batch, which is the newest trade.
func (h *Hub) handleTrades(symbol string, data json.RawMessage) {
	var rows []tradeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		h.logger.Error("unmarshal trade batch", "symbol", symbol, "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}
	last := rows[len(rows)-1]
	price, err := decimal.NewFromString(last.Price)
	if err != nil {
		h.logger.Error("bad trade price", "symbol", symbol, "price", last.Price)
		return
	}

	for _, userID := range h.usersFor(symbol) {
		h.bus.Publish(types.PriceUpdate{UserID: userID, Symbol: symbol, Price: price})
	}
}

// handleKlines publishes NewCandle events for confirmed bars only.
func (h *Hub) handleKlines(topic string, data json.RawMessage) {
	symbol, ok := klineSymbol(topic)
	if !ok {
		h.logger.Debug("malformed kline topic", "topic", topic)
		return
	}

	var rows []klineRow
	if err := json.Unmarshal(data, &rows); err != nil {
		h.logger.Error("unmarshal kline batch", "topic", topic, "error", err)
		return
	}

	for _, row := range rows {
		if !row.Confirm {
			continue
		}
		candle, err := rowToCandle(symbol, row)
		if err != nil {
			h.logger.Error("bad kline row", "topic", topic, "error", err)
			continue
		}
		h.cacheCandle(candle)
		for _, userID := range h.usersFor(symbol) {
			h.bus.Publish(types.NewCandle{UserID: userID, Symbol: symbol, Candle: candle})
		}
	}
}

// cacheCandle mirrors a confirmed bar into the candle cache so consumers can
// warm-start after a restart. Best effort.
func (h *Hub) cacheCandle(candle types.Candle) {
	if h.cache == nil {
		return
	}
	data, err := json.Marshal(candle)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := cache.CandleKey(candle.Symbol, string(candle.Interval))
	if err := h.cache.PushTrim(ctx, key, string(data), candleCacheLen, cache.CandleTTL); err != nil {
		h.logger.Warn("candle cache write failed", "symbol", candle.Symbol, "error", err)
	}
}

func (h *Hub) usersFor(symbol string) []int64 {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	users := make([]int64, 0, len(h.subs[symbol]))
	for id := range h.subs[symbol] {
		users = append(users, id)
	}
	return users
}

// klineSymbol extracts the symbol from "kline.{interval}.{symbol}".
func klineSymbol(topic string) (string, bool) {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

func rowToCandle(symbol string, row klineRow) (types.Candle, error) {
	open, err := decimal.NewFromString(row.Open)
	if err != nil {
		return types.Candle{}, fmt.Errorf("open: %w", err)
	}
	high, err := decimal.NewFromString(row.High)
	if err != nil {
		return types.Candle{}, fmt.Errorf("high: %w", err)
	}
	low, err := decimal.NewFromString(row.Low)
	if err != nil {
		return types.Candle{}, fmt.Errorf("low: %w", err)
	}
	closeP, err := decimal.NewFromString(row.Close)
	if err != nil {
		return types.Candle{}, fmt.Errorf("close: %w", err)
	}
	volume, err := decimal.NewFromString(row.Volume)
	if err != nil {
		return types.Candle{}, fmt.Errorf("volume: %w", err)
	}
	return types.Candle{
		Symbol:    symbol,
		Interval:  types.NormalizeInterval(row.Interval),
		Start:     time.UnixMilli(row.Start).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    volume,
		Confirmed: true,
	}, nil
}
