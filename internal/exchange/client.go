// Package exchange implements the signed REST client and instrument cache
// for the venue's v5 API.
//
// The REST client (Client) covers everything the strategies need:
//   - GetTicker / GetKlines / GetInstruments    — public market data
//   - GetWalletBalance                          — equity snapshot (UNIFIED, CONTRACT fallback)
//   - GetPositions / GetClosedPnL               — position state and realized PnL ground truth
//   - PlaceOrder / CancelOrder / GetOrderStatus — order lifecycle
//   - SetLeverage / SetTradingStop              — position parameters
//
// Every request is rate-limited per endpoint category, signed with HMAC
// headers, and retried up to three times with linear backoff. Auth failures
// (codes 10003/10004) are fatal and never retried. "Not modified" and
// "order does not exist" codes are classified as success.
//
// A Client instance is bound to one (user, account_priority); instances are
// not shared across accounts.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"scalper-engine/internal/config"
	"scalper-engine/pkg/types"
)

const (
	maxAttempts    = 3
	retryBaseDelay = 500 * time.Millisecond

	// Market orders can take 100-500 ms to show up in order history; the
	// status poller spaces its attempts accordingly.
	statusPollSpacing  = 300 * time.Millisecond
	statusPollAttempts = 3
)

// Client is the signed REST API client for one (user, account_priority).
type Client struct {
	http        *resty.Client
	auth        *Auth // nil for the public (unsigned) client
	rl          *RateLimiter
	instruments *InstrumentCache // may be nil for the bootstrap client
	userID      int64
	priority    int
	logger      *slog.Logger
}

// NewClient creates a signed client bound to one user account.
func NewClient(cfg config.ExchangeConfig, creds Credentials, instruments *InstrumentCache, userID int64, priority int, logger *slog.Logger) *Client {
	return &Client{
		http:        newHTTP(cfg),
		auth:        NewAuth(creds, cfg.RecvWindowMS),
		rl:          NewRateLimiter(),
		instruments: instruments,
		userID:      userID,
		priority:    priority,
		logger: logger.With(
			"component", "exchange",
			"user", userID,
			"account", priority,
		),
	}
}

// NewPublicClient creates an unsigned client for public market endpoints.
func NewPublicClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	return &Client{
		http:   newHTTP(cfg),
		rl:     NewRateLimiter(),
		logger: logger.With("component", "exchange_public"),
	}
}

func newHTTP(cfg config.ExchangeConfig) *resty.Client {
	return resty.New().
		SetBaseURL(cfg.RESTURL()).
		SetTimeout(cfg.RequestTimeout).
		SetTransport(&http.Transport{
			ResponseHeaderTimeout: cfg.ConnectTimeout,
		}).
		SetHeader("Content-Type", "application/json")
}

// AttachInstruments wires the shared instrument cache after construction.
func (c *Client) AttachInstruments(cache *InstrumentCache) {
	c.instruments = cache
}

// UserID returns the owning user id.
func (c *Client) UserID() int64 { return c.userID }

// AccountPriority returns the owning sub-account ordinal.
func (c *Client) AccountPriority() int { return c.priority }

// envelope is the exchange's uniform response wrapper. Success iff RetCode 0.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// get issues one GET with retry. Signed when the client has credentials and
// signed is true; payload for signing is the sorted url-encoded query.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, path string, q url.Values, signed bool, out any) error {
	return c.withRetry(ctx, path, func() error {
		if err := wait(ctx, limiter); err != nil {
			return err
		}
		req := c.http.R().SetContext(ctx)
		query := q.Encode()
		if signed && c.auth != nil {
			req.SetHeaders(c.auth.Headers(time.Now().UnixMilli(), query))
		}
		resp, err := req.SetQueryParamsFromValues(q).Get(path)
		if err != nil {
			return fmt.Errorf("GET %s: %w", path, err)
		}
		return c.decode(path, resp, out)
	})
}

// post issues one signed POST with retry. The exact JSON body is the
// signature payload, so the body is marshaled once and sent verbatim.
func (c *Client) post(ctx context.Context, limiter *rate.Limiter, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	return c.withRetry(ctx, path, func() error {
		if err := wait(ctx, limiter); err != nil {
			return err
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.auth.Headers(time.Now().UnixMilli(), string(raw))).
			SetBody(json.RawMessage(raw)).
			Post(path)
		if err != nil {
			return fmt.Errorf("POST %s: %w", path, err)
		}
		return c.decode(path, resp, out)
	})
}

func (c *Client) decode(path string, resp *resty.Response, out any) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", path, err)
	}
	if env.RetCode != codeOK {
		return &APIError{Code: env.RetCode, Msg: env.RetMsg}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", path, err)
		}
	}
	return nil
}

// withRetry runs fn up to maxAttempts times with linear backoff
// (delay * attempt). Non-transient errors return immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		c.logger.Warn("request failed, retrying",
			"op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBaseDelay * time.Duration(attempt)):
		}
	}
	return err
}

// GetTicker fetches the latest quote for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {symbol}}
	if err := c.get(ctx, c.rl.Market, "/v5/market/tickers", q, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("ticker %s: empty result", symbol)
	}
	t := result.List[0]
	return &types.Ticker{
		Symbol:    t.Symbol,
		Last:      parseDecimal(t.LastPrice),
		Bid:       parseDecimal(t.Bid1Price),
		Ask:       parseDecimal(t.Ask1Price),
		Volume24h: parseDecimal(t.Volume24h),
	}, nil
}

// GetKlines fetches up to limit candles, returned ascending by start time.
// The exchange reports newest-first; the slice is reversed before return.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval types.Interval, limit int) ([]types.Candle, error) {
	var result struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	}
	q := url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
		"interval": {interval.Bare()},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, c.rl.Market, "/v5/market/kline", q, false, &result); err != nil {
		return nil, err
	}
	candles := make([]types.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		startMS, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, types.Candle{
			Symbol:    symbol,
			Interval:  interval,
			Start:     time.UnixMilli(startMS).UTC(),
			Open:      parseDecimal(row[1]),
			High:      parseDecimal(row[2]),
			Low:       parseDecimal(row[3]),
			Close:     parseDecimal(row[4]),
			Volume:    parseDecimal(row[5]),
			Confirmed: true,
		})
	}
	return candles, nil
}

// GetInstruments fetches metadata for all linear instruments, following the
// pagination cursor until exhausted.
func (c *Client) GetInstruments(ctx context.Context) (map[string]types.Instrument, error) {
	out := make(map[string]types.Instrument)
	cursor := ""
	for {
		var result struct {
			NextPageCursor string `json:"nextPageCursor"`
			List           []struct {
				Symbol      string `json:"symbol"`
				Status      string `json:"status"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep     string `json:"qtyStep"`
					MinOrderQty string `json:"minOrderQty"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		}
		q := url.Values{"category": {"linear"}, "limit": {"1000"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		if err := c.get(ctx, c.rl.Market, "/v5/market/instruments-info", q, false, &result); err != nil {
			return nil, err
		}
		for _, row := range result.List {
			out[row.Symbol] = types.Instrument{
				Symbol:      row.Symbol,
				TickSize:    parseDecimal(row.PriceFilter.TickSize),
				QtyStep:     parseDecimal(row.LotSizeFilter.QtyStep),
				MinOrderQty: parseDecimal(row.LotSizeFilter.MinOrderQty),
				Status:      row.Status,
			}
		}
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}
	return out, nil
}

// GetWalletBalance fetches the account equity snapshot. UNIFIED is tried
// first; demo/legacy accounts fall back to CONTRACT.
func (c *Client) GetWalletBalance(ctx context.Context) (*types.WalletBalance, error) {
	bal, err := c.walletBalance(ctx, "UNIFIED")
	if err == nil && bal != nil {
		return bal, nil
	}
	if err != nil && IsAuthError(err) {
		return nil, err
	}
	return c.walletBalance(ctx, "CONTRACT")
}

func (c *Client) walletBalance(ctx context.Context, accountType string) (*types.WalletBalance, error) {
	var result struct {
		List []struct {
			AccountType           string `json:"accountType"`
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalPerpUPL          string `json:"totalPerpUPL"`
		} `json:"list"`
	}
	q := url.Values{"accountType": {accountType}}
	if err := c.get(ctx, c.rl.Account, "/v5/account/wallet-balance", q, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	row := result.List[0]
	return &types.WalletBalance{
		Equity:     parseDecimal(row.TotalEquity),
		Available:  parseDecimal(row.TotalAvailableBalance),
		Unrealized: parseDecimal(row.TotalPerpUPL),
	}, nil
}

// GetPositions returns active positions, optionally filtered by symbol.
// Positions with zero size are excluded.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	var result struct {
		List []struct {
			Symbol         string `json:"symbol"`
			Side           string `json:"side"`
			Size           string `json:"size"`
			AvgPrice       string `json:"avgPrice"`
			MarkPrice      string `json:"markPrice"`
			Leverage       string `json:"leverage"`
			UnrealisedPnl  string `json:"unrealisedPnl"`
			BreakEvenPrice string `json:"breakEvenPrice"`
			StopLoss       string `json:"stopLoss"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}}
	if symbol != "" {
		q.Set("symbol", symbol)
	} else {
		q.Set("settleCoin", "USDT")
	}
	if err := c.get(ctx, c.rl.Position, "/v5/position/list", q, true, &result); err != nil {
		return nil, err
	}
	positions := make([]types.Position, 0, len(result.List))
	for _, row := range result.List {
		size := parseDecimal(row.Size)
		if size.IsZero() {
			continue
		}
		lev, _ := strconv.ParseFloat(row.Leverage, 64)
		positions = append(positions, types.Position{
			Symbol:         row.Symbol,
			Side:           types.Side(row.Side),
			Size:           size,
			EntryPrice:     parseDecimal(row.AvgPrice),
			MarkPrice:      parseDecimal(row.MarkPrice),
			Leverage:       int(lev),
			UnrealizedPnL:  parseDecimal(row.UnrealisedPnl),
			BreakEvenPrice: parseDecimal(row.BreakEvenPrice),
			StopLoss:       parseDecimal(row.StopLoss),
		})
	}
	return positions, nil
}

// GetClosedPnL fetches exchange-computed net PnL records, newest first.
// Used as ground truth when closing a trade.
func (c *Client) GetClosedPnL(ctx context.Context, symbol string, limit int) ([]types.ClosedPnL, error) {
	var result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			OrderID      string `json:"orderId"`
			Side         string `json:"side"`
			Qty          string `json:"qty"`
			AvgEntry     string `json:"avgEntryPrice"`
			AvgExit      string `json:"avgExitPrice"`
			ClosedPnl    string `json:"closedPnl"`
			CreatedTime  string `json:"createdTime"`
		} `json:"list"`
	}
	q := url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, c.rl.Position, "/v5/position/closed-pnl", q, true, &result); err != nil {
		return nil, err
	}
	records := make([]types.ClosedPnL, 0, len(result.List))
	for _, row := range result.List {
		createdMS, _ := strconv.ParseInt(row.CreatedTime, 10, 64)
		records = append(records, types.ClosedPnL{
			Symbol:    row.Symbol,
			OrderID:   row.OrderID,
			Side:      types.Side(row.Side),
			Qty:       parseDecimal(row.Qty),
			AvgEntry:  parseDecimal(row.AvgEntry),
			AvgExit:   parseDecimal(row.AvgExit),
			ClosedPnL: parseDecimal(row.ClosedPnl),
			CreatedAt: time.UnixMilli(createdMS).UTC(),
		})
	}
	return records, nil
}

// orderRow is the wire form shared by the realtime and history endpoints.
type orderRow struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecFee  string `json:"cumExecFee"`
	ReduceOnly  bool   `json:"reduceOnly"`
}

func (r orderRow) snapshot() *types.OrderSnapshot {
	return &types.OrderSnapshot{
		OrderID:       r.OrderID,
		ClientOrderID: r.OrderLinkID,
		Symbol:        r.Symbol,
		Side:          types.Side(r.Side),
		Status:        mapOrderStatus(r.OrderStatus),
		Qty:           parseDecimal(r.Qty),
		FilledQty:     parseDecimal(r.CumExecQty),
		AvgFillPrice:  parseDecimal(r.AvgPrice),
		CumFee:        parseDecimal(r.CumExecFee),
		ReduceOnly:    r.ReduceOnly,
	}
}

// mapOrderStatus translates exchange order statuses onto the store's enum.
func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "New", "Untriggered", "Triggered", "Created":
		return types.OrderStatusNew
	case "PartiallyFilled":
		return types.OrderStatusPartiallyFilled
	case "Filled":
		return types.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return types.OrderStatusCancelled
	case "Rejected":
		return types.OrderStatusRejected
	}
	return types.OrderStatus(strings.ToUpper(s))
}

// GetOrderStatus returns the exchange's view of one order. The realtime set
// is checked first, then history; a market order that has not yet surfaced
// in either is polled a few more times before giving up.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderSnapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= statusPollAttempts; attempt++ {
		snap, err := c.queryOrder(ctx, "/v5/order/realtime", symbol, orderID)
		if err == nil && snap != nil {
			return snap, nil
		}
		lastErr = err
		snap, err = c.queryOrder(ctx, "/v5/order/history", symbol, orderID)
		if err == nil && snap != nil {
			return snap, nil
		}
		if err != nil {
			lastErr = err
			if !IsTransient(err) {
				return nil, err
			}
		}
		if attempt == statusPollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(statusPollSpacing):
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("order %s: %w", orderID, lastErr)
	}
	return nil, fmt.Errorf("order %s not found on exchange", orderID)
}

func (c *Client) queryOrder(ctx context.Context, path, symbol, orderID string) (*types.OrderSnapshot, error) {
	q := url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
		"orderId":  {orderID},
	}
	return c.queryOrderWith(ctx, path, q)
}

func (c *Client) queryOrderWith(ctx context.Context, path string, q url.Values) (*types.OrderSnapshot, error) {
	var result struct {
		List []orderRow `json:"list"`
	}
	if err := c.get(ctx, c.rl.Order, path, q, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	return result.List[0].snapshot(), nil
}

// GetOrderStatusByClientID looks an order up by the client-assigned link id,
// used to resolve submissions whose exchange id was never learned (a crash
// between persisting the record and reading the placement response). A nil
// snapshot with nil error means the exchange has no record of the id, i.e.
// the submission never reached it.
func (c *Client) GetOrderStatusByClientID(ctx context.Context, symbol, clientOrderID string) (*types.OrderSnapshot, error) {
	q := url.Values{
		"category":    {"linear"},
		"symbol":      {symbol},
		"orderLinkId": {clientOrderID},
	}
	snap, err := c.queryOrderWith(ctx, "/v5/order/realtime", q)
	if err != nil || snap != nil {
		return snap, err
	}
	return c.queryOrderWith(ctx, "/v5/order/history", q)
}

// PlaceOrderParams describes one order submission.
type PlaceOrderParams struct {
	Symbol        string
	Side          types.Side
	OrderType     types.OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal // zero for market orders
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// PlaceOrder submits an order and returns the exchange order id. The
// quantity is serialized in canonical decimal form (no trailing zeros) to
// avoid venue-side parser discrepancies.
func (c *Client) PlaceOrder(ctx context.Context, p PlaceOrderParams) (string, error) {
	body := map[string]any{
		"category":    "linear",
		"symbol":      p.Symbol,
		"side":        string(p.Side),
		"orderType":   string(p.OrderType),
		"qty":         FormatDecimal(p.Qty),
		"reduceOnly":  p.ReduceOnly,
		"orderLinkId": p.ClientOrderID,
	}
	if !p.Price.IsZero() {
		body["price"] = FormatDecimal(p.Price)
	}
	if !p.StopLoss.IsZero() {
		body["stopLoss"] = FormatDecimal(p.StopLoss)
	}
	if !p.TakeProfit.IsZero() {
		body["takeProfit"] = FormatDecimal(p.TakeProfit)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.post(ctx, c.rl.Order, "/v5/order/create", body, &result); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", fmt.Errorf("place order %s: empty order id", p.Symbol)
	}
	c.logger.Info("order placed",
		"symbol", p.Symbol,
		"side", p.Side,
		"type", p.OrderType,
		"qty", FormatDecimal(p.Qty),
		"order_id", result.OrderID,
	)
	return result.OrderID, nil
}

// CancelOrder cancels an order. An order that no longer exists on the
// exchange counts as successfully cancelled.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	body := map[string]any{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	err := c.post(ctx, c.rl.Order, "/v5/order/cancel", body, nil)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && benignCode(apiErr.Code) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// SetLeverage sets position leverage. "Leverage not modified" is success.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) (bool, error) {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := c.post(ctx, c.rl.Position, "/v5/position/set-leverage", body, nil)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && benignCode(apiErr.Code) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// SetTradingStop installs or clears the position stop-loss / take-profit.
// Pass "0" to clear a level. "Not modified" is success.
func (c *Client) SetTradingStop(ctx context.Context, symbol, stopLoss, takeProfit string) (bool, error) {
	body := map[string]any{
		"category":    "linear",
		"symbol":      symbol,
		"positionIdx": 0,
	}
	if stopLoss != "" {
		body["stopLoss"] = stopLoss
	}
	if takeProfit != "" {
		body["takeProfit"] = takeProfit
	}
	err := c.post(ctx, c.rl.Position, "/v5/position/trading-stop", body, nil)
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && benignCode(apiErr.Code) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// CalculateQuantityFromNotional converts a quote-currency notional into a
// base quantity: qty = notional * leverage / price, rounded down to the
// symbol's qty_step. Returns zero (not an error) when the result is below
// min_order_qty, so callers can decline to trade.
func (c *Client) CalculateQuantityFromNotional(ctx context.Context, symbol string, notional decimal.Decimal, leverage int, price decimal.Decimal) (decimal.Decimal, error) {
	if c.instruments == nil {
		return decimal.Zero, fmt.Errorf("instrument cache not attached")
	}
	inst, err := c.instruments.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if inst == nil {
		return decimal.Zero, fmt.Errorf("unknown symbol %s", symbol)
	}
	if price.IsZero() {
		ticker, err := c.GetTicker(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		price = ticker.Last
	}
	if price.IsZero() {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	qty := notional.Mul(decimal.NewFromInt(int64(leverage))).Div(price)
	qty = RoundDownToStep(qty, inst.QtyStep)
	if qty.LessThan(inst.MinOrderQty) {
		return decimal.Zero, nil
	}
	return qty, nil
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// parseDecimal converts a wire string to a decimal, treating empty and
// malformed values as zero. The exchange sends "" for absent numerics.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RoundDownToStep floors d to a multiple of step. Zero step returns d.
func RoundDownToStep(d, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return d
	}
	return d.Div(step).Floor().Mul(step)
}

// FormatDecimal renders d with trailing zeros removed, the canonical wire
// form the venue's parsers agree on.
func FormatDecimal(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
