// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary of the engine: order and trade
// records, instrument metadata, market-data payloads, and the typed events
// that travel over the bus. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order as the exchange spells it.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeStop   OrderType = "Stop"
)

// OrderStatus is the lifecycle state of an order record.
//
// PENDING is local-only: the record exists in the store but the exchange has
// not acknowledged submission yet. Everything else mirrors exchange state.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderPurpose records why the engine placed an order.
type OrderPurpose string

const (
	PurposeOpen      OrderPurpose = "OPEN"
	PurposeAveraging OrderPurpose = "AVERAGING"
	PurposeClose     OrderPurpose = "CLOSE"
	PurposeStop      OrderPurpose = "STOP"
)

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// EntrySide returns the order side that opens or adds to a position in this
// direction.
func (d Direction) EntrySide() Side {
	if d == Long {
		return Buy
	}
	return Sell
}

// ExitSide returns the order side that reduces a position in this direction.
func (d Direction) ExitSide() Side {
	if d == Long {
		return Sell
	}
	return Buy
}

// Sign returns +1 for LONG and -1 for SHORT, for PnL arithmetic.
func (d Direction) Sign() decimal.Decimal {
	if d == Long {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// TradeStatus is the lifecycle state of a logical trade (position).
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// Interval is a canonical candle interval ("1m", "5m", ...).
type Interval string

const (
	Interval1m Interval = "1m"
	Interval5m Interval = "5m"
)

// NormalizeInterval maps the exchange's bare-minute interval strings onto the
// canonical form ("1" -> "1m", "5" -> "5m"). Already-canonical values pass
// through unchanged.
func NormalizeInterval(raw string) Interval {
	if len(raw) == 0 {
		return Interval(raw)
	}
	if raw[len(raw)-1] >= '0' && raw[len(raw)-1] <= '9' {
		return Interval(raw + "m")
	}
	return Interval(raw)
}

// Bare returns the exchange wire form of the interval ("5m" -> "5").
func (i Interval) Bare() string {
	s := string(i)
	if len(s) > 1 && s[len(s)-1] == 'm' {
		return s[:len(s)-1]
	}
	return s
}

// Instrument is per-symbol trading metadata fetched from the exchange.
// Records are immutable between cache refreshes; callers must not mutate.
type Instrument struct {
	Symbol      string
	TickSize    decimal.Decimal
	QtyStep     decimal.Decimal
	MinOrderQty decimal.Decimal
	Status      string
}

// Ticker is a point-in-time market quote.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume24h decimal.Decimal
}

// Candle is one kline bar. Confirmed is the exchange's "this bar is closed"
// flag; strategies only ever act on confirmed candles.
type Candle struct {
	Symbol    string
	Interval  Interval
	Start     time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Confirmed bool
}

// WalletBalance is the account equity snapshot.
type WalletBalance struct {
	Equity     decimal.Decimal
	Available  decimal.Decimal
	Unrealized decimal.Decimal
}

// Position is a live exchange position as reported by the positions endpoint
// or the private stream. BreakEvenPrice is the exchange-computed price at
// which closing nets zero after fees; zero when the exchange omits it.
type Position struct {
	Symbol         string
	Side           Side
	Size           decimal.Decimal
	EntryPrice     decimal.Decimal
	MarkPrice      decimal.Decimal
	Leverage       int
	UnrealizedPnL  decimal.Decimal
	BreakEvenPrice decimal.Decimal
	StopLoss       decimal.Decimal
}

// ClosedPnL is one record from the closed-PnL endpoint. ClosedPnL is already
// net of all fees and is the ground truth for trade profit.
type ClosedPnL struct {
	Symbol    string
	OrderID   string
	Side      Side
	Qty       decimal.Decimal
	AvgEntry  decimal.Decimal
	AvgExit   decimal.Decimal
	ClosedPnL decimal.Decimal
	CreatedAt time.Time
}

// OrderSnapshot is an order's state as reported by the exchange realtime or
// history endpoints.
type OrderSnapshot struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        OrderStatus
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	CumFee        decimal.Decimal
	ReduceOnly    bool
}

// Order is the persistent order record, the authoritative ownership ledger
// entry. An order belongs to the engine iff a record with its exchange order
// id exists in the store; updates for unknown ids are manual user actions
// and must be ignored.
type Order struct {
	ID              int64
	UserID          int64
	Symbol          string
	AccountPriority int
	Side            Side
	OrderType       OrderType
	Purpose         OrderPurpose
	StrategyType    string
	ClientOrderID   string
	ExchangeOrderID string
	Quantity        decimal.Decimal
	Price           decimal.Decimal // zero for market orders
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Commission      decimal.Decimal
	Profit          decimal.Decimal // set for closing orders only
	Status          OrderStatus
	TradeID         int64
	Leverage        int
	ReduceOnly      bool
	Metadata        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Trade is the logical position between an OPEN order and its matching CLOSE.
// EntryPrice is volume-weighted and updated on averaging; Quantity is the
// total after all averagings.
type Trade struct {
	ID              int64
	UserID          int64
	Symbol          string
	AccountPriority int
	StrategyType    string
	Side            Direction
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	ExitPrice       decimal.Decimal
	Profit          decimal.Decimal
	Commission      decimal.Decimal
	Leverage        int
	EntryTime       time.Time
	ExitTime        time.Time
	Status          TradeStatus
	Metadata        string
}

// OpenPosition groups an OPEN trade with its OPEN fill and any AVERAGING
// fills, as returned by the store for recovery.
type OpenPosition struct {
	Trade     Trade
	OpenOrder Order
	Averaging []Order
}

// StrategyConfig is the ordered parameter set a strategy runs with. A copy is
// frozen at position entry and held immutable until close, so settings edits
// mid-trade never alter an in-flight position.
type StrategyConfig struct {
	OrderAmount          decimal.Decimal `mapstructure:"order_amount" json:"order_amount"`
	Leverage             int             `mapstructure:"leverage" json:"leverage"`
	AveragingTriggerPct  decimal.Decimal `mapstructure:"averaging_trigger_pct" json:"averaging_trigger_pct"`
	AveragingMultiplier  decimal.Decimal `mapstructure:"averaging_multiplier" json:"averaging_multiplier"`
	AveragingStopLossPct decimal.Decimal `mapstructure:"averaging_stop_loss_pct" json:"averaging_stop_loss_pct"`
	MaxAveragingCount    int             `mapstructure:"max_averaging_count" json:"max_averaging_count"`
	EnableStopLoss       bool            `mapstructure:"enable_stop_loss" json:"enable_stop_loss"`
	EnableAveraging      bool            `mapstructure:"enable_averaging" json:"enable_averaging"`
	EnableStagnation     bool            `mapstructure:"enable_stagnation_detector" json:"enable_stagnation_detector"`
	StagnationMinPct     decimal.Decimal `mapstructure:"stagnation_min_pct" json:"stagnation_min_pct"`
	StagnationMaxPct     decimal.Decimal `mapstructure:"stagnation_max_pct" json:"stagnation_max_pct"`
	StagnationObserveSec int             `mapstructure:"stagnation_observation_seconds" json:"stagnation_observation_seconds"`
	StagnationMultiplier decimal.Decimal `mapstructure:"stagnation_multiplier" json:"stagnation_multiplier"`
}

// Notional returns order_amount * leverage, the nominal exchange-side
// exposure in quote currency.
func (c StrategyConfig) Notional() decimal.Decimal {
	return c.OrderAmount.Mul(decimal.NewFromInt(int64(c.Leverage)))
}
