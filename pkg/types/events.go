package types

import "github.com/shopspring/decimal"

// EventKind discriminates bus events.
type EventKind string

const (
	EventPriceUpdate     EventKind = "price_update"
	EventNewCandle       EventKind = "new_candle"
	EventOrderUpdate     EventKind = "order_update"
	EventOrderFilled     EventKind = "order_filled"
	EventPositionUpdate  EventKind = "position_update"
	EventPositionClosed  EventKind = "position_closed"
	EventSessionStart    EventKind = "user_session_start_requested"
	EventSessionStop     EventKind = "user_session_stop_requested"
	EventSettingsChanged EventKind = "user_settings_changed"
	EventRiskLimit       EventKind = "risk_limit_exceeded"
)

// Event is anything deliverable over the bus. User returns the user the event
// concerns, or 0 for events addressed to no particular user.
type Event interface {
	Kind() EventKind
	User() int64
}

// PriceUpdate carries the latest trade price for a symbol.
type PriceUpdate struct {
	UserID int64
	Symbol string
	Price  decimal.Decimal
}

func (e PriceUpdate) Kind() EventKind { return EventPriceUpdate }
func (e PriceUpdate) User() int64     { return e.UserID }

// NewCandle carries a confirmed candle.
type NewCandle struct {
	UserID int64
	Symbol string
	Candle Candle
}

func (e NewCandle) Kind() EventKind { return EventNewCandle }
func (e NewCandle) User() int64     { return e.UserID }

// OrderUpdate carries a non-fill order transition (cancelled, rejected) for
// an engine-owned order.
type OrderUpdate struct {
	UserID          int64
	AccountPriority int
	Symbol          string
	ExchangeOrderID string
	Status          OrderStatus
}

func (e OrderUpdate) Kind() EventKind { return EventOrderUpdate }
func (e OrderUpdate) User() int64     { return e.UserID }

// OrderFilled reports an execution confirmed against the exchange. This is
// the only event that drives post-fill strategy transitions.
type OrderFilled struct {
	UserID          int64
	AccountPriority int
	OrderID         string // exchange order id
	Symbol          string
	Side            Side
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
}

func (e OrderFilled) Kind() EventKind { return EventOrderFilled }
func (e OrderFilled) User() int64     { return e.UserID }

// PositionUpdate mirrors a private-stream position frame.
type PositionUpdate struct {
	UserID          int64
	AccountPriority int
	Symbol          string
	Side            Side
	Size            decimal.Decimal
	EntryPrice      decimal.Decimal
	MarkPrice       decimal.Decimal
	UnrealizedPnL   decimal.Decimal
}

func (e PositionUpdate) Kind() EventKind { return EventPositionUpdate }
func (e PositionUpdate) User() int64     { return e.UserID }

// PositionClosed reports that a position reached size zero. ClosedManually is
// set when the store shows no engine-authored close, meaning the user closed
// it on the exchange directly.
type PositionClosed struct {
	UserID          int64
	Symbol          string
	AccountPriority int
	ClosedManually  bool
}

func (e PositionClosed) Kind() EventKind { return EventPositionClosed }
func (e PositionClosed) User() int64     { return e.UserID }

// SessionStartRequested asks the supervisor to start a user's session.
type SessionStartRequested struct {
	UserID int64
}

func (e SessionStartRequested) Kind() EventKind { return EventSessionStart }
func (e SessionStartRequested) User() int64     { return e.UserID }

// SessionStopRequested asks the supervisor to stop a user's session.
type SessionStopRequested struct {
	UserID         int64
	Reason         string
	ClosePositions bool
}

func (e SessionStopRequested) Kind() EventKind { return EventSessionStop }
func (e SessionStopRequested) User() int64     { return e.UserID }

// SettingsChanged reports edited user settings by key.
type SettingsChanged struct {
	UserID      int64
	ChangedKeys []string
}

func (e SettingsChanged) Kind() EventKind { return EventSettingsChanged }
func (e SettingsChanged) User() int64     { return e.UserID }

// RiskLimitExceeded reports a tripped risk limit.
type RiskLimitExceeded struct {
	UserID    int64
	LimitType string
	Current   decimal.Decimal
	Limit     decimal.Decimal
	Action    string
}

func (e RiskLimitExceeded) Kind() EventKind { return EventRiskLimit }
func (e RiskLimitExceeded) User() int64     { return e.UserID }
