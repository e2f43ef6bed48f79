// Package strategy implements the per-(user, symbol, account) trading state
// machine: signal confirmation, entry, averaging, exits and stop-loss
// management. One Instance owns one position slot; all collaborators are
// borrowed, never owned.
package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"scalper-engine/internal/exchange"
	"scalper-engine/pkg/types"
)

const (
	// TypeScalping is the only strategy kind the engine currently runs.
	TypeScalping = "scalping"

	// Cooldown fallbacks used when the engine config leaves the knobs unset.
	defaultCloseCooldown    = 60 * time.Second
	defaultReversalCooldown = 60 * time.Second

	// Confirmations required before entry. Post-reversal mode demands one
	// extra; a signal matching the just-closed direction restarts the count
	// at zero, which costs one extra as well.
	baseConfirmations = 2
	// Post-reversal entries wait for a third matching signal: the reversal
	// close already consumed one candle of evidence, so "one extra
	// confirmation" lands on three total.
	postReversalConfirmations = 3

	// Ticks further than this from entry are treated as feed glitches.
	staleTickPct = 50

	fillPollAttempts = 3
	fillPollSpacing  = 300 * time.Millisecond
)

// takerFeeRate estimates the closing fee folded into stop-loss placement.
var takerFeeRate = decimal.RequireFromString("0.00055")

// stopLossBuffer widens the stop slightly so micro-movement through the
// theoretical level does not fire it.
var stopLossBuffer = decimal.RequireFromString("1.05")

// trailingLevels are profit thresholds as fractions of notional
// (order_amount x leverage). Reaching the first level arms the trailing exit.
var trailingLevels = []decimal.Decimal{
	decimal.RequireFromString("0.0020"),
	decimal.RequireFromString("0.0035"),
	decimal.RequireFromString("0.0070"),
	decimal.RequireFromString("0.0115"),
	decimal.RequireFromString("0.0155"),
	decimal.RequireFromString("0.0225"),
}

// trailingDropFraction closes the position when PnL falls this far below the
// peak, once trailing is armed.
var trailingDropFraction = decimal.RequireFromString("0.20")

// SignalDirection is an analyzer verdict.
type SignalDirection string

const (
	SignalLong  SignalDirection = "LONG"
	SignalShort SignalDirection = "SHORT"
	SignalHold  SignalDirection = "HOLD"
)

// Direction converts an actionable signal into a position direction.
func (s SignalDirection) Direction() types.Direction {
	if s == SignalShort {
		return types.Short
	}
	return types.Long
}

// FromDirection maps a position direction back to its signal.
func FromDirection(d types.Direction) SignalDirection {
	if d == types.Short {
		return SignalShort
	}
	return SignalLong
}

// SignalAnalyzer produces a direction verdict from a confirmed analysis
// candle. Indicator computation is an external concern; the engine only
// consumes the verdict.
type SignalAnalyzer interface {
	Analyze(ctx context.Context, symbol string, candle types.Candle) (SignalDirection, error)
}

// ExchangeAPI is the slice of the exchange client the strategy drives.
// *exchange.Client satisfies it; tests substitute a fake.
type ExchangeAPI interface {
	PlaceOrder(ctx context.Context, p exchange.PlaceOrderParams) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (bool, error)
	SetTradingStop(ctx context.Context, symbol, stopLoss, takeProfit string) (bool, error)
	GetPositions(ctx context.Context, symbol string) ([]types.Position, error)
	GetClosedPnL(ctx context.Context, symbol string, limit int) ([]types.ClosedPnL, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderSnapshot, error)
	GetOrderStatusByClientID(ctx context.Context, symbol, clientOrderID string) (*types.OrderSnapshot, error)
	CalculateQuantityFromNotional(ctx context.Context, symbol string, notional decimal.Decimal, leverage int, price decimal.Decimal) (decimal.Decimal, error)
}

// PriceSubscriber manages a user's interest in a symbol's market data.
// *marketdata.Hub satisfies it.
type PriceSubscriber interface {
	Subscribe(symbol string, userID int64)
	Unsubscribe(symbol string, userID int64)
}

// Notifier delivers user-facing messages without blocking.
type Notifier interface {
	Notify(userID int64, text, parseMode string)
}

// positionState is the in-memory position of one instance. It is mutated only
// under the instance mutex and mirrored into the cache snapshot.
type positionState struct {
	Active             bool
	Direction          types.Direction
	InitialEntryPrice  decimal.Decimal
	InitialSize        decimal.Decimal
	AverageEntryPrice  decimal.Decimal
	TotalSize          decimal.Decimal
	AveragingCount     int
	InitialMargin      decimal.Decimal
	CurrentTotalMargin decimal.Decimal
	AccumulatedFees    decimal.Decimal
	PeakUnrealizedPnL  decimal.Decimal
	StopLossPrice      decimal.Decimal
	UseBreakevenExit   bool
	TrailingArmed      bool
	TrailingLevel      int
}

// signalState carries confirmation accounting between analysis candles.
type signalState struct {
	LastSignal          SignalDirection
	Confirmations       int
	PostReversal        bool
	HoldStreak          int
	LastCloseTime       time.Time
	LastReversalTime    time.Time
	LastClosedDirection types.Direction
	LastTradeWasLoss    bool
}

// instanceStats aggregates closed trades for notifications and snapshots.
type instanceStats struct {
	TotalTrades int
	Wins        int
	TotalPnL    decimal.Decimal
}

// unrealizedPnL computes (price - avg_entry) * size * direction sign.
func (p *positionState) unrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if !p.Active || p.TotalSize.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.AverageEntryPrice).Mul(p.TotalSize).Mul(p.Direction.Sign())
}

// adverseMovePct is the percentage move against the position, positive when
// the position is under water.
func (p *positionState) adverseMovePct(price decimal.Decimal) decimal.Decimal {
	if p.AverageEntryPrice.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(p.AverageEntryPrice).
		Div(p.AverageEntryPrice).
		Mul(decimal.NewFromInt(100)).
		Mul(p.Direction.Sign())
	return move.Neg()
}

func (p *positionState) reset() {
	*p = positionState{}
}
