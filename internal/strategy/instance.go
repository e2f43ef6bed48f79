package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scalper-engine/internal/bus"
	"scalper-engine/internal/cache"
	"scalper-engine/internal/exchange"
	"scalper-engine/internal/store"
	"scalper-engine/pkg/types"
)

// handlerTimeout bounds the REST work a single event handler may do.
const handlerTimeout = 30 * time.Second

// Instance is one (user, symbol, account) trading slot. All state mutation
// happens under mu, acquired at every public entry point and never
// re-acquired by internal helpers.
type Instance struct {
	userID       int64
	symbol       string
	priority     int
	strategyType string

	mu     sync.Mutex
	cfg    types.StrategyConfig // live settings
	frozen types.StrategyConfig // snapshot taken at entry, immutable until close

	analyzer SignalAnalyzer
	exchange ExchangeAPI
	store    *store.Store
	cache    cache.Cache
	bus      *bus.Bus
	prices   PriceSubscriber
	notifier Notifier
	logger   *slog.Logger

	pos   positionState
	sig   signalState
	stats instanceStats

	processed     map[string]struct{}           // exchange order ids already handled
	activeOrders  map[string]types.OrderPurpose // in-flight submissions
	pendingFill   bool
	activeTradeID int64

	spike            *SpikeDetector
	stagnationActive bool
	stagnationSince  time.Time

	closeCooldown    time.Duration
	reversalCooldown time.Duration

	analysisInterval types.Interval
	recoveryMode     bool
	deferredStop     bool
	defensive        bool // no new entries after a ledger integrity violation
	stopped          bool

	onTradeClosed func(userID int64, pnl decimal.Decimal)
	onStopped     func()
}

// Params wires an Instance. All collaborators are borrowed.
type Params struct {
	UserID           int64
	Symbol           string
	AccountPriority  int
	StrategyType     string // defaults to TypeScalping
	Config           types.StrategyConfig
	Analyzer         SignalAnalyzer
	Exchange         ExchangeAPI
	Store            *store.Store
	Cache            cache.Cache
	Bus              *bus.Bus
	Prices           PriceSubscriber
	Notifier         Notifier
	Logger           *slog.Logger
	AnalysisInterval types.Interval
	CloseCooldown    time.Duration // zero means the package default
	ReversalCooldown time.Duration // zero means the package default
	OnTradeClosed    func(userID int64, pnl decimal.Decimal)
	OnStopped        func()
}

func New(p Params) *Instance {
	interval := p.AnalysisInterval
	if interval == "" {
		interval = types.Interval5m
	}
	strategyType := p.StrategyType
	if strategyType == "" {
		strategyType = TypeScalping
	}
	closeCD := p.CloseCooldown
	if closeCD <= 0 {
		closeCD = defaultCloseCooldown
	}
	reversalCD := p.ReversalCooldown
	if reversalCD <= 0 {
		reversalCD = defaultReversalCooldown
	}
	return &Instance{
		userID:           p.UserID,
		symbol:           p.Symbol,
		priority:         p.AccountPriority,
		strategyType:     strategyType,
		closeCooldown:    closeCD,
		reversalCooldown: reversalCD,
		cfg:              p.Config,
		analyzer:         p.Analyzer,
		exchange:         p.Exchange,
		store:            p.Store,
		cache:            p.Cache,
		bus:              p.Bus,
		prices:           p.Prices,
		notifier:         p.Notifier,
		processed:        make(map[string]struct{}),
		activeOrders:     make(map[string]types.OrderPurpose),
		spike:            NewSpikeDetector(),
		analysisInterval: interval,
		onTradeClosed:    p.OnTradeClosed,
		onStopped:        p.OnStopped,
		logger: p.Logger.With(
			"component", "strategy",
			"user", p.UserID,
			"symbol", p.Symbol,
			"account", p.AccountPriority,
		),
	}
}

// HandleEvent is the bus entry point. It dispatches by kind; every path
// acquires the instance mutex exactly once.
func (in *Instance) HandleEvent(evt types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch e := evt.(type) {
	case types.NewCandle:
		in.handleCandle(ctx, e)
	case types.PriceUpdate:
		in.handlePriceTick(ctx, e)
	case types.OrderFilled:
		in.handleOrderFilled(ctx, e)
	case types.OrderUpdate:
		in.handleOrderUpdate(ctx, e)
	case types.PositionUpdate:
		in.handlePositionUpdate(ctx, e)
	case types.PositionClosed:
		in.handlePositionClosed(ctx, e)
	}
}

// StrategyType returns the strategy kind this instance runs. Immutable.
func (in *Instance) StrategyType() string { return in.strategyType }

// UpdateConfig replaces the live settings. A frozen in-trade snapshot is
// never touched.
func (in *Instance) UpdateConfig(cfg types.StrategyConfig) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cfg = cfg
	in.logger.Info("settings updated")
}

// HasActivePosition reports whether a position is open or a fill is pending.
func (in *Instance) HasActivePosition() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pos.Active || in.pendingFill
}

// Stopped reports whether the instance has terminated.
func (in *Instance) Stopped() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stopped
}

// RequestStop stops the instance now if flat, or defers the stop until the
// current position closes. With closePositions set, an immediate market
// close is submitted first.
func (in *Instance) RequestStop(closePositions bool) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.pos.Active && !in.pendingFill {
		in.stopLocked()
		return
	}
	in.deferredStop = true
	in.logger.Info("stop deferred until position closes", "close_positions", closePositions)
	if closePositions {
		in.closePositionLocked(ctx, "stop_requested")
	}
}

func (in *Instance) stopLocked() {
	if in.stopped {
		return
	}
	in.stopped = true
	in.prices.Unsubscribe(in.symbol, in.userID)
	in.logger.Info("strategy stopped")
	if in.onStopped != nil {
		go in.onStopped()
	}
}

// --- candles and signals ---

func (in *Instance) handleCandle(ctx context.Context, evt types.NewCandle) {
	if evt.Symbol != in.symbol || !evt.Candle.Confirmed {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		return
	}

	switch evt.Candle.Interval {
	case types.Interval1m:
		in.spike.Record(evt.Candle.Close)
	case in.analysisInterval:
		in.runAnalysisLocked(ctx, evt.Candle)
	}
}

func (in *Instance) runAnalysisLocked(ctx context.Context, candle types.Candle) {
	if in.pendingFill {
		return
	}
	signal, err := in.analyzer.Analyze(ctx, in.symbol, candle)
	if err != nil {
		in.logger.Error("signal analysis failed", "error", err)
		return
	}

	if in.pos.Active {
		in.handleSignalWithPositionLocked(ctx, signal, candle.Close)
		return
	}
	in.handleEntrySignalLocked(ctx, signal, candle.Close)
}

// handleSignalWithPositionLocked considers reversals and the double-HOLD
// close while a position is open.
func (in *Instance) handleSignalWithPositionLocked(ctx context.Context, signal SignalDirection, price decimal.Decimal) {
	if signal == SignalHold {
		in.sig.HoldStreak++
		if in.sig.HoldStreak >= 2 && !in.pos.unrealizedPnL(price).IsNegative() {
			in.logger.Info("closing on double hold signal")
			in.closePositionLocked(ctx, "double_hold_signal")
		}
		return
	}
	in.sig.HoldStreak = 0

	if signal.Direction() == in.pos.Direction {
		return
	}
	// Contradicting signal: close-and-switch only from a non-losing position.
	if in.pos.unrealizedPnL(price).IsNegative() {
		in.logger.Debug("ignoring contradicting signal on losing position")
		return
	}
	in.logger.Info("reversal close", "new_signal", signal)
	in.sig.LastReversalTime = time.Now()
	in.sig.PostReversal = true
	in.closePositionLocked(ctx, "reversal")
}

// handleEntrySignalLocked runs the confirmation state machine and, on
// success, the entry sequence.
func (in *Instance) handleEntrySignalLocked(ctx context.Context, signal SignalDirection, price decimal.Decimal) {
	if in.defensive {
		in.logger.Warn("entries disabled after ledger integrity violation")
		return
	}
	if signal == SignalHold {
		in.sig.LastSignal = SignalHold
		in.sig.Confirmations = 0
		return
	}

	now := time.Now()
	if !in.sig.LastCloseTime.IsZero() && now.Sub(in.sig.LastCloseTime) < in.closeCooldown {
		in.logger.Debug("signal rejected, close cooldown")
		return
	}
	if !in.sig.LastReversalTime.IsZero() && now.Sub(in.sig.LastReversalTime) < in.reversalCooldown {
		in.logger.Debug("signal rejected, reversal cooldown")
		return
	}

	if signal == in.sig.LastSignal {
		in.sig.Confirmations++
	} else if in.sig.LastTradeWasLoss && signal.Direction() == in.sig.LastClosedDirection {
		// Re-entering the direction that just lost demands one extra
		// confirmation.
		in.sig.Confirmations = 0
	} else {
		in.sig.Confirmations = 1
	}
	in.sig.LastSignal = signal

	required := baseConfirmations
	if in.sig.PostReversal {
		required = postReversalConfirmations
	}
	if in.sig.Confirmations < required {
		in.logger.Debug("signal accumulating",
			"signal", signal,
			"confirmations", in.sig.Confirmations,
			"required", required,
		)
		return
	}

	direction := signal.Direction()
	enter, final, reason := in.spike.Advise(direction)
	if !enter {
		in.logger.Info("entry vetoed by spike detector", "reason", reason)
		return
	}
	if final != direction {
		in.logger.Info("entry direction flipped by spike detector", "reason", reason)
		direction = final
	}

	in.frozen = in.cfg

	qty, err := in.exchange.CalculateQuantityFromNotional(ctx, in.symbol, in.frozen.OrderAmount, in.frozen.Leverage, price)
	if err != nil {
		in.logger.Error("quantity calculation failed", "error", err)
		return
	}
	if qty.IsZero() {
		in.logger.Warn("order amount below minimum quantity, skipping entry")
		in.notifier.Notify(in.userID, fmt.Sprintf("%s: order amount too small for minimum quantity", in.symbol), "")
		return
	}
	if _, err := in.exchange.SetLeverage(ctx, in.symbol, in.frozen.Leverage); err != nil {
		in.logger.Error("set leverage failed", "error", err)
		return
	}

	if _, err := in.submitOrderLocked(ctx, types.PurposeOpen, direction.EntrySide(), qty, in.frozen.Leverage, false); err != nil {
		in.logger.Error("entry submission failed", "error", err)
		return
	}
	in.sig.Confirmations = 0
	in.sig.PostReversal = false
}

// --- order submission (exactly-once effect) ---

// submitOrderLocked persists the order record before talking to the exchange,
// so a crash can never leave an untracked live order.
func (in *Instance) submitOrderLocked(ctx context.Context, purpose types.OrderPurpose, side types.Side, qty decimal.Decimal, leverage int, reduceOnly bool) (string, error) {
	clientID := fmt.Sprintf("bot%d_%s_%d_%s",
		in.priority, in.symbol, time.Now().UnixMilli(), uuid.NewString()[:4])

	_, err := in.store.CreateOrderPending(ctx, types.Order{
		UserID:          in.userID,
		Symbol:          in.symbol,
		AccountPriority: in.priority,
		Side:            side,
		OrderType:       types.OrderTypeMarket,
		Purpose:         purpose,
		StrategyType:    in.strategyType,
		ClientOrderID:   clientID,
		Quantity:        qty,
		Leverage:        leverage,
		ReduceOnly:      reduceOnly,
		TradeID:         in.activeTradeID,
	})
	if err != nil {
		if errors.Is(err, store.ErrIntegrity) {
			in.defensive = true
			in.logger.Error("ledger integrity violation, entries disabled",
				"client_order_id", clientID, "purpose", purpose, "error", err)
			in.notifier.Notify(in.userID,
				fmt.Sprintf("%s: order ledger conflict, trading paused pending inspection", in.symbol), "")
		}
		return "", err
	}

	exchangeID, err := in.exchange.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:        in.symbol,
		Side:          side,
		OrderType:     types.OrderTypeMarket,
		Qty:           qty,
		ReduceOnly:    reduceOnly,
		ClientOrderID: clientID,
	})
	if err != nil {
		// The exchange never acknowledged; the record is safe to release.
		if delErr := in.store.DeleteOrder(ctx, clientID); delErr != nil {
			in.logger.Error("failed to release rejected order record", "error", delErr)
		}
		return "", fmt.Errorf("place %s order: %w", purpose, err)
	}

	if err := in.store.BindExchangeID(ctx, clientID, exchangeID); err != nil {
		in.logger.Error("bind exchange id failed", "order", exchangeID, "error", err)
	}
	if err := in.store.SetNew(ctx, clientID); err != nil {
		in.logger.Error("set order new failed", "order", exchangeID, "error", err)
	}

	in.activeOrders[exchangeID] = purpose
	in.pendingFill = true
	in.logger.Info("order submitted",
		"purpose", purpose, "side", side, "qty", exchange.FormatDecimal(qty), "order", exchangeID)

	// Market orders may fill before the account stream reports them; polling
	// closes that gap. The fill handler deduplicates either way.
	go in.pollFill(exchangeID)
	return exchangeID, nil
}

func (in *Instance) pollFill(exchangeOrderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	for attempt := 0; attempt < fillPollAttempts; attempt++ {
		time.Sleep(fillPollSpacing)
		snap, err := in.exchange.GetOrderStatus(ctx, in.symbol, exchangeOrderID)
		if err != nil || snap == nil {
			continue
		}
		if snap.Status == types.OrderStatusFilled {
			in.bus.Publish(types.OrderFilled{
				UserID:          in.userID,
				AccountPriority: in.priority,
				OrderID:         exchangeOrderID,
				Symbol:          in.symbol,
				Side:            snap.Side,
				Qty:             snap.FilledQty,
				Price:           snap.AvgFillPrice,
				Fee:             snap.CumFee,
			})
			return
		}
		if snap.Status.IsTerminal() {
			return
		}
	}
}

// --- fill handling ---

func (in *Instance) handleOrderFilled(ctx context.Context, evt types.OrderFilled) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handleOrderFilledLocked(ctx, evt)
}

func (in *Instance) handleOrderFilledLocked(ctx context.Context, evt types.OrderFilled) {
	if _, done := in.processed[evt.OrderID]; done {
		return
	}

	rec, err := in.store.GetOrderByExchangeID(ctx, evt.OrderID)
	if err != nil {
		in.logger.Error("fill ownership lookup failed", "order", evt.OrderID, "error", err)
		return
	}
	if rec == nil || rec.UserID != in.userID || rec.Symbol != in.symbol || rec.AccountPriority != in.priority {
		return
	}

	in.processed[evt.OrderID] = struct{}{}
	delete(in.activeOrders, evt.OrderID)
	in.pendingFill = false

	switch {
	case rec.ReduceOnly || (in.pos.Active && evt.Side == in.pos.Direction.ExitSide()):
		in.applyCloseFillLocked(ctx, evt)
	case in.pos.Active:
		in.applyAveragingFillLocked(ctx, evt)
	default:
		if in.recoveryMode && in.rehydrateFromExchangeLocked(ctx, evt.Side) {
			return
		}
		in.applyOpenFillLocked(ctx, evt)
	}
}

// rehydrateFromExchangeLocked checks for a live position matching the fill
// side and rebuilds state from it. Only used during crash recovery.
func (in *Instance) rehydrateFromExchangeLocked(ctx context.Context, side types.Side) bool {
	positions, err := in.exchange.GetPositions(ctx, in.symbol)
	if err != nil {
		in.logger.Error("recovery position query failed", "error", err)
		return false
	}
	for _, p := range positions {
		if p.Symbol != in.symbol || p.Size.IsZero() || p.Side != side {
			continue
		}
		in.adoptPositionLocked(p)
		in.saveSnapshot(ctx)
		in.logger.Info("position rehydrated from exchange",
			"direction", in.pos.Direction, "size", exchange.FormatDecimal(p.Size))
		return true
	}
	return false
}

// adoptPositionLocked rebuilds position state from exchange position data.
func (in *Instance) adoptPositionLocked(p types.Position) {
	direction := types.Long
	if p.Side == types.Sell {
		direction = types.Short
	}
	leverage := p.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	margin := p.EntryPrice.Mul(p.Size).Div(decimal.NewFromInt(int64(leverage)))

	in.pos = positionState{
		Active:             true,
		Direction:          direction,
		InitialEntryPrice:  p.EntryPrice,
		InitialSize:        p.Size,
		AverageEntryPrice:  p.EntryPrice,
		TotalSize:          p.Size,
		InitialMargin:      margin,
		CurrentTotalMargin: margin,
		StopLossPrice:      p.StopLoss,
	}
	if in.frozen.OrderAmount.IsZero() {
		in.frozen = in.cfg
	}
	in.prices.Subscribe(in.symbol, in.userID)
}

func (in *Instance) applyOpenFillLocked(ctx context.Context, evt types.OrderFilled) {
	direction := types.Long
	if evt.Side == types.Sell {
		direction = types.Short
	}
	leverage := in.frozen.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	margin := evt.Price.Mul(evt.Qty).Div(decimal.NewFromInt(int64(leverage)))

	in.pos = positionState{
		Active:             true,
		Direction:          direction,
		InitialEntryPrice:  evt.Price,
		InitialSize:        evt.Qty,
		AverageEntryPrice:  evt.Price,
		TotalSize:          evt.Qty,
		InitialMargin:      margin,
		CurrentTotalMargin: margin,
		AccumulatedFees:    evt.Fee,
	}

	if err := in.store.UpdateOrderStatus(ctx, evt.OrderID, types.OrderStatusFilled, evt.Qty, evt.Price, evt.Fee, decimal.Zero); err != nil {
		in.logger.Error("open fill persist failed", "order", evt.OrderID, "error", err)
	}

	tradeID, err := in.store.CreateTrade(ctx, types.Trade{
		UserID:          in.userID,
		Symbol:          in.symbol,
		AccountPriority: in.priority,
		StrategyType:    in.strategyType,
		Side:            direction,
		EntryPrice:      evt.Price,
		Quantity:        evt.Qty,
		Commission:      evt.Fee,
		Leverage:        leverage,
		EntryTime:       time.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrIntegrity) {
			in.defensive = true
			in.logger.Error("double-open rejected by ledger, entries disabled", "error", err)
			in.notifier.Notify(in.userID,
				fmt.Sprintf("%s: duplicate open detected, trading paused pending inspection", in.symbol), "")
		} else {
			in.logger.Error("trade create failed", "error", err)
		}
		return
	}
	in.activeTradeID = tradeID
	if err := in.store.AttachOrderToTrade(ctx, evt.OrderID, tradeID); err != nil {
		in.logger.Error("order trade link failed", "error", err)
	}

	in.prices.Subscribe(in.symbol, in.userID)
	if in.frozen.EnableStopLoss {
		in.installStopLossLocked(ctx)
	}
	in.saveSnapshot(ctx)

	in.logger.Info("position opened",
		"direction", direction,
		"entry", exchange.FormatDecimal(evt.Price),
		"size", exchange.FormatDecimal(evt.Qty),
	)
	in.notifier.Notify(in.userID, fmt.Sprintf("%s %s opened: %s @ %s",
		in.symbol, direction,
		exchange.FormatDecimal(evt.Qty), exchange.FormatDecimal(evt.Price)), "")
}

func (in *Instance) applyAveragingFillLocked(ctx context.Context, evt types.OrderFilled) {
	prevEntry := in.pos.AverageEntryPrice
	prevValue := in.pos.AverageEntryPrice.Mul(in.pos.TotalSize)
	in.pos.TotalSize = in.pos.TotalSize.Add(evt.Qty)
	in.pos.AverageEntryPrice = prevValue.Add(evt.Price.Mul(evt.Qty)).Div(in.pos.TotalSize)

	// Averaging runs at leverage 1, so the added margin is the full notional.
	addedMargin := in.frozen.OrderAmount.Mul(in.frozen.AveragingMultiplier)
	in.pos.CurrentTotalMargin = in.pos.CurrentTotalMargin.Add(addedMargin)
	in.pos.AveragingCount++
	in.pos.UseBreakevenExit = true
	in.pos.AccumulatedFees = in.pos.AccumulatedFees.Add(evt.Fee)
	in.stagnationActive = false

	if err := in.store.UpdateOrderStatus(ctx, evt.OrderID, types.OrderStatusFilled, evt.Qty, evt.Price, evt.Fee, decimal.Zero); err != nil {
		in.logger.Error("averaging fill persist failed", "order", evt.OrderID, "error", err)
	}
	if err := in.store.UpdateTradeOnAveraging(ctx, in.activeTradeID, in.pos.AverageEntryPrice, in.pos.TotalSize, in.pos.AccumulatedFees); err != nil {
		in.logger.Error("trade averaging persist failed", "error", err)
	}

	if in.frozen.EnableStopLoss {
		in.installStopLossLocked(ctx)
	}
	in.saveSnapshot(ctx)

	in.logger.Info("position averaged",
		"count", in.pos.AveragingCount,
		"entry_before", exchange.FormatDecimal(prevEntry),
		"entry_after", exchange.FormatDecimal(in.pos.AverageEntryPrice),
		"total_size", exchange.FormatDecimal(in.pos.TotalSize),
	)
	in.notifier.Notify(in.userID, fmt.Sprintf(
		"%s averaged (#%d): entry %s -> %s, size %s, breakeven exit armed",
		in.symbol, in.pos.AveragingCount,
		exchange.FormatDecimal(prevEntry),
		exchange.FormatDecimal(in.pos.AverageEntryPrice),
		exchange.FormatDecimal(in.pos.TotalSize)), "")
}

func (in *Instance) applyCloseFillLocked(ctx context.Context, evt types.OrderFilled) {
	pnl := in.netPnLLocked(ctx, evt.Price, evt.Qty, evt.Fee)
	totalFees := in.pos.AccumulatedFees.Add(evt.Fee)

	if err := in.store.UpdateOrderStatus(ctx, evt.OrderID, types.OrderStatusFilled, evt.Qty, evt.Price, evt.Fee, pnl); err != nil {
		in.logger.Error("close fill persist failed", "order", evt.OrderID, "error", err)
	}
	if in.activeTradeID != 0 {
		if err := in.store.UpdateTradeOnClose(ctx, in.activeTradeID, evt.Price, pnl, totalFees, time.Now()); err != nil {
			in.logger.Error("trade close persist failed", "error", err)
		}
	}

	winRate, err := in.store.UpdateStrategyStats(ctx, in.userID, in.strategyType, pnl)
	if err != nil {
		in.logger.Error("stats update failed", "error", err)
	}
	in.stats.TotalTrades++
	if pnl.IsPositive() {
		in.stats.Wins++
	}
	in.stats.TotalPnL = in.stats.TotalPnL.Add(pnl)

	if !in.pos.StopLossPrice.IsZero() {
		if _, err := in.exchange.SetTradingStop(ctx, in.symbol, "0", ""); err != nil {
			in.logger.Warn("stop-loss clear failed", "error", err)
		}
	}

	direction := in.pos.Direction
	in.finishTradeLocked(ctx, pnl)

	in.logger.Info("position closed",
		"direction", direction,
		"exit", exchange.FormatDecimal(evt.Price),
		"pnl", exchange.FormatDecimal(pnl),
	)
	in.notifier.Notify(in.userID, fmt.Sprintf("%s %s closed @ %s, PnL %s, win rate %s%%",
		in.symbol, direction,
		exchange.FormatDecimal(evt.Price),
		exchange.FormatDecimal(pnl),
		winRate.StringFixed(1)), "")
}

// finishTradeLocked clears all per-trade state after any kind of close.
func (in *Instance) finishTradeLocked(ctx context.Context, pnl decimal.Decimal) {
	in.sig.LastTradeWasLoss = pnl.IsNegative()
	in.sig.LastCloseTime = time.Now()
	in.sig.LastClosedDirection = in.pos.Direction
	in.sig.Confirmations = 0
	in.sig.HoldStreak = 0

	in.pos.reset()
	in.frozen = types.StrategyConfig{}
	in.activeTradeID = 0
	in.processed = make(map[string]struct{})
	in.pendingFill = false
	in.stagnationActive = false
	in.prices.Unsubscribe(in.symbol, in.userID)

	in.saveSnapshot(ctx)

	if in.onTradeClosed != nil {
		go in.onTradeClosed(in.userID, pnl)
	}
	if in.deferredStop {
		in.stopLocked()
	}
}

// netPnLLocked prefers the exchange's closed-PnL record, which is already net
// of all fees, falling back to local arithmetic.
func (in *Instance) netPnLLocked(ctx context.Context, exit, qty, closeFee decimal.Decimal) decimal.Decimal {
	rows, err := in.exchange.GetClosedPnL(ctx, in.symbol, 1)
	if err == nil && len(rows) > 0 {
		return rows[0].ClosedPnL
	}
	if err != nil {
		in.logger.Warn("closed pnl query failed, using local estimate", "error", err)
	}
	gross := exit.Sub(in.pos.AverageEntryPrice).Mul(qty).Mul(in.pos.Direction.Sign())
	return gross.Sub(in.pos.AccumulatedFees).Sub(closeFee)
}

// --- price ticks ---

func (in *Instance) handlePriceTick(ctx context.Context, evt types.PriceUpdate) {
	if evt.Symbol != in.symbol {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.evaluateExitsLocked(ctx, evt.Price)
}

// handlePositionUpdate runs exit management off the private stream's mark
// price, keeping trailing and breakeven exits alive when the public trade
// stream is quiet.
func (in *Instance) handlePositionUpdate(ctx context.Context, evt types.PositionUpdate) {
	if evt.Symbol != in.symbol || evt.UserID != in.userID || evt.AccountPriority != in.priority {
		return
	}
	if evt.MarkPrice.IsZero() {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.evaluateExitsLocked(ctx, evt.MarkPrice)
}

// evaluateExitsLocked runs the per-price management chain: stagnation, then
// drawdown averaging, then the breakeven or trailing exit.
func (in *Instance) evaluateExitsLocked(ctx context.Context, price decimal.Decimal) {
	if in.stopped || !in.pos.Active || in.pendingFill {
		return
	}
	entry := in.pos.AverageEntryPrice
	if entry.IsZero() || price.IsZero() {
		return
	}
	// A tick this far from entry is a feed glitch, not a market move.
	devPct := price.Sub(entry).Abs().Div(entry).Mul(decimal.NewFromInt(100))
	if devPct.GreaterThan(decimal.NewFromInt(staleTickPct)) {
		in.logger.Warn("ignoring stale tick", "price", exchange.FormatDecimal(price))
		return
	}

	pnl := in.pos.unrealizedPnL(price)
	adverse := in.pos.adverseMovePct(price)

	if in.runStagnationLocked(ctx, price, pnl, adverse) {
		return
	}
	if in.runPrimaryAveragingLocked(ctx, price, pnl, adverse) {
		return
	}

	if in.pos.UseBreakevenExit {
		in.runBreakevenExitLocked(ctx, price, pnl)
		return
	}
	in.runTrailingExitLocked(ctx, pnl)
}

// runStagnationLocked watches for a position stuck in a narrow losing band
// and averages it out after sustained observation. Active only before the
// first averaging.
func (in *Instance) runStagnationLocked(ctx context.Context, price, pnl, adverse decimal.Decimal) bool {
	if !in.frozen.EnableStagnation || in.pos.AveragingCount > 0 || !pnl.IsNegative() {
		in.stagnationActive = false
		return false
	}
	inBand := adverse.GreaterThanOrEqual(in.frozen.StagnationMinPct) &&
		adverse.LessThanOrEqual(in.frozen.StagnationMaxPct)
	if !inBand {
		in.stagnationActive = false
		return false
	}

	now := time.Now()
	if !in.stagnationActive {
		in.stagnationActive = true
		in.stagnationSince = now
		return false
	}
	observe := time.Duration(in.frozen.StagnationObserveSec) * time.Second
	if now.Sub(in.stagnationSince) < observe {
		return false
	}

	in.logger.Info("stagnation averaging triggered",
		"adverse_pct", adverse.StringFixed(3),
		"observed", now.Sub(in.stagnationSince).String(),
	)
	in.stagnationActive = false
	in.submitAveragingLocked(ctx, price, in.frozen.StagnationMultiplier, "stagnation")
	return true
}

func (in *Instance) runPrimaryAveragingLocked(ctx context.Context, price, pnl, adverse decimal.Decimal) bool {
	if !in.frozen.EnableAveraging || in.pos.AveragingCount >= in.frozen.MaxAveragingCount {
		return false
	}
	if !pnl.IsNegative() || adverse.LessThan(in.frozen.AveragingTriggerPct) {
		return false
	}
	in.logger.Info("averaging triggered", "adverse_pct", adverse.StringFixed(3))
	in.submitAveragingLocked(ctx, price, in.frozen.AveragingMultiplier, "drawdown")
	return true
}

// submitAveragingLocked places an averaging order. Averaging always runs at
// leverage 1.
func (in *Instance) submitAveragingLocked(ctx context.Context, price, multiplier decimal.Decimal, cause string) {
	notional := in.frozen.OrderAmount.Mul(multiplier)
	qty, err := in.exchange.CalculateQuantityFromNotional(ctx, in.symbol, notional, 1, price)
	if err != nil {
		in.logger.Error("averaging quantity failed", "cause", cause, "error", err)
		return
	}
	if qty.IsZero() {
		in.logger.Warn("averaging amount below minimum quantity", "cause", cause)
		return
	}
	if _, err := in.submitOrderLocked(ctx, types.PurposeAveraging, in.pos.Direction.EntrySide(), qty, 1, false); err != nil {
		in.logger.Error("averaging submission failed", "cause", cause, "error", err)
	}
}

// runBreakevenExitLocked closes once price crosses the exchange-computed
// breakeven in the favorable direction; without one, any non-negative PnL
// closes.
func (in *Instance) runBreakevenExitLocked(ctx context.Context, price, pnl decimal.Decimal) {
	breakeven := in.breakEvenPriceLocked(ctx)
	if breakeven.IsZero() {
		if !pnl.IsNegative() {
			in.closePositionLocked(ctx, "breakeven_fallback")
		}
		return
	}
	crossed := false
	if in.pos.Direction == types.Long {
		crossed = price.GreaterThanOrEqual(breakeven)
	} else {
		crossed = price.LessThanOrEqual(breakeven)
	}
	if crossed {
		in.closePositionLocked(ctx, "breakeven_exit")
	}
}

func (in *Instance) breakEvenPriceLocked(ctx context.Context) decimal.Decimal {
	positions, err := in.exchange.GetPositions(ctx, in.symbol)
	if err != nil {
		in.logger.Warn("breakeven query failed", "error", err)
		return decimal.Zero
	}
	for _, p := range positions {
		if p.Symbol == in.symbol && !p.Size.IsZero() {
			return p.BreakEvenPrice
		}
	}
	return decimal.Zero
}

// runTrailingExitLocked arms at the first profit level and closes when PnL
// gives back more than a fifth of its peak.
func (in *Instance) runTrailingExitLocked(ctx context.Context, pnl decimal.Decimal) {
	if pnl.GreaterThan(in.pos.PeakUnrealizedPnL) {
		in.pos.PeakUnrealizedPnL = pnl
	}

	notional := in.frozen.Notional()
	if notional.IsZero() {
		return
	}
	for level := len(trailingLevels) - 1; level >= 0; level-- {
		if pnl.GreaterThanOrEqual(notional.Mul(trailingLevels[level])) {
			if !in.pos.TrailingArmed {
				in.pos.TrailingArmed = true
				in.logger.Info("trailing exit armed", "pnl", exchange.FormatDecimal(pnl))
			}
			if level+1 > in.pos.TrailingLevel {
				in.pos.TrailingLevel = level + 1
				in.logger.Debug("trailing level reached", "level", in.pos.TrailingLevel)
			}
			break
		}
	}
	if !in.pos.TrailingArmed {
		return
	}

	floor := in.pos.PeakUnrealizedPnL.Mul(decimal.NewFromInt(1).Sub(trailingDropFraction))
	if pnl.LessThan(floor) {
		in.logger.Info("trailing stop triggered",
			"peak", exchange.FormatDecimal(in.pos.PeakUnrealizedPnL),
			"pnl", exchange.FormatDecimal(pnl),
		)
		in.closePositionLocked(ctx, "trailing_stop")
	}
}

// closePositionLocked submits the reduce-only market close, at most one in
// flight per position.
func (in *Instance) closePositionLocked(ctx context.Context, reason string) {
	// Nothing to close without a confirmed position of real size; a pending
	// entry fill must not produce a zero-quantity reduce-only order.
	if !in.pos.Active || !in.pos.TotalSize.IsPositive() {
		return
	}
	pending, err := in.store.HasPendingCloseOrder(ctx, in.userID, in.symbol, in.priority)
	if err != nil {
		in.logger.Error("pending close lookup failed", "error", err)
		return
	}
	if pending {
		return
	}
	if !in.pos.StopLossPrice.IsZero() {
		if _, err := in.exchange.SetTradingStop(ctx, in.symbol, "0", ""); err != nil {
			in.logger.Warn("stop-loss clear before close failed", "error", err)
		}
		in.pos.StopLossPrice = decimal.Zero
	}
	if _, err := in.submitOrderLocked(ctx, types.PurposeClose, in.pos.Direction.ExitSide(), in.pos.TotalSize, in.frozen.Leverage, true); err != nil {
		in.logger.Error("close submission failed", "reason", reason, "error", err)
		return
	}
	in.logger.Info("close submitted", "reason", reason)
}

// --- stop-loss ---

// installStopLossLocked computes and installs the stop from the loss budget:
// margin x (stop-loss pct / 100), spread per unit, widened by the estimated
// closing fee and the buffer. After averaging the budget grows with the
// margin, moving the stop further from entry.
func (in *Instance) installStopLossLocked(ctx context.Context) {
	margin := in.pos.CurrentTotalMargin
	entry := in.pos.AverageEntryPrice
	size := in.pos.TotalSize
	if size.IsZero() || in.frozen.AveragingStopLossPct.IsZero() {
		return
	}

	maxLoss := margin.Mul(in.frozen.AveragingStopLossPct).Div(decimal.NewFromInt(100))
	adjust := maxLoss.Div(size).
		Add(entry.Mul(takerFeeRate)).
		Mul(stopLossBuffer)

	var sl decimal.Decimal
	if in.pos.Direction == types.Long {
		sl = entry.Sub(adjust)
	} else {
		sl = entry.Add(adjust)
	}
	if !sl.IsPositive() {
		in.logger.Error("stop-loss uncomputable", "entry", exchange.FormatDecimal(entry))
		in.notifier.Notify(in.userID,
			fmt.Sprintf("%s: stop-loss could not be computed, position runs unprotected", in.symbol), "")
		return
	}

	if _, err := in.exchange.SetTradingStop(ctx, in.symbol, exchange.FormatDecimal(sl), ""); err != nil {
		in.logger.Error("stop-loss install failed", "error", err)
		return
	}
	in.pos.StopLossPrice = sl
	in.logger.Info("stop-loss installed", "price", exchange.FormatDecimal(sl))
}

// --- order updates and manual closes ---

func (in *Instance) handleOrderUpdate(ctx context.Context, evt types.OrderUpdate) {
	if evt.Symbol != in.symbol || evt.UserID != in.userID || evt.AccountPriority != in.priority {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	purpose, tracked := in.activeOrders[evt.ExchangeOrderID]
	if !tracked {
		return
	}
	if evt.Status != types.OrderStatusCancelled && evt.Status != types.OrderStatusRejected {
		return
	}

	delete(in.activeOrders, evt.ExchangeOrderID)
	in.pendingFill = false
	in.logger.Warn("tracked order terminated without fill",
		"order", evt.ExchangeOrderID, "purpose", purpose, "status", evt.Status)
	in.saveSnapshot(ctx)
}

// handlePositionClosed finalizes a position the user closed on the exchange
// directly.
func (in *Instance) handlePositionClosed(ctx context.Context, evt types.PositionClosed) {
	if evt.Symbol != in.symbol || evt.UserID != in.userID || evt.AccountPriority != in.priority || !evt.ClosedManually {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.pos.Active && in.activeTradeID == 0 {
		return
	}

	pnl := decimal.Zero
	rows, err := in.exchange.GetClosedPnL(ctx, in.symbol, 1)
	if err == nil && len(rows) > 0 {
		pnl = rows[0].ClosedPnL
	}

	if in.activeTradeID != 0 {
		exit := decimal.Zero
		if len(rows) > 0 {
			exit = rows[0].AvgExit
		}
		if err := in.store.UpdateTradeOnClose(ctx, in.activeTradeID, exit, pnl, in.pos.AccumulatedFees, time.Now()); err != nil {
			in.logger.Error("manual close persist failed", "error", err)
		}
		if _, err := in.store.UpdateStrategyStats(ctx, in.userID, in.strategyType, pnl); err != nil {
			in.logger.Error("stats update failed", "error", err)
		}
	}
	in.stats.TotalTrades++
	if pnl.IsPositive() {
		in.stats.Wins++
	}
	in.stats.TotalPnL = in.stats.TotalPnL.Add(pnl)

	in.logger.Warn("position closed manually on exchange", "pnl", exchange.FormatDecimal(pnl))
	in.notifier.Notify(in.userID,
		fmt.Sprintf("%s closed manually on the exchange, PnL %s", in.symbol, exchange.FormatDecimal(pnl)), "")
	in.finishTradeLocked(ctx, pnl)
}

// --- recovery ---

// Recover rebuilds state after a restart: inject the cached snapshot (or the
// ledger's open trade), reconcile with the live exchange position, then
// replay any fills that landed while the process was down. Idempotent.
func (in *Instance) Recover(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.recoveryMode = true
	defer func() { in.recoveryMode = false }()

	in.warmSpikeLocked(ctx)

	snap, err := in.loadSnapshot(ctx)
	if err != nil {
		in.logger.Warn("snapshot load failed, recovering from ledger", "error", err)
	}
	if snap != nil {
		in.applySnapshot(snap)
	} else {
		trade, err := in.store.GetOpenTrade(ctx, in.userID, in.symbol, in.priority)
		if err != nil {
			return fmt.Errorf("recovery trade lookup: %w", err)
		}
		if trade != nil {
			in.activeTradeID = trade.ID
			in.pos = positionState{
				Active:            true,
				Direction:         trade.Side,
				InitialEntryPrice: trade.EntryPrice,
				AverageEntryPrice: trade.EntryPrice,
				TotalSize:         trade.Quantity,
				InitialSize:       trade.Quantity,
				AccumulatedFees:   trade.Commission,
			}
			in.frozen = in.cfg
		}
	}

	live, err := in.livePositionLocked(ctx)
	if err != nil {
		return fmt.Errorf("recovery position query: %w", err)
	}

	switch {
	case live != nil && !in.pos.Active:
		in.adoptPositionLocked(*live)
		in.logger.Info("recovered live position missing from state",
			"direction", in.pos.Direction)
	case live == nil && in.pos.Active:
		// The position disappeared while we were down.
		in.logger.Warn("state shows a position the exchange does not have")
		pnl := decimal.Zero
		if rows, err := in.exchange.GetClosedPnL(ctx, in.symbol, 1); err == nil && len(rows) > 0 {
			pnl = rows[0].ClosedPnL
		}
		if in.activeTradeID != 0 {
			if err := in.store.UpdateTradeOnClose(ctx, in.activeTradeID, decimal.Zero, pnl, in.pos.AccumulatedFees, time.Now()); err != nil {
				in.logger.Error("offline close persist failed", "error", err)
			}
		}
		in.finishTradeLocked(ctx, pnl)
	case live != nil:
		in.prices.Subscribe(in.symbol, in.userID)
		if in.frozen.EnableStopLoss && live.StopLoss.IsZero() {
			in.installStopLossLocked(ctx)
		}
	}

	in.reconcileOrdersLocked(ctx)
	in.saveSnapshot(ctx)
	return nil
}

// warmSpikeLocked replays cached 1-minute closes into the spike detector so
// entry advice is sound right after a restart. The cached list is
// newest-first.
func (in *Instance) warmSpikeLocked(ctx context.Context) {
	rows, err := in.cache.List(ctx, cache.CandleKey(in.symbol, string(types.Interval1m)))
	if err != nil || len(rows) == 0 {
		return
	}
	for i := len(rows) - 1; i >= 0; i-- {
		var c types.Candle
		if json.Unmarshal([]byte(rows[i]), &c) == nil && !c.Close.IsZero() {
			in.spike.Record(c.Close)
		}
	}
	in.logger.Debug("spike detector warmed from candle cache", "closes", len(rows))
}

func (in *Instance) livePositionLocked(ctx context.Context) (*types.Position, error) {
	positions, err := in.exchange.GetPositions(ctx, in.symbol)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == in.symbol && !positions[i].Size.IsZero() {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// reconcileOrdersLocked resolves orders that were in flight across the
// restart. Filled orders re-enter the fill handler, which deduplicates.
func (in *Instance) reconcileOrdersLocked(ctx context.Context) {
	orders, err := in.store.GetActiveOrdersForSync(ctx, in.userID, in.priority)
	if err != nil {
		in.logger.Error("recovery order query failed", "error", err)
		return
	}
	for _, o := range orders {
		if o.Symbol != in.symbol {
			continue
		}
		if o.ExchangeOrderID == "" || o.ExchangeOrderID == "PENDING" {
			in.resolveUnsubmittedLocked(ctx, o)
			continue
		}
		if o.Status == types.OrderStatusFilled {
			// Already persisted as filled; nothing to replay.
			continue
		}
		snap, err := in.exchange.GetOrderStatus(ctx, in.symbol, o.ExchangeOrderID)
		if err != nil || snap == nil {
			in.logger.Warn("recovery order status failed", "order", o.ExchangeOrderID, "error", err)
			continue
		}
		switch snap.Status {
		case types.OrderStatusFilled:
			in.handleOrderFilledLocked(ctx, types.OrderFilled{
				UserID:          in.userID,
				AccountPriority: in.priority,
				OrderID:         o.ExchangeOrderID,
				Symbol:          in.symbol,
				Side:            snap.Side,
				Qty:             snap.FilledQty,
				Price:           snap.AvgFillPrice,
				Fee:             snap.CumFee,
			})
		case types.OrderStatusCancelled, types.OrderStatusRejected:
			if err := in.store.UpdateOrderStatus(ctx, o.ExchangeOrderID, snap.Status, snap.FilledQty, snap.AvgFillPrice, snap.CumFee, decimal.Zero); err != nil {
				in.logger.Error("recovery order persist failed", "error", err)
			}
			delete(in.activeOrders, o.ExchangeOrderID)
		}
	}
}

// resolveUnsubmittedLocked settles an order row with no exchange id: the
// process died between persisting the record and learning the submission
// result. The exchange is asked by client order id; an order it has never
// seen is released so the one-close-in-flight guard cannot wedge on it.
func (in *Instance) resolveUnsubmittedLocked(ctx context.Context, o types.Order) {
	snap, err := in.exchange.GetOrderStatusByClientID(ctx, in.symbol, o.ClientOrderID)
	if err != nil {
		in.logger.Warn("unsubmitted order lookup failed",
			"client_order_id", o.ClientOrderID, "error", err)
		return
	}
	if snap == nil {
		if err := in.store.DeleteOrder(ctx, o.ClientOrderID); err != nil {
			in.logger.Error("orphan order release failed",
				"client_order_id", o.ClientOrderID, "error", err)
			return
		}
		in.logger.Info("released order the exchange never received",
			"client_order_id", o.ClientOrderID, "purpose", o.Purpose)
		return
	}

	// The submission did land; adopt the exchange id and settle the row.
	if err := in.store.BindExchangeID(ctx, o.ClientOrderID, snap.OrderID); err != nil {
		in.logger.Error("late exchange id bind failed",
			"client_order_id", o.ClientOrderID, "order", snap.OrderID, "error", err)
		return
	}
	switch {
	case snap.Status == types.OrderStatusFilled:
		in.handleOrderFilledLocked(ctx, types.OrderFilled{
			UserID:          in.userID,
			AccountPriority: in.priority,
			OrderID:         snap.OrderID,
			Symbol:          in.symbol,
			Side:            snap.Side,
			Qty:             snap.FilledQty,
			Price:           snap.AvgFillPrice,
			Fee:             snap.CumFee,
		})
	case snap.Status.IsTerminal():
		if err := in.store.UpdateOrderStatus(ctx, snap.OrderID, snap.Status, snap.FilledQty, snap.AvgFillPrice, snap.CumFee, decimal.Zero); err != nil {
			in.logger.Error("recovery order persist failed", "error", err)
		}
	default:
		if err := in.store.SetNew(ctx, o.ClientOrderID); err != nil {
			in.logger.Error("recovery order persist failed", "error", err)
		}
		in.activeOrders[snap.OrderID] = o.Purpose
		in.pendingFill = true
	}
}
