package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"scalper-engine/internal/bus"
	"scalper-engine/internal/cache"
	"scalper-engine/internal/exchange"
	"scalper-engine/internal/store"
	"scalper-engine/pkg/types"
)

const (
	testUser     = int64(7)
	testSymbol   = "BTCUSDT"
	testPriority = 1
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeExchange records calls and serves scripted responses.
type fakeExchange struct {
	mu           sync.Mutex
	seq          int
	placed       []exchange.PlaceOrderParams
	placeErr     error
	positions    []types.Position
	closed       []types.ClosedPnL
	statuses     map[string]types.OrderSnapshot
	linkStatuses map[string]types.OrderSnapshot // keyed by client order id
	stops        []string
	leverages    []int
}

func (f *fakeExchange) PlaceOrder(_ context.Context, p exchange.PlaceOrderParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.seq++
	f.placed = append(f.placed, p)
	return fmt.Sprintf("ex-%d", f.seq), nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) (bool, error) {
	return true, nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, _ string, leverage int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverages = append(f.leverages, leverage)
	return true, nil
}

func (f *fakeExchange) SetTradingStop(_ context.Context, _, stopLoss, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, stopLoss)
	return true, nil
}

func (f *fakeExchange) GetPositions(context.Context, string) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeExchange) GetClosedPnL(context.Context, string, int) ([]types.ClosedPnL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.ClosedPnL, len(f.closed))
	copy(out, f.closed)
	return out, nil
}

func (f *fakeExchange) GetOrderStatus(_ context.Context, _, orderID string) (*types.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.statuses[orderID]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (f *fakeExchange) GetOrderStatusByClientID(_ context.Context, _, clientOrderID string) (*types.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.linkStatuses[clientOrderID]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (f *fakeExchange) CalculateQuantityFromNotional(_ context.Context, _ string, notional decimal.Decimal, leverage int, price decimal.Decimal) (decimal.Decimal, error) {
	return notional.Mul(decimal.NewFromInt(int64(leverage))).Div(price).Round(3), nil
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeExchange) lastPlaced() exchange.PlaceOrderParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[len(f.placed)-1]
}

func (f *fakeExchange) lastOrderID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("ex-%d", f.seq)
}

type fakePrices struct {
	mu     sync.Mutex
	subs   int
	unsubs int
}

func (p *fakePrices) Subscribe(string, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs++
}

func (p *fakePrices) Unsubscribe(string, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubs++
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *fakeNotifier) Notify(_ int64, text, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
}

func (n *fakeNotifier) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type scriptedAnalyzer struct {
	mu     sync.Mutex
	signal SignalDirection
}

func (a *scriptedAnalyzer) set(s SignalDirection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signal = s
}

func (a *scriptedAnalyzer) Analyze(context.Context, string, types.Candle) (SignalDirection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signal, nil
}

type fixture struct {
	in       *Instance
	cfg      types.StrategyConfig
	ex       *fakeExchange
	st       *store.Store
	mem      *cache.Memory
	bus      *bus.Bus
	prices   *fakePrices
	notes    *fakeNotifier
	analyzer *scriptedAnalyzer
}

// withCooldowns rebuilds the fixture's instance with explicit cooldown
// windows; the default sixty-second windows are too long to exercise.
func (f *fixture) withCooldowns(closeCD, reversalCD time.Duration) {
	f.in = New(Params{
		UserID:           testUser,
		Symbol:           testSymbol,
		AccountPriority:  testPriority,
		Config:           f.cfg,
		Analyzer:         f.analyzer,
		Exchange:         f.ex,
		Store:            f.st,
		Cache:            f.mem,
		Bus:              f.bus,
		Prices:           f.prices,
		Notifier:         f.notes,
		Logger:           testLogger(),
		CloseCooldown:    closeCD,
		ReversalCooldown: reversalCD,
	})
}

func defaultConfig() types.StrategyConfig {
	return types.StrategyConfig{
		OrderAmount:          dec("100"),
		Leverage:             2,
		AveragingTriggerPct:  dec("1"),
		AveragingMultiplier:  dec("2"),
		AveragingStopLossPct: dec("5"),
		MaxAveragingCount:    2,
		EnableAveraging:      true,
	}
}

func newFixture(t *testing.T, cfg types.StrategyConfig) *fixture {
	t.Helper()
	logger := testLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New(logger)
	t.Cleanup(b.Close)

	f := &fixture{
		cfg: cfg,
		ex: &fakeExchange{
			statuses:     make(map[string]types.OrderSnapshot),
			linkStatuses: make(map[string]types.OrderSnapshot),
		},
		st:       st,
		mem:      cache.NewMemory(),
		bus:      b,
		prices:   &fakePrices{},
		notes:    &fakeNotifier{},
		analyzer: &scriptedAnalyzer{signal: SignalHold},
	}
	f.in = New(Params{
		UserID:          testUser,
		Symbol:          testSymbol,
		AccountPriority: testPriority,
		Config:          cfg,
		Analyzer:        f.analyzer,
		Exchange:        f.ex,
		Store:           st,
		Cache:           f.mem,
		Bus:             b,
		Prices:          f.prices,
		Notifier:        f.notes,
		Logger:          logger,
	})
	return f
}

func analysisCandle(close string) types.NewCandle {
	return types.NewCandle{
		UserID: testUser,
		Symbol: testSymbol,
		Candle: types.Candle{
			Symbol:    testSymbol,
			Interval:  types.Interval5m,
			Close:     dec(close),
			Confirmed: true,
		},
	}
}

func minuteCandle(close string) types.NewCandle {
	return types.NewCandle{
		UserID: testUser,
		Symbol: testSymbol,
		Candle: types.Candle{
			Symbol:    testSymbol,
			Interval:  types.Interval1m,
			Close:     dec(close),
			Confirmed: true,
		},
	}
}

func tick(price string) types.PriceUpdate {
	return types.PriceUpdate{UserID: testUser, Symbol: testSymbol, Price: dec(price)}
}

func fillFor(f *fixture, price string) types.OrderFilled {
	p := f.ex.lastPlaced()
	return types.OrderFilled{
		UserID:          testUser,
		AccountPriority: testPriority,
		OrderID:         f.ex.lastOrderID(),
		Symbol:          testSymbol,
		Side:            p.Side,
		Qty:             p.Qty,
		Price:           dec(price),
		Fee:             dec("0.11"),
	}
}

// openLong drives the confirmation machine to a long entry at the given
// price and delivers the fill.
func (f *fixture) openLong(t *testing.T, price string) {
	t.Helper()
	f.analyzer.set(SignalLong)
	f.in.HandleEvent(analysisCandle(price))
	f.in.HandleEvent(analysisCandle(price))
	if f.ex.placedCount() != 1 {
		t.Fatalf("expected one order after two confirmations, got %d", f.ex.placedCount())
	}
	f.in.HandleEvent(fillFor(f, price))
}

func TestEntryRequiresConfirmations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	f.analyzer.set(SignalLong)
	f.in.HandleEvent(analysisCandle("100"))
	if f.ex.placedCount() != 0 {
		t.Fatal("entered on a single confirmation")
	}

	f.in.HandleEvent(analysisCandle("100"))
	if f.ex.placedCount() != 1 {
		t.Fatalf("expected entry after second confirmation, got %d orders", f.ex.placedCount())
	}
	p := f.ex.lastPlaced()
	if p.Side != types.Buy || p.ReduceOnly {
		t.Fatalf("unexpected entry order: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}
	// 100 notional x2 leverage at price 100.
	if !p.Qty.Equal(dec("2")) {
		t.Fatalf("expected qty 2, got %s", p.Qty)
	}

	rec, err := f.st.GetOrderByExchangeID(context.Background(), f.ex.lastOrderID())
	if err != nil || rec == nil {
		t.Fatalf("order record missing: %v", err)
	}
	if rec.Status != types.OrderStatusNew || rec.Purpose != types.PurposeOpen {
		t.Fatalf("unexpected record: status=%s purpose=%s", rec.Status, rec.Purpose)
	}
}

func TestHoldResetsConfirmations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	f.analyzer.set(SignalLong)
	f.in.HandleEvent(analysisCandle("100"))
	f.analyzer.set(SignalHold)
	f.in.HandleEvent(analysisCandle("100"))
	f.analyzer.set(SignalLong)
	f.in.HandleEvent(analysisCandle("100"))
	if f.ex.placedCount() != 0 {
		t.Fatal("entered without re-confirming after HOLD")
	}
	f.in.HandleEvent(analysisCandle("100"))
	if f.ex.placedCount() != 1 {
		t.Fatalf("expected entry after re-confirmation, got %d", f.ex.placedCount())
	}
}

func TestSpikeVetoBlocksEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	// +4% across the spike window: too violent to trade.
	for _, c := range []string{"100", "101", "102", "103", "104"} {
		f.in.HandleEvent(minuteCandle(c))
	}
	f.analyzer.set(SignalLong)
	f.in.HandleEvent(analysisCandle("104"))
	f.in.HandleEvent(analysisCandle("104"))
	if f.ex.placedCount() != 0 {
		t.Fatal("entered during an extreme move")
	}
}

func TestOpenFillCreatesTrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.openLong(t, "100")

	trade, err := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)
	if err != nil || trade == nil {
		t.Fatalf("open trade missing: %v", err)
	}
	if trade.Side != types.Long || !trade.EntryPrice.Equal(dec("100")) {
		t.Fatalf("unexpected trade: side=%s entry=%s", trade.Side, trade.EntryPrice)
	}
	if f.prices.subs == 0 {
		t.Fatal("expected price subscription after open")
	}

	raw, ok, err := f.mem.Get(ctx, cache.SnapshotKey(testUser, testSymbol, TypeScalping))
	if err != nil || !ok {
		t.Fatalf("snapshot missing: %v", err)
	}
	if !strings.Contains(raw, `"active":true`) {
		t.Fatalf("snapshot does not show an active position: %s", raw)
	}
	if !f.in.HasActivePosition() {
		t.Fatal("instance not active after open fill")
	}
}

func TestDuplicateFillIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.openLong(t, "100")
	trade, _ := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)

	// Same fill again, as the poll path and account stream can both report it.
	f.in.HandleEvent(fillFor(f, "100"))

	after, _ := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)
	if after == nil || after.ID != trade.ID || !after.Quantity.Equal(trade.Quantity) {
		t.Fatal("duplicate fill mutated the trade")
	}
}

func TestStopLossInstalledOnOpen(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableStopLoss = true
	f := newFixture(t, cfg)

	f.openLong(t, "100")

	f.ex.mu.Lock()
	stops := append([]string(nil), f.ex.stops...)
	f.ex.mu.Unlock()
	if len(stops) != 1 {
		t.Fatalf("expected one stop-loss install, got %d", len(stops))
	}
	// Budget: margin 100 x 5% = 5 over size 2 -> 2.5/unit, plus fee term,
	// buffered; the stop must sit below entry but well above the naive level.
	sl := dec(stops[0])
	if !sl.LessThan(dec("100")) || !sl.GreaterThan(dec("97")) {
		t.Fatalf("stop-loss out of expected band: %s", sl)
	}
}

func TestAveragingOnAdverseMove(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.openLong(t, "100")

	// 0.5% against the position: below the 1% trigger.
	f.in.HandleEvent(tick("99.5"))
	if f.ex.placedCount() != 1 {
		t.Fatal("averaged below the trigger")
	}

	f.in.HandleEvent(tick("98.9"))
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected averaging order, got %d orders", f.ex.placedCount())
	}
	p := f.ex.lastPlaced()
	if p.Side != types.Buy || p.ReduceOnly {
		t.Fatalf("averaging order should add to the long: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}

	f.in.HandleEvent(fillFor(f, "98.9"))

	trade, err := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)
	if err != nil || trade == nil {
		t.Fatalf("trade missing after averaging: %v", err)
	}
	if !trade.EntryPrice.LessThan(dec("100")) || !trade.Quantity.GreaterThan(dec("2")) {
		t.Fatalf("averaging not reflected: entry=%s qty=%s", trade.EntryPrice, trade.Quantity)
	}
}

func TestBreakevenExitAfterAveraging(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	f.openLong(t, "100")
	f.in.HandleEvent(tick("98.9"))
	f.in.HandleEvent(fillFor(f, "98.9"))

	f.ex.mu.Lock()
	f.ex.positions = []types.Position{{
		Symbol:         testSymbol,
		Side:           types.Buy,
		Size:           dec("4"),
		EntryPrice:     dec("99.4"),
		BreakEvenPrice: dec("99.6"),
	}}
	f.ex.mu.Unlock()

	// Below breakeven: hold.
	f.in.HandleEvent(tick("99.5"))
	if f.ex.placedCount() != 2 {
		t.Fatal("closed below breakeven")
	}

	f.in.HandleEvent(tick("99.7"))
	if f.ex.placedCount() != 3 {
		t.Fatalf("expected breakeven close, got %d orders", f.ex.placedCount())
	}
	p := f.ex.lastPlaced()
	if p.Side != types.Sell || !p.ReduceOnly {
		t.Fatalf("close order malformed: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}
}

func TestTrailingStop(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)

	f.openLong(t, "100")

	// Notional 200: the first trailing level arms at 0.40 profit.
	f.in.HandleEvent(tick("100.5")) // pnl 1.00, armed, peak
	if f.ex.placedCount() != 1 {
		t.Fatal("closed while still climbing")
	}
	f.in.HandleEvent(tick("100.45")) // pnl 0.90, above 80% of peak
	if f.ex.placedCount() != 1 {
		t.Fatal("closed inside the allowed give-back")
	}
	f.in.HandleEvent(tick("100.3")) // pnl 0.60, below 0.80 floor
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected trailing close, got %d orders", f.ex.placedCount())
	}
	if p := f.ex.lastPlaced(); p.Side != types.Sell || !p.ReduceOnly {
		t.Fatalf("close order malformed: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}
}

func TestCloseFillFinalizesTrade(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.openLong(t, "100")
	f.in.HandleEvent(tick("100.5"))
	f.in.HandleEvent(tick("100.3")) // trailing close submitted

	f.ex.mu.Lock()
	f.ex.closed = []types.ClosedPnL{{Symbol: testSymbol, ClosedPnL: dec("0.49"), AvgExit: dec("100.3")}}
	f.ex.mu.Unlock()

	f.in.HandleEvent(fillFor(f, "100.3"))

	trade, err := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)
	if err != nil {
		t.Fatalf("GetOpenTrade: %v", err)
	}
	if trade != nil {
		t.Fatal("trade still open after close fill")
	}
	if f.in.HasActivePosition() {
		t.Fatal("instance still active after close")
	}
	if f.prices.unsubs == 0 {
		t.Fatal("expected price unsubscription after close")
	}
	if !f.notes.contains("closed") {
		t.Fatal("expected close notification")
	}
}

func TestReversalClosesOnlyProfitablePosition(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)

	f.openLong(t, "100")
	f.analyzer.set(SignalShort)

	// Under water: the contradicting signal must not close.
	f.in.HandleEvent(analysisCandle("99"))
	if f.ex.placedCount() != 1 {
		t.Fatal("closed a losing position on reversal")
	}

	f.in.HandleEvent(analysisCandle("101"))
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected reversal close, got %d orders", f.ex.placedCount())
	}
	if p := f.ex.lastPlaced(); p.Side != types.Sell || !p.ReduceOnly {
		t.Fatalf("reversal close malformed: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}
}

func TestManualCloseFinalizesTrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.openLong(t, "100")

	f.ex.mu.Lock()
	f.ex.closed = []types.ClosedPnL{{Symbol: testSymbol, ClosedPnL: dec("-1.2"), AvgExit: dec("99.4")}}
	f.ex.mu.Unlock()

	f.in.HandleEvent(types.PositionClosed{
		UserID:          testUser,
		Symbol:          testSymbol,
		AccountPriority: testPriority,
		ClosedManually:  true,
	})

	trade, err := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)
	if err != nil {
		t.Fatalf("GetOpenTrade: %v", err)
	}
	if trade != nil {
		t.Fatal("trade still open after manual close")
	}
	if !f.notes.contains("manually") {
		t.Fatal("expected manual-close notification")
	}
}

func TestStopDeferredUntilPositionCloses(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)

	f.openLong(t, "100")

	f.in.RequestStop(true)
	if f.in.Stopped() {
		t.Fatal("stopped while the close was still in flight")
	}
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected close submission on stop, got %d orders", f.ex.placedCount())
	}

	f.in.HandleEvent(fillFor(f, "100.1"))
	if !f.in.Stopped() {
		t.Fatal("deferred stop did not fire after the close fill")
	}
}

func TestStopWhileFlatIsImmediate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	f.in.RequestStop(false)
	if !f.in.Stopped() {
		t.Fatal("flat instance did not stop immediately")
	}
}

func TestRecoverFromSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.openLong(t, "100")

	f.ex.mu.Lock()
	f.ex.positions = []types.Position{{
		Symbol:     testSymbol,
		Side:       types.Buy,
		Size:       dec("2"),
		EntryPrice: dec("100"),
		Leverage:   2,
	}}
	f.ex.mu.Unlock()

	// Fresh instance sharing the store and cache, as after a restart.
	restarted := New(Params{
		UserID:          testUser,
		Symbol:          testSymbol,
		AccountPriority: testPriority,
		Config:          defaultConfig(),
		Analyzer:        f.analyzer,
		Exchange:        f.ex,
		Store:           f.st,
		Cache:           f.mem,
		Bus:             f.bus,
		Prices:          f.prices,
		Notifier:        f.notes,
		Logger:          testLogger(),
	})
	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !restarted.HasActivePosition() {
		t.Fatal("restart lost the active position")
	}
}

func TestRecoverAdoptsUntrackedLivePosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.ex.mu.Lock()
	f.ex.positions = []types.Position{{
		Symbol:     testSymbol,
		Side:       types.Sell,
		Size:       dec("1.5"),
		EntryPrice: dec("200"),
		Leverage:   2,
	}}
	f.ex.mu.Unlock()

	if err := f.in.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !f.in.HasActivePosition() {
		t.Fatal("live exchange position not adopted")
	}
}

func TestRecoverClearsVanishedPosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.openLong(t, "100")

	f.ex.mu.Lock()
	f.ex.positions = nil
	f.ex.closed = []types.ClosedPnL{{Symbol: testSymbol, ClosedPnL: dec("-3")}}
	f.ex.mu.Unlock()

	if err := f.in.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if f.in.HasActivePosition() {
		t.Fatal("vanished position still marked active")
	}
	trade, err := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)
	if err != nil {
		t.Fatalf("GetOpenTrade: %v", err)
	}
	if trade != nil {
		t.Fatal("ledger trade not settled for vanished position")
	}
}

func TestStagnationTimerResetsOnBandExit(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	cfg.EnableStagnation = true
	cfg.StagnationMinPct = dec("0.2")
	cfg.StagnationMaxPct = dec("0.6")
	cfg.StagnationObserveSec = 1
	cfg.StagnationMultiplier = dec("1.5")
	f := newFixture(t, cfg)

	f.openLong(t, "100")

	f.in.HandleEvent(tick("99.7")) // 0.3% adverse, in band: observation starts
	time.Sleep(600 * time.Millisecond)
	f.in.HandleEvent(tick("99.2")) // 0.8%: out of band, observation abandoned
	f.in.HandleEvent(tick("99.7")) // back in band: the clock starts over
	time.Sleep(600 * time.Millisecond)

	// 600 ms into the restarted window. A resumed timer would have fired by
	// now (1.2 s total in band); a restarted one must not.
	f.in.HandleEvent(tick("99.7"))
	if f.ex.placedCount() != 1 {
		t.Fatalf("stagnation resumed a partial observation window: %d orders", f.ex.placedCount())
	}

	time.Sleep(500 * time.Millisecond)
	f.in.HandleEvent(tick("99.7"))
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected stagnation averaging after a full window, got %d orders", f.ex.placedCount())
	}
	if p := f.ex.lastPlaced(); p.Side != types.Buy || p.ReduceOnly {
		t.Fatalf("stagnation order malformed: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}
}

func TestDoubleHoldClosesOnlyProfitablePosition(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)

	f.openLong(t, "100")
	f.analyzer.set(SignalHold)

	// Two HOLDs while under water: the position is kept.
	f.in.HandleEvent(analysisCandle("99"))
	f.in.HandleEvent(analysisCandle("99"))
	if f.ex.placedCount() != 1 {
		t.Fatal("closed a losing position on double hold")
	}

	// The streak continues into profit: close.
	f.in.HandleEvent(analysisCandle("100.4"))
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected double-hold close, got %d orders", f.ex.placedCount())
	}
	if p := f.ex.lastPlaced(); p.Side != types.Sell || !p.ReduceOnly {
		t.Fatalf("close order malformed: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}
}

func TestCloseCooldownBlocksImmediateReentry(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)
	f.withCooldowns(250*time.Millisecond, time.Millisecond)

	f.openLong(t, "100")
	f.in.HandleEvent(tick("100.5"))
	f.in.HandleEvent(tick("100.3")) // trailing close
	f.in.HandleEvent(fillFor(f, "100.3"))
	if f.in.HasActivePosition() {
		t.Fatal("close fill not applied")
	}

	// Confirmations inside the window are rejected outright.
	f.in.HandleEvent(analysisCandle("100.3"))
	f.in.HandleEvent(analysisCandle("100.3"))
	f.in.HandleEvent(analysisCandle("100.3"))
	if f.ex.placedCount() != 2 {
		t.Fatalf("entered during the close cooldown: %d orders", f.ex.placedCount())
	}

	time.Sleep(300 * time.Millisecond)
	f.in.HandleEvent(analysisCandle("100.3"))
	f.in.HandleEvent(analysisCandle("100.3"))
	if f.ex.placedCount() != 3 {
		t.Fatalf("expected entry after the cooldown, got %d orders", f.ex.placedCount())
	}
}

func TestReversalCooldownThenThirdConfirmation(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)
	f.withCooldowns(time.Millisecond, 300*time.Millisecond)

	f.openLong(t, "100")

	// Profitable contradicting signal: reversal close.
	f.analyzer.set(SignalShort)
	f.in.HandleEvent(analysisCandle("101"))
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected reversal close, got %d orders", f.ex.placedCount())
	}
	f.in.HandleEvent(fillFor(f, "101"))

	// Short confirmations inside the reversal window are rejected.
	f.in.HandleEvent(analysisCandle("101"))
	f.in.HandleEvent(analysisCandle("101"))
	f.in.HandleEvent(analysisCandle("101"))
	if f.ex.placedCount() != 2 {
		t.Fatalf("entered during the reversal cooldown: %d orders", f.ex.placedCount())
	}

	time.Sleep(350 * time.Millisecond)
	// Post-reversal mode demands a third matching signal.
	f.in.HandleEvent(analysisCandle("101"))
	f.in.HandleEvent(analysisCandle("101"))
	if f.ex.placedCount() != 2 {
		t.Fatal("post-reversal entry without the extra confirmation")
	}
	f.in.HandleEvent(analysisCandle("101"))
	if f.ex.placedCount() != 3 {
		t.Fatalf("expected short entry on the third confirmation, got %d orders", f.ex.placedCount())
	}
	if p := f.ex.lastPlaced(); p.Side != types.Sell || p.ReduceOnly {
		t.Fatalf("entry order malformed: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}
}

func TestStopWithPendingEntrySubmitsNoClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())

	f.analyzer.set(SignalLong)
	f.in.HandleEvent(analysisCandle("100"))
	f.in.HandleEvent(analysisCandle("100"))
	if f.ex.placedCount() != 1 {
		t.Fatalf("expected entry submission, got %d orders", f.ex.placedCount())
	}

	// Entry fill still in flight: the stop defers and must not emit a
	// reduce-only order for a position of size zero.
	f.in.RequestStop(true)
	if f.ex.placedCount() != 1 {
		t.Fatalf("close submitted with no position: %d orders", f.ex.placedCount())
	}
	if f.in.Stopped() {
		t.Fatal("stopped while a fill was pending")
	}

	f.in.HandleEvent(fillFor(f, "100"))
	if f.in.Stopped() {
		t.Fatal("opening fill must not stop the instance")
	}
}

func TestPositionFrameDrivesTrailingExit(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)

	f.openLong(t, "100")

	frame := func(mark string) types.PositionUpdate {
		return types.PositionUpdate{
			UserID:          testUser,
			AccountPriority: testPriority,
			Symbol:          testSymbol,
			Side:            types.Buy,
			Size:            dec("2"),
			EntryPrice:      dec("100"),
			MarkPrice:       dec(mark),
		}
	}

	// Mark-price frames manage exits even with no public trades flowing.
	f.in.HandleEvent(frame("100.5")) // pnl 1.00: trailing armed, peak set
	if f.ex.placedCount() != 1 {
		t.Fatal("closed while still climbing")
	}
	f.in.HandleEvent(frame("100.3")) // pnl 0.60, below the 0.80 floor
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected trailing close from position frames, got %d orders", f.ex.placedCount())
	}
	if p := f.ex.lastPlaced(); p.Side != types.Sell || !p.ReduceOnly {
		t.Fatalf("close order malformed: side=%s reduceOnly=%v", p.Side, p.ReduceOnly)
	}
}

func TestRecoverReleasesUnsubmittedClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.openLong(t, "100")
	trade, err := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)
	if err != nil || trade == nil {
		t.Fatalf("open trade missing: %v", err)
	}

	// A close order persisted moments before a crash; the exchange never
	// received the submission.
	if _, err := f.st.CreateOrderPending(ctx, types.Order{
		UserID:          testUser,
		Symbol:          testSymbol,
		AccountPriority: testPriority,
		Side:            types.Sell,
		OrderType:       types.OrderTypeMarket,
		Purpose:         types.PurposeClose,
		StrategyType:    TypeScalping,
		ClientOrderID:   "bot1_BTCUSDT_1_dead",
		Quantity:        dec("2"),
		Leverage:        2,
		ReduceOnly:      true,
		TradeID:         trade.ID,
	}); err != nil {
		t.Fatalf("CreateOrderPending: %v", err)
	}
	pending, err := f.st.HasPendingCloseOrder(ctx, testUser, testSymbol, testPriority)
	if err != nil || !pending {
		t.Fatalf("pending close row not visible before recovery: %v", err)
	}

	f.ex.mu.Lock()
	f.ex.positions = []types.Position{{
		Symbol:     testSymbol,
		Side:       types.Buy,
		Size:       dec("2"),
		EntryPrice: dec("100"),
		Leverage:   2,
	}}
	f.ex.mu.Unlock()

	if err := f.in.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	pending, err = f.st.HasPendingCloseOrder(ctx, testUser, testSymbol, testPriority)
	if err != nil {
		t.Fatalf("HasPendingCloseOrder: %v", err)
	}
	if pending {
		t.Fatal("orphan close row survived recovery and wedges the close path")
	}

	// The close path must be usable again.
	f.in.RequestStop(true)
	if f.ex.placedCount() != 2 {
		t.Fatalf("expected close submission after release, got %d orders", f.ex.placedCount())
	}
}

func TestRecoverBindsOrderSubmittedBeforeCrash(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.openLong(t, "100")
	trade, err := f.st.GetOpenTrade(ctx, testUser, testSymbol, testPriority)
	if err != nil || trade == nil {
		t.Fatalf("open trade missing: %v", err)
	}

	// The submission did reach the exchange, but the process died before
	// reading the response: the row has no exchange id, the exchange does.
	if _, err := f.st.CreateOrderPending(ctx, types.Order{
		UserID:          testUser,
		Symbol:          testSymbol,
		AccountPriority: testPriority,
		Side:            types.Sell,
		OrderType:       types.OrderTypeMarket,
		Purpose:         types.PurposeClose,
		StrategyType:    TypeScalping,
		ClientOrderID:   "bot1_BTCUSDT_2_late",
		Quantity:        dec("2"),
		Leverage:        2,
		ReduceOnly:      true,
		TradeID:         trade.ID,
	}); err != nil {
		t.Fatalf("CreateOrderPending: %v", err)
	}

	f.ex.mu.Lock()
	f.ex.positions = []types.Position{{
		Symbol:     testSymbol,
		Side:       types.Buy,
		Size:       dec("2"),
		EntryPrice: dec("100"),
		Leverage:   2,
	}}
	f.ex.linkStatuses["bot1_BTCUSDT_2_late"] = types.OrderSnapshot{
		OrderID:       "ex-late",
		ClientOrderID: "bot1_BTCUSDT_2_late",
		Symbol:        testSymbol,
		Side:          types.Sell,
		Status:        types.OrderStatusNew,
		Qty:           dec("2"),
		ReduceOnly:    true,
	}
	f.ex.mu.Unlock()

	if err := f.in.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	rec, err := f.st.GetOrderByExchangeID(ctx, "ex-late")
	if err != nil || rec == nil {
		t.Fatalf("late-bound order missing: %v", err)
	}
	if rec.Status != types.OrderStatusNew {
		t.Fatalf("late-bound order status = %s, want NEW", rec.Status)
	}

	// The live close keeps the one-close-in-flight guard armed.
	pending, err := f.st.HasPendingCloseOrder(ctx, testUser, testSymbol, testPriority)
	if err != nil || !pending {
		t.Fatalf("bound close not counted as pending: %v", err)
	}
}

func TestStaleTickIgnored(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.EnableAveraging = false
	f := newFixture(t, cfg)

	f.openLong(t, "100")
	f.in.HandleEvent(tick("100.5")) // arm trailing, peak 1.0
	// A 100% deviation is a feed glitch, not a crash worth closing into.
	f.in.HandleEvent(tick("200"))
	f.in.HandleEvent(tick("0.01"))
	if f.ex.placedCount() != 1 {
		t.Fatalf("acted on stale ticks: %d orders", f.ex.placedCount())
	}
}
