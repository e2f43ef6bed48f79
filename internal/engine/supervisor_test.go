package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"scalper-engine/internal/bus"
	"scalper-engine/internal/cache"
	"scalper-engine/internal/config"
	"scalper-engine/internal/creds"
	"scalper-engine/internal/marketdata"
	"scalper-engine/internal/store"
	"scalper-engine/internal/strategy"
	"scalper-engine/pkg/types"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Notify(_ int64, text, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
}

func (n *recordingNotifier) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type holdAnalyzer struct{}

func (holdAnalyzer) Analyze(context.Context, string, types.Candle) (strategy.SignalDirection, error) {
	return strategy.SignalHold, nil
}

type harness struct {
	sup   *Supervisor
	st    *store.Store
	mem   *cache.Memory
	bus   *bus.Bus
	creds *creds.Manager
	notes *recordingNotifier
}

func testConfig() *config.Config {
	return &config.Config{
		Exchange: config.ExchangeConfig{
			RESTBaseURL:  "http://127.0.0.1:1",
			WSPublicURL:  "ws://127.0.0.1:1",
			WSPrivateURL: "ws://127.0.0.1:1",
			RecvWindowMS: 5000,
		},
		Strategy: types.StrategyConfig{
			OrderAmount: decimal.RequireFromString("100"),
			Leverage:    2,
		},
		Engine: config.EngineConfig{
			AnalysisInterval: types.Interval5m,
			Watchlist:        []string{"BTCUSDT"},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cm, err := creds.NewManager(testMasterKey, st)
	if err != nil {
		t.Fatalf("creds.NewManager: %v", err)
	}

	b := bus.New(logger)
	t.Cleanup(b.Close)

	h := &harness{
		st:    st,
		mem:   cache.NewMemory(),
		bus:   b,
		creds: cm,
		notes: &recordingNotifier{},
	}
	h.sup = NewSupervisor(SupervisorParams{
		Config:   testConfig(),
		Store:    st,
		Cache:    h.mem,
		Bus:      b,
		Hub:      marketdata.NewHub("ws://127.0.0.1:1", b, logger),
		Creds:    cm,
		Notifier: h.notes,
		Analyzer: holdAnalyzer{},
		Logger:   logger,
	})
	t.Cleanup(h.sup.Shutdown)
	return h
}

// seedUser stores credentials and an enabled strategy row for the user.
func (h *harness) seedUser(t *testing.T, userID int64) {
	t.Helper()
	ctx := context.Background()
	if err := h.st.UpsertUser(ctx, userID); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := h.creds.SaveAPIKeys(ctx, userID, ExchangeName, 1, "key", "secret"); err != nil {
		t.Fatalf("SaveAPIKeys: %v", err)
	}
	if err := h.st.SaveUserStrategy(ctx, store.UserStrategy{
		UserID:       userID,
		StrategyType: strategy.TypeScalping,
		Enabled:      true,
		Watchlist:    `["BTCUSDT","ETHUSDT"]`,
	}); err != nil {
		t.Fatalf("SaveUserStrategy: %v", err)
	}
}

func TestStartSessionRequiresCredentials(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.sup.StartSession(context.Background(), 42, false); err == nil {
		t.Fatal("expected error for user without credentials")
	}
	if !h.notes.contains("API keys") {
		t.Fatal("expected a no-credentials notification")
	}
}

func TestStartSessionSpawnsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, 7)

	if err := h.sup.StartSession(ctx, 7, false); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if got := h.sup.ActiveSessions(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected session for user 7, got %v", got)
	}

	raw, ok, err := h.mem.Get(ctx, cache.SessionKey(7))
	if err != nil || !ok {
		t.Fatalf("session record missing: %v", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("bad session record: %v", err)
	}
	if !rec.AutotradeEnabled {
		t.Fatal("session record not marked enabled")
	}

	members, err := h.mem.SetMembers(ctx, cache.ActiveUsersKey())
	if err != nil || len(members) != 1 || members[0] != "7" {
		t.Fatalf("active-user index wrong: %v %v", members, err)
	}

	// Second start is a no-op.
	if err := h.sup.StartSession(ctx, 7, false); err != nil {
		t.Fatalf("idempotent StartSession: %v", err)
	}
	if got := h.sup.ActiveSessions(); len(got) != 1 {
		t.Fatalf("duplicate session created: %v", got)
	}
}

func TestStopSessionWhileFlatTearsDownImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, 7)

	if err := h.sup.StartSession(ctx, 7, false); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	h.sup.StopSession(ctx, 7, "user_request", false)

	if got := h.sup.ActiveSessions(); len(got) != 0 {
		t.Fatalf("session still active after stop: %v", got)
	}

	raw, ok, _ := h.mem.Get(ctx, cache.SessionKey(7))
	if !ok {
		t.Fatal("session record dropped instead of disabled")
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("bad session record: %v", err)
	}
	if rec.AutotradeEnabled {
		t.Fatal("session record still enabled after stop")
	}

	members, _ := h.mem.SetMembers(ctx, cache.ActiveUsersKey())
	if len(members) != 0 {
		t.Fatalf("user still in active index: %v", members)
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	cases := []struct {
		keys []string
		want bool
	}{
		{[]string{"risk.max_daily_loss"}, true},
		{[]string{"global.leverage"}, true},
		{[]string{"order_amount"}, false},
		{[]string{"averaging_trigger_pct", "enable_stop_loss"}, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := needsRestart(tc.keys); got != tc.want {
			t.Errorf("needsRestart(%v) = %v, want %v", tc.keys, got, tc.want)
		}
	}
}

func TestDailyLossLimitPublishesRiskEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sup.cfg.Risk.MaxDailyLoss = 10
	ctx := context.Background()
	h.seedUser(t, 7)

	if err := h.sup.StartSession(ctx, 7, false); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	tripped := make(chan types.RiskLimitExceeded, 1)
	unsub := h.bus.Subscribe("test", 7, func(evt types.Event) {
		if e, ok := evt.(types.RiskLimitExceeded); ok {
			select {
			case tripped <- e:
			default:
			}
		}
	}, types.EventRiskLimit)
	defer unsub()

	h.sup.recordClosedTrade(7, decimal.RequireFromString("-4"))
	select {
	case e := <-tripped:
		t.Fatalf("limit tripped too early: %v", e)
	default:
	}

	h.sup.recordClosedTrade(7, decimal.RequireFromString("-7"))
	e := <-tripped
	if e.LimitType != "max_daily_loss" || !e.Current.Equal(decimal.RequireFromString("11")) {
		t.Fatalf("unexpected risk event: %+v", e)
	}
	if !h.notes.contains("loss limit") {
		t.Fatal("expected a loss-limit notification")
	}
}

func TestRecoveryRestoresEnabledSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, 7)
	h.seedUser(t, 8)

	// User 7 was trading at shutdown; user 8 had stopped.
	mustMark(t, h.mem, 7, true)
	mustMark(t, h.mem, 8, false)

	rc := NewRecoveryCoordinator(h.sup, h.mem, h.st, h.creds, h.notes, testLogger())
	if err := rc.Run(ctx); err != nil {
		t.Fatalf("recovery.Run: %v", err)
	}

	got := h.sup.ActiveSessions()
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected only user 7 recovered, got %v", got)
	}
	if !h.notes.contains("recovered") {
		t.Fatal("expected a recovery notification")
	}

	// Stale entry for user 8 is pruned from the index.
	members, _ := h.mem.SetMembers(ctx, cache.ActiveUsersKey())
	if len(members) != 1 || members[0] != "7" {
		t.Fatalf("active index not pruned: %v", members)
	}

	// Idempotent: a second run changes nothing.
	if err := rc.Run(ctx); err != nil {
		t.Fatalf("second recovery.Run: %v", err)
	}
	if got := h.sup.ActiveSessions(); len(got) != 1 {
		t.Fatalf("second run duplicated sessions: %v", got)
	}
}

func (h *harness) currentSession(userID int64) *session {
	h.sup.mu.Lock()
	defer h.sup.mu.Unlock()
	return h.sup.sessions[userID]
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDistinctStrategiesGetDistinctInstances(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, 7)
	if err := h.st.SaveUserStrategy(ctx, store.UserStrategy{
		UserID:       7,
		StrategyType: "swing",
		Enabled:      true,
		Watchlist:    `["BTCUSDT"]`,
	}); err != nil {
		t.Fatalf("SaveUserStrategy: %v", err)
	}

	if err := h.sup.StartSession(ctx, 7, false); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	sess := h.currentSession(7)
	if sess == nil {
		t.Fatal("no session for user 7")
	}
	h.sup.mu.Lock()
	defer h.sup.mu.Unlock()
	if len(sess.instances) != 3 {
		t.Fatalf("instances = %d, want 3 (scalping x2 symbols + swing x1)", len(sess.instances))
	}
	for _, key := range []string{
		instanceKey(strategy.TypeScalping, "BTCUSDT", 1),
		instanceKey(strategy.TypeScalping, "ETHUSDT", 1),
		instanceKey("swing", "BTCUSDT", 1),
	} {
		if sess.instances[key] == nil {
			t.Errorf("missing instance slot %q", key)
		}
	}
	if in := sess.instances[instanceKey("swing", "BTCUSDT", 1)]; in != nil && in.StrategyType() != "swing" {
		t.Errorf("swing slot runs strategy %q", in.StrategyType())
	}
}

func TestCriticalSettingsRestartWhileFlat(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, 7)

	if err := h.sup.StartSession(ctx, 7, false); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	before := h.currentSession(7)

	h.sup.applySettings(ctx, 7, []string{"risk.max_daily_loss"})

	after := h.currentSession(7)
	if after == nil {
		t.Fatal("session gone after critical settings change")
	}
	if after == before {
		t.Fatal("session not recycled for critical settings change")
	}
	if got := h.sup.ActiveSessions(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("active sessions after restart: %v", got)
	}

	raw, ok, err := h.mem.Get(ctx, cache.SessionKey(7))
	if err != nil || !ok {
		t.Fatalf("session record missing: %v", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("bad session record: %v", err)
	}
	if !rec.AutotradeEnabled {
		t.Fatal("session record disabled across a restart cycle")
	}
	if h.notes.contains("Trading session stopped") {
		t.Fatal("restart cycle produced a session-stopped notification")
	}
}

func TestCriticalSettingsRestartWaitsForOpenPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, 7)

	if err := h.sup.StartSession(ctx, 7, false); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	before := h.currentSession(7)
	h.sup.mu.Lock()
	target := before.instances[instanceKey(strategy.TypeScalping, "BTCUSDT", 1)]
	h.sup.mu.Unlock()
	if target == nil {
		t.Fatal("no BTCUSDT scalping instance")
	}

	// Put the instance into a position: persist the entry order the way the
	// submit path does, then deliver its fill.
	clientID := "bot1_BTCUSDT_7_seed"
	if _, err := h.st.CreateOrderPending(ctx, types.Order{
		UserID:          7,
		Symbol:          "BTCUSDT",
		AccountPriority: 1,
		Side:            types.Buy,
		OrderType:       types.OrderTypeMarket,
		Purpose:         types.PurposeOpen,
		StrategyType:    strategy.TypeScalping,
		ClientOrderID:   clientID,
		Quantity:        decimal.RequireFromString("2"),
		Leverage:        2,
	}); err != nil {
		t.Fatalf("CreateOrderPending: %v", err)
	}
	if err := h.st.BindExchangeID(ctx, clientID, "ex-100"); err != nil {
		t.Fatalf("BindExchangeID: %v", err)
	}
	if err := h.st.SetNew(ctx, clientID); err != nil {
		t.Fatalf("SetNew: %v", err)
	}
	target.HandleEvent(types.OrderFilled{
		UserID:          7,
		AccountPriority: 1,
		OrderID:         "ex-100",
		Symbol:          "BTCUSDT",
		Side:            types.Buy,
		Qty:             decimal.RequireFromString("2"),
		Price:           decimal.RequireFromString("100"),
		Fee:             decimal.RequireFromString("0.1"),
	})
	if !target.HasActivePosition() {
		t.Fatal("fill did not open a position")
	}

	h.sup.applySettings(ctx, 7, []string{"risk.max_daily_loss"})

	// The positioned instance defers its stop, so the session must survive
	// and stay marked active for boot recovery.
	if got := h.currentSession(7); got != before {
		t.Fatal("session torn down while a position was still open")
	}
	raw, ok, _ := h.mem.Get(ctx, cache.SessionKey(7))
	if !ok {
		t.Fatal("session record missing")
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("bad session record: %v", err)
	}
	if !rec.AutotradeEnabled {
		t.Fatal("session record disabled while restart is pending")
	}

	// Position closes; the deferred stop completes and the restart follows.
	target.HandleEvent(types.PositionClosed{
		UserID:          7,
		Symbol:          "BTCUSDT",
		AccountPriority: 1,
		ClosedManually:  true,
	})
	waitUntil(t, 30*time.Second, func() bool {
		sess := h.currentSession(7)
		return sess != nil && sess != before
	})
	if got := h.sup.ActiveSessions(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("active sessions after deferred restart: %v", got)
	}
	if h.notes.contains("restart after settings change failed") {
		t.Fatal("deferred restart reported failure")
	}
}

func mustMark(t *testing.T, c cache.Cache, userID int64, enabled bool) {
	t.Helper()
	ctx := context.Background()
	data, err := json.Marshal(sessionRecord{AutotradeEnabled: enabled})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, cache.SessionKey(userID), string(data), cache.SessionTTL); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAdd(ctx, cache.ActiveUsersKey(), strconv.FormatInt(userID, 10)); err != nil {
		t.Fatal(err)
	}
}
