// Package engine ties the trading components into per-user sessions: the
// supervisor spawns and stops strategy instances, propagates settings,
// enforces risk limits, and the recovery coordinator rebuilds sessions after
// a restart.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalper-engine/internal/accountfeed"
	"scalper-engine/internal/bus"
	"scalper-engine/internal/cache"
	"scalper-engine/internal/config"
	"scalper-engine/internal/creds"
	"scalper-engine/internal/exchange"
	"scalper-engine/internal/marketdata"
	"scalper-engine/internal/store"
	"scalper-engine/internal/strategy"
	"scalper-engine/pkg/types"
)

// ExchangeName is the venue identifier credential rows are stored under.
const ExchangeName = "bybit"

// sessionRecord is the cached per-user session document. autotrade_enabled
// survives restarts so recovery knows which sessions to rebuild.
type sessionRecord struct {
	AutotradeEnabled bool      `json:"autotrade_enabled"`
	StartedAt        time.Time `json:"started_at"`
}

// session is one user's running trading context: one account feed and one
// exchange client per credentialed account, one strategy instance per
// (strategy, symbol, account).
type session struct {
	userID      int64
	cancel      context.CancelFunc
	feeds       []*accountfeed.Feed
	instances   map[string]*strategy.Instance
	unsubscribe func()

	// restartPending marks a session being recycled for critical settings:
	// teardown must restart it instead of finishing the stop.
	restartPending bool

	lossDate  string // UTC day the loss counter covers
	dailyLoss decimal.Decimal
}

func (s *session) allStopped() bool {
	for _, in := range s.instances {
		if !in.Stopped() {
			return false
		}
	}
	return true
}

// Supervisor owns the session table. All mutation of the table happens under
// mu; per-instance state is the instances' own concern.
type Supervisor struct {
	cfg         *config.Config
	store       *store.Store
	cache       cache.Cache
	bus         *bus.Bus
	hub         *marketdata.Hub
	creds       *creds.Manager
	instruments *exchange.InstrumentCache
	notifier    strategy.Notifier
	analyzer    strategy.SignalAnalyzer
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

// SupervisorParams wires a Supervisor.
type SupervisorParams struct {
	Config      *config.Config
	Store       *store.Store
	Cache       cache.Cache
	Bus         *bus.Bus
	Hub         *marketdata.Hub
	Creds       *creds.Manager
	Instruments *exchange.InstrumentCache
	Notifier    strategy.Notifier
	Analyzer    strategy.SignalAnalyzer
	Logger      *slog.Logger
}

func NewSupervisor(p SupervisorParams) *Supervisor {
	return &Supervisor{
		cfg:         p.Config,
		store:       p.Store,
		cache:       p.Cache,
		bus:         p.Bus,
		hub:         p.Hub,
		creds:       p.Creds,
		instruments: p.Instruments,
		notifier:    p.Notifier,
		analyzer:    p.Analyzer,
		sessions:    make(map[int64]*session),
		logger:      p.Logger.With("component", "supervisor"),
	}
}

// Start subscribes the supervisor to session control events. The returned
// function unsubscribes.
func (s *Supervisor) Start() func() {
	return s.bus.Subscribe("supervisor", 0, s.handleEvent,
		types.EventSessionStart,
		types.EventSessionStop,
		types.EventSettingsChanged,
		types.EventRiskLimit,
	)
}

func (s *Supervisor) handleEvent(evt types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch e := evt.(type) {
	case types.SessionStartRequested:
		if err := s.StartSession(ctx, e.UserID, false); err != nil {
			s.logger.Error("session start failed", "user", e.UserID, "error", err)
		}
	case types.SessionStopRequested:
		s.StopSession(ctx, e.UserID, e.Reason, e.ClosePositions)
	case types.SettingsChanged:
		s.applySettings(ctx, e.UserID, e.ChangedKeys)
	case types.RiskLimitExceeded:
		s.logger.Warn("risk limit tripped, stopping session",
			"user", e.UserID, "limit", e.LimitType,
			"current", e.Current.String(), "max", e.Limit.String())
		s.StopSession(ctx, e.UserID, "risk_limit", s.cfg.Engine.ClosePositionsOnStop)
	}
}

// StartSession builds the user's trading context. Idempotent: an existing
// session is left untouched. With recovering set, strategy instances
// reconcile cached and exchange state before going live.
func (s *Supervisor) StartSession(ctx context.Context, userID int64, recovering bool) error {
	s.mu.Lock()
	if _, exists := s.sessions[userID]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.store.UpsertUser(ctx, userID); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	priorities, err := s.creds.AccountPriorities(ctx, userID, ExchangeName)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	if len(priorities) == 0 {
		s.notifier.Notify(userID, "No exchange accounts configured; add API keys before starting.", "")
		return fmt.Errorf("user %d has no credentials", userID)
	}

	plans, err := s.strategyPlans(ctx, userID)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		s.notifier.Notify(userID, "No enabled strategies with a watchlist; nothing to start.", "")
		return fmt.Errorf("user %d has no enabled strategies", userID)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		userID:    userID,
		cancel:    cancel,
		instances: make(map[string]*strategy.Instance),
	}

	clients := make(map[int]*exchange.Client, len(priorities))
	for _, priority := range priorities {
		apiKey, apiSecret, err := s.creds.GetAPIKeys(ctx, userID, ExchangeName, priority)
		if err != nil {
			cancel()
			return fmt.Errorf("credentials for account %d: %w", priority, err)
		}
		cred := exchange.Credentials{APIKey: apiKey, APISecret: apiSecret}
		client := exchange.NewClient(s.cfg.Exchange, cred, s.instruments, userID, priority, s.logger)
		clients[priority] = client

		feed := accountfeed.New(
			s.cfg.Exchange.PrivateWSURL(),
			userID, priority,
			exchange.NewAuth(cred, s.cfg.Exchange.RecvWindowMS),
			client, s.store, s.bus, s.logger,
		)
		sess.feeds = append(sess.feeds, feed)
	}

	for _, plan := range plans {
		for _, symbol := range plan.watchlist {
			for _, priority := range priorities {
				in := strategy.New(strategy.Params{
					UserID:           userID,
					Symbol:           symbol,
					AccountPriority:  priority,
					StrategyType:     plan.strategyType,
					Config:           plan.config,
					Analyzer:         s.analyzer,
					Exchange:         clients[priority],
					Store:            s.store,
					Cache:            s.cache,
					Bus:              s.bus,
					Prices:           s.hub,
					Notifier:         s.notifier,
					Logger:           s.logger,
					AnalysisInterval: s.cfg.Engine.AnalysisInterval,
					CloseCooldown:    s.cfg.Engine.CooldownAfterClose,
					ReversalCooldown: s.cfg.Engine.CooldownAfterReverse,
					OnTradeClosed:    s.recordClosedTrade,
					OnStopped:        func() { s.instanceStopped(userID) },
				})
				sess.instances[instanceKey(plan.strategyType, symbol, priority)] = in
			}
		}
	}

	if recovering {
		for key, in := range sess.instances {
			if err := in.Recover(ctx); err != nil {
				s.logger.Error("recovery failed", "user", userID, "slot", key, "error", err)
			}
		}
	}

	// One bus subscription fans events out to every instance; the instances
	// filter by symbol and account themselves.
	unsub := s.bus.Subscribe(fmt.Sprintf("session-%d", userID), userID, func(evt types.Event) {
		for _, in := range sess.instances {
			in.HandleEvent(evt)
		}
	},
		types.EventPriceUpdate,
		types.EventNewCandle,
		types.EventOrderFilled,
		types.EventOrderUpdate,
		types.EventPositionUpdate,
		types.EventPositionClosed,
	)
	sess.unsubscribe = unsub

	for _, feed := range sess.feeds {
		f := feed
		go func() {
			if err := f.Run(sctx); err != nil && sctx.Err() == nil {
				s.logger.Error("account feed terminated", "user", userID, "error", err)
			}
		}()
	}

	// Analysis candles flow regardless of open positions, so every traded
	// symbol needs a market-data subscription for the session's lifetime.
	for _, plan := range plans {
		for _, symbol := range plan.watchlist {
			s.hub.Subscribe(symbol, userID)
		}
	}

	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()

	s.markSession(ctx, userID, true)
	s.logger.Info("session started",
		"user", userID, "accounts", len(priorities), "instances", len(sess.instances), "recovered", recovering)
	return nil
}

// strategyPlan is one enabled strategy with its effective config and symbols.
type strategyPlan struct {
	strategyType string
	config       types.StrategyConfig
	watchlist    []string
}

// strategyPlans resolves the user's enabled strategies, falling back to the
// engine-wide defaults when a row omits config or watchlist.
func (s *Supervisor) strategyPlans(ctx context.Context, userID int64) ([]strategyPlan, error) {
	rows, err := s.store.GetUserStrategies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}

	var plans []strategyPlan
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		plan := strategyPlan{
			strategyType: row.StrategyType,
			config:       s.cfg.Strategy,
			watchlist:    s.cfg.Engine.Watchlist,
		}
		if row.Config != "" {
			var cfg types.StrategyConfig
			if err := json.Unmarshal([]byte(row.Config), &cfg); err != nil {
				s.logger.Warn("bad strategy config row, using defaults", "user", userID, "error", err)
			} else {
				plan.config = cfg
			}
		}
		if row.Watchlist != "" {
			var symbols []string
			if err := json.Unmarshal([]byte(row.Watchlist), &symbols); err != nil {
				s.logger.Warn("bad watchlist row, using defaults", "user", userID, "error", err)
			} else if len(symbols) > 0 {
				plan.watchlist = symbols
			}
		}
		if len(plan.watchlist) == 0 {
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// StopSession stops every strategy in the session. Instances holding a
// position defer their stop until it closes; teardown happens once the last
// instance reports stopped.
func (s *Supervisor) StopSession(ctx context.Context, userID int64, reason string, closePositions bool) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	restarting := ok && sess.restartPending
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Info("session stop requested",
		"user", userID, "reason", reason, "close_positions", closePositions)
	// A pending restart keeps the session marked active: the user has not
	// left, and boot recovery must still rebuild them if we crash mid-cycle.
	if !restarting {
		s.markSession(ctx, userID, false)
	}

	for _, in := range sess.instances {
		in.RequestStop(closePositions)
	}
	s.instanceStopped(userID)
}

// instanceStopped runs after any instance terminates and tears the session
// down once all of them have. A session recycled for critical settings is
// started again right here, since positioned instances may have deferred
// their stop far past the settings edit.
func (s *Supervisor) instanceStopped(userID int64) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok || !sess.allStopped() {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, userID)
	restart := sess.restartPending
	s.mu.Unlock()

	s.teardown(sess)
	s.logger.Info("session terminated", "user", userID, "restart_pending", restart)

	if restart {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.StartSession(ctx, userID, true); err != nil {
			s.logger.Error("session restart failed", "user", userID, "error", err)
			s.markSession(ctx, userID, false)
			s.notifier.Notify(userID, "Session restart after settings change failed; trading stopped.", "")
		}
		return
	}
	s.notifier.Notify(userID, "Trading session stopped.", "")
}

func (s *Supervisor) teardown(sess *session) {
	if sess.unsubscribe != nil {
		sess.unsubscribe()
	}
	sess.cancel()
	for _, feed := range sess.feeds {
		feed.Close()
	}
	for key := range sess.instances {
		_, symbol, _ := splitInstanceKey(key)
		s.hub.Unsubscribe(symbol, sess.userID)
	}
}

// applySettings propagates edited settings. Risk and global keys force a
// session restart; strategy parameters reach running instances in place and
// take effect on the next entry (frozen in-trade copies are never touched).
func (s *Supervisor) applySettings(ctx context.Context, userID int64, changedKeys []string) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if needsRestart(changedKeys) {
		s.logger.Info("critical settings changed, restarting session", "user", userID, "keys", changedKeys)
		s.mu.Lock()
		sess.restartPending = true
		s.mu.Unlock()
		// Instances holding a position defer their stop; instanceStopped
		// performs the restart once the last one reports in.
		s.StopSession(ctx, userID, "settings_restart", false)
		return
	}

	plans, err := s.strategyPlans(ctx, userID)
	if err != nil || len(plans) == 0 {
		s.logger.Error("settings reload failed", "user", userID, "error", err)
		return
	}
	byType := make(map[string]types.StrategyConfig, len(plans))
	for _, plan := range plans {
		byType[plan.strategyType] = plan.config
	}
	for _, in := range sess.instances {
		if cfg, ok := byType[in.StrategyType()]; ok {
			in.UpdateConfig(cfg)
		}
	}
	s.logger.Info("settings propagated", "user", userID, "keys", changedKeys)
}

func needsRestart(keys []string) bool {
	for _, k := range keys {
		switch {
		case len(k) >= 5 && k[:5] == "risk.":
			return true
		case len(k) >= 7 && k[:7] == "global.":
			return true
		}
	}
	return false
}

// recordClosedTrade feeds the daily-loss monitor. Profits do not offset the
// loss counter; the limit bounds gross realized losses per UTC day.
func (s *Supervisor) recordClosedTrade(userID int64, pnl decimal.Decimal) {
	if s.cfg.Risk.MaxDailyLoss <= 0 || !pnl.IsNegative() {
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	today := time.Now().UTC().Format("2006-01-02")
	if sess.lossDate != today {
		sess.lossDate = today
		sess.dailyLoss = decimal.Zero
	}
	sess.dailyLoss = sess.dailyLoss.Add(pnl.Neg())
	loss := sess.dailyLoss
	s.mu.Unlock()

	limit := decimal.NewFromFloat(s.cfg.Risk.MaxDailyLoss)
	if loss.LessThan(limit) {
		return
	}
	s.notifier.Notify(userID, fmt.Sprintf(
		"Daily loss limit reached (%s of %s). Trading stopped for today.",
		loss.StringFixed(2), limit.StringFixed(2)), "")
	s.bus.Publish(types.RiskLimitExceeded{
		UserID:    userID,
		LimitType: "max_daily_loss",
		Current:   loss,
		Limit:     limit,
		Action:    "stop_session",
	})
}

// ActiveSessions returns the ids of users with a running session.
func (s *Supervisor) ActiveSessions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Shutdown stops all sessions without disabling their cached records, so a
// restart recovers them.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[int64]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.teardown(sess)
	}
	s.logger.Info("all sessions shut down", "count", len(sessions))
}

// markSession writes the session record and maintains the active-user index.
func (s *Supervisor) markSession(ctx context.Context, userID int64, enabled bool) {
	rec := sessionRecord{AutotradeEnabled: enabled, StartedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.SessionKey(userID), string(data), cache.SessionTTL); err != nil {
		s.logger.Warn("session record write failed", "user", userID, "error", err)
	}
	member := strconv.FormatInt(userID, 10)
	if enabled {
		err = s.cache.SetAdd(ctx, cache.ActiveUsersKey(), member)
	} else {
		err = s.cache.SetRemove(ctx, cache.ActiveUsersKey(), member)
	}
	if err != nil {
		s.logger.Warn("active-user index update failed", "user", userID, "error", err)
	}
}

// instanceKey identifies one instance slot. The strategy type is part of the
// key so strategies sharing a symbol keep distinct instances.
func instanceKey(strategyType, symbol string, priority int) string {
	return strategyType + "#" + symbol + "#" + strconv.Itoa(priority)
}

func splitInstanceKey(key string) (strategyType, symbol, priority string) {
	parts := strings.SplitN(key, "#", 3)
	if len(parts) != 3 {
		return key, "", ""
	}
	return parts[0], parts[1], parts[2]
}
