// Scalper engine — a multi-user algorithmic futures scalping engine for
// USDT-margined linear perpetuals.
//
// Architecture:
//
//	main.go                    — entry point: config, logging, wiring, signal handling
//	engine/supervisor.go       — per-user sessions: spawn/stop strategies, settings, risk limits
//	engine/recovery.go         — restart recovery: rebuild sessions from cache + ledger + exchange
//	strategy/instance.go       — per-(user, symbol, account) state machine: entries, averaging, exits
//	strategy/spike.go          — 1-minute spike detector advising entries
//	signals/momentum.go        — baseline signal analyzer
//	marketdata/hub.go          — shared public stream: trades + klines fanned out over the bus
//	accountfeed/feed.go        — per-account private stream: order/position events, reconnect sync
//	exchange/client.go         — signed REST client (orders, positions, leverage, trading stop)
//	store/store.go             — sqlite ledger: orders, trades, credentials, stats
//	cache/                     — redis-backed snapshots, session records, candle cache
//	creds/                     — AES-256-GCM encrypted API key storage
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"scalper-engine/internal/bus"
	"scalper-engine/internal/cache"
	"scalper-engine/internal/config"
	"scalper-engine/internal/creds"
	"scalper-engine/internal/engine"
	"scalper-engine/internal/exchange"
	"scalper-engine/internal/marketdata"
	"scalper-engine/internal/notify"
	"scalper-engine/internal/signals"
	"scalper-engine/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SCALPER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("failed to open ledger", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer st.Close()

	var cacheImpl cache.Cache
	if cfg.Cache.Addr != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err, "addr", cfg.Cache.Addr)
			os.Exit(1)
		}
		cacheImpl = redisCache
	} else {
		logger.Warn("no cache address configured, snapshots will not survive restarts")
		cacheImpl = cache.NewMemory()
	}
	defer cacheImpl.Close()

	credsMgr, err := creds.NewManager(cfg.Security.MasterKey, st)
	if err != nil {
		logger.Error("failed to initialize credential manager", "error", err)
		os.Exit(1)
	}

	public := exchange.NewPublicClient(cfg.Exchange, logger)
	instruments := exchange.NewInstrumentCache(public.GetInstruments, logger)

	b := bus.New(logger)
	defer b.Close()

	hub := marketdata.NewHub(cfg.Exchange.WSPublicURL, b, logger)
	hub.AttachCache(cacheImpl)
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market data hub terminated", "error", err)
		}
	}()

	notifier := notify.New(&logSender{logger: logger}, st, logger)

	sup := engine.NewSupervisor(engine.SupervisorParams{
		Config:      cfg,
		Store:       st,
		Cache:       cacheImpl,
		Bus:         b,
		Hub:         hub,
		Creds:       credsMgr,
		Instruments: instruments,
		Notifier:    notifier,
		Analyzer:    signals.NewMomentum(),
		Logger:      logger,
	})
	unsubscribe := sup.Start()
	defer unsubscribe()

	recovery := engine.NewRecoveryCoordinator(sup, cacheImpl, st, credsMgr, notifier, logger)
	if err := recovery.Run(ctx); err != nil {
		logger.Error("session recovery failed", "error", err)
	}

	logger.Info("scalper engine started",
		"demo", cfg.Exchange.Demo,
		"watchlist", cfg.Engine.Watchlist,
		"analysis_interval", cfg.Engine.AnalysisInterval,
		"sessions", len(sup.ActiveSessions()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Sessions keep their cached records, so the next boot recovers them.
	sup.Shutdown()
	hub.Close()
	cancel()
}

// logSender is the default notification sink when no messenger surface is
// attached: messages land in the log and in the notifications table.
type logSender struct {
	logger *slog.Logger
}

func (s *logSender) SendMessage(_ context.Context, userID int64, text, _ string) error {
	s.logger.Info("notification", "user", userID, "text", text)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
