package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"scalper-engine/internal/cache"
	"scalper-engine/internal/creds"
	"scalper-engine/internal/store"
	"scalper-engine/internal/strategy"
)

// RecoveryCoordinator rebuilds sessions after an engine restart. It runs once
// at startup, after all shared dependencies are initialized, and is
// idempotent: a second run finds every session already present and does
// nothing.
type RecoveryCoordinator struct {
	sup      *Supervisor
	cache    cache.Cache
	store    *store.Store
	creds    *creds.Manager
	notifier strategy.Notifier
	logger   *slog.Logger
}

func NewRecoveryCoordinator(sup *Supervisor, c cache.Cache, st *store.Store, cm *creds.Manager, n strategy.Notifier, logger *slog.Logger) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		sup:      sup,
		cache:    c,
		store:    st,
		creds:    cm,
		notifier: n,
		logger:   logger.With("component", "recovery"),
	}
}

// Run enumerates users whose cached session record is still marked enabled
// and restarts their sessions in recovery mode. Each strategy instance then
// reconciles its snapshot, the order ledger, and live exchange state.
func (r *RecoveryCoordinator) Run(ctx context.Context) error {
	members, err := r.cache.SetMembers(ctx, cache.ActiveUsersKey())
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}
	if len(members) == 0 {
		r.logger.Info("no sessions to recover")
		return nil
	}

	var recovered, skipped int
	for _, member := range members {
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			r.logger.Warn("bad active-user entry, dropping", "entry", member)
			r.cache.SetRemove(ctx, cache.ActiveUsersKey(), member)
			continue
		}
		if !r.sessionEnabled(ctx, userID) {
			r.cache.SetRemove(ctx, cache.ActiveUsersKey(), member)
			skipped++
			continue
		}

		priorities, err := r.creds.AccountPriorities(ctx, userID, ExchangeName)
		if err != nil || len(priorities) == 0 {
			r.logger.Warn("skipping recovery, no usable credentials", "user", userID, "error", err)
			skipped++
			continue
		}

		if err := r.sup.StartSession(ctx, userID, true); err != nil {
			r.logger.Error("session recovery failed", "user", userID, "error", err)
			skipped++
			continue
		}
		recovered++
		r.notifyUser(ctx, userID)
	}

	r.logger.Info("recovery complete", "recovered", recovered, "skipped", skipped)
	return nil
}

// sessionEnabled reads the cached session record; a missing or unreadable
// record counts as disabled.
func (r *RecoveryCoordinator) sessionEnabled(ctx context.Context, userID int64) bool {
	raw, ok, err := r.cache.Get(ctx, cache.SessionKey(userID))
	if err != nil || !ok {
		return false
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false
	}
	return rec.AutotradeEnabled
}

func (r *RecoveryCoordinator) notifyUser(ctx context.Context, userID int64) {
	open, err := r.store.GetAllOpenPositions(ctx, userID)
	if err != nil {
		r.logger.Warn("open-position summary failed", "user", userID, "error", err)
	}
	if len(open) > 0 {
		r.notifier.Notify(userID, fmt.Sprintf(
			"Trading session recovered after restart; resumed %d open position(s).", len(open)), "")
		return
	}
	r.notifier.Notify(userID, "Trading session recovered after restart.", "")
}
