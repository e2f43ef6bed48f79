// Package cache is the namespaced ephemeral state layer: strategy snapshots,
// session metadata, and short-lived candle history. The engine uses it for
// anything that should survive a process restart but not forever.
package cache

import (
	"context"
	"strconv"
	"time"
)

// TTLs and key namespaces used by the engine.
const (
	SnapshotTTL = 7 * 24 * time.Hour
	SessionTTL  = 30 * 24 * time.Hour
	CandleTTL   = 60 * time.Second

	keySnapshot    = "scalper:snapshot:"
	keySession     = "scalper:session:"
	keyCandles     = "scalper:candles:"
	keyActiveUsers = "scalper:active_users"
)

// Cache is the namespaced string-keyed store with TTLs. Implementations must
// be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// PushTrim atomically prepends to a list, trims it to maxLen entries and
	// refreshes the TTL.
	PushTrim(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error
	List(ctx context.Context, key string) ([]string, error)

	// SetAdd / SetRemove / SetMembers maintain unordered string sets, used
	// for the active-user index.
	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Close() error
}

// SnapshotKey keys a strategy snapshot by (user, symbol, strategy type).
func SnapshotKey(userID int64, symbol, strategyType string) string {
	return keySnapshot + itoa(userID) + ":" + symbol + ":" + strategyType
}

// SessionKey keys per-user session metadata.
func SessionKey(userID int64) string {
	return keySession + itoa(userID)
}

// CandleKey keys the short-lived per-symbol candle list.
func CandleKey(symbol string, interval string) string {
	return keyCandles + symbol + ":" + interval
}

// ActiveUsersKey is the set of users with a running session.
func ActiveUsersKey() string {
	return keyActiveUsers
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
