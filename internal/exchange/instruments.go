package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scalper-engine/pkg/types"
)

// instrumentTTL is how long a fetched instrument set stays fresh.
const instrumentTTL = 300 * time.Second

// missRefreshSpacing bounds how often a miss on a fresh set may force an
// early refresh, so a watchlist entry the exchange does not list cannot
// hammer the instruments endpoint.
const missRefreshSpacing = 10 * time.Second

// InstrumentCache is the process-wide symbol metadata cache. One instance is
// shared by every client; concurrent refreshes coalesce behind the mutex
// with a double-check, so the paginated fetch runs at most once per TTL.
type InstrumentCache struct {
	mu         sync.Mutex
	fetch      func(ctx context.Context) (map[string]types.Instrument, error)
	bySymbol   map[string]types.Instrument
	fetchedAt  time.Time
	lastMissAt time.Time
	ttl        time.Duration
	logger     *slog.Logger
}

// NewInstrumentCache creates the cache around a fetch function, normally the
// public client's GetInstruments.
func NewInstrumentCache(fetch func(ctx context.Context) (map[string]types.Instrument, error), logger *slog.Logger) *InstrumentCache {
	return &InstrumentCache{
		fetch:  fetch,
		ttl:    instrumentTTL,
		logger: logger.With("component", "instruments"),
	}
}

// Get returns the instrument for a symbol, refreshing the cache when the TTL
// has lapsed or the symbol is absent, so a newly listed symbol is usable
// without waiting out the TTL. Returns nil for symbols the exchange does not
// list even after a refresh. Callers must not mutate the result.
func (c *InstrumentCache) Get(ctx context.Context, symbol string) (*types.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Recheck freshness after acquiring the lock: another caller may have
	// refreshed while we waited.
	if c.bySymbol != nil && time.Since(c.fetchedAt) < c.ttl {
		if inst, ok := c.bySymbol[symbol]; ok {
			return &inst, nil
		}
		// Absent from a fresh set: it may have listed since the last fetch.
		// Refresh early, spaced so repeated misses coalesce.
		if time.Since(c.lastMissAt) < missRefreshSpacing {
			return nil, nil
		}
	}

	if err := c.refreshLocked(ctx); err != nil {
		// Serve stale data over failing hard, if we have any.
		if inst, ok := c.bySymbol[symbol]; ok {
			c.logger.Warn("instrument refresh failed, serving stale", "error", err)
			return &inst, nil
		}
		return nil, err
	}
	if inst, ok := c.bySymbol[symbol]; ok {
		return &inst, nil
	}
	c.lastMissAt = time.Now()
	return nil, nil
}

func (c *InstrumentCache) refreshLocked(ctx context.Context) error {
	instruments, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.bySymbol = instruments
	c.fetchedAt = time.Now()
	c.logger.Debug("instruments refreshed", "count", len(instruments))
	return nil
}
