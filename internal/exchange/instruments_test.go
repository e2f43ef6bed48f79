package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"scalper-engine/pkg/types"
)

func stubInstruments() map[string]types.Instrument {
	return map[string]types.Instrument{
		"BTCUSDT": {
			Symbol:      "BTCUSDT",
			TickSize:    decimal.RequireFromString("0.1"),
			QtyStep:     decimal.RequireFromString("0.001"),
			MinOrderQty: decimal.RequireFromString("0.001"),
			Status:      "Trading",
		},
	}
}

func TestInstrumentCacheGet(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	cache := NewInstrumentCache(func(context.Context) (map[string]types.Instrument, error) {
		fetches.Add(1)
		return stubInstruments(), nil
	}, testLogger())

	inst, err := cache.Get(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst == nil {
		t.Fatal("Get returned nil for known symbol")
	}
	if !inst.QtyStep.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("QtyStep = %s", inst.QtyStep)
	}

	// Second hit within TTL must not refetch.
	if _, err := cache.Get(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestInstrumentCacheUnknownSymbol(t *testing.T) {
	t.Parallel()

	cache := NewInstrumentCache(func(context.Context) (map[string]types.Instrument, error) {
		return stubInstruments(), nil
	}, testLogger())

	inst, err := cache.Get(context.Background(), "NOPEUSDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst != nil {
		t.Errorf("expected nil for unlisted symbol, got %+v", inst)
	}
}

func TestInstrumentCacheRefreshesOnSymbolMiss(t *testing.T) {
	t.Parallel()

	// The symbol lists between the first and second fetch; a miss on a fresh
	// set must refresh early instead of waiting out the TTL.
	var fetches atomic.Int32
	cache := NewInstrumentCache(func(context.Context) (map[string]types.Instrument, error) {
		m := stubInstruments()
		if fetches.Add(1) > 1 {
			m["SOLUSDT"] = types.Instrument{
				Symbol:      "SOLUSDT",
				TickSize:    decimal.RequireFromString("0.01"),
				QtyStep:     decimal.RequireFromString("0.1"),
				MinOrderQty: decimal.RequireFromString("0.1"),
				Status:      "Trading",
			}
		}
		return m, nil
	}, testLogger())

	if _, err := cache.Get(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	inst, err := cache.Get(context.Background(), "SOLUSDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst == nil {
		t.Fatal("newly listed symbol not served after miss-triggered refresh")
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestInstrumentCacheSpacesRepeatedMisses(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	cache := NewInstrumentCache(func(context.Context) (map[string]types.Instrument, error) {
		fetches.Add(1)
		return stubInstruments(), nil
	}, testLogger())

	if _, err := cache.Get(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// First miss forces one early refresh; repeated misses inside the
	// spacing window must not fetch again.
	for i := 0; i < 3; i++ {
		inst, err := cache.Get(context.Background(), "NOPEUSDT")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if inst != nil {
			t.Fatalf("expected nil for unlisted symbol, got %+v", inst)
		}
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2 (one warm fill, one miss refresh)", n)
	}
}

func TestInstrumentCacheCoalescesConcurrentFills(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	cache := NewInstrumentCache(func(context.Context) (map[string]types.Instrument, error) {
		fetches.Add(1)
		return stubInstruments(), nil
	}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), "BTCUSDT"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("concurrent fills ran %d fetches, want 1", n)
	}
}
