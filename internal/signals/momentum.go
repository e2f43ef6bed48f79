// Package signals provides the built-in signal analyzer. Indicator-heavy
// analysis (EMA/RSI/ATR stacks) is expected to plug in behind the same
// interface; the momentum analyzer here is the engine's baseline.
package signals

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"scalper-engine/internal/strategy"
	"scalper-engine/pkg/types"
)

// momentumWindow is how many consecutive closes must agree before the
// analyzer commits to a direction.
const momentumWindow = 3

// Momentum votes LONG when the last closes rise monotonically, SHORT when
// they fall, HOLD otherwise. It accumulates its own history from the candles
// it is asked to analyze, so it needs no warm-up feed.
type Momentum struct {
	mu     sync.Mutex
	closes map[string][]decimal.Decimal
}

func NewMomentum() *Momentum {
	return &Momentum{closes: make(map[string][]decimal.Decimal)}
}

func (m *Momentum) Analyze(_ context.Context, symbol string, candle types.Candle) (strategy.SignalDirection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.closes[symbol], candle.Close)
	if len(history) > momentumWindow+1 {
		history = history[len(history)-momentumWindow-1:]
	}
	m.closes[symbol] = history

	if len(history) < momentumWindow+1 {
		return strategy.SignalHold, nil
	}

	rising, falling := true, true
	for i := 1; i < len(history); i++ {
		if !history[i].GreaterThan(history[i-1]) {
			rising = false
		}
		if !history[i].LessThan(history[i-1]) {
			falling = false
		}
	}
	switch {
	case rising:
		return strategy.SignalLong, nil
	case falling:
		return strategy.SignalShort, nil
	}
	return strategy.SignalHold, nil
}
