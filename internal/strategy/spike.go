package strategy

import (
	"sync"

	"github.com/shopspring/decimal"

	"scalper-engine/pkg/types"
)

const (
	spikeHistory = 30 // 1-minute closes kept
	spikeWindow  = 5  // closes compared for the move
)

// spikeThresholdPct is the 5-minute move that counts as a spike; twice that
// is treated as too violent to trade at all.
var spikeThresholdPct = decimal.RequireFromString("1.5")

// SpikeDetector buffers recent 1-minute closes and advises on proposed
// entries. Entering in the direction of a fresh spike chases an exhausted
// move, so the detector flips such signals toward the expected pullback; an
// extreme move vetoes entry entirely.
type SpikeDetector struct {
	mu     sync.Mutex
	closes []decimal.Decimal
}

func NewSpikeDetector() *SpikeDetector {
	return &SpikeDetector{}
}

// Record appends a 1-minute close, trimming history to the bound.
func (d *SpikeDetector) Record(close decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes = append(d.closes, close)
	if len(d.closes) > spikeHistory {
		d.closes = d.closes[len(d.closes)-spikeHistory:]
	}
}

// Advise evaluates a proposed entry direction. It returns whether to enter,
// the (possibly flipped) direction to use, and a reason string for logging.
func (d *SpikeDetector) Advise(proposed types.Direction) (bool, types.Direction, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.closes) < spikeWindow {
		return true, proposed, "insufficient history"
	}

	window := d.closes[len(d.closes)-spikeWindow:]
	first, last := window[0], window[len(window)-1]
	if first.IsZero() {
		return true, proposed, "no reference price"
	}
	changePct := last.Sub(first).Div(first).Mul(decimal.NewFromInt(100))

	abs := changePct.Abs()
	if abs.LessThan(spikeThresholdPct) {
		return true, proposed, "no spike"
	}
	if abs.GreaterThanOrEqual(spikeThresholdPct.Mul(decimal.NewFromInt(2))) {
		return false, proposed, "extreme move, waiting"
	}

	spikeDir := types.Long
	if changePct.IsNegative() {
		spikeDir = types.Short
	}
	if proposed == spikeDir {
		return true, oppositeDirection(proposed), "spike exhaustion, reversing signal"
	}
	return true, proposed, "entering against spike"
}

func oppositeDirection(d types.Direction) types.Direction {
	if d == types.Long {
		return types.Short
	}
	return types.Long
}
