package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"scalper-engine/internal/cache"
	"scalper-engine/pkg/types"
)

// snapshot is the cached mirror of an instance's state, written after every
// material change so a restart can resume mid-position.
type snapshot struct {
	Active             bool                 `json:"active"`
	Direction          types.Direction      `json:"direction,omitempty"`
	InitialEntryPrice  decimal.Decimal      `json:"entry_price"`
	InitialSize        decimal.Decimal      `json:"position_size"`
	AverageEntryPrice  decimal.Decimal      `json:"average_entry_price"`
	TotalSize          decimal.Decimal      `json:"total_size"`
	AveragingCount     int                  `json:"averaging_count"`
	InitialMargin      decimal.Decimal      `json:"initial_margin"`
	CurrentTotalMargin decimal.Decimal      `json:"current_total_margin"`
	AccumulatedFees    decimal.Decimal      `json:"accumulated_fees"`
	PeakUnrealizedPnL  decimal.Decimal      `json:"peak_unrealized_pnl"`
	StopLossPrice      decimal.Decimal      `json:"stop_loss_price"`
	UseBreakevenExit   bool                 `json:"use_breakeven_exit"`
	StagnationActive   bool                 `json:"stagnation_active"`
	StagnationSince    time.Time            `json:"stagnation_since,omitempty"`
	ProcessedOrders    []string             `json:"processed_orders"`
	ActiveTradeDBID    int64                `json:"active_trade_db_id"`
	FrozenConfig       types.StrategyConfig `json:"frozen_config"`
	Stats              instanceStats        `json:"stats"`
	SavedAt            time.Time            `json:"saved_at"`
}

// saveSnapshot persists current state. Called with the instance lock held;
// failures are logged, never fatal.
func (in *Instance) saveSnapshot(ctx context.Context) {
	snap := snapshot{
		Active:             in.pos.Active,
		Direction:          in.pos.Direction,
		InitialEntryPrice:  in.pos.InitialEntryPrice,
		InitialSize:        in.pos.InitialSize,
		AverageEntryPrice:  in.pos.AverageEntryPrice,
		TotalSize:          in.pos.TotalSize,
		AveragingCount:     in.pos.AveragingCount,
		InitialMargin:      in.pos.InitialMargin,
		CurrentTotalMargin: in.pos.CurrentTotalMargin,
		AccumulatedFees:    in.pos.AccumulatedFees,
		PeakUnrealizedPnL:  in.pos.PeakUnrealizedPnL,
		StopLossPrice:      in.pos.StopLossPrice,
		UseBreakevenExit:   in.pos.UseBreakevenExit,
		StagnationActive:   in.stagnationActive,
		StagnationSince:    in.stagnationSince,
		ActiveTradeDBID:    in.activeTradeID,
		FrozenConfig:       in.frozen,
		Stats:              in.stats,
		SavedAt:            time.Now().UTC(),
	}
	for id := range in.processed {
		snap.ProcessedOrders = append(snap.ProcessedOrders, id)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		in.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	key := cache.SnapshotKey(in.userID, in.symbol, in.strategyType)
	if err := in.cache.Set(ctx, key, string(data), cache.SnapshotTTL); err != nil {
		in.logger.Warn("snapshot write failed", "error", err)
	}
}

// loadSnapshot reads the cached snapshot, or nil when absent.
func (in *Instance) loadSnapshot(ctx context.Context) (*snapshot, error) {
	key := cache.SnapshotKey(in.userID, in.symbol, in.strategyType)
	raw, ok, err := in.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("snapshot read: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return &snap, nil
}

// applySnapshot injects cached state. Called with the lock held.
func (in *Instance) applySnapshot(snap *snapshot) {
	in.pos = positionState{
		Active:             snap.Active,
		Direction:          snap.Direction,
		InitialEntryPrice:  snap.InitialEntryPrice,
		InitialSize:        snap.InitialSize,
		AverageEntryPrice:  snap.AverageEntryPrice,
		TotalSize:          snap.TotalSize,
		AveragingCount:     snap.AveragingCount,
		InitialMargin:      snap.InitialMargin,
		CurrentTotalMargin: snap.CurrentTotalMargin,
		AccumulatedFees:    snap.AccumulatedFees,
		PeakUnrealizedPnL:  snap.PeakUnrealizedPnL,
		StopLossPrice:      snap.StopLossPrice,
		UseBreakevenExit:   snap.UseBreakevenExit,
	}
	in.stagnationActive = snap.StagnationActive
	in.stagnationSince = snap.StagnationSince
	in.activeTradeID = snap.ActiveTradeDBID
	in.frozen = snap.FrozenConfig
	in.stats = snap.Stats
	in.processed = make(map[string]struct{}, len(snap.ProcessedOrders))
	for _, id := range snap.ProcessedOrders {
		in.processed[id] = struct{}{}
	}
}
