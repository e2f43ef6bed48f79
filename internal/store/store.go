// Package store is the persistent ledger backed by SQLite. It is the
// authoritative record of order ownership: an exchange order belongs to the
// engine iff a row with its exchange order id exists here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"scalper-engine/pkg/types"
)

// ErrIntegrity marks writes rejected by a ledger uniqueness constraint, such
// as a duplicate client order id or a second OPEN trade for the same
// (user, symbol, account).
var ErrIntegrity = errors.New("ledger integrity violation")

// Store wraps the SQLite connection. All methods are safe for concurrent use;
// SQLite serializes writers and the busy timeout absorbs contention.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the ledger database at path and applies the
// schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isConstraint(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

// --- orders ---

// CreateOrderPending inserts the order record before submission to the
// exchange, with status PENDING and the exchange id placeholder. A duplicate
// client order id returns ErrIntegrity.
func (s *Store) CreateOrderPending(ctx context.Context, o types.Order) (int64, error) {
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (user_id, symbol, account_priority, side, order_type,
			purpose, strategy_type, client_order_id, quantity, price, status,
			trade_id, leverage, reduce_only, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?, ?, ?, ?, ?, ?)`,
		o.UserID, o.Symbol, o.AccountPriority, o.Side, o.OrderType,
		o.Purpose, o.StrategyType, o.ClientOrderID, o.Quantity.String(),
		o.Price.String(), o.TradeID, o.Leverage, boolToInt(o.ReduceOnly),
		o.Metadata, now, now)
	if err != nil {
		if isConstraint(err) {
			return 0, fmt.Errorf("%w: client order id %s already recorded", ErrIntegrity, o.ClientOrderID)
		}
		return 0, fmt.Errorf("create pending order: %w", err)
	}
	return res.LastInsertId()
}

// BindExchangeID records the exchange-assigned order id on a pending record.
func (s *Store) BindExchangeID(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET exchange_order_id = ?, updated_at = ? WHERE client_order_id = ?`,
		exchangeOrderID, nowMS(), clientOrderID)
	if err != nil {
		return fmt.Errorf("bind exchange id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bind exchange id: no order with client id %s", clientOrderID)
	}
	return nil
}

// SetNew moves a pending order to NEW after the exchange acknowledged it.
func (s *Store) SetNew(ctx context.Context, clientOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = 'NEW', updated_at = ? WHERE client_order_id = ? AND status = 'PENDING'`,
		nowMS(), clientOrderID)
	if err != nil {
		return fmt.Errorf("set order new: %w", err)
	}
	return nil
}

// AttachOrderToTrade links an order to its owning trade. The OPEN order is
// created before the trade exists, so the link is written after the fill.
func (s *Store) AttachOrderToTrade(ctx context.Context, exchangeOrderID string, tradeID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET trade_id = ?, updated_at = ? WHERE exchange_order_id = ?`,
		tradeID, nowMS(), exchangeOrderID)
	if err != nil {
		return fmt.Errorf("attach order to trade: %w", err)
	}
	return nil
}

// DeleteOrder removes a record whose submission failed, releasing the client
// order id.
func (s *Store) DeleteOrder(ctx context.Context, clientOrderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM orders WHERE client_order_id = ?`, clientOrderID)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

// UpdateOrderStatus applies an exchange-reported state change. Terminal
// transitions are idempotent: once a record is terminal, repeated terminal
// writes refresh fill fields but never overwrite profit, so a fill is
// accounted exactly once.
func (s *Store) UpdateOrderStatus(ctx context.Context, exchangeOrderID string, status types.OrderStatus, filledQty, avgPrice, fee, profit decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE exchange_order_id = ?`, exchangeOrderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update order status: no order with exchange id %s", exchangeOrderID)
	}
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	if types.OrderStatus(current).IsTerminal() {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?,
				commission = ?, updated_at = ?
			WHERE exchange_order_id = ?`,
			status, filledQty.String(), avgPrice.String(), fee.String(),
			nowMS(), exchangeOrderID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?,
				commission = ?, profit = ?, updated_at = ?
			WHERE exchange_order_id = ?`,
			status, filledQty.String(), avgPrice.String(), fee.String(),
			profit.String(), nowMS(), exchangeOrderID)
	}
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return tx.Commit()
}

const orderColumns = `id, user_id, symbol, account_priority, side, order_type,
	purpose, strategy_type, client_order_id, exchange_order_id, quantity,
	price, filled_qty, avg_fill_price, commission, profit, status, trade_id,
	leverage, reduce_only, metadata, created_at, updated_at`

// GetOrderByExchangeID returns the order owning the exchange id, or nil when
// the id is not ours.
func (s *Store) GetOrderByExchangeID(ctx context.Context, exchangeOrderID string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ?`, exchangeOrderID)
	return scanOrder(row)
}

// GetOrderByClientID returns the order with the given client order id, or nil.
func (s *Store) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	return scanOrder(row)
}

// GetActiveOrdersForSync returns the account's orders that may have changed
// while the private stream was down: non-terminal records plus FILLED records
// whose owning trade is still OPEN.
func (s *Store) GetActiveOrdersForSync(ctx context.Context, userID int64, priority int) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders o
		WHERE o.user_id = ? AND o.account_priority = ?
		  AND (o.status IN ('PENDING', 'NEW', 'PARTIALLY_FILLED')
		       OR (o.status = 'FILLED' AND EXISTS (
		           SELECT 1 FROM trades t WHERE t.id = o.trade_id AND t.status = 'OPEN')))
		ORDER BY o.id`, userID, priority)
	if err != nil {
		return nil, fmt.Errorf("active orders for sync: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// HasPendingCloseOrder reports whether an unfilled closing order is already
// in flight for the position, to keep exits single-shot.
func (s *Store) HasPendingCloseOrder(ctx context.Context, userID int64, symbol string, priority int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE user_id = ? AND symbol = ? AND account_priority = ?
		  AND purpose IN ('CLOSE', 'STOP')
		  AND status IN ('PENDING', 'NEW', 'PARTIALLY_FILLED')`,
		userID, symbol, priority).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("pending close check: %w", err)
	}
	return n > 0, nil
}

func scanOrder(row *sql.Row) (*types.Order, error) {
	o, err := scanOrderFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]types.Order, error) {
	var out []types.Order
	for rows.Next() {
		o, err := scanOrderFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrderFrom(scan func(...any) error) (*types.Order, error) {
	var (
		o                                             types.Order
		qty, price, filled, avgPrice, fee, profit     string
		reduceOnly                                    int
		createdMS, updatedMS                          int64
	)
	err := scan(&o.ID, &o.UserID, &o.Symbol, &o.AccountPriority, &o.Side,
		&o.OrderType, &o.Purpose, &o.StrategyType, &o.ClientOrderID,
		&o.ExchangeOrderID, &qty, &price, &filled, &avgPrice, &fee, &profit,
		&o.Status, &o.TradeID, &o.Leverage, &reduceOnly, &o.Metadata,
		&createdMS, &updatedMS)
	if err != nil {
		return nil, err
	}
	o.Quantity = mustDecimal(qty)
	o.Price = mustDecimal(price)
	o.FilledQty = mustDecimal(filled)
	o.AvgFillPrice = mustDecimal(avgPrice)
	o.Commission = mustDecimal(fee)
	o.Profit = mustDecimal(profit)
	o.ReduceOnly = reduceOnly != 0
	o.CreatedAt = msToTime(createdMS)
	o.UpdatedAt = msToTime(updatedMS)
	return &o, nil
}

// --- trades ---

// CreateTrade opens a logical trade. A second OPEN trade for the same
// (user, symbol, account) returns ErrIntegrity.
func (s *Store) CreateTrade(ctx context.Context, t types.Trade) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (user_id, symbol, account_priority, strategy_type,
			side, entry_price, quantity, commission, leverage, entry_time,
			status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'OPEN', ?)`,
		t.UserID, t.Symbol, t.AccountPriority, t.StrategyType, t.Side,
		t.EntryPrice.String(), t.Quantity.String(), t.Commission.String(),
		t.Leverage, t.EntryTime.UnixMilli(), t.Metadata)
	if err != nil {
		if isConstraint(err) {
			return 0, fmt.Errorf("%w: open trade already exists for user %d %s account %d",
				ErrIntegrity, t.UserID, t.Symbol, t.AccountPriority)
		}
		return 0, fmt.Errorf("create trade: %w", err)
	}
	return res.LastInsertId()
}

// UpdateTradeOnAveraging rewrites the trade's volume-weighted entry price and
// total quantity after an averaging fill.
func (s *Store) UpdateTradeOnAveraging(ctx context.Context, tradeID int64, entryPrice, quantity, commission decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trades SET entry_price = ?, quantity = ?, commission = ?
		WHERE id = ? AND status = 'OPEN'`,
		entryPrice.String(), quantity.String(), commission.String(), tradeID)
	if err != nil {
		return fmt.Errorf("update trade on averaging: %w", err)
	}
	return nil
}

// UpdateTradeOnClose finalizes the trade with its exit and realized PnL.
func (s *Store) UpdateTradeOnClose(ctx context.Context, tradeID int64, exitPrice, profit, commission decimal.Decimal, exitTime time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trades SET status = 'CLOSED', exit_price = ?, profit = ?,
			commission = ?, exit_time = ?
		WHERE id = ? AND status = 'OPEN'`,
		exitPrice.String(), profit.String(), commission.String(),
		exitTime.UnixMilli(), tradeID)
	if err != nil {
		return fmt.Errorf("update trade on close: %w", err)
	}
	return nil
}

const tradeColumns = `id, user_id, symbol, account_priority, strategy_type,
	side, entry_price, quantity, exit_price, profit, commission, leverage,
	entry_time, exit_time, status, metadata`

// GetOpenTrade returns the OPEN trade for the position key, or nil.
func (s *Store) GetOpenTrade(ctx context.Context, userID int64, symbol string, priority int) (*types.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND symbol = ? AND account_priority = ? AND status = 'OPEN'`,
		userID, symbol, priority)
	t, err := scanTradeFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// HasUnclosedPosition reports whether an OPEN trade exists for the key.
func (s *Store) HasUnclosedPosition(ctx context.Context, userID int64, symbol string, priority int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE user_id = ? AND symbol = ? AND account_priority = ? AND status = 'OPEN'`,
		userID, symbol, priority).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("unclosed position check: %w", err)
	}
	return n > 0, nil
}

// GetAllOpenPositions returns every OPEN trade of the user together with its
// OPEN order and any AVERAGING fills, for boot recovery.
func (s *Store) GetAllOpenPositions(ctx context.Context, userID int64) ([]types.OpenPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND status = 'OPEN' ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	defer rows.Close()

	var trades []types.Trade
	for rows.Next() {
		t, err := scanTradeFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []types.OpenPosition
	for _, t := range trades {
		orders, err := s.ordersForTrade(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		pos := types.OpenPosition{Trade: t}
		for _, o := range orders {
			switch o.Purpose {
			case types.PurposeOpen:
				pos.OpenOrder = o
			case types.PurposeAveraging:
				if o.Status == types.OrderStatusFilled {
					pos.Averaging = append(pos.Averaging, o)
				}
			}
		}
		out = append(out, pos)
	}
	return out, nil
}

func (s *Store) ordersForTrade(ctx context.Context, tradeID int64) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE trade_id = ? ORDER BY id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("orders for trade: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanTradeFrom(scan func(...any) error) (*types.Trade, error) {
	var (
		t                               types.Trade
		entry, qty, exit, profit, fee   string
		entryMS, exitMS                 int64
	)
	err := scan(&t.ID, &t.UserID, &t.Symbol, &t.AccountPriority,
		&t.StrategyType, &t.Side, &entry, &qty, &exit, &profit, &fee,
		&t.Leverage, &entryMS, &exitMS, &t.Status, &t.Metadata)
	if err != nil {
		return nil, err
	}
	t.EntryPrice = mustDecimal(entry)
	t.Quantity = mustDecimal(qty)
	t.ExitPrice = mustDecimal(exit)
	t.Profit = mustDecimal(profit)
	t.Commission = mustDecimal(fee)
	t.EntryTime = msToTime(entryMS)
	t.ExitTime = msToTime(exitMS)
	return &t, nil
}

// --- strategy stats ---

// UpdateStrategyStats folds a closed trade's PnL into the user's per-strategy
// aggregate and returns the resulting win rate in percent.
func (s *Store) UpdateStrategyStats(ctx context.Context, userID int64, strategyType string, pnl decimal.Decimal) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("update strategy stats: %w", err)
	}
	defer tx.Rollback()

	var (
		total, wins int64
		totalPnL    string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT total_trades, winning_trades, total_pnl FROM user_strategy_stats
		WHERE user_id = ? AND strategy_type = ?`, userID, strategyType).
		Scan(&total, &wins, &totalPnL)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		totalPnL = "0"
	case err != nil:
		return decimal.Zero, fmt.Errorf("update strategy stats: %w", err)
	}

	total++
	if pnl.IsPositive() {
		wins++
	}
	sum := mustDecimal(totalPnL).Add(pnl)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_strategy_stats (user_id, strategy_type, total_trades, winning_trades, total_pnl)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, strategy_type) DO UPDATE SET
			total_trades = excluded.total_trades,
			winning_trades = excluded.winning_trades,
			total_pnl = excluded.total_pnl`,
		userID, strategyType, total, wins, sum.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("update strategy stats: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("update strategy stats: %w", err)
	}

	winRate := decimal.NewFromInt(wins).
		Div(decimal.NewFromInt(total)).
		Mul(decimal.NewFromInt(100))
	return winRate, nil
}

// --- users, api keys, strategies ---

// UpsertUser creates the user row if absent.
func (s *Store) UpsertUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, created_at) VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING`, userID, nowMS())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// SaveAPIKey stores an encrypted credential pair for one exchange account.
func (s *Store) SaveAPIKey(ctx context.Context, userID int64, exchange string, priority int, keyEnc, secretEnc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_api_keys (user_id, exchange, account_priority, api_key_enc, api_secret_enc, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, exchange, account_priority) DO UPDATE SET
			api_key_enc = excluded.api_key_enc,
			api_secret_enc = excluded.api_secret_enc`,
		userID, exchange, priority, keyEnc, secretEnc, nowMS())
	if err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	return nil
}

// GetAPIKey returns the encrypted credential pair, or nils when absent.
func (s *Store) GetAPIKey(ctx context.Context, userID int64, exchange string, priority int) (keyEnc, secretEnc []byte, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT api_key_enc, api_secret_enc FROM user_api_keys
		WHERE user_id = ? AND exchange = ? AND account_priority = ?`,
		userID, exchange, priority).Scan(&keyEnc, &secretEnc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get api key: %w", err)
	}
	return keyEnc, secretEnc, nil
}

// ListAccountPriorities returns the account slots the user has credentials
// for, ascending.
func (s *Store) ListAccountPriorities(ctx context.Context, userID int64, exchange string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_priority FROM user_api_keys
		WHERE user_id = ? AND exchange = ? ORDER BY account_priority`,
		userID, exchange)
	if err != nil {
		return nil, fmt.Errorf("list account priorities: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UserStrategy is a user's stored per-strategy configuration.
type UserStrategy struct {
	UserID       int64
	StrategyType string
	Enabled      bool
	Config       string // JSON StrategyConfig
	Watchlist    string // JSON array of symbols
}

// SaveUserStrategy upserts a strategy configuration row.
func (s *Store) SaveUserStrategy(ctx context.Context, us UserStrategy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_strategies (user_id, strategy_type, enabled, config, watchlist)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, strategy_type) DO UPDATE SET
			enabled = excluded.enabled,
			config = excluded.config,
			watchlist = excluded.watchlist`,
		us.UserID, us.StrategyType, boolToInt(us.Enabled), us.Config, us.Watchlist)
	if err != nil {
		return fmt.Errorf("save user strategy: %w", err)
	}
	return nil
}

// GetUserStrategies returns all strategy rows for a user.
func (s *Store) GetUserStrategies(ctx context.Context, userID int64) ([]UserStrategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, strategy_type, enabled, config, watchlist
		FROM user_strategies WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("get user strategies: %w", err)
	}
	defer rows.Close()

	var out []UserStrategy
	for rows.Next() {
		var (
			us      UserStrategy
			enabled int
		)
		if err := rows.Scan(&us.UserID, &us.StrategyType, &enabled, &us.Config, &us.Watchlist); err != nil {
			return nil, err
		}
		us.Enabled = enabled != 0
		out = append(out, us)
	}
	return out, rows.Err()
}

// --- notifications ---

// LogNotification appends an outbound user message to the audit table.
func (s *Store) LogNotification(ctx context.Context, userID int64, text, parseMode string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, text, parse_mode, created_at)
		VALUES (?, ?, ?, ?)`, userID, text, parseMode, nowMS())
	if err != nil {
		return fmt.Errorf("log notification: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
