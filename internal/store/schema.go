package store

// Schema creates the persistent ledger. Decimals are stored as TEXT to keep
// arbitrary precision; times are epoch milliseconds UTC.
//
// The partial unique index on trades enforces the core invariant: at most
// one OPEN trade per (user, symbol, account_priority).
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id          INTEGER PRIMARY KEY,
    settings    TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_api_keys (
    user_id          INTEGER NOT NULL,
    exchange         TEXT NOT NULL,
    account_priority INTEGER NOT NULL CHECK (account_priority BETWEEN 1 AND 3),
    api_key_enc      BLOB NOT NULL,
    api_secret_enc   BLOB NOT NULL,
    created_at       INTEGER NOT NULL,
    PRIMARY KEY (user_id, exchange, account_priority)
);

CREATE TABLE IF NOT EXISTS orders (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id           INTEGER NOT NULL,
    symbol            TEXT NOT NULL,
    account_priority  INTEGER NOT NULL,
    side              TEXT NOT NULL,
    order_type        TEXT NOT NULL,
    purpose           TEXT NOT NULL,
    strategy_type     TEXT NOT NULL DEFAULT '',
    client_order_id   TEXT NOT NULL UNIQUE,
    exchange_order_id TEXT NOT NULL DEFAULT 'PENDING',
    quantity          TEXT NOT NULL,
    price             TEXT NOT NULL DEFAULT '0',
    filled_qty        TEXT NOT NULL DEFAULT '0',
    avg_fill_price    TEXT NOT NULL DEFAULT '0',
    commission        TEXT NOT NULL DEFAULT '0',
    profit            TEXT NOT NULL DEFAULT '0',
    status            TEXT NOT NULL DEFAULT 'PENDING',
    trade_id          INTEGER NOT NULL DEFAULT 0,
    leverage          INTEGER NOT NULL DEFAULT 1,
    reduce_only       INTEGER NOT NULL DEFAULT 0,
    metadata          TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_exchange_id
    ON orders (exchange_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_owner
    ON orders (user_id, symbol, account_priority);

CREATE TABLE IF NOT EXISTS trades (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id           INTEGER NOT NULL,
    symbol            TEXT NOT NULL,
    account_priority  INTEGER NOT NULL,
    strategy_type     TEXT NOT NULL DEFAULT '',
    side              TEXT NOT NULL,
    entry_price       TEXT NOT NULL,
    quantity          TEXT NOT NULL,
    exit_price        TEXT NOT NULL DEFAULT '0',
    profit            TEXT NOT NULL DEFAULT '0',
    commission        TEXT NOT NULL DEFAULT '0',
    leverage          INTEGER NOT NULL DEFAULT 1,
    entry_time        INTEGER NOT NULL,
    exit_time         INTEGER NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'OPEN',
    metadata          TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_one_open
    ON trades (user_id, symbol, account_priority)
    WHERE status = 'OPEN';

CREATE TABLE IF NOT EXISTS user_strategies (
    user_id       INTEGER NOT NULL,
    strategy_type TEXT NOT NULL,
    enabled       INTEGER NOT NULL DEFAULT 0,
    config        TEXT NOT NULL DEFAULT '{}',
    watchlist     TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (user_id, strategy_type)
);

CREATE TABLE IF NOT EXISTS user_strategy_stats (
    user_id        INTEGER NOT NULL,
    strategy_type  TEXT NOT NULL,
    total_trades   INTEGER NOT NULL DEFAULT 0,
    winning_trades INTEGER NOT NULL DEFAULT 0,
    total_pnl      TEXT NOT NULL DEFAULT '0',
    PRIMARY KEY (user_id, strategy_type)
);

CREATE TABLE IF NOT EXISTS notifications (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL,
    text       TEXT NOT NULL,
    parse_mode TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
`
