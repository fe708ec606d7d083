package database

// traderSchema is the per-account trader database. One file per account,
// owned exclusively by its trader process.
const traderSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id        TEXT PRIMARY KEY,
    balance           REAL NOT NULL DEFAULT 0,
    available         REAL NOT NULL DEFAULT 0,
    margin            REAL NOT NULL DEFAULT 0,
    float_profit      REAL NOT NULL DEFAULT 0,
    hold_profit       REAL NOT NULL DEFAULT 0,
    close_profit      REAL NOT NULL DEFAULT 0,
    risk_ratio        REAL NOT NULL DEFAULT 0,
    gateway_connected INTEGER NOT NULL DEFAULT 0,
    trade_paused      INTEGER NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT '',
    updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    symbol          TEXT PRIMARY KEY,
    pos_long        INTEGER NOT NULL DEFAULT 0,
    pos_short       INTEGER NOT NULL DEFAULT 0,
    pos_long_today  INTEGER NOT NULL DEFAULT 0,
    pos_long_yd     INTEGER NOT NULL DEFAULT 0,
    pos_short_today INTEGER NOT NULL DEFAULT 0,
    pos_short_yd    INTEGER NOT NULL DEFAULT 0,
    long_avg_price  REAL NOT NULL DEFAULT 0,
    short_avg_price REAL NOT NULL DEFAULT 0,
    float_profit    REAL NOT NULL DEFAULT 0,
    margin          REAL NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    trade_id   TEXT PRIMARY KEY,
    order_id   TEXT NOT NULL,
    symbol     TEXT NOT NULL,
    direction  TEXT NOT NULL,
    offset     TEXT NOT NULL,
    price      REAL NOT NULL,
    volume     INTEGER NOT NULL,
    trade_time INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_order_id ON trades(order_id);

CREATE TABLE IF NOT EXISTS orders (
    order_id    TEXT PRIMARY KEY,
    symbol      TEXT NOT NULL,
    direction   TEXT NOT NULL,
    offset      TEXT NOT NULL,
    volume      INTEGER NOT NULL,
    volume_left INTEGER NOT NULL,
    price       REAL NOT NULL,
    price_type  TEXT NOT NULL,
    status      TEXT NOT NULL,
    status_msg  TEXT NOT NULL DEFAULT '',
    insert_time INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    job_id            TEXT PRIMARY KEY,
    job_name          TEXT NOT NULL,
    job_group         TEXT NOT NULL DEFAULT '',
    cron_expression   TEXT NOT NULL,
    job_method        TEXT NOT NULL,
    enabled           INTEGER NOT NULL DEFAULT 1,
    last_trigger_time INTEGER
);

CREATE TABLE IF NOT EXISTS alarms (
    alarm_id   TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    level      TEXT NOT NULL,
    source     TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alarms_created_at ON alarms(created_at);

CREATE TABLE IF NOT EXISTS rotation_instructions (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id         TEXT NOT NULL,
    strategy_id        TEXT NOT NULL,
    symbol             TEXT NOT NULL,
    direction          TEXT NOT NULL,
    offset             TEXT NOT NULL,
    volume             INTEGER NOT NULL,
    filled_volume      INTEGER NOT NULL DEFAULT 0,
    price              REAL NOT NULL DEFAULT 0,
    order_time         TEXT NOT NULL DEFAULT '',
    trading_date       TEXT NOT NULL,
    enabled            INTEGER NOT NULL DEFAULT 1,
    status             TEXT NOT NULL DEFAULT 'PENDING',
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    remaining_attempts INTEGER NOT NULL DEFAULT 3,
    remaining_volume   INTEGER NOT NULL,
    current_cmd_id     TEXT NOT NULL DEFAULT '',
    last_attempt_time  INTEGER,
    error_message      TEXT NOT NULL DEFAULT '',
    source             TEXT NOT NULL DEFAULT '',
    is_deleted         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_rotation_trading_date ON rotation_instructions(trading_date, is_deleted);

CREATE TABLE IF NOT EXISTS system_params (
    param_key   TEXT PRIMARY KEY,
    param_value TEXT NOT NULL,
    param_group TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_system_params_group ON system_params(param_group);

CREATE TABLE IF NOT EXISTS contracts (
    symbol          TEXT PRIMARY KEY,
    exchange        TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    volume_multiple INTEGER NOT NULL DEFAULT 1,
    price_tick      REAL NOT NULL DEFAULT 0,
    expire_date     TEXT NOT NULL DEFAULT '',
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS switchPos_import (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    filename     TEXT NOT NULL,
    trading_date TEXT NOT NULL,
    mode         TEXT NOT NULL,
    rows_total   INTEGER NOT NULL,
    rows_valid   INTEGER NOT NULL,
    imported_at  INTEGER NOT NULL
);
`

// managerSchema holds the manager-side database: alarm fan-in from all
// traders, keyed by account.
const managerSchema = `
CREATE TABLE IF NOT EXISTS alarms (
    alarm_id   TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    level      TEXT NOT NULL,
    source     TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alarms_account ON alarms(account_id, created_at);
`
