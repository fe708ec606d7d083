// Package trading owns the per-account order path: the live market cache,
// the risk gate in front of order_req, the gateway-facing order service, and
// the repositories the persistence writer upserts through.
package trading

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
)

// Repository handles the order/trade/account/position tables of one trader
// database. Upserts are plain prepared statements; trades are the source of
// truth for fills, orders are written on terminal transitions only.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a trading repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "trading").Logger()}
}

// UpsertAccount writes the account snapshot row.
func (r *Repository) UpsertAccount(acc *domain.Account) error {
	_, err := r.db.Exec(`
		INSERT INTO accounts
			(account_id, balance, available, margin, float_profit, hold_profit,
			 close_profit, risk_ratio, gateway_connected, trade_paused, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			balance = excluded.balance,
			available = excluded.available,
			margin = excluded.margin,
			float_profit = excluded.float_profit,
			hold_profit = excluded.hold_profit,
			close_profit = excluded.close_profit,
			risk_ratio = excluded.risk_ratio,
			gateway_connected = excluded.gateway_connected,
			trade_paused = excluded.trade_paused,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		acc.AccountID, acc.Balance, acc.Available, acc.Margin, acc.FloatProfit,
		acc.HoldProfit, acc.CloseProfit, acc.RiskRatio,
		boolToInt(acc.GatewayConnected), boolToInt(acc.TradePaused),
		acc.Status, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", acc.AccountID, err)
	}
	return nil
}

// UpsertPosition writes one position row keyed by symbol.
func (r *Repository) UpsertPosition(pos *domain.Position) error {
	_, err := r.db.Exec(`
		INSERT INTO positions
			(symbol, pos_long, pos_short, pos_long_today, pos_long_yd,
			 pos_short_today, pos_short_yd, long_avg_price, short_avg_price,
			 float_profit, margin, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			pos_long = excluded.pos_long,
			pos_short = excluded.pos_short,
			pos_long_today = excluded.pos_long_today,
			pos_long_yd = excluded.pos_long_yd,
			pos_short_today = excluded.pos_short_today,
			pos_short_yd = excluded.pos_short_yd,
			long_avg_price = excluded.long_avg_price,
			short_avg_price = excluded.short_avg_price,
			float_profit = excluded.float_profit,
			margin = excluded.margin,
			updated_at = excluded.updated_at`,
		pos.Symbol, pos.PosLong, pos.PosShort, pos.PosLongToday, pos.PosLongYd,
		pos.PosShortToday, pos.PosShortYd, pos.LongAvgPrice, pos.ShortAvgPrice,
		pos.FloatProfit, pos.Margin, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// UpsertContract writes one contract definition row keyed by symbol.
func (r *Repository) UpsertContract(contract *domain.Contract) error {
	_, err := r.db.Exec(`
		INSERT INTO contracts
			(symbol, exchange, name, volume_multiple, price_tick, expire_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			exchange = excluded.exchange,
			name = excluded.name,
			volume_multiple = excluded.volume_multiple,
			price_tick = excluded.price_tick,
			expire_date = excluded.expire_date,
			updated_at = excluded.updated_at`,
		contract.Symbol, contract.Exchange, contract.Name, contract.VolumeMultiple,
		contract.PriceTick, contract.ExpireDate, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert contract %s: %w", contract.Symbol, err)
	}
	return nil
}

// InsertTrade writes one fill. Duplicate trade ids are skipped silently: the
// gateway may replay its trade stream after a reconnect.
func (r *Repository) InsertTrade(trade *domain.Trade) error {
	_, err := r.db.Exec(`
		INSERT INTO trades
			(trade_id, order_id, symbol, direction, offset, price, volume, trade_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO NOTHING`,
		trade.TradeID, trade.OrderID, trade.Symbol, string(trade.Direction),
		string(trade.Offset), trade.Price, trade.Volume,
		trade.TradeTime.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// UpsertOrder writes one order row. Called on terminal transitions only.
func (r *Repository) UpsertOrder(order *domain.Order) error {
	_, err := r.db.Exec(`
		INSERT INTO orders
			(order_id, symbol, direction, offset, volume, volume_left, price,
			 price_type, status, status_msg, insert_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			volume_left = excluded.volume_left,
			status = excluded.status,
			status_msg = excluded.status_msg`,
		order.OrderID, order.Symbol, string(order.Direction), string(order.Offset),
		order.Volume, order.VolumeLeft, order.Price, string(order.PriceType),
		string(order.Status), order.StatusMsg, order.InsertTime.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", order.OrderID, err)
	}
	return nil
}

// CountTrades returns the number of persisted trades. Used by tests and the
// closing report.
func (r *Repository) CountTrades() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
