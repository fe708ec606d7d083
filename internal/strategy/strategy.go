// Package strategy hosts the in-process strategy engine: the Strategy
// interface, per-strategy runtime state, TOML parameters, and the msgpack
// position snapshot that carries logical positions across sessions.
package strategy

import (
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/executor"
)

// Strategy is one trading strategy instance. Callbacks run on the event
// engine workers; implementations keep their own state and must not block.
type Strategy interface {
	ID() string
	Init(ctx Context) error
	OnTick(tick *domain.Tick)
	OnBar(bar *domain.Bar)
	OnOrder(order *domain.Order)
	OnTrade(trade *domain.Trade)
	Stop()
}

// OrderCmdSender routes strategy orders through the split/retry executor.
type OrderCmdSender interface {
	SubmitCmd(sub executor.Submit) (*domain.OrderCmd, error)
	Cmd(cmdID string) (*domain.OrderCmd, error)
}

// QuoteSource exposes the latest quote per symbol.
type QuoteSource interface {
	Quote(symbol string) (*domain.Tick, bool)
}

// Context is handed to a strategy at Init: market access, order routing,
// parameters, and a child logger. Orders reach the gateway only when the
// manager has trading enabled for the strategy.
type Context struct {
	StrategyID string
	Symbol     string
	Quotes     QuoteSource
	Params     map[string]any
	Log        zerolog.Logger

	// SendOrderCmd submits a split/retry cmd. Returns nil, nil when trading
	// is disabled for this strategy: the signal is recorded, nothing is sent.
	SendOrderCmd func(sub executor.Submit) (*domain.OrderCmd, error)

	// SetSignal publishes the strategy's current signal into the runtime
	// state visible over RPC.
	SetSignal func(signal float64)
}

// State is the manager-held runtime state of one strategy.
type State struct {
	StrategyID     string  `json:"strategy_id"`
	Class          string  `json:"class"`
	Symbol         string  `json:"symbol"`
	Enabled        bool    `json:"enabled"`
	TradingEnabled bool    `json:"trading_enabled"`
	OpeningPaused  bool    `json:"opening_paused"`
	ClosingPaused  bool    `json:"closing_paused"`
	Inited         bool    `json:"inited"`
	PosLong        int     `json:"pos_long"`
	PosShort       int     `json:"pos_short"`
	PosPrice       float64 `json:"pos_price"`
	Signal         float64 `json:"signal"`
}

// Snapshot is the msgpack-persisted logical position state, written at
// closing_process and loaded on Init.
type Snapshot struct {
	StrategyID string  `msgpack:"strategy_id"`
	PosLong    int     `msgpack:"pos_long"`
	PosShort   int     `msgpack:"pos_short"`
	PosPrice   float64 `msgpack:"pos_price"`
	Signal     float64 `msgpack:"signal"`
	SavedAt    int64   `msgpack:"saved_at"`
}

// Factory builds a strategy instance for a class name.
type Factory func(id, symbol string) Strategy
