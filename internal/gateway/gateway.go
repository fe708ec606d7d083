// Package gateway defines the brokerage gateway contract used by a trader
// and provides the deterministic sim driver used in tests and as the default
// gateway type.
package gateway

import (
	"github.com/qtrader/qtrader/internal/domain"
)

// Callbacks are the gateway-to-trader notification hooks. The adapter wires
// them onto the event engine; they must never call into strategies inline.
type Callbacks struct {
	OnTick     func(*domain.Tick)
	OnBar      func(*domain.Bar)
	OnOrder    func(*domain.Order)
	OnTrade    func(*domain.Trade)
	OnPosition func(*domain.Position)
	OnAccount  func(*domain.Account)
	OnContract func(*domain.Contract)
}

// Gateway is the abstract brokerage driver: connection management, market
// data subscription, order entry, and synchronous snapshots.
type Gateway interface {
	Connect() bool
	Disconnect() bool
	Connected() bool

	Subscribe(symbols []string) bool
	Unsubscribe(symbols []string) bool

	// SendOrder submits one order and returns it with the gateway-assigned
	// order id, or an error when the gateway refuses the request outright.
	SendOrder(req domain.OrderRequest) (*domain.Order, error)

	// CancelOrder requests a cancel. Cancelling an order that has already
	// completed is not an error.
	CancelOrder(req domain.CancelRequest) error

	GetAccount() *domain.Account
	GetOrders() []*domain.Order
	GetPositions() map[string]*domain.Position
	GetTrades() []*domain.Trade
	GetQuotes() map[string]*domain.Tick
	GetContracts() []*domain.Contract

	// SetCallbacks installs the notification hooks. Must be called before
	// Connect.
	SetCallbacks(cb Callbacks)
}
