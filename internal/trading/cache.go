package trading

import (
	"sync"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
)

// Cache is the trader's in-memory mirror of live state: account snapshot,
// orders and trades by id, positions and latest quotes by symbol. It is fed
// by event-engine subscriptions (single writer per type) and read by RPC
// handlers and the executor.
type Cache struct {
	mu        sync.RWMutex
	account   *domain.Account
	orders    map[string]*domain.Order
	orderSeq  []string // insertion order for get_orders
	trades    map[string]*domain.Trade
	tradeSeq  []string
	positions map[string]*domain.Position
	quotes    map[string]*domain.Tick
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		orders:    make(map[string]*domain.Order),
		trades:    make(map[string]*domain.Trade),
		positions: make(map[string]*domain.Position),
		quotes:    make(map[string]*domain.Tick),
	}
}

// Subscribe wires the cache onto an event engine. Must be registered before
// consumers that read back the cache (the executor reads order state after
// its own ORDER_UPDATE handler fires).
func (c *Cache) Subscribe(engine *events.Engine) {
	engine.Subscribe(events.AccountUpdate, func(e *events.Event) {
		if acc, ok := e.Data.(*domain.Account); ok {
			c.SetAccount(acc)
		}
	})
	engine.Subscribe(events.OrderUpdate, func(e *events.Event) {
		if order, ok := e.Data.(*domain.Order); ok {
			c.SetOrder(order)
		}
	})
	engine.Subscribe(events.TradeUpdate, func(e *events.Event) {
		if trade, ok := e.Data.(*domain.Trade); ok {
			c.SetTrade(trade)
		}
	})
	engine.Subscribe(events.PositionUpdate, func(e *events.Event) {
		if pos, ok := e.Data.(*domain.Position); ok {
			c.SetPosition(pos)
		}
	})
	engine.Subscribe(events.TickUpdate, func(e *events.Event) {
		if tick, ok := e.Data.(*domain.Tick); ok {
			c.SetQuote(tick)
		}
	})
}

// SetAccount replaces the account snapshot.
func (c *Cache) SetAccount(acc *domain.Account) {
	cp := *acc
	c.mu.Lock()
	c.account = &cp
	c.mu.Unlock()
}

// Account returns the latest account snapshot, nil before the first update.
func (c *Cache) Account() *domain.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.account == nil {
		return nil
	}
	cp := *c.account
	return &cp
}

// SetOrder upserts one order.
func (c *Cache) SetOrder(order *domain.Order) {
	cp := *order
	c.mu.Lock()
	if _, ok := c.orders[order.OrderID]; !ok {
		c.orderSeq = append(c.orderSeq, order.OrderID)
	}
	c.orders[order.OrderID] = &cp
	c.mu.Unlock()
}

// Order returns one order by id.
func (c *Cache) Order(orderID string) (*domain.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderID]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// Orders returns every order in insertion order.
func (c *Cache) Orders() []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Order, 0, len(c.orderSeq))
	for _, id := range c.orderSeq {
		cp := *c.orders[id]
		out = append(out, &cp)
	}
	return out
}

// ActiveOrders returns orders that have not reached a terminal state.
func (c *Cache) ActiveOrders() []*domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*domain.Order
	for _, id := range c.orderSeq {
		if o := c.orders[id]; !o.IsTerminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

// SetTrade records one fill.
func (c *Cache) SetTrade(trade *domain.Trade) {
	cp := *trade
	c.mu.Lock()
	if _, ok := c.trades[trade.TradeID]; !ok {
		c.tradeSeq = append(c.tradeSeq, trade.TradeID)
	}
	c.trades[trade.TradeID] = &cp
	c.mu.Unlock()
}

// Trade returns one trade by id.
func (c *Cache) Trade(tradeID string) (*domain.Trade, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trades[tradeID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Trades returns every trade in arrival order.
func (c *Cache) Trades() []*domain.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Trade, 0, len(c.tradeSeq))
	for _, id := range c.tradeSeq {
		cp := *c.trades[id]
		out = append(out, &cp)
	}
	return out
}

// TradesForOrder returns the fills of one order in arrival order.
func (c *Cache) TradesForOrder(orderID string) []*domain.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*domain.Trade
	for _, id := range c.tradeSeq {
		if t := c.trades[id]; t.OrderID == orderID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// SetPosition upserts one position.
func (c *Cache) SetPosition(pos *domain.Position) {
	cp := *pos
	c.mu.Lock()
	c.positions[pos.Symbol] = &cp
	c.mu.Unlock()
}

// Positions returns the position book keyed by symbol.
func (c *Cache) Positions() map[string]*domain.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*domain.Position, len(c.positions))
	for sym, p := range c.positions {
		cp := *p
		out[sym] = &cp
	}
	return out
}

// SetQuote records the latest tick for a symbol.
func (c *Cache) SetQuote(tick *domain.Tick) {
	cp := *tick
	c.mu.Lock()
	c.quotes[tick.Symbol] = &cp
	c.mu.Unlock()
}

// Quote returns the latest tick for one symbol.
func (c *Cache) Quote(symbol string) (*domain.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	if !ok {
		return nil, false
	}
	cp := *q
	return &cp, true
}

// Quotes returns the latest tick per symbol.
func (c *Cache) Quotes() map[string]*domain.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*domain.Tick, len(c.quotes))
	for sym, q := range c.quotes {
		cp := *q
		out[sym] = &cp
	}
	return out
}
