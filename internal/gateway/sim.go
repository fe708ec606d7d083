package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
)

// FillMode controls how the sim gateway answers order inserts.
type FillMode string

const (
	// FillInstant fills the whole order immediately.
	FillInstant FillMode = "instant"
	// FillPartial fills PartialLots and then leaves the order ACTIVE until
	// it is cancelled.
	FillPartial FillMode = "partial"
	// FillNone leaves the order ACTIVE until cancelled.
	FillNone FillMode = "none"
	// FillReject rejects every insert.
	FillReject FillMode = "reject"
)

// SimConfig parameterizes the sim gateway.
type SimConfig struct {
	AccountID string
	Mode      FillMode
	// PartialLots is the fill size under FillPartial. Zero means half the
	// order, at least one lot.
	PartialLots int
	// FillDelay postpones fills after an insert. Zero fills synchronously
	// on the dispatch goroutine.
	FillDelay time.Duration
	// FillPrice overrides the execution price; zero uses the order price,
	// falling back to the last quote.
	FillPrice float64
}

// Sim is a deterministic in-memory gateway. It keeps its own order, trade,
// position and account books so executor and rotation tests can assert full
// round trips without a brokerage behind them.
type Sim struct {
	cfg SimConfig
	log zerolog.Logger

	mu        sync.Mutex
	connected bool
	cb        Callbacks

	orderSeq int
	tradeSeq int

	orders     map[string]*domain.Order
	trades     []*domain.Trade
	positions  map[string]*domain.Position
	quotes     map[string]*domain.Tick
	contracts  map[string]*domain.Contract
	account    domain.Account
	subscribed map[string]bool

	wg sync.WaitGroup
}

// NewSim creates a sim gateway.
func NewSim(cfg SimConfig, log zerolog.Logger) *Sim {
	if cfg.Mode == "" {
		cfg.Mode = FillInstant
	}
	return &Sim{
		cfg:        cfg,
		log:        log.With().Str("component", "sim_gateway").Logger(),
		orders:     make(map[string]*domain.Order),
		positions:  make(map[string]*domain.Position),
		quotes:     make(map[string]*domain.Tick),
		contracts:  make(map[string]*domain.Contract),
		subscribed: make(map[string]bool),
		account: domain.Account{
			AccountID: cfg.AccountID,
			Balance:   1_000_000,
			Available: 1_000_000,
			Status:    "SIM",
		},
	}
}

// SetCallbacks installs the notification hooks.
func (g *Sim) SetCallbacks(cb Callbacks) {
	g.mu.Lock()
	g.cb = cb
	g.mu.Unlock()
}

// SetMode switches the fill behavior. Tests flip modes between slices.
func (g *Sim) SetMode(mode FillMode) {
	g.mu.Lock()
	g.cfg.Mode = mode
	g.mu.Unlock()
}

// Connect marks the gateway connected and pushes the account snapshot.
func (g *Sim) Connect() bool {
	g.mu.Lock()
	g.connected = true
	g.account.GatewayConnected = true
	g.account.UpdatedAt = time.Now()
	account := g.account
	cb := g.cb
	g.mu.Unlock()

	g.log.Info().Msg("Sim gateway connected")
	if cb.OnAccount != nil {
		cb.OnAccount(&account)
	}
	return true
}

// Disconnect marks the gateway disconnected.
func (g *Sim) Disconnect() bool {
	g.mu.Lock()
	g.connected = false
	g.account.GatewayConnected = false
	g.mu.Unlock()
	g.wg.Wait()
	g.log.Info().Msg("Sim gateway disconnected")
	return true
}

// Connected reports the connection state.
func (g *Sim) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Subscribe records the symbol set; quotes pushed via PushTick only reach
// subscribers of that symbol in a real driver, the sim does not filter.
func (g *Sim) Subscribe(symbols []string) bool {
	g.mu.Lock()
	for _, s := range symbols {
		g.subscribed[s] = true
	}
	g.mu.Unlock()
	return true
}

// Unsubscribe removes symbols from the subscription set.
func (g *Sim) Unsubscribe(symbols []string) bool {
	g.mu.Lock()
	for _, s := range symbols {
		delete(g.subscribed, s)
	}
	g.mu.Unlock()
	return true
}

// PushTick injects a quote, as a market data feed would.
func (g *Sim) PushTick(tick *domain.Tick) {
	g.mu.Lock()
	cp := *tick
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	g.quotes[tick.Symbol] = &cp
	cb := g.cb
	g.mu.Unlock()

	if cb.OnTick != nil {
		cb.OnTick(&cp)
	}
}

// PushBar injects a bar.
func (g *Sim) PushBar(bar *domain.Bar) {
	g.mu.Lock()
	cb := g.cb
	g.mu.Unlock()
	if cb.OnBar != nil {
		cb.OnBar(bar)
	}
}

// SendOrder accepts an order, assigns the next order id, and drives it
// according to the configured fill mode.
func (g *Sim) SendOrder(req domain.OrderRequest) (*domain.Order, error) {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return nil, fmt.Errorf("sim gateway: not connected")
	}

	g.orderSeq++
	order := &domain.Order{
		OrderID:    fmt.Sprintf("SIM-O%d", g.orderSeq),
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Offset:     req.Offset,
		Volume:     req.Volume,
		VolumeLeft: req.Volume,
		Price:      req.Price,
		PriceType:  req.PriceType,
		Status:     domain.OrderStatusActive,
		InsertTime: time.Now(),
	}
	if order.PriceType == "" {
		order.PriceType = domain.PriceTypeLimit
	}
	mode := g.cfg.Mode
	g.orders[order.OrderID] = order
	snapshot := *order
	g.mu.Unlock()

	g.emitOrder(&snapshot)

	switch mode {
	case FillReject:
		g.rejectOrder(order.OrderID, "sim reject")
	case FillInstant:
		g.fillAfterDelay(order.OrderID, req.Volume)
	case FillPartial:
		lots := g.cfg.PartialLots
		if lots <= 0 {
			lots = req.Volume / 2
			if lots == 0 {
				lots = 1
			}
		}
		if lots > req.Volume {
			lots = req.Volume
		}
		g.fillAfterDelay(order.OrderID, lots)
	case FillNone:
		// stays ACTIVE until cancelled
	}
	return &snapshot, nil
}

func (g *Sim) fillAfterDelay(orderID string, lots int) {
	if g.cfg.FillDelay <= 0 {
		g.Fill(orderID, lots)
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		time.Sleep(g.cfg.FillDelay)
		g.Fill(orderID, lots)
	}()
}

// Fill executes lots against an order, emitting the trade, the order update,
// and the refreshed position. Exposed so tests can script partial fills.
func (g *Sim) Fill(orderID string, lots int) {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	if !ok || order.IsTerminal() || lots <= 0 {
		g.mu.Unlock()
		return
	}
	if lots > order.VolumeLeft {
		lots = order.VolumeLeft
	}

	price := g.cfg.FillPrice
	if price == 0 {
		price = order.Price
	}
	if price == 0 {
		if q, ok := g.quotes[order.Symbol]; ok {
			price = q.LastPrice
		}
	}

	g.tradeSeq++
	trade := &domain.Trade{
		TradeID:   fmt.Sprintf("SIM-T%d", g.tradeSeq),
		OrderID:   order.OrderID,
		Symbol:    order.Symbol,
		Direction: order.Direction,
		Offset:    order.Offset,
		Price:     price,
		Volume:    lots,
		TradeTime: time.Now(),
	}
	g.trades = append(g.trades, trade)

	order.VolumeLeft -= lots
	if order.VolumeLeft == 0 {
		order.Status = domain.OrderStatusFinished
	}
	orderSnap := *order
	tradeSnap := *trade

	position := g.applyTradeLocked(trade)
	g.mu.Unlock()

	// Order-before-trade mirrors gateway SDK emission order: the executor
	// credits fills from the order's volume_left.
	g.emitOrder(&orderSnap)
	g.emitTrade(&tradeSnap)
	g.emitPosition(position)
}

// applyTradeLocked updates the position book for one fill. Caller holds mu.
func (g *Sim) applyTradeLocked(trade *domain.Trade) *domain.Position {
	pos, ok := g.positions[trade.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: trade.Symbol}
		g.positions[trade.Symbol] = pos
	}

	long := trade.Direction == domain.DirectionBuy
	if trade.Offset != domain.OffsetOpen {
		// a close order reduces the other side
		long = !long
	}

	if trade.Offset == domain.OffsetOpen {
		if long {
			total := pos.PosLong + trade.Volume
			pos.LongAvgPrice = (pos.LongAvgPrice*float64(pos.PosLong) + trade.Price*float64(trade.Volume)) / float64(total)
			pos.PosLong = total
			pos.PosLongToday += trade.Volume
		} else {
			total := pos.PosShort + trade.Volume
			pos.ShortAvgPrice = (pos.ShortAvgPrice*float64(pos.PosShort) + trade.Price*float64(trade.Volume)) / float64(total)
			pos.PosShort = total
			pos.PosShortToday += trade.Volume
		}
	} else {
		if long {
			pos.PosLong -= trade.Volume
			if pos.PosLongToday >= trade.Volume {
				pos.PosLongToday -= trade.Volume
			} else {
				pos.PosLongYd -= trade.Volume - pos.PosLongToday
				pos.PosLongToday = 0
			}
		} else {
			pos.PosShort -= trade.Volume
			if pos.PosShortToday >= trade.Volume {
				pos.PosShortToday -= trade.Volume
			} else {
				pos.PosShortYd -= trade.Volume - pos.PosShortToday
				pos.PosShortToday = 0
			}
		}
	}
	pos.UpdatedAt = time.Now()
	cp := *pos
	return &cp
}

func (g *Sim) rejectOrder(orderID, reason string) {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	if !ok || order.IsTerminal() {
		g.mu.Unlock()
		return
	}
	order.Status = domain.OrderStatusRejected
	order.StatusMsg = reason
	snap := *order
	g.mu.Unlock()
	g.emitOrder(&snap)
}

// CancelOrder cancels a live order, crediting nothing further. Cancel of a
// terminal order succeeds silently.
func (g *Sim) CancelOrder(req domain.CancelRequest) error {
	g.mu.Lock()
	order, ok := g.orders[req.OrderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("sim gateway: unknown order %s", req.OrderID)
	}
	if order.IsTerminal() {
		g.mu.Unlock()
		return nil
	}
	order.Status = domain.OrderStatusCancelled
	order.StatusMsg = "cancelled"
	snap := *order
	g.mu.Unlock()

	g.emitOrder(&snap)
	return nil
}

func (g *Sim) emitOrder(order *domain.Order) {
	g.mu.Lock()
	cb := g.cb
	g.mu.Unlock()
	if cb.OnOrder != nil {
		cb.OnOrder(order)
	}
}

func (g *Sim) emitTrade(trade *domain.Trade) {
	g.mu.Lock()
	cb := g.cb
	g.mu.Unlock()
	if cb.OnTrade != nil {
		cb.OnTrade(trade)
	}
}

func (g *Sim) emitPosition(pos *domain.Position) {
	g.mu.Lock()
	cb := g.cb
	g.mu.Unlock()
	if cb.OnPosition != nil {
		cb.OnPosition(pos)
	}
}

// GetAccount returns the account snapshot.
func (g *Sim) GetAccount() *domain.Account {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := g.account
	return &cp
}

// GetOrders returns all orders, insertion order not guaranteed.
func (g *Sim) GetOrders() []*domain.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*domain.Order, 0, len(g.orders))
	for _, o := range g.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// GetOrder returns one order by id, nil when unknown.
func (g *Sim) GetOrder(orderID string) *domain.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[orderID]; ok {
		cp := *o
		return &cp
	}
	return nil
}

// GetPositions returns the position book.
func (g *Sim) GetPositions() map[string]*domain.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]*domain.Position, len(g.positions))
	for sym, p := range g.positions {
		cp := *p
		out[sym] = &cp
	}
	return out
}

// GetTrades returns all trades in execution order.
func (g *Sim) GetTrades() []*domain.Trade {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*domain.Trade, 0, len(g.trades))
	for _, t := range g.trades {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// GetQuotes returns the latest quote per symbol.
func (g *Sim) GetQuotes() map[string]*domain.Tick {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]*domain.Tick, len(g.quotes))
	for sym, q := range g.quotes {
		cp := *q
		out[sym] = &cp
	}
	return out
}

// GetContracts returns the known contract set.
func (g *Sim) GetContracts() []*domain.Contract {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*domain.Contract, 0, len(g.contracts))
	for _, c := range g.contracts {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// AddContract seeds a contract row, as a real driver would on login.
func (g *Sim) AddContract(c *domain.Contract) {
	g.mu.Lock()
	cp := *c
	g.contracts[c.Symbol] = &cp
	cb := g.cb
	g.mu.Unlock()
	if cb.OnContract != nil {
		cb.OnContract(&cp)
	}
}
