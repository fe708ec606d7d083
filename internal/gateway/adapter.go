package gateway

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
)

// Adapter bridges gateway callbacks onto the trader's event engine. The
// gateway driver calls back on its own goroutines; the adapter republishes
// each callback as an event so strategies, the executor, the persistence
// writer and the push fan-out all consume through the engine's per-type FIFO.
type Adapter struct {
	gw     Gateway
	engine *events.Engine
	log    zerolog.Logger
}

// NewAdapter wires a gateway's callbacks onto an event engine.
func NewAdapter(gw Gateway, engine *events.Engine, log zerolog.Logger) *Adapter {
	a := &Adapter{
		gw:     gw,
		engine: engine,
		log:    log.With().Str("component", "gateway_adapter").Logger(),
	}

	gw.SetCallbacks(Callbacks{
		OnTick: func(t *domain.Tick) {
			engine.Emit(events.TickUpdate, "gateway", t)
		},
		OnBar: func(b *domain.Bar) {
			engine.Emit(events.BarUpdate, "gateway", b)
		},
		OnOrder: func(o *domain.Order) {
			engine.Emit(events.OrderUpdate, "gateway", o)
		},
		OnTrade: func(t *domain.Trade) {
			engine.Emit(events.TradeUpdate, "gateway", t)
		},
		OnPosition: func(p *domain.Position) {
			engine.Emit(events.PositionUpdate, "gateway", p)
		},
		OnAccount: func(acc *domain.Account) {
			engine.Emit(events.AccountUpdate, "gateway", acc)
		},
		OnContract: func(c *domain.Contract) {
			engine.Emit(events.ContractUpdate, "gateway", c)
		},
	})
	return a
}

// Gateway returns the wrapped driver.
func (a *Adapter) Gateway() Gateway { return a.gw }

// New constructs the gateway named by the account config. Only the sim
// driver is linked into this build; a real SDK binding registers its own
// type here.
func New(cfg config.GatewayConfig, accountID string, log zerolog.Logger) (Gateway, error) {
	switch cfg.Type {
	case "", "sim":
		return NewSim(SimConfig{AccountID: accountID}, log), nil
	default:
		return nil, fmt.Errorf("gateway: unknown type %q", cfg.Type)
	}
}
