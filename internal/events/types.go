// Package events provides the typed async pub/sub engine used inside each
// trader process and by the manager for push fan-out.
package events

import "time"

// EventType identifies one event stream.
type EventType string

// The fixed event set accepted by a trader's engine, plus the manager-side
// trader-state stream.
const (
	AccountUpdate  EventType = "ACCOUNT_UPDATE"
	OrderUpdate    EventType = "ORDER_UPDATE"
	TradeUpdate    EventType = "TRADE_UPDATE"
	PositionUpdate EventType = "POSITION_UPDATE"
	TickUpdate     EventType = "TICK_UPDATE"
	BarUpdate      EventType = "BAR_UPDATE"
	ContractUpdate EventType = "CONTRACT_UPDATE"
	AccountStatus  EventType = "ACCOUNT_STATUS"
	AlarmUpdate    EventType = "ALARM_UPDATE"
	TraderState    EventType = "TRADER_STATE"
)

// Event is one published occurrence. Data carries the typed payload
// (*domain.Order, *domain.Trade, ...); consumers type-assert.
type Event struct {
	Type      EventType `json:"type"`
	Module    string    `json:"module"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Handler consumes one event. Handlers for a single event type are invoked
// sequentially in registration order; a panic inside a handler is recovered
// and logged, never propagated.
type Handler func(*Event)
