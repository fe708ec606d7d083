// Package domain provides core domain models and types shared by the manager
// and trader processes. All wire payloads are built from these structs.
package domain

import "time"

// Direction represents the side of an order or trade
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the other side. Used to resolve market-style limit prices
// from the opposing best quote.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// Offset represents the open/close intent of an order
type Offset string

const (
	OffsetOpen       Offset = "OPEN"
	OffsetClose      Offset = "CLOSE"
	OffsetCloseToday Offset = "CLOSETODAY"
)

// PriceType represents how the order price field is interpreted
type PriceType string

const (
	PriceTypeLimit  PriceType = "LIMIT"
	PriceTypeMarket PriceType = "MARKET"
)

// OrderStatus represents the lifecycle state of a brokerage order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusActive    OrderStatus = "ACTIVE"
	OrderStatusFinished  OrderStatus = "FINISHED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal orders never
// change again and may be persisted.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFinished || s == OrderStatusRejected || s == OrderStatusCancelled
}

// Order represents a live brokerage order.
// Invariant: 0 <= VolumeLeft <= Volume. A FINISHED order with
// VolumeLeft == Volume is semantically a reject.
type Order struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	Offset     Offset      `json:"offset"`
	Volume     int         `json:"volume"`
	VolumeLeft int         `json:"volume_left"`
	Price      float64     `json:"price"` // 0 means market / opposite-side best
	PriceType  PriceType   `json:"price_type"`
	Status     OrderStatus `json:"status"`
	InsertTime time.Time   `json:"insert_time"`
	StatusMsg  string      `json:"status_msg"`
}

// ExecutedVolume returns the lots already filled on this order.
func (o *Order) ExecutedVolume() int {
	return o.Volume - o.VolumeLeft
}

// IsTerminal reports whether the order reached a final state.
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// Trade represents an execution fill. Immutable once received; a trade's
// volume is debited from its order's VolumeLeft.
type Trade struct {
	TradeID   string    `json:"trade_id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Price     float64   `json:"price"`
	Volume    int       `json:"volume"`
	TradeTime time.Time `json:"trade_time"`
}

// Position represents the per-symbol aggregate for one account. Today and
// yesterday legs are tracked separately because close-today is a distinct
// offset on Chinese futures exchanges.
type Position struct {
	Symbol        string    `json:"symbol"`
	PosLong       int       `json:"pos_long"`
	PosShort      int       `json:"pos_short"`
	PosLongToday  int       `json:"pos_long_today"`
	PosLongYd     int       `json:"pos_long_yd"`
	PosShortToday int       `json:"pos_short_today"`
	PosShortYd    int       `json:"pos_short_yd"`
	LongAvgPrice  float64   `json:"long_avg_price"`
	ShortAvgPrice float64   `json:"short_avg_price"`
	FloatProfit   float64   `json:"float_profit"`
	Margin        float64   `json:"margin"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Account represents the per-account balance snapshot pushed by the gateway.
type Account struct {
	AccountID        string    `json:"account_id"`
	Balance          float64   `json:"balance"`
	Available        float64   `json:"available"`
	Margin           float64   `json:"margin"`
	FloatProfit      float64   `json:"float_profit"`
	HoldProfit       float64   `json:"hold_profit"`
	CloseProfit      float64   `json:"close_profit"`
	RiskRatio        float64   `json:"risk_ratio"`
	GatewayConnected bool      `json:"gateway_connected"`
	TradePaused      bool      `json:"trade_paused"`
	Status           string    `json:"status"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OrderRequest is the payload of an order_req operation.
type OrderRequest struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Volume    int       `json:"volume"`
	Price     float64   `json:"price,omitempty"`
	PriceType PriceType `json:"price_type,omitempty"`
}

// CancelRequest is the payload of a cancel_req operation.
type CancelRequest struct {
	OrderID string `json:"order_id"`
}
