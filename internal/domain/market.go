package domain

import "time"

// Tick is an immutable market data snapshot keyed by (symbol, timestamp).
type Tick struct {
	Symbol       string    `json:"symbol"`
	LastPrice    float64   `json:"last_price"`
	BidPrice1    float64   `json:"bid_price1"`
	AskPrice1    float64   `json:"ask_price1"`
	BidVolume1   int       `json:"bid_volume1"`
	AskVolume1   int       `json:"ask_volume1"`
	Volume       int       `json:"volume"`
	OpenInterest float64   `json:"open_interest"`
	UpperLimit   float64   `json:"upper_limit"`
	LowerLimit   float64   `json:"lower_limit"`
	Timestamp    time.Time `json:"timestamp"`
}

// OppositePrice returns the best price on the other side of the book for the
// given direction: a buyer lifts the ask, a seller hits the bid. Falls back
// to the last price when that side is empty.
func (t *Tick) OppositePrice(direction Direction) float64 {
	var p float64
	if direction == DirectionBuy {
		p = t.AskPrice1
	} else {
		p = t.BidPrice1
	}
	if p <= 0 {
		p = t.LastPrice
	}
	return p
}

// Bar is an aggregated OHLC snapshot for one interval.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int       `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Contract describes a tradeable instrument as reported by the gateway.
type Contract struct {
	Symbol         string  `json:"symbol"` // exchange.instrument, e.g. SHFE.rb2505
	Exchange       string  `json:"exchange"`
	Name           string  `json:"name"`
	VolumeMultiple int     `json:"volume_multiple"`
	PriceTick      float64 `json:"price_tick"`
	ExpireDate     string  `json:"expire_date"`
}
