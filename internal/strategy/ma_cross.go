package strategy

import (
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/executor"
)

// MACross is the built-in moving-average cross strategy: a fast SMA crossing
// the slow SMA on bar closes flips the signal, gated by a minimum return
// volatility so chop does not generate churn. Orders go out only when the
// manager has trading enabled.
type MACross struct {
	id     string
	symbol string

	mu      sync.Mutex
	ctx     Context
	inited  bool
	closes  []float64
	signal  float64 // -1 short, 0 flat, +1 long
	fast    int
	slow    int
	volMin  float64
	lots    int
	timeout time.Duration
}

// NewMACross creates the strategy with its default parameters; Init
// overrides them from the TOML file.
func NewMACross(id, symbol string) *MACross {
	return &MACross{
		id:      id,
		symbol:  symbol,
		fast:    5,
		slow:    20,
		volMin:  0.0005,
		lots:    1,
		timeout: 5 * time.Second,
	}
}

// ID returns the strategy id.
func (s *MACross) ID() string { return s.id }

// Init applies params and arms the strategy.
func (s *MACross) Init(ctx Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if v, ok := intParam(ctx.Params, "fast"); ok {
		s.fast = v
	}
	if v, ok := intParam(ctx.Params, "slow"); ok {
		s.slow = v
	}
	if v, ok := floatParam(ctx.Params, "vol_min"); ok {
		s.volMin = v
	}
	if v, ok := intParam(ctx.Params, "lots"); ok {
		s.lots = v
	}
	s.closes = s.closes[:0]
	s.signal = 0
	s.inited = true
	return nil
}

// OnTick is unused; the strategy trades on bar closes.
func (s *MACross) OnTick(tick *domain.Tick) {}

// OnBar folds one bar close into the SMA windows and acts on a cross.
func (s *MACross) OnBar(bar *domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited || bar.Symbol != s.symbol {
		return
	}

	s.closes = append(s.closes, bar.Close)
	if keep := 4 * s.slow; len(s.closes) > keep {
		s.closes = s.closes[len(s.closes)-keep:]
	}
	if len(s.closes) <= s.slow {
		return
	}

	fast := talib.Sma(s.closes, s.fast)
	slow := talib.Sma(s.closes, s.slow)
	last := len(s.closes) - 1

	// volatility gate: stand down when recent returns are too quiet
	if s.returnsStdDev() < s.volMin {
		return
	}

	crossedUp := fast[last] > slow[last] && fast[last-1] <= slow[last-1]
	crossedDown := fast[last] < slow[last] && fast[last-1] >= slow[last-1]

	switch {
	case crossedUp && s.signal <= 0:
		s.flipLocked(1, bar.Close)
	case crossedDown && s.signal >= 0:
		s.flipLocked(-1, bar.Close)
	}
}

// returnsStdDev computes the standard deviation of the last slow-window bar
// returns.
func (s *MACross) returnsStdDev() float64 {
	n := len(s.closes)
	window := s.slow
	if n-1 < window {
		window = n - 1
	}
	returns := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		if s.closes[i-1] != 0 {
			returns = append(returns, s.closes[i]/s.closes[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

// flipLocked records the new signal and, when trading is live, routes the
// position change through the executor.
func (s *MACross) flipLocked(signal float64, price float64) {
	prev := s.signal
	s.signal = signal
	if s.ctx.SetSignal != nil {
		s.ctx.SetSignal(signal)
	}
	s.ctx.Log.Info().
		Float64("signal", signal).
		Float64("price", price).
		Msg("MA cross signal flipped")

	if s.ctx.SendOrderCmd == nil {
		return
	}

	// close the opposite leg first, then open the new one
	if prev < 0 && signal > 0 {
		s.submitLocked(domain.DirectionBuy, domain.OffsetClose, price)
	}
	if prev > 0 && signal < 0 {
		s.submitLocked(domain.DirectionSell, domain.OffsetClose, price)
	}
	if signal > 0 {
		s.submitLocked(domain.DirectionBuy, domain.OffsetOpen, price)
	} else {
		s.submitLocked(domain.DirectionSell, domain.OffsetOpen, price)
	}
}

func (s *MACross) submitLocked(direction domain.Direction, offset domain.Offset, price float64) {
	_, err := s.ctx.SendOrderCmd(executor.Submit{
		Symbol:            s.symbol,
		Direction:         direction,
		Offset:            offset,
		Volume:            s.lots,
		Price:             price,
		MaxVolumePerOrder: s.lots,
		OrderTimeout:      s.timeout,
		TotalTimeout:      10 * s.timeout,
	})
	if err != nil {
		s.ctx.Log.Error().Err(err).Str("direction", string(direction)).Msg("Strategy order cmd failed")
	}
}

// OnOrder is a no-op; fills are tracked through the manager.
func (s *MACross) OnOrder(order *domain.Order) {}

// OnTrade is a no-op; fills are tracked through the manager.
func (s *MACross) OnTrade(trade *domain.Trade) {}

// Stop disarms the strategy.
func (s *MACross) Stop() {
	s.mu.Lock()
	s.inited = false
	s.mu.Unlock()
}

func intParam(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func floatParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}
