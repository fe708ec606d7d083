package trading

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/params"
)

// State keys for the daily counters. Persisted through system_params so the
// counts survive a trader restart within the same trading day.
const (
	keyOrderCountDate  = "risk_order_count_date"
	keyDailyOrderCount = "risk_daily_order_count"
	keyDailyCancels    = "risk_daily_cancel_count"
)

// RiskError is a risk-control rejection. It reaches the caller as an error
// response; the gateway is never touched.
type RiskError struct {
	Rule string
	Msg  string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk control rejected: %s (%s)", e.Msg, e.Rule)
}

// RiskService enforces the per-account limits at order_req entry: daily order
// count, daily cancel count, and single-order volume. Limits are read from
// system_params so operator updates take effect without a restart.
type RiskService struct {
	params *params.Repository
	log    zerolog.Logger

	mu          sync.Mutex
	countDate   string
	orderCount  int
	cancelCount int
	paused      bool
}

// NewRiskService creates a risk service, restoring today's counters from the
// database.
func NewRiskService(paramsRepo *params.Repository, log zerolog.Logger) *RiskService {
	s := &RiskService{
		params: paramsRepo,
		log:    log.With().Str("component", "risk").Logger(),
	}
	s.restore()
	return s
}

func (s *RiskService) restore() {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := tradingDay()
	s.countDate = s.params.GetString(keyOrderCountDate, today)
	if s.countDate != today {
		s.countDate = today
		s.orderCount = 0
		s.cancelCount = 0
		return
	}
	s.orderCount = s.params.GetInt(keyDailyOrderCount, 0)
	s.cancelCount = s.params.GetInt(keyDailyCancels, 0)
}

// rollDayLocked resets the counters when the trading day changed. Caller
// holds the mutex.
func (s *RiskService) rollDayLocked() {
	today := tradingDay()
	if s.countDate == today {
		return
	}
	s.countDate = today
	s.orderCount = 0
	s.cancelCount = 0
	s.persistLocked()
}

func (s *RiskService) persistLocked() {
	if err := s.params.Set(keyOrderCountDate, s.countDate, params.GroupState, "trading day of the risk counters"); err != nil {
		s.log.Warn().Err(err).Msg("Persisting risk counter date failed")
	}
	if err := s.params.SetInt(keyDailyOrderCount, s.orderCount, params.GroupState); err != nil {
		s.log.Warn().Err(err).Msg("Persisting order count failed")
	}
	if err := s.params.SetInt(keyDailyCancels, s.cancelCount, params.GroupState); err != nil {
		s.log.Warn().Err(err).Msg("Persisting cancel count failed")
	}
}

// SetPaused flips the trade-paused flag checked by CheckOrder.
func (s *RiskService) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	s.log.Info().Bool("paused", paused).Msg("Trading pause flag updated")
}

// Paused reports the trade-paused flag.
func (s *RiskService) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// CheckOrder validates one order insert against the limits and, on success,
// consumes one unit of today's order budget.
func (s *RiskService) CheckOrder(volume int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()

	if s.paused {
		return &RiskError{Rule: "trade_paused", Msg: "trading is paused"}
	}
	if volume <= 0 {
		return &RiskError{Rule: "volume", Msg: "volume must be positive"}
	}
	if maxVol := s.params.GetInt(params.KeyMaxSingleOrderVolume, 0); maxVol > 0 && volume > maxVol {
		return &RiskError{Rule: params.KeyMaxSingleOrderVolume,
			Msg: fmt.Sprintf("volume %d exceeds single-order limit %d", volume, maxVol)}
	}
	if maxOrders := s.params.GetInt(params.KeyMaxDailyOrders, 0); maxOrders > 0 && s.orderCount >= maxOrders {
		return &RiskError{Rule: params.KeyMaxDailyOrders,
			Msg: fmt.Sprintf("daily order limit %d reached", maxOrders)}
	}

	s.orderCount++
	s.persistLocked()
	return nil
}

// CheckCancel validates one cancel against the daily cancel budget and, on
// success, consumes it.
func (s *RiskService) CheckCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()

	if maxCancels := s.params.GetInt(params.KeyMaxDailyCancels, 0); maxCancels > 0 && s.cancelCount >= maxCancels {
		return &RiskError{Rule: params.KeyMaxDailyCancels,
			Msg: fmt.Sprintf("daily cancel limit %d reached", maxCancels)}
	}

	s.cancelCount++
	s.persistLocked()
	return nil
}

// Counters returns today's consumed order and cancel budgets.
func (s *RiskService) Counters() (orders, cancels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	return s.orderCount, s.cancelCount
}

func tradingDay() string {
	return time.Now().Format("20060102")
}
