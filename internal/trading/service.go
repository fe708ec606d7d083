package trading

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/gateway"
)

// Service is the gateway-facing order path: every order_req and cancel_req
// passes through the risk gate here before it can touch the gateway. The
// executor submits its slices through the same path.
type Service struct {
	gw    gateway.Gateway
	risk  *RiskService
	cache *Cache
	log   zerolog.Logger
}

// NewService creates the order service.
func NewService(gw gateway.Gateway, risk *RiskService, cache *Cache, log zerolog.Logger) *Service {
	return &Service{
		gw:    gw,
		risk:  risk,
		cache: cache,
		log:   log.With().Str("component", "trading").Logger(),
	}
}

// SendOrder validates and submits one order. Risk rejections return before
// any gateway call.
func (s *Service) SendOrder(req domain.OrderRequest) (*domain.Order, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("order_req: symbol is required")
	}
	if req.Direction != domain.DirectionBuy && req.Direction != domain.DirectionSell {
		return nil, fmt.Errorf("order_req: invalid direction %q", req.Direction)
	}
	switch req.Offset {
	case domain.OffsetOpen, domain.OffsetClose, domain.OffsetCloseToday:
	default:
		return nil, fmt.Errorf("order_req: invalid offset %q", req.Offset)
	}

	if !s.gw.Connected() {
		return nil, fmt.Errorf("order_req: gateway not connected")
	}
	if err := s.risk.CheckOrder(req.Volume); err != nil {
		s.log.Warn().Err(err).Str("symbol", req.Symbol).Int("volume", req.Volume).Msg("Order rejected by risk control")
		return nil, err
	}

	order, err := s.gw.SendOrder(req)
	if err != nil {
		return nil, fmt.Errorf("order_req: %w", err)
	}

	s.log.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("direction", string(order.Direction)).
		Str("offset", string(order.Offset)).
		Int("volume", order.Volume).
		Float64("price", order.Price).
		Msg("Order submitted")
	return order, nil
}

// CancelOrder validates and submits one cancel.
func (s *Service) CancelOrder(req domain.CancelRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("cancel_req: order_id is required")
	}
	if _, ok := s.cache.Order(req.OrderID); !ok {
		return fmt.Errorf("cancel_req: unknown order %s", req.OrderID)
	}
	if err := s.risk.CheckCancel(); err != nil {
		s.log.Warn().Err(err).Str("order_id", req.OrderID).Msg("Cancel rejected by risk control")
		return err
	}

	if err := s.gw.CancelOrder(req); err != nil {
		return fmt.Errorf("cancel_req: %w", err)
	}
	s.log.Info().Str("order_id", req.OrderID).Msg("Cancel submitted")
	return nil
}
