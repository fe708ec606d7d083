package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qtrader/qtrader/internal/protocol"
)

// delegateTimeout bounds one forwarded trader op.
const delegateTimeout = 15 * time.Second

// knownOps is the full delegation surface. An op outside this set is a 404,
// not a round trip to the trader.
var knownOps = map[string]bool{
	protocol.OpConnectGateway:    true,
	protocol.OpDisconnectGateway: true,
	protocol.OpPauseTrading:      true,
	protocol.OpResumeTrading:     true,
	protocol.OpSubscribe:         true,
	protocol.OpUnsubscribe:       true,
	protocol.OpUpdateAlertWechat: true,
	protocol.OpGetAlertWechat:    true,

	protocol.OpGetAccount:         true,
	protocol.OpGetOrder:           true,
	protocol.OpGetOrders:          true,
	protocol.OpGetActiveOrders:    true,
	protocol.OpGetTrade:           true,
	protocol.OpGetTrades:          true,
	protocol.OpGetPositions:       true,
	protocol.OpGetQuotes:          true,
	protocol.OpGetOrderCmdsStatus: true,
	protocol.OpGetJobs:            true,

	protocol.OpOrderReq:  true,
	protocol.OpCancelReq: true,

	protocol.OpTriggerJob: true,
	protocol.OpToggleJob:  true,
	protocol.OpPauseJob:   true,
	protocol.OpResumeJob:  true,

	protocol.OpListStrategies:           true,
	protocol.OpGetStrategy:              true,
	protocol.OpUpdateStrategyParams:     true,
	protocol.OpUpdateStrategySignal:     true,
	protocol.OpSetStrategyTradingStatus: true,
	protocol.OpEnableStrategy:           true,
	protocol.OpDisableStrategy:          true,
	protocol.OpReloadStrategyParams:     true,
	protocol.OpInitStrategy:             true,
	protocol.OpReplayAllStrategies:      true,
	protocol.OpGetStrategyOrderCmds:     true,
	protocol.OpSendStrategyOrderCmd:     true,

	protocol.OpGetRotationInstructions:    true,
	protocol.OpGetRotationInstruction:     true,
	protocol.OpUpdateRotationInstruction:  true,
	protocol.OpImportRotationInstructions: true,
	protocol.OpExecuteRotation:            true,
	protocol.OpBatchDeleteInstructions:    true,

	protocol.OpListSystemParams:       true,
	protocol.OpGetSystemParam:         true,
	protocol.OpUpdateSystemParam:      true,
	protocol.OpGetSystemParamsByGroup: true,
}

// rawPayload lets a request body pass through to the trader untouched.
type rawPayload json.RawMessage

func (p rawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// handleDelegateOp forwards POST /api/accounts/{accountID}/ops/{op} to the
// trader, body as the payload.
func (s *Server) handleDelegateOp(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	if !knownOps[op] {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown op %q", op))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload any
	if len(body) > 0 {
		if !json.Valid(body) {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("body is not valid JSON"))
			return
		}
		payload = rawPayload(body)
	}

	s.delegate(w, r, op, payload)
}

// setupQueryRoutes adds GET conveniences for the read-only ops so dashboards
// do not have to POST.
func (s *Server) setupQueryRoutes(r chi.Router) {
	get := func(pattern, op string) {
		r.Get(pattern, func(w http.ResponseWriter, req *http.Request) {
			s.delegate(w, req, op, nil)
		})
	}
	get("/account", protocol.OpGetAccount)
	get("/orders", protocol.OpGetOrders)
	get("/orders/active", protocol.OpGetActiveOrders)
	get("/trades", protocol.OpGetTrades)
	get("/positions", protocol.OpGetPositions)
	get("/quotes", protocol.OpGetQuotes)
	get("/order-cmds", protocol.OpGetOrderCmdsStatus)
	get("/jobs", protocol.OpGetJobs)
	get("/strategies", protocol.OpListStrategies)
	get("/params", protocol.OpListSystemParams)

	r.Get("/orders/{orderID}", func(w http.ResponseWriter, req *http.Request) {
		s.delegate(w, req, protocol.OpGetOrder,
			map[string]string{"order_id": chi.URLParam(req, "orderID")})
	})
	r.Get("/trades/{tradeID}", func(w http.ResponseWriter, req *http.Request) {
		s.delegate(w, req, protocol.OpGetTrade,
			map[string]string{"trade_id": chi.URLParam(req, "tradeID")})
	})
	r.Get("/strategies/{strategyID}", func(w http.ResponseWriter, req *http.Request) {
		s.delegate(w, req, protocol.OpGetStrategy,
			map[string]string{"strategy_id": chi.URLParam(req, "strategyID")})
	})
	r.Get("/rotation", func(w http.ResponseWriter, req *http.Request) {
		var payload any
		if date := req.URL.Query().Get("trading_date"); date != "" {
			payload = map[string]string{"trading_date": date}
		}
		s.delegate(w, req, protocol.OpGetRotationInstructions, payload)
	})
}

func (s *Server) delegate(w http.ResponseWriter, r *http.Request, op string, payload any) {
	accountID := chi.URLParam(r, "accountID")
	result, err := s.backend.Request(accountID, op, payload, delegateTimeout)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if _, err := w.Write(result); err != nil {
		s.log.Error().Err(err).Msg("Failed to write delegated response")
	}
}
