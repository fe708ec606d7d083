package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/executor"
	"github.com/qtrader/qtrader/internal/params"
	"github.com/qtrader/qtrader/internal/protocol"
	"github.com/qtrader/qtrader/internal/rotation"
)

// Request payloads. Fields mirror the wire contract; absent optional fields
// keep their zero value.

type symbolsPayload struct {
	Symbols []string `json:"symbols"`
}

type orderIDPayload struct {
	OrderID string `json:"order_id"`
}

type tradeIDPayload struct {
	TradeID string `json:"trade_id"`
}

type jobPayload struct {
	JobID   string `json:"job_id"`
	Enabled bool   `json:"enabled"`
}

type strategyPayload struct {
	StrategyID     string         `json:"strategy_id"`
	Params         map[string]any `json:"params,omitempty"`
	Signal         float64        `json:"signal,omitempty"`
	TradingEnabled bool           `json:"trading_enabled,omitempty"`
}

type strategyCmdPayload struct {
	StrategyID        string           `json:"strategy_id"`
	Symbol            string           `json:"symbol"`
	Direction         domain.Direction `json:"direction"`
	Offset            domain.Offset    `json:"offset"`
	Volume            int              `json:"volume"`
	Price             float64          `json:"price,omitempty"`
	MaxVolumePerOrder int              `json:"max_volume_per_order,omitempty"`
}

type instructionPayload struct {
	ID        int64   `json:"id"`
	Enabled   *bool   `json:"enabled,omitempty"`
	OrderTime *string `json:"order_time,omitempty"`
}

type importPayload struct {
	CSVText  string `json:"csv_text"`
	Filename string `json:"filename"`
	Mode     string `json:"mode,omitempty"`
}

type executePayload struct {
	IsManual bool `json:"is_manual"`
}

type batchDeletePayload struct {
	IDs []int64 `json:"ids"`
}

type paramPayload struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Group       string `json:"group,omitempty"`
	Description string `json:"description,omitempty"`
}

type datePayload struct {
	TradingDate string `json:"trading_date,omitempty"`
}

type wechatPayload struct {
	Value string `json:"value"`
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

// registerHandlers binds every RPC op to its component. Handlers run on the
// IPC server's dispatch goroutines; all touched components are
// goroutine-safe.
func (t *Trader) registerHandlers() {
	r := t.registry

	// gateway / system
	r.Register(protocol.OpConnectGateway, func(ctx context.Context, _ json.RawMessage) (any, error) {
		ok := t.gw.Connected() || t.gw.Connect()
		if !ok {
			return nil, fmt.Errorf("gateway connect failed")
		}
		return map[string]bool{"connected": true}, nil
	})
	r.Register(protocol.OpDisconnectGateway, func(ctx context.Context, _ json.RawMessage) (any, error) {
		t.gw.Disconnect()
		return map[string]bool{"connected": false}, nil
	})
	r.Register(protocol.OpPauseTrading, func(ctx context.Context, _ json.RawMessage) (any, error) {
		t.risk.SetPaused(true)
		return map[string]bool{"paused": true}, nil
	})
	r.Register(protocol.OpResumeTrading, func(ctx context.Context, _ json.RawMessage) (any, error) {
		t.risk.SetPaused(false)
		return map[string]bool{"paused": false}, nil
	})
	r.Register(protocol.OpSubscribe, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[symbolsPayload](payload)
		if err != nil {
			return nil, err
		}
		if !t.gw.Subscribe(p.Symbols) {
			return nil, fmt.Errorf("subscribe failed")
		}
		return map[string]int{"subscribed": len(p.Symbols)}, nil
	})
	r.Register(protocol.OpUnsubscribe, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[symbolsPayload](payload)
		if err != nil {
			return nil, err
		}
		if !t.gw.Unsubscribe(p.Symbols) {
			return nil, fmt.Errorf("unsubscribe failed")
		}
		return map[string]int{"unsubscribed": len(p.Symbols)}, nil
	})
	r.Register(protocol.OpUpdateAlertWechat, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[wechatPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.paramsRepo.Set(params.KeyAlertWechat, p.Value, params.GroupAlert, "wechat alert receiver"); err != nil {
			return nil, err
		}
		return map[string]string{"value": p.Value}, nil
	})
	r.Register(protocol.OpGetAlertWechat, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return map[string]string{"value": t.paramsRepo.GetString(params.KeyAlertWechat, "")}, nil
	})

	// queries
	r.Register(protocol.OpGetAccount, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.cache.Account(), nil
	})
	r.Register(protocol.OpGetOrder, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[orderIDPayload](payload)
		if err != nil {
			return nil, err
		}
		order, ok := t.cache.Order(p.OrderID)
		if !ok {
			return nil, fmt.Errorf("order %s not found", p.OrderID)
		}
		return order, nil
	})
	r.Register(protocol.OpGetOrders, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.cache.Orders(), nil
	})
	r.Register(protocol.OpGetActiveOrders, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.cache.ActiveOrders(), nil
	})
	r.Register(protocol.OpGetTrade, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[tradeIDPayload](payload)
		if err != nil {
			return nil, err
		}
		trade, ok := t.cache.Trade(p.TradeID)
		if !ok {
			return nil, fmt.Errorf("trade %s not found", p.TradeID)
		}
		return trade, nil
	})
	r.Register(protocol.OpGetTrades, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.cache.Trades(), nil
	})
	r.Register(protocol.OpGetPositions, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.cache.Positions(), nil
	})
	r.Register(protocol.OpGetQuotes, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.cache.Quotes(), nil
	})
	r.Register(protocol.OpGetOrderCmdsStatus, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.exec.Cmds(), nil
	})
	r.Register(protocol.OpGetJobs, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.jobMgr.List()
	})

	// trading
	r.Register(protocol.OpOrderReq, func(ctx context.Context, payload json.RawMessage) (any, error) {
		req, err := decode[domain.OrderRequest](payload)
		if err != nil {
			return nil, err
		}
		return t.service.SendOrder(req)
	})
	r.Register(protocol.OpCancelReq, func(ctx context.Context, payload json.RawMessage) (any, error) {
		req, err := decode[domain.CancelRequest](payload)
		if err != nil {
			return nil, err
		}
		if err := t.service.CancelOrder(req); err != nil {
			return nil, err
		}
		return map[string]string{"order_id": req.OrderID}, nil
	})

	// jobs
	r.Register(protocol.OpTriggerJob, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[jobPayload](payload)
		if err != nil {
			return nil, err
		}
		runID, err := t.jobMgr.Trigger(p.JobID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"run_id": runID}, nil
	})
	r.Register(protocol.OpToggleJob, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[jobPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.jobMgr.Toggle(p.JobID, p.Enabled); err != nil {
			return nil, err
		}
		return map[string]bool{"enabled": p.Enabled}, nil
	})
	r.Register(protocol.OpPauseJob, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[jobPayload](payload)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"enabled": false}, t.jobMgr.Pause(p.JobID)
	})
	r.Register(protocol.OpResumeJob, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[jobPayload](payload)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"enabled": true}, t.jobMgr.Resume(p.JobID)
	})

	t.registerStrategyHandlers()
	t.registerRotationHandlers()
	t.registerParamHandlers()
}

func (t *Trader) registerStrategyHandlers() {
	r := t.registry

	r.Register(protocol.OpListStrategies, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.strategies.List(), nil
	})
	r.Register(protocol.OpGetStrategy, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		state, err := t.strategies.Get(p.StrategyID)
		if err != nil {
			return nil, err
		}
		stratParams, err := t.strategies.Params(p.StrategyID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"state": state, "params": stratParams}, nil
	})
	r.Register(protocol.OpUpdateStrategyParams, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.strategies.UpdateParams(p.StrategyID, p.Params); err != nil {
			return nil, err
		}
		return t.strategies.Params(p.StrategyID)
	})
	r.Register(protocol.OpUpdateStrategySignal, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.strategies.UpdateSignal(p.StrategyID, p.Signal); err != nil {
			return nil, err
		}
		return t.strategies.Get(p.StrategyID)
	})
	r.Register(protocol.OpSetStrategyTradingStatus, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.strategies.SetTradingStatus(p.StrategyID, p.TradingEnabled); err != nil {
			return nil, err
		}
		return t.strategies.Get(p.StrategyID)
	})
	r.Register(protocol.OpEnableStrategy, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.strategies.SetEnabled(p.StrategyID, true); err != nil {
			return nil, err
		}
		return t.strategies.Get(p.StrategyID)
	})
	r.Register(protocol.OpDisableStrategy, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.strategies.SetEnabled(p.StrategyID, false); err != nil {
			return nil, err
		}
		return t.strategies.Get(p.StrategyID)
	})
	r.Register(protocol.OpReloadStrategyParams, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.strategies.ReloadParams(p.StrategyID); err != nil {
			return nil, err
		}
		return t.strategies.Params(p.StrategyID)
	})
	r.Register(protocol.OpInitStrategy, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.strategies.InitStrategy(p.StrategyID); err != nil {
			return nil, err
		}
		return t.strategies.Get(p.StrategyID)
	})
	r.Register(protocol.OpReplayAllStrategies, func(ctx context.Context, _ json.RawMessage) (any, error) {
		t.strategies.ReplayAll()
		return t.strategies.List(), nil
	})
	r.Register(protocol.OpGetStrategyOrderCmds, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyPayload](payload)
		if err != nil {
			return nil, err
		}
		return t.strategies.OrderCmds(p.StrategyID)
	})
	r.Register(protocol.OpSendStrategyOrderCmd, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[strategyCmdPayload](payload)
		if err != nil {
			return nil, err
		}
		maxPer := p.MaxVolumePerOrder
		if maxPer <= 0 {
			maxPer = t.cfg.Risk.MaxSplitVolume
		}
		cmd, err := t.strategies.SendOrderCmd(p.StrategyID, executor.Submit{
			Symbol:            p.Symbol,
			Direction:         p.Direction,
			Offset:            p.Offset,
			Volume:            p.Volume,
			Price:             p.Price,
			MaxVolumePerOrder: maxPer,
			OrderTimeout:      t.cfg.Risk.OrderTimeout(),
			TotalTimeout:      10 * t.cfg.Risk.OrderTimeout(),
		})
		if err != nil {
			return nil, err
		}
		if cmd == nil {
			return nil, fmt.Errorf("trading disabled for strategy %s", p.StrategyID)
		}
		return cmd, nil
	})
}

func (t *Trader) registerRotationHandlers() {
	r := t.registry

	r.Register(protocol.OpGetRotationInstructions, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[datePayload](payload)
		if err != nil {
			return nil, err
		}
		date := p.TradingDate
		if date == "" {
			date = time.Now().Format("20060102")
		}
		return t.rotRepo.ListByDate(date)
	})
	r.Register(protocol.OpGetRotationInstruction, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[instructionPayload](payload)
		if err != nil {
			return nil, err
		}
		return t.rotRepo.Get(p.ID)
	})
	r.Register(protocol.OpUpdateRotationInstruction, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[instructionPayload](payload)
		if err != nil {
			return nil, err
		}
		inst, err := t.rotRepo.Get(p.ID)
		if err != nil {
			return nil, err
		}
		if p.Enabled != nil {
			inst.Enabled = *p.Enabled
		}
		if p.OrderTime != nil {
			inst.OrderTime = *p.OrderTime
		}
		if err := t.rotRepo.Update(inst); err != nil {
			return nil, err
		}
		return inst, nil
	})
	r.Register(protocol.OpImportRotationInstructions, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[importPayload](payload)
		if err != nil {
			return nil, err
		}
		return t.rotEngine.Import([]byte(p.CSVText), p.Filename, p.Mode)
	})
	r.Register(protocol.OpExecuteRotation, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[executePayload](payload)
		if err != nil {
			return nil, err
		}
		if t.rotEngine.Working() {
			return nil, rotation.ErrBusy
		}
		// the pass monitors its cmds for minutes; run it off the handler
		go func() {
			if err := t.rotEngine.Execute(p.IsManual); err != nil {
				t.log.Error().Err(err).Msg("Rotation execution failed")
			}
		}()
		return map[string]bool{"started": true}, nil
	})
	r.Register(protocol.OpBatchDeleteInstructions, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[batchDeletePayload](payload)
		if err != nil {
			return nil, err
		}
		n, err := t.rotRepo.SoftDelete(p.IDs)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"deleted": n}, nil
	})
}

func (t *Trader) registerParamHandlers() {
	r := t.registry

	r.Register(protocol.OpListSystemParams, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return t.paramsRepo.List()
	})
	r.Register(protocol.OpGetSystemParam, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[paramPayload](payload)
		if err != nil {
			return nil, err
		}
		return t.paramsRepo.Get(p.Key)
	})
	r.Register(protocol.OpUpdateSystemParam, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[paramPayload](payload)
		if err != nil {
			return nil, err
		}
		if err := t.paramsRepo.Set(p.Key, p.Value, p.Group, p.Description); err != nil {
			return nil, err
		}
		return t.paramsRepo.Get(p.Key)
	})
	r.Register(protocol.OpGetSystemParamsByGroup, func(ctx context.Context, payload json.RawMessage) (any, error) {
		p, err := decode[paramPayload](payload)
		if err != nil {
			return nil, err
		}
		return t.paramsRepo.ListByGroup(p.Group)
	})
}
