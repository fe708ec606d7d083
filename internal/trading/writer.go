package trading

import (
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
)

// Writer is the event-driven persistence sink: it subscribes to ACCOUNT,
// POSITION, TRADE and CONTRACT updates and upserts them, plus orders on their
// terminal transition. Write failures are logged (and so raise alarms through
// the hook) but never interrupt the event flow.
type Writer struct {
	repo *Repository
	log  zerolog.Logger
}

// NewWriter creates a persistence writer.
func NewWriter(repo *Repository, log zerolog.Logger) *Writer {
	return &Writer{
		repo: repo,
		log:  log.With().Str("component", "persistence").Logger(),
	}
}

// Subscribe wires the writer onto the event engine.
func (w *Writer) Subscribe(engine *events.Engine) {
	engine.Subscribe(events.AccountUpdate, func(e *events.Event) {
		if acc, ok := e.Data.(*domain.Account); ok {
			if err := w.repo.UpsertAccount(acc); err != nil {
				w.log.Error().Err(err).Str("account_id", acc.AccountID).Msg("Account upsert failed")
			}
		}
	})
	engine.Subscribe(events.PositionUpdate, func(e *events.Event) {
		if pos, ok := e.Data.(*domain.Position); ok {
			if err := w.repo.UpsertPosition(pos); err != nil {
				w.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Position upsert failed")
			}
		}
	})
	engine.Subscribe(events.TradeUpdate, func(e *events.Event) {
		if trade, ok := e.Data.(*domain.Trade); ok {
			if err := w.repo.InsertTrade(trade); err != nil {
				w.log.Error().Err(err).Str("trade_id", trade.TradeID).Msg("Trade insert failed")
			}
		}
	})
	engine.Subscribe(events.ContractUpdate, func(e *events.Event) {
		if contract, ok := e.Data.(*domain.Contract); ok {
			if err := w.repo.UpsertContract(contract); err != nil {
				w.log.Error().Err(err).Str("symbol", contract.Symbol).Msg("Contract upsert failed")
			}
		}
	})
	engine.Subscribe(events.OrderUpdate, func(e *events.Event) {
		order, ok := e.Data.(*domain.Order)
		if !ok || !order.IsTerminal() {
			return
		}
		if err := w.repo.UpsertOrder(order); err != nil {
			w.log.Error().Err(err).Str("order_id", order.OrderID).Msg("Order upsert failed")
		}
	})
}
