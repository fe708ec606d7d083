// Package executor drives OrderCmds to completion: one high-level directive
// becomes a sequence of child orders sliced at max_volume_per_order, with
// per-slice timeouts, cancels, retry bounds and partial-fill accounting.
package executor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
)

const (
	// maxInsertErrors bounds consecutive insert failures before the cmd
	// terminates with ERROR.
	maxInsertErrors = 3

	// defaultOrderInterval is the event wait granularity when a cmd does
	// not set one.
	defaultOrderInterval = 1 * time.Second

	// quiesceTimeout bounds the wait for a cancel confirmation before the
	// executor falls back to the last cached order state.
	quiesceTimeout = 5 * time.Second
)

// ErrUnknownCmd is returned for operations on a cmd id the executor does not
// hold.
var ErrUnknownCmd = errors.New("executor: unknown cmd")

// OrderGateway is the order entry surface the executor needs. Satisfied by
// *trading.Service for inserts; cancels go straight to the gateway so
// executor-issued cancels never consume the caller's daily cancel budget.
type OrderGateway interface {
	SendOrder(req domain.OrderRequest) (*domain.Order, error)
	CancelOrder(req domain.CancelRequest) error
}

// OrderReader reads back live order state and quotes. Satisfied by
// *trading.Cache.
type OrderReader interface {
	Order(orderID string) (*domain.Order, bool)
	Quote(symbol string) (*domain.Tick, bool)
}

// OnChange is invoked for every cmd status transition, at most once per
// transition, with a snapshot safe to retain.
type OnChange func(*domain.OrderCmd)

// Submit is the input for one new OrderCmd.
type Submit struct {
	Symbol            string
	Direction         domain.Direction
	Offset            domain.Offset
	Volume            int
	Price             float64
	MaxVolumePerOrder int
	OrderInterval     time.Duration
	TotalTimeout      time.Duration
	OrderTimeout      time.Duration
	Source            string
	OnChange          OnChange
}

// cmdRuntime is the private state machine of one running cmd.
type cmdRuntime struct {
	mu  sync.Mutex
	cmd *domain.OrderCmd

	onChange OnChange

	// liveOrderID is the current child order; at most one per cmd.
	liveOrderID   string
	sliceInserted time.Time

	updates  chan struct{}
	cancelCh chan struct{}
	cancel   sync.Once
}

func (rt *cmdRuntime) snapshot() *domain.OrderCmd {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cmd.Clone()
}

// notify pokes the run loop; losing a poke is harmless because the loop
// re-reads cached order state on every interval tick.
func (rt *cmdRuntime) notify() {
	select {
	case rt.updates <- struct{}{}:
	default:
	}
}

// Executor runs many cmds concurrently, each an independent state machine on
// its own goroutine. It observes order updates from the same event engine
// that drives strategies, so per-order_id ordering is the engine's.
type Executor struct {
	gw     OrderGateway
	reader OrderReader
	log    zerolog.Logger

	mu      sync.RWMutex
	cmds    map[string]*cmdRuntime
	byOrder map[string]*cmdRuntime

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an executor.
func New(gw OrderGateway, reader OrderReader, log zerolog.Logger) *Executor {
	return &Executor{
		gw:       gw,
		reader:   reader,
		log:      log.With().Str("component", "executor").Logger(),
		cmds:     make(map[string]*cmdRuntime),
		byOrder:  make(map[string]*cmdRuntime),
		stopChan: make(chan struct{}),
	}
}

// Subscribe wires the executor onto the event engine. Register the cache
// first: the executor re-reads order state through the reader after each
// notification.
func (e *Executor) Subscribe(engine *events.Engine) {
	engine.Subscribe(events.OrderUpdate, func(ev *events.Event) {
		if order, ok := ev.Data.(*domain.Order); ok {
			e.route(order.OrderID)
		}
	})
	engine.Subscribe(events.TradeUpdate, func(ev *events.Event) {
		if trade, ok := ev.Data.(*domain.Trade); ok {
			e.route(trade.OrderID)
		}
	})
}

func (e *Executor) route(orderID string) {
	e.mu.RLock()
	rt, ok := e.byOrder[orderID]
	e.mu.RUnlock()
	if ok {
		rt.notify()
	}
}

// SubmitCmd validates and starts one cmd, returning its snapshot with the
// assigned cmd id.
func (e *Executor) SubmitCmd(sub Submit) (*domain.OrderCmd, error) {
	if sub.Volume <= 0 {
		return nil, fmt.Errorf("executor: volume must be positive")
	}
	if sub.MaxVolumePerOrder <= 0 {
		sub.MaxVolumePerOrder = sub.Volume
	}
	if sub.OrderInterval <= 0 {
		sub.OrderInterval = defaultOrderInterval
	}
	if sub.OrderTimeout <= 0 {
		sub.OrderTimeout = 5 * time.Second
	}
	if sub.TotalTimeout <= 0 {
		sub.TotalTimeout = 10 * sub.OrderTimeout
	}

	select {
	case <-e.stopChan:
		return nil, fmt.Errorf("executor: stopped")
	default:
	}

	rt := &cmdRuntime{
		cmd: &domain.OrderCmd{
			CmdID:             uuid.NewString(),
			Symbol:            sub.Symbol,
			Direction:         sub.Direction,
			Offset:            sub.Offset,
			Volume:            sub.Volume,
			Price:             sub.Price,
			MaxVolumePerOrder: sub.MaxVolumePerOrder,
			OrderInterval:     sub.OrderInterval,
			TotalTimeout:      sub.TotalTimeout,
			OrderTimeout:      sub.OrderTimeout,
			Source:            sub.Source,
			Status:            domain.OrderCmdPending,
		},
		onChange: sub.OnChange,
		updates:  make(chan struct{}, 1),
		cancelCh: make(chan struct{}),
	}

	e.mu.Lock()
	e.cmds[rt.cmd.CmdID] = rt
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(rt)

	e.log.Info().
		Str("cmd_id", rt.cmd.CmdID).
		Str("symbol", sub.Symbol).
		Str("direction", string(sub.Direction)).
		Int("volume", sub.Volume).
		Str("source", sub.Source).
		Msg("OrderCmd submitted")
	return rt.snapshot(), nil
}

// CancelCmd requests external cancellation; the cmd terminates with
// CANCELLED after its live child quiesces.
func (e *Executor) CancelCmd(cmdID string) error {
	e.mu.RLock()
	rt, ok := e.cmds[cmdID]
	e.mu.RUnlock()
	if !ok {
		return ErrUnknownCmd
	}
	rt.cancel.Do(func() { close(rt.cancelCh) })
	return nil
}

// Cmd returns the snapshot of one cmd.
func (e *Executor) Cmd(cmdID string) (*domain.OrderCmd, error) {
	e.mu.RLock()
	rt, ok := e.cmds[cmdID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownCmd
	}
	return rt.snapshot(), nil
}

// Cmds returns snapshots of every cmd the executor has seen this session.
func (e *Executor) Cmds() []*domain.OrderCmd {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.OrderCmd, 0, len(e.cmds))
	for _, rt := range e.cmds {
		out = append(out, rt.snapshot())
	}
	return out
}

// CmdsBySource returns snapshots of cmds whose source matches exactly.
func (e *Executor) CmdsBySource(source string) []*domain.OrderCmd {
	var out []*domain.OrderCmd
	for _, cmd := range e.Cmds() {
		if cmd.Source == source {
			out = append(out, cmd)
		}
	}
	return out
}

// Stop aborts all running cmds and waits for their goroutines. In-flight
// cmds do not survive a trader restart; rotation re-drives them on its next
// pass.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
}

// transition applies one status change under the runtime lock and fires the
// callback outside it.
func (e *Executor) transition(rt *cmdRuntime, mutate func(c *domain.OrderCmd)) {
	rt.mu.Lock()
	mutate(rt.cmd)
	snap := rt.cmd.Clone()
	cb := rt.onChange
	rt.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

func (e *Executor) finish(rt *cmdRuntime, reason domain.FinishReason, errMsg string) {
	e.transition(rt, func(c *domain.OrderCmd) {
		c.Status = domain.OrderCmdFinished
		c.FinishReason = reason
		c.ErrorMsg = errMsg
		c.FinishedAt = time.Now()
	})
	e.log.Info().
		Str("cmd_id", rt.cmd.CmdID).
		Str("reason", string(reason)).
		Int("filled", rt.cmd.FilledVolume).
		Int("volume", rt.cmd.Volume).
		Msg("OrderCmd finished")
}

// run is the per-cmd state machine loop.
func (e *Executor) run(rt *cmdRuntime) {
	defer e.wg.Done()

	e.transition(rt, func(c *domain.OrderCmd) {
		c.Status = domain.OrderCmdRunning
		c.StartedAt = time.Now()
	})

	deadline := time.Now().Add(rt.cmd.TotalTimeout)
	errCount := 0

	for {
		select {
		case <-e.stopChan:
			e.quiesceChild(rt)
			e.finish(rt, domain.FinishCancelled, "executor stopped")
			return
		case <-rt.cancelCh:
			e.quiesceChild(rt)
			e.finish(rt, domain.FinishCancelled, "")
			return
		default:
		}

		rt.mu.Lock()
		remaining := rt.cmd.Remaining()
		live := rt.liveOrderID
		rt.mu.Unlock()

		if remaining == 0 {
			e.finish(rt, domain.FinishAllCompleted, "")
			return
		}
		if time.Now().After(deadline) {
			e.quiesceChild(rt)
			rt.mu.Lock()
			done := rt.cmd.Remaining() == 0
			rt.mu.Unlock()
			if done {
				e.finish(rt, domain.FinishAllCompleted, "")
			} else {
				e.finish(rt, domain.FinishPartialTimeout, "total timeout elapsed")
			}
			return
		}

		if live == "" {
			if ok := e.insertSlice(rt, remaining, &errCount); !ok {
				e.finish(rt, domain.FinishError, "insert retries exhausted")
				return
			}
			continue
		}

		if fatal := e.watchSlice(rt); fatal != "" {
			e.finish(rt, domain.FinishError, fatal)
			return
		}
	}
}

// insertSlice computes the next slice and submits it. Returns false once the
// error budget is exhausted.
func (e *Executor) insertSlice(rt *cmdRuntime, remaining int, errCount *int) bool {
	rt.mu.Lock()
	cmd := rt.cmd
	slice := remaining
	if slice > cmd.MaxVolumePerOrder {
		slice = cmd.MaxVolumePerOrder
	}
	req := domain.OrderRequest{
		Symbol:    cmd.Symbol,
		Direction: cmd.Direction,
		Offset:    cmd.Offset,
		Volume:    slice,
		Price:     cmd.Price,
		PriceType: domain.PriceTypeLimit,
	}
	rt.mu.Unlock()

	// Market-style: chase the opposite-side best when no price is given.
	if req.Price == 0 {
		if quote, ok := e.reader.Quote(req.Symbol); ok {
			req.Price = quote.OppositePrice(req.Direction)
		}
	}

	order, err := e.gw.SendOrder(req)
	if err != nil {
		*errCount++
		e.log.Warn().Err(err).
			Str("cmd_id", rt.cmd.CmdID).
			Int("err_count", *errCount).
			Msg("Slice insert failed")
		if *errCount > maxInsertErrors {
			return false
		}
		// brief pause before the retry so a rejecting gateway is not hammered
		select {
		case <-e.stopChan:
		case <-rt.cancelCh:
		case <-time.After(500 * time.Millisecond):
		}
		return true
	}

	e.mu.Lock()
	e.byOrder[order.OrderID] = rt
	e.mu.Unlock()

	e.transition(rt, func(c *domain.OrderCmd) {
		c.OrderIDs = append(c.OrderIDs, order.OrderID)
	})
	rt.mu.Lock()
	rt.liveOrderID = order.OrderID
	rt.sliceInserted = time.Now()
	rt.mu.Unlock()

	// the insert response itself may already be terminal (instant sims)
	rt.notify()
	return true
}

// watchSlice waits for the live child to progress: terminal states credit
// fills, a stall past order_timeout triggers a cancel. Returns a non-empty
// fatal message for unrecoverable rejects.
func (e *Executor) watchSlice(rt *cmdRuntime) (fatal string) {
	rt.mu.Lock()
	orderID := rt.liveOrderID
	interval := rt.cmd.OrderInterval
	inserted := rt.sliceInserted
	orderTimeout := rt.cmd.OrderTimeout
	rt.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-e.stopChan:
		return ""
	case <-rt.cancelCh:
		return ""
	case <-rt.updates:
	case <-timer.C:
	}

	order, ok := e.reader.Order(orderID)
	if !ok {
		// insert acknowledged but no state yet; re-check next round unless
		// the slice is already past its timeout
		if time.Since(inserted) > orderTimeout {
			e.cancelQuietly(orderID)
		}
		return ""
	}

	switch order.Status {
	case domain.OrderStatusFinished, domain.OrderStatusCancelled:
		e.creditSlice(rt, order)
		return ""
	case domain.OrderStatusRejected:
		e.clearSlice(rt, orderID)
		rt.mu.Lock()
		hasFills := rt.cmd.FilledVolume > 0
		rt.mu.Unlock()
		if hasFills {
			// partial progress exists, keep going with the next slice
			return ""
		}
		return fmt.Sprintf("order %s rejected: %s", orderID, order.StatusMsg)
	default:
		if time.Since(inserted) > orderTimeout {
			e.log.Info().
				Str("cmd_id", rt.cmd.CmdID).
				Str("order_id", orderID).
				Msg("Slice timed out, cancelling")
			e.cancelQuietly(orderID)
			// credit happens when the cancel confirmation (or the racing
			// fill) arrives as a terminal order update
		}
		return ""
	}
}

// creditSlice counts whatever the gateway reports as executed on a terminal
// child and clears the live slot. A cancel that raced a fill credits the
// fill: the executed volume comes from the order itself.
func (e *Executor) creditSlice(rt *cmdRuntime, order *domain.Order) {
	executed := order.ExecutedVolume()
	e.clearSlice(rt, order.OrderID)
	if executed > 0 {
		e.transition(rt, func(c *domain.OrderCmd) {
			c.FilledVolume += executed
			if c.FilledVolume > c.Volume {
				// never over-credit; clamp defensively against duplicate
				// terminal updates
				c.FilledVolume = c.Volume
			}
		})
	}
}

func (e *Executor) clearSlice(rt *cmdRuntime, orderID string) {
	rt.mu.Lock()
	if rt.liveOrderID == orderID {
		rt.liveOrderID = ""
	}
	rt.mu.Unlock()

	e.mu.Lock()
	delete(e.byOrder, orderID)
	e.mu.Unlock()
}

// cancelQuietly issues a cancel; failure because the order already completed
// is not an error.
func (e *Executor) cancelQuietly(orderID string) {
	if err := e.gw.CancelOrder(domain.CancelRequest{OrderID: orderID}); err != nil {
		e.log.Debug().Err(err).Str("order_id", orderID).Msg("Cancel returned error, order may have completed")
	}
}

// quiesceChild cancels the outstanding child, waits briefly for its terminal
// confirmation, and credits the last-known fill either way.
func (e *Executor) quiesceChild(rt *cmdRuntime) {
	rt.mu.Lock()
	orderID := rt.liveOrderID
	rt.mu.Unlock()
	if orderID == "" {
		return
	}

	e.cancelQuietly(orderID)

	deadline := time.Now().Add(quiesceTimeout)
	for time.Now().Before(deadline) {
		order, ok := e.reader.Order(orderID)
		if ok && order.IsTerminal() {
			e.creditSlice(rt, order)
			return
		}
		select {
		case <-rt.updates:
		case <-time.After(100 * time.Millisecond):
		}
	}

	// no confirmation inside the window: count the last state we saw
	if order, ok := e.reader.Order(orderID); ok {
		e.creditSlice(rt, order)
	} else {
		e.clearSlice(rt, orderID)
	}
}
