package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
	"github.com/qtrader/qtrader/internal/executor"
)

// ErrUnknownStrategy is returned for ids the manager does not hold.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// snapshotFile holds the logical positions of all strategies of one account.
const snapshotFile = "positions.msgpack"

// Manager owns the strategy instances of one trader: lifecycle, runtime
// state, TOML parameters, and the logical-position snapshot.
type Manager struct {
	paramsDir string
	sender    OrderCmdSender
	quotes    QuoteSource
	log       zerolog.Logger

	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Strategy
	states    map[string]*State
	params    map[string]map[string]any
	cmdIDs    map[string][]string // strategy id -> submitted cmd ids
	order     []string            // stable listing order
}

// NewManager creates a strategy manager. The built-in classes are registered
// up front; additional factories can be added before Load.
func NewManager(paramsDir string, sender OrderCmdSender, quotes QuoteSource, log zerolog.Logger) *Manager {
	m := &Manager{
		paramsDir: paramsDir,
		sender:    sender,
		quotes:    quotes,
		log:       log.With().Str("component", "strategy").Logger(),
		factories: make(map[string]Factory),
		instances: make(map[string]Strategy),
		states:    make(map[string]*State),
		params:    make(map[string]map[string]any),
		cmdIDs:    make(map[string][]string),
	}
	m.RegisterClass("ma_cross", func(id, symbol string) Strategy {
		return NewMACross(id, symbol)
	})
	return m
}

// RegisterClass adds a strategy factory under a class name.
func (m *Manager) RegisterClass(class string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[class] = factory
}

// Load instantiates the configured strategies. Unknown classes are an error;
// nothing is initialized yet (Init runs per strategy, or via InitAll at
// trader start).
func (m *Manager) Load(configured []config.StrategyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sc := range configured {
		factory, ok := m.factories[sc.Class]
		if !ok {
			return fmt.Errorf("strategy: unknown class %q for %s", sc.Class, sc.StrategyID)
		}
		m.instances[sc.StrategyID] = factory(sc.StrategyID, sc.Symbol)
		m.states[sc.StrategyID] = &State{
			StrategyID:     sc.StrategyID,
			Class:          sc.Class,
			Symbol:         sc.Symbol,
			Enabled:        sc.Enabled,
			TradingEnabled: sc.TradingEnabled,
		}
		m.order = append(m.order, sc.StrategyID)
	}
	return nil
}

// InitAll initializes every enabled strategy. Individual failures are logged
// and skipped; the trader still comes up.
func (m *Manager) InitAll() {
	for _, id := range m.ids() {
		state, _ := m.Get(id)
		if state == nil || !state.Enabled {
			continue
		}
		if err := m.InitStrategy(id); err != nil {
			m.log.Error().Err(err).Str("strategy_id", id).Msg("Strategy init failed")
		}
	}
}

// InitStrategy (re)initializes one strategy: params from TOML, logical
// positions from the snapshot file, then Init on the instance.
func (m *Manager) InitStrategy(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownStrategy
	}
	state := m.states[id]

	params, err := m.loadParamsLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.params[id] = params

	if snap := m.loadSnapshotLocked(id); snap != nil {
		state.PosLong = snap.PosLong
		state.PosShort = snap.PosShort
		state.PosPrice = snap.PosPrice
		state.Signal = snap.Signal
	}
	ctx := m.contextLocked(id, state, params)
	m.mu.Unlock()

	if err := inst.Init(ctx); err != nil {
		return fmt.Errorf("strategy: init %s: %w", id, err)
	}

	m.mu.Lock()
	state.Inited = true
	m.mu.Unlock()
	m.log.Info().Str("strategy_id", id).Msg("Strategy initialized")
	return nil
}

// ReplayAll stops and re-initializes every enabled strategy.
func (m *Manager) ReplayAll() {
	for _, id := range m.ids() {
		m.mu.Lock()
		inst := m.instances[id]
		state := m.states[id]
		enabled := state != nil && state.Enabled
		if state != nil {
			state.Inited = false
		}
		m.mu.Unlock()
		if inst == nil {
			continue
		}
		inst.Stop()
		if enabled {
			if err := m.InitStrategy(id); err != nil {
				m.log.Error().Err(err).Str("strategy_id", id).Msg("Strategy replay failed")
			}
		}
	}
}

// List returns the runtime states in configuration order.
func (m *Manager) List() []*State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*State, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.states[id]
		out = append(out, &cp)
	}
	return out
}

// Get returns a copy of one strategy's state.
func (m *Manager) Get(id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return nil, ErrUnknownStrategy
	}
	cp := *state
	return &cp, nil
}

// Params returns a copy of the loaded params of one strategy.
func (m *Manager) Params(id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		return nil, ErrUnknownStrategy
	}
	out := make(map[string]any, len(m.params[id]))
	for k, v := range m.params[id] {
		out[k] = v
	}
	return out, nil
}

// UpdateParams merges the patch into the strategy's params and writes the
// TOML file back so the change survives a restart.
func (m *Manager) UpdateParams(id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		return ErrUnknownStrategy
	}
	if m.params[id] == nil {
		m.params[id] = make(map[string]any)
	}
	for k, v := range patch {
		m.params[id][k] = v
	}
	return m.writeParamsLocked(id)
}

// ReloadParams re-reads the TOML file, dropping unsaved in-memory values.
func (m *Manager) ReloadParams(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		return ErrUnknownStrategy
	}
	params, err := m.loadParamsLocked(id)
	if err != nil {
		return err
	}
	m.params[id] = params
	return nil
}

// UpdateSignal overrides the strategy's published signal.
func (m *Manager) UpdateSignal(id string, signal float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return ErrUnknownStrategy
	}
	state.Signal = signal
	return nil
}

// SetTradingStatus flips whether strategy signals place real orders.
func (m *Manager) SetTradingStatus(id string, tradingEnabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return ErrUnknownStrategy
	}
	state.TradingEnabled = tradingEnabled
	return nil
}

// SetEnabled enables or disables a strategy. Same-value calls are no-ops;
// disabling stops the instance.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	state, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownStrategy
	}
	if state.Enabled == enabled {
		m.mu.Unlock()
		return nil
	}
	state.Enabled = enabled
	inst := m.instances[id]
	if !enabled {
		state.Inited = false
	}
	m.mu.Unlock()

	if !enabled {
		inst.Stop()
		m.log.Info().Str("strategy_id", id).Msg("Strategy disabled")
		return nil
	}
	return m.InitStrategy(id)
}

// OrderCmds returns the current state of every cmd the strategy submitted.
func (m *Manager) OrderCmds(id string) ([]*domain.OrderCmd, error) {
	m.mu.Lock()
	if _, ok := m.states[id]; !ok {
		m.mu.Unlock()
		return nil, ErrUnknownStrategy
	}
	ids := append([]string(nil), m.cmdIDs[id]...)
	m.mu.Unlock()

	out := make([]*domain.OrderCmd, 0, len(ids))
	for _, cmdID := range ids {
		cmd, err := m.sender.Cmd(cmdID)
		if err != nil {
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

// SendOrderCmd submits a cmd on behalf of a strategy. Disabled trading
// returns nil, nil: the intent is visible in the signal, nothing reaches the
// gateway.
func (m *Manager) SendOrderCmd(id string, sub executor.Submit) (*domain.OrderCmd, error) {
	m.mu.Lock()
	state, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownStrategy
	}
	if !state.Enabled || !state.TradingEnabled {
		m.mu.Unlock()
		m.log.Info().Str("strategy_id", id).Str("symbol", sub.Symbol).
			Int("volume", sub.Volume).Msg("Trading disabled; order cmd suppressed")
		return nil, nil
	}
	m.mu.Unlock()

	sub.Source = "strategy:" + id
	cmd, err := m.sender.SubmitCmd(sub)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cmdIDs[id] = append(m.cmdIDs[id], cmd.CmdID)
	m.mu.Unlock()

	go m.trackCmd(id, cmd.CmdID, sub)
	return cmd, nil
}

// trackCmd polls a submitted cmd to terminal state, then folds the fill into
// the strategy's logical position.
func (m *Manager) trackCmd(id, cmdID string, sub executor.Submit) {
	deadline := time.Now().Add(sub.TotalTimeout + time.Minute)
	for time.Now().Before(deadline) {
		cmd, err := m.sender.Cmd(cmdID)
		if err != nil {
			return
		}
		if cmd.IsFinished() {
			m.applyFill(id, sub, cmd.FilledVolume)
			return
		}
		time.Sleep(time.Second)
	}
}

func (m *Manager) applyFill(id string, sub executor.Submit, filled int) {
	if filled == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return
	}
	switch {
	case sub.Offset == domain.OffsetOpen && sub.Direction == domain.DirectionBuy:
		state.PosLong += filled
	case sub.Offset == domain.OffsetOpen && sub.Direction == domain.DirectionSell:
		state.PosShort += filled
	case sub.Direction == domain.DirectionBuy: // close: buy covers short
		state.PosShort -= filled
	default: // close: sell flattens long
		state.PosLong -= filled
	}
	state.PosPrice = sub.Price
}

// Subscribe routes market and execution events into the inited strategies.
func (m *Manager) Subscribe(engine *events.Engine) {
	engine.Subscribe(events.TickUpdate, func(e *events.Event) {
		tick, ok := e.Data.(*domain.Tick)
		if !ok {
			return
		}
		for _, inst := range m.active(tick.Symbol) {
			inst.OnTick(tick)
		}
	})
	engine.Subscribe(events.BarUpdate, func(e *events.Event) {
		bar, ok := e.Data.(*domain.Bar)
		if !ok {
			return
		}
		for _, inst := range m.active(bar.Symbol) {
			inst.OnBar(bar)
		}
	})
	engine.Subscribe(events.OrderUpdate, func(e *events.Event) {
		order, ok := e.Data.(*domain.Order)
		if !ok {
			return
		}
		for _, inst := range m.active("") {
			inst.OnOrder(order)
		}
	})
	engine.Subscribe(events.TradeUpdate, func(e *events.Event) {
		trade, ok := e.Data.(*domain.Trade)
		if !ok {
			return
		}
		for _, inst := range m.active("") {
			inst.OnTrade(trade)
		}
	})
}

// SaveSnapshots persists the logical positions of every strategy to the
// msgpack file. Runs at closing_process.
func (m *Manager) SaveSnapshots() error {
	m.mu.Lock()
	snaps := make(map[string]*Snapshot, len(m.states))
	for id, state := range m.states {
		snaps[id] = &Snapshot{
			StrategyID: id,
			PosLong:    state.PosLong,
			PosShort:   state.PosShort,
			PosPrice:   state.PosPrice,
			Signal:     state.Signal,
			SavedAt:    time.Now().Unix(),
		}
	}
	m.mu.Unlock()

	raw, err := msgpack.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("strategy: marshal snapshots: %w", err)
	}
	if err := os.MkdirAll(m.paramsDir, 0o755); err != nil {
		return fmt.Errorf("strategy: create params dir: %w", err)
	}
	path := filepath.Join(m.paramsDir, snapshotFile)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("strategy: write snapshots: %w", err)
	}
	m.log.Info().Str("path", path).Int("strategies", len(snaps)).Msg("Strategy snapshots saved")
	return nil
}

// Stop stops every instance.
func (m *Manager) Stop() {
	for _, id := range m.ids() {
		m.mu.Lock()
		inst := m.instances[id]
		m.mu.Unlock()
		if inst != nil {
			inst.Stop()
		}
	}
}

func (m *Manager) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// active returns the inited, enabled instances; a non-empty symbol filters
// to strategies trading it.
func (m *Manager) active(symbol string) []Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Strategy
	for _, id := range m.order {
		state := m.states[id]
		if !state.Enabled || !state.Inited {
			continue
		}
		if symbol != "" && state.Symbol != symbol {
			continue
		}
		out = append(out, m.instances[id])
	}
	return out
}

func (m *Manager) contextLocked(id string, state *State, params map[string]any) Context {
	return Context{
		StrategyID: id,
		Symbol:     state.Symbol,
		Quotes:     m.quotes,
		Params:     params,
		Log:        m.log.With().Str("strategy_id", id).Logger(),
		SendOrderCmd: func(sub executor.Submit) (*domain.OrderCmd, error) {
			return m.SendOrderCmd(id, sub)
		},
		SetSignal: func(signal float64) {
			m.mu.Lock()
			if s, ok := m.states[id]; ok {
				s.Signal = signal
			}
			m.mu.Unlock()
		},
	}
}

// loadParamsLocked reads paths.params/<id>.toml. A missing file is not an
// error: the strategy runs on its defaults.
func (m *Manager) loadParamsLocked(id string) (map[string]any, error) {
	path := filepath.Join(m.paramsDir, id+".toml")
	params := make(map[string]any)
	if _, err := toml.DecodeFile(path, &params); err != nil {
		if os.IsNotExist(err) {
			return params, nil
		}
		return nil, fmt.Errorf("strategy: load params for %s: %w", id, err)
	}
	return params, nil
}

func (m *Manager) writeParamsLocked(id string) error {
	if err := os.MkdirAll(m.paramsDir, 0o755); err != nil {
		return fmt.Errorf("strategy: create params dir: %w", err)
	}
	path := filepath.Join(m.paramsDir, id+".toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("strategy: write params for %s: %w", id, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(m.params[id]); err != nil {
		return fmt.Errorf("strategy: encode params for %s: %w", id, err)
	}
	return nil
}

// loadSnapshotLocked returns the persisted snapshot of one strategy, or nil.
func (m *Manager) loadSnapshotLocked(id string) *Snapshot {
	raw, err := os.ReadFile(filepath.Join(m.paramsDir, snapshotFile))
	if err != nil {
		return nil
	}
	var snaps map[string]*Snapshot
	if err := msgpack.Unmarshal(raw, &snaps); err != nil {
		m.log.Warn().Err(err).Msg("Corrupt strategy snapshot file ignored")
		return nil
	}
	return snaps[id]
}
