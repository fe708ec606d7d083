package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/alarms"
	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/database"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
)

// supervisorInterval is the liveness check period for all proxies.
const supervisorInterval = 5 * time.Second

// ErrUnknownAccount is returned for operations on an account id not in the
// configuration.
var ErrUnknownAccount = fmt.Errorf("manager: unknown account")

// Manager runs the fleet: one proxy per configured account, the shared event
// bus the API server subscribes to, and the manager database holding the
// alarm fan-in.
type Manager struct {
	cfg     *config.Config
	log     zerolog.Logger
	db      *database.DB
	alarms  *alarms.Repository
	engine  *events.Engine
	spawner Spawner

	proxies map[string]*Proxy
	order   []string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a manager that spawns traders by re-executing its own binary.
func New(cfg *config.Config, log zerolog.Logger) (*Manager, error) {
	return newWithSpawner(cfg, newExecSpawner(cfg.ConfigPath, log), log)
}

func newWithSpawner(cfg *config.Config, spawner Spawner, log zerolog.Logger) (*Manager, error) {
	db, err := database.New(database.Config{
		Path:    cfg.ManagerDB,
		Profile: database.ProfileManager,
		Name:    "manager",
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "manager").Logger(),
		db:       db,
		alarms:   alarms.NewRepository(db.Conn(), log),
		engine:   events.NewEngine(log),
		spawner:  spawner,
		proxies:  make(map[string]*Proxy),
		stopChan: make(chan struct{}),
	}
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		m.proxies[acc.AccountID] = newProxy(acc, cfg.SocketDir, spawner, m.engine, m.alarms, log)
		m.order = append(m.order, acc.AccountID)
	}
	return m, nil
}

// Engine returns the manager event bus.
func (m *Manager) Engine() *events.Engine { return m.engine }

// Alarms lists persisted alarms, optionally filtered by account.
func (m *Manager) Alarms(accountID string, limit int) ([]*domain.Alarm, error) {
	return m.alarms.List(accountID, limit)
}

// Proxy returns the proxy for one account.
func (m *Manager) Proxy(accountID string) (*Proxy, bool) {
	p, ok := m.proxies[accountID]
	return p, ok
}

// Traders snapshots every proxy in configuration order.
func (m *Manager) Traders() []domain.TraderInfo {
	out := make([]domain.TraderInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.proxies[id].Info())
	}
	return out
}

// Start launches every enabled trader and the supervisor loop. A trader that
// fails to come up is logged and left STOPPED; the rest still start.
func (m *Manager) Start() error {
	if err := os.MkdirAll(m.cfg.SocketDir, 0o755); err != nil {
		return fmt.Errorf("manager: create socket dir: %w", err)
	}

	for _, id := range m.order {
		p := m.proxies[id]
		if !p.enabled {
			m.log.Info().Str("account_id", id).Msg("Account disabled, not starting")
			continue
		}
		if err := p.Start(); err != nil {
			m.log.Error().Err(err).Str("account_id", id).Msg("Trader failed to start")
		}
	}

	m.wg.Add(1)
	go m.superviseLoop()
	m.log.Info().Int("traders", len(m.order)).Msg("Manager started")
	return nil
}

func (m *Manager) superviseLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			for _, p := range m.proxies {
				p.supervise()
			}
		}
	}
}

// StartTrader starts one trader on operator request.
func (m *Manager) StartTrader(accountID string) error {
	p, ok := m.proxies[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return p.Start()
}

// StopTrader stops one trader on operator request.
func (m *Manager) StopTrader(accountID string) error {
	p, ok := m.proxies[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	p.Stop()
	return nil
}

// RestartTrader stops then starts one trader.
func (m *Manager) RestartTrader(accountID string) error {
	p, ok := m.proxies[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	p.Stop()
	return p.Start()
}

// Request delegates one op to a trader over IPC.
func (m *Manager) Request(accountID, op string, payload any, timeout time.Duration) (json.RawMessage, error) {
	p, ok := m.proxies[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return p.Request(op, payload, timeout)
}

// Stop shuts every trader down in parallel, then the bus and the database.
// Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.log.Info().Msg("Manager stopping")
		close(m.stopChan)
		m.wg.Wait()

		var wg sync.WaitGroup
		for _, p := range m.proxies {
			wg.Add(1)
			go func(p *Proxy) {
				defer wg.Done()
				p.Stop()
			}(p)
		}
		wg.Wait()

		m.engine.Stop()
		if err := m.db.WALCheckpoint(); err != nil {
			m.log.Warn().Err(err).Msg("WAL checkpoint on shutdown failed")
		}
		if err := m.db.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Closing manager database failed")
		}
		m.log.Info().Msg("Manager stopped")
	})
}
