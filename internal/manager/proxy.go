package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/alarms"
	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
	"github.com/qtrader/qtrader/internal/ipc"
	"github.com/qtrader/qtrader/internal/protocol"
	"github.com/qtrader/qtrader/internal/trading"
)

const (
	// connect retry right after a spawn: the trader needs a moment to
	// migrate its database and bind the socket.
	connectAttempts = 20
	connectInterval = 500 * time.Millisecond

	// stopGrace bounds the SIGTERM wait before escalating to SIGKILL.
	stopGrace = 10 * time.Second

	// degradedThreshold is how long a trader may sit DEGRADED with no contact
	// before the supervisor recycles it even though the process is alive. A
	// live PID with a dead IPC link is still a dead trader.
	degradedThreshold = 2 * time.Minute

	// Crash-loop brake: at most maxRestarts automatic restarts inside a
	// rolling restartWindow, then the proxy stays STOPPED until an operator
	// intervenes.
	maxRestarts   = 5
	restartWindow = 10 * time.Minute
)

// Proxy is the manager-side representative of one trader subprocess. It owns
// the subprocess lifecycle, the IPC client, and a mirror of the trader's
// last-pushed state.
type Proxy struct {
	accountID  string
	enabled    bool
	socketPath string
	pidPath    string
	spawner    Spawner
	engine     *events.Engine
	alarms     *alarms.Repository
	log        zerolog.Logger

	mirror *trading.Cache

	// superviseMu serializes supervisor ticks so a slow restart is never
	// doubled by the next tick.
	superviseMu sync.Mutex

	mu           sync.Mutex
	state        domain.TraderState
	client       *ipc.Client
	pid          int
	startTime    time.Time
	lastContact  time.Time
	restarts     []time.Time
	restartCount int
}

func newProxy(acc *config.AccountConfig, socketDir string, spawner Spawner,
	engine *events.Engine, alarmRepo *alarms.Repository, log zerolog.Logger) *Proxy {
	return &Proxy{
		accountID:  acc.AccountID,
		enabled:    acc.Enabled,
		socketPath: config.SocketPath(socketDir, acc.AccountID),
		pidPath:    config.PIDPath(socketDir, acc.AccountID),
		spawner:    spawner,
		engine:     engine,
		alarms:     alarmRepo,
		log:        log.With().Str("component", "trader_proxy").Str("account_id", acc.AccountID).Logger(),
		mirror:     trading.NewCache(),
		state:      domain.TraderStopped,
	}
}

// AccountID returns the account this proxy represents.
func (p *Proxy) AccountID() string { return p.accountID }

// Mirror returns the cache of last-pushed trader state. Read-only snapshots;
// authoritative data always comes from the trader via Request.
func (p *Proxy) Mirror() *trading.Cache { return p.mirror }

// Info snapshots the proxy for the API.
func (p *Proxy) Info() domain.TraderInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked()
}

func (p *Proxy) infoLocked() domain.TraderInfo {
	return domain.TraderInfo{
		AccountID:     p.accountID,
		State:         p.state,
		PID:           p.pid,
		StartTime:     p.startTime,
		LastHeartbeat: p.lastContact,
		RestartCount:  p.restartCount,
		SocketPath:    p.socketPath,
		Enabled:       p.enabled,
	}
}

// State returns the current lifecycle state.
func (p *Proxy) State() domain.TraderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start spawns the subprocess and connects to its socket. Valid only from
// STOPPED. The proxy stays STARTING until the trader's register push arrives;
// handlePush promotes it to RUNNING.
func (p *Proxy) Start() error {
	p.mu.Lock()
	if p.state != domain.TraderStopped {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("manager: trader %s is %s, not stopped", p.accountID, state)
	}
	p.setStateLocked(domain.TraderStarting)
	p.mu.Unlock()

	pid, err := p.spawner.Spawn(p.accountID)
	if err != nil {
		p.transition(domain.TraderStopped)
		return err
	}
	if err := writePIDFile(p.pidPath, pid); err != nil {
		p.log.Warn().Err(err).Msg("Writing pid file failed")
	}

	p.mu.Lock()
	p.pid = pid
	p.startTime = time.Now()
	p.mu.Unlock()

	client := ipc.NewClient(ipc.ClientConfig{
		Network:   "unix",
		Addr:      p.socketPath,
		AccountID: p.accountID,
	}, p.log)
	client.SetOnPush(p.handlePush)
	client.SetOnConnect(p.onConnect)
	client.SetOnDisconnect(p.onDisconnect)

	if err := client.ConnectWithRetry(connectAttempts, connectInterval); err != nil {
		client.Stop()
		_ = p.spawner.Signal(pid, syscall.SIGKILL)
		p.mu.Lock()
		p.pid = 0
		p.setStateLocked(domain.TraderStopped)
		p.mu.Unlock()
		return fmt.Errorf("manager: trader %s never answered on %s: %w", p.accountID, p.socketPath, err)
	}

	p.mu.Lock()
	p.client = client
	p.lastContact = time.Now()
	p.mu.Unlock()
	return nil
}

// Stop shuts the subprocess down: close the IPC link, SIGTERM, wait up to
// stopGrace, SIGKILL as the last resort. Idempotent.
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.state == domain.TraderStopped || p.state == domain.TraderStopping {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(domain.TraderStopping)
	client := p.client
	p.client = nil
	pid := p.pid
	p.mu.Unlock()

	if client != nil {
		client.Stop()
	}

	if pid > 0 && p.spawner.Alive(pid) {
		_ = p.spawner.Signal(pid, syscall.SIGTERM)
		deadline := time.Now().Add(stopGrace)
		for time.Now().Before(deadline) && p.spawner.Alive(pid) {
			time.Sleep(200 * time.Millisecond)
		}
		if p.spawner.Alive(pid) {
			p.log.Warn().Int("pid", pid).Msg("Trader ignored SIGTERM, killing")
			_ = p.spawner.Signal(pid, syscall.SIGKILL)
		}
	}
	os.Remove(p.pidPath)

	p.mu.Lock()
	p.pid = 0
	p.setStateLocked(domain.TraderStopped)
	p.mu.Unlock()
}

// Request delegates one op to the trader.
func (p *Proxy) Request(op string, payload any, timeout time.Duration) (json.RawMessage, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return nil, ipc.ErrNotConnected
	}
	return client.Request(op, payload, timeout)
}

// supervise is one supervisor tick: restart a trader whose process died, or
// one stuck DEGRADED past degradedThreshold with a live process, unless the
// rolling restart limit is exhausted.
func (p *Proxy) supervise() {
	p.superviseMu.Lock()
	defer p.superviseMu.Unlock()

	p.mu.Lock()
	state, pid, lastContact := p.state, p.pid, p.lastContact
	p.mu.Unlock()

	if state != domain.TraderRunning && state != domain.TraderDegraded {
		return
	}
	alive := p.spawner.Alive(pid)
	wedged := state == domain.TraderDegraded && time.Since(lastContact) > degradedThreshold
	if alive && !wedged {
		return
	}

	if alive {
		p.raiseAlarm(fmt.Sprintf("trader process %d unresponsive for over %s, recycling", pid, degradedThreshold))
	} else {
		p.raiseAlarm(fmt.Sprintf("trader process %d exited unexpectedly", pid))
	}

	p.mu.Lock()
	now := time.Now()
	recent := p.restarts[:0]
	for _, ts := range p.restarts {
		if now.Sub(ts) < restartWindow {
			recent = append(recent, ts)
		}
	}
	overLimit := len(recent) >= maxRestarts
	if !overLimit {
		recent = append(recent, now)
		p.restartCount++
	}
	p.restarts = recent
	client := p.client
	p.client = nil
	p.pid = 0
	p.setStateLocked(domain.TraderStopped)
	p.mu.Unlock()

	// Stop the client before killing the process: a stopped client fires no
	// disconnect callback, so the restart below starts from a clean slate.
	if client != nil {
		client.Stop()
	}
	if alive {
		_ = p.spawner.Signal(pid, syscall.SIGKILL)
	}
	os.Remove(p.pidPath)

	if overLimit {
		p.raiseAlarm(fmt.Sprintf("trader restarted %d times in %s, giving up", maxRestarts, restartWindow))
		return
	}

	p.log.Warn().Msg("Restarting dead trader")
	if err := p.Start(); err != nil {
		p.log.Error().Err(err).Msg("Trader restart failed")
	}
}

func (p *Proxy) onConnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastContact = time.Now()
	// only a reconnect after a drop; the initial connect is handled by Start
	if p.state == domain.TraderDegraded {
		p.setStateLocked(domain.TraderRunning)
	}
}

func (p *Proxy) onDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	// STARTING covers a client that aborted before the register push arrived;
	// DEGRADED hands it to the supervisor either way.
	if p.state == domain.TraderRunning || p.state == domain.TraderStarting {
		p.setStateLocked(domain.TraderDegraded)
	}
}

// setStateLocked records a transition and publishes the new snapshot on the
// manager bus. Caller holds p.mu.
func (p *Proxy) setStateLocked(state domain.TraderState) {
	if p.state == state {
		return
	}
	p.log.Info().Str("from", string(p.state)).Str("to", string(state)).Msg("Trader state changed")
	p.state = state
	p.engine.Emit(events.TraderState, p.accountID, p.infoLocked())
}

func (p *Proxy) transition(state domain.TraderState) {
	p.mu.Lock()
	p.setStateLocked(state)
	p.mu.Unlock()
}

// handlePush fans one trader push into the mirror, the manager bus, and (for
// alarms) the manager database.
func (p *Proxy) handlePush(kind string, data json.RawMessage) {
	p.mu.Lock()
	p.lastContact = time.Now()
	p.mu.Unlock()

	switch kind {
	case protocol.PushRegister:
		var reg domain.RegisterData
		if err := json.Unmarshal(data, &reg); err != nil {
			p.dropPush(kind, err)
			return
		}
		p.log.Info().Int("pid", reg.PID).Str("version", reg.Version).Msg("Trader registered")
		p.mu.Lock()
		if p.state == domain.TraderStarting {
			p.setStateLocked(domain.TraderRunning)
		}
		p.mu.Unlock()
	case protocol.PushAccount:
		var acc domain.Account
		if err := json.Unmarshal(data, &acc); err != nil {
			p.dropPush(kind, err)
			return
		}
		p.mirror.SetAccount(&acc)
		p.engine.Emit(events.AccountUpdate, p.accountID, &acc)
	case protocol.PushOrder:
		var order domain.Order
		if err := json.Unmarshal(data, &order); err != nil {
			p.dropPush(kind, err)
			return
		}
		p.mirror.SetOrder(&order)
		p.engine.Emit(events.OrderUpdate, p.accountID, &order)
	case protocol.PushTrade:
		var trade domain.Trade
		if err := json.Unmarshal(data, &trade); err != nil {
			p.dropPush(kind, err)
			return
		}
		p.mirror.SetTrade(&trade)
		p.engine.Emit(events.TradeUpdate, p.accountID, &trade)
	case protocol.PushPosition:
		var pos domain.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			p.dropPush(kind, err)
			return
		}
		p.mirror.SetPosition(&pos)
		p.engine.Emit(events.PositionUpdate, p.accountID, &pos)
	case protocol.PushTick:
		var tick domain.Tick
		if err := json.Unmarshal(data, &tick); err != nil {
			p.dropPush(kind, err)
			return
		}
		p.mirror.SetQuote(&tick)
		p.engine.Emit(events.TickUpdate, p.accountID, &tick)
	case protocol.PushAlarm:
		var alarm domain.Alarm
		if err := json.Unmarshal(data, &alarm); err != nil {
			p.dropPush(kind, err)
			return
		}
		if p.alarms != nil {
			if err := p.alarms.Insert(&alarm); err != nil {
				p.log.Warn().Err(err).Msg("Persisting trader alarm failed")
			}
		}
		p.engine.Emit(events.AlarmUpdate, p.accountID, &alarm)
	default:
		p.log.Debug().Str("kind", kind).Msg("Unknown push kind")
	}
}

func (p *Proxy) dropPush(kind string, err error) {
	p.log.Warn().Err(err).Str("kind", kind).Msg("Dropping malformed push")
}

// raiseAlarm records a supervisor-originated alarm and publishes it.
func (p *Proxy) raiseAlarm(message string) {
	alarm := &domain.Alarm{
		AlarmID:   uuid.NewString(),
		AccountID: p.accountID,
		Level:     domain.AlarmLevelError,
		Source:    "supervisor",
		Message:   message,
		CreatedAt: time.Now(),
	}
	p.log.Error().Str("alarm_id", alarm.AlarmID).Msg(message)
	if p.alarms != nil {
		if err := p.alarms.Insert(alarm); err != nil {
			p.log.Warn().Err(err).Msg("Persisting supervisor alarm failed")
		}
	}
	p.engine.Emit(events.AlarmUpdate, p.accountID, alarm)
}
