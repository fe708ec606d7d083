// Package trader assembles one trader process: the per-account database,
// event engine, gateway, executor, rotation and job managers, strategies,
// and the IPC server the manager talks to.
package trader

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/alarms"
	"github.com/qtrader/qtrader/internal/backup"
	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/database"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
	"github.com/qtrader/qtrader/internal/executor"
	"github.com/qtrader/qtrader/internal/gateway"
	"github.com/qtrader/qtrader/internal/ipc"
	"github.com/qtrader/qtrader/internal/jobs"
	"github.com/qtrader/qtrader/internal/params"
	"github.com/qtrader/qtrader/internal/protocol"
	"github.com/qtrader/qtrader/internal/rotation"
	"github.com/qtrader/qtrader/internal/scheduler"
	"github.com/qtrader/qtrader/internal/strategy"
	"github.com/qtrader/qtrader/internal/trading"
)

// Version is reported in the register push.
const Version = "1.0.0"

// execGateway routes executor order entry through the risk-checked trading
// service, while executor-issued cancels (slice timeouts, quiescence) go
// straight to the gateway and never consume the daily cancel budget.
type execGateway struct {
	svc *trading.Service
	gw  gateway.Gateway
}

func (g execGateway) SendOrder(req domain.OrderRequest) (*domain.Order, error) {
	return g.svc.SendOrder(req)
}

func (g execGateway) CancelOrder(req domain.CancelRequest) error {
	return g.gw.CancelOrder(req)
}

// Trader is one account's process. Everything account-specific lives here;
// the manager only ever reaches it through the IPC socket.
type Trader struct {
	accountID string
	cfg       *config.AccountConfig
	socketDir string
	log       zerolog.Logger

	db         *database.DB
	engine     *events.Engine
	registry   *ipc.Registry
	server     *ipc.Server
	gw         gateway.Gateway
	cache      *trading.Cache
	risk       *trading.RiskService
	service    *trading.Service
	paramsRepo *params.Repository
	alarmSvc   *alarms.Service
	alarmRepo  *alarms.Repository
	exec       *executor.Executor
	rotRepo    *rotation.Repository
	rotEngine  *rotation.Engine
	jobMgr     *jobs.Manager
	sched      *scheduler.Scheduler
	strategies *strategy.Manager
}

// New builds a trader for one account. The wiring order matters: the cache
// subscribes to the event engine before the executor so cmd loops re-read
// fresh order state, and the alarm hook is installed before any component
// derives its child logger.
func New(cfg *config.Config, accountID string, baseLog zerolog.Logger) (*Trader, error) {
	acc, ok := cfg.Account(accountID)
	if !ok {
		return nil, fmt.Errorf("trader: account %q not in config", accountID)
	}

	t := &Trader{
		accountID: accountID,
		cfg:       acc,
		socketDir: cfg.SocketDir,
	}

	// database first: everything else persists through it
	db, err := database.New(database.Config{
		Path:    acc.Paths.Database,
		Profile: database.ProfileTrader,
		Name:    accountID,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	t.db = db

	t.paramsRepo = params.NewRepository(db.Conn(), baseLog)
	if err := t.paramsRepo.Seed(acc.Risk); err != nil {
		db.Close()
		return nil, err
	}

	t.engine = events.NewEngine(baseLog)

	// alarm hook: every error-level record from any component becomes an
	// alarm push
	t.alarmRepo = alarms.NewRepository(db.Conn(), baseLog)
	t.alarmSvc = alarms.NewService(accountID, t.alarmRepo, t.engine, baseLog)
	t.log = baseLog.Hook(t.alarmSvc.Hook()).With().Str("account_id", accountID).Logger()

	gw, err := gateway.New(acc.Gateway, accountID, t.log)
	if err != nil {
		db.Close()
		return nil, err
	}
	t.gw = gw

	t.cache = trading.NewCache()
	t.cache.Subscribe(t.engine)

	writer := trading.NewWriter(trading.NewRepository(db.Conn(), t.log), t.log)
	writer.Subscribe(t.engine)

	gateway.NewAdapter(gw, t.engine, t.log)

	t.risk = trading.NewRiskService(t.paramsRepo, t.log)
	t.service = trading.NewService(gw, t.risk, t.cache, t.log)

	t.exec = executor.New(execGateway{svc: t.service, gw: gw}, t.cache, t.log)
	t.exec.Subscribe(t.engine)

	t.rotRepo = rotation.NewRepository(db.Conn(), t.log)
	t.rotEngine = rotation.NewEngine(rotation.EngineConfig{
		AccountID: accountID,
		InboxDir:  acc.Paths.CSVInbox,
		Risk:      acc.Risk,
	}, t.rotRepo, t.exec, t.log)

	t.strategies = strategy.NewManager(acc.Paths.Params, t.exec, t.cache, t.log)
	if err := t.strategies.Load(acc.Strategies); err != nil {
		db.Close()
		return nil, err
	}
	t.strategies.Subscribe(t.engine)

	var backupSvc *backup.Service
	if cfg.Backup.Enabled {
		store, err := backup.NewS3Store(context.Background(), cfg.Backup)
		if err != nil {
			db.Close()
			return nil, err
		}
		backupSvc = backup.New(cfg.Backup, accountID, []string{
			acc.Paths.Database,
			acc.Paths.Params,
			acc.Paths.Export,
		}, store, t.log)
		backupSvc.Prepare = db.WALCheckpoint
	}

	t.sched = scheduler.New(t.log)
	strategyIDs := make([]string, 0, len(acc.Strategies))
	for _, sc := range acc.Strategies {
		strategyIDs = append(strategyIDs, sc.StrategyID)
	}
	deps := jobs.Deps{
		AccountID:   accountID,
		ParamsDir:   acc.Paths.Params,
		Gateway:     gw,
		Rotation:    t.rotEngine,
		Imports:     t.rotRepo,
		Alarms:      t.alarmSvc,
		Cleaner:     t.alarmRepo,
		Export:      t.exportPositions,
		Strategies:  t.strategies,
		StrategyIDs: strategyIDs,
	}
	if backupSvc != nil {
		deps.Backup = backupSvc
	}
	t.jobMgr = jobs.NewManager(deps, t.sched, jobs.NewRepository(db.Conn(), t.log), t.log)
	if err := t.jobMgr.Load(acc.Jobs); err != nil {
		db.Close()
		return nil, err
	}

	t.registry = ipc.NewRegistry()
	t.registerHandlers()
	t.server = ipc.NewServer(ipc.ServerConfig{
		Register: domain.RegisterData{
			AccountID: accountID,
			PID:       os.Getpid(),
			Version:   Version,
		},
	}, t.registry, t.log)
	t.bridgePushes()

	return t, nil
}

// Start binds the IPC socket, starts the scheduler, and initializes the
// enabled strategies. The gateway stays disconnected until the
// pre_market_connect job or an explicit connect_gateway RPC.
func (t *Trader) Start() error {
	socketPath := config.SocketPath(t.socketDir, t.accountID)
	if err := t.server.ListenUnix(socketPath); err != nil {
		return err
	}
	t.sched.Start()
	t.strategies.InitAll()
	t.log.Info().Str("socket", socketPath).Msg("Trader started")
	return nil
}

// Stop tears the trader down in reverse order of Start.
func (t *Trader) Stop() {
	t.log.Info().Msg("Trader stopping")
	t.sched.Stop()
	t.strategies.Stop()
	t.exec.Stop()
	if t.gw.Connected() {
		t.gw.Disconnect()
	}
	t.server.Stop()
	t.engine.Stop()
	if err := t.db.WALCheckpoint(); err != nil {
		t.log.Warn().Err(err).Msg("WAL checkpoint on shutdown failed")
	}
	if err := t.db.Close(); err != nil {
		t.log.Warn().Err(err).Msg("Closing database failed")
	}
	t.log.Info().Msg("Trader stopped")
}

// exportPositions writes the current position snapshot for the account.
func (t *Trader) exportPositions() (string, error) {
	tradingDate := time.Now().Format("20060102")
	return rotation.ExportPositions(t.cfg.Paths.Export, t.accountID, tradingDate, t.cache.Positions())
}

// bridgePushes re-emits bus events as IPC pushes so every connected manager
// mirror stays current.
func (t *Trader) bridgePushes() {
	push := func(kind string) events.Handler {
		return func(e *events.Event) {
			if err := t.server.Push(kind, e.Data); err != nil {
				t.log.Debug().Err(err).Str("kind", kind).Msg("Push dropped")
			}
		}
	}
	t.engine.Subscribe(events.AccountUpdate, push(protocol.PushAccount))
	t.engine.Subscribe(events.OrderUpdate, push(protocol.PushOrder))
	t.engine.Subscribe(events.TradeUpdate, push(protocol.PushTrade))
	t.engine.Subscribe(events.PositionUpdate, push(protocol.PushPosition))
	t.engine.Subscribe(events.TickUpdate, push(protocol.PushTick))
	t.engine.Subscribe(events.AlarmUpdate, push(protocol.PushAlarm))
}
