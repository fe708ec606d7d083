package rotation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/executor"
)

// ErrBusy is returned when execute is called while a rotation pass is
// already running; the second call returns immediately without side effects.
var ErrBusy = errors.New("rotation: execution already in progress")

// CmdRunner is the executor surface the engine drives.
type CmdRunner interface {
	SubmitCmd(sub executor.Submit) (*domain.OrderCmd, error)
	Cmd(cmdID string) (*domain.OrderCmd, error)
}

// EngineConfig parameterizes a rotation engine.
type EngineConfig struct {
	AccountID string
	InboxDir  string
	Risk      config.RiskConfig

	// MonitorInterval and Guard shrink in tests. Zero means the production
	// values: 2 s poll, 10 min guard.
	MonitorInterval time.Duration
	Guard           time.Duration
}

// Engine owns the rotation lifecycle for one account: imports mutate DB rows
// at any time, while at most one execution pass (the `working` latch) drives
// instructions through OrderCmds against a snapshot taken at entry.
type Engine struct {
	cfg    EngineConfig
	repo   *Repository
	runner CmdRunner
	log    zerolog.Logger

	working atomic.Bool
	now     func() time.Time // injectable for the order_time gate
}

// NewEngine creates a rotation engine.
func NewEngine(cfg EngineConfig, repo *Repository, runner CmdRunner, log zerolog.Logger) *Engine {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 2 * time.Second
	}
	if cfg.Guard <= 0 {
		cfg.Guard = 10 * time.Minute
	}
	return &Engine{
		cfg:    cfg,
		repo:   repo,
		runner: runner,
		log:    log.With().Str("component", "rotation").Logger(),
		now:    time.Now,
	}
}

// Import parses and stores one CSV payload. Used by the
// import_rotation_instructions RPC and the inbox scan.
func (e *Engine) Import(raw []byte, filename, mode string) (*domain.ImportRecord, error) {
	if mode == "" {
		mode = ModeAppend
	}
	tradingDate, err := TradingDateFromFilename(filename)
	if err != nil {
		return nil, err
	}

	parsed, err := ParseCSV(raw, e.cfg.AccountID, tradingDate)
	if err != nil {
		return nil, err
	}
	for _, rej := range parsed.Rejected {
		e.log.Warn().Str("filename", filename).Int("line", rej.Line).Str("reason", rej.Msg).Msg("Rejected instruction row")
	}
	if len(parsed.Instructions) == 0 {
		return nil, fmt.Errorf("rotation: %s contains no valid rows (%d rejected)", filename, len(parsed.Rejected))
	}

	if err := e.repo.Import(parsed.Instructions, filename, tradingDate, mode, parsed.RowsTotal); err != nil {
		return nil, err
	}
	return &domain.ImportRecord{
		Filename:    filename,
		TradingDate: tradingDate,
		Mode:        mode,
		RowsTotal:   parsed.RowsTotal,
		RowsValid:   len(parsed.Instructions),
		ImportedAt:  time.Now(),
	}, nil
}

// ScanInbox imports every new CSV file in the inbox directory. Already-seen
// filenames are skipped; a freshly dropped file replaces its trading date.
func (e *Engine) ScanInbox() (int, error) {
	entries, err := os.ReadDir(e.cfg.InboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("rotation: read inbox: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".csv") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	imported := 0
	for _, name := range names {
		seen, err := e.repo.HasImportedFile(name)
		if err != nil {
			return imported, err
		}
		if seen {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(e.cfg.InboxDir, name))
		if err != nil {
			e.log.Error().Err(err).Str("filename", name).Msg("Reading inbox file failed")
			continue
		}
		if _, err := e.Import(raw, name, ModeReplace); err != nil {
			e.log.Error().Err(err).Str("filename", name).Msg("Importing inbox file failed")
			continue
		}
		imported++
	}
	return imported, nil
}

// Working reports whether an execution pass is in flight.
func (e *Engine) Working() bool {
	return e.working.Load()
}

// Execute runs one rotation pass over today's pending instructions. Refuses
// re-entry: a second call while working returns ErrBusy immediately.
// isManual bypasses the order_time gate.
func (e *Engine) Execute(isManual bool) error {
	if !e.working.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.working.Store(false)

	today := e.now().Format("20060102")
	snapshot, err := e.repo.ListPendingForDate(today)
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		e.log.Info().Str("trading_date", today).Msg("No pending rotation instructions")
		return nil
	}

	e.log.Info().
		Str("trading_date", today).
		Int("instructions", len(snapshot)).
		Bool("manual", isManual).
		Msg("Rotation pass started")

	active := make(map[int64]*domain.RotationInstruction)
	for _, inst := range snapshot {
		if !isManual && !e.orderTimeReached(inst.OrderTime) {
			e.log.Debug().Int64("id", inst.ID).Str("order_time", inst.OrderTime).Msg("Instruction gated by order_time")
			continue
		}
		if inst.RemainingAttempts <= 0 {
			continue
		}

		// reset transients before each attempt
		inst.Status = domain.InstructionPending
		inst.RemainingVolume = inst.Volume - inst.FilledVolume
		inst.CurrentCmdID = ""
		inst.ErrorMessage = ""
		if inst.RemainingVolume <= 0 {
			inst.Status = domain.InstructionCompleted
			if err := e.repo.Update(inst); err != nil {
				e.log.Error().Err(err).Int64("id", inst.ID).Msg("Persisting completed instruction failed")
			}
			continue
		}

		cmd, err := e.runner.SubmitCmd(executor.Submit{
			Symbol:            inst.Symbol,
			Direction:         inst.Direction,
			Offset:            inst.Offset,
			Volume:            inst.RemainingVolume,
			Price:             inst.Price,
			MaxVolumePerOrder: e.cfg.Risk.MaxSplitVolume,
			OrderTimeout:      e.cfg.Risk.OrderTimeout(),
			TotalTimeout:      10 * e.cfg.Risk.OrderTimeout(),
			Source:            "rotation:" + inst.Symbol,
		})
		if err != nil {
			inst.Status = domain.InstructionFailed
			inst.ErrorMessage = err.Error()
			if uerr := e.repo.Update(inst); uerr != nil {
				e.log.Error().Err(uerr).Int64("id", inst.ID).Msg("Persisting failed instruction failed")
			}
			e.log.Error().Err(err).Int64("id", inst.ID).Str("symbol", inst.Symbol).Msg("Submitting rotation cmd failed")
			continue
		}

		inst.Status = domain.InstructionRunning
		inst.CurrentCmdID = cmd.CmdID
		inst.AttemptCount++
		inst.RemainingAttempts--
		inst.LastAttemptTime = e.now()
		if err := e.repo.Update(inst); err != nil {
			e.log.Error().Err(err).Int64("id", inst.ID).Msg("Persisting running instruction failed")
		}
		active[inst.ID] = inst
	}

	e.monitor(active)
	e.log.Info().Str("trading_date", today).Msg("Rotation pass finished")
	return nil
}

// monitor polls the active cmds until all terminate or the guard trips.
func (e *Engine) monitor(active map[int64]*domain.RotationInstruction) {
	if len(active) == 0 {
		return
	}
	deadline := time.Now().Add(e.cfg.Guard)
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for len(active) > 0 && time.Now().Before(deadline) {
		<-ticker.C
		for id, inst := range active {
			cmd, err := e.runner.Cmd(inst.CurrentCmdID)
			if err != nil {
				e.log.Error().Err(err).Int64("id", id).Str("cmd_id", inst.CurrentCmdID).Msg("Reading cmd state failed")
				inst.Status = domain.InstructionFailed
				inst.ErrorMessage = err.Error()
				e.persistTerminal(inst)
				delete(active, id)
				continue
			}
			if !cmd.IsFinished() {
				continue
			}

			inst.FilledVolume += cmd.FilledVolume
			inst.RemainingVolume = inst.Volume - inst.FilledVolume
			inst.CurrentCmdID = ""
			if inst.RemainingVolume == 0 {
				inst.Status = domain.InstructionCompleted
				inst.ErrorMessage = ""
			} else {
				inst.Status = domain.InstructionFailed
				inst.ErrorMessage = string(cmd.FinishReason)
			}
			e.persistTerminal(inst)
			delete(active, id)
		}
	}

	for id, inst := range active {
		e.log.Warn().Int64("id", id).Msg("Rotation guard tripped with instruction still active")
		inst.Status = domain.InstructionFailed
		inst.ErrorMessage = "rotation guard timeout"
		e.persistTerminal(inst)
	}
}

func (e *Engine) persistTerminal(inst *domain.RotationInstruction) {
	if err := e.repo.Update(inst); err != nil {
		e.log.Error().Err(err).Int64("id", inst.ID).Msg("Persisting instruction result failed")
		return
	}
	e.log.Info().
		Int64("id", inst.ID).
		Str("symbol", inst.Symbol).
		Str("status", string(inst.Status)).
		Int("filled", inst.FilledVolume).
		Int("remaining", inst.RemainingVolume).
		Msg("Rotation instruction settled")
}

// orderTimeReached gates an instruction on its HH:MM:SS order time. An empty
// time means immediately.
func (e *Engine) orderTimeReached(orderTime string) bool {
	if orderTime == "" {
		return true
	}
	return e.now().Format("15:04:05") >= orderTime
}

// CheckResult returns the ids of today's instructions that are not COMPLETED;
// the check_rotation_result job alarms when any remain.
func (e *Engine) CheckResult() ([]int64, error) {
	today := e.now().Format("20060102")
	rows, err := e.repo.ListByDate(today)
	if err != nil {
		return nil, err
	}
	var unfinished []int64
	for _, inst := range rows {
		if inst.Enabled && inst.Status != domain.InstructionCompleted {
			unfinished = append(unfinished, inst.ID)
		}
	}
	return unfinished, nil
}
