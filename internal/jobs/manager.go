package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/scheduler"
)

// runCeiling caps every job run; a wedged job must not hold its worker past
// this.
const runCeiling = 5 * time.Minute

// GatewayControl is the connection surface jobs drive at market open/close.
type GatewayControl interface {
	Connect() bool
	Disconnect() bool
	Connected() bool
}

// Rotator is the rotation engine surface used by the rotation jobs.
type Rotator interface {
	ScanInbox() (int, error)
	Execute(isManual bool) error
	CheckResult() ([]int64, error)
}

// ImportChecker reports whether a rotation import exists for a trading date.
type ImportChecker interface {
	HasImportForDate(tradingDate string) (bool, error)
}

// Alerter raises alarms from job health checks.
type Alerter interface {
	Raise(level domain.AlarmLevel, source, message string) *domain.Alarm
}

// PositionExporter writes the position snapshot CSV.
type PositionExporter func() (string, error)

// AlarmCleaner deletes alarms older than a cutoff.
type AlarmCleaner interface {
	DeleteOlderThan(cutoff time.Time) (int64, error)
}

// SnapshotSaver persists strategy position state at close.
type SnapshotSaver interface {
	SaveSnapshots() error
}

// BackupRunner performs one backup cycle.
type BackupRunner interface {
	Run(ctx context.Context) error
}

// Deps carries everything the job methods touch. Optional collaborators
// (Strategies, Backup) may be nil; the bound methods then degrade to no-ops
// or alarms.
type Deps struct {
	AccountID string
	ParamsDir string

	Gateway    GatewayControl
	Rotation   Rotator
	Imports    ImportChecker
	Alarms     Alerter
	Cleaner    AlarmCleaner
	Export     PositionExporter
	Strategies SnapshotSaver
	Backup     BackupRunner

	// StrategyIDs drive the opening params-file check.
	StrategyIDs []string
}

// Manager resolves job_method names, seeds the jobs table from config, and
// keeps the cron schedule in sync with pause/resume/toggle.
type Manager struct {
	deps  Deps
	sched *scheduler.Scheduler
	repo  *Repository
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // job_id -> live cron entry
	now     func() time.Time
}

// NewManager creates a job manager.
func NewManager(deps Deps, sched *scheduler.Scheduler, repo *Repository, log zerolog.Logger) *Manager {
	return &Manager{
		deps:    deps,
		sched:   sched,
		repo:    repo,
		log:     log.With().Str("component", "jobs").Logger(),
		entries: make(map[string]cron.EntryID),
		now:     time.Now,
	}
}

// Load seeds the jobs table from config and registers every enabled job with
// the scheduler. Job ids equal job names, so operator toggles survive
// restarts and re-seeding.
func (m *Manager) Load(configured []config.JobConfig) error {
	for _, jc := range configured {
		if _, err := m.resolve(jc.JobMethod); err != nil {
			return err
		}
		job := &domain.Job{
			JobID:          jc.JobName,
			JobName:        jc.JobName,
			Group:          jc.Group,
			CronExpression: jc.Cron,
			JobMethod:      jc.JobMethod,
			Enabled:        jc.Enabled,
		}
		if err := m.repo.Upsert(job); err != nil {
			return err
		}
	}

	stored, err := m.repo.List()
	if err != nil {
		return err
	}
	for _, job := range stored {
		if job.Enabled {
			if err := m.schedule(job); err != nil {
				return err
			}
		}
	}
	return nil
}

// List returns the persisted jobs.
func (m *Manager) List() ([]*domain.Job, error) {
	return m.repo.List()
}

// Pause disables a job: DB flag off, cron entry removed. Pausing a paused
// job is a no-op.
func (m *Manager) Pause(jobID string) error {
	return m.Toggle(jobID, false)
}

// Resume re-enables a paused job.
func (m *Manager) Resume(jobID string) error {
	return m.Toggle(jobID, true)
}

// Toggle sets the enabled flag. Setting the current value changes nothing.
func (m *Manager) Toggle(jobID string, enabled bool) error {
	job, err := m.repo.Get(jobID)
	if err != nil {
		return err
	}
	if job.Enabled == enabled {
		return nil
	}
	if err := m.repo.SetEnabled(jobID, enabled); err != nil {
		return err
	}

	if enabled {
		job.Enabled = true
		return m.schedule(job)
	}

	m.mu.Lock()
	if id, ok := m.entries[jobID]; ok {
		m.sched.Remove(id)
		delete(m.entries, jobID)
	}
	m.mu.Unlock()
	m.log.Info().Str("job_id", jobID).Msg("Job paused")
	return nil
}

// Trigger runs a job once, immediately, under a one-shot id. The stored
// entry and its schedule are untouched.
func (m *Manager) Trigger(jobID string) (string, error) {
	job, err := m.repo.Get(jobID)
	if err != nil {
		return "", err
	}
	method, err := m.resolve(job.JobMethod)
	if err != nil {
		return "", err
	}

	oneShotID := uuid.NewString()
	m.log.Info().Str("job_id", jobID).Str("run_id", oneShotID).Msg("Manual job trigger")
	if err := m.execute(job, method); err != nil {
		return oneShotID, err
	}
	return oneShotID, nil
}

// schedule registers one enabled job with the cron scheduler.
func (m *Manager) schedule(job *domain.Job) error {
	method, err := m.resolve(job.JobMethod)
	if err != nil {
		return err
	}
	entryID, err := m.sched.AddJob(job.CronExpression, &boundJob{mgr: m, job: job, method: method})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[job.JobID] = entryID
	m.mu.Unlock()
	return nil
}

// boundJob adapts one jobs-table row to the scheduler.Job interface.
type boundJob struct {
	mgr    *Manager
	job    *domain.Job
	method methodFunc
}

func (b *boundJob) Name() string { return b.job.JobName }
func (b *boundJob) Run() error   { return b.mgr.execute(b.job, b.method) }

type methodFunc func(ctx context.Context) error

// execute runs one job under the run ceiling and records the trigger time.
func (m *Manager) execute(job *domain.Job, method methodFunc) error {
	if err := m.repo.TouchTrigger(job.JobID, m.now()); err != nil {
		m.log.Warn().Err(err).Str("job_id", job.JobID).Msg("Recording trigger time failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), runCeiling)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- method(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("jobs: %s exceeded the %s run ceiling", job.JobName, runCeiling)
	}
}

// resolve maps a job_method name to its implementation.
func (m *Manager) resolve(name string) (methodFunc, error) {
	switch name {
	case "pre_market_connect":
		return m.preMarketConnect, nil
	case "post_market_disconnect":
		return m.postMarketDisconnect, nil
	case "post_market_export":
		return m.postMarketExport, nil
	case "scan_orders":
		return m.scanOrders, nil
	case "execute_position_rotation":
		return m.executePositionRotation, nil
	case "cleanup_old_alarms":
		return m.cleanupOldAlarms, nil
	case "opening_check":
		return m.openingCheck, nil
	case "closing_process":
		return m.closingProcess, nil
	case "check_rotation_result":
		return m.checkRotationResult, nil
	case "backup_to_s3":
		return m.backupToS3, nil
	default:
		return nil, fmt.Errorf("jobs: unknown job_method %q", name)
	}
}

func (m *Manager) preMarketConnect(ctx context.Context) error {
	if m.deps.Gateway.Connected() {
		return nil
	}
	if !m.deps.Gateway.Connect() {
		return fmt.Errorf("jobs: gateway connect failed for %s", m.deps.AccountID)
	}
	m.log.Info().Msg("Gateway connected pre-market")
	return nil
}

func (m *Manager) postMarketDisconnect(ctx context.Context) error {
	if !m.deps.Gateway.Connected() {
		return nil
	}
	m.deps.Gateway.Disconnect()
	m.log.Info().Msg("Gateway disconnected post-market")
	return nil
}

func (m *Manager) postMarketExport(ctx context.Context) error {
	path, err := m.deps.Export()
	if err != nil {
		return err
	}
	m.log.Info().Str("path", path).Msg("Positions exported post-market")

	if m.deps.Backup != nil {
		if err := m.deps.Backup.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) scanOrders(ctx context.Context) error {
	n, err := m.deps.Rotation.ScanInbox()
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info().Int("imported", n).Msg("Rotation inbox scan imported files")
	}
	return nil
}

func (m *Manager) executePositionRotation(ctx context.Context) error {
	return m.deps.Rotation.Execute(false)
}

func (m *Manager) cleanupOldAlarms(ctx context.Context) error {
	_, err := m.deps.Cleaner.DeleteOlderThan(m.now().Add(-3 * 24 * time.Hour))
	return err
}

// openingCheck verifies the trader is fit for the session: gateway up,
// today's rotation file imported, strategy params present. Each miss raises
// its own alarm; the job itself succeeds so the remaining checks still run.
func (m *Manager) openingCheck(ctx context.Context) error {
	if !m.deps.Gateway.Connected() {
		m.deps.Alarms.Raise(domain.AlarmLevelError, "opening_check", "gateway not connected at opening")
	}

	today := m.now().Format("20060102")
	imported, err := m.deps.Imports.HasImportForDate(today)
	if err != nil {
		return err
	}
	if !imported {
		m.deps.Alarms.Raise(domain.AlarmLevelWarning, "opening_check",
			fmt.Sprintf("no rotation import for trading date %s", today))
	}

	for _, sid := range m.deps.StrategyIDs {
		path := filepath.Join(m.deps.ParamsDir, sid+".toml")
		if _, err := os.Stat(path); err != nil {
			m.deps.Alarms.Raise(domain.AlarmLevelWarning, "opening_check",
				fmt.Sprintf("params file missing for strategy %s", sid))
		}
	}
	return nil
}

func (m *Manager) closingProcess(ctx context.Context) error {
	path, err := m.deps.Export()
	if err != nil {
		return err
	}
	m.log.Info().Str("path", path).Msg("Positions exported at close")

	if m.deps.Strategies != nil {
		if err := m.deps.Strategies.SaveSnapshots(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) checkRotationResult(ctx context.Context) error {
	unfinished, err := m.deps.Rotation.CheckResult()
	if err != nil {
		return err
	}
	if len(unfinished) > 0 {
		m.deps.Alarms.Raise(domain.AlarmLevelError, "check_rotation_result",
			fmt.Sprintf("%d rotation instructions unfinished", len(unfinished)))
	}
	return nil
}

func (m *Manager) backupToS3(ctx context.Context) error {
	if m.deps.Backup == nil {
		return fmt.Errorf("jobs: backup not configured for %s", m.deps.AccountID)
	}
	return m.deps.Backup.Run(ctx)
}
