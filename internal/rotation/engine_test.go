package rotation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/database"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/executor"
	testhelpers "github.com/qtrader/qtrader/internal/testing"
)

// fakeRunner satisfies CmdRunner without a gateway: each submitted cmd
// finishes with the configured fill once release() is called (or immediately
// when autoRelease is set).
type fakeRunner struct {
	mu          sync.Mutex
	seq         int
	cmds        map[string]*domain.OrderCmd
	submits     []executor.Submit
	fillFor     func(sub executor.Submit) (int, domain.FinishReason)
	autoRelease bool
	released    map[string]bool
	submitErr   error
}

func newFakeRunner(autoRelease bool, fillFor func(sub executor.Submit) (int, domain.FinishReason)) *fakeRunner {
	return &fakeRunner{
		cmds:        make(map[string]*domain.OrderCmd),
		released:    make(map[string]bool),
		fillFor:     fillFor,
		autoRelease: autoRelease,
	}
}

func (f *fakeRunner) SubmitCmd(sub executor.Submit) (*domain.OrderCmd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.seq++
	filled, reason := f.fillFor(sub)
	cmd := &domain.OrderCmd{
		CmdID:        fmt.Sprintf("FAKE-%d", f.seq),
		Symbol:       sub.Symbol,
		Direction:    sub.Direction,
		Offset:       sub.Offset,
		Volume:       sub.Volume,
		FilledVolume: filled,
		Source:       sub.Source,
		Status:       domain.OrderCmdRunning,
		FinishReason: reason,
	}
	f.cmds[cmd.CmdID] = cmd
	f.submits = append(f.submits, sub)
	if f.autoRelease {
		f.released[cmd.CmdID] = true
	}
	return cmd.Clone(), nil
}

func (f *fakeRunner) Cmd(cmdID string) (*domain.OrderCmd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, ok := f.cmds[cmdID]
	if !ok {
		return nil, executor.ErrUnknownCmd
	}
	cp := cmd.Clone()
	if f.released[cmdID] {
		cp.Status = domain.OrderCmdFinished
	} else {
		cp.FilledVolume = 0
		cp.FinishReason = ""
	}
	return cp, nil
}

func (f *fakeRunner) release(cmdID string) {
	f.mu.Lock()
	f.released[cmdID] = true
	f.mu.Unlock()
}

func (f *fakeRunner) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

const testTradingDate = "20260825"

func testNow() time.Time {
	return time.Date(2026, 8, 25, 10, 0, 0, 0, time.Local)
}

func newTestEngine(t *testing.T, runner CmdRunner) (*Engine, *Repository) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, database.ProfileTrader)
	t.Cleanup(cleanup)

	repo := NewRepository(db.Conn(), zerolog.Nop())
	eng := NewEngine(EngineConfig{
		AccountID: "ACC001",
		InboxDir:  t.TempDir(),
		Risk:      config.DefaultRisk(),

		MonitorInterval: 10 * time.Millisecond,
		Guard:           2 * time.Second,
	}, repo, runner, zerolog.Nop())
	eng.now = testNow
	return eng, repo
}

func importOne(t *testing.T, eng *Engine, rows string) {
	t.Helper()
	raw := csvHeader + rows
	_, err := eng.Import([]byte(raw), "switch-"+testTradingDate+".csv", ModeAppend)
	require.NoError(t, err)
}

func TestImportReplaceIsIdempotent(t *testing.T) {
	eng, repo := newTestEngine(t, newFakeRunner(true, nil))

	raw := csvHeader + "ACC001,s1,SHFE.rb2505,Open,Buy,10,\nACC001,s1,DCE.i2505,Open,Buy,4,\n"
	rec, err := eng.Import([]byte(raw), "switch-20260825.csv", ModeReplace)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RowsValid)
	assert.Equal(t, testTradingDate, rec.TradingDate)

	// re-importing the same payload replaces, not duplicates
	_, err = eng.Import([]byte(raw), "switch-20260825-v2.csv", ModeReplace)
	require.NoError(t, err)

	live, err := repo.ListByDate(testTradingDate)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	imports, err := repo.ListImports(10)
	require.NoError(t, err)
	assert.Len(t, imports, 2)

	seen, err := repo.HasImportedFile("switch-20260825.csv")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestImportAppendKeepsExistingRows(t *testing.T) {
	eng, repo := newTestEngine(t, newFakeRunner(true, nil))

	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,\n")
	importOne(t, eng, "ACC001,s1,DCE.i2505,Open,Buy,4,\n")

	live, err := repo.ListByDate(testTradingDate)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestExecuteCompletesInstruction(t *testing.T) {
	runner := newFakeRunner(true, func(sub executor.Submit) (int, domain.FinishReason) {
		return sub.Volume, domain.FinishAllCompleted
	})
	eng, repo := newTestEngine(t, runner)
	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,\n")

	require.NoError(t, eng.Execute(false))

	live, err := repo.ListByDate(testTradingDate)
	require.NoError(t, err)
	require.Len(t, live, 1)
	inst := live[0]
	assert.Equal(t, domain.InstructionCompleted, inst.Status)
	assert.Equal(t, 10, inst.FilledVolume)
	assert.Equal(t, 0, inst.RemainingVolume)
	assert.Equal(t, 1, inst.AttemptCount)
	assert.Equal(t, 2, inst.RemainingAttempts)
	assert.Empty(t, inst.CurrentCmdID)
	assert.False(t, inst.LastAttemptTime.IsZero())

	// the submit carried the split limit and rotation source
	require.Equal(t, 1, runner.submitCount())
	sub := runner.submits[0]
	assert.Equal(t, config.DefaultRisk().MaxSplitVolume, sub.MaxVolumePerOrder)
	assert.Equal(t, "rotation:SHFE.rb2505", sub.Source)
	assert.Equal(t, 10*config.DefaultRisk().OrderTimeout(), sub.TotalTimeout)
}

func TestExecutePartialFillFailsAndRetries(t *testing.T) {
	runner := newFakeRunner(true, func(sub executor.Submit) (int, domain.FinishReason) {
		if sub.Volume == 10 {
			return 6, domain.FinishPartialTimeout
		}
		return sub.Volume, domain.FinishAllCompleted
	})
	eng, repo := newTestEngine(t, runner)
	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,\n")

	require.NoError(t, eng.Execute(false))

	live, _ := repo.ListByDate(testTradingDate)
	require.Len(t, live, 1)
	assert.Equal(t, domain.InstructionFailed, live[0].Status)
	assert.Equal(t, 6, live[0].FilledVolume)
	assert.Equal(t, 4, live[0].RemainingVolume)
	assert.Equal(t, string(domain.FinishPartialTimeout), live[0].ErrorMessage)

	// the next pass picks up only the remaining 4 lots
	require.NoError(t, eng.Execute(false))
	require.Equal(t, 2, runner.submitCount())
	assert.Equal(t, 4, runner.submits[1].Volume)

	live, _ = repo.ListByDate(testTradingDate)
	assert.Equal(t, domain.InstructionCompleted, live[0].Status)
	assert.Equal(t, 10, live[0].FilledVolume)
	assert.Equal(t, 2, live[0].AttemptCount)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	runner := newFakeRunner(true, func(sub executor.Submit) (int, domain.FinishReason) {
		return 0, domain.FinishError
	})
	eng, repo := newTestEngine(t, runner)
	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,\n")

	for i := 0; i < 4; i++ {
		require.NoError(t, eng.Execute(false))
	}
	// three attempts, then the instruction is no longer retried
	assert.Equal(t, 3, runner.submitCount())

	live, _ := repo.ListByDate(testTradingDate)
	assert.Equal(t, domain.InstructionFailed, live[0].Status)
	assert.Equal(t, 0, live[0].RemainingAttempts)
}

func TestExecuteRejectsReentry(t *testing.T) {
	runner := newFakeRunner(false, func(sub executor.Submit) (int, domain.FinishReason) {
		return sub.Volume, domain.FinishAllCompleted
	})
	eng, _ := newTestEngine(t, runner)
	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,\n")

	done := make(chan error, 1)
	go func() { done <- eng.Execute(false) }()

	// wait until the pass is inside the monitor loop, then the second call
	// must bounce immediately
	deadline := time.Now().Add(2 * time.Second)
	for runner.submitCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, runner.submitCount())
	assert.ErrorIs(t, eng.Execute(false), ErrBusy)

	runner.release("FAKE-1")
	require.NoError(t, <-done)
	assert.False(t, eng.Working())
}

func TestExecuteOrderTimeGate(t *testing.T) {
	runner := newFakeRunner(true, func(sub executor.Submit) (int, domain.FinishReason) {
		return sub.Volume, domain.FinishAllCompleted
	})
	eng, repo := newTestEngine(t, runner)
	// testNow is 10:00:00; this instruction is gated until the afternoon
	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,14:30:00\n")

	require.NoError(t, eng.Execute(false))
	assert.Equal(t, 0, runner.submitCount())
	live, _ := repo.ListByDate(testTradingDate)
	assert.Equal(t, domain.InstructionPending, live[0].Status)

	// manual execution bypasses the gate
	require.NoError(t, eng.Execute(true))
	assert.Equal(t, 1, runner.submitCount())
	live, _ = repo.ListByDate(testTradingDate)
	assert.Equal(t, domain.InstructionCompleted, live[0].Status)
}

func TestExecuteGuardTimeout(t *testing.T) {
	runner := newFakeRunner(false, func(sub executor.Submit) (int, domain.FinishReason) {
		return 0, ""
	})
	eng, repo := newTestEngine(t, runner)
	eng.cfg.Guard = 100 * time.Millisecond
	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,\n")

	require.NoError(t, eng.Execute(false))

	live, _ := repo.ListByDate(testTradingDate)
	assert.Equal(t, domain.InstructionFailed, live[0].Status)
	assert.Equal(t, "rotation guard timeout", live[0].ErrorMessage)
}

func TestCheckResult(t *testing.T) {
	runner := newFakeRunner(true, func(sub executor.Submit) (int, domain.FinishReason) {
		if sub.Symbol == "SHFE.rb2505" {
			return sub.Volume, domain.FinishAllCompleted
		}
		return 0, domain.FinishError
	})
	eng, _ := newTestEngine(t, runner)
	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,\nACC001,s1,DCE.i2505,Open,Buy,4,\n")

	require.NoError(t, eng.Execute(false))

	unfinished, err := eng.CheckResult()
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
}

func TestScanInboxSkipsSeenFiles(t *testing.T) {
	runner := newFakeRunner(true, nil)
	eng, repo := newTestEngine(t, runner)

	raw := csvHeader + "ACC001,s1,SHFE.rb2505,Open,Buy,10,\n"
	path := filepath.Join(eng.cfg.InboxDir, "switch-20260825.csv")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	n, err := eng.ScanInbox()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// second scan skips the already-imported file
	n, err = eng.ScanInbox()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	live, _ := repo.ListByDate(testTradingDate)
	assert.Len(t, live, 1)
}

func TestSoftDelete(t *testing.T) {
	eng, repo := newTestEngine(t, newFakeRunner(true, nil))
	importOne(t, eng, "ACC001,s1,SHFE.rb2505,Open,Buy,10,\n")

	live, _ := repo.ListByDate(testTradingDate)
	require.Len(t, live, 1)
	id := live[0].ID

	n, err := repo.SoftDelete([]int64{id})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	live, _ = repo.ListByDate(testTradingDate)
	assert.Empty(t, live)

	// deleted rows stay readable by id
	inst, err := repo.Get(id)
	require.NoError(t, err)
	assert.True(t, inst.IsDeleted)

	// a second delete of the same row touches nothing
	n, err = repo.SoftDelete([]int64{id})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestExportPositions(t *testing.T) {
	dir := t.TempDir()
	positions := map[string]*domain.Position{
		"SHFE.rb2505": {
			Symbol: "SHFE.rb2505", PosLong: 5, PosLongToday: 2, PosLongYd: 3,
		},
		"DCE.i2505": {
			Symbol: "DCE.i2505", PosShort: 4, PosShortToday: 4,
		},
	}

	path, err := ExportPositions(dir, "ACC001", testTradingDate, positions)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, _, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), raw)
	require.NoError(t, err)

	want := "账户,交易日期,合约代码,方向,今仓,昨仓\n" +
		"ACC001,20260825,DCE.i2505,空,4,0\n" +
		"ACC001,20260825,SHFE.rb2505,多,2,3\n"
	assert.Equal(t, want, string(decoded))
}
