package strategy

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/executor"
)

// fakeSender completes every cmd instantly with a full fill.
type fakeSender struct {
	mu      sync.Mutex
	seq     int
	cmds    map[string]*domain.OrderCmd
	submits []executor.Submit
}

func newFakeSender() *fakeSender {
	return &fakeSender{cmds: make(map[string]*domain.OrderCmd)}
}

func (f *fakeSender) SubmitCmd(sub executor.Submit) (*domain.OrderCmd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	cmd := &domain.OrderCmd{
		CmdID:        fmt.Sprintf("CMD-%d", f.seq),
		Symbol:       sub.Symbol,
		Direction:    sub.Direction,
		Offset:       sub.Offset,
		Volume:       sub.Volume,
		FilledVolume: sub.Volume,
		Source:       sub.Source,
		Status:       domain.OrderCmdFinished,
		FinishReason: domain.FinishAllCompleted,
	}
	f.cmds[cmd.CmdID] = cmd
	f.submits = append(f.submits, sub)
	return cmd.Clone(), nil
}

func (f *fakeSender) Cmd(cmdID string) (*domain.OrderCmd, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, ok := f.cmds[cmdID]
	if !ok {
		return nil, executor.ErrUnknownCmd
	}
	return cmd.Clone(), nil
}

func (f *fakeSender) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type noQuotes struct{}

func (noQuotes) Quote(string) (*domain.Tick, bool) { return nil, false }

func newTestManager(t *testing.T) (*Manager, *fakeSender) {
	t.Helper()
	sender := newFakeSender()
	mgr := NewManager(t.TempDir(), sender, noQuotes{}, zerolog.Nop())
	require.NoError(t, mgr.Load([]config.StrategyConfig{{
		StrategyID: "ma1", Class: "ma_cross", Symbol: "SHFE.rb2505",
		Enabled: true, TradingEnabled: true,
	}}))
	return mgr, sender
}

func TestLoadRejectsUnknownClass(t *testing.T) {
	mgr := NewManager(t.TempDir(), newFakeSender(), noQuotes{}, zerolog.Nop())
	err := mgr.Load([]config.StrategyConfig{{StrategyID: "x", Class: "no_such_class"}})
	assert.Error(t, err)
}

func TestInitAndState(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.InitStrategy("ma1"))

	state, err := mgr.Get("ma1")
	require.NoError(t, err)
	assert.True(t, state.Inited)
	assert.Equal(t, "ma_cross", state.Class)

	_, err = mgr.Get("ghost")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestParamsRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.InitStrategy("ma1"))

	// update persists to the TOML file
	require.NoError(t, mgr.UpdateParams("ma1", map[string]any{"fast": int64(3), "vol_min": 0.001}))

	params, err := mgr.Params("ma1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), params["fast"])

	// reload re-reads the file and keeps the persisted value
	require.NoError(t, mgr.ReloadParams("ma1"))
	params, _ = mgr.Params("ma1")
	assert.Equal(t, int64(3), params["fast"])
	assert.Equal(t, 0.001, params["vol_min"])
}

func TestEnableDisableIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.InitStrategy("ma1"))

	require.NoError(t, mgr.SetEnabled("ma1", true)) // already enabled: no-op
	require.NoError(t, mgr.SetEnabled("ma1", false))
	state, _ := mgr.Get("ma1")
	assert.False(t, state.Enabled)
	assert.False(t, state.Inited)

	require.NoError(t, mgr.SetEnabled("ma1", false)) // already disabled: no-op
	require.NoError(t, mgr.SetEnabled("ma1", true))  // re-enable re-inits
	state, _ = mgr.Get("ma1")
	assert.True(t, state.Inited)
}

func TestSendOrderCmdSuppressedWhenTradingDisabled(t *testing.T) {
	mgr, sender := newTestManager(t)
	require.NoError(t, mgr.InitStrategy("ma1"))
	require.NoError(t, mgr.SetTradingStatus("ma1", false))

	cmd, err := mgr.SendOrderCmd("ma1", executor.Submit{
		Symbol: "SHFE.rb2505", Direction: domain.DirectionBuy,
		Offset: domain.OffsetOpen, Volume: 1,
	})
	require.NoError(t, err)
	assert.Nil(t, cmd)
	assert.Equal(t, 0, sender.submitCount())
}

func TestSendOrderCmdTracksFillIntoLogicalPosition(t *testing.T) {
	mgr, sender := newTestManager(t)
	require.NoError(t, mgr.InitStrategy("ma1"))

	cmd, err := mgr.SendOrderCmd("ma1", executor.Submit{
		Symbol: "SHFE.rb2505", Direction: domain.DirectionBuy,
		Offset: domain.OffsetOpen, Volume: 2, Price: 3500,
	})
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "strategy:ma1", cmd.Source)
	assert.Equal(t, 1, sender.submitCount())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, _ := mgr.Get("ma1")
		if state.PosLong == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	state, _ := mgr.Get("ma1")
	assert.Equal(t, 2, state.PosLong)
	assert.Equal(t, 3500.0, state.PosPrice)

	cmds, err := mgr.OrderCmds("ma1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, cmd.CmdID, cmds[0].CmdID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.InitStrategy("ma1"))
	require.NoError(t, mgr.UpdateSignal("ma1", 1))

	// simulate a held position, then persist
	mgr.mu.Lock()
	mgr.states["ma1"].PosLong = 3
	mgr.states["ma1"].PosPrice = 3450
	mgr.mu.Unlock()
	require.NoError(t, mgr.SaveSnapshots())

	// a fresh manager over the same params dir restores the positions
	mgr2 := NewManager(mgr.paramsDir, newFakeSender(), noQuotes{}, zerolog.Nop())
	require.NoError(t, mgr2.Load([]config.StrategyConfig{{
		StrategyID: "ma1", Class: "ma_cross", Symbol: "SHFE.rb2505", Enabled: true,
	}}))
	require.NoError(t, mgr2.InitStrategy("ma1"))

	state, _ := mgr2.Get("ma1")
	assert.Equal(t, 3, state.PosLong)
	assert.Equal(t, 3450.0, state.PosPrice)
	assert.Equal(t, 1.0, state.Signal)
}

func barsFromCloses(symbol string, closes ...float64) []*domain.Bar {
	out := make([]*domain.Bar, 0, len(closes))
	for i, c := range closes {
		out = append(out, &domain.Bar{
			Symbol:    symbol,
			Interval:  "1m",
			Close:     c,
			Timestamp: time.Date(2026, 8, 25, 9, 30+i, 0, 0, time.Local),
		})
	}
	return out
}

func TestMACrossFlipsOnCross(t *testing.T) {
	s := NewMACross("ma1", "SHFE.rb2505")

	var mu sync.Mutex
	var signals []float64
	var submits []executor.Submit
	require.NoError(t, s.Init(Context{
		StrategyID: "ma1",
		Symbol:     "SHFE.rb2505",
		Params:     map[string]any{"fast": int64(2), "slow": int64(3), "vol_min": 0.0, "lots": int64(1)},
		Log:        zerolog.Nop(),
		SendOrderCmd: func(sub executor.Submit) (*domain.OrderCmd, error) {
			mu.Lock()
			submits = append(submits, sub)
			mu.Unlock()
			return nil, nil
		},
		SetSignal: func(v float64) {
			mu.Lock()
			signals = append(signals, v)
			mu.Unlock()
		},
	}))

	// downtrend, then a jump that crosses the fast SMA above the slow
	for _, bar := range barsFromCloses("SHFE.rb2505", 10, 9, 8, 7, 12) {
		s.OnBar(bar)
	}
	mu.Lock()
	require.Equal(t, []float64{1}, signals)
	require.Len(t, submits, 1)
	assert.Equal(t, domain.DirectionBuy, submits[0].Direction)
	assert.Equal(t, domain.OffsetOpen, submits[0].Offset)
	mu.Unlock()

	// collapse: cross back down flips to short, closing the long first
	for _, bar := range barsFromCloses("SHFE.rb2505", 5, 4) {
		s.OnBar(bar)
	}
	mu.Lock()
	require.Equal(t, []float64{1, -1}, signals)
	require.Len(t, submits, 3)
	assert.Equal(t, domain.OffsetClose, submits[1].Offset)
	assert.Equal(t, domain.DirectionSell, submits[1].Direction)
	assert.Equal(t, domain.OffsetOpen, submits[2].Offset)
	assert.Equal(t, domain.DirectionSell, submits[2].Direction)
	mu.Unlock()

	// foreign symbols are ignored
	s.OnBar(&domain.Bar{Symbol: "DCE.i2505", Close: 100})
	mu.Lock()
	assert.Len(t, submits, 3)
	mu.Unlock()
}

func TestMACrossIgnoresBarsBeforeInit(t *testing.T) {
	s := NewMACross("ma1", "SHFE.rb2505")
	for _, bar := range barsFromCloses("SHFE.rb2505", 10, 9, 8, 7, 12) {
		s.OnBar(bar)
	}
	s.mu.Lock()
	assert.Empty(t, s.closes)
	s.mu.Unlock()
}
