package trading

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/database"
	"github.com/qtrader/qtrader/internal/params"
	testhelpers "github.com/qtrader/qtrader/internal/testing"
)

func newTestRisk(t *testing.T, risk config.RiskConfig) (*RiskService, *params.Repository) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, database.ProfileTrader)
	t.Cleanup(cleanup)

	repo := params.NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, repo.Seed(risk))
	return NewRiskService(repo, zerolog.Nop()), repo
}

func TestCheckOrderEnforcesDailyCap(t *testing.T) {
	svc, _ := newTestRisk(t, config.RiskConfig{MaxDailyOrders: 2, MaxSingleOrderVolume: 10})

	require.NoError(t, svc.CheckOrder(1))
	require.NoError(t, svc.CheckOrder(1))

	err := svc.CheckOrder(1)
	require.Error(t, err)
	var riskErr *RiskError
	require.ErrorAs(t, err, &riskErr)
	assert.Equal(t, params.KeyMaxDailyOrders, riskErr.Rule)

	orders, _ := svc.Counters()
	assert.Equal(t, 2, orders, "rejected order must not consume budget")
}

func TestCheckOrderVolumeLimits(t *testing.T) {
	svc, _ := newTestRisk(t, config.RiskConfig{MaxDailyOrders: 100, MaxSingleOrderVolume: 5})

	var riskErr *RiskError
	require.ErrorAs(t, svc.CheckOrder(0), &riskErr)
	assert.Equal(t, "volume", riskErr.Rule)

	require.ErrorAs(t, svc.CheckOrder(6), &riskErr)
	assert.Equal(t, params.KeyMaxSingleOrderVolume, riskErr.Rule)

	require.NoError(t, svc.CheckOrder(5))
}

func TestCheckOrderWhilePaused(t *testing.T) {
	svc, _ := newTestRisk(t, config.RiskConfig{MaxDailyOrders: 100})

	svc.SetPaused(true)
	assert.True(t, svc.Paused())

	var riskErr *RiskError
	require.ErrorAs(t, svc.CheckOrder(1), &riskErr)
	assert.Equal(t, "trade_paused", riskErr.Rule)

	svc.SetPaused(false)
	require.NoError(t, svc.CheckOrder(1))
}

func TestCheckCancelEnforcesDailyCap(t *testing.T) {
	svc, _ := newTestRisk(t, config.RiskConfig{MaxDailyCancels: 1})

	require.NoError(t, svc.CheckCancel())

	var riskErr *RiskError
	require.ErrorAs(t, svc.CheckCancel(), &riskErr)
	assert.Equal(t, params.KeyMaxDailyCancels, riskErr.Rule)
}

func TestCountersSurviveRestart(t *testing.T) {
	svc, repo := newTestRisk(t, config.RiskConfig{MaxDailyOrders: 100, MaxDailyCancels: 100})

	require.NoError(t, svc.CheckOrder(1))
	require.NoError(t, svc.CheckOrder(1))
	require.NoError(t, svc.CheckCancel())

	// same database, fresh process
	restarted := NewRiskService(repo, zerolog.Nop())
	orders, cancels := restarted.Counters()
	assert.Equal(t, 2, orders)
	assert.Equal(t, 1, cancels)
}

func TestLimitUpdatesTakeEffectWithoutRestart(t *testing.T) {
	svc, repo := newTestRisk(t, config.RiskConfig{MaxDailyOrders: 100, MaxSingleOrderVolume: 10})

	require.NoError(t, svc.CheckOrder(8))

	// operator tightens the limit through system_params
	require.NoError(t, repo.SetInt(params.KeyMaxSingleOrderVolume, 3, params.GroupRisk))

	var riskErr *RiskError
	require.ErrorAs(t, svc.CheckOrder(8), &riskErr)
	assert.Equal(t, params.KeyMaxSingleOrderVolume, riskErr.Rule)
}
