package params

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrader/qtrader/internal/config"
	"github.com/qtrader/qtrader/internal/database"
	testhelpers "github.com/qtrader/qtrader/internal/testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, database.ProfileTrader)
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestSeedIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Seed(config.RiskConfig{MaxDailyOrders: 50, MaxDailyCancels: 20}))
	assert.Equal(t, 50, repo.GetInt(KeyMaxDailyOrders, 0))

	// operator edit survives a reseed at next startup
	require.NoError(t, repo.SetInt(KeyMaxDailyOrders, 10, GroupRisk))
	require.NoError(t, repo.Seed(config.RiskConfig{MaxDailyOrders: 50, MaxDailyCancels: 20}))
	assert.Equal(t, 10, repo.GetInt(KeyMaxDailyOrders, 0))
}

func TestGetMisses(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "fallback", repo.GetString("nope", "fallback"))
	assert.Equal(t, 7, repo.GetInt("nope", 7))

	// unparseable value falls back too
	require.NoError(t, repo.Set("weird", "not-a-number", GroupState, ""))
	assert.Equal(t, 7, repo.GetInt("weird", 7))
}

func TestSetKeepsGroupAndDescriptionOnUpdate(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Set(KeyAlertWechat, "oncall", GroupAlert, "wechat alert target"))
	require.NoError(t, repo.Set(KeyAlertWechat, "backup-oncall", "", ""))

	p, err := repo.Get(KeyAlertWechat)
	require.NoError(t, err)
	assert.Equal(t, "backup-oncall", p.Value)
	assert.Equal(t, GroupAlert, p.Group)
	assert.Equal(t, "wechat alert target", p.Description)
}

func TestListByGroup(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Seed(config.RiskConfig{MaxDailyOrders: 50}))

	risk, err := repo.ListByGroup(GroupRisk)
	require.NoError(t, err)
	require.Len(t, risk, 5)
	for _, p := range risk {
		assert.Equal(t, GroupRisk, p.Group)
	}

	all, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, all, 6) // risk params plus the alert row
}
