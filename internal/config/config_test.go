package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
log:
  level: debug
  pretty: true
api:
  host: 127.0.0.1
  port: 8800
socket_dir: /tmp/qtrader-test
accounts:
  - account_id: ACC1
    enabled: true
    broker_id: "9999"
    user_id: "100001"
    password_env: ACC1_PASSWORD
    risk:
      max_daily_orders: 20
      max_split_volume: 5
    strategies:
      - strategy_id: ma_rb
        class: ma_cross
        symbol: SHFE.rb2505
        enabled: true
    jobs:
      - job_name: pre market connect
        group: market
        cron: "0 45 8 * * 1-5"
        job_method: pre_market_connect
        enabled: true
  - account_id: ACC2
    enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "qtrader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, testYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8800, cfg.API.Port)
	assert.Equal(t, "/tmp/qtrader-test", cfg.SocketDir)
	require.Len(t, cfg.Accounts, 2)

	acc := cfg.Accounts[0]
	assert.Equal(t, "ACC1", acc.AccountID)
	assert.True(t, acc.Enabled)
	assert.Equal(t, 20, acc.Risk.MaxDailyOrders)
	assert.Equal(t, 5, acc.Risk.MaxSplitVolume)
	// Unset limits fall back to defaults.
	assert.Equal(t, DefaultRisk().MaxDailyCancels, acc.Risk.MaxDailyCancels)
	assert.Equal(t, DefaultRisk().OrderTimeoutSeconds, acc.Risk.OrderTimeoutSeconds)
	// Paths default under data/<account_id>.
	assert.Equal(t, filepath.Join("data", "ACC1", "trader.db"), acc.Paths.Database)
	// Sim gateway unless configured otherwise.
	assert.Equal(t, "sim", acc.Gateway.Type)

	require.Len(t, acc.Jobs, 1)
	assert.Equal(t, "pre_market_connect", acc.Jobs[0].JobMethod)

	assert.False(t, cfg.Accounts[1].Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/qtrader.yaml")
	assert.Error(t, err)
}

func TestValidateDuplicateAccount(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - account_id: ACC1
  - account_id: ACC1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate account_id")
}

func TestValidateNoAccounts(t *testing.T) {
	path := writeConfig(t, `log: {level: info}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accounts")
}

func TestValidateSplitExceedsSingle(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - account_id: ACC1
    risk:
      max_single_order_volume: 5
      max_split_volume: 10
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_split_volume")
}

func TestPasswordFromEnv(t *testing.T) {
	t.Setenv("ACC1_PASSWORD", "secret")
	acc := &AccountConfig{PasswordEnv: "ACC1_PASSWORD"}
	assert.Equal(t, "secret", acc.Password())

	acc = &AccountConfig{}
	assert.Equal(t, "", acc.Password())
}

func TestSocketPath(t *testing.T) {
	assert.Equal(t, "/tmp/qt/qtrader_ACC1.sock", SocketPath("/tmp/qt", "ACC1"))
	assert.Equal(t, "/tmp/qt/qtrader_ACC1.pid", PIDPath("/tmp/qt", "ACC1"))
}

func TestAccountLookup(t *testing.T) {
	path := writeConfig(t, testYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	acc, ok := cfg.Account("ACC2")
	require.True(t, ok)
	assert.Equal(t, "ACC2", acc.AccountID)

	_, ok = cfg.Account("NOPE")
	assert.False(t, ok)
}
