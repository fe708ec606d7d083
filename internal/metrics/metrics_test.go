package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrader/qtrader/internal/domain"
)

func TestFleetCollector(t *testing.T) {
	collector := NewFleetCollector(func() []domain.TraderInfo {
		return []domain.TraderInfo{
			{AccountID: "ACC001", State: domain.TraderRunning, RestartCount: 2},
			{AccountID: "ACC002", State: domain.TraderStopped},
		}
	})

	expected := `
# HELP qtrader_trader_up 1 while the trader subprocess is RUNNING, 0 otherwise.
# TYPE qtrader_trader_up gauge
qtrader_trader_up{account_id="ACC001"} 1
qtrader_trader_up{account_id="ACC002"} 0
# HELP qtrader_trader_restarts_total Automatic restarts performed by the supervisor.
# TYPE qtrader_trader_restarts_total counter
qtrader_trader_restarts_total{account_id="ACC001"} 2
qtrader_trader_restarts_total{account_id="ACC002"} 0
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"qtrader_trader_up", "qtrader_trader_restarts_total"))
}

func TestHandlerServesCounters(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "/api/traders", 200, 3*time.Millisecond)
	m.CountAlarm("ACC001", domain.AlarmLevelError)
	m.SetWSClients(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `qtrader_api_requests_total{method="GET",route="/api/traders",status="200"} 1`)
	assert.Contains(t, body, `qtrader_alarms_total{account_id="ACC001",level="ERROR"} 1`)
	assert.Contains(t, body, "qtrader_websocket_clients 2")
}
