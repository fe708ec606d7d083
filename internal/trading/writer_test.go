package trading

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtrader/qtrader/internal/database"
	"github.com/qtrader/qtrader/internal/domain"
	"github.com/qtrader/qtrader/internal/events"
	testhelpers "github.com/qtrader/qtrader/internal/testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, database.ProfileTrader)
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestInsertTradeSkipsReplayedFills(t *testing.T) {
	repo := newTestRepository(t)

	trade := &domain.Trade{
		TradeID: "T-1", OrderID: "O-1", Symbol: "SHFE.rb2505",
		Direction: domain.DirectionBuy, Offset: domain.OffsetOpen,
		Price: 3500, Volume: 2, TradeTime: time.Now(),
	}
	require.NoError(t, repo.InsertTrade(trade))
	// gateway replays its trade stream after a reconnect
	require.NoError(t, repo.InsertTrade(trade))

	n, err := repo.CountTrades()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertAccountAndPosition(t *testing.T) {
	repo := newTestRepository(t)

	acc := &domain.Account{AccountID: "ACC001", Balance: 1000, Available: 900, GatewayConnected: true}
	require.NoError(t, repo.UpsertAccount(acc))
	acc.Balance = 1100
	require.NoError(t, repo.UpsertAccount(acc))

	pos := &domain.Position{Symbol: "SHFE.rb2505", PosLong: 2, LongAvgPrice: 3500}
	require.NoError(t, repo.UpsertPosition(pos))
	pos.PosLong = 4
	require.NoError(t, repo.UpsertPosition(pos))
}

func TestWriterPersistsBusEvents(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, database.ProfileTrader)
	t.Cleanup(cleanup)
	repo := NewRepository(db.Conn(), zerolog.Nop())

	engine := events.NewEngine(zerolog.Nop())
	defer engine.Stop()
	NewWriter(repo, zerolog.Nop()).Subscribe(engine)

	engine.Emit(events.TradeUpdate, "ACC001", &domain.Trade{
		TradeID: "T-1", OrderID: "O-1", Symbol: "SHFE.rb2505",
		Direction: domain.DirectionBuy, Offset: domain.OffsetOpen,
		Price: 3500, Volume: 2, TradeTime: time.Now(),
	})
	engine.Emit(events.AccountUpdate, "ACC001", &domain.Account{AccountID: "ACC001", Balance: 1000})
	engine.Emit(events.PositionUpdate, "ACC001", &domain.Position{Symbol: "SHFE.rb2505", PosLong: 2})
	engine.Emit(events.ContractUpdate, "ACC001", &domain.Contract{
		Symbol: "SHFE.rb2505", Exchange: "SHFE", Name: "rb2505",
		VolumeMultiple: 10, PriceTick: 1, ExpireDate: "20250515",
	})

	// live order updates are not persisted, terminal ones are
	engine.Emit(events.OrderUpdate, "ACC001", &domain.Order{
		OrderID: "O-1", Symbol: "SHFE.rb2505", Direction: domain.DirectionBuy,
		Offset: domain.OffsetOpen, Volume: 2, VolumeLeft: 2,
		Status: domain.OrderStatusActive, InsertTime: time.Now(),
	})
	engine.Emit(events.OrderUpdate, "ACC001", &domain.Order{
		OrderID: "O-1", Symbol: "SHFE.rb2505", Direction: domain.DirectionBuy,
		Offset: domain.OffsetOpen, Volume: 2, VolumeLeft: 0,
		Status: domain.OrderStatusFinished, InsertTime: time.Now(),
	})

	// each event type drains on its own queue
	count := func(table string) int {
		var n int
		if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			return -1
		}
		return n
	}
	require.Eventually(t, func() bool {
		return count("trades") == 1 && count("accounts") == 1 &&
			count("positions") == 1 && count("orders") == 1 &&
			count("contracts") == 1
	}, 2*time.Second, 10*time.Millisecond)

	var status string
	require.NoError(t, db.Conn().QueryRow(`SELECT status FROM orders WHERE order_id = 'O-1'`).Scan(&status))
	assert.Equal(t, string(domain.OrderStatusFinished), status)

	var multiple int
	require.NoError(t, db.Conn().QueryRow(`SELECT volume_multiple FROM contracts WHERE symbol = 'SHFE.rb2505'`).Scan(&multiple))
	assert.Equal(t, 10, multiple)
}
