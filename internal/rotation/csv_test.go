package rotation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/qtrader/qtrader/internal/domain"
)

const csvHeader = "account_id,strategy_id,instrument,offset,direction,volume,order_time\n"

func TestTradingDateFromFilename(t *testing.T) {
	date, err := TradingDateFromFilename("switch-ACC001-20260825.csv")
	require.NoError(t, err)
	assert.Equal(t, "20260825", date)

	_, err = TradingDateFromFilename("switch-latest.csv")
	assert.Error(t, err)
}

func TestParseCSV(t *testing.T) {
	raw := csvHeader +
		"ACC001,ma_cross,SHFE.rb2505,Open,Buy,10,09:30:00\n" +
		"ACC001,ma_cross,DCE.i2505,Close,Sell,4,\n"

	result, err := ParseCSV([]byte(raw), "ACC001", "20260825")
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsTotal)
	assert.Empty(t, result.Rejected)
	require.Len(t, result.Instructions, 2)

	first := result.Instructions[0]
	assert.Equal(t, "SHFE.rb2505", first.Symbol)
	assert.Equal(t, domain.DirectionBuy, first.Direction)
	assert.Equal(t, domain.OffsetOpen, first.Offset)
	assert.Equal(t, 10, first.Volume)
	assert.Equal(t, 10, first.RemainingVolume)
	assert.Equal(t, "09:30:00", first.OrderTime)
	assert.Equal(t, "20260825", first.TradingDate)
	assert.Equal(t, domain.InstructionPending, first.Status)
	assert.Equal(t, 3, first.RemainingAttempts)
	assert.True(t, first.Enabled)

	second := result.Instructions[1]
	assert.Equal(t, domain.DirectionSell, second.Direction)
	assert.Equal(t, domain.OffsetClose, second.Offset)
	assert.Equal(t, "", second.OrderTime)
}

func TestParseCSVGBK(t *testing.T) {
	utf8Text := csvHeader + "ACC001,手工,SHFE.rb2505,开仓,买入,5,\n"
	gbk, _, err := transform.Bytes(simplifiedchinese.GBK.NewEncoder(), []byte(utf8Text))
	require.NoError(t, err)

	result, err := ParseCSV(gbk, "ACC001", "20260825")
	require.NoError(t, err)
	require.Len(t, result.Instructions, 1)
	inst := result.Instructions[0]
	assert.Equal(t, "手工", inst.StrategyID)
	assert.Equal(t, domain.OffsetOpen, inst.Offset)
	assert.Equal(t, domain.DirectionBuy, inst.Direction)
}

func TestParseCSVRejectsBadRows(t *testing.T) {
	raw := csvHeader +
		"ACC999,s,SHFE.rb2505,Open,Buy,5,\n" + // foreign account
		"ACC001,s,rb2505,Open,Buy,5,\n" + // no exchange prefix
		"ACC001,s,SHFE.rb2505,Open,Buy,0,\n" + // non-positive volume
		"ACC001,s,SHFE.rb2505,Hold,Buy,5,\n" + // bad offset
		"ACC001,s,SHFE.rb2505,Open,Buy,5,9:30\n" + // bad order_time
		"ACC001,s,SHFE.rb2505,Open,Buy,5,\n" // the one valid row

	result, err := ParseCSV([]byte(raw), "ACC001", "20260825")
	require.NoError(t, err)
	assert.Equal(t, 6, result.RowsTotal)
	assert.Len(t, result.Rejected, 5)
	require.Len(t, result.Instructions, 1)

	lines := make([]int, 0, len(result.Rejected))
	for _, rej := range result.Rejected {
		lines = append(lines, rej.Line)
		assert.NotEmpty(t, rej.Msg)
	}
	assert.Equal(t, []int{2, 3, 4, 5, 6}, lines)
}

func TestParseCSVMissingHeader(t *testing.T) {
	raw := "ACC001,s,SHFE.rb2505,Open,Buy,5,\n"
	_, err := ParseCSV([]byte(raw), "ACC001", "20260825")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "header"))
}

func TestParseCSVEmpty(t *testing.T) {
	_, err := ParseCSV([]byte(""), "ACC001", "20260825")
	assert.Error(t, err)
}
