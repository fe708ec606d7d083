// Package rotation implements the position rotation engine: CSV instruction
// ingest, the instruction lifecycle, the batch execution loop that drives
// OrderCmds, and the position export.
package rotation

import (
	"encoding/csv"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/qtrader/qtrader/internal/domain"
)

// Import modes.
const (
	ModeAppend  = "append"
	ModeReplace = "replace"
)

var (
	tradingDateRe = regexp.MustCompile(`(\d{8})`)
	symbolRe      = regexp.MustCompile(`^[A-Za-z]+\.[A-Za-z0-9]+$`)
	orderTimeRe   = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)
)

// TradingDateFromFilename extracts the 8-digit YYYYMMDD from an instruction
// filename.
func TradingDateFromFilename(filename string) (string, error) {
	m := tradingDateRe.FindString(filename)
	if m == "" {
		return "", fmt.Errorf("rotation: filename %q carries no YYYYMMDD trading date", filename)
	}
	return m, nil
}

// decodeCSVText returns UTF-8 text from raw bytes, transcoding from GBK when
// the input is not valid UTF-8. Operator-exported files from Windows tools
// arrive in GBK routinely.
func decodeCSVText(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, _, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), raw)
	if err != nil {
		return "", fmt.Errorf("rotation: decode GBK csv: %w", err)
	}
	return string(decoded), nil
}

// RowError describes one rejected CSV row.
type RowError struct {
	Line int
	Msg  string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Line, e.Msg)
}

// ParseResult carries the outcome of parsing one CSV payload.
type ParseResult struct {
	Instructions []*domain.RotationInstruction
	RowsTotal    int
	Rejected     []RowError
}

// ParseCSV parses instruction rows for one account. Columns, in order:
// account_id, strategy_id, instrument(exchange.symbol), offset, direction,
// volume, order_time (optional). The first line is a header and is skipped
// after a sanity check. Rows with missing fields, non-positive volume,
// malformed symbols, or a foreign account_id are rejected individually.
func ParseCSV(raw []byte, accountID, tradingDate string) (*ParseResult, error) {
	text, err := decodeCSVText(raw)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("rotation: parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("rotation: empty csv")
	}

	// header check: reject a file whose first row already looks like data
	header := records[0]
	if len(header) > 0 && looksLikeDataRow(header) {
		return nil, fmt.Errorf("rotation: missing header row")
	}

	result := &ParseResult{}
	for i, record := range records[1:] {
		line := i + 2 // 1-based, after header
		result.RowsTotal++

		inst, rowErr := parseRow(record, accountID, tradingDate)
		if rowErr != nil {
			result.Rejected = append(result.Rejected, RowError{Line: line, Msg: rowErr.Error()})
			continue
		}
		result.Instructions = append(result.Instructions, inst)
	}
	return result, nil
}

func looksLikeDataRow(record []string) bool {
	if len(record) < 6 {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSpace(record[5]))
	return err == nil && symbolRe.MatchString(strings.TrimSpace(record[2]))
}

func parseRow(record []string, accountID, tradingDate string) (*domain.RotationInstruction, error) {
	if len(record) < 6 {
		return nil, fmt.Errorf("expected at least 6 columns, got %d", len(record))
	}
	for i := 0; i < 6; i++ {
		if strings.TrimSpace(record[i]) == "" {
			return nil, fmt.Errorf("column %d is empty", i+1)
		}
	}

	rowAccount := strings.TrimSpace(record[0])
	if rowAccount != accountID {
		return nil, fmt.Errorf("account_id %q does not match %q", rowAccount, accountID)
	}

	symbol := strings.TrimSpace(record[2])
	if !symbolRe.MatchString(symbol) {
		return nil, fmt.Errorf("malformed symbol %q (want exchange.instrument)", symbol)
	}

	offset, err := parseOffset(strings.TrimSpace(record[3]))
	if err != nil {
		return nil, err
	}
	direction, err := parseDirection(strings.TrimSpace(record[4]))
	if err != nil {
		return nil, err
	}

	volume, err := strconv.Atoi(strings.TrimSpace(record[5]))
	if err != nil || volume <= 0 {
		return nil, fmt.Errorf("invalid volume %q", strings.TrimSpace(record[5]))
	}

	orderTime := ""
	if len(record) > 6 {
		orderTime = strings.TrimSpace(record[6])
		if orderTime != "" && !orderTimeRe.MatchString(orderTime) {
			return nil, fmt.Errorf("invalid order_time %q (want HH:MM:SS)", orderTime)
		}
	}

	return &domain.RotationInstruction{
		AccountID:         rowAccount,
		StrategyID:        strings.TrimSpace(record[1]),
		Symbol:            symbol,
		Direction:         direction,
		Offset:            offset,
		Volume:            volume,
		RemainingVolume:   volume,
		OrderTime:         orderTime,
		TradingDate:       tradingDate,
		Enabled:           true,
		Status:            domain.InstructionPending,
		RemainingAttempts: 3,
		Source:            "csv",
	}, nil
}

func parseOffset(s string) (domain.Offset, error) {
	switch s {
	case "Open", "open", "开仓":
		return domain.OffsetOpen, nil
	case "Close", "close", "平仓":
		return domain.OffsetClose, nil
	default:
		return "", fmt.Errorf("invalid offset %q", s)
	}
}

func parseDirection(s string) (domain.Direction, error) {
	switch s {
	case "Buy", "buy", "买入":
		return domain.DirectionBuy, nil
	case "Sell", "sell", "卖出":
		return domain.DirectionSell, nil
	default:
		return "", fmt.Errorf("invalid direction %q", s)
	}
}
