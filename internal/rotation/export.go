package rotation

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/qtrader/qtrader/internal/domain"
)

// positionExportHeader is fixed; downstream reconciliation tooling matches
// on these exact GBK column names.
var positionExportHeader = []string{"账户", "交易日期", "合约代码", "方向", "今仓", "昨仓"}

// ExportPositions writes the position snapshot to
// <exportDir>/position-<accountID>-<tradingDate>.csv in GBK, one row per
// non-zero leg. Returns the written path.
func ExportPositions(exportDir, accountID, tradingDate string, positions map[string]*domain.Position) (string, error) {
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", fmt.Errorf("rotation: create export dir: %w", err)
	}

	path := filepath.Join(exportDir, fmt.Sprintf("position-%s-%s.csv", accountID, tradingDate))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("rotation: create export file: %w", err)
	}
	defer f.Close()

	encoder := transform.NewWriter(f, simplifiedchinese.GBK.NewEncoder())
	w := csv.NewWriter(encoder)

	if err := w.Write(positionExportHeader); err != nil {
		return "", fmt.Errorf("rotation: write export header: %w", err)
	}

	symbols := make([]string, 0, len(positions))
	for sym := range positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		pos := positions[sym]
		if pos.PosLong > 0 {
			if err := w.Write([]string{accountID, tradingDate, sym, "多",
				strconv.Itoa(pos.PosLongToday), strconv.Itoa(pos.PosLongYd)}); err != nil {
				return "", fmt.Errorf("rotation: write export row: %w", err)
			}
		}
		if pos.PosShort > 0 {
			if err := w.Write([]string{accountID, tradingDate, sym, "空",
				strconv.Itoa(pos.PosShortToday), strconv.Itoa(pos.PosShortYd)}); err != nil {
				return "", fmt.Errorf("rotation: write export row: %w", err)
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("rotation: flush export: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("rotation: close GBK encoder: %w", err)
	}
	return path, nil
}
