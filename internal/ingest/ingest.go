package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/saitama45/david-sub002/internal/domain"
)

// Sentinel tokens from the POS export convention, matched as
// case-insensitive substrings.
const (
	endOfDataSentinel = "NOTHING FOLLOWS"
	subtotalMarker    = "SUBTOTAL:"
)

// Column positions are fixed by the export convention, not discovered.
const (
	colBranchCode = iota
	colReceiptNo
	colSaleDate
	colPosted
	colTerminalID
	colItemCode
	colItemName
	colUOM
	colQuantity
	colBaseQty
	colUnitPrice
	colDiscount
	colLineTotal
	colNetTotal
)

// receipt group keys join branch and receipt with a control character
// that cannot appear in either field
const groupKeySep = "\x1f"

// ReadWorkbook opens the export and returns the raw cell rows of the
// requested sheet (the first sheet when sheet is empty).
func ReadWorkbook(path string, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if sheet == "" {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return rows, nil
}

// ParseRows turns raw cell rows into sale lines. The first headerRows
// rows are skipped but still count toward the reported row numbers.
// Consumption stops entirely at the first row containing the
// end-of-data sentinel; subtotal rows and rows without an item code are
// dropped individually.
func ParseRows(rows [][]string, headerRows int) []domain.RawSaleLine {
	if headerRows < 0 {
		headerRows = 0
	}

	lines := make([]domain.RawSaleLine, 0, len(rows))
	for i := headerRows; i < len(rows); i++ {
		row := rows[i]
		if rowHasEndSentinel(row) {
			break
		}
		if containsFold(getCell(row, colItemName), subtotalMarker) {
			continue
		}

		itemCode := strings.TrimSpace(getCell(row, colItemCode))
		if itemCode == "" {
			continue
		}

		lines = append(lines, domain.RawSaleLine{
			RowNumber:  i + 1,
			BranchCode: strings.TrimSpace(getCell(row, colBranchCode)),
			ReceiptNo:  strings.TrimSpace(getCell(row, colReceiptNo)),
			SaleDate:   parseDate(getCell(row, colSaleDate)),
			Posted:     parseBool(getCell(row, colPosted)),
			TerminalID: strings.TrimSpace(getCell(row, colTerminalID)),
			ItemCode:   itemCode,
			ItemName:   strings.TrimSpace(getCell(row, colItemName)),
			UOM:        strings.TrimSpace(getCell(row, colUOM)),
			Quantity:   parseNumber(getCell(row, colQuantity)),
			BaseQty:    parseNumber(getCell(row, colBaseQty)),
			UnitPrice:  parseNumber(getCell(row, colUnitPrice)),
			Discount:   parseNumber(getCell(row, colDiscount)),
			LineTotal:  parseNumber(getCell(row, colLineTotal)),
			NetTotal:   parseNumber(getCell(row, colNetTotal)),
		})
	}

	return lines
}

// GroupReceipts groups the full retained row set by (branch, receipt).
// A receipt's rows are not assumed contiguous; groups come out in
// first-seen order with row order preserved inside each group.
func GroupReceipts(lines []domain.RawSaleLine) []domain.ReceiptGroup {
	index := make(map[string]int, len(lines))
	groups := make([]domain.ReceiptGroup, 0, len(lines)/4+1)

	for _, line := range lines {
		branch := strings.TrimSpace(line.BranchCode)
		receipt := strings.TrimSpace(line.ReceiptNo)
		key := branch + groupKeySep + receipt

		pos, seen := index[key]
		if !seen {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, domain.ReceiptGroup{
				BranchCode: branch,
				ReceiptNo:  receipt,
			})
		}
		groups[pos].Lines = append(groups[pos].Lines, line)
	}

	return groups
}

func rowHasEndSentinel(row []string) bool {
	for _, cell := range row {
		if containsFold(cell, endOfDataSentinel) {
			return true
		}
	}
	return false
}

func containsFold(s string, substr string) bool {
	return strings.Contains(strings.ToUpper(s), substr)
}

func getCell(row []string, index int) string {
	if index < len(row) {
		return row[index]
	}
	return ""
}

// parseNumber is lenient: thousands separators and currency spacing in
// exported cells are tolerated, blanks and garbage read as zero.
func parseNumber(raw string) float64 {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if cleaned == "" {
		return 0
	}
	val, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return val
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01-02-06",
	"1/2/06 15:04",
	time.RFC3339,
}

func parseDate(raw string) time.Time {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseBool(raw string) bool {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "Y", "YES", "TRUE", "1", "POSTED":
		return true
	}
	return false
}
