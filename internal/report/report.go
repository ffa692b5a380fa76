package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/saitama45/david-sub002/internal/domain"
)

const sheetName = "Skip Report"

var header = []string{
	"Item Code",
	"Item Description",
	"UoM",
	"Store Code",
	"Receipt No.",
	"Total Qty",
	"BOM Qty Deduction",
	"Total Deduction",
	"Current SOH",
	"Variance",
	"Date of Sales",
	"Reason",
}

// WriteSkipReport writes one row per skip record plus a summary sheet.
// Returns the number of data rows written.
func WriteSkipReport(path string, summary domain.RunSummary, records []domain.SkipRecord) (int, error) {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", sheetName)

	for col, title := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return 0, err
		}
		if err := f.SetCellValue(sheetName, cell, title); err != nil {
			return 0, err
		}
	}

	for i, rec := range records {
		rowNo := i + 2
		saleDate := ""
		if !rec.SaleDate.IsZero() {
			saleDate = rec.SaleDate.Format("2006-01-02")
		}
		values := []any{
			rec.ItemCode,
			rec.Description,
			rec.UOM,
			rec.BranchCode,
			rec.ReceiptNo,
			rec.TotalQty,
			numberOrNA(rec.BOMQtyDeduction),
			numberOrNA(rec.TotalDeduction),
			numberOrNA(rec.CurrentOnHand),
			numberOrNA(rec.Variance),
			saleDate,
			rec.Reason,
		}
		for col, val := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, rowNo)
			if err != nil {
				return 0, err
			}
			if err := f.SetCellValue(sheetName, cell, val); err != nil {
				return 0, err
			}
		}
	}

	if err := writeSummarySheet(f, summary); err != nil {
		return 0, err
	}

	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("save report: %w", err)
	}
	return len(records), nil
}

func writeSummarySheet(f *excelize.File, summary domain.RunSummary) error {
	const summarySheet = "Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}

	rows := [][2]any{
		{"Run ID", summary.RunID},
		{"Source File", summary.SourceFile},
		{"Committed Receipts", summary.CommittedReceipts},
		{"Skipped Line Diagnostics", summary.SkippedLines},
		{"Started", summary.StartedAt.Format("2006-01-02 15:04:05")},
		{"Finished", summary.FinishedAt.Format("2006-01-02 15:04:05")},
	}
	for i, row := range rows {
		keyCell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		valCell, err := excelize.CoordinatesToCellName(2, i+1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(summarySheet, keyCell, row[0]); err != nil {
			return err
		}
		if err := f.SetCellValue(summarySheet, valCell, row[1]); err != nil {
			return err
		}
	}
	return nil
}

func numberOrNA(val *float64) any {
	if val == nil {
		return "N/A"
	}
	return *val
}
