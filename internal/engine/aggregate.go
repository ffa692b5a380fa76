package engine

import (
	"strings"

	"github.com/saitama45/david-sub002/internal/domain"
)

// Aggregate collapses a receipt's rows into one line per sold-item code
// (uppercased, trimmed). Quantity and monetary fields are additive;
// description, unit and unit price come from the first occurrence.
// Contributing row numbers are retained for the skip reporter.
func Aggregate(group domain.ReceiptGroup) []domain.AggregatedSaleLine {
	index := make(map[string]int, len(group.Lines))
	out := make([]domain.AggregatedSaleLine, 0, len(group.Lines))

	for _, line := range group.Lines {
		code := strings.ToUpper(strings.TrimSpace(line.ItemCode))
		if code == "" {
			continue
		}

		pos, seen := index[code]
		if !seen {
			pos = len(out)
			index[code] = pos
			out = append(out, domain.AggregatedSaleLine{
				ItemCode:    code,
				Description: line.ItemName,
				UOM:         line.UOM,
				UnitPrice:   line.UnitPrice,
			})
		}

		agg := &out[pos]
		agg.Quantity += line.Quantity
		agg.BaseQty += line.BaseQty
		agg.Discount += line.Discount
		agg.LineTotal += line.LineTotal
		agg.NetTotal += line.NetTotal
		agg.RowNumbers = append(agg.RowNumbers, line.RowNumber)
	}

	return out
}
