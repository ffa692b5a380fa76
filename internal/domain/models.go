package domain

import "time"

// RawSaleLine is one row of the POS export workbook. It is never
// persisted; RowNumber is the 1-based workbook row kept for diagnostics.
type RawSaleLine struct {
	RowNumber  int
	BranchCode string
	ReceiptNo  string
	SaleDate   time.Time
	Posted     bool
	TerminalID string
	ItemCode   string
	ItemName   string
	UOM        string
	Quantity   float64
	BaseQty    float64
	UnitPrice  float64
	Discount   float64
	LineTotal  float64
	NetTotal   float64
}

// ReceiptGroup owns every retained row sharing (branch code, receipt no),
// both trimmed. Built once per run over the full row set.
type ReceiptGroup struct {
	BranchCode string
	ReceiptNo  string
	Lines      []RawSaleLine
}

// AggregatedSaleLine collapses all rows of one sold-item code within a
// receipt. Quantity and monetary fields are sums; description, unit and
// unit price come from the first occurrence. RowNumbers keeps the
// contributing workbook rows for the skip reporter.
type AggregatedSaleLine struct {
	ItemCode    string
	Description string
	UOM         string
	UnitPrice   float64
	Quantity    float64
	BaseQty     float64
	Discount    float64
	LineTotal   float64
	NetTotal    float64
	RowNumbers  []int
}

type Branch struct {
	ID   string
	Code string
	Name string
}

type CatalogEntry struct {
	ItemCode    string
	Description string
	UOM         string
}

// RecipeLine is one bill-of-materials row: selling one unit of ItemCode
// consumes QtyPerUnit of the ingredient, declared in UOM.
type RecipeLine struct {
	ItemCode       string
	IngredientCode string
	QtyPerUnit     float64
	UOM            string
	UnitCost       float64
}

// IngredientMaster is the raw-ingredient record a RecipeLine resolves
// against. The recipe's declared unit must match BaseUOM or AlternateUOM
// case-insensitively.
type IngredientMaster struct {
	ID              string
	Code            string
	Description     string
	BaseUOM         string
	AlternateUOM    string
	BaseToAltFactor float64
}

const (
	LedgerActionAdd = "add"
	LedgerActionOut = "out"
)

// StockLedgerEntry is append-only. On-hand for an (ingredient, branch)
// pair is always the signed sum of its entries; "add" counts positive,
// "out" counts negative.
type StockLedgerEntry struct {
	ID           string
	IngredientID string
	BranchID     string
	Action       string
	Quantity     float64
	UnitCost     float64
	TotalCost    float64
	TxnDate      time.Time
	Remark       string
}

type SalesTransactionLine struct {
	ItemCode    string
	Description string
	UOM         string
	Quantity    float64
	UnitPrice   float64
	Discount    float64
	LineTotal   float64
	NetTotal    float64
}

type SalesTransaction struct {
	ID            string
	BranchID      string
	BranchCode    string
	ReceiptNo     string
	SaleDate      time.Time
	TerminalID    string
	GrossTotal    float64
	DiscountTotal float64
	NetTotal      float64
	CreatedAt     time.Time
	Lines         []SalesTransactionLine
}

// Skip reasons, one per failure kind in the taxonomy. The
// insufficient-stock and unexpected-error reasons carry extra context
// appended by the engine.
const (
	SkipReasonMissingBranch     = "branch not found"
	SkipReasonDuplicateReceipt  = "duplicate receipt"
	SkipReasonMissingCatalog    = "catalog entry not found"
	SkipReasonMissingIngredient = "ingredient master not found for code/unit"
	SkipReasonInsufficientStock = "insufficient stock"
	SkipReasonUnexpected        = "unexpected processing error"
)

// SkipRecord is one diagnostic row per rejected original sale line.
// The item code, description and unit are always the sold item's, never
// the ingredient's. Nil deduction fields render as "N/A" in the report.
type SkipRecord struct {
	RowNumber       int
	ItemCode        string
	Description     string
	UOM             string
	BranchCode      string
	ReceiptNo       string
	TotalQty        float64
	BOMQtyDeduction *float64
	TotalDeduction  *float64
	CurrentOnHand   *float64
	Variance        *float64
	SaleDate        time.Time
	Reason          string
}

type RunSummary struct {
	RunID             string
	SourceFile        string
	CommittedReceipts int
	SkippedLines      int
	StartedAt         time.Time
	FinishedAt        time.Time
}
