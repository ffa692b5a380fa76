package store

import (
	"context"
	"errors"

	"github.com/saitama45/david-sub002/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateReceipt = errors.New("duplicate receipt")
	ErrInvalidReceipt   = errors.New("invalid receipt")
)

// Repository is the storage boundary of the import engine. Master-data
// reads are side-effect free; CommitReceipt is the only mutation path
// the engine uses and must persist the sale and its ledger deductions
// as one atomic unit.
type Repository interface {
	GetBranchByCode(ctx context.Context, code string) (*domain.Branch, error)
	GetCatalogEntry(ctx context.Context, itemCode string) (*domain.CatalogEntry, error)
	GetRecipeLines(ctx context.Context, itemCode string) ([]domain.RecipeLine, error)
	// FindIngredientByCodeAndUnit matches the ingredient code exactly and
	// the unit case-insensitively against the base or alternate UOM.
	FindIngredientByCodeAndUnit(ctx context.Context, code string, uom string) (*domain.IngredientMaster, error)
	// OnHand is the signed sum of all ledger entries for the pair. There
	// is no separate counter; this query is the single source of truth.
	OnHand(ctx context.Context, ingredientID string, branchID string) (float64, error)
	SaleExists(ctx context.Context, branchID string, receiptNo string) (bool, error)
	// CommitReceipt persists the sale header, its lines and one "out"
	// ledger entry per deducted ingredient atomically. A uniqueness
	// conflict on (branch, receipt no) is returned as ErrDuplicateReceipt.
	CommitReceipt(ctx context.Context, sale domain.SalesTransaction, entries []domain.StockLedgerEntry) (*domain.SalesTransaction, error)
	// AppendLedgerEntry serves receiving and adjustment flows outside the
	// import pipeline (and test fixtures); the engine itself only appends
	// through CommitReceipt.
	AppendLedgerEntry(ctx context.Context, entry domain.StockLedgerEntry) error
}
