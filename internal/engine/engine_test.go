package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/saitama45/david-sub002/internal/cache"
	"github.com/saitama45/david-sub002/internal/domain"
	"github.com/saitama45/david-sub002/internal/store/memory"
)

var testSaleDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()

	repo := memory.New()
	repo.PutBranch(domain.Branch{ID: "br-main", Code: "MAIN", Name: "Main Branch"})

	repo.PutCatalogEntry(domain.CatalogEntry{ItemCode: "BURGER01", Description: "Beef Burger", UOM: "PC"})
	repo.PutRecipeLine(domain.RecipeLine{ItemCode: "BURGER01", IngredientCode: "BUN01", QtyPerUnit: 2, UOM: "PC", UnitCost: 5})
	repo.PutIngredient(domain.IngredientMaster{ID: "ing-bun", Code: "BUN01", Description: "Burger Bun", BaseUOM: "PC", AlternateUOM: "PACK"})

	repo.PutCatalogEntry(domain.CatalogEntry{ItemCode: "FRIES01", Description: "Fries Regular", UOM: "PC"})
	repo.PutRecipeLine(domain.RecipeLine{ItemCode: "FRIES01", IngredientCode: "POTATO01", QtyPerUnit: 0.2, UOM: "KG", UnitCost: 40})
	repo.PutIngredient(domain.IngredientMaster{ID: "ing-potato", Code: "POTATO01", Description: "Potato", BaseUOM: "kg", AlternateUOM: "SACK"})

	eng := New(repo, cache.NoopMasterDataCache{}, Options{SkipZeroStockCheck: true})
	return eng, repo
}

func saleLine(row int, branch string, receipt string, code string, qty float64) domain.RawSaleLine {
	return domain.RawSaleLine{
		RowNumber:  row,
		BranchCode: branch,
		ReceiptNo:  receipt,
		SaleDate:   testSaleDate,
		TerminalID: "POS-1",
		ItemCode:   code,
		ItemName:   code,
		UOM:        "PC",
		Quantity:   qty,
		UnitPrice:  10,
		LineTotal:  qty * 10,
		NetTotal:   qty * 10,
	}
}

func seedStock(t *testing.T, repo *memory.Store, ingredientID string, qty float64) {
	t.Helper()
	err := repo.AppendLedgerEntry(context.Background(), domain.StockLedgerEntry{
		IngredientID: ingredientID,
		BranchID:     "br-main",
		Action:       domain.LedgerActionAdd,
		Quantity:     qty,
		TxnDate:      testSaleDate,
	})
	if err != nil {
		t.Fatalf("seed stock: %v", err)
	}
}

func outEntries(repo *memory.Store, ingredientID string) []domain.StockLedgerEntry {
	entries := repo.LedgerEntries(ingredientID, "br-main")
	out := entries[:0:0]
	for _, e := range entries {
		if e.Action == domain.LedgerActionOut {
			out = append(out, e)
		}
	}
	return out
}

func TestSplitRowsAggregateBeforeRecipeExpansion(t *testing.T) {
	eng, repo := newFixture(t)
	seedStock(t, repo, "ing-bun", 100)

	// Same sold item twice in one receipt: qty 3 + 5 must demand
	// 2 * 8 = 16 buns, not 6 and 10 computed separately.
	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R100", "BURGER01", 3),
		saleLine(3, "MAIN", "R100", "BURGER01", 5),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 1 {
		t.Fatalf("expected 1 committed receipt, got %d", summary.CommittedReceipts)
	}
	if len(skips) != 0 {
		t.Fatalf("expected no skips, got %d: %+v", len(skips), skips)
	}

	deductions := outEntries(repo, "ing-bun")
	if len(deductions) != 1 {
		t.Fatalf("expected exactly one deduction entry, got %d", len(deductions))
	}
	if deductions[0].Quantity != 16 {
		t.Fatalf("expected 16 buns deducted, got %v", deductions[0].Quantity)
	}

	sale := repo.FindSale("br-main", "R100")
	if sale == nil {
		t.Fatalf("expected committed sale")
	}
	if len(sale.Lines) != 1 || sale.Lines[0].Quantity != 8 {
		t.Fatalf("expected one aggregated sale line with qty 8, got %+v", sale.Lines)
	}
}

func TestZeroOnHandPassesRegardlessOfDemand(t *testing.T) {
	eng, repo := newFixture(t)
	// No bun stock at all: on-hand 0, demand 2000.

	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R101", "BURGER01", 1000),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 1 || len(skips) != 0 {
		t.Fatalf("expected zero-stock ingredient to pass, got committed=%d skips=%d", summary.CommittedReceipts, len(skips))
	}
	if repo.SaleCount() != 1 {
		t.Fatalf("expected 1 sale, got %d", repo.SaleCount())
	}
}

func TestZeroOnHandFailsWhenLeniencyDisabled(t *testing.T) {
	_, repo := newFixture(t)
	eng := New(repo, cache.NoopMasterDataCache{}, Options{SkipZeroStockCheck: false})

	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R102", "BURGER01", 10),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 0 {
		t.Fatalf("expected no commit with strict validation, got %d", summary.CommittedReceipts)
	}
	if len(skips) != 1 {
		t.Fatalf("expected 1 skip, got %d", len(skips))
	}
	if skips[0].Variance == nil || *skips[0].Variance != 20 {
		t.Fatalf("expected variance 20, got %+v", skips[0].Variance)
	}
}

func TestInsufficientStockVarianceAndAtomicity(t *testing.T) {
	eng, repo := newFixture(t)
	seedStock(t, repo, "ing-bun", 5)
	seedStock(t, repo, "ing-potato", 500)

	// Bun demand 1000, on-hand 5 → fail with variance 995. Fries use a
	// different ingredient with plenty of stock, so only the burger rows
	// are implicated — but nothing at all is committed for the receipt.
	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R103", "BURGER01", 500),
		saleLine(3, "MAIN", "R103", "FRIES01", 2),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 0 {
		t.Fatalf("expected no commit, got %d", summary.CommittedReceipts)
	}
	if repo.SaleCount() != 0 {
		t.Fatalf("expected no persisted sale, got %d", repo.SaleCount())
	}
	if len(outEntries(repo, "ing-bun")) != 0 || len(outEntries(repo, "ing-potato")) != 0 {
		t.Fatalf("expected no ledger deductions for a failed receipt")
	}

	if len(skips) != 1 {
		t.Fatalf("expected skip rows only for the burger line, got %d", len(skips))
	}
	rec := skips[0]
	if rec.ItemCode != "BURGER01" {
		t.Fatalf("skip must display the sold item code, got %s", rec.ItemCode)
	}
	if rec.Variance == nil || *rec.Variance != 995 {
		t.Fatalf("expected variance 995, got %+v", rec.Variance)
	}
	if rec.CurrentOnHand == nil || *rec.CurrentOnHand != 5 {
		t.Fatalf("expected on-hand 5, got %+v", rec.CurrentOnHand)
	}
	if rec.TotalDeduction == nil || *rec.TotalDeduction != 1000 {
		t.Fatalf("expected total deduction 1000, got %+v", rec.TotalDeduction)
	}
	if rec.BOMQtyDeduction == nil || *rec.BOMQtyDeduction != 2 {
		t.Fatalf("expected BOM rate 2, got %+v", rec.BOMQtyDeduction)
	}
}

func TestRecipeUnitMatchesBaseOrAlternateCaseInsensitive(t *testing.T) {
	eng, repo := newFixture(t)
	seedStock(t, repo, "ing-potato", 500)

	// FRIES01 declares "KG"; the potato master's base unit is "kg".
	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R104", "FRIES01", 3),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 1 || len(skips) != 0 {
		t.Fatalf("expected case-insensitive unit match to commit, got committed=%d skips=%d", summary.CommittedReceipts, len(skips))
	}
}

func TestRecipeUnitMismatchFailsResolution(t *testing.T) {
	eng, repo := newFixture(t)
	// GRAVY01's recipe declares KG, but the only FLOUR01 master carries
	// base G / alternate LB — no candidate satisfies code + unit.
	repo.PutCatalogEntry(domain.CatalogEntry{ItemCode: "GRAVY01", Description: "Gravy", UOM: "PC"})
	repo.PutRecipeLine(domain.RecipeLine{ItemCode: "GRAVY01", IngredientCode: "FLOUR01", QtyPerUnit: 0.1, UOM: "KG", UnitCost: 30})
	repo.PutIngredient(domain.IngredientMaster{ID: "ing-flour", Code: "FLOUR01", Description: "Flour", BaseUOM: "G", AlternateUOM: "LB"})
	seedStock(t, repo, "ing-bun", 100)

	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R105", "GRAVY01", 1),
		saleLine(3, "MAIN", "R105", "BURGER01", 1),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 0 || repo.SaleCount() != 0 {
		t.Fatalf("expected whole receipt withheld on unit mismatch")
	}
	if len(skips) != 1 {
		t.Fatalf("expected skip only for the item using the unresolved ingredient, got %d", len(skips))
	}
	if skips[0].ItemCode != "GRAVY01" {
		t.Fatalf("expected GRAVY01 skipped, got %s", skips[0].ItemCode)
	}
	if skips[0].BOMQtyDeduction != nil {
		t.Fatalf("expected N/A deduction fields for resolution failures")
	}
}

func TestMissingCatalogEntrySkipsOnlyUnresolvedLines(t *testing.T) {
	eng, repo := newFixture(t)
	seedStock(t, repo, "ing-bun", 100)

	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R106", "BURGER01", 1),
		saleLine(3, "MAIN", "R106", "MYSTERY99", 1),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 0 || repo.SaleCount() != 0 {
		t.Fatalf("expected receipt withheld when any code is unresolved")
	}
	if len(skips) != 1 || skips[0].ItemCode != "MYSTERY99" {
		t.Fatalf("expected a single skip for MYSTERY99, got %+v", skips)
	}
	if skips[0].Reason != domain.SkipReasonMissingCatalog {
		t.Fatalf("unexpected reason %q", skips[0].Reason)
	}
}

func TestMissingBranchSkipsEveryLine(t *testing.T) {
	eng, _ := newFixture(t)

	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "GHOST", "R107", "BURGER01", 1),
		saleLine(3, "GHOST", "R107", "FRIES01", 1),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 0 {
		t.Fatalf("expected no commit for unknown branch")
	}
	if len(skips) != 2 {
		t.Fatalf("expected a skip per line, got %d", len(skips))
	}
	for _, rec := range skips {
		if rec.Reason != domain.SkipReasonMissingBranch {
			t.Fatalf("unexpected reason %q", rec.Reason)
		}
	}
}

func TestDuplicateAndNewReceiptInOneFile(t *testing.T) {
	eng, repo := newFixture(t)
	seedStock(t, repo, "ing-bun", 100)

	first, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R108", "BURGER01", 2),
	})
	if err != nil || first.CommittedReceipts != 1 || len(skips) != 0 {
		t.Fatalf("setup commit failed: %v %+v", err, first)
	}
	before := outEntries(repo, "ing-bun")

	second, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R108", "BURGER01", 2),
		saleLine(3, "MAIN", "R109", "BURGER01", 1),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if second.CommittedReceipts != 1 {
		t.Fatalf("expected only the new receipt committed, got %d", second.CommittedReceipts)
	}
	if len(skips) != 1 || skips[0].Reason != domain.SkipReasonDuplicateReceipt {
		t.Fatalf("expected one duplicate skip, got %+v", skips)
	}
	if repo.FindSale("br-main", "R109") == nil {
		t.Fatalf("expected new receipt committed")
	}

	after := outEntries(repo, "ing-bun")
	if len(after) != len(before)+1 {
		t.Fatalf("duplicate receipt must not touch the ledger: before=%d after=%d", len(before), len(after))
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	eng, repo := newFixture(t)
	seedStock(t, repo, "ing-bun", 100)

	lines := []domain.RawSaleLine{
		saleLine(2, "MAIN", "R110", "BURGER01", 1),
		saleLine(3, "MAIN", "R111", "BURGER01", 2),
	}

	first, _, err := eng.Run(context.Background(), lines)
	if err != nil || first.CommittedReceipts != 2 {
		t.Fatalf("first run: err=%v committed=%d", err, first.CommittedReceipts)
	}
	deductions := len(outEntries(repo, "ing-bun"))

	second, skips, err := eng.Run(context.Background(), lines)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.CommittedReceipts != 0 {
		t.Fatalf("rerun must commit nothing, got %d", second.CommittedReceipts)
	}
	if len(skips) != 2 {
		t.Fatalf("expected a duplicate skip per original line, got %d", len(skips))
	}
	for _, rec := range skips {
		if rec.Reason != domain.SkipReasonDuplicateReceipt {
			t.Fatalf("unexpected rerun reason %q", rec.Reason)
		}
	}
	if got := len(outEntries(repo, "ing-bun")); got != deductions {
		t.Fatalf("rerun must not deduct again: before=%d after=%d", deductions, got)
	}
}

func TestItemWithoutRecipeCommits(t *testing.T) {
	eng, repo := newFixture(t)
	repo.PutCatalogEntry(domain.CatalogEntry{ItemCode: "WATER01", Description: "Bottled Water", UOM: "PC"})

	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R112", "WATER01", 3),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 1 || len(skips) != 0 {
		t.Fatalf("expected recipe-less item to commit with no deductions")
	}
}

func TestSharedIngredientDemandIsSummedAcrossItems(t *testing.T) {
	eng, repo := newFixture(t)
	// COMBO01 also consumes buns: 1 per unit.
	repo.PutCatalogEntry(domain.CatalogEntry{ItemCode: "COMBO01", Description: "Combo Meal", UOM: "PC"})
	repo.PutRecipeLine(domain.RecipeLine{ItemCode: "COMBO01", IngredientCode: "BUN01", QtyPerUnit: 1, UOM: "PC", UnitCost: 5})
	seedStock(t, repo, "ing-bun", 10)

	// Burger demand 2*4=8, combo demand 1*3=3: total 11 > 10 on hand.
	// Both items contribute to the failing ingredient, so both rows skip.
	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R113", "BURGER01", 4),
		saleLine(3, "MAIN", "R113", "COMBO01", 3),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.CommittedReceipts != 0 {
		t.Fatalf("expected summed demand to fail validation")
	}
	if len(skips) != 2 {
		t.Fatalf("expected skips for both contributing items, got %d", len(skips))
	}
	for _, rec := range skips {
		if rec.TotalDeduction == nil || *rec.TotalDeduction != 11 {
			t.Fatalf("expected total deduction 11, got %+v", rec.TotalDeduction)
		}
		if rec.Variance == nil || *rec.Variance != 1 {
			t.Fatalf("expected variance 1, got %+v", rec.Variance)
		}
	}
}

// flakyRepo injects storage failures for chosen receipts and item
// codes while delegating everything else to the in-memory store.
type flakyRepo struct {
	*memory.Store
	failReceipt string
	panicItem   string
}

func (f *flakyRepo) SaleExists(ctx context.Context, branchID string, receiptNo string) (bool, error) {
	if receiptNo == f.failReceipt {
		return false, errors.New("connection reset by peer")
	}
	return f.Store.SaleExists(ctx, branchID, receiptNo)
}

func (f *flakyRepo) GetCatalogEntry(ctx context.Context, itemCode string) (*domain.CatalogEntry, error) {
	if itemCode == f.panicItem {
		panic("catalog index corrupted")
	}
	return f.Store.GetCatalogEntry(ctx, itemCode)
}

func TestRepositoryFailuresSkipOnlyTheirReceipt(t *testing.T) {
	_, repo := newFixture(t)
	seedStock(t, repo, "ing-bun", 100)
	eng := New(&flakyRepo{Store: repo, failReceipt: "R200"}, cache.NoopMasterDataCache{}, Options{SkipZeroStockCheck: true})

	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R200", "BURGER01", 1),
		saleLine(3, "MAIN", "R201", "BURGER01", 2),
	})
	if err != nil {
		t.Fatalf("run must survive a receipt-level storage failure: %v", err)
	}
	if summary.CommittedReceipts != 1 {
		t.Fatalf("expected the healthy receipt committed, got %d", summary.CommittedReceipts)
	}
	if repo.FindSale("br-main", "R201") == nil {
		t.Fatalf("expected R201 committed after R200 failed")
	}
	if repo.FindSale("br-main", "R200") != nil {
		t.Fatalf("failed receipt must not be persisted")
	}

	if len(skips) != 1 {
		t.Fatalf("expected 1 skip for the failed receipt, got %d", len(skips))
	}
	rec := skips[0]
	if rec.ReceiptNo != "R200" {
		t.Fatalf("skip attributed to wrong receipt: %+v", rec)
	}
	if !strings.HasPrefix(rec.Reason, domain.SkipReasonUnexpected) {
		t.Fatalf("expected unexpected-error reason, got %q", rec.Reason)
	}
	if rec.BOMQtyDeduction != nil || rec.Variance != nil {
		t.Fatalf("expected N/A deduction fields for a storage failure: %+v", rec)
	}
}

func TestPanicDuringReceiptBecomesSkipAndRunContinues(t *testing.T) {
	_, repo := newFixture(t)
	seedStock(t, repo, "ing-bun", 100)
	repo.PutCatalogEntry(domain.CatalogEntry{ItemCode: "CURSED01", Description: "Cursed", UOM: "PC"})
	eng := New(&flakyRepo{Store: repo, panicItem: "CURSED01"}, cache.NoopMasterDataCache{}, Options{SkipZeroStockCheck: true})

	summary, skips, err := eng.Run(context.Background(), []domain.RawSaleLine{
		saleLine(2, "MAIN", "R202", "CURSED01", 1),
		saleLine(3, "MAIN", "R202", "BURGER01", 1),
		saleLine(4, "MAIN", "R203", "BURGER01", 2),
	})
	if err != nil {
		t.Fatalf("run must survive a panic inside one receipt: %v", err)
	}
	if summary.CommittedReceipts != 1 {
		t.Fatalf("expected only the following receipt committed, got %d", summary.CommittedReceipts)
	}
	if repo.FindSale("br-main", "R203") == nil {
		t.Fatalf("expected R203 committed after the panicking receipt")
	}
	if repo.SaleCount() != 1 {
		t.Fatalf("panicking receipt must not be persisted, got %d sales", repo.SaleCount())
	}

	if len(skips) != 2 {
		t.Fatalf("expected every line of the panicking receipt skipped, got %d", len(skips))
	}
	for _, rec := range skips {
		if rec.ReceiptNo != "R202" {
			t.Fatalf("skip attributed to wrong receipt: %+v", rec)
		}
		if !strings.HasPrefix(rec.Reason, domain.SkipReasonUnexpected) {
			t.Fatalf("expected unexpected-error reason, got %q", rec.Reason)
		}
	}
}

func TestCancellationStopsBetweenReceipts(t *testing.T) {
	eng, repo := newFixture(t)
	seedStock(t, repo, "ing-bun", 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, _, err := eng.Run(ctx, []domain.RawSaleLine{
		saleLine(2, "MAIN", "R114", "BURGER01", 1),
	})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if summary.CommittedReceipts != 0 || repo.SaleCount() != 0 {
		t.Fatalf("expected no receipt started after cancellation")
	}
}
