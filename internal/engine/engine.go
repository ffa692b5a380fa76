package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saitama45/david-sub002/internal/cache"
	"github.com/saitama45/david-sub002/internal/domain"
	"github.com/saitama45/david-sub002/internal/ingest"
	"github.com/saitama45/david-sub002/internal/store"
	"github.com/saitama45/david-sub002/internal/xid"
)

type Options struct {
	// SkipZeroStockCheck preserves the observed sufficiency policy: an
	// ingredient whose on-hand is zero or negative is never checked, no
	// matter the demand. Pending product clarification on whether this
	// covers untracked stock or papers over uninitialized ledgers.
	SkipZeroStockCheck bool
	MasterDataTTL      time.Duration
}

type Engine struct {
	repo   store.Repository
	master cache.MasterDataCache
	opts   Options
}

func New(repo store.Repository, master cache.MasterDataCache, opts Options) *Engine {
	if master == nil {
		master = cache.NoopMasterDataCache{}
	}
	if opts.MasterDataTTL <= 0 {
		opts.MasterDataTTL = 15 * time.Minute
	}

	return &Engine{
		repo:   repo,
		master: master,
		opts:   opts,
	}
}

// run carries all per-run memo state. Nothing here outlives Run, so
// nothing leaks between imports.
type run struct {
	e           *Engine
	branches    map[string]*domain.Branch
	catalog     map[string]*domain.CatalogEntry
	recipes     map[string][]domain.RecipeLine
	ingredients map[string]*domain.IngredientMaster
}

// Run groups the retained rows into receipts and processes each one as
// an independent unit of work. Receipt-level failures become skip
// records; only cancellation and never-started work propagate as
// errors. Cancellation is honored between receipts, never mid-receipt.
func (e *Engine) Run(ctx context.Context, lines []domain.RawSaleLine) (domain.RunSummary, []domain.SkipRecord, error) {
	summary := domain.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	r := &run{
		e:           e,
		branches:    make(map[string]*domain.Branch),
		catalog:     make(map[string]*domain.CatalogEntry),
		recipes:     make(map[string][]domain.RecipeLine),
		ingredients: make(map[string]*domain.IngredientMaster),
	}

	groups := ingest.GroupReceipts(lines)
	skips := make([]domain.SkipRecord, 0, 32)

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			summary.SkippedLines = len(skips)
			summary.FinishedAt = time.Now().UTC()
			return summary, skips, err
		}

		committed, records := r.processReceipt(ctx, group)
		skips = append(skips, records...)
		if committed {
			summary.CommittedReceipts++
		}
	}

	summary.SkippedLines = len(skips)
	summary.FinishedAt = time.Now().UTC()
	return summary, skips, nil
}

type ingredientDemand struct {
	ingredient *domain.IngredientMaster
	unitCost   float64
	total      float64
	order      []*domain.AggregatedSaleLine
	rateByLine map[*domain.AggregatedSaleLine]float64
}

func (r *run) processReceipt(ctx context.Context, group domain.ReceiptGroup) (committed bool, records []domain.SkipRecord) {
	agg := Aggregate(group)
	if len(agg) == 0 {
		return false, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[engine] WARN: panic processing receipt %s/%s: %v", group.BranchCode, group.ReceiptNo, rec)
			committed = false
			records = skipLines(group, allLines(agg), fmt.Sprintf("%s: %v", domain.SkipReasonUnexpected, rec))
		}
	}()

	branch, err := r.branch(ctx, group.BranchCode)
	if err != nil {
		return false, r.unexpected(group, agg, err)
	}
	if branch == nil {
		return false, skipLines(group, allLines(agg), domain.SkipReasonMissingBranch)
	}

	// Duplicate pre-check before any resolution work. The storage layer
	// still enforces uniqueness inside CommitReceipt, so a concurrent
	// import racing past this check surfaces as ErrDuplicateReceipt below.
	exists, err := r.e.repo.SaleExists(ctx, branch.ID, group.ReceiptNo)
	if err != nil {
		return false, r.unexpected(group, agg, err)
	}
	if exists {
		return false, skipLines(group, allLines(agg), domain.SkipReasonDuplicateReceipt)
	}

	unresolved := make([]*domain.AggregatedSaleLine, 0)
	for i := range agg {
		entry, err := r.catalogEntry(ctx, agg[i].ItemCode)
		if err != nil {
			return false, r.unexpected(group, agg, err)
		}
		if entry == nil {
			unresolved = append(unresolved, &agg[i])
			continue
		}
		agg[i].Description = entry.Description
		agg[i].UOM = entry.UOM
	}
	if len(unresolved) > 0 {
		return false, skipLines(group, unresolved, domain.SkipReasonMissingCatalog)
	}

	// Expand recipes and accumulate demand per resolved ingredient
	// across the whole receipt before any sufficiency decision.
	demand := make(map[string]*ingredientDemand)
	demandOrder := make([]string, 0, 8)
	for i := range agg {
		recipeLines, err := r.recipeLines(ctx, agg[i].ItemCode)
		if err != nil {
			return false, r.unexpected(group, agg, err)
		}
		for _, rl := range recipeLines {
			ing, err := r.ingredient(ctx, rl.IngredientCode, rl.UOM)
			if err != nil {
				return false, r.unexpected(group, agg, err)
			}
			if ing == nil {
				users := r.linesUsingIngredient(ctx, agg, rl.IngredientCode, rl.UOM)
				reason := fmt.Sprintf("%s (%s/%s)", domain.SkipReasonMissingIngredient, rl.IngredientCode, rl.UOM)
				return false, skipLines(group, users, reason)
			}

			d, seen := demand[ing.ID]
			if !seen {
				d = &ingredientDemand{
					ingredient: ing,
					unitCost:   rl.UnitCost,
					rateByLine: make(map[*domain.AggregatedSaleLine]float64),
				}
				demand[ing.ID] = d
				demandOrder = append(demandOrder, ing.ID)
			}
			line := &agg[i]
			if _, contributed := d.rateByLine[line]; !contributed {
				d.order = append(d.order, line)
			}
			d.rateByLine[line] += rl.QtyPerUnit
			d.total += rl.QtyPerUnit * line.Quantity
		}
	}

	sort.Strings(demandOrder)
	for _, id := range demandOrder {
		d := demand[id]
		onHand, err := r.e.repo.OnHand(ctx, id, branch.ID)
		if err != nil {
			return false, r.unexpected(group, agg, err)
		}
		if onHand <= 0 && r.e.opts.SkipZeroStockCheck {
			continue
		}
		if d.total > onHand {
			return false, insufficiencySkips(group, d, onHand)
		}
	}

	sale := buildSale(group, branch, agg)
	entries := buildLedgerEntries(sale, branch, demand, demandOrder)

	if _, err := r.e.repo.CommitReceipt(ctx, sale, entries); err != nil {
		if errors.Is(err, store.ErrDuplicateReceipt) {
			return false, skipLines(group, allLines(agg), domain.SkipReasonDuplicateReceipt)
		}
		return false, r.unexpected(group, agg, err)
	}

	return true, nil
}

func buildSale(group domain.ReceiptGroup, branch *domain.Branch, agg []domain.AggregatedSaleLine) domain.SalesTransaction {
	sale := domain.SalesTransaction{
		ID:         xid.New("sale"),
		BranchID:   branch.ID,
		BranchCode: group.BranchCode,
		ReceiptNo:  group.ReceiptNo,
		SaleDate:   receiptDate(group),
		TerminalID: group.Lines[0].TerminalID,
		CreatedAt:  time.Now().UTC(),
		Lines:      make([]domain.SalesTransactionLine, 0, len(agg)),
	}

	for _, line := range agg {
		sale.GrossTotal += line.LineTotal
		sale.DiscountTotal += line.Discount
		sale.NetTotal += line.NetTotal
		sale.Lines = append(sale.Lines, domain.SalesTransactionLine{
			ItemCode:    line.ItemCode,
			Description: line.Description,
			UOM:         line.UOM,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Discount:    line.Discount,
			LineTotal:   line.LineTotal,
			NetTotal:    line.NetTotal,
		})
	}

	return sale
}

func buildLedgerEntries(sale domain.SalesTransaction, branch *domain.Branch, demand map[string]*ingredientDemand, order []string) []domain.StockLedgerEntry {
	txnDate := sale.SaleDate
	if txnDate.IsZero() {
		txnDate = sale.CreatedAt
	}

	entries := make([]domain.StockLedgerEntry, 0, len(order))
	for _, id := range order {
		d := demand[id]
		if d.total <= 0 {
			continue
		}

		codes := make([]string, 0, len(d.order))
		for _, line := range d.order {
			codes = append(codes, line.ItemCode)
		}

		entries = append(entries, domain.StockLedgerEntry{
			ID:           xid.New("led"),
			IngredientID: id,
			BranchID:     branch.ID,
			Action:       domain.LedgerActionOut,
			Quantity:     d.total,
			UnitCost:     d.unitCost,
			TotalCost:    d.unitCost * d.total,
			TxnDate:      txnDate,
			Remark:       fmt.Sprintf("POS sale %s: %s", sale.ReceiptNo, strings.Join(codes, ", ")),
		})
	}

	return entries
}

// Master-data lookups memoize within the run (nil value = known
// missing) and consult the shared cache before the repository. Cache
// failures degrade to repository reads.

func (r *run) branch(ctx context.Context, code string) (*domain.Branch, error) {
	if branch, seen := r.branches[code]; seen {
		return branch, nil
	}
	branch, err := r.e.repo.GetBranchByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		r.branches[code] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.branches[code] = branch
	return branch, nil
}

func (r *run) catalogEntry(ctx context.Context, itemCode string) (*domain.CatalogEntry, error) {
	if entry, seen := r.catalog[itemCode]; seen {
		return entry, nil
	}

	if entry, found, err := r.e.master.GetCatalogEntry(ctx, itemCode); err != nil {
		log.Printf("[engine] WARN: catalog cache read failed for %s: %v", itemCode, err)
	} else if found {
		r.catalog[itemCode] = entry
		return entry, nil
	}

	entry, err := r.e.repo.GetCatalogEntry(ctx, itemCode)
	if errors.Is(err, store.ErrNotFound) {
		r.catalog[itemCode] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.catalog[itemCode] = entry
	if err := r.e.master.SetCatalogEntry(ctx, itemCode, entry, r.e.opts.MasterDataTTL); err != nil {
		log.Printf("[engine] WARN: catalog cache write failed for %s: %v", itemCode, err)
	}
	return entry, nil
}

func (r *run) recipeLines(ctx context.Context, itemCode string) ([]domain.RecipeLine, error) {
	if lines, seen := r.recipes[itemCode]; seen {
		return lines, nil
	}

	if lines, found, err := r.e.master.GetRecipeLines(ctx, itemCode); err != nil {
		log.Printf("[engine] WARN: recipe cache read failed for %s: %v", itemCode, err)
	} else if found {
		r.recipes[itemCode] = lines
		return lines, nil
	}

	lines, err := r.e.repo.GetRecipeLines(ctx, itemCode)
	if err != nil {
		return nil, err
	}

	r.recipes[itemCode] = lines
	if err := r.e.master.SetRecipeLines(ctx, itemCode, lines, r.e.opts.MasterDataTTL); err != nil {
		log.Printf("[engine] WARN: recipe cache write failed for %s: %v", itemCode, err)
	}
	return lines, nil
}

func (r *run) ingredient(ctx context.Context, code string, uom string) (*domain.IngredientMaster, error) {
	key := code + "\x1f" + strings.ToUpper(uom)
	if ing, seen := r.ingredients[key]; seen {
		return ing, nil
	}

	if ing, found, err := r.e.master.GetIngredient(ctx, code, uom); err != nil {
		log.Printf("[engine] WARN: ingredient cache read failed for %s/%s: %v", code, uom, err)
	} else if found {
		r.ingredients[key] = ing
		return ing, nil
	}

	ing, err := r.e.repo.FindIngredientByCodeAndUnit(ctx, code, uom)
	if errors.Is(err, store.ErrNotFound) {
		r.ingredients[key] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.ingredients[key] = ing
	if err := r.e.master.SetIngredient(ctx, code, uom, ing, r.e.opts.MasterDataTTL); err != nil {
		log.Printf("[engine] WARN: ingredient cache write failed for %s/%s: %v", code, uom, err)
	}
	return ing, nil
}

// linesUsingIngredient finds every aggregated line whose recipe uses the
// given ingredient code and declared unit. Lines whose recipes do not
// reference it are untouched by this particular failure.
func (r *run) linesUsingIngredient(ctx context.Context, agg []domain.AggregatedSaleLine, code string, uom string) []*domain.AggregatedSaleLine {
	users := make([]*domain.AggregatedSaleLine, 0, len(agg))
	for i := range agg {
		recipeLines, err := r.recipeLines(ctx, agg[i].ItemCode)
		if err != nil {
			log.Printf("[engine] WARN: recipe lookup failed for %s while attributing skip: %v", agg[i].ItemCode, err)
			continue
		}
		for _, rl := range recipeLines {
			if rl.IngredientCode == code && strings.EqualFold(rl.UOM, uom) {
				users = append(users, &agg[i])
				break
			}
		}
	}
	return users
}

func (r *run) unexpected(group domain.ReceiptGroup, agg []domain.AggregatedSaleLine, err error) []domain.SkipRecord {
	log.Printf("[engine] WARN: receipt %s/%s failed: %v", group.BranchCode, group.ReceiptNo, err)
	return skipLines(group, allLines(agg), fmt.Sprintf("%s: %v", domain.SkipReasonUnexpected, err))
}

func allLines(agg []domain.AggregatedSaleLine) []*domain.AggregatedSaleLine {
	out := make([]*domain.AggregatedSaleLine, 0, len(agg))
	for i := range agg {
		out = append(out, &agg[i])
	}
	return out
}

// skipLines emits one record per contributing original row of each
// implicated aggregated line. Deduction fields stay nil (reported as
// N/A) for failures that never reached the ledger.
func skipLines(group domain.ReceiptGroup, lines []*domain.AggregatedSaleLine, reason string) []domain.SkipRecord {
	date := receiptDate(group)
	records := make([]domain.SkipRecord, 0, len(lines))
	for _, line := range lines {
		for _, rowNo := range line.RowNumbers {
			records = append(records, domain.SkipRecord{
				RowNumber:   rowNo,
				ItemCode:    line.ItemCode,
				Description: line.Description,
				UOM:         line.UOM,
				BranchCode:  group.BranchCode,
				ReceiptNo:   group.ReceiptNo,
				TotalQty:    line.Quantity,
				SaleDate:    date,
				Reason:      reason,
			})
		}
	}
	return records
}

// insufficiencySkips attributes the failing ingredient to every sold
// item that demands it. The displayed code, description and unit are
// always the sold item's.
func insufficiencySkips(group domain.ReceiptGroup, d *ingredientDemand, onHand float64) []domain.SkipRecord {
	date := receiptDate(group)
	variance := d.total - onHand
	reason := fmt.Sprintf("%s: %s needs %.4f, on hand %.4f", domain.SkipReasonInsufficientStock, d.ingredient.Code, d.total, onHand)

	records := make([]domain.SkipRecord, 0, len(d.order))
	for _, line := range d.order {
		rate := d.rateByLine[line]
		for _, rowNo := range line.RowNumbers {
			bomRate := rate
			total := d.total
			soh := onHand
			vr := variance
			records = append(records, domain.SkipRecord{
				RowNumber:       rowNo,
				ItemCode:        line.ItemCode,
				Description:     line.Description,
				UOM:             line.UOM,
				BranchCode:      group.BranchCode,
				ReceiptNo:       group.ReceiptNo,
				TotalQty:        line.Quantity,
				BOMQtyDeduction: &bomRate,
				TotalDeduction:  &total,
				CurrentOnHand:   &soh,
				Variance:        &vr,
				SaleDate:        date,
				Reason:          reason,
			})
		}
	}
	return records
}

func receiptDate(group domain.ReceiptGroup) time.Time {
	for _, line := range group.Lines {
		if !line.SaleDate.IsZero() {
			return line.SaleDate
		}
	}
	return time.Time{}
}
