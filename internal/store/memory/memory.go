package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/saitama45/david-sub002/internal/domain"
	"github.com/saitama45/david-sub002/internal/store"
	"github.com/saitama45/david-sub002/internal/xid"
)

// Store is a mutex-guarded in-memory repository used by tests and by
// local runs without DATABASE_URL.
type Store struct {
	mu             sync.RWMutex
	branchesByCode map[string]domain.Branch
	catalogByCode  map[string]domain.CatalogEntry
	recipesByCode  map[string][]domain.RecipeLine
	ingredients    []domain.IngredientMaster
	ledger         []domain.StockLedgerEntry
	salesByKey     map[string]*domain.SalesTransaction
	salesByID      map[string]*domain.SalesTransaction
}

func New() *Store {
	return &Store{
		branchesByCode: make(map[string]domain.Branch),
		catalogByCode:  make(map[string]domain.CatalogEntry),
		recipesByCode:  make(map[string][]domain.RecipeLine),
		ledger:         make([]domain.StockLedgerEntry, 0, 128),
		salesByKey:     make(map[string]*domain.SalesTransaction),
		salesByID:      make(map[string]*domain.SalesTransaction),
	}
}

func saleKey(branchID string, receiptNo string) string {
	return branchID + "\x1f" + receiptNo
}

// Fixture helpers. Master data is authored elsewhere in the real
// system; these exist so tests and dev seeds can populate the store.

func (s *Store) PutBranch(branch domain.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branchesByCode[branch.Code] = branch
}

func (s *Store) PutCatalogEntry(entry domain.CatalogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogByCode[entry.ItemCode] = entry
}

func (s *Store) PutRecipeLine(line domain.RecipeLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipesByCode[line.ItemCode] = append(s.recipesByCode[line.ItemCode], line)
}

func (s *Store) PutIngredient(ing domain.IngredientMaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingredients = append(s.ingredients, ing)
}

func (s *Store) GetBranchByCode(_ context.Context, code string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, ok := s.branchesByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := branch
	return &found, nil
}

func (s *Store) GetCatalogEntry(_ context.Context, itemCode string) (*domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.catalogByCode[itemCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := entry
	return &found, nil
}

func (s *Store) GetRecipeLines(_ context.Context, itemCode string) ([]domain.RecipeLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.recipesByCode[itemCode]
	out := make([]domain.RecipeLine, len(lines))
	copy(out, lines)
	return out, nil
}

func (s *Store) FindIngredientByCodeAndUnit(_ context.Context, code string, uom string) (*domain.IngredientMaster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ing := range s.ingredients {
		if ing.Code != code {
			continue
		}
		if strings.EqualFold(ing.BaseUOM, uom) || strings.EqualFold(ing.AlternateUOM, uom) {
			found := ing
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) OnHand(_ context.Context, ingredientID string, branchID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.onHandLocked(ingredientID, branchID), nil
}

func (s *Store) onHandLocked(ingredientID string, branchID string) float64 {
	total := 0.0
	for _, entry := range s.ledger {
		if entry.IngredientID != ingredientID || entry.BranchID != branchID {
			continue
		}
		if entry.Action == domain.LedgerActionOut {
			total -= entry.Quantity
		} else {
			total += entry.Quantity
		}
	}
	return total
}

func (s *Store) SaleExists(_ context.Context, branchID string, receiptNo string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.salesByKey[saleKey(branchID, receiptNo)]
	return exists, nil
}

func (s *Store) CommitReceipt(_ context.Context, sale domain.SalesTransaction, entries []domain.StockLedgerEntry) (*domain.SalesTransaction, error) {
	if sale.BranchID == "" || sale.ReceiptNo == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidReceipt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := saleKey(sale.BranchID, sale.ReceiptNo)
	if _, exists := s.salesByKey[key]; exists {
		return nil, store.ErrDuplicateReceipt
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = xid.New("led")
		}
		if entry.Action == "" {
			entry.Action = domain.LedgerActionOut
		}
		s.ledger = append(s.ledger, entry)
	}

	saved := sale
	s.salesByKey[key] = &saved
	s.salesByID[saved.ID] = &saved

	return &saved, nil
}

func (s *Store) AppendLedgerEntry(_ context.Context, entry domain.StockLedgerEntry) error {
	if entry.IngredientID == "" || entry.BranchID == "" {
		return store.ErrInvalidReceipt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	if entry.TxnDate.IsZero() {
		entry.TxnDate = time.Now().UTC()
	}
	s.ledger = append(s.ledger, entry)
	return nil
}

// Test inspection helpers.

func (s *Store) SaleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.salesByKey)
}

func (s *Store) LedgerEntries(ingredientID string, branchID string) []domain.StockLedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockLedgerEntry, 0, 4)
	for _, entry := range s.ledger {
		if entry.IngredientID == ingredientID && entry.BranchID == branchID {
			out = append(out, entry)
		}
	}
	return out
}

func (s *Store) FindSale(branchID string, receiptNo string) *domain.SalesTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByKey[saleKey(branchID, receiptNo)]
	if !ok {
		return nil
	}
	found := *sale
	return &found
}
