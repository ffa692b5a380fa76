package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/saitama45/david-sub002/internal/domain"
	"github.com/saitama45/david-sub002/internal/store"
	"github.com/saitama45/david-sub002/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetBranchByCode(ctx context.Context, code string) (*domain.Branch, error) {
	var branch domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name
		FROM branches
		WHERE code = $1
	`, code).Scan(&branch.ID, &branch.Code, &branch.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &branch, nil
}

func (s *Store) GetCatalogEntry(ctx context.Context, itemCode string) (*domain.CatalogEntry, error) {
	var entry domain.CatalogEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT item_code, description, uom
		FROM catalog_items
		WHERE item_code = $1
	`, itemCode).Scan(&entry.ItemCode, &entry.Description, &entry.UOM)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Store) GetRecipeLines(ctx context.Context, itemCode string) ([]domain.RecipeLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_code, ingredient_code, qty_per_unit, uom, unit_cost
		FROM recipe_lines
		WHERE item_code = $1
		ORDER BY ingredient_code
	`, itemCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.RecipeLine, 0, 8)
	for rows.Next() {
		var line domain.RecipeLine
		if err := rows.Scan(&line.ItemCode, &line.IngredientCode, &line.QtyPerUnit, &line.UOM, &line.UnitCost); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) FindIngredientByCodeAndUnit(ctx context.Context, code string, uom string) (*domain.IngredientMaster, error) {
	var ing domain.IngredientMaster
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, description, base_uom, alternate_uom, base_to_alt_factor
		FROM ingredients
		WHERE code = $1 AND (upper(base_uom) = upper($2) OR upper(alternate_uom) = upper($2))
		LIMIT 1
	`, code, uom).Scan(&ing.ID, &ing.Code, &ing.Description, &ing.BaseUOM, &ing.AlternateUOM, &ing.BaseToAltFactor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ing, nil
}

// OnHand is the one place the ledger sum is expressed in SQL; business
// logic never inlines this aggregation.
func (s *Store) OnHand(ctx context.Context, ingredientID string, branchID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN action = 'out' THEN -quantity ELSE quantity END), 0)
		FROM stock_ledger
		WHERE ingredient_id = $1 AND branch_id = $2
	`, ingredientID, branchID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SaleExists(ctx context.Context, branchID string, receiptNo string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sales_transactions
			WHERE branch_id = $1 AND receipt_no = $2
		)
	`, branchID, receiptNo).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) CommitReceipt(ctx context.Context, sale domain.SalesTransaction, entries []domain.StockLedgerEntry) (*domain.SalesTransaction, error) {
	if sale.BranchID == "" || sale.ReceiptNo == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidReceipt
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// sales_transactions carries UNIQUE (branch_id, receipt_no); the
	// conflict is the duplicate-receipt case, closing the race the
	// pre-check alone would leave open.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales_transactions
			(id, branch_id, branch_code, receipt_no, sale_date, terminal_id, gross_total, discount_total, net_total, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, sale.BranchID, sale.BranchCode, sale.ReceiptNo, sale.SaleDate, sale.TerminalID,
		sale.GrossTotal, sale.DiscountTotal, sale.NetTotal, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateReceipt
		}
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sales_transaction_lines
				(id, sale_id, item_code, description, uom, quantity, unit_price, discount, line_total, net_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, xid.New("saleln"), sale.ID, line.ItemCode, line.Description, line.UOM,
			line.Quantity, line.UnitPrice, line.Discount, line.LineTotal, line.NetTotal)
		if err != nil {
			return nil, err
		}
	}

	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = xid.New("led")
		}
		if entry.Action == "" {
			entry.Action = domain.LedgerActionOut
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_ledger
				(id, ingredient_id, branch_id, action, quantity, unit_cost, total_cost, txn_date, remark)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, entry.ID, entry.IngredientID, entry.BranchID, entry.Action,
			entry.Quantity, entry.UnitCost, entry.TotalCost, entry.TxnDate, entry.Remark)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateReceipt
		}
		return nil, err
	}

	saved := sale
	return &saved, nil
}

func (s *Store) AppendLedgerEntry(ctx context.Context, entry domain.StockLedgerEntry) error {
	if entry.IngredientID == "" || entry.BranchID == "" {
		return store.ErrInvalidReceipt
	}
	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	if entry.TxnDate.IsZero() {
		entry.TxnDate = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_ledger
			(id, ingredient_id, branch_id, action, quantity, unit_cost, total_cost, txn_date, remark)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.IngredientID, entry.BranchID, entry.Action,
		entry.Quantity, entry.UnitCost, entry.TotalCost, entry.TxnDate, entry.Remark)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
