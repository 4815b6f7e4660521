package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StockService is the allocation ledger. It owns the two numeric
// invariants of the engine:
//
//	Σ quantity across a product's ledger rows ≤ product.stock
//	Σ quantity across a warehouse's ledger rows ≤ warehouse.capacity (when set)
//
// Every remaining-capacity read that gates a write happens inside the same
// transaction as the write, under FOR UPDATE locks taken in the fixed order
// product → warehouse → ledger row.
type StockService interface {
	// RemainingProductCapacity returns product.stock minus the product's
	// total allocation across all warehouses.
	RemainingProductCapacity(ctx context.Context, actor Actor, productID int) (int, error)
	// RemainingWarehouseCapacity returns the warehouse's free capacity, or
	// nil when the warehouse is unbounded.
	RemainingWarehouseCapacity(ctx context.Context, actor Actor, warehouseID int) (*int, error)
	// StockLevels returns the company's ledger joined with product and
	// warehouse info.
	StockLevels(ctx context.Context, companyID int) ([]StockLevel, error)

	// Allocate adds delta units of a product to a warehouse, creating the
	// ledger row on first allocation. Fails with CapacityExceededError when
	// either invariant would be violated.
	Allocate(ctx context.Context, actor Actor, warehouseID, productID, delta int) (*WarehouseStock, error)
	// Deallocate removes delta units from a ledger row. Fails with
	// InsufficientStockError if the row would go negative.
	Deallocate(ctx context.Context, actor Actor, warehouseID, productID, delta int) (*WarehouseStock, error)
	// SetQuantity sets a ledger row's quantity absolutely, with the
	// invariant checks computed excluding the row being edited.
	SetQuantity(ctx context.Context, actor Actor, warehouseID, productID, quantity int) (*WarehouseStock, error)
	// SetVisibility flips the shop-side discoverability flag of a row.
	SetVisibility(ctx context.Context, actor Actor, warehouseID, productID int, visible bool) error

	// DeductTx and RestoreTx mutate a ledger row inside a caller-provided
	// transaction that already holds the row lock. Used by the request
	// workflow to keep approval decisions atomic with the ledger.
	DeductTx(ctx context.Context, tx pgx.Tx, stockID, delta int) error
	RestoreTx(ctx context.Context, tx pgx.Tx, stockID, delta int) error
}

type stockService struct {
	pool     *pgxpool.Pool
	activity ActivitySink
}

func NewStockService(pool *pgxpool.Pool, activity ActivitySink) StockService {
	if activity == nil {
		activity = NopSink{}
	}
	return &stockService{pool: pool, activity: activity}
}

// asConflict translates storage lock-wait, deadlock, and serialization
// failures into ConflictError so callers see "retry" rather than a generic
// storage error. Other errors pass through unchanged.
func asConflict(op string, err error) error {
	if transientStorageErr(err) {
		return &ConflictError{Op: op}
	}
	return err
}

// ── Reads ────────────────────────────────────────────────────────────────────

func (s *stockService) RemainingProductCapacity(ctx context.Context, actor Actor, productID int) (int, error) {
	var companyID, remaining int
	err := readRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT p.company_id, p.stock - COALESCE(SUM(ws.quantity), 0)
			FROM products p
			LEFT JOIN warehouse_stocks ws ON ws.product_id = p.id
			WHERE p.id = $1
			GROUP BY p.company_id, p.stock
		`, productID).Scan(&companyID, &remaining)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &NotFoundError{Entity: "product", Ref: fmt.Sprint(productID)}
		}
		return 0, fmt.Errorf("failed to compute remaining product capacity: %w", err)
	}
	if companyID != actor.CompanyID {
		return 0, &ForbiddenError{Reason: fmt.Sprintf("product %d belongs to another company", productID)}
	}
	return remaining, nil
}

func (s *stockService) RemainingWarehouseCapacity(ctx context.Context, actor Actor, warehouseID int) (*int, error) {
	var companyID, allocated int
	var capacity *int
	err := readRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT w.company_id, w.capacity, COALESCE(SUM(ws.quantity), 0)
			FROM warehouses w
			LEFT JOIN warehouse_stocks ws ON ws.warehouse_id = w.id
			WHERE w.id = $1
			GROUP BY w.company_id, w.capacity
		`, warehouseID).Scan(&companyID, &capacity, &allocated)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "warehouse", Ref: fmt.Sprint(warehouseID)}
		}
		return nil, fmt.Errorf("failed to compute remaining warehouse capacity: %w", err)
	}
	if companyID != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("warehouse %d belongs to another company", warehouseID)}
	}
	if capacity == nil {
		return nil, nil
	}
	remaining := *capacity - allocated
	return &remaining, nil
}

func (s *stockService) StockLevels(ctx context.Context, companyID int) ([]StockLevel, error) {
	var levels []StockLevel
	err := readRetry(ctx, func(ctx context.Context) error {
		levels = nil
		rows, err := s.pool.Query(ctx, `
			SELECT ws.warehouse_id, w.name, ws.product_id, p.sku, p.name,
			       ws.quantity, ws.visible_to_shop
			FROM warehouse_stocks ws
			JOIN warehouses w ON w.id = ws.warehouse_id
			JOIN products p   ON p.id = ws.product_id
			WHERE ws.company_id = $1
			ORDER BY p.sku, w.name
		`, companyID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var sl StockLevel
			if err := rows.Scan(&sl.WarehouseID, &sl.WarehouseName, &sl.ProductID,
				&sl.ProductSKU, &sl.ProductName, &sl.Quantity, &sl.VisibleToShop); err != nil {
				return fmt.Errorf("failed to scan stock level: %w", err)
			}
			levels = append(levels, sl)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query stock levels: %w", err)
	}
	return levels, nil
}

// ── Locked lookups (shared by the mutation paths) ────────────────────────────

// lockProduct locks the product row, serializing all product-total checks.
func lockProduct(ctx context.Context, tx pgx.Tx, productID int) (companyID, stock int, active bool, err error) {
	err = tx.QueryRow(ctx,
		"SELECT company_id, stock, is_active FROM products WHERE id = $1 FOR UPDATE",
		productID,
	).Scan(&companyID, &stock, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = &NotFoundError{Entity: "product", Ref: fmt.Sprint(productID)}
			return
		}
		err = asConflict("lock product", err)
	}
	return
}

// lockWarehouse locks the warehouse row, serializing capacity checks.
func lockWarehouse(ctx context.Context, tx pgx.Tx, warehouseID int) (companyID int, capacity *int, active bool, err error) {
	err = tx.QueryRow(ctx,
		"SELECT company_id, capacity, is_active FROM warehouses WHERE id = $1 FOR UPDATE",
		warehouseID,
	).Scan(&companyID, &capacity, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = &NotFoundError{Entity: "warehouse", Ref: fmt.Sprint(warehouseID)}
			return
		}
		err = asConflict("lock warehouse", err)
	}
	return
}

// upsertAndLockStock creates the ledger row if absent, then locks it.
// The upsert guarantees existence, the second select takes the row lock.
func upsertAndLockStock(ctx context.Context, tx pgx.Tx, warehouseID, productID, companyID int) (id, quantity int, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO warehouse_stocks (warehouse_id, product_id, company_id, quantity)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (warehouse_id, product_id) DO UPDATE SET updated_at = NOW()
		RETURNING id
	`, warehouseID, productID, companyID).Scan(&id)
	if err != nil {
		err = fmt.Errorf("failed to upsert ledger row: %w", asConflict("upsert ledger row", err))
		return
	}
	err = tx.QueryRow(ctx,
		"SELECT id, quantity FROM warehouse_stocks WHERE id = $1 FOR UPDATE",
		id,
	).Scan(&id, &quantity)
	if err != nil {
		err = fmt.Errorf("failed to lock ledger row: %w", asConflict("lock ledger row", err))
	}
	return
}

func scanStockRow(row pgx.Row) (*WarehouseStock, error) {
	var ws WarehouseStock
	err := row.Scan(&ws.ID, &ws.WarehouseID, &ws.ProductID, &ws.CompanyID,
		&ws.Quantity, &ws.VisibleToShop, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// ── Mutations ────────────────────────────────────────────────────────────────

func (s *stockService) Allocate(ctx context.Context, actor Actor, warehouseID, productID, delta int) (*WarehouseStock, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("allocation delta must be positive, got %d", delta)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	productCompany, totalStock, productActive, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if productCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("product %d belongs to another company", productID)}
	}
	if !productActive {
		return nil, &InvalidStateError{Entity: "product", ID: productID, Status: "INACTIVE", Expected: "ACTIVE"}
	}

	warehouseCompany, capacity, warehouseActive, err := lockWarehouse(ctx, tx, warehouseID)
	if err != nil {
		return nil, err
	}
	if warehouseCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("warehouse %d belongs to another company", warehouseID)}
	}
	if !warehouseActive {
		return nil, &InvalidStateError{Entity: "warehouse", ID: warehouseID, Status: "INACTIVE", Expected: "ACTIVE"}
	}

	stockID, _, err := upsertAndLockStock(ctx, tx, warehouseID, productID, actor.CompanyID)
	if err != nil {
		return nil, err
	}

	// Both sums are stable here: the product and warehouse row locks
	// serialize every writer that could change them.
	var productAllocated int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(quantity), 0) FROM warehouse_stocks WHERE product_id = $1",
		productID,
	).Scan(&productAllocated); err != nil {
		return nil, fmt.Errorf("failed to sum product allocations: %w", err)
	}
	if remaining := totalStock - productAllocated; delta > remaining {
		return nil, &CapacityExceededError{Scope: "product", ProductID: productID,
			WarehouseID: warehouseID, Requested: delta, Remaining: remaining}
	}

	if capacity != nil {
		var warehouseAllocated int
		if err := tx.QueryRow(ctx,
			"SELECT COALESCE(SUM(quantity), 0) FROM warehouse_stocks WHERE warehouse_id = $1",
			warehouseID,
		).Scan(&warehouseAllocated); err != nil {
			return nil, fmt.Errorf("failed to sum warehouse allocations: %w", err)
		}
		if remaining := *capacity - warehouseAllocated; delta > remaining {
			return nil, &CapacityExceededError{Scope: "warehouse", ProductID: productID,
				WarehouseID: warehouseID, Requested: delta, Remaining: remaining}
		}
	}

	ws, err := scanStockRow(tx.QueryRow(ctx, `
		UPDATE warehouse_stocks
		SET quantity = quantity + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, warehouse_id, product_id, company_id, quantity, visible_to_shop, updated_at
	`, delta, stockID))
	if err != nil {
		return nil, fmt.Errorf("failed to apply allocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit allocation: %w", asConflict("allocate", err))
	}

	s.activity.Record(ctx, actor.UserID, "stock.allocate",
		fmt.Sprintf("allocated %d units of product %d to warehouse %d", delta, productID, warehouseID),
		SubjectRef{Kind: "warehouse_stock", ID: ws.ID})
	return ws, nil
}

func (s *stockService) Deallocate(ctx context.Context, actor Actor, warehouseID, productID, delta int) (*WarehouseStock, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("deallocation delta must be positive, got %d", delta)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stockID, quantity, rowCompany int
	err = tx.QueryRow(ctx, `
		SELECT id, quantity, company_id FROM warehouse_stocks
		WHERE warehouse_id = $1 AND product_id = $2
		FOR UPDATE
	`, warehouseID, productID).Scan(&stockID, &quantity, &rowCompany)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "warehouse_stock", Ref: fmt.Sprintf("%d/%d", warehouseID, productID)}
		}
		return nil, asConflict("lock ledger row", err)
	}
	if rowCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: "ledger row belongs to another company"}
	}
	if quantity < delta {
		return nil, &InsufficientStockError{WarehouseID: warehouseID, ProductID: productID,
			Requested: delta, Available: quantity}
	}

	ws, err := scanStockRow(tx.QueryRow(ctx, `
		UPDATE warehouse_stocks
		SET quantity = quantity - $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, warehouse_id, product_id, company_id, quantity, visible_to_shop, updated_at
	`, delta, stockID))
	if err != nil {
		return nil, fmt.Errorf("failed to apply deallocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit deallocation: %w", asConflict("deallocate", err))
	}

	s.activity.Record(ctx, actor.UserID, "stock.deallocate",
		fmt.Sprintf("removed %d units of product %d from warehouse %d", delta, productID, warehouseID),
		SubjectRef{Kind: "warehouse_stock", ID: ws.ID})
	return ws, nil
}

func (s *stockService) SetQuantity(ctx context.Context, actor Actor, warehouseID, productID, quantity int) (*WarehouseStock, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("quantity cannot be negative, got %d", quantity)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	productCompany, totalStock, _, err := lockProduct(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	if productCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("product %d belongs to another company", productID)}
	}

	warehouseCompany, capacity, _, err := lockWarehouse(ctx, tx, warehouseID)
	if err != nil {
		return nil, err
	}
	if warehouseCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("warehouse %d belongs to another company", warehouseID)}
	}

	stockID, current, err := upsertAndLockStock(ctx, tx, warehouseID, productID, actor.CompanyID)
	if err != nil {
		return nil, err
	}

	// Invariants computed excluding the row being edited.
	var productAllocated int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(quantity), 0) FROM warehouse_stocks WHERE product_id = $1",
		productID,
	).Scan(&productAllocated); err != nil {
		return nil, fmt.Errorf("failed to sum product allocations: %w", err)
	}
	if remaining := totalStock - (productAllocated - current); quantity > remaining {
		return nil, &CapacityExceededError{Scope: "product", ProductID: productID,
			WarehouseID: warehouseID, Requested: quantity, Remaining: remaining}
	}

	if capacity != nil {
		var warehouseAllocated int
		if err := tx.QueryRow(ctx,
			"SELECT COALESCE(SUM(quantity), 0) FROM warehouse_stocks WHERE warehouse_id = $1",
			warehouseID,
		).Scan(&warehouseAllocated); err != nil {
			return nil, fmt.Errorf("failed to sum warehouse allocations: %w", err)
		}
		if remaining := *capacity - (warehouseAllocated - current); quantity > remaining {
			return nil, &CapacityExceededError{Scope: "warehouse", ProductID: productID,
				WarehouseID: warehouseID, Requested: quantity, Remaining: remaining}
		}
	}

	ws, err := scanStockRow(tx.QueryRow(ctx, `
		UPDATE warehouse_stocks
		SET quantity = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, warehouse_id, product_id, company_id, quantity, visible_to_shop, updated_at
	`, quantity, stockID))
	if err != nil {
		return nil, fmt.Errorf("failed to set quantity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit quantity edit: %w", asConflict("set quantity", err))
	}

	s.activity.Record(ctx, actor.UserID, "stock.set",
		fmt.Sprintf("set product %d in warehouse %d to %d units", productID, warehouseID, quantity),
		SubjectRef{Kind: "warehouse_stock", ID: ws.ID})
	return ws, nil
}

func (s *stockService) SetVisibility(ctx context.Context, actor Actor, warehouseID, productID int, visible bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE warehouse_stocks
		SET visible_to_shop = $1, updated_at = NOW()
		WHERE warehouse_id = $2 AND product_id = $3 AND company_id = $4
	`, visible, warehouseID, productID, actor.CompanyID)
	if err != nil {
		return fmt.Errorf("failed to update visibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "warehouse_stock", Ref: fmt.Sprintf("%d/%d", warehouseID, productID)}
	}
	return nil
}

// ── TX-scoped operations ─────────────────────────────────────────────────────

// DeductTx removes delta units from a locked ledger row. The caller must
// already hold the row's FOR UPDATE lock and have verified availability.
func (s *stockService) DeductTx(ctx context.Context, tx pgx.Tx, stockID, delta int) error {
	_, err := tx.Exec(ctx, `
		UPDATE warehouse_stocks SET quantity = quantity - $1, updated_at = NOW()
		WHERE id = $2
	`, delta, stockID)
	if err != nil {
		return fmt.Errorf("failed to deduct from ledger row %d: %w", stockID, err)
	}
	return nil
}

// RestoreTx puts delta units back on a locked ledger row. Restores return
// previously deducted units, so they are not re-gated on capacity.
func (s *stockService) RestoreTx(ctx context.Context, tx pgx.Tx, stockID, delta int) error {
	_, err := tx.Exec(ctx, `
		UPDATE warehouse_stocks SET quantity = quantity + $1, updated_at = NOW()
		WHERE id = $2
	`, delta, stockID)
	if err != nil {
		return fmt.Errorf("failed to restore to ledger row %d: %w", stockID, err)
	}
	return nil
}
