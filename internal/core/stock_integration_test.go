package core_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"inventory-engine/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live app database.
	// Set TEST_DATABASE_URL in your .env or environment to run integration tests.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	// Clean and seed test DB
	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE activity_logs, shipments, invoices, requests, stock_request_items,
			stock_requests, warehouse_stocks, warehouses, products, shops, companies
			RESTART IDENTITY CASCADE;

		INSERT INTO companies (id, code, name) VALUES
		(1, 'ACME', 'Acme Distribution'),
		(2, 'RIVAL', 'Rival Goods');

		INSERT INTO shops (id, code, name, location) VALUES
		(1, 'S001', 'Downtown', 'Main St'),
		(2, 'S002', 'Uptown', 'High St');

		INSERT INTO products (id, company_id, sku, name, category, price, stock) VALUES
		(1, 1, 'ESP-01', 'Espresso Machine', 'appliances', 500.00, 100),
		(2, 1, 'GRD-01', 'Burr Grinder', 'appliances', 120.00, 10),
		(3, 1, 'FLT-01', 'Filter Pack', 'consumables', 8.50, 1000),
		(4, 2, 'RVL-01', 'Rival Widget', '', 10.00, 100);

		INSERT INTO warehouses (id, company_id, name, location, capacity) VALUES
		(1, 1, 'Main Warehouse', 'Dock 4', NULL),
		(2, 1, 'Overflow', 'Dock 9', 50),
		(3, 2, 'Rival Depot', '', NULL);
	`)
	if err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}

	return pool
}

var (
	staffActor = core.Actor{UserID: 1, CompanyID: 1}
	shopActor  = core.Actor{UserID: 10, CompanyID: 1, ShopID: 1}
)

func ledgerQuantity(t *testing.T, pool *pgxpool.Pool, warehouseID, productID int) int {
	t.Helper()
	var qty int
	err := pool.QueryRow(context.Background(), `
		SELECT COALESCE(SUM(quantity), 0) FROM warehouse_stocks
		WHERE warehouse_id = $1 AND product_id = $2
	`, warehouseID, productID).Scan(&qty)
	if err != nil {
		t.Fatalf("Failed to read ledger quantity: %v", err)
	}
	return qty
}

func TestStock_AllocateAndRemaining(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	ctx := context.Background()

	ws, err := stocks.Allocate(ctx, staffActor, 1, 1, 60)
	if err != nil {
		t.Fatalf("Allocate(60) failed: %v", err)
	}
	if ws.Quantity != 60 {
		t.Errorf("expected ledger row quantity 60, got %d", ws.Quantity)
	}

	remaining, err := stocks.RemainingProductCapacity(ctx, staffActor, 1)
	if err != nil {
		t.Fatalf("RemainingProductCapacity failed: %v", err)
	}
	if remaining != 40 {
		t.Errorf("expected remaining product capacity 40, got %d", remaining)
	}

	if _, err := stocks.Allocate(ctx, staffActor, 2, 1, 40); err != nil {
		t.Fatalf("Allocate(40) to second warehouse failed: %v", err)
	}

	// Product fully distributed: a single further unit must be refused.
	_, err = stocks.Allocate(ctx, staffActor, 1, 1, 1)
	var capErr *core.CapacityExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
	if capErr.Scope != "product" || capErr.Remaining != 0 {
		t.Errorf("unexpected capacity error detail: %+v", capErr)
	}
}

func TestStock_WarehouseCapacity(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	ctx := context.Background()

	// Warehouse 2 holds at most 50 units across all products.
	if _, err := stocks.Allocate(ctx, staffActor, 2, 3, 50); err != nil {
		t.Fatalf("Allocate up to capacity failed: %v", err)
	}

	_, err := stocks.Allocate(ctx, staffActor, 2, 3, 1)
	var capErr *core.CapacityExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
	if capErr.Scope != "warehouse" || capErr.Remaining != 0 {
		t.Errorf("unexpected capacity error detail: %+v", capErr)
	}

	remaining, err := stocks.RemainingWarehouseCapacity(ctx, staffActor, 2)
	if err != nil {
		t.Fatalf("RemainingWarehouseCapacity failed: %v", err)
	}
	if remaining == nil || *remaining != 0 {
		t.Errorf("expected remaining warehouse capacity 0, got %v", remaining)
	}

	// The unbounded warehouse reports no remaining capacity at all.
	unbounded, err := stocks.RemainingWarehouseCapacity(ctx, staffActor, 1)
	if err != nil {
		t.Fatalf("RemainingWarehouseCapacity(unbounded) failed: %v", err)
	}
	if unbounded != nil {
		t.Errorf("expected nil remaining for unbounded warehouse, got %d", *unbounded)
	}
}

func TestStock_SetQuantityExcludesOwnRow(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	ctx := context.Background()

	if _, err := stocks.Allocate(ctx, staffActor, 1, 1, 80); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	// The row's own 80 units must not count against its new value.
	ws, err := stocks.SetQuantity(ctx, staffActor, 1, 1, 100)
	if err != nil {
		t.Fatalf("SetQuantity(100) failed: %v", err)
	}
	if ws.Quantity != 100 {
		t.Errorf("expected quantity 100, got %d", ws.Quantity)
	}

	_, err = stocks.SetQuantity(ctx, staffActor, 1, 1, 101)
	var capErr *core.CapacityExceededError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
	if capErr.Remaining != 100 {
		t.Errorf("expected remaining 100, got %d", capErr.Remaining)
	}
}

func TestStock_DeallocateInsufficient(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	ctx := context.Background()

	if _, err := stocks.Allocate(ctx, staffActor, 1, 2, 5); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	_, err := stocks.Deallocate(ctx, staffActor, 1, 2, 6)
	var insErr *core.InsufficientStockError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insErr.Available != 5 {
		t.Errorf("expected available 5, got %d", insErr.Available)
	}
	if got := ledgerQuantity(t, pool, 1, 2); got != 5 {
		t.Errorf("ledger changed after failed deallocation: %d", got)
	}

	ws, err := stocks.Deallocate(ctx, staffActor, 1, 2, 5)
	if err != nil {
		t.Fatalf("Deallocate(5) failed: %v", err)
	}
	if ws.Quantity != 0 {
		t.Errorf("expected quantity 0, got %d", ws.Quantity)
	}
}

func TestStock_AllocateForeignProduct(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)

	_, err := stocks.Allocate(context.Background(), staffActor, 1, 4, 1)
	var forbidden *core.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for another company's product, got %v", err)
	}
}

func TestStock_SetVisibility(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	ctx := context.Background()

	if _, err := stocks.Allocate(ctx, staffActor, 1, 1, 10); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := stocks.SetVisibility(ctx, staffActor, 1, 1, false); err != nil {
		t.Fatalf("SetVisibility failed: %v", err)
	}

	levels, err := stocks.StockLevels(ctx, staffActor.CompanyID)
	if err != nil {
		t.Fatalf("StockLevels failed: %v", err)
	}
	if len(levels) != 1 {
		t.Fatalf("expected one stock level, got %d", len(levels))
	}
	if levels[0].VisibleToShop {
		t.Errorf("expected row to be hidden from shops")
	}

	err = stocks.SetVisibility(ctx, staffActor, 2, 3, true)
	var notFound *core.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError for missing ledger row, got %v", err)
	}
}

// Concurrent allocations of the same product must never push the product's
// total allocation past its stock, regardless of interleaving.
func TestStock_ConcurrentAllocations(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	ctx := context.Background()

	const workers = 4
	const delta = 3 // product 2 has stock 10, so at most 3 of 4 can land

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := stocks.Allocate(ctx, staffActor, 1, 2, delta)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, refused int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var capErr *core.CapacityExceededError
			if !errors.As(err, &capErr) {
				t.Fatalf("unexpected error from concurrent allocate: %v", err)
			}
			refused++
		}
	}
	if succeeded != 3 || refused != 1 {
		t.Errorf("expected 3 successes and 1 refusal, got %d/%d", succeeded, refused)
	}
	if got := ledgerQuantity(t, pool, 1, 2); got != 9 {
		t.Errorf("expected final ledger quantity 9, got %d", got)
	}
}
