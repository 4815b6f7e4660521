package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"inventory-engine/internal/core"
)

func TestStockRequest_CreateValidation(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	// Only shops may open stock requests.
	_, err := requests.CreateStockRequest(ctx, staffActor, 1,
		[]core.RequestLineInput{{ProductID: 1, Quantity: 5}}, "")
	var forbidden *core.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for non-shop actor, got %v", err)
	}

	// A line referencing another company's product is refused.
	_, err = requests.CreateStockRequest(ctx, shopActor, 1,
		[]core.RequestLineInput{{ProductID: 4, Quantity: 5}}, "")
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for foreign product, got %v", err)
	}

	r, err := requests.CreateStockRequest(ctx, shopActor, 1,
		[]core.RequestLineInput{{ProductID: 1, Quantity: 5}, {ProductID: 2, Quantity: 2}}, "weekly restock")
	if err != nil {
		t.Fatalf("CreateStockRequest failed: %v", err)
	}
	if r.Status != core.StatusPending {
		t.Errorf("expected new request PENDING, got %s", r.Status)
	}
	if r.Reference == "" {
		t.Errorf("expected a generated reference")
	}
	if len(r.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(r.Items))
	}
	for _, item := range r.Items {
		if item.Status != core.StatusPending || item.QuantityApproved != 0 {
			t.Errorf("unexpected initial item state: %+v", item)
		}
	}
}

func TestStockRequest_DecisionLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	if _, err := stocks.Allocate(ctx, staffActor, 1, 1, 50); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := stocks.Allocate(ctx, staffActor, 1, 3, 100); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	r, err := requests.CreateStockRequest(ctx, shopActor, 1, []core.RequestLineInput{
		{ProductID: 1, Quantity: 20},
		{ProductID: 3, Quantity: 40},
		{ProductID: 2, Quantity: 5},
	}, "")
	if err != nil {
		t.Fatalf("CreateStockRequest failed: %v", err)
	}

	// Full approval.
	item, err := requests.ApproveItem(ctx, staffActor, r.Items[0].ID, 20)
	if err != nil {
		t.Fatalf("ApproveItem(full) failed: %v", err)
	}
	if item.Status != core.StatusApproved || item.QuantityApproved != 20 {
		t.Errorf("unexpected item after full approval: %+v", item)
	}
	if got := ledgerQuantity(t, pool, 1, 1); got != 30 {
		t.Errorf("expected ledger 30 after deducting 20, got %d", got)
	}

	// Partial approval.
	item, err = requests.ApproveItem(ctx, staffActor, r.Items[1].ID, 25)
	if err != nil {
		t.Fatalf("ApproveItem(partial) failed: %v", err)
	}
	if item.Status != core.StatusPartiallyApproved {
		t.Errorf("expected PARTIALLY_APPROVED, got %s", item.Status)
	}

	// Rejection touches no stock.
	item, err = requests.RejectItem(ctx, staffActor, r.Items[2].ID, "discontinued")
	if err != nil {
		t.Fatalf("RejectItem failed: %v", err)
	}
	if item.Status != core.StatusRejected || item.Remarks != "discontinued" {
		t.Errorf("unexpected item after rejection: %+v", item)
	}

	updated, err := requests.StockRequest(ctx, staffActor, r.ID)
	if err != nil {
		t.Fatalf("StockRequest failed: %v", err)
	}
	if updated.Status != core.StatusPartiallyApproved {
		t.Errorf("expected aggregate PARTIALLY_APPROVED, got %s", updated.Status)
	}
	if updated.DecidedAt == nil {
		t.Errorf("expected decided_at to be set")
	}
}

// Re-deciding an item reconciles the ledger against the delta from the
// previous decision: lowering the approval restores units, raising it
// deducts only the difference.
func TestStockRequest_RedecideReconcilesLedger(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	if _, err := stocks.Allocate(ctx, staffActor, 1, 1, 50); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	r, err := requests.CreateStockRequest(ctx, shopActor, 1,
		[]core.RequestLineInput{{ProductID: 1, Quantity: 30}}, "")
	if err != nil {
		t.Fatalf("CreateStockRequest failed: %v", err)
	}
	itemID := r.Items[0].ID

	steps := []struct {
		approve    int
		wantLedger int
	}{
		{30, 20}, // deduct 30
		{20, 30}, // restore 10
		{25, 25}, // deduct 5
		{0, 50},  // reject restores everything
	}
	for _, step := range steps {
		if _, err := requests.ApproveItem(ctx, staffActor, itemID, step.approve); err != nil {
			t.Fatalf("ApproveItem(%d) failed: %v", step.approve, err)
		}
		if got := ledgerQuantity(t, pool, 1, 1); got != step.wantLedger {
			t.Errorf("after approving %d: expected ledger %d, got %d", step.approve, step.wantLedger, got)
		}
	}
}

func TestStockRequest_DecideUnknownItem(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	_, err := requests.ApproveItem(ctx, staffActor, 999999, 1)
	var notFound *core.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for unknown item, got %v", err)
	}
	if notFound.Entity != "stock_request_item" {
		t.Errorf("unexpected entity in NotFoundError: %q", notFound.Entity)
	}
}

// Restoring units on a lowered decision is unconditional: if staff has
// meanwhile allocated into the headroom freed by the original approval, the
// restore may push the ledger past the product's registered stock. The
// overshoot then surfaces as negative remaining capacity and blocks further
// allocations until staff reconciles.
func TestStockRequest_RestoreNotCapacityGated(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	if _, err := stocks.Allocate(ctx, staffActor, 1, 1, 100); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	r, err := requests.CreateStockRequest(ctx, shopActor, 1,
		[]core.RequestLineInput{{ProductID: 1, Quantity: 30}}, "")
	if err != nil {
		t.Fatalf("CreateStockRequest failed: %v", err)
	}
	if _, err := requests.ApproveItem(ctx, staffActor, r.Items[0].ID, 30); err != nil {
		t.Fatalf("ApproveItem failed: %v", err)
	}
	if got := ledgerQuantity(t, pool, 1, 1); got != 70 {
		t.Fatalf("expected ledger 70 after approval, got %d", got)
	}

	// The approval freed 30 units of product capacity; allocate them.
	if _, err := stocks.Allocate(ctx, staffActor, 1, 1, 30); err != nil {
		t.Fatalf("Allocate into freed capacity failed: %v", err)
	}

	// Reversing the decision restores the 30 units regardless. The ledger
	// now exceeds the product's registered stock.
	if _, err := requests.ApproveItem(ctx, staffActor, r.Items[0].ID, 0); err != nil {
		t.Fatalf("ApproveItem(0) failed: %v", err)
	}
	if got := ledgerQuantity(t, pool, 1, 1); got != 130 {
		t.Errorf("expected ledger 130 after restore, got %d", got)
	}

	remaining, err := stocks.RemainingProductCapacity(ctx, staffActor, 1)
	if err != nil {
		t.Fatalf("RemainingProductCapacity failed: %v", err)
	}
	if remaining != -30 {
		t.Errorf("expected remaining capacity -30, got %d", remaining)
	}

	var capErr *core.CapacityExceededError
	if _, err := stocks.Allocate(ctx, staffActor, 1, 1, 1); !errors.As(err, &capErr) {
		t.Errorf("expected CapacityExceededError while over-allocated, got %v", err)
	}
}

// A failed approval must leave the item exactly as it was: PENDING, zero
// approved, ledger untouched. Only the remark records the failure.
func TestStockRequest_InsufficientStockFailsToPending(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	// Product 2 has stock 10, all of it allocated to warehouse 1.
	if _, err := stocks.Allocate(ctx, staffActor, 1, 2, 10); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	r, err := requests.CreateStockRequest(ctx, shopActor, 1,
		[]core.RequestLineInput{{ProductID: 2, Quantity: 15}}, "")
	if err != nil {
		t.Fatalf("CreateStockRequest failed: %v", err)
	}

	_, err = requests.ApproveItem(ctx, staffActor, r.Items[0].ID, 15)
	var insErr *core.InsufficientStockError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insErr.Available != 10 {
		t.Errorf("expected available 10, got %d", insErr.Available)
	}

	updated, err := requests.StockRequest(ctx, staffActor, r.ID)
	if err != nil {
		t.Fatalf("StockRequest failed: %v", err)
	}
	if updated.Status != core.StatusPending {
		t.Errorf("expected request to stay PENDING, got %s", updated.Status)
	}
	item := updated.Items[0]
	if item.Status != core.StatusPending || item.QuantityApproved != 0 {
		t.Errorf("item changed by failed approval: %+v", item)
	}
	if item.Remarks == "" {
		t.Errorf("expected a failure remark on the item")
	}
	if got := ledgerQuantity(t, pool, 1, 2); got != 10 {
		t.Errorf("ledger changed by failed approval: %d", got)
	}
}

// Two approvals racing for the same ledger row serialize on its lock; the
// stock covers only one of them, so exactly one wins.
func TestStockRequest_ConcurrentApprovals(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	if _, err := stocks.Allocate(ctx, staffActor, 1, 2, 10); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	var itemIDs []int
	for i := 0; i < 2; i++ {
		r, err := requests.CreateStockRequest(ctx, shopActor, 1,
			[]core.RequestLineInput{{ProductID: 2, Quantity: 7}}, "")
		if err != nil {
			t.Fatalf("CreateStockRequest failed: %v", err)
		}
		itemIDs = append(itemIDs, r.Items[0].ID)
	}

	var wg sync.WaitGroup
	results := make(chan error, len(itemIDs))
	for _, id := range itemIDs {
		wg.Add(1)
		go func(itemID int) {
			defer wg.Done()
			_, err := requests.ApproveItem(ctx, staffActor, itemID, 7)
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	var succeeded, refused int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var insErr *core.InsufficientStockError
			if !errors.As(err, &insErr) {
				t.Fatalf("unexpected error from concurrent approval: %v", err)
			}
			refused++
		}
	}
	if succeeded != 1 || refused != 1 {
		t.Errorf("expected exactly one winner, got %d successes and %d refusals", succeeded, refused)
	}
	if got := ledgerQuantity(t, pool, 1, 2); got != 3 {
		t.Errorf("expected final ledger quantity 3, got %d", got)
	}
}

func TestStockRequest_Dispatch(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	if _, err := stocks.Allocate(ctx, staffActor, 1, 1, 50); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	r, err := requests.CreateStockRequest(ctx, shopActor, 1, []core.RequestLineInput{
		{ProductID: 1, Quantity: 10},
		{ProductID: 1, Quantity: 5},
	}, "")
	if err != nil {
		t.Fatalf("CreateStockRequest failed: %v", err)
	}

	// Dispatch is blocked while any item is still pending.
	if _, err := requests.ApproveItem(ctx, staffActor, r.Items[0].ID, 10); err != nil {
		t.Fatalf("ApproveItem failed: %v", err)
	}
	_, err = requests.DispatchStockRequest(ctx, staffActor, r.ID)
	var invalid *core.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError with a pending item, got %v", err)
	}

	if _, err := requests.ApproveItem(ctx, staffActor, r.Items[1].ID, 5); err != nil {
		t.Fatalf("ApproveItem failed: %v", err)
	}

	dispatched, err := requests.DispatchStockRequest(ctx, staffActor, r.ID)
	if err != nil {
		t.Fatalf("DispatchStockRequest failed: %v", err)
	}
	if dispatched.Status != core.StatusDispatched {
		t.Errorf("expected DISPATCHED, got %s", dispatched.Status)
	}
	if dispatched.DispatchedAt == nil {
		t.Errorf("expected dispatched_at to be set")
	}

	// Dispatching twice is refused.
	_, err = requests.DispatchStockRequest(ctx, staffActor, r.ID)
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidStateError on second dispatch, got %v", err)
	}
}

func TestRequest_SimpleFlow(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	ws, err := stocks.Allocate(ctx, staffActor, 1, 1, 8)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	r, err := requests.CreateRequest(ctx, shopActor, ws.ID, 5)
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	if r.Status != core.StatusPending {
		t.Errorf("expected PENDING, got %s", r.Status)
	}

	approved, err := requests.ApproveRequest(ctx, staffActor, r.ID)
	if err != nil {
		t.Fatalf("ApproveRequest failed: %v", err)
	}
	if approved.Status != core.StatusApproved || approved.DecidedAt == nil {
		t.Errorf("unexpected request after approval: %+v", approved)
	}
	if got := ledgerQuantity(t, pool, 1, 1); got != 3 {
		t.Errorf("expected ledger 3 after approval, got %d", got)
	}

	// Approving again is refused: the request already left PENDING.
	_, err = requests.ApproveRequest(ctx, staffActor, r.ID)
	var invalid *core.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidStateError on re-approval, got %v", err)
	}

	// A request the remaining stock cannot cover stays PENDING.
	r2, err := requests.CreateRequest(ctx, shopActor, ws.ID, 4)
	if err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	_, err = requests.ApproveRequest(ctx, staffActor, r2.ID)
	var insErr *core.InsufficientStockError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	pending, err := requests.Request(ctx, staffActor, r2.ID)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if pending.Status != core.StatusPending {
		t.Errorf("expected request to stay PENDING, got %s", pending.Status)
	}
	if pending.Remarks == "" {
		t.Errorf("expected a failure remark")
	}
	if got := ledgerQuantity(t, pool, 1, 1); got != 3 {
		t.Errorf("ledger changed by failed approval: %d", got)
	}

	// Rejection is unconditional and touches no stock.
	rejected, err := requests.RejectRequest(ctx, staffActor, r2.ID, "out of season")
	if err != nil {
		t.Fatalf("RejectRequest failed: %v", err)
	}
	if rejected.Status != core.StatusRejected || rejected.Remarks != "out of season" {
		t.Errorf("unexpected request after rejection: %+v", rejected)
	}
	if got := ledgerQuantity(t, pool, 1, 1); got != 3 {
		t.Errorf("ledger changed by rejection: %d", got)
	}
}

func TestRequest_HiddenStockNotRequestable(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stocks := core.NewStockService(pool, nil)
	requests := core.NewRequestService(pool, stocks, nil)
	ctx := context.Background()

	ws, err := stocks.Allocate(ctx, staffActor, 1, 1, 8)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := stocks.SetVisibility(ctx, staffActor, 1, 1, false); err != nil {
		t.Fatalf("SetVisibility failed: %v", err)
	}

	_, err = requests.CreateRequest(ctx, shopActor, ws.ID, 2)
	var forbidden *core.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for hidden stock, got %v", err)
	}
}
