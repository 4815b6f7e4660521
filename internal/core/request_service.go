package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RequestService owns the lifecycle of shop stock requests, in both the
// multi-item aggregate form (StockRequest/StockRequestItem) and the simple
// single-stock form (Request). All stock mutation is delegated to the
// StockService within the same transaction as the decision, so an item's
// status, its approved quantity, and the ledger row move together or not
// at all.
type RequestService interface {
	// Aggregate flow.
	CreateStockRequest(ctx context.Context, actor Actor, warehouseID int, lines []RequestLineInput, notes string) (*StockRequest, error)
	// StockRequest fetches one request with its items. Readable only by the
	// owning company's staff or the requesting shop.
	StockRequest(ctx context.Context, actor Actor, requestID int) (*StockRequest, error)
	StockRequests(ctx context.Context, companyID int, status *string) ([]StockRequest, error)
	ShopStockRequests(ctx context.Context, shopID int) ([]StockRequest, error)
	// ApproveItem decides one item for approvedQty units (0 rejects it),
	// reconciling the ledger against the delta from any previous decision.
	// On InsufficientStockError the whole unit of work rolls back: item
	// status, approved quantity, and ledger are exactly as before the call,
	// and only the item's remark records the failure.
	ApproveItem(ctx context.Context, actor Actor, itemID, approvedQty int) (*StockRequestItem, error)
	RejectItem(ctx context.Context, actor Actor, itemID int, remarks string) (*StockRequestItem, error)
	// DispatchStockRequest is the explicit transition to DISPATCHED, legal
	// once every item is approved or partially approved.
	DispatchStockRequest(ctx context.Context, actor Actor, requestID int) (*StockRequest, error)

	// Simple flow.
	CreateRequest(ctx context.Context, actor Actor, warehouseStockID, quantity int) (*Request, error)
	// Request is tenant-scoped like StockRequest.
	Request(ctx context.Context, actor Actor, requestID int) (*Request, error)
	// ApproveRequest verifies the ledger row covers the requested quantity,
	// decrements it, and marks the request APPROVED, all under the row lock.
	// On InsufficientStockError the request stays PENDING.
	ApproveRequest(ctx context.Context, actor Actor, requestID int) (*Request, error)
	// RejectRequest is unconditional and performs no stock mutation.
	RejectRequest(ctx context.Context, actor Actor, requestID int, remarks string) (*Request, error)
}

type requestService struct {
	pool     *pgxpool.Pool
	stocks   StockService
	activity ActivitySink
}

func NewRequestService(pool *pgxpool.Pool, stocks StockService, activity ActivitySink) RequestService {
	if activity == nil {
		activity = NopSink{}
	}
	return &requestService{pool: pool, stocks: stocks, activity: activity}
}

// ── Aggregate flow ───────────────────────────────────────────────────────────

func (s *requestService) CreateStockRequest(ctx context.Context, actor Actor, warehouseID int, lines []RequestLineInput, notes string) (*StockRequest, error) {
	if actor.ShopID == 0 {
		return nil, &ForbiddenError{Reason: "stock requests can only be created by a shop"}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("stock request must have at least one line")
	}
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("line %d: quantity must be positive, got %d", i+1, line.Quantity)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var companyID int
	var warehouseActive bool
	err = tx.QueryRow(ctx,
		"SELECT company_id, is_active FROM warehouses WHERE id = $1",
		warehouseID,
	).Scan(&companyID, &warehouseActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "warehouse", Ref: fmt.Sprint(warehouseID)}
		}
		return nil, fmt.Errorf("failed to resolve warehouse: %w", err)
	}
	if !warehouseActive {
		return nil, &InvalidStateError{Entity: "warehouse", ID: warehouseID, Status: "INACTIVE", Expected: "ACTIVE"}
	}

	var shopActive bool
	err = tx.QueryRow(ctx, "SELECT is_active FROM shops WHERE id = $1", actor.ShopID).Scan(&shopActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "shop", Ref: fmt.Sprint(actor.ShopID)}
		}
		return nil, fmt.Errorf("failed to resolve shop: %w", err)
	}
	if !shopActive {
		return nil, &InvalidStateError{Entity: "shop", ID: actor.ShopID, Status: "INACTIVE", Expected: "ACTIVE"}
	}

	// Every line must reference an active product of the warehouse's company.
	for i, line := range lines {
		var productCompany int
		var productActive bool
		err = tx.QueryRow(ctx,
			"SELECT company_id, is_active FROM products WHERE id = $1",
			line.ProductID,
		).Scan(&productCompany, &productActive)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &NotFoundError{Entity: "product", Ref: fmt.Sprint(line.ProductID)}
			}
			return nil, fmt.Errorf("line %d: failed to resolve product: %w", i+1, err)
		}
		if productCompany != companyID {
			return nil, &ForbiddenError{Reason: fmt.Sprintf("line %d: product %d is not stocked by this warehouse's company", i+1, line.ProductID)}
		}
		if !productActive {
			return nil, &InvalidStateError{Entity: "product", ID: line.ProductID, Status: "INACTIVE", Expected: "ACTIVE"}
		}
	}

	var requestID int
	reference := uuid.NewString()
	err = tx.QueryRow(ctx, `
		INSERT INTO stock_requests (reference, shop_id, warehouse_id, company_id, status, remarks)
		VALUES ($1, $2, $3, $4, 'PENDING', $5)
		RETURNING id
	`, reference, actor.ShopID, warehouseID, companyID, notes).Scan(&requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert stock request: %w", err)
	}

	for i, line := range lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO stock_request_items (request_id, product_id, quantity_requested)
			VALUES ($1, $2, $3)
		`, requestID, line.ProductID, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to insert request item %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit stock request: %w", err)
	}

	s.activity.Record(ctx, actor.UserID, "request.create",
		fmt.Sprintf("shop %d requested %d product(s) from warehouse %d", actor.ShopID, len(lines), warehouseID),
		SubjectRef{Kind: "stock_request", ID: requestID})
	return s.StockRequest(ctx, actor, requestID)
}

func (s *requestService) ApproveItem(ctx context.Context, actor Actor, itemID, approvedQty int) (*StockRequestItem, error) {
	if approvedQty < 0 {
		return nil, fmt.Errorf("approved quantity cannot be negative, got %d", approvedQty)
	}
	return s.decideItem(ctx, actor, itemID, approvedQty, "")
}

func (s *requestService) RejectItem(ctx context.Context, actor Actor, itemID int, remarks string) (*StockRequestItem, error) {
	return s.decideItem(ctx, actor, itemID, 0, remarks)
}

// decideItem runs the approve/reject algorithm for one item. It holds the
// ledger row lock for the duration of the check-and-write and reconciles
// the ledger against the delta between the previous and the new approved
// quantity, so re-deciding an item is safe.
func (s *requestService) decideItem(ctx context.Context, actor Actor, itemID, approvedQty int, remarks string) (*StockRequestItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the request header first, then the item. Every decision path
	// takes locks in this order, so two staff deciding items of the same
	// request serialize instead of deadlocking. The header is resolved and
	// locked through the item in one statement, so a request deleted out
	// from under the item cannot slip between a lookup and the lock.
	var requestID, warehouseID, companyID, shopID int
	var requestStatus string
	err = tx.QueryRow(ctx, `
		SELECT sr.id, sr.warehouse_id, sr.company_id, sr.shop_id, sr.status
		FROM stock_requests sr
		JOIN stock_request_items i ON i.request_id = sr.id
		WHERE i.id = $1
		FOR UPDATE OF sr
	`, itemID).Scan(&requestID, &warehouseID, &companyID, &shopID, &requestStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "stock_request_item", Ref: fmt.Sprint(itemID)}
		}
		return nil, asConflict("lock stock request", err)
	}
	if companyID != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("stock request %d targets another company's warehouse", requestID)}
	}
	switch requestStatus {
	case StatusPending, StatusApproved, StatusPartiallyApproved, StatusRejected:
		// Items stay decidable until the request is invoiced.
	default:
		return nil, &InvalidStateError{Entity: "stock_request", ID: requestID,
			Status: requestStatus, Expected: "PENDING or decided but not yet invoiced"}
	}

	var productID, requested, previousApproved int
	var previousStatus string
	err = tx.QueryRow(ctx, `
		SELECT product_id, quantity_requested, quantity_approved, status
		FROM stock_request_items WHERE id = $1 FOR UPDATE
	`, itemID).Scan(&productID, &requested, &previousApproved, &previousStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "stock_request_item", Ref: fmt.Sprint(itemID)}
		}
		return nil, asConflict("lock request item", err)
	}
	if approvedQty > requested {
		return nil, fmt.Errorf("approved quantity %d exceeds requested quantity %d", approvedQty, requested)
	}

	// Exclusive lock on the contended resource: the ledger row for this
	// (warehouse, product) pair. Absent row means nothing was ever
	// allocated here.
	var stockID, available int
	err = tx.QueryRow(ctx, `
		SELECT id, quantity FROM warehouse_stocks
		WHERE warehouse_id = $1 AND product_id = $2
		FOR UPDATE
	`, warehouseID, productID).Scan(&stockID, &available)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, asConflict("lock ledger row", err)
		}
		stockID, available = 0, 0
	}

	delta := approvedQty - previousApproved
	switch {
	case delta > 0:
		if available < delta {
			// Abort the whole unit of work: item and ledger stay exactly
			// as they were. The failure remark is written outside the
			// aborted transaction, best effort.
			tx.Rollback(ctx)
			failure := fmt.Sprintf("approval for %d units failed: only %d available", approvedQty, available)
			_, _ = s.pool.Exec(ctx,
				"UPDATE stock_request_items SET remarks = $1 WHERE id = $2",
				failure, itemID)
			return nil, &InsufficientStockError{WarehouseID: warehouseID, ProductID: productID,
				Requested: delta, Available: available}
		}
		if err := s.stocks.DeductTx(ctx, tx, stockID, delta); err != nil {
			return nil, err
		}
	case delta < 0:
		if stockID == 0 {
			return nil, fmt.Errorf("ledger row for warehouse %d product %d vanished while restoring %d units",
				warehouseID, productID, -delta)
		}
		if err := s.stocks.RestoreTx(ctx, tx, stockID, -delta); err != nil {
			return nil, err
		}
	}

	newStatus := deriveItemStatus(requested, approvedQty)
	item := StockRequestItem{
		ID:                itemID,
		RequestID:         requestID,
		ProductID:         productID,
		QuantityRequested: requested,
		QuantityApproved:  approvedQty,
		Status:            newStatus,
		Remarks:           remarks,
	}
	_, err = tx.Exec(ctx, `
		UPDATE stock_request_items
		SET quantity_approved = $1, status = $2, remarks = $3
		WHERE id = $4
	`, approvedQty, newStatus, remarks, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to update request item %d: %w", itemID, err)
	}

	// Recompute the aggregate status from the item multiset.
	statuses, err := itemStatusesTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	aggregate := DeriveRequestStatus(statuses)
	_, err = tx.Exec(ctx, `
		UPDATE stock_requests
		SET status = $1,
		    decided_at = CASE WHEN $1 = 'PENDING' THEN NULL ELSE COALESCE(decided_at, NOW()) END
		WHERE id = $2
	`, aggregate, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to update stock request %d status: %w", requestID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit item decision: %w", asConflict("decide item", err))
	}

	s.activity.Record(ctx, actor.UserID, "request.decide",
		fmt.Sprintf("item %d of request %d decided %s (%d of %d units)", itemID, requestID, newStatus, approvedQty, requested),
		SubjectRef{Kind: "stock_request_item", ID: itemID})
	return &item, nil
}

func itemStatusesTx(ctx context.Context, tx pgx.Tx, requestID int) ([]string, error) {
	rows, err := tx.Query(ctx,
		"SELECT status FROM stock_request_items WHERE request_id = $1",
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query item statuses: %w", err)
	}
	defer rows.Close()

	var statuses []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("failed to scan item status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

func (s *requestService) DispatchStockRequest(ctx context.Context, actor Actor, requestID int) (*StockRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var companyID int
	var status string
	err = tx.QueryRow(ctx,
		"SELECT company_id, status FROM stock_requests WHERE id = $1 FOR UPDATE",
		requestID,
	).Scan(&companyID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "stock_request", Ref: fmt.Sprint(requestID)}
		}
		return nil, asConflict("lock stock request", err)
	}
	if companyID != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("stock request %d targets another company's warehouse", requestID)}
	}
	switch status {
	case StatusApproved, StatusPartiallyApproved, StatusInvoiced:
	default:
		return nil, &InvalidStateError{Entity: "stock_request", ID: requestID,
			Status: status, Expected: "APPROVED, PARTIALLY_APPROVED or INVOICED"}
	}

	// No item may be in a blocking state.
	statuses, err := itemStatusesTx(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st != StatusApproved && st != StatusPartiallyApproved {
			return nil, &InvalidStateError{Entity: "stock_request", ID: requestID,
				Status: status, Expected: "all items approved or partially approved"}
		}
	}

	_, err = tx.Exec(ctx,
		"UPDATE stock_requests SET status = 'DISPATCHED', dispatched_at = NOW() WHERE id = $1",
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch stock request %d: %w", requestID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit dispatch: %w", err)
	}

	s.activity.Record(ctx, actor.UserID, "request.dispatch",
		fmt.Sprintf("stock request %d dispatched", requestID),
		SubjectRef{Kind: "stock_request", ID: requestID})
	return s.StockRequest(ctx, actor, requestID)
}

// ── Aggregate reads ──────────────────────────────────────────────────────────

func (s *requestService) StockRequest(ctx context.Context, actor Actor, requestID int) (*StockRequest, error) {
	var r StockRequest
	err := readRetry(ctx, func(ctx context.Context) error {
		r = StockRequest{}
		err := s.pool.QueryRow(ctx, `
			SELECT sr.id, sr.reference, sr.shop_id, sh.name, sr.warehouse_id, sr.company_id,
			       sr.status, sr.remarks, sr.created_at, sr.decided_at, sr.dispatched_at, sr.fulfilled_at
			FROM stock_requests sr
			JOIN shops sh ON sh.id = sr.shop_id
			WHERE sr.id = $1
		`, requestID).Scan(
			&r.ID, &r.Reference, &r.ShopID, &r.ShopName, &r.WarehouseID, &r.CompanyID,
			&r.Status, &r.Remarks, &r.CreatedAt, &r.DecidedAt, &r.DispatchedAt, &r.FulfilledAt,
		)
		if err != nil {
			return err
		}

		rows, err := s.pool.Query(ctx, `
			SELECT i.id, i.request_id, i.product_id, p.sku, p.name,
			       i.quantity_requested, i.quantity_approved, i.status, i.remarks
			FROM stock_request_items i
			JOIN products p ON p.id = i.product_id
			WHERE i.request_id = $1
			ORDER BY i.id
		`, requestID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var item StockRequestItem
			if err := rows.Scan(&item.ID, &item.RequestID, &item.ProductID, &item.ProductSKU,
				&item.ProductName, &item.QuantityRequested, &item.QuantityApproved,
				&item.Status, &item.Remarks); err != nil {
				return err
			}
			r.Items = append(r.Items, item)
		}
		return rows.Err()
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "stock_request", Ref: fmt.Sprint(requestID)}
		}
		return nil, fmt.Errorf("failed to fetch stock request %d: %w", requestID, err)
	}
	if r.CompanyID != actor.CompanyID && r.ShopID != actor.ShopID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("stock request %d belongs to another tenant", requestID)}
	}
	return &r, nil
}

func (s *requestService) StockRequests(ctx context.Context, companyID int, status *string) ([]StockRequest, error) {
	query := `
		SELECT sr.id, sr.reference, sr.shop_id, sh.name, sr.warehouse_id, sr.company_id,
		       sr.status, sr.remarks, sr.created_at, sr.decided_at, sr.dispatched_at, sr.fulfilled_at
		FROM stock_requests sr
		JOIN shops sh ON sh.id = sr.shop_id
		WHERE sr.company_id = $1
	`
	args := []any{companyID}
	if status != nil {
		query += " AND sr.status = $2"
		args = append(args, *status)
	}
	query += " ORDER BY sr.id DESC"

	return s.queryRequests(ctx, query, args...)
}

func (s *requestService) ShopStockRequests(ctx context.Context, shopID int) ([]StockRequest, error) {
	return s.queryRequests(ctx, `
		SELECT sr.id, sr.reference, sr.shop_id, sh.name, sr.warehouse_id, sr.company_id,
		       sr.status, sr.remarks, sr.created_at, sr.decided_at, sr.dispatched_at, sr.fulfilled_at
		FROM stock_requests sr
		JOIN shops sh ON sh.id = sr.shop_id
		WHERE sr.shop_id = $1
		ORDER BY sr.id DESC
	`, shopID)
}

func (s *requestService) queryRequests(ctx context.Context, query string, args ...any) ([]StockRequest, error) {
	var requests []StockRequest
	err := readRetry(ctx, func(ctx context.Context) error {
		requests = nil
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r StockRequest
			if err := rows.Scan(&r.ID, &r.Reference, &r.ShopID, &r.ShopName, &r.WarehouseID,
				&r.CompanyID, &r.Status, &r.Remarks, &r.CreatedAt, &r.DecidedAt,
				&r.DispatchedAt, &r.FulfilledAt); err != nil {
				return err
			}
			requests = append(requests, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query stock requests: %w", err)
	}
	return requests, nil
}

// ── Simple flow ──────────────────────────────────────────────────────────────

func (s *requestService) CreateRequest(ctx context.Context, actor Actor, warehouseStockID, quantity int) (*Request, error) {
	if actor.ShopID == 0 {
		return nil, &ForbiddenError{Reason: "requests can only be created by a shop"}
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	var visible bool
	err := s.pool.QueryRow(ctx,
		"SELECT visible_to_shop FROM warehouse_stocks WHERE id = $1",
		warehouseStockID,
	).Scan(&visible)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "warehouse_stock", Ref: fmt.Sprint(warehouseStockID)}
		}
		return nil, fmt.Errorf("failed to resolve ledger row: %w", err)
	}
	if !visible {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("stock %d is not offered to shops", warehouseStockID)}
	}

	var r Request
	err = s.pool.QueryRow(ctx, `
		INSERT INTO requests (shop_id, warehouse_stock_id, quantity)
		VALUES ($1, $2, $3)
		RETURNING id, shop_id, warehouse_stock_id, quantity, status, remarks, created_at, decided_at
	`, actor.ShopID, warehouseStockID, quantity).Scan(
		&r.ID, &r.ShopID, &r.WarehouseStockID, &r.Quantity, &r.Status, &r.Remarks, &r.CreatedAt, &r.DecidedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert request: %w", err)
	}

	s.activity.Record(ctx, actor.UserID, "request.create",
		fmt.Sprintf("shop %d requested %d units of stock %d", actor.ShopID, quantity, warehouseStockID),
		SubjectRef{Kind: "request", ID: r.ID})
	return &r, nil
}

func (s *requestService) Request(ctx context.Context, actor Actor, requestID int) (*Request, error) {
	var r Request
	var companyID int
	err := readRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT r.id, r.shop_id, r.warehouse_stock_id, r.quantity, r.status, r.remarks,
			       r.created_at, r.decided_at, ws.company_id
			FROM requests r
			JOIN warehouse_stocks ws ON ws.id = r.warehouse_stock_id
			WHERE r.id = $1
		`, requestID).Scan(
			&r.ID, &r.ShopID, &r.WarehouseStockID, &r.Quantity, &r.Status, &r.Remarks,
			&r.CreatedAt, &r.DecidedAt, &companyID,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "request", Ref: fmt.Sprint(requestID)}
		}
		return nil, fmt.Errorf("failed to fetch request %d: %w", requestID, err)
	}
	if companyID != actor.CompanyID && r.ShopID != actor.ShopID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("request %d belongs to another tenant", requestID)}
	}
	return &r, nil
}

func (s *requestService) ApproveRequest(ctx context.Context, actor Actor, requestID int) (*Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stockRef, quantity int
	var status string
	err = tx.QueryRow(ctx,
		"SELECT warehouse_stock_id, quantity, status FROM requests WHERE id = $1 FOR UPDATE",
		requestID,
	).Scan(&stockRef, &quantity, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "request", Ref: fmt.Sprint(requestID)}
		}
		return nil, asConflict("lock request", err)
	}
	if status != StatusPending {
		return nil, &InvalidStateError{Entity: "request", ID: requestID, Status: status, Expected: StatusPending}
	}

	var available, rowCompany, warehouseID, productID int
	err = tx.QueryRow(ctx,
		"SELECT quantity, company_id, warehouse_id, product_id FROM warehouse_stocks WHERE id = $1 FOR UPDATE",
		stockRef,
	).Scan(&available, &rowCompany, &warehouseID, &productID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "warehouse_stock", Ref: fmt.Sprint(stockRef)}
		}
		return nil, asConflict("lock ledger row", err)
	}
	if rowCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("request %d targets another company's stock", requestID)}
	}

	if available < quantity {
		// Request stays PENDING; only the remark records the failure.
		tx.Rollback(ctx)
		failure := fmt.Sprintf("approval for %d units failed: only %d available", quantity, available)
		_, _ = s.pool.Exec(ctx, "UPDATE requests SET remarks = $1 WHERE id = $2", failure, requestID)
		return nil, &InsufficientStockError{WarehouseID: warehouseID, ProductID: productID,
			Requested: quantity, Available: available}
	}

	if err := s.stocks.DeductTx(ctx, tx, stockRef, quantity); err != nil {
		return nil, err
	}

	var r Request
	err = tx.QueryRow(ctx, `
		UPDATE requests SET status = 'APPROVED', decided_at = NOW()
		WHERE id = $1
		RETURNING id, shop_id, warehouse_stock_id, quantity, status, remarks, created_at, decided_at
	`, requestID).Scan(
		&r.ID, &r.ShopID, &r.WarehouseStockID, &r.Quantity, &r.Status, &r.Remarks, &r.CreatedAt, &r.DecidedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to approve request %d: %w", requestID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit request approval: %w", asConflict("approve request", err))
	}

	s.activity.Record(ctx, actor.UserID, "request.approve",
		fmt.Sprintf("request %d approved for %d units", requestID, quantity),
		SubjectRef{Kind: "request", ID: requestID})
	return &r, nil
}

func (s *requestService) RejectRequest(ctx context.Context, actor Actor, requestID int, remarks string) (*Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stockRef int
	var status string
	err = tx.QueryRow(ctx,
		"SELECT warehouse_stock_id, status FROM requests WHERE id = $1 FOR UPDATE",
		requestID,
	).Scan(&stockRef, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "request", Ref: fmt.Sprint(requestID)}
		}
		return nil, asConflict("lock request", err)
	}
	if status != StatusPending {
		return nil, &InvalidStateError{Entity: "request", ID: requestID, Status: status, Expected: StatusPending}
	}

	var rowCompany int
	err = tx.QueryRow(ctx,
		"SELECT company_id FROM warehouse_stocks WHERE id = $1",
		stockRef,
	).Scan(&rowCompany)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ledger row: %w", err)
	}
	if rowCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("request %d targets another company's stock", requestID)}
	}

	var r Request
	err = tx.QueryRow(ctx, `
		UPDATE requests SET status = 'REJECTED', remarks = $1, decided_at = NOW()
		WHERE id = $2
		RETURNING id, shop_id, warehouse_stock_id, quantity, status, remarks, created_at, decided_at
	`, remarks, requestID).Scan(
		&r.ID, &r.ShopID, &r.WarehouseStockID, &r.Quantity, &r.Status, &r.Remarks, &r.CreatedAt, &r.DecidedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reject request %d: %w", requestID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit request rejection: %w", err)
	}

	s.activity.Record(ctx, actor.UserID, "request.reject",
		fmt.Sprintf("request %d rejected", requestID),
		SubjectRef{Kind: "request", ID: requestID})
	return &r, nil
}
