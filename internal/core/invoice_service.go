package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// InvoiceService derives billable records from decided requests. At most
// one invoice exists per request; the unique index on
// (request_kind, request_id) is the guard and creation treats an insert
// conflict as DuplicateInvoiceError rather than pre-checking existence.
type InvoiceService interface {
	// CreateInvoice bills an approved (or partially approved) request.
	// Amount is quantity_approved × product price at creation time, summed
	// over the items for the aggregate variant. The aggregate request
	// advances to INVOICED in the same transaction. The invoice starts
	// UNPAID.
	CreateInvoice(ctx context.Context, actor Actor, requestKind string, requestID int) (*Invoice, error)
	// MarkPaid flips an UNPAID invoice to PAID. Only the invoiced shop may
	// pay; there is no stock mutation (stock moved at approval time).
	MarkPaid(ctx context.Context, actor Actor, invoiceID int) (*Invoice, error)

	// Invoice fetches one invoice. Readable only by the warehouse company's
	// staff or the invoiced shop.
	Invoice(ctx context.Context, actor Actor, invoiceID int) (*Invoice, error)
	ShopInvoices(ctx context.Context, shopID int) ([]Invoice, error)
	CompanyInvoices(ctx context.Context, companyID int, status *string) ([]Invoice, error)
}

type invoiceService struct {
	pool     *pgxpool.Pool
	activity ActivitySink
}

func NewInvoiceService(pool *pgxpool.Pool, activity ActivitySink) InvoiceService {
	if activity == nil {
		activity = NopSink{}
	}
	return &invoiceService{pool: pool, activity: activity}
}

const invoiceColumns = "id, request_kind, request_id, warehouse_id, shop_id, amount, status, created_at, paid_at"

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.RequestKind, &inv.RequestID, &inv.WarehouseID,
		&inv.ShopID, &inv.Amount, &inv.Status, &inv.CreatedAt, &inv.PaidAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *invoiceService) CreateInvoice(ctx context.Context, actor Actor, requestKind string, requestID int) (*Invoice, error) {
	if requestKind != KindStockRequest && requestKind != KindRequest {
		return nil, fmt.Errorf("unknown request kind %q", requestKind)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var warehouseID, shopID int
	var amount decimal.Decimal

	if requestKind == KindStockRequest {
		var companyID int
		var status string
		err = tx.QueryRow(ctx,
			"SELECT warehouse_id, shop_id, company_id, status FROM stock_requests WHERE id = $1 FOR UPDATE",
			requestID,
		).Scan(&warehouseID, &shopID, &companyID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &NotFoundError{Entity: "stock_request", Ref: fmt.Sprint(requestID)}
			}
			return nil, asConflict("lock stock request", err)
		}
		if companyID != actor.CompanyID {
			return nil, &ForbiddenError{Reason: fmt.Sprintf("stock request %d targets another company's warehouse", requestID)}
		}
		if status != StatusApproved && status != StatusPartiallyApproved {
			return nil, &InvalidStateError{Entity: "stock_request", ID: requestID,
				Status: status, Expected: "APPROVED or PARTIALLY_APPROVED"}
		}

		// Price is captured at invoice time: later product price edits do
		// not change already created invoices.
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(i.quantity_approved * p.price), 0)
			FROM stock_request_items i
			JOIN products p ON p.id = i.product_id
			WHERE i.request_id = $1
		`, requestID).Scan(&amount)
		if err != nil {
			return nil, fmt.Errorf("failed to compute invoice amount: %w", err)
		}
	} else {
		var status string
		var quantity, companyID int
		var price decimal.Decimal
		err = tx.QueryRow(ctx, `
			SELECT r.status, r.quantity, r.shop_id, ws.warehouse_id, ws.company_id, p.price
			FROM requests r
			JOIN warehouse_stocks ws ON ws.id = r.warehouse_stock_id
			JOIN products p ON p.id = ws.product_id
			WHERE r.id = $1
			FOR UPDATE OF r
		`, requestID).Scan(&status, &quantity, &shopID, &warehouseID, &companyID, &price)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, &NotFoundError{Entity: "request", Ref: fmt.Sprint(requestID)}
			}
			return nil, asConflict("lock request", err)
		}
		if companyID != actor.CompanyID {
			return nil, &ForbiddenError{Reason: fmt.Sprintf("request %d targets another company's stock", requestID)}
		}
		if status != StatusApproved {
			return nil, &InvalidStateError{Entity: "request", ID: requestID,
				Status: status, Expected: StatusApproved}
		}
		amount = price.Mul(decimal.NewFromInt(int64(quantity)))
	}

	inv, err := scanInvoice(tx.QueryRow(ctx, `
		INSERT INTO invoices (request_kind, request_id, warehouse_id, shop_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, 'UNPAID')
		ON CONFLICT (request_kind, request_id) DO NOTHING
		RETURNING `+invoiceColumns,
		requestKind, requestID, warehouseID, shopID, amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The unique index already holds an invoice for this request.
			var existingID int
			if qerr := s.pool.QueryRow(ctx,
				"SELECT id FROM invoices WHERE request_kind = $1 AND request_id = $2",
				requestKind, requestID,
			).Scan(&existingID); qerr != nil {
				return nil, fmt.Errorf("failed to resolve existing invoice: %w", qerr)
			}
			return nil, &DuplicateInvoiceError{RequestKind: requestKind, RequestID: requestID, InvoiceID: existingID}
		}
		return nil, fmt.Errorf("failed to insert invoice: %w", err)
	}

	if requestKind == KindStockRequest {
		_, err = tx.Exec(ctx,
			"UPDATE stock_requests SET status = 'INVOICED' WHERE id = $1",
			requestID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to mark stock request %d invoiced: %w", requestID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit invoice creation: %w", asConflict("create invoice", err))
	}

	s.activity.Record(ctx, actor.UserID, "invoice.create",
		fmt.Sprintf("invoice %d created for %s %d, amount %s", inv.ID, requestKind, requestID, inv.Amount.StringFixed(2)),
		SubjectRef{Kind: "invoice", ID: inv.ID})
	return inv, nil
}

func (s *invoiceService) MarkPaid(ctx context.Context, actor Actor, invoiceID int) (*Invoice, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var shopID int
	var status string
	err = tx.QueryRow(ctx,
		"SELECT shop_id, status FROM invoices WHERE id = $1 FOR UPDATE",
		invoiceID,
	).Scan(&shopID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "invoice", Ref: fmt.Sprint(invoiceID)}
		}
		return nil, asConflict("lock invoice", err)
	}
	if shopID != actor.ShopID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("invoice %d belongs to another shop", invoiceID)}
	}
	if status != InvoiceUnpaid {
		return nil, &InvalidStateError{Entity: "invoice", ID: invoiceID, Status: status, Expected: InvoiceUnpaid}
	}

	inv, err := scanInvoice(tx.QueryRow(ctx, `
		UPDATE invoices SET status = 'PAID', paid_at = NOW()
		WHERE id = $1
		RETURNING `+invoiceColumns, invoiceID))
	if err != nil {
		return nil, fmt.Errorf("failed to mark invoice %d paid: %w", invoiceID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit payment: %w", err)
	}

	s.activity.Record(ctx, actor.UserID, "invoice.pay",
		fmt.Sprintf("invoice %d paid by shop %d", invoiceID, shopID),
		SubjectRef{Kind: "invoice", ID: invoiceID})
	return inv, nil
}

func (s *invoiceService) Invoice(ctx context.Context, actor Actor, invoiceID int) (*Invoice, error) {
	var inv Invoice
	var companyID int
	err := readRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT i.id, i.request_kind, i.request_id, i.warehouse_id, i.shop_id,
			       i.amount, i.status, i.created_at, i.paid_at, w.company_id
			FROM invoices i
			JOIN warehouses w ON w.id = i.warehouse_id
			WHERE i.id = $1
		`, invoiceID).Scan(&inv.ID, &inv.RequestKind, &inv.RequestID, &inv.WarehouseID,
			&inv.ShopID, &inv.Amount, &inv.Status, &inv.CreatedAt, &inv.PaidAt, &companyID)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "invoice", Ref: fmt.Sprint(invoiceID)}
		}
		return nil, fmt.Errorf("failed to fetch invoice %d: %w", invoiceID, err)
	}
	if companyID != actor.CompanyID && inv.ShopID != actor.ShopID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("invoice %d belongs to another tenant", invoiceID)}
	}
	return &inv, nil
}

func (s *invoiceService) ShopInvoices(ctx context.Context, shopID int) ([]Invoice, error) {
	return s.queryInvoices(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE shop_id = $1 ORDER BY id DESC", shopID)
}

func (s *invoiceService) CompanyInvoices(ctx context.Context, companyID int, status *string) ([]Invoice, error) {
	query := `
		SELECT i.id, i.request_kind, i.request_id, i.warehouse_id, i.shop_id,
		       i.amount, i.status, i.created_at, i.paid_at
		FROM invoices i
		JOIN warehouses w ON w.id = i.warehouse_id
		WHERE w.company_id = $1
	`
	args := []any{companyID}
	if status != nil {
		query += " AND i.status = $2"
		args = append(args, *status)
	}
	query += " ORDER BY i.id DESC"
	return s.queryInvoices(ctx, query, args...)
}

func (s *invoiceService) queryInvoices(ctx context.Context, query string, args ...any) ([]Invoice, error) {
	var invoices []Invoice
	err := readRetry(ctx, func(ctx context.Context) error {
		invoices = nil
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var inv Invoice
			if err := rows.Scan(&inv.ID, &inv.RequestKind, &inv.RequestID, &inv.WarehouseID,
				&inv.ShopID, &inv.Amount, &inv.Status, &inv.CreatedAt, &inv.PaidAt); err != nil {
				return err
			}
			invoices = append(invoices, inv)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	return invoices, nil
}
