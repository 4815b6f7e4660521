package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ShipmentService produces exactly one logistics record per paid invoice
// and walks it through PENDING → SHIPPED → DELIVERED.
type ShipmentService interface {
	// CreateShipment derives a shipment from a paid invoice. Quantity is
	// copied from the originating request's approved total. An invoice
	// whose shop no longer resolves is a hard failure, never substituted.
	CreateShipment(ctx context.Context, actor Actor, invoiceID int) (*Shipment, error)
	MarkShipped(ctx context.Context, actor Actor, shipmentID int) (*Shipment, error)
	// MarkDelivered completes the shipment and, for the aggregate request
	// flow, advances a DISPATCHED stock request to FULFILLED.
	MarkDelivered(ctx context.Context, actor Actor, shipmentID int) (*Shipment, error)

	// Shipment fetches one shipment. Readable only by the warehouse
	// company's staff or the receiving shop.
	Shipment(ctx context.Context, actor Actor, shipmentID int) (*Shipment, error)
	WarehouseShipments(ctx context.Context, actor Actor, warehouseID int) ([]Shipment, error)
}

type shipmentService struct {
	pool     *pgxpool.Pool
	activity ActivitySink
}

func NewShipmentService(pool *pgxpool.Pool, activity ActivitySink) ShipmentService {
	if activity == nil {
		activity = NopSink{}
	}
	return &shipmentService{pool: pool, activity: activity}
}

const shipmentColumns = "id, invoice_id, warehouse_id, shop_id, quantity, status, created_at, shipped_at, delivered_at"

func scanShipment(row pgx.Row) (*Shipment, error) {
	var sh Shipment
	err := row.Scan(&sh.ID, &sh.InvoiceID, &sh.WarehouseID, &sh.ShopID, &sh.Quantity,
		&sh.Status, &sh.CreatedAt, &sh.ShippedAt, &sh.DeliveredAt)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func (s *shipmentService) CreateShipment(ctx context.Context, actor Actor, invoiceID int) (*Shipment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var requestKind, status string
	var requestID, warehouseID, shopID, warehouseCompany int
	err = tx.QueryRow(ctx, `
		SELECT i.request_kind, i.request_id, i.warehouse_id, i.shop_id, i.status, w.company_id
		FROM invoices i
		JOIN warehouses w ON w.id = i.warehouse_id
		WHERE i.id = $1
		FOR UPDATE OF i
	`, invoiceID).Scan(&requestKind, &requestID, &warehouseID, &shopID, &status, &warehouseCompany)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "invoice", Ref: fmt.Sprint(invoiceID)}
		}
		return nil, asConflict("lock invoice", err)
	}
	if warehouseCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("invoice %d belongs to another company's warehouse", invoiceID)}
	}
	if status != InvoicePaid {
		return nil, &InvalidStateError{Entity: "invoice", ID: invoiceID, Status: status, Expected: InvoicePaid}
	}

	// The invoice's shop reference must still resolve. An orphaned shop is
	// rejected outright rather than remapped to any default.
	var shopExists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM shops WHERE id = $1)", shopID,
	).Scan(&shopExists); err != nil {
		return nil, fmt.Errorf("failed to verify shop: %w", err)
	}
	if !shopExists {
		return nil, &NotFoundError{Entity: "shop", Ref: fmt.Sprint(shopID)}
	}

	var quantity int
	if requestKind == KindStockRequest {
		err = tx.QueryRow(ctx,
			"SELECT COALESCE(SUM(quantity_approved), 0) FROM stock_request_items WHERE request_id = $1",
			requestID,
		).Scan(&quantity)
	} else {
		err = tx.QueryRow(ctx,
			"SELECT quantity FROM requests WHERE id = $1",
			requestID,
		).Scan(&quantity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shipped quantity for %s %d: %w", requestKind, requestID, err)
	}
	if quantity <= 0 {
		return nil, &InvalidStateError{Entity: requestKind, ID: requestID,
			Status: "no approved units", Expected: "a positive approved quantity"}
	}

	sh, err := scanShipment(tx.QueryRow(ctx, `
		INSERT INTO shipments (invoice_id, warehouse_id, shop_id, quantity, status)
		VALUES ($1, $2, $3, $4, 'PENDING')
		ON CONFLICT (invoice_id) DO NOTHING
		RETURNING `+shipmentColumns,
		invoiceID, warehouseID, shopID, quantity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var existingID int
			if qerr := s.pool.QueryRow(ctx,
				"SELECT id FROM shipments WHERE invoice_id = $1", invoiceID,
			).Scan(&existingID); qerr != nil {
				return nil, fmt.Errorf("failed to resolve existing shipment: %w", qerr)
			}
			return nil, &DuplicateShipmentError{InvoiceID: invoiceID, ShipmentID: existingID}
		}
		return nil, fmt.Errorf("failed to insert shipment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit shipment creation: %w", asConflict("create shipment", err))
	}

	s.activity.Record(ctx, actor.UserID, "shipment.create",
		fmt.Sprintf("shipment %d created for invoice %d (%d units)", sh.ID, invoiceID, quantity),
		SubjectRef{Kind: "shipment", ID: sh.ID})
	return sh, nil
}

func (s *shipmentService) MarkShipped(ctx context.Context, actor Actor, shipmentID int) (*Shipment, error) {
	sh, err := s.advance(ctx, actor, shipmentID, ShipmentPending, ShipmentShipped,
		"UPDATE shipments SET status = 'SHIPPED', shipped_at = NOW() WHERE id = $1 RETURNING "+shipmentColumns)
	if err != nil {
		return nil, err
	}
	s.activity.Record(ctx, actor.UserID, "shipment.ship",
		fmt.Sprintf("shipment %d marked shipped", shipmentID),
		SubjectRef{Kind: "shipment", ID: shipmentID})
	return sh, nil
}

func (s *shipmentService) MarkDelivered(ctx context.Context, actor Actor, shipmentID int) (*Shipment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	warehouseCompany, status, invoiceID, err := lockShipment(ctx, tx, shipmentID)
	if err != nil {
		return nil, err
	}
	if warehouseCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("shipment %d belongs to another company's warehouse", shipmentID)}
	}
	if status != ShipmentShipped {
		return nil, &InvalidStateError{Entity: "shipment", ID: shipmentID, Status: status, Expected: ShipmentShipped}
	}

	sh, err := scanShipment(tx.QueryRow(ctx,
		"UPDATE shipments SET status = 'DELIVERED', delivered_at = NOW() WHERE id = $1 RETURNING "+shipmentColumns,
		shipmentID))
	if err != nil {
		return nil, fmt.Errorf("failed to mark shipment %d delivered: %w", shipmentID, err)
	}

	// Close the fulfillment chain: a dispatched aggregate request whose
	// shipment arrived is fulfilled.
	_, err = tx.Exec(ctx, `
		UPDATE stock_requests sr
		SET status = 'FULFILLED', fulfilled_at = NOW()
		FROM invoices i
		WHERE i.id = $1
		  AND i.request_kind = 'STOCK_REQUEST'
		  AND sr.id = i.request_id
		  AND sr.status = 'DISPATCHED'
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to fulfill originating request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit delivery: %w", err)
	}

	s.activity.Record(ctx, actor.UserID, "shipment.deliver",
		fmt.Sprintf("shipment %d delivered", shipmentID),
		SubjectRef{Kind: "shipment", ID: shipmentID})
	return sh, nil
}

// advance performs a locked single-step status transition.
func (s *shipmentService) advance(ctx context.Context, actor Actor, shipmentID int, from, to, updateSQL string) (*Shipment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	warehouseCompany, status, _, err := lockShipment(ctx, tx, shipmentID)
	if err != nil {
		return nil, err
	}
	if warehouseCompany != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("shipment %d belongs to another company's warehouse", shipmentID)}
	}
	if status != from {
		return nil, &InvalidStateError{Entity: "shipment", ID: shipmentID, Status: status, Expected: from}
	}

	sh, err := scanShipment(tx.QueryRow(ctx, updateSQL, shipmentID))
	if err != nil {
		return nil, fmt.Errorf("failed to advance shipment %d to %s: %w", shipmentID, to, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit shipment transition: %w", err)
	}
	return sh, nil
}

func lockShipment(ctx context.Context, tx pgx.Tx, shipmentID int) (warehouseCompany int, status string, invoiceID int, err error) {
	err = tx.QueryRow(ctx, `
		SELECT w.company_id, s.status, s.invoice_id
		FROM shipments s
		JOIN warehouses w ON w.id = s.warehouse_id
		WHERE s.id = $1
		FOR UPDATE OF s
	`, shipmentID).Scan(&warehouseCompany, &status, &invoiceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = &NotFoundError{Entity: "shipment", Ref: fmt.Sprint(shipmentID)}
			return
		}
		err = asConflict("lock shipment", err)
	}
	return
}

func (s *shipmentService) Shipment(ctx context.Context, actor Actor, shipmentID int) (*Shipment, error) {
	var sh Shipment
	var companyID int
	err := readRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT s.id, s.invoice_id, s.warehouse_id, s.shop_id, s.quantity,
			       s.status, s.created_at, s.shipped_at, s.delivered_at, w.company_id
			FROM shipments s
			JOIN warehouses w ON w.id = s.warehouse_id
			WHERE s.id = $1
		`, shipmentID).Scan(&sh.ID, &sh.InvoiceID, &sh.WarehouseID, &sh.ShopID, &sh.Quantity,
			&sh.Status, &sh.CreatedAt, &sh.ShippedAt, &sh.DeliveredAt, &companyID)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "shipment", Ref: fmt.Sprint(shipmentID)}
		}
		return nil, fmt.Errorf("failed to fetch shipment %d: %w", shipmentID, err)
	}
	if companyID != actor.CompanyID && sh.ShopID != actor.ShopID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("shipment %d belongs to another tenant", shipmentID)}
	}
	return &sh, nil
}

func (s *shipmentService) WarehouseShipments(ctx context.Context, actor Actor, warehouseID int) ([]Shipment, error) {
	var companyID int
	err := readRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			"SELECT company_id FROM warehouses WHERE id = $1", warehouseID,
		).Scan(&companyID)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Entity: "warehouse", Ref: fmt.Sprint(warehouseID)}
		}
		return nil, fmt.Errorf("failed to resolve warehouse: %w", err)
	}
	if companyID != actor.CompanyID {
		return nil, &ForbiddenError{Reason: fmt.Sprintf("warehouse %d belongs to another company", warehouseID)}
	}

	var shipments []Shipment
	err = readRetry(ctx, func(ctx context.Context) error {
		shipments = nil
		rows, err := s.pool.Query(ctx,
			"SELECT "+shipmentColumns+" FROM shipments WHERE warehouse_id = $1 ORDER BY id DESC",
			warehouseID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var sh Shipment
			if err := rows.Scan(&sh.ID, &sh.InvoiceID, &sh.WarehouseID, &sh.ShopID, &sh.Quantity,
				&sh.Status, &sh.CreatedAt, &sh.ShippedAt, &sh.DeliveredAt); err != nil {
				return err
			}
			shipments = append(shipments, sh)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query shipments: %w", err)
	}
	return shipments, nil
}
