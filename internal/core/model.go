package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Actor identifies the authenticated principal on whose behalf a core
// operation runs. It is supplied explicitly by the caller; the core never
// reaches into ambient session state. CompanyID is set for warehouse-side
// staff, ShopID for shop-side users; either may be zero when the role does
// not carry it.
type Actor struct {
	UserID    int
	CompanyID int
	ShopID    int
}

// Item and aggregate request statuses.
const (
	StatusPending           = "PENDING"
	StatusApproved          = "APPROVED"
	StatusPartiallyApproved = "PARTIALLY_APPROVED"
	StatusRejected          = "REJECTED"
	StatusInvoiced          = "INVOICED"
	StatusDispatched        = "DISPATCHED"
	StatusFulfilled         = "FULFILLED"
)

// Invoice statuses.
const (
	InvoiceUnpaid = "UNPAID"
	InvoicePaid   = "PAID"
)

// Shipment statuses.
const (
	ShipmentPending   = "PENDING"
	ShipmentShipped   = "SHIPPED"
	ShipmentDelivered = "DELIVERED"
)

// Invoice request_kind discriminator: which request variant an invoice bills.
const (
	KindStockRequest = "STOCK_REQUEST"
	KindRequest      = "REQUEST"
)

// Company is the owning tenant for products and warehouses.
type Company struct {
	ID        int       `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Shop is a stock-requesting outlet.
type Shop struct {
	ID        int       `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is a company-owned catalog item. Stock is the total number of
// units the company claims to own; it is the ceiling for the product's
// allocations across every warehouse.
type Product struct {
	ID        int             `json:"id"`
	CompanyID int             `json:"company_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

// Warehouse is a company-owned storage location. Capacity is nil when the
// warehouse is unbounded; otherwise the sum of allocated quantities in the
// warehouse may not exceed it.
type Warehouse struct {
	ID        int       `json:"id"`
	CompanyID int       `json:"company_id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Capacity  *int      `json:"capacity,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// WarehouseStock is the allocation ledger row, unique per
// (warehouse, product). Quantity never goes negative.
type WarehouseStock struct {
	ID            int       `json:"id"`
	WarehouseID   int       `json:"warehouse_id"`
	ProductID     int       `json:"product_id"`
	CompanyID     int       `json:"company_id"`
	Quantity      int       `json:"quantity"`
	VisibleToShop bool      `json:"visible_to_shop"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StockLevel is a read view of a ledger row joined with product and
// warehouse info, for staff dashboards.
type StockLevel struct {
	WarehouseID   int    `json:"warehouse_id"`
	WarehouseName string `json:"warehouse_name"`
	ProductID     int    `json:"product_id"`
	ProductSKU    string `json:"product_sku"`
	ProductName   string `json:"product_name"`
	Quantity      int    `json:"quantity"`
	VisibleToShop bool   `json:"visible_to_shop"`
}

// StockRequest is a shop's multi-item request against one warehouse.
// Status progresses through the state machine:
//
//	PENDING → APPROVED | PARTIALLY_APPROVED | REJECTED
//	        → INVOICED → DISPATCHED → FULFILLED
//
// The decided status is a pure function of the item statuses, see
// DeriveRequestStatus.
type StockRequest struct {
	ID           int                `json:"id"`
	Reference    string             `json:"reference"`
	ShopID       int                `json:"shop_id"`
	ShopName     string             `json:"shop_name"` // joined from shops
	WarehouseID  int                `json:"warehouse_id"`
	CompanyID    int                `json:"company_id"`
	Status       string             `json:"status"`
	Remarks      string             `json:"remarks"`
	Items        []StockRequestItem `json:"items"`
	CreatedAt    time.Time          `json:"created_at"`
	DecidedAt    *time.Time         `json:"decided_at,omitempty"`
	DispatchedAt *time.Time         `json:"dispatched_at,omitempty"`
	FulfilledAt  *time.Time         `json:"fulfilled_at,omitempty"`
}

// StockRequestItem is one product line of a StockRequest, individually
// approvable. QuantityApproved stays 0 until decided.
type StockRequestItem struct {
	ID                int    `json:"id"`
	RequestID         int    `json:"request_id"`
	ProductID         int    `json:"product_id"`
	ProductSKU        string `json:"product_sku"`  // joined from products
	ProductName       string `json:"product_name"` // joined from products
	QuantityRequested int    `json:"quantity_requested"`
	QuantityApproved  int    `json:"quantity_approved"`
	Status            string `json:"status"`
	Remarks           string `json:"remarks"`
}

// Request is the simple single-stock variant: a shop asks for units of one
// specific ledger row. Approve/reject follow the same semantics as the
// aggregate flow but against that row directly.
type Request struct {
	ID               int        `json:"id"`
	ShopID           int        `json:"shop_id"`
	WarehouseStockID int        `json:"warehouse_stock_id"`
	Quantity         int        `json:"quantity"`
	Status           string     `json:"status"`
	Remarks          string     `json:"remarks"`
	CreatedAt        time.Time  `json:"created_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
}

// Invoice bills exactly one request. Immutable after creation except for
// the UNPAID → PAID flip.
type Invoice struct {
	ID          int             `json:"id"`
	RequestKind string          `json:"request_kind"`
	RequestID   int             `json:"request_id"`
	WarehouseID int             `json:"warehouse_id"`
	ShopID      int             `json:"shop_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
}

// Shipment is the logistics record derived from a paid invoice, at most
// one per invoice.
type Shipment struct {
	ID          int        `json:"id"`
	InvoiceID   int        `json:"invoice_id"`
	WarehouseID int        `json:"warehouse_id"`
	ShopID      int        `json:"shop_id"`
	Quantity    int        `json:"quantity"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// RequestLineInput is one product line when creating a stock request.
type RequestLineInput struct {
	ProductID int
	Quantity  int
}
