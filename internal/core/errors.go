package core

import "fmt"

// The error taxonomy below covers every expected outcome of the engine.
// Each type carries enough data for the caller to act on — a capacity error
// tells the caller how many units are still available so it can retry with
// a smaller quantity, a state error names the status that was required.
// Callers branch with errors.As.

// CapacityExceededError reports a write that would breach the product-total
// or warehouse-capacity invariant. Scope is "product" or "warehouse".
type CapacityExceededError struct {
	Scope       string
	ProductID   int
	WarehouseID int
	Requested   int
	Remaining   int
}

func (e *CapacityExceededError) Error() string {
	if e.Scope == "warehouse" {
		return fmt.Sprintf("warehouse %d capacity exceeded: requested %d, remaining %d",
			e.WarehouseID, e.Requested, e.Remaining)
	}
	return fmt.Sprintf("product %d total stock exceeded: requested %d, remaining %d",
		e.ProductID, e.Requested, e.Remaining)
}

// InsufficientStockError reports a ledger row that cannot cover a deduction.
type InsufficientStockError struct {
	WarehouseID int
	ProductID   int
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d in warehouse %d: requested %d, available %d",
		e.ProductID, e.WarehouseID, e.Requested, e.Available)
}

// InvalidStateError reports an operation attempted on a record that is not
// in the required predecessor state.
type InvalidStateError struct {
	Entity   string
	ID       int
	Status   string
	Expected string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %d is %s (must be %s)", e.Entity, e.ID, e.Status, e.Expected)
}

// DuplicateInvoiceError reports that the request already has an invoice.
type DuplicateInvoiceError struct {
	RequestKind string
	RequestID   int
	InvoiceID   int
}

func (e *DuplicateInvoiceError) Error() string {
	return fmt.Sprintf("invoice %d already exists for %s %d", e.InvoiceID, e.RequestKind, e.RequestID)
}

// DuplicateShipmentError reports that the invoice already has a shipment.
type DuplicateShipmentError struct {
	InvoiceID  int
	ShipmentID int
}

func (e *DuplicateShipmentError) Error() string {
	return fmt.Sprintf("shipment %d already exists for invoice %d", e.ShipmentID, e.InvoiceID)
}

// ForbiddenError reports a tenant or ownership mismatch.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

// NotFoundError reports a missing record. Ref is a human-readable
// identifier (numeric id, SKU, reference uuid).
type NotFoundError struct {
	Entity string
	Ref    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Ref)
}

// ConflictError reports a storage-level lock wait or serialization failure.
// The unit of work rolled back; the caller may retry the whole operation.
type ConflictError struct {
	Op string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s aborted by a concurrent operation, retry", e.Op)
}
