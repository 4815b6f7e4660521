package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"inventory-engine/internal/core"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Remaining *int   `json:"remaining,omitempty"`
	Available *int   `json:"available,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	})
}

// writeCoreError maps the engine's error taxonomy onto HTTP. Capacity and
// stock errors carry the remaining/available figure so clients can retry
// with a smaller quantity.
func writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error(), RequestID: requestIDFromContext(r.Context())}
	status := http.StatusInternalServerError
	resp.Code = "INTERNAL_ERROR"

	var capErr *core.CapacityExceededError
	var stockErr *core.InsufficientStockError
	var stateErr *core.InvalidStateError
	var dupInv *core.DuplicateInvoiceError
	var dupShip *core.DuplicateShipmentError
	var forbidden *core.ForbiddenError
	var notFound *core.NotFoundError
	var conflict *core.ConflictError

	switch {
	case errors.As(err, &capErr):
		status, resp.Code = http.StatusUnprocessableEntity, "CAPACITY_EXCEEDED"
		resp.Remaining = &capErr.Remaining
	case errors.As(err, &stockErr):
		status, resp.Code = http.StatusUnprocessableEntity, "INSUFFICIENT_STOCK"
		resp.Available = &stockErr.Available
	case errors.As(err, &stateErr):
		status, resp.Code = http.StatusConflict, "INVALID_STATE"
	case errors.As(err, &dupInv):
		status, resp.Code = http.StatusConflict, "DUPLICATE_INVOICE"
	case errors.As(err, &dupShip):
		status, resp.Code = http.StatusConflict, "DUPLICATE_SHIPMENT"
	case errors.As(err, &forbidden):
		status, resp.Code = http.StatusForbidden, "FORBIDDEN"
	case errors.As(err, &notFound):
		status, resp.Code = http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &conflict):
		status, resp.Code = http.StatusConflict, "CONFLICT"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
