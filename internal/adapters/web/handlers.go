package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"inventory-engine/internal/core"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the allocation engine as a JSON API. Authentication is
// out of scope: the surrounding gateway authenticates the principal and
// forwards its identity in X-Actor-Id / X-Actor-Company / X-Actor-Shop.
type Handler struct {
	stocks    core.StockService
	requests  core.RequestService
	invoices  core.InvoiceService
	shipments core.ShipmentService
}

// NewHandler wires the chi router over the core services.
func NewHandler(stocks core.StockService, requests core.RequestService,
	invoices core.InvoiceService, shipments core.ShipmentService, allowedOrigins string) http.Handler {

	h := &Handler{stocks: stocks, requests: requests, invoices: invoices, shipments: shipments}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recoverer)
	r.Use(CORS(allowedOrigins))

	r.Get("/api/health", h.health)

	r.Route("/api/stocks", func(r chi.Router) {
		r.Get("/", h.stockLevels)
		r.Post("/allocate", h.allocate)
		r.Post("/deallocate", h.deallocate)
		r.Put("/quantity", h.setQuantity)
		r.Put("/visibility", h.setVisibility)
	})
	r.Get("/api/products/{id}/remaining", h.remainingProduct)
	r.Get("/api/warehouses/{id}/remaining", h.remainingWarehouse)

	r.Route("/api/stock-requests", func(r chi.Router) {
		r.Post("/", h.createStockRequest)
		r.Get("/", h.listStockRequests)
		r.Get("/{id}", h.getStockRequest)
		r.Post("/{id}/dispatch", h.dispatchStockRequest)
	})
	r.Post("/api/stock-request-items/{id}/approve", h.approveItem)
	r.Post("/api/stock-request-items/{id}/reject", h.rejectItem)

	r.Route("/api/requests", func(r chi.Router) {
		r.Post("/", h.createRequest)
		r.Get("/{id}", h.getRequest)
		r.Post("/{id}/approve", h.approveRequest)
		r.Post("/{id}/reject", h.rejectRequest)
	})

	r.Route("/api/invoices", func(r chi.Router) {
		r.Post("/", h.createInvoice)
		r.Get("/", h.listInvoices)
		r.Get("/{id}", h.getInvoice)
		r.Post("/{id}/pay", h.payInvoice)
	})
	r.Get("/api/warehouses/{id}/shipments", h.warehouseShipments)

	r.Route("/api/shipments", func(r chi.Router) {
		r.Post("/", h.createShipment)
		r.Get("/{id}", h.getShipment)
		r.Post("/{id}/ship", h.markShipped)
		r.Post("/{id}/deliver", h.markDelivered)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// actorFrom builds the acting principal from the gateway headers.
func actorFrom(r *http.Request) core.Actor {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return core.Actor{
		UserID:    atoi(r.Header.Get("X-Actor-Id")),
		CompanyID: atoi(r.Header.Get("X-Actor-Company")),
		ShopID:    atoi(r.Header.Get("X-Actor-Shop")),
	}
}

func pathID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	return id, err == nil && id > 0
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, "invalid request body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}

// ── Stock ledger ─────────────────────────────────────────────────────────────

func (h *Handler) stockLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := h.stocks.StockLevels(r.Context(), actorFrom(r).CompanyID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, levels)
}

type stockMutation struct {
	WarehouseID int  `json:"warehouse_id"`
	ProductID   int  `json:"product_id"`
	Quantity    int  `json:"quantity"`
	Visible     bool `json:"visible"`
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req stockMutation
	if !decode(w, r, &req) {
		return
	}
	ws, err := h.stocks.Allocate(r.Context(), actorFrom(r), req.WarehouseID, req.ProductID, req.Quantity)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, ws)
}

func (h *Handler) deallocate(w http.ResponseWriter, r *http.Request) {
	var req stockMutation
	if !decode(w, r, &req) {
		return
	}
	ws, err := h.stocks.Deallocate(r.Context(), actorFrom(r), req.WarehouseID, req.ProductID, req.Quantity)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, ws)
}

func (h *Handler) setQuantity(w http.ResponseWriter, r *http.Request) {
	var req stockMutation
	if !decode(w, r, &req) {
		return
	}
	ws, err := h.stocks.SetQuantity(r.Context(), actorFrom(r), req.WarehouseID, req.ProductID, req.Quantity)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, ws)
}

func (h *Handler) setVisibility(w http.ResponseWriter, r *http.Request) {
	var req stockMutation
	if !decode(w, r, &req) {
		return
	}
	if err := h.stocks.SetVisibility(r.Context(), actorFrom(r), req.WarehouseID, req.ProductID, req.Visible); err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) remainingProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid product id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	remaining, err := h.stocks.RemainingProductCapacity(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, map[string]int{"remaining": remaining})
}

func (h *Handler) remainingWarehouse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid warehouse id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	remaining, err := h.stocks.RemainingWarehouseCapacity(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, map[string]*int{"remaining": remaining}) // null = unbounded
}

// ── Stock requests ───────────────────────────────────────────────────────────

func (h *Handler) createStockRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WarehouseID int    `json:"warehouse_id"`
		Notes       string `json:"notes"`
		Lines       []struct {
			ProductID int `json:"product_id"`
			Quantity  int `json:"quantity"`
		} `json:"lines"`
	}
	if !decode(w, r, &req) {
		return
	}
	lines := make([]core.RequestLineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, core.RequestLineInput{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	sr, err := h.requests.CreateStockRequest(r.Context(), actorFrom(r), req.WarehouseID, lines, req.Notes)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, sr)
}

func (h *Handler) listStockRequests(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.ShopID != 0 {
		list, err := h.requests.ShopStockRequests(r.Context(), actor.ShopID)
		if err != nil {
			writeCoreError(w, r, err)
			return
		}
		writeJSON(w, list)
		return
	}
	var status *string
	if s := r.URL.Query().Get("status"); s != "" {
		status = &s
	}
	list, err := h.requests.StockRequests(r.Context(), actor.CompanyID, status)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, list)
}

func (h *Handler) getStockRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid request id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	sr, err := h.requests.StockRequest(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, sr)
}

func (h *Handler) approveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid item id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	item, err := h.requests.ApproveItem(r.Context(), actorFrom(r), id, req.Quantity)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, item)
}

func (h *Handler) rejectItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid item id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var req struct {
		Remarks string `json:"remarks"`
	}
	if !decode(w, r, &req) {
		return
	}
	item, err := h.requests.RejectItem(r.Context(), actorFrom(r), id, req.Remarks)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, item)
}

func (h *Handler) dispatchStockRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid request id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	sr, err := h.requests.DispatchStockRequest(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, sr)
}

// ── Simple requests ──────────────────────────────────────────────────────────

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WarehouseStockID int `json:"warehouse_stock_id"`
		Quantity         int `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	created, err := h.requests.CreateRequest(r.Context(), actorFrom(r), req.WarehouseStockID, req.Quantity)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, created)
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid request id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	req, err := h.requests.Request(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, req)
}

func (h *Handler) approveRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid request id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	req, err := h.requests.ApproveRequest(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, req)
}

func (h *Handler) rejectRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid request id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	var body struct {
		Remarks string `json:"remarks"`
	}
	if !decode(w, r, &body) {
		return
	}
	req, err := h.requests.RejectRequest(r.Context(), actorFrom(r), id, body.Remarks)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, req)
}

// ── Invoices & shipments ─────────────────────────────────────────────────────

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestKind string `json:"request_kind"`
		RequestID   int    `json:"request_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	inv, err := h.invoices.CreateInvoice(r.Context(), actorFrom(r), req.RequestKind, req.RequestID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, inv)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.ShopID != 0 {
		list, err := h.invoices.ShopInvoices(r.Context(), actor.ShopID)
		if err != nil {
			writeCoreError(w, r, err)
			return
		}
		writeJSON(w, list)
		return
	}
	var status *string
	if s := r.URL.Query().Get("status"); s != "" {
		status = &s
	}
	list, err := h.invoices.CompanyInvoices(r.Context(), actor.CompanyID, status)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, list)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid invoice id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	inv, err := h.invoices.Invoice(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, inv)
}

func (h *Handler) payInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid invoice id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	inv, err := h.invoices.MarkPaid(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, inv)
}

func (h *Handler) createShipment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InvoiceID int `json:"invoice_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	sh, err := h.shipments.CreateShipment(r.Context(), actorFrom(r), req.InvoiceID)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, sh)
}

func (h *Handler) getShipment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid shipment id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	sh, err := h.shipments.Shipment(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, sh)
}

func (h *Handler) warehouseShipments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid warehouse id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	list, err := h.shipments.WarehouseShipments(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, list)
}

func (h *Handler) markShipped(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid shipment id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	sh, err := h.shipments.MarkShipped(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, sh)
}

func (h *Handler) markDelivered(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, "invalid shipment id", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	sh, err := h.shipments.MarkDelivered(r.Context(), actorFrom(r), id)
	if err != nil {
		writeCoreError(w, r, err)
		return
	}
	writeJSON(w, sh)
}
