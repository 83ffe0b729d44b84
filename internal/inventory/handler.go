package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Post("/products", h.createProduct)
	r.Get("/warehouses", h.listWarehouses)
	r.Post("/warehouses", h.createWarehouse)
	r.Post("/lots", h.appendLot)
	r.Post("/purchases", h.registerPurchase)
	r.Post("/transfers", h.registerTransfer)
	r.Post("/outbounds", h.registerOutbound)
	r.Get("/stock/{productID}/{warehouseID}", h.position)
	r.Put("/stock/{productID}/{warehouseID}", h.setInitialStock)
	r.Post("/initial-stock", h.bulkInitialStock)
}

type productRequest struct {
	SKU      string          `json:"sku" validate:"required,max=64"`
	Name     string          `json:"name" validate:"required,max=200"`
	UOM      string          `json:"uom" validate:"omitempty,max=16"`
	MinStock decimal.Decimal `json:"min_stock"`
}

type warehouseRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Location string `json:"location" validate:"omitempty,max=200"`
}

type lotRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	SourceRef   string          `json:"source_ref" validate:"omitempty,max=120"`
}

type purchaseLineRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	FXRate      decimal.Decimal `json:"fx_rate"`
}

type purchaseRequest struct {
	DocumentRef string                `json:"document_ref" validate:"omitempty,max=120"`
	Lines       []purchaseLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type transferRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	Origin      int64           `json:"origin_warehouse_id" validate:"required,gt=0"`
	Destination int64           `json:"destination_warehouse_id" validate:"required,gt=0"`
	Qty         decimal.Decimal `json:"qty"`
	DocumentRef string          `json:"document_ref" validate:"omitempty,max=120"`
}

type outboundLineRequest struct {
	ProductID   int64           `json:"product_id" validate:"required,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	Qty         decimal.Decimal `json:"qty"`
}

type outboundRequest struct {
	Reason         string                `json:"reason" validate:"required"`
	DestinationRef string                `json:"destination_ref" validate:"omitempty,max=120"`
	DocumentRef    string                `json:"document_ref" validate:"omitempty,max=120"`
	Lines          []outboundLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type initialStockRequest struct {
	Qty      decimal.Decimal `json:"qty"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type bulkInitialStockRow struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type bulkInitialStockRequest struct {
	Rows []bulkInitialStockRow `json:"rows" validate:"required,min=1"`
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.Products(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, products)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !h.decode(w, r, &req) {
		return
	}
	product, err := h.service.RegisterProduct(r.Context(), Product{SKU: req.SKU, Name: req.Name, UOM: req.UOM, MinStock: req.MinStock})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
}

func (h *Handler) listWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.service.Warehouses(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, warehouses)
}

func (h *Handler) createWarehouse(w http.ResponseWriter, r *http.Request) {
	var req warehouseRequest
	if !h.decode(w, r, &req) {
		return
	}
	warehouse, err := h.service.RegisterWarehouse(r.Context(), Warehouse{Name: req.Name, Location: req.Location})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, warehouse)
}

func (h *Handler) appendLot(w http.ResponseWriter, r *http.Request) {
	var req lotRequest
	if !h.decode(w, r, &req) {
		return
	}
	lot, err := h.service.AppendLot(r.Context(), AppendLotInput{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Qty:         req.Qty,
		UnitCost:    req.UnitCost,
		SourceRef:   req.SourceRef,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

func (h *Handler) registerPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := PurchaseInput{DocumentRef: req.DocumentRef, ActorID: shared.ActorFromContext(r.Context())}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, PurchaseLine(line))
	}
	result, err := h.service.RegisterPurchase(r.Context(), input)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) registerTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.RegisterTransfer(r.Context(), TransferInput{
		ProductID:   req.ProductID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Qty:         req.Qty,
		DocumentRef: req.DocumentRef,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) registerOutbound(w http.ResponseWriter, r *http.Request) {
	var req outboundRequest
	if !h.decode(w, r, &req) {
		return
	}
	doc := OutboundDocument{
		Reason:         OutboundReason(req.Reason),
		DestinationRef: req.DestinationRef,
		DocumentRef:    req.DocumentRef,
		ActorID:        shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		doc.Lines = append(doc.Lines, OutboundLine(line))
	}
	result, err := h.service.RegisterOutboundDocument(r.Context(), doc)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) {
	key, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	pos, err := h.service.Position(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) setInitialStock(w http.ResponseWriter, r *http.Request) {
	key, ok := h.stockKey(w, r)
	if !ok {
		return
	}
	var req initialStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.SetInitialStock(r.Context(), InitialStockInput{
		ProductID:   key.ProductID,
		WarehouseID: key.WarehouseID,
		Qty:         req.Qty,
		UnitCost:    req.UnitCost,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) bulkInitialStock(w http.ResponseWriter, r *http.Request) {
	var req bulkInitialStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := shared.ActorFromContext(r.Context())
	rows := make([]InitialStockInput, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, InitialStockInput{ProductID: row.ProductID, WarehouseID: row.WarehouseID, Qty: row.Qty, UnitCost: row.UnitCost, ActorID: actor})
	}
	result, err := h.service.BulkSetInitialStock(r.Context(), rows)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) stockKey(w http.ResponseWriter, r *http.Request) (StockKey, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return StockKey{}, false
	}
	warehouseID, err := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	if err != nil || warehouseID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid warehouse id")
		return StockKey{}, false
	}
	return StockKey{ProductID: productID, WarehouseID: warehouseID}, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", verrs.Error())
			return false
		}
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	classified := ClassifyError(err)
	if !httpx.Known(classified) {
		h.logger.Error("inventory request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, classified)
}

// ClassifyError tags inventory errors with the transport error they map to.
// Unknown errors are returned unchanged.
func ClassifyError(err error) error {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return httpx.Classified(httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrUnknownProductOrWarehouse):
		return httpx.Classified(httpx.ErrNotFound, err)
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, shared.ErrIdempotencyConflict):
		return httpx.Classified(httpx.ErrConflict, err)
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost),
		errors.Is(err, ErrSameWarehouseTransfer), errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrInvalidCurrency), errors.Is(err, ErrInvalidFXRate),
		errors.Is(err, ErrEmptyDocument), errors.Is(err, httpx.ErrValidation):
		return httpx.Classified(httpx.ErrValidation, err)
	}
	return err
}
