package procurement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler manages procurement endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/orders", h.listOrders)
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/balance", h.getBalance)
	r.Post("/receipts", h.recordReceipt)
	r.Post("/guides", h.recordGuide)
	r.Post("/invoices", h.registerInvoice)
}

type orderLineRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type orderRequest struct {
	Number     string             `json:"number" validate:"omitempty,max=64"`
	SupplierID int64              `json:"supplier_id" validate:"required,gt=0"`
	Currency   string             `json:"currency" validate:"omitempty,len=3"`
	OrderedAt  time.Time          `json:"ordered_at"`
	Lines      []orderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type receiptRequest struct {
	OrderLineID int64           `json:"order_line_id" validate:"required,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	Qty         decimal.Decimal `json:"qty"`
	ReceivedAt  time.Time       `json:"received_at"`
	GuideNumber string          `json:"guide_number" validate:"omitempty,max=64"`
}

type guideLineRequest struct {
	OrderLineID int64           `json:"order_line_id" validate:"required,gt=0"`
	WarehouseID int64           `json:"warehouse_id" validate:"omitempty,gt=0"`
	Qty         decimal.Decimal `json:"qty"`
}

type guideRequest struct {
	OrderID     int64              `json:"order_id" validate:"required,gt=0"`
	GuideNumber string             `json:"guide_number" validate:"required,max=64"`
	WarehouseID int64              `json:"warehouse_id" validate:"omitempty,gt=0"`
	ReceivedAt  time.Time          `json:"received_at"`
	Lines       []guideLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type invoiceLineRequest struct {
	OrderLineID int64               `json:"order_line_id" validate:"required,gt=0"`
	Qty         decimal.Decimal     `json:"qty"`
	UnitPrice   decimal.NullDecimal `json:"unit_price"`
	WarehouseID int64               `json:"warehouse_id" validate:"omitempty,gt=0"`
}

type invoiceRequest struct {
	OrderID     int64                `json:"order_id" validate:"required,gt=0"`
	DocumentRef string               `json:"document_ref" validate:"required,max=120"`
	FXRate      decimal.Decimal      `json:"fx_rate"`
	Lines       []invoiceLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	supplierID, _ := strconv.ParseInt(r.URL.Query().Get("supplier_id"), 10, 64)
	orders, err := h.service.ListOrders(r.Context(), supplierID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateOrderInput{
		Number:     req.Number,
		SupplierID: req.SupplierID,
		Currency:   req.Currency,
		OrderedAt:  req.OrderedAt,
		ActorID:    shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, OrderLineInput(line))
	}
	detail, err := h.service.CreatePurchaseOrder(r.Context(), input)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.orderID(w, r)
	if !ok {
		return
	}
	bal, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) recordReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.RecordReceipt(r.Context(), ReceiptInput{
		OrderLineID: req.OrderLineID,
		WarehouseID: req.WarehouseID,
		Qty:         req.Qty,
		ReceivedAt:  req.ReceivedAt,
		GuideNumber: req.GuideNumber,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) recordGuide(w http.ResponseWriter, r *http.Request) {
	var req guideRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := GuideInput{
		OrderID:     req.OrderID,
		GuideNumber: req.GuideNumber,
		WarehouseID: req.WarehouseID,
		ReceivedAt:  req.ReceivedAt,
		ActorID:     shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, GuideLine(line))
	}
	result, err := h.service.RecordGuide(r.Context(), input)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) registerInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := InvoiceInput{
		OrderID:     req.OrderID,
		DocumentRef: req.DocumentRef,
		FXRate:      req.FXRate,
		ActorID:     shared.ActorFromContext(r.Context()),
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, InvoiceLine{OrderLineID: line.OrderLineID, Qty: line.Qty, UnitPrice: line.UnitPrice, WarehouseID: line.WarehouseID})
	}
	result, err := h.service.RegisterInvoice(r.Context(), input)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid order id")
		return 0, false
	}
	return id, true
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
		h.logger.Error("procurement request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, classified)
}

// ClassifyError tags procurement errors with their transport error, falling
// back to the inventory mapping.
func ClassifyError(err error) error {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderLineNotFound):
		return httpx.Classified(httpx.ErrNotFound, err)
	case errors.Is(err, ErrDuplicateGuide), errors.Is(err, ErrDuplicateOrder):
		return httpx.Classified(httpx.ErrConflict, err)
	case errors.Is(err, ErrInvoiceExceedsDelivered):
		return httpx.Classified(httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrValidation):
		return httpx.Classified(httpx.ErrValidation, err)
	}
	return inventory.ClassifyError(err)
}
