package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

// Handler serves ledger reports.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/kardex", h.kardex)
	r.Get("/valuation", h.valuation)
	r.Get("/exits", h.exits)
	r.Get("/alerts", h.alerts)
	r.Get("/rotation", h.rotation)
}

func (h *Handler) kardex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		query KardexQuery
		err   error
	)
	if query.ProductID, err = parseID(q.Get("product_id")); err != nil {
		h.fail(w, err)
		return
	}
	if query.WarehouseID, err = parseID(q.Get("warehouse_id")); err != nil {
		h.fail(w, err)
		return
	}
	if query.Start, err = parseTime(q.Get("from"), false); err != nil {
		h.fail(w, err)
		return
	}
	if query.End, err = parseTime(q.Get("to"), true); err != nil {
		h.fail(w, err)
		return
	}
	if !validRange(query.Start, query.End) {
		h.fail(w, ErrInvalidRange)
		return
	}
	streamed := false
	err = httpx.StreamJSONArray(w, func(yield func(any) error) error {
		for entry, err := range h.service.Kardex(r.Context(), query) {
			if err != nil {
				return err
			}
			if err := yield(entry); err != nil {
				return err
			}
			streamed = true
		}
		return nil
	})
	switch {
	case err == nil:
	case !streamed:
		h.fail(w, err)
	default:
		// the client sees a truncated array
		h.logger.Error("stream kardex", slog.Any("error", err))
	}
}

func (h *Handler) valuation(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseTime(r.URL.Query().Get("as_of"), true)
	if err != nil {
		h.fail(w, err)
		return
	}
	snap, err := h.service.ValuationSnapshot(r.Context(), asOf)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) exits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"), false)
	if err != nil {
		h.fail(w, err)
		return
	}
	to, err := parseTime(q.Get("to"), true)
	if err != nil {
		h.fail(w, err)
		return
	}
	report, err := h.service.ExitCosts(r.Context(), from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			h.fail(w, fmt.Errorf("%w: invalid limit", httpx.ErrValidation))
			return
		}
		limit = v
	}
	alerts, err := h.service.StockAlerts(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, alerts)
}

func (h *Handler) rotation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var window time.Duration
	if raw := q.Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			h.fail(w, fmt.Errorf("%w: invalid days", httpx.ErrValidation))
			return
		}
		window = time.Duration(days) * 24 * time.Hour
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			h.fail(w, fmt.Errorf("%w: invalid limit", httpx.ErrValidation))
			return
		}
		limit = v
	}
	report, err := h.service.Rotation(r.Context(), window, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	classified := ClassifyError(err)
	if !httpx.Known(classified) {
		h.logger.Error("ledger request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, classified)
}

// ClassifyError tags ledger errors with their transport error.
func ClassifyError(err error) error {
	if errors.Is(err, ErrInvalidRange) {
		return httpx.Classified(httpx.ErrValidation, err)
	}
	return err
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", httpx.ErrValidation, raw)
	}
	return id, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", httpx.ErrValidation, raw)
	}
	if endOfDay {
		return d.Add(24*time.Hour - time.Nanosecond), nil
	}
	return d, nil
}
