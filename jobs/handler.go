package jobs

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

// QueueInspector reports queue depth.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Enqueuer submits ledger jobs on demand.
type Enqueuer interface {
	EnqueueValuationSnapshot(ctx context.Context, asOf time.Time) (*asynq.TaskInfo, error)
	EnqueueStockAlerts(ctx context.Context, limit int) (*asynq.TaskInfo, error)
}

// Handler exposes HTTP endpoints for job observability and manual triggers.
type Handler struct {
	inspector QueueInspector
	enqueuer  Enqueuer
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. Both
// collaborators may be nil when the queue is not configured.
func NewHandler(inspector QueueInspector, enqueuer Enqueuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, enqueuer: enqueuer, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Post("/valuation-snapshot", h.triggerValuation)
	r.Post("/stock-alerts", h.triggerAlerts)
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Active  int    `json:"active"`
	Failed  int    `json:"failed"`
}

type enqueued struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Queue string `json:"queue"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, queueHealth{Queue: QueueDefault})
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "queue unavailable", err.Error())
		return
	}
	resp := queueHealth{Queue: QueueDefault}
	if info != nil {
		resp = queueHealth{Queue: info.Queue, Pending: info.Pending, Active: info.Active, Failed: info.Failed}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) triggerValuation(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid as_of", err.Error())
			return
		}
		asOf = parsed
	}
	h.enqueue(w, r, func(ctx context.Context, e Enqueuer) (*asynq.TaskInfo, error) {
		return e.EnqueueValuationSnapshot(ctx, asOf)
	})
}

func (h *Handler) triggerAlerts(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, func(ctx context.Context, e Enqueuer) (*asynq.TaskInfo, error) {
		return e.EnqueueStockAlerts(ctx, 0)
	})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, submit func(context.Context, Enqueuer) (*asynq.TaskInfo, error)) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "queue unavailable", "job queue is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	info, err := submit(ctx, h.enqueuer)
	if err != nil {
		h.logger.Error("enqueue job", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "enqueue failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusAccepted, enqueued{ID: info.ID, Type: info.Type, Queue: info.Queue})
}
