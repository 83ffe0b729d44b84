package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// ReportSource produces the ledger reports the jobs refresh.
type ReportSource interface {
	ValuationSnapshot(ctx context.Context, asOf time.Time) (ledger.ValuationSnapshot, error)
	StockAlerts(ctx context.Context, limit int) ([]ledger.StockAlert, error)
}

// KeyCleaner purges expired idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

var alertLevels = []string{
	string(ledger.AlertOutOfStock),
	string(ledger.AlertCritical),
	string(ledger.AlertLow),
}

// LedgerJobs bundles the ledger task handlers.
type LedgerJobs struct {
	Reports ReportSource
	Keys    KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerJobs wires the handlers. keys may be nil when cleanup is handled
// elsewhere.
func NewLedgerJobs(reports ReportSource, keys KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerJobs {
	return &LedgerJobs{Reports: reports, Keys: keys, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers for worker registration.
func (j *LedgerJobs) Handlers() []TaskHandler {
	handlers := []TaskHandler{
		{Type: TaskValuationSnapshot, Handler: j.HandleValuationSnapshot},
		{Type: TaskStockAlerts, Handler: j.HandleStockAlerts},
	}
	if j.Keys != nil {
		handlers = append(handlers, TaskHandler{Type: TaskIdempotencyCleanup, Handler: j.HandleIdempotencyCleanup})
	}
	return handlers
}

// HandleValuationSnapshot builds the valuation so the cache is warm and
// publishes its grand total.
func (j *LedgerJobs) HandleValuationSnapshot(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reports == nil {
		return errors.New("valuation snapshot: handler not configured")
	}
	var payload ValuationSnapshotPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("valuation snapshot: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskValuationSnapshot)
	defer func() { err = tracker.End(err) }()

	start := time.Now()
	snapshot, err := j.Reports.ValuationSnapshot(ctx, payload.AsOf)
	if err != nil {
		j.logger().Error("valuation snapshot failed", slog.Any("error", err))
		return err
	}
	if payload.AsOf.IsZero() {
		j.Metrics.SetValuation(snapshot.GrandTotal.InexactFloat64())
	}
	j.logger().Info("valuation snapshot built",
		slog.Int("lines", len(snapshot.Lines)),
		slog.String("grand_total", snapshot.GrandTotal.String()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// HandleStockAlerts scans every product and reports the count per level.
func (j *LedgerJobs) HandleStockAlerts(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reports == nil {
		return errors.New("stock alerts: handler not configured")
	}
	var payload StockAlertsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("stock alerts: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskStockAlerts)
	defer func() { err = tracker.End(err) }()

	alerts, err := j.Reports.StockAlerts(ctx, math.MaxInt)
	if err != nil {
		j.logger().Error("stock alert scan failed", slog.Any("error", err))
		return err
	}
	counts := make(map[string]int, len(alertLevels))
	for i, alert := range alerts {
		counts[string(alert.Level)]++
		if payload.Limit > 0 && i >= payload.Limit {
			continue
		}
		j.logger().Warn("stock below minimum",
			slog.Int64("product_id", alert.ProductID),
			slog.String("sku", alert.SKU),
			slog.String("level", string(alert.Level)),
			slog.String("stock", alert.Stock.String()),
			slog.String("min_stock", alert.MinStock.String()),
		)
	}
	j.Metrics.SetStockAlerts(alertLevels, counts)
	j.logger().Info("stock alert scan completed", slog.Int("alerts", len(alerts)))
	return nil
}

// HandleIdempotencyCleanup drops keys older than the payload retention.
func (j *LedgerJobs) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Keys == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("idempotency cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	removed, err := j.Keys.Cleanup(ctx, payload.retention())
	if err != nil {
		return fmt.Errorf("idempotency cleanup: %w", err)
	}
	j.logger().Info("idempotency keys purged", slog.Int64("removed", removed))
	return nil
}

func (j *LedgerJobs) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// DefaultCron schedules the ledger jobs: a valuation warm-up every hour, an
// alert scan twice a day and a nightly key purge.
func DefaultCron(withCleanup bool) ([]CronRegistration, error) {
	valuation, err := NewValuationSnapshotTask(time.Time{})
	if err != nil {
		return nil, err
	}
	alerts, err := NewStockAlertsTask(ledger.DefaultAlertLimit)
	if err != nil {
		return nil, err
	}
	cron := []CronRegistration{
		{Spec: "5 * * * *", Task: valuation, Options: []asynq.Option{asynq.MaxRetry(3)}},
		{Spec: "0 6,18 * * *", Task: alerts, Options: []asynq.Option{asynq.MaxRetry(3)}},
	}
	if withCleanup {
		cleanup, err := NewIdempotencyCleanupTask(0)
		if err != nil {
			return nil, err
		}
		cron = append(cron, CronRegistration{Spec: "30 2 * * *", Task: cleanup, Options: []asynq.Option{asynq.MaxRetry(1)}})
	}
	return cron, nil
}
