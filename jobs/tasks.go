package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskValuationSnapshot rebuilds and caches the live valuation.
	TaskValuationSnapshot = "ledger:valuation_snapshot"
	// TaskStockAlerts scans products at or below their minimum stock.
	TaskStockAlerts = "ledger:stock_alerts"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
)

// DefaultKeyRetention is how long idempotency keys are kept when a cleanup
// payload does not say otherwise.
const DefaultKeyRetention = 30 * 24 * time.Hour

// ValuationSnapshotPayload selects the instant to value. A zero AsOf values
// the live state.
type ValuationSnapshotPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// StockAlertsPayload bounds how many alerts are logged. Limit <= 0 logs all.
type StockAlertsPayload struct {
	Limit int `json:"limit,omitempty"`
}

// IdempotencyCleanupPayload sets the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

func (p IdempotencyCleanupPayload) retention() time.Duration {
	if p.RetentionHours <= 0 {
		return DefaultKeyRetention
	}
	return time.Duration(p.RetentionHours) * time.Hour
}

// NewValuationSnapshotTask constructs a valuation warm-up task.
func NewValuationSnapshotTask(asOf time.Time) (*asynq.Task, error) {
	return newTask(TaskValuationSnapshot, ValuationSnapshotPayload{AsOf: asOf})
}

// NewStockAlertsTask constructs a stock alert scan.
func NewStockAlertsTask(limit int) (*asynq.Task, error) {
	return newTask(TaskStockAlerts, StockAlertsPayload{Limit: limit})
}

// NewIdempotencyCleanupTask constructs a key purge.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, IdempotencyCleanupPayload{RetentionHours: retentionHours})
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}
