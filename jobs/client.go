package jobs

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueValuationSnapshot queues a valuation build for asOf.
func (c *Client) EnqueueValuationSnapshot(ctx context.Context, asOf time.Time) (*asynq.TaskInfo, error) {
	task, err := NewValuationSnapshotTask(asOf)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueStockAlerts queues a stock alert scan.
func (c *Client) EnqueueStockAlerts(ctx context.Context, limit int) (*asynq.TaskInfo, error) {
	task, err := NewStockAlertsTask(limit)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueIdempotencyCleanup queues an idempotency key purge.
func (c *Client) EnqueueIdempotencyCleanup(ctx context.Context, retentionHours int) (*asynq.TaskInfo, error) {
	task, err := NewIdempotencyCleanupTask(retentionHours)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
