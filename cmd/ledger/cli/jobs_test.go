package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func TestTaskFor(t *testing.T) {
	for _, name := range []string{jobs.TaskValuationSnapshot, jobs.TaskStockAlerts, jobs.TaskIdempotencyCleanup} {
		task, err := TaskFor(name)
		require.NoError(t, err)
		require.Equal(t, name, task.Type())
	}
	_, err := TaskFor("mail:send")
	require.Error(t, err)
}

func TestRunJobsRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	opts := asynq.RedisClientOpt{Addr: "127.0.0.1:6379"}

	var stdout, stderr bytes.Buffer
	require.Equal(t, 2, RunJobs(ctx, opts, nil, &stdout, &stderr))
	require.Contains(t, stderr.String(), "usage: ledger jobs")

	stderr.Reset()
	require.Equal(t, 1, RunJobs(ctx, asynq.RedisClientOpt{}, []string{"stats"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "REDIS_ADDR")

	stderr.Reset()
	require.Equal(t, 2, RunJobs(ctx, opts, []string{"trigger", "-name", "unknown"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "unsupported job unknown")

	stderr.Reset()
	require.Equal(t, 2, RunJobs(ctx, opts, []string{"purge"}, &stdout, &stderr))
	require.Empty(t, stdout.String())
}
