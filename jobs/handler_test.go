package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

type fakeEnqueuer struct {
	asOf   time.Time
	alerts int
}

func (f *fakeEnqueuer) EnqueueValuationSnapshot(_ context.Context, asOf time.Time) (*asynq.TaskInfo, error) {
	f.asOf = asOf
	return &asynq.TaskInfo{ID: "t-1", Type: TaskValuationSnapshot, Queue: QueueDefault}, nil
}

func (f *fakeEnqueuer) EnqueueStockAlerts(context.Context, int) (*asynq.TaskInfo, error) {
	f.alerts++
	return &asynq.TaskInfo{ID: "t-2", Type: TaskStockAlerts, Queue: QueueDefault}, nil
}

func serve(h *Handler, method, target string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.MountRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestJobsHealth(t *testing.T) {
	rr := serve(NewHandler(nil, nil, nil), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0,"active":0,"failed":0}`, rr.Body.String())

	inspector := fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Active: 1}}
	rr = serve(NewHandler(inspector, nil, nil), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	var body queueHealth
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, 3, body.Pending)
	require.Equal(t, 1, body.Active)

	rr = serve(NewHandler(fakeInspector{err: errors.New("redis down")}, nil, nil), http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestJobsTriggers(t *testing.T) {
	enq := &fakeEnqueuer{}
	h := NewHandler(nil, enq, nil)

	rr := serve(h, http.MethodPost, "/valuation-snapshot?as_of=2024-02-01T00:00:00Z")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), enq.asOf)
	var resp enqueued
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, "t-1", resp.ID)

	rr = serve(h, http.MethodPost, "/valuation-snapshot?as_of=yesterday")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, http.MethodPost, "/stock-alerts")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, 1, enq.alerts)

	rr = serve(NewHandler(nil, nil, nil), http.MethodPost, "/stock-alerts")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
