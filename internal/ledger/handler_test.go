package ledger

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
)

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func newLedgerRouter(t *testing.T) (http.Handler, journalFixture) {
	t.Helper()
	f := newJournalFixture(t)
	f.lot(t, f.central, "10", "100")
	f.lot(t, f.central, "10", "150")
	f.exit(t, "5", inventory.ReasonSale)
	f.exit(t, "7", inventory.ReasonSale)
	r := chi.NewRouter()
	NewHandler(nil, NewService(f.repo, nil, nil)).MountRoutes(r)
	return r, f
}

func TestHandlerStreamsKardex(t *testing.T) {
	h, f := newLedgerRouter(t)

	rec := serve(t, h, fmt.Sprintf("/kardex?product_id=%d&warehouse_id=%d", f.product, f.central))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []KardexEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 4)
	requireDecimal(t, "8", *entries[3].RunningBalance)

	rec = serve(t, h, "/kardex?from=2030-01-01")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec = serve(t, h, "/kardex?from=2024-03-02&to=2024-03-01")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, "/kardex?product_id=abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerReports(t *testing.T) {
	h, _ := newLedgerRouter(t)

	rec := serve(t, h, "/valuation")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap ValuationSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	requireDecimal(t, "1200", snap.GrandTotal)

	rec = serve(t, h, "/valuation?as_of=2024-03-01")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	requireDecimal(t, "1200", snap.GrandTotal)

	rec = serve(t, h, "/exits?from=2024-03-01&to=2024-03-01")
	require.Equal(t, http.StatusOK, rec.Code)
	var report ExitCostReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	requireDecimal(t, "1300", report.TotalCost)

	rec = serve(t, h, "/alerts?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []StockAlert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	require.Equal(t, AlertCritical, alerts[0].Level)

	rec = serve(t, h, "/alerts?limit=-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, "/rotation?days=36500&limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	var rotation RotationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotation))
	require.Len(t, rotation.High, 1)
	requireDecimal(t, "12", rotation.High[0].Exits)

	rec = serve(t, h, "/rotation?days=0")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, "/valuation?as_of=yesterday")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
