package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

type testServices struct {
	repo      *storage.MemoryAdapter
	ledger    *service.LedgerService
	reconcile *service.ReconcileService
	query     *service.QueryService
	policy    retry.Policy
}

func newTestServices(t *testing.T) testServices {
	t.Helper()
	repo := storage.NewMemoryAdapter()
	logger, _ := logtest.NewNullLogger()
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	ledger := service.NewLedgerService(repo, nil, domain.LedgerDefaults{LowStockThreshold: 5, ReorderPoint: 10}, logger)
	return testServices{
		repo:      repo,
		ledger:    ledger,
		reconcile: service.NewReconcileService(repo, ledger, policy, service.ReconcileConfig{Tick: time.Minute, Concurrency: 2}, logger),
		query:     service.NewQueryService(repo, repo, logger),
		policy:    policy,
	}
}

func newTestRouter(t *testing.T) (http.Handler, testServices) {
	t.Helper()
	s := newTestServices(t)
	logger, _ := logtest.NewNullLogger()
	return NewHTTPHandler(s.ledger, s.reconcile, s.query, s.policy, logger).Router(), s
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHTTPHandler_LedgerFlow(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/ledgers/item-1/adjust", map[string]interface{}{
		"change":          10,
		"event_type":      "initial_stock",
		"idempotency_key": "K1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		Ledger struct {
			QuantityTotal     int `json:"quantity_total"`
			QuantityReserved  int `json:"quantity_reserved"`
			QuantityAvailable int `json:"quantity_available"`
		} `json:"ledger"`
		Replayed bool `json:"replayed"`
	}
	decode(t, rec, &res)
	assert.Equal(t, 10, res.Ledger.QuantityTotal)
	assert.Equal(t, 10, res.Ledger.QuantityAvailable)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/ledgers/item-1/reserve", ReservationHTTPRequest{Quantity: 3, OrderID: "O1"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, 3, res.Ledger.QuantityReserved)
	assert.Equal(t, 7, res.Ledger.QuantityAvailable)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/ledgers/item-1/reserve", ReservationHTTPRequest{Quantity: 3, OrderID: "O1"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.True(t, res.Replayed)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/ledgers/item-1/release", ReservationHTTPRequest{Quantity: 3, OrderID: "O1"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, 10, res.Ledger.QuantityAvailable)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/ledgers/item-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Ledger       map[string]interface{} `json:"ledger"`
		RecentEvents []map[string]interface{} `json:"recent_events"`
	}
	decode(t, rec, &view)
	assert.Equal(t, "item-1", view.Ledger["item_id"])
	assert.Len(t, view.RecentEvents, 3)
}

func TestHTTPHandler_ErrorMapping(t *testing.T) {
	h, s := newTestRouter(t)
	_, err := s.ledger.AdjustQuantity(t.Context(), service.AdjustRequest{ItemID: "item-1", Change: 5})
	require.NoError(t, err)

	stale := int64(0)
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"over reservation", http.MethodPost, "/api/v1/ledgers/item-1/reserve", ReservationHTTPRequest{Quantity: 100, OrderID: "O2"}, http.StatusUnprocessableEntity},
		{"negative total", http.MethodPost, "/api/v1/ledgers/item-1/adjust", service.AdjustRequest{Change: -6}, http.StatusUnprocessableEntity},
		{"missing order", http.MethodPost, "/api/v1/ledgers/item-1/reserve", ReservationHTTPRequest{Quantity: 1}, http.StatusBadRequest},
		{"stale version", http.MethodPost, "/api/v1/ledgers/item-1/adjust", service.AdjustRequest{Change: 1, ExpectedVersion: &stale}, http.StatusConflict},
		{"bad body", http.MethodPost, "/api/v1/ledgers/item-1/adjust", "nope", http.StatusBadRequest},
		{"negative threshold", http.MethodPut, "/api/v1/ledgers/item-1/thresholds", ThresholdsHTTPRequest{LowStockThreshold: -1}, http.StatusUnprocessableEntity},
		{"bad event type filter", http.MethodGet, "/api/v1/events?type=gift", nil, http.StatusUnprocessableEntity},
		{"bad since", http.MethodGet, "/api/v1/events?since=yesterday", nil, http.StatusBadRequest},
		{"bad confidence", http.MethodGet, "/api/v1/duplicates?confidence=2", nil, http.StatusBadRequest},
		{"empty reconcile", http.MethodPost, "/api/v1/reconcile", ReconcileHTTPRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body ErrorHTTPResponse
			decode(t, rec, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHTTPHandler_Queries(t *testing.T) {
	h, s := newTestRouter(t)
	ctx := t.Context()

	_, err := s.ledger.AdjustQuantity(ctx, service.AdjustRequest{ItemID: "item-low", Change: 2})
	require.NoError(t, err)
	_, err = s.ledger.AdjustQuantity(ctx, service.AdjustRequest{ItemID: "item-high", Change: 50})
	require.NoError(t, err)
	s.repo.PutCatalogItems(
		domain.CatalogItem{ID: "item-low", SKU: "S-1"},
		domain.CatalogItem{ID: "item-high", SKU: "s-1"},
	)

	rec := doRequest(t, h, http.MethodGet, "/api/v1/ledgers/low-stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var low []map[string]interface{}
	decode(t, rec, &low)
	require.Len(t, low, 1)
	assert.Equal(t, "item-low", low[0]["item_id"])

	rec = doRequest(t, h, http.MethodGet, "/api/v1/ledgers/low-stock?threshold=100&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &low)
	assert.Len(t, low, 1)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/events?item_id=item-high&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page service.EventPage
	decode(t, rec, &page)
	assert.Equal(t, 1, page.Total)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/duplicates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var matches []domain.DuplicateMatch
	decode(t, rec, &matches)
	require.Len(t, matches, 1)
	assert.Equal(t, domain.MatchSKU, matches[0].MatchType)

	l, _ := s.repo.GetLedger(ctx, "item-high")
	l.QuantityTotal = 40
	s.repo.PutLedger(*l)

	rec = doRequest(t, h, http.MethodPost, "/api/v1/reconcile", ReconcileHTTPRequest{ItemIDs: []string{"item-high", "item-low", "ghost"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var recon ReconcileHTTPResponse
	decode(t, rec, &recon)
	require.Len(t, recon.Results, 3)
	assert.Equal(t, service.ReconcileCorrected, recon.Results[0].Status)
	assert.Equal(t, 10, recon.Results[0].Diff)
	assert.Equal(t, service.ReconcileOK, recon.Results[1].Status)
	assert.Equal(t, service.ReconcileNoLedger, recon.Results[2].Status)

	rec = doRequest(t, h, http.MethodPut, "/api/v1/ledgers/item-high/thresholds", ThresholdsHTTPRequest{LowStockThreshold: 60, ReorderPoint: 80})
	require.Equal(t, http.StatusOK, rec.Code)
	var ledger map[string]interface{}
	decode(t, rec, &ledger)
	assert.EqualValues(t, 60, ledger["low_stock_threshold"])

	rec = doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInsufficientStock, http.StatusUnprocessableEntity},
		{&domain.InsufficientAvailableError{Available: 1, Requested: 2}, http.StatusUnprocessableEntity},
		{errors.Wrap(domain.ErrInvalidArgument, "x"), http.StatusBadRequest},
		{domain.ErrLedgerNotFound, http.StatusNotFound},
		{domain.ErrStaleVersion, http.StatusConflict},
		{&retry.ExhaustedError{Attempts: 3, Err: domain.ErrSerializationFailure}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), tt.err.Error())
	}
	assert.Equal(t, "internal error", publicMessage(errors.New("dsn leaked")))
}
