package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

const defaultConfidenceFloor = 0.85

type HTTPHandler struct {
	ledger    *service.LedgerService
	reconcile *service.ReconcileService
	query     *service.QueryService
	policy    retry.Policy
	log       logrus.FieldLogger
}

type ReservationHTTPRequest struct {
	Quantity int    `json:"quantity"`
	OrderID  string `json:"order_id"`
}

type ThresholdsHTTPRequest struct {
	LowStockThreshold int `json:"low_stock_threshold"`
	ReorderPoint      int `json:"reorder_point"`
}

type ReconcileHTTPRequest struct {
	ItemIDs []string `json:"item_ids"`
}

type ReconcileHTTPResponse struct {
	Results []service.ReconcileResult `json:"results"`
}

type ErrorHTTPResponse struct {
	Error string `json:"error"`
}

func NewHTTPHandler(ledger *service.LedgerService, reconcile *service.ReconcileService, query *service.QueryService, policy retry.Policy, log logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		ledger:    ledger,
		reconcile: reconcile,
		query:     query,
		policy:    policy,
		log:       log,
	}
}

func (h *HTTPHandler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	s := r.PathPrefix("/api/v1").Subrouter()
	s.HandleFunc("/ledgers/low-stock", h.GetLowStock).Methods(http.MethodGet)
	s.HandleFunc("/ledgers/{itemID}", h.GetLedger).Methods(http.MethodGet)
	s.HandleFunc("/ledgers/{itemID}/thresholds", h.UpdateThresholds).Methods(http.MethodPut)
	s.HandleFunc("/ledgers/{itemID}/adjust", h.AdjustQuantity).Methods(http.MethodPost)
	s.HandleFunc("/ledgers/{itemID}/reserve", h.ReserveQuantity).Methods(http.MethodPost)
	s.HandleFunc("/ledgers/{itemID}/release", h.ReleaseReservation).Methods(http.MethodPost)
	s.HandleFunc("/reconcile", h.Reconcile).Methods(http.MethodPost)
	s.HandleFunc("/events", h.GetEvents).Methods(http.MethodGet)
	s.HandleFunc("/duplicates", h.FindDuplicates).Methods(http.MethodGet)

	return h.logMiddleware(r)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	view, err := h.ledger.GetLedger(r.Context(), mux.Vars(r)["itemID"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) AdjustQuantity(w http.ResponseWriter, r *http.Request) {
	var req service.AdjustRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	req.ItemID = mux.Vars(r)["itemID"]

	h.mutate(w, r, func(ctx context.Context) (*service.MutationResult, error) {
		return h.ledger.AdjustQuantity(ctx, req)
	})
}

func (h *HTTPHandler) ReserveQuantity(w http.ResponseWriter, r *http.Request) {
	var req ReservationHTTPRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	itemID := mux.Vars(r)["itemID"]

	h.mutate(w, r, func(ctx context.Context) (*service.MutationResult, error) {
		return h.ledger.ReserveQuantity(ctx, itemID, req.Quantity, req.OrderID)
	})
}

func (h *HTTPHandler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationHTTPRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	itemID := mux.Vars(r)["itemID"]

	h.mutate(w, r, func(ctx context.Context) (*service.MutationResult, error) {
		return h.ledger.ReleaseReservation(ctx, itemID, req.Quantity, req.OrderID)
	})
}

func (h *HTTPHandler) UpdateThresholds(w http.ResponseWriter, r *http.Request) {
	var req ThresholdsHTTPRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	itemID := mux.Vars(r)["itemID"]

	var ledger *domain.Ledger
	err := h.policy.Do(r.Context(), func(ctx context.Context) error {
		var err error
		ledger, err = h.ledger.UpdateThresholds(ctx, itemID, req.LowStockThreshold, req.ReorderPoint)
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (h *HTTPHandler) GetLowStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var threshold *int
	if raw := q.Get("threshold"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, errors.Wrap(errBadRequest, "threshold must be an integer"))
			return
		}
		threshold = &v
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	ledgers, err := h.query.GetLowStock(r.Context(), threshold, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledgers)
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileHTTPRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if len(req.ItemIDs) == 0 {
		h.writeError(w, errors.Wrap(errBadRequest, "item_ids is required"))
		return
	}

	results := h.reconcile.Reconcile(r.Context(), req.ItemIDs)
	writeJSON(w, http.StatusOK, ReconcileHTTPResponse{Results: results})
}

func (h *HTTPHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.EventFilter{
		ItemID: q.Get("item_id"),
		Type:   domain.EventType(q.Get("type")),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, errors.Wrap(errBadRequest, "since must be RFC3339"))
			return
		}
		filter.Since = since
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, err)
		return
	}

	page, err := h.query.GetEvents(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *HTTPHandler) FindDuplicates(w http.ResponseWriter, r *http.Request) {
	floor := defaultConfidenceFloor
	if raw := r.URL.Query().Get("confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			h.writeError(w, errors.Wrap(errBadRequest, "confidence must be a number"))
			return
		}
		floor = v
	}

	matches, err := h.query.FindDuplicates(r.Context(), floor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// mutate runs op under the caller-side retry policy.
func (h *HTTPHandler) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) (*service.MutationResult, error)) {
	var res *service.MutationResult
	err := h.policy.Do(r.Context(), func(ctx context.Context) error {
		var err error
		res, err = op(ctx)
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, ErrorHTTPResponse{Error: publicMessage(err)})
}

func (h *HTTPHandler) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        r.URL.String(),
			"remoteAddr": r.RemoteAddr,
		}).Debug("got a new request")
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errBadRequest, "invalid request body")
	}
	return nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(errBadRequest, "%q is not an integer", raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
