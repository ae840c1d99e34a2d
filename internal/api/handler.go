package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/songboard/boostledger/internal/domain"
	"github.com/songboard/boostledger/internal/service"
	"github.com/songboard/boostledger/internal/store"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boostledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boostledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	boostsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boostledger_boosts_applied_total",
		Help: "Boost transactions committed (replays excluded)",
	})

	creditsSpent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boostledger_credits_spent_total",
		Help: "Total credits debited by committed boosts",
	})
)

type Handler struct {
	service *service.BoostService
}

func NewHandler(svc *service.BoostService) *Handler {
	return &Handler{service: svc}
}

// Register wires the handler's routes onto an /api/v1 subrouter.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/accounts/{id}/topups", h.TopUp).Methods("POST")
	r.HandleFunc("/requests", h.SubmitRequest).Methods("POST")
	r.HandleFunc("/requests", h.ListRequests).Methods("GET")
	r.HandleFunc("/requests/{id}", h.GetRequest).Methods("GET")
	r.HandleFunc("/requests/{id}", h.DeleteRequest).Methods("DELETE")
	r.HandleFunc("/requests/{id}/status", h.ModerateRequest).Methods("PATCH")
	r.HandleFunc("/requests/{id}/boosts", h.ListBoosts).Methods("GET")
	r.HandleFunc("/boosts", h.CreateBoost).Methods("POST")
}

func (h *Handler) CreateBoost(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/boosts"))
	defer timer.ObserveDuration()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req domain.BoostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/boosts")
		return
	}

	res, err := h.service.Boost(r.Context(), req, idempotencyKey)
	if err != nil {
		h.respondServiceError(w, err, "POST", "/boosts")
		return
	}

	if res.Replayed {
		h.respondJSON(w, http.StatusOK, res, "POST", "/boosts")
		return
	}

	boostsApplied.Inc()
	creditsSpent.Add(float64(req.Amount))
	w.Header().Set("Location", fmt.Sprintf("/api/v1/requests/%d/boosts", req.RequestID))
	h.respondJSON(w, http.StatusCreated, res, "POST", "/boosts")
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.CreateAccount(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "System error creating account", "POST", "/accounts")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]int64{"account_id": id}, "POST", "/accounts")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/accounts/{id}")
	if !ok {
		return
	}

	account, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, account, "GET", "/accounts/{id}")
}

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "POST", "/accounts/{id}/topups")
	if !ok {
		return
	}

	var req domain.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/accounts/{id}/topups")
		return
	}

	res, err := h.service.TopUp(r.Context(), id, req)
	if err != nil {
		h.respondServiceError(w, err, "POST", "/accounts/{id}/topups")
		return
	}

	code := http.StatusCreated
	if !res.Applied {
		code = http.StatusOK
	}
	h.respondJSON(w, code, res, "POST", "/accounts/{id}/topups")
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var sub domain.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/requests")
		return
	}

	req, created, err := h.service.Submit(r.Context(), sub)
	if err != nil {
		h.respondServiceError(w, err, "POST", "/requests")
		return
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	h.respondJSON(w, code, req, "POST", "/requests")
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.Rankings(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/requests")
		return
	}
	if requests == nil {
		requests = []domain.Request{}
	}
	h.respondJSON(w, http.StatusOK, requests, "GET", "/requests")
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/requests/{id}")
	if !ok {
		return
	}

	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "GET", "/requests/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, req, "GET", "/requests/{id}")
}

func (h *Handler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "DELETE", "/requests/{id}")
	if !ok {
		return
	}

	if err := h.service.Remove(r.Context(), id); err != nil {
		h.respondServiceError(w, err, "DELETE", "/requests/{id}")
		return
	}
	httpRequestsTotal.WithLabelValues("DELETE", "/requests/{id}", "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ModerateRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "PATCH", "/requests/{id}/status")
	if !ok {
		return
	}

	var body struct {
		Status domain.RequestStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "PATCH", "/requests/{id}/status")
		return
	}

	if err := h.service.Moderate(r.Context(), id, body.Status); err != nil {
		h.respondServiceError(w, err, "PATCH", "/requests/{id}/status")
		return
	}
	httpRequestsTotal.WithLabelValues("PATCH", "/requests/{id}/status", "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListBoosts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/requests/{id}/boosts")
	if !ok {
		return
	}

	entries, err := h.service.Contributors(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, "GET", "/requests/{id}/boosts")
		return
	}
	if entries == nil {
		entries = []domain.BoostEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", "/requests/{id}/boosts")
}

// Helpers

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid id", method, endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		h.respondError(w, http.StatusUnprocessableEntity, "Positive amount required", method, endpoint)
	case errors.Is(err, service.ErrInvalidSongRef):
		h.respondError(w, http.StatusUnprocessableEntity, "Song reference required", method, endpoint)
	case errors.Is(err, service.ErrInvalidStatus):
		h.respondError(w, http.StatusUnprocessableEntity, "Status must be approved or rejected", method, endpoint)
	case errors.Is(err, store.ErrAccountNotFound):
		h.respondError(w, http.StatusNotFound, "Account not found", method, endpoint)
	case errors.Is(err, store.ErrRequestNotFound):
		h.respondError(w, http.StatusNotFound, "Request not found", method, endpoint)
	case errors.Is(err, store.ErrRequestClosed):
		h.respondError(w, http.StatusConflict, "Request is no longer pending", method, endpoint)
	case errors.Is(err, store.ErrInsufficientFunds):
		h.respondError(w, http.StatusUnprocessableEntity, "Insufficient funds", method, endpoint)
	case errors.Is(err, store.ErrIdempotencyMismatch):
		h.respondError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload", method, endpoint)
	case errors.Is(err, store.ErrConflict):
		h.respondError(w, http.StatusConflict, "Request processing in progress", method, endpoint)
	default:
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
