package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/songboard/boostledger/internal/domain"
	"github.com/songboard/boostledger/internal/service"
	"github.com/songboard/boostledger/internal/store"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	mem := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(service.NewBoostService(mem, logger))

	r := mux.NewRouter()
	handler.Register(r.PathPrefix("/api/v1").Subrouter())
	return r
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createFundedAccount(t *testing.T, r *mux.Router, credits int64) int64 {
	t.Helper()

	rec := doJSON(t, r, "POST", "/api/v1/accounts", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[map[string]int64](t, rec)["account_id"]

	if credits > 0 {
		rec = doJSON(t, r, "POST", fmt.Sprintf("/api/v1/accounts/%d/topups", id),
			domain.TopUpRequest{Amount: credits, Reference: fmt.Sprintf("seed-%d", id)}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	return id
}

func createRequest(t *testing.T, r *mux.Router, songRef string) int64 {
	t.Helper()

	rec := doJSON(t, r, "POST", "/api/v1/requests",
		domain.SubmitRequest{SongRef: songRef, Title: "T", Artist: "A"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody[domain.Request](t, rec).ID
}

func TestBoostEndpointLifecycle(t *testing.T) {
	r := newTestRouter(t)
	accountID := createFundedAccount(t, r, 100)
	requestID := createRequest(t, r, "song-1")

	boost := domain.BoostRequest{AccountID: accountID, RequestID: requestID, Amount: 30}
	headers := map[string]string{"Idempotency-Key": "click-1"}

	rec := doJSON(t, r, "POST", "/api/v1/boosts", boost, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
	res := decodeBody[domain.BoostResult](t, rec)
	require.Equal(t, int64(70), res.Balance)
	require.Equal(t, int64(30), res.Score)

	// Same key replays with 200 and no second debit.
	rec = doJSON(t, r, "POST", "/api/v1/boosts", boost, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody[domain.BoostResult](t, rec)
	require.Equal(t, res.Entry.ID, replay.Entry.ID)
	require.Equal(t, int64(70), replay.Balance)
}

func TestBoostEndpointKeyReuseMismatch(t *testing.T) {
	r := newTestRouter(t)
	accountID := createFundedAccount(t, r, 100)
	requestID := createRequest(t, r, "song-1")
	headers := map[string]string{"Idempotency-Key": "click-1"}

	rec := doJSON(t, r, "POST", "/api/v1/boosts",
		domain.BoostRequest{AccountID: accountID, RequestID: requestID, Amount: 25}, headers)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Reusing the key with a different amount is rejected, not replayed.
	rec = doJSON(t, r, "POST", "/api/v1/boosts",
		domain.BoostRequest{AccountID: accountID, RequestID: requestID, Amount: 999}, headers)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// The rejection did not touch the balance.
	rec = doJSON(t, r, "GET", fmt.Sprintf("/api/v1/accounts/%d", accountID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(75), decodeBody[domain.Account](t, rec).Balance)
}

func TestBoostEndpointErrors(t *testing.T) {
	r := newTestRouter(t)
	accountID := createFundedAccount(t, r, 10)
	requestID := createRequest(t, r, "song-1")

	cases := []struct {
		name string
		body domain.BoostRequest
		want int
	}{
		{"insufficient funds", domain.BoostRequest{AccountID: accountID, RequestID: requestID, Amount: 11}, http.StatusUnprocessableEntity},
		{"zero amount", domain.BoostRequest{AccountID: accountID, RequestID: requestID, Amount: 0}, http.StatusUnprocessableEntity},
		{"unknown account", domain.BoostRequest{AccountID: 999, RequestID: requestID, Amount: 5}, http.StatusNotFound},
		{"unknown request", domain.BoostRequest{AccountID: accountID, RequestID: 999, Amount: 5}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, r, "POST", "/api/v1/boosts", tc.body, nil)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestBoostEndpointMalformedBody(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/v1/boosts", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopUpReplayReturns200(t *testing.T) {
	r := newTestRouter(t)
	accountID := createFundedAccount(t, r, 0)
	path := fmt.Sprintf("/api/v1/accounts/%d/topups", accountID)
	body := domain.TopUpRequest{Amount: 50, Reference: "paypal-1"}

	rec := doJSON(t, r, "POST", path, body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	res := decodeBody[domain.TopUpResult](t, rec)
	require.True(t, res.Applied)
	require.Equal(t, int64(50), res.Balance)

	rec = doJSON(t, r, "POST", path, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decodeBody[domain.TopUpResult](t, rec)
	require.False(t, res.Applied)
	require.Equal(t, int64(50), res.Balance)
}

func TestSubmitDuplicateReturnsExisting(t *testing.T) {
	r := newTestRouter(t)
	firstID := createRequest(t, r, "song-1")

	rec := doJSON(t, r, "POST", "/api/v1/requests",
		domain.SubmitRequest{SongRef: "song-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, firstID, decodeBody[domain.Request](t, rec).ID)
}

func TestRankingEndpoint(t *testing.T) {
	r := newTestRouter(t)
	accountID := createFundedAccount(t, r, 1000)

	low := createRequest(t, r, "song-low")
	tiedOld := createRequest(t, r, "song-tied-old")
	tiedNew := createRequest(t, r, "song-tied-new")

	for reqID, amount := range map[int64]int64{low: 10, tiedOld: 30, tiedNew: 30} {
		rec := doJSON(t, r, "POST", "/api/v1/boosts",
			domain.BoostRequest{AccountID: accountID, RequestID: reqID, Amount: amount}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, r, "GET", "/api/v1/requests", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ranked := decodeBody[[]domain.Request](t, rec)
	require.Len(t, ranked, 3)
	require.Equal(t, tiedNew, ranked[0].ID)
	require.Equal(t, tiedOld, ranked[1].ID)
	require.Equal(t, low, ranked[2].ID)
}

func TestModerationAndClosedBoost(t *testing.T) {
	r := newTestRouter(t)
	accountID := createFundedAccount(t, r, 100)
	requestID := createRequest(t, r, "song-1")
	statusPath := fmt.Sprintf("/api/v1/requests/%d/status", requestID)

	rec := doJSON(t, r, "PATCH", statusPath, map[string]string{"status": "approved"}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Boosting a resolved request conflicts.
	rec = doJSON(t, r, "POST", "/api/v1/boosts",
		domain.BoostRequest{AccountID: accountID, RequestID: requestID, Amount: 5}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Transitions are terminal.
	rec = doJSON(t, r, "PATCH", statusPath, map[string]string{"status": "rejected"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Unknown status values fail validation before reaching the store.
	rec = doJSON(t, r, "PATCH", statusPath, map[string]string{"status": "bogus"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeleteRequestEndpoint(t *testing.T) {
	r := newTestRouter(t)
	requestID := createRequest(t, r, "song-1")
	path := fmt.Sprintf("/api/v1/requests/%d", requestID)

	rec := doJSON(t, r, "DELETE", path, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, "GET", path, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, r, "DELETE", path, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBoostsEndpoint(t *testing.T) {
	r := newTestRouter(t)
	accountID := createFundedAccount(t, r, 100)
	requestID := createRequest(t, r, "song-1")

	for _, amount := range []int64{1, 2, 3} {
		rec := doJSON(t, r, "POST", "/api/v1/boosts",
			domain.BoostRequest{AccountID: accountID, RequestID: requestID, Amount: amount}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, r, "GET", fmt.Sprintf("/api/v1/requests/%d/boosts", requestID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]domain.BoostEntry](t, rec)
	require.Len(t, entries, 3)
	require.Equal(t, int64(3), entries[0].Amount)
}

func TestInvalidPathID(t *testing.T) {
	r := newTestRouter(t)

	rec := doJSON(t, r, "GET", "/api/v1/accounts/abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, "GET", "/api/v1/accounts/-1", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
