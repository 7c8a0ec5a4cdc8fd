package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type mapLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	err      error
}

func (l *mapLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	return l.balances[userID], nil
}

func (l *mapLedger) Credit(_ context.Context, userID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.balances[userID] += amount
	return nil
}

func TestCreditsHandler_HandleBalance(t *testing.T) {
	h := NewCreditsHandler(&mapLedger{balances: map[string]int64{"u-1": 42}}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleBalance(w, asUser(httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil), "u-1"))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]any)
	assert.Equal(t, float64(42), data["balance"])

	w = httptest.NewRecorder()
	h.HandleBalance(w, httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreditsHandler_HandleGrant(t *testing.T) {
	ledger := &mapLedger{balances: map[string]int64{"u-1": 2}}
	h := NewCreditsHandler(ledger, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/admin/credits/{userId}", h.HandleGrant)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, jsonRequest(http.MethodPost, "/api/v1/admin/credits/u-1", `{"amount":10,"reason":"promo"}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(12), decodeResponse(t, w).Data.(map[string]any)["balance"])

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, jsonRequest(http.MethodPost, "/api/v1/admin/credits/u-1", `{"amount":0}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ledger.err = errors.New("db down")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, jsonRequest(http.MethodPost, "/api/v1/admin/credits/u-1", `{"amount":5}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
