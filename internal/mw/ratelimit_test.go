package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	handler := RateLimit(rate.Every(time.Hour), 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitIsPerClientAndPath(t *testing.T) {
	handler := RateLimit(rate.Every(time.Hour), 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:5000", "/api/chat"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:5001", "/api/chat"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:5000", "/api/chat"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:5000", "/api/models"))
}

func TestClientIPFallsBackToRawAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.1", clientIP("10.0.0.1:1234"))
	assert.Equal(t, "not-an-addr", clientIP("not-an-addr"))
}
