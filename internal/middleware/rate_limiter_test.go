package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mir00r/domain-proxy/internal/domain"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 2}, logger.NewNop())
	handler := limiter.RateLimitMiddleware()(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/domain", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiterIsPerClient(t *testing.T) {
	limiter := NewRateLimiter(domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1}, logger.NewNop())
	handler := limiter.RateLimitMiddleware()(okHandler())

	for _, addr := range []string{"192.0.2.1:5000", "192.0.2.2:5000"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, addr)
	}
	assert.Equal(t, 2, limiter.GetStats()["active_clients"])
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(domain.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, logger.NewNop())
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.getLimiter("192.0.2.1")
	now = now.Add(limiterIdleTTL + limiterSweepPeriod)
	limiter.getLimiter("192.0.2.2")

	assert.Equal(t, 1, limiter.GetStats()["active_clients"])
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.1:1", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.9"}, "10.0.0.1:1", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
