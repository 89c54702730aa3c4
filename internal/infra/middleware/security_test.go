package middleware

import (
	"bytes"
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeadersHSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func TestRateLimitPerIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var limited atomic.Int32
	handler := RateLimitWithConfig(ctx, RateLimitConfig{
		RequestsPerMin: 60,
		BurstSize:      3,
		OnLimited:      func(*http.Request) { limited.Add(1) },
	})(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/assist", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := range 3 {
		assert.Equal(t, http.StatusOK, send("10.0.0.1:5000"), "request %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:5001"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:5000"), "other IPs have their own bucket")
	assert.Equal(t, int32(1), limited.Load())
}

func TestRateLimitDisabled(t *testing.T) {
	handler := RateLimit(context.Background(), 0, 0)(okHandler())
	for range 50 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.1.1.1")

	assert.Equal(t, "10.1.1.1", clientIP(req, nil), "untrusted peers cannot spoof")
	assert.Equal(t, "203.0.113.7", clientIP(req, []string{"10.1.1.1"}))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientIP(req, []string{"10.1.1.1"}))

	req.RemoteAddr = "[2001:db8::1]:8080"
	assert.Equal(t, "2001:db8::1", clientIP(req, nil))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler := AccessLog(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/assist/poll", nil))
	assert.Contains(t, buf.String(), "status=202")
	assert.Contains(t, buf.String(), "path=/api/v1/assist/poll")
}
