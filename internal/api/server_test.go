package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/albapepper/parkwatch/internal/config"
	"github.com/albapepper/parkwatch/internal/notifications"
)

type stubRunner struct{}

func (stubRunner) Run(context.Context, notifications.Options) (*notifications.Report, error) {
	return &notifications.Report{OK: true}, nil
}

func (stubRunner) Phase() notifications.Phase { return notifications.PhaseIdle }

func (stubRunner) LastReport() *notifications.Report { return nil }

type stubPinger struct{}

func (stubPinger) HealthCheck(context.Context) error { return nil }

func testRouter(cfg *config.Config) http.Handler {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("parkwatch_runs_total 1\n"))
	})
	return NewRouter(stubRunner{}, stubPinger{}, metrics, cfg)
}

func TestRouter_Routes(t *testing.T) {
	router := testRouter(&config.Config{})

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/health/db", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/api/v1/run", http.StatusOK},
		{http.MethodGet, "/api/v1/run", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestRouter_TimingHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(&config.Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Process-Time"))
}

func TestRouter_RateLimitsInvocation(t *testing.T) {
	router := testRouter(&config.Config{
		RateLimitEnabled:  true,
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
	})

	var codes []int
	for range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/run", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)

	// Health stays reachable for the same client.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
