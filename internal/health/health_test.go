package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(status Status, msg string) Checker {
	return func(context.Context) (Status, string) { return status, msg }
}

func TestRegistry_Healthz(t *testing.T) {
	r := NewRegistry("1.4.0")
	r.Register("postgres", Ping(func(context.Context) error { return nil }))
	r.Register("notifications", fixed(StatusDegraded, "circuit open"))

	rec := httptest.NewRecorder()
	r.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "1.4.0", report.Version)
	assert.Equal(t, StatusHealthy, report.Checks["postgres"].Status)
	assert.Equal(t, "circuit open", report.Checks["notifications"].Message)
	assert.Equal(t, []string{"notifications", "postgres"}, r.Names())
}

func TestRegistry_UnhealthyFailsReadiness(t *testing.T) {
	r := NewRegistry("dev")
	r.Register("redis", Ping(func(context.Context) error { return errors.New("connection refused") }))
	r.Register("notifications", fixed(StatusDegraded, ""))

	report := r.Evaluate(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "connection refused", report.Checks["redis"].Message)

	rec := httptest.NewRecorder()
	r.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())
}

func TestRegistry_DegradedStaysReady(t *testing.T) {
	r := NewRegistry("dev")
	r.Register("outbox", fixed(StatusDegraded, "backlog is growing"))

	rec := httptest.NewRecorder()
	r.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestRegistry_SlowCheckerHitsTimeout(t *testing.T) {
	r := NewRegistry("dev")
	r.timeout = 20 * time.Millisecond
	r.Register("slow", Ping(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	report := r.Evaluate(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks["slow"].Message, "deadline")
}

func TestRegistry_EmptyIsHealthy(t *testing.T) {
	report := NewRegistry("dev").Evaluate(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
}

func TestLivez(t *testing.T) {
	rec := httptest.NewRecorder()
	Livez(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestWorse(t *testing.T) {
	assert.Equal(t, StatusDegraded, worse(StatusHealthy, StatusDegraded))
	assert.Equal(t, StatusUnhealthy, worse(StatusUnhealthy, StatusDegraded))
	assert.Equal(t, StatusHealthy, worse(StatusHealthy, StatusHealthy))
}
