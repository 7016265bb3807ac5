package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"StableLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestNewMetricsWith_IsolatedRegistries(t *testing.T) {
	// two registries must not collide
	m1 := observability.NewMetricsWith(prometheus.NewRegistry())
	m2 := observability.NewMetricsWith(prometheus.NewRegistry())
	m1.OpsApplied.WithLabelValues("deposit").Inc()
	m2.SetChannelMetrics("persist", 5, 10)
}
