package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServer(t *testing.T) {
	srv := NewServer(":9100", prometheus.NewRegistry(), nil)
	assert.Equal(t, ":9100", srv.Addr)
	assert.NotNil(t, srv.Handler)
	assert.NotZero(t, srv.ReadHeaderTimeout)
}

func TestHealthz(t *testing.T) {
	rec := get(t, routes(prometheus.NewRegistry(), nil), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHealthz_Unhealthy(t *testing.T) {
	h := routes(prometheus.NewRegistry(), func() error { return errors.New("nginx is not running") })
	rec := get(t, h, "/healthz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy: nginx is not running", rec.Body.String())
}

func TestMetrics_ServesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "proxyhost_test_total", Help: "test"})
	require.NoError(t, reg.Register(c))
	c.Add(3)

	rec := get(t, routes(reg, nil), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proxyhost_test_total 3")
}

func TestMetrics_OnlyGet(t *testing.T) {
	rec := httptest.NewRecorder()
	routes(prometheus.NewRegistry(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
