package admin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/wsloop/internal/logger"
)

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "wsloop_test_total",
		Help: "test counter",
	}).Add(3)

	rec := httptest.NewRecorder()
	NewRouter(reg, logger.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wsloop_test_total 3")
}

func TestRouter_Healthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(prometheus.NewRegistry(), logger.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "ok\n"))
}

func TestRouter_UnknownRouteAndMethod(t *testing.T) {
	h := NewRouter(prometheus.NewRegistry(), logger.Nop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_ListenStartShutdown(t *testing.T) {
	s, err := Listen("127.0.0.1:0", prometheus.NewRegistry(), logger.Nop())
	require.NoError(t, err)
	s.Start()

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	require.NoError(t, s.Shutdown(context.Background()))
	_, err = http.Get("http://" + s.Addr().String() + "/healthz")
	assert.Error(t, err)
}

func TestListen_BadAddress(t *testing.T) {
	_, err := Listen("256.0.0.1:bad", prometheus.NewRegistry(), logger.Nop())
	assert.Error(t, err)
}
