package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestStatusCodeToLabel(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		302: "3xx",
		404: "4xx",
		500: "5xx",
		101: "unknown",
	}
	for code, want := range tests {
		assert.Equal(t, want, statusCodeToLabel(code))
	}
}

func TestRecordCommand(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("pkill", "error"))

	m.RecordCommand("pkill", errors.New("exit status 2"), 10*time.Millisecond)
	m.RecordCommand("pkill", nil, time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("pkill", "error")))
}

func TestCollector_Collect(t *testing.T) {
	c := NewCollector(Sources{
		Sessions:   func() int { return 3 },
		PortsInUse: func() int { return 4 },
	}, time.Hour)
	c.Collect()

	m := Get()
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PortsInUse))
	assert.Greater(t, testutil.ToFloat64(m.GoroutineNum), 0.0)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()
	c.Stop()
}

func TestPrometheusMiddlewareAndHandler(t *testing.T) {
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/sessions/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", PrometheusHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, `ex10_http_requests_total{endpoint="/sessions/:id",method="GET",status="2xx"}`))
}
