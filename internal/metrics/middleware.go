// Package metrics provides Prometheus metrics middleware for Gin
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// responseWriter wraps gin.ResponseWriter to capture response size
type responseWriter struct {
	gin.ResponseWriter
	size int
}

func (w *responseWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	w.size += n
	return n, err
}

func (w *responseWriter) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	w.size += n
	return n, err
}

// PrometheusMiddleware returns a Gin middleware that records HTTP metrics
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		// Skip metrics endpoint itself
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()

		// Track in-flight requests
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// Wrap response writer to capture size
		rw := &responseWriter{ResponseWriter: c.Writer, size: 0}
		c.Writer = rw

		// Process request
		c.Next()

		// Record metrics after request completes
		duration := time.Since(start)
		endpoint := normalizeEndpoint(c.FullPath())

		m.RecordHTTPRequest(
			endpoint,
			c.Request.Method,
			c.Writer.Status(),
			duration,
			rw.size,
		)
	}
}

// PrometheusHandler returns the Prometheus HTTP handler
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// normalizeEndpoint normalizes endpoint paths to reduce cardinality.
// Gin's FullPath() already uses placeholders like :id, and unmatched
// routes report an empty path.
func normalizeEndpoint(path string) string {
	if path == "" {
		return "unknown"
	}
	return path
}
