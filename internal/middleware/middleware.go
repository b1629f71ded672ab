// Package middleware holds the gin middleware of the session API: request
// ids, panic recovery, access logging, per-IP rate limiting, CORS and
// security headers.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ex10-server/internal/logging"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Success   bool                   `json:"success"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

func errorResponse(c *gin.Context, message, code string) ErrorResponse {
	return ErrorResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString(RequestIDKey),
	}
}

// Recovery middleware with custom error handling
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrGlobal(logger)
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("panic recovered",
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered),
			zap.ByteString("stack", debug.Stack()))

		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse(c, "Internal server error", "INTERNAL_SERVER_ERROR"))
	})
}

// Logger writes one structured access log line per request.
func Logger(logger *zap.Logger, skipPaths ...string) gin.HandlerFunc {
	logger = logging.OrGlobal(logger).Named("http")
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if skip[c.Request.URL.Path] {
			return
		}
		fields := []zap.Field{
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, zap.String("errors", errs))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// RateLimiter represents a rate limiter for a specific client
type RateLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter manages rate limiters for different IP addresses
type IPRateLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	idle     time.Duration
}

// NewIPRateLimiter creates a new IP-based rate limiter
func NewIPRateLimiter(rateLimit rate.Limit, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rateLimit,
		burst:    burst,
		cleanup:  10 * time.Minute,
		idle:     time.Hour,
	}
}

// PerMinute builds a limiter allowing n requests per minute per IP.
func PerMinute(n, burst int) *IPRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return NewIPRateLimiter(rate.Limit(n)/60, burst)
}

// GetLimiter returns the rate limiter for a given IP
func (irl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	irl.mu.Lock()
	defer irl.mu.Unlock()

	limiter, exists := irl.limiters[ip]
	if !exists {
		limiter = &RateLimiter{
			limiter:  rate.NewLimiter(irl.rate, irl.burst),
			lastSeen: time.Now(),
		}
		irl.limiters[ip] = limiter
	} else {
		limiter.lastSeen = time.Now()
	}

	return limiter.limiter
}

// Prune removes limiters not seen since the idle window.
func (irl *IPRateLimiter) Prune() int {
	irl.mu.Lock()
	defer irl.mu.Unlock()

	cutoff := time.Now().Add(-irl.idle)
	removed := 0
	for ip, limiter := range irl.limiters {
		if limiter.lastSeen.Before(cutoff) {
			delete(irl.limiters, ip)
			removed++
		}
	}
	return removed
}

// Run prunes idle limiters until ctx is done.
func (irl *IPRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(irl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			irl.Prune()
		}
	}
}

// RateLimit middleware for rate limiting by IP
func RateLimit(irl *IPRateLimiter) gin.HandlerFunc {
	perMinute := float64(irl.rate) * 60

	return func(c *gin.Context) {
		if !irl.GetLimiter(c.ClientIP()).Allow() {
			resp := errorResponse(c, "Rate limit exceeded", "RATE_LIMIT_EXCEEDED")
			resp.Details = map[string]interface{}{
				"retry_after": "60s",
				"limit":       fmt.Sprintf("%.0f requests per minute", perMinute),
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, resp)
			return
		}
		c.Next()
	}
}

// RequestID middleware adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set(RequestIDKey, requestID)
		c.Next()
	}
}

// CORS middleware for handling cross-origin requests. An origin of "*"
// allows every origin.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			// credentials only for origins listed by name
			if allowed[origin] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
