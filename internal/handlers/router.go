package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ex10-server/internal/metrics"
	"ex10-server/internal/middleware"
	"ex10-server/internal/proxy"
)

// RouterOptions configures the API engine.
type RouterOptions struct {
	Proxy         *proxy.Router
	CORSOrigins   []string
	CreateLimiter *middleware.IPRateLimiter
	Logger        *zap.Logger
	ExposeMetrics bool
}

// NewRouter builds the gin engine serving the REST API and the session
// proxy.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(opts.Logger),
		middleware.Logger(opts.Logger, "/health", "/metrics"),
		metrics.PrometheusMiddleware(),
		middleware.CORS(opts.CORSOrigins),
	)

	api := r.Group("/", middleware.SecurityHeaders())
	{
		api.GET("/health", h.Health)
		if opts.ExposeMetrics {
			api.GET("/metrics", metrics.PrometheusHandler())
		}

		create := []gin.HandlerFunc{h.CreateSession}
		if opts.CreateLimiter != nil {
			create = append([]gin.HandlerFunc{middleware.RateLimit(opts.CreateLimiter)}, create...)
		}
		api.GET("/createSession", create...)
		api.POST("/updateCode", h.UpdateCode)
		api.GET("/getSessionDom/:id", h.GetSessionDom)
		api.DELETE("/session/:id", h.DeleteSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
	}

	if opts.Proxy != nil {
		opts.Proxy.Register(r)
	}
	return r
}
