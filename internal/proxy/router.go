// Package proxy routes /session/{id}/... to the display server of each
// session, including WebSocket upgrades, through one cached Target per
// session.
package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/metrics"
	"ex10-server/internal/session"
)

// SessionResolver finds live sessions.
type SessionResolver interface {
	GetSessionByID(id string) (session.Session, error)
}

// TargetFactory builds the Target for a session.
type TargetFactory func(id string, port int) Target

// Router owns the per-session Target cache.
type Router struct {
	sessions SessionResolver
	factory  TargetFactory
	logger   *zap.Logger

	mu      sync.Mutex
	targets map[string]Target
}

// Option configures a Router.
type Option func(*Router)

// WithTargetFactory replaces how targets are built.
func WithTargetFactory(f TargetFactory) Option {
	return func(rt *Router) { rt.factory = f }
}

// NewRouter creates a Router.
func NewRouter(sessions SessionResolver, logger *zap.Logger, opts ...Option) *Router {
	rt := &Router{
		sessions: sessions,
		logger:   logging.OrGlobal(logger).Named("proxy"),
		targets:  make(map[string]Target),
	}
	rt.factory = func(id string, port int) Target {
		return newSessionTarget(id, port, rt.logger)
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// GetOrCreate returns the cached Target for id, building it at most once.
func (rt *Router) GetOrCreate(id string, port int) Target {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if t, ok := rt.targets[id]; ok {
		return t
	}
	t := rt.factory(id, port)
	rt.targets[id] = t
	metrics.Get().ProxyTargets.Set(float64(len(rt.targets)))
	rt.logger.Debug("created proxy target", zap.String("session_id", id), zap.Int("port", port))
	return t
}

// Lookup returns the cached Target for id without creating one.
func (rt *Router) Lookup(id string) (Target, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.targets[id]
	return t, ok
}

// Evict drops the Target for id.
func (rt *Router) Evict(id string) {
	rt.mu.Lock()
	_, ok := rt.targets[id]
	delete(rt.targets, id)
	n := len(rt.targets)
	rt.mu.Unlock()

	if ok {
		metrics.Get().ProxyEvictionsTotal.Inc()
		metrics.Get().ProxyTargets.Set(float64(n))
	}
}

// Len returns the number of cached targets.
func (rt *Router) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.targets)
}

// Register mounts the proxy routes on r.
func (rt *Router) Register(r gin.IRoutes) {
	r.GET("/session/:id", rt.Handle)
	r.Any("/session/:id/*path", rt.Handle)
}

// Handle serves /session/:id and /session/:id/*path.
func (rt *Router) Handle(c *gin.Context) {
	id := c.Param("id")
	sess, err := rt.sessions.GetSessionByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "Session not found",
		})
		return
	}

	if p := c.Param("path"); p == "" || p == "/" {
		c.Redirect(http.StatusFound, PathPrefix(id)+"/index.html")
		return
	}

	target := rt.GetOrCreate(id, sess.DisplayPort)
	if isWebSocketUpgrade(c.Request) {
		target.Upgrade(c.Writer, c.Request)
		c.Abort()
		return
	}
	target.Forward(c.Writer, c.Request)
}

// InterceptUpgrades handles WebSocket upgrades for session paths before
// they reach next. Only an existing Target is used; an upgrade for a
// session without one has its connection closed at once.
func (rt *Router) InterceptUpgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		id, ok := sessionIDFromPath(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		target, ok := rt.Lookup(id)
		if !ok {
			metrics.Get().ProxyUpgradesTotal.WithLabelValues("rejected").Inc()
			rt.logger.Debug("rejecting upgrade for unknown session", zap.String("session_id", id))
			destroy(w)
			return
		}
		target.Upgrade(w, r)
	})
}

// sessionIDFromPath extracts {id} from /session/{id}/...
func sessionIDFromPath(p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, "/session/")
	if !ok {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	return id, id != ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header, "Connection", "upgrade")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// destroy closes the underlying connection without writing a response.
func destroy(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func writeJSONError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]interface{}{
		"success": false,
		"message": message,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
