// Package companion runs the WebSocket control channel used by the
// extension inside each sandboxed browser. Clients authenticate with a
// session id, keep themselves alive with pings and answer DOM snapshot
// requests.
package companion

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ex10-server/internal/config"
	"ex10-server/internal/logging"
	"ex10-server/internal/metrics"
	"ex10-server/internal/session"
)

var (
	// ErrClientNotFound means no authenticated client is registered for the session.
	ErrClientNotFound = errors.New("companion client not found or not authenticated")
	// ErrDOMTimeout means the extension did not answer a DOM request in time.
	ErrDOMTimeout = errors.New("timeout waiting for DOM content")
	// ErrAuthTimeout is logged when a connection never authenticates.
	ErrAuthTimeout = errors.New("companion authentication timeout")
	// ErrConnectionClosed fails DOM requests pending on a closed connection.
	ErrConnectionClosed = errors.New("companion connection closed")
)

// DOMError carries the error reported by the extension.
type DOMError struct {
	Message string
}

func (e *DOMError) Error() string {
	return "extension failed to read DOM: " + e.Message
}

// Close reasons sent to peers.
const (
	ReasonAuthTimeout    = "Authentication timeout"
	ReasonAuthRequired   = "Authentication required"
	ReasonInvalidSession = "Invalid session ID"
	ReasonInvalidMessage = "Invalid message format"
	ReasonStale          = "Connection timeout"
	ReasonSuperseded     = "Superseded by a newer connection"
	ReasonSessionEnded   = "Session ended"
	ReasonShutdown       = "Server shutting down"
)

// SessionResolver finds live sessions.
type SessionResolver interface {
	GetSessionByID(id string) (session.Session, error)
}

// Server accepts companion connections and tracks one authenticated
// client per session id.
type Server struct {
	sessions SessionResolver
	cfg      config.CompanionConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	conns   map[*Client]struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins accepts browser origins besides extension origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[strings.TrimSpace(o)] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return checkOrigin(origin) || allowed[origin]
		}
	}
}

// NewServer creates a Server. Zero timeouts fall back to the defaults.
func NewServer(sessions SessionResolver, cfg config.CompanionConfig, logger *zap.Logger, opts ...Option) *Server {
	defaults := config.Default().Companion
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaults.AuthTimeout
	}
	if cfg.DOMTimeout <= 0 {
		cfg.DOMTimeout = defaults.DOMTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}

	s := &Server{
		sessions: sessions,
		cfg:      cfg,
		logger:   logging.OrGlobal(logger).Named("companion"),
		clients:  make(map[string]*Client),
		conns:    make(map[*Client]struct{}),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r.Header.Get("Origin"))
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkOrigin admits non-browser peers and browser extensions.
func checkOrigin(origin string) bool {
	return origin == "" ||
		strings.HasPrefix(origin, "chrome-extension://") ||
		strings.HasPrefix(origin, "moz-extension://")
}

// ServeHTTP upgrades the connection and runs its read loop until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "companion server stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := newClient(uuid.New().String(), conn)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		c.closeWith(websocket.CloseGoingAway, ReasonShutdown)
		return
	default:
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.mu.Lock()
	c.authTimer = time.AfterFunc(s.cfg.AuthTimeout, func() { s.authExpired(c) })
	c.mu.Unlock()

	s.logger.Debug("companion connected",
		zap.String("conn_id", c.ID),
		zap.String("remote_addr", r.RemoteAddr))

	s.readLoop(c)
}

func (s *Server) authExpired(c *Client) {
	if c.Authenticated() {
		return
	}
	if c.closeWith(websocket.ClosePolicyViolation, ReasonAuthTimeout) {
		metrics.Get().CompanionAuthTotal.WithLabelValues("timeout").Inc()
		s.logger.Info("client failed to authenticate in time",
			zap.String("conn_id", c.ID), zap.Error(ErrAuthTimeout))
	}
}

func (s *Server) readLoop(c *Client) {
	defer s.remove(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("companion read error", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("failed to parse companion message", zap.String("conn_id", c.ID), zap.Error(err))
			c.closeWith(websocket.ClosePolicyViolation, ReasonInvalidMessage)
			return
		}
		c.touch()
		metrics.Get().RecordCompanionMessage(msg.Type, "in")

		if !c.Authenticated() {
			if !s.authenticate(c, msg) {
				return
			}
			continue
		}
		s.handle(c, msg)
	}
}

// authenticate handles the first message of a connection.
func (s *Server) authenticate(c *Client, msg Message) bool {
	m := metrics.Get()

	if msg.Type != TypeExtensionConnected || msg.SessionID == "" {
		m.CompanionAuthTotal.WithLabelValues("rejected").Inc()
		s.logger.Info("first message was not authentication",
			zap.String("conn_id", c.ID), zap.String("type", msg.Type))
		c.closeWith(websocket.ClosePolicyViolation, ReasonAuthRequired)
		return false
	}
	if _, err := s.sessions.GetSessionByID(msg.SessionID); err != nil {
		m.CompanionAuthTotal.WithLabelValues("invalid_session").Inc()
		s.logger.Info("invalid session id provided",
			zap.String("conn_id", c.ID), zap.String("session_id", msg.SessionID))
		c.closeWith(websocket.ClosePolicyViolation, ReasonInvalidSession)
		return false
	}
	if !c.promote(msg.SessionID) {
		return false
	}

	s.mu.Lock()
	old := s.clients[msg.SessionID]
	s.clients[msg.SessionID] = c
	n := len(s.clients)
	s.mu.Unlock()
	m.CompanionClients.Set(float64(n))

	if old != nil && old != c {
		s.logger.Info("superseding companion client",
			zap.String("session_id", msg.SessionID),
			zap.String("old_conn_id", old.ID),
			zap.String("conn_id", c.ID))
		old.closeWith(websocket.CloseGoingAway, ReasonSuperseded)
	}

	if err := s.send(c, Message{Type: TypeAuthSuccess}); err != nil {
		s.logger.Warn("failed to acknowledge authentication", zap.String("session_id", msg.SessionID), zap.Error(err))
		return false
	}
	m.CompanionAuthTotal.WithLabelValues("success").Inc()
	s.logger.Info("client authenticated", zap.String("session_id", msg.SessionID), zap.String("conn_id", c.ID))
	return true
}

func (s *Server) handle(c *Client, msg Message) {
	switch msg.Type {
	case TypePing:
		if err := s.send(c, Message{Type: TypePong}); err != nil {
			s.logger.Debug("failed to send pong", zap.String("session_id", c.SessionID()), zap.Error(err))
		}
	case TypeDOMContent:
		c.resolve(domResult{html: msg.HTML})
	case TypeDOMContentError:
		c.resolve(domResult{err: &DOMError{Message: msg.Error}})
	default:
		s.logger.Debug("ignoring companion message",
			zap.String("session_id", c.SessionID()), zap.String("type", msg.Type))
	}
}

func (s *Server) send(c *Client, msg Message) error {
	if err := c.writeJSON(msg); err != nil {
		return err
	}
	metrics.Get().RecordCompanionMessage(msg.Type, "out")
	return nil
}

// remove forgets c. A superseded client never removes the registration
// that replaced it.
func (s *Server) remove(c *Client) {
	c.closeWith(websocket.CloseNormalClosure, "")

	s.mu.Lock()
	delete(s.conns, c)
	id := c.SessionID()
	if id != "" && s.clients[id] == c {
		delete(s.clients, id)
	}
	n := len(s.clients)
	s.mu.Unlock()
	metrics.Get().CompanionClients.Set(float64(n))

	c.resolve(domResult{err: ErrConnectionClosed})
	if id != "" {
		s.logger.Info("client disconnected", zap.String("session_id", id), zap.String("conn_id", c.ID))
	}
}

func (s *Server) client(sessionID string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[sessionID]
}

// RequestDOM asks the session's extension for the page HTML.
func (s *Server) RequestDOM(ctx context.Context, sessionID string) (string, error) {
	start := time.Now()
	m := metrics.Get()

	c := s.client(sessionID)
	if c == nil {
		m.RecordDOMRequest("not_found", time.Since(start))
		return "", ErrClientNotFound
	}

	ch := c.addWaiter()
	defer c.removeWaiter(ch)

	if err := s.send(c, Message{Type: TypeGetDOMContent}); err != nil {
		m.RecordDOMRequest("error", time.Since(start))
		return "", fmt.Errorf("send DOM request: %w", err)
	}

	timer := time.NewTimer(s.cfg.DOMTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			m.RecordDOMRequest("error", time.Since(start))
			return "", res.err
		}
		m.RecordDOMRequest("ok", time.Since(start))
		return res.html, nil
	case <-timer.C:
		m.RecordDOMRequest("timeout", time.Since(start))
		return "", ErrDOMTimeout
	case <-ctx.Done():
		m.RecordDOMRequest("canceled", time.Since(start))
		return "", ctx.Err()
	}
}

// Disconnect closes the client registered for sessionID, if any.
func (s *Server) Disconnect(sessionID string) bool {
	s.mu.Lock()
	c := s.clients[sessionID]
	delete(s.clients, sessionID)
	n := len(s.clients)
	s.mu.Unlock()

	if c == nil {
		return false
	}
	metrics.Get().CompanionClients.Set(float64(n))
	c.closeWith(websocket.CloseGoingAway, ReasonSessionEnded)
	return true
}

// Sweep closes authenticated clients idle for longer than the staleness
// threshold and returns how many it evicted.
func (s *Server) Sweep() int {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)

	var stale []*Client
	s.mu.Lock()
	for id, c := range s.clients {
		if c.LastActivity().Before(cutoff) {
			delete(s.clients, id)
			stale = append(stale, c)
		}
	}
	n := len(s.clients)
	s.mu.Unlock()

	m := metrics.Get()
	m.CompanionClients.Set(float64(n))
	for _, c := range stale {
		s.logger.Info("client timed out",
			zap.String("session_id", c.SessionID()),
			zap.Duration("stale_after", s.cfg.StaleAfter))
		c.closeWith(websocket.CloseGoingAway, ReasonStale)
		m.CompanionEvictionsTotal.Inc()
	}
	return len(stale)
}

// Run sweeps stale clients until ctx is done or the server stops.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Stop closes every connection and refuses new ones.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		conns := make([]*Client, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.clients = make(map[string]*Client)
		s.mu.Unlock()
		metrics.Get().CompanionClients.Set(0)

		for _, c := range conns {
			c.closeWith(websocket.CloseGoingAway, ReasonShutdown)
		}
		s.logger.Info("companion server stopped", zap.Int("closed", len(conns)))
	})
}

// Len returns the number of authenticated clients.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// IsConnected reports whether sessionID has an authenticated client.
func (s *Server) IsConnected(sessionID string) bool {
	return s.client(sessionID) != nil
}

// HTTPServer builds the listener for the channel. When the certificate
// pair loads the server speaks WSS; otherwise it falls back to plain WS.
func (s *Server) HTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !s.cfg.TLSEnabled() {
		return srv
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.CertPath, s.cfg.KeyPath)
	if err != nil {
		s.logger.Warn("failed to load TLS certificates, falling back to insecure WebSocket server",
			zap.String("cert_path", s.cfg.CertPath),
			zap.String("key_path", s.cfg.KeyPath),
			zap.Error(err))
		return srv
	}
	srv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return srv
}

// ListenAndServe serves srv over TLS when it carries a TLS config.
func ListenAndServe(srv *http.Server) error {
	if srv.TLSConfig != nil {
		return srv.ListenAndServeTLS("", "")
	}
	return srv.ListenAndServe()
}
