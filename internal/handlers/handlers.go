// Package handlers implements the REST surface of the sandbox server:
// session creation with streamed progress, teardown, code updates, DOM
// snapshots and status endpoints.
package handlers

import (
	"context"

	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/proxy"
	"ex10-server/internal/session"
)

// SessionService is the orchestrator used by the handlers.
type SessionService interface {
	CreateSession(ctx context.Context, progress session.ProgressFunc) (session.Session, error)
	CleanupSession(ctx context.Context, id string) (session.CleanupReport, error)
	GetSessionByID(id string) (session.Session, error)
	WriteFile(ctx context.Context, sessionID, relPath string, content []byte) (string, error)
	List() []session.Session
}

// Companion is the control channel to the in-sandbox extensions.
type Companion interface {
	RequestDOM(ctx context.Context, sessionID string) (string, error)
	IsConnected(sessionID string) bool
	Len() int
}

// ProxyCache reports which sessions have a live proxy target.
type ProxyCache interface {
	Lookup(id string) (proxy.Target, bool)
	Len() int
}

// Handler contains all the dependencies for API handlers
type Handler struct {
	Sessions  SessionService
	Companion Companion
	Proxies   ProxyCache
	logger    *zap.Logger
}

// NewHandler creates a new handler instance
func NewHandler(sessions SessionService, companion Companion, proxies ProxyCache, logger *zap.Logger) *Handler {
	return &Handler{
		Sessions:  sessions,
		Companion: companion,
		Proxies:   proxies,
		logger:    logging.OrGlobal(logger).Named("handlers"),
	}
}

// StandardResponse represents a standard API response
type StandardResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Errors  []string    `json:"errors,omitempty"`
}
