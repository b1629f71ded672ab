package handlers

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"ex10-server/internal/session"
)

var startTime = time.Now()

// Health reports liveness plus session and companion counts.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"sessions":         len(h.Sessions.List()),
		"companionClients": h.Companion.Len(),
		"proxyTargets":     h.Proxies.Len(),
		"uptime":           time.Since(startTime).Round(time.Second).String(),
		"goroutines":       runtime.NumGoroutine(),
	})
}

// SessionStatus is the public view of a live session.
type SessionStatus struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	DisplayPort        int       `json:"displayPort"`
	CreatedAt          time.Time `json:"createdAt"`
	SupervisorPID      int       `json:"supervisorPid,omitempty"`
	CompanionConnected bool      `json:"companionConnected"`
	ProxyCached        bool      `json:"proxyCached"`
}

func (h *Handler) status(s session.Session) SessionStatus {
	_, cached := h.Proxies.Lookup(s.ID)
	return SessionStatus{
		ID:                 s.ID,
		Username:           s.Username,
		DisplayPort:        s.DisplayPort,
		CreatedAt:          s.CreatedAt,
		SupervisorPID:      s.SupervisorPID,
		CompanionConnected: h.Companion.IsConnected(s.ID),
		ProxyCached:        cached,
	}
}

// ListSessions returns every live session, oldest first.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.Sessions.List()
	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, h.status(s))
	}
	c.JSON(http.StatusOK, StandardResponse{
		Success: true,
		Data:    out,
	})
}

// GetSession returns the status of one session.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.Sessions.GetSessionByID(c.Param("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false,
			Message: "Session not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, StandardResponse{
			Success: false,
			Message: "Failed to look up session",
			Error:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, StandardResponse{
		Success: true,
		Data:    h.status(s),
	})
}
