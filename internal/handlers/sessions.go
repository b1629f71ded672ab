package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ex10-server/internal/sandbox"
	"ex10-server/internal/session"
)

// Stream statuses of /createSession.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusError    = "error"
)

// StreamRecord is one NDJSON line of the /createSession stream.
type StreamRecord struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data"`
}

// CreateResult is the data of the terminal complete record.
type CreateResult struct {
	SessionID   string `json:"sessionId"`
	IsNew       bool   `json:"isNew"`
	DisplayPort int    `json:"displayPort"`
	Message     string `json:"message"`
}

// CreateFailure is the data of the terminal error record.
type CreateFailure struct {
	Message   string `json:"message"`
	Error     string `json:"error"`
	Step      string `json:"step,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// CreateSession provisions a session and streams progress as NDJSON.
// Provisioning runs on a context detached from the request so a client
// disconnect does not abandon half-created host state.
func (h *Handler) CreateSession(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	emit := func(rec StreamRecord) {
		if err := enc.Encode(rec); err != nil {
			h.logger.Debug("create stream write failed", zap.Error(err))
			return
		}
		c.Writer.Flush()
	}

	emit(StreamRecord{Status: StatusRunning, Data: session.Progress{Step: "start", Message: "Creating session"}})

	ctx := context.WithoutCancel(c.Request.Context())
	sess, err := h.Sessions.CreateSession(ctx, func(p session.Progress) {
		emit(StreamRecord{Status: StatusRunning, Data: p})
	})
	if err != nil {
		failure := CreateFailure{
			Message: "Failed to create session",
			Error:   err.Error(),
		}
		var perr *session.ProvisioningError
		if errors.As(err, &perr) {
			failure.Step = perr.Step
			failure.SessionID = perr.SessionID
		}
		emit(StreamRecord{Status: StatusError, Data: failure})
		return
	}

	emit(StreamRecord{Status: StatusComplete, Data: CreateResult{
		SessionID:   sess.ID,
		IsNew:       sess.IsNew,
		DisplayPort: sess.DisplayPort,
		Message:     "Session ready",
	}})
}

// DeleteSession tears a session down.
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	report, err := h.Sessions.CleanupSession(context.WithoutCancel(c.Request.Context()), id)
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
			Message: "Failed to clean up session",
			Error:   err.Error(),
		})
		return
	}
	if !report.Success {
		c.JSON(http.StatusInternalServerError, StandardResponse{
			Success: false,
			Message: "Session cleaned up with errors",
			Errors:  report.Errors,
		})
		return
	}
	c.JSON(http.StatusOK, StandardResponse{
		Success: true,
		Message: "Session cleaned up successfully",
	})
}

// CodeFile is one generated file.
type CodeFile struct {
	FilePath     string  `json:"file_path"`
	FileContent  *string `json:"file_content"`
	FileFinished bool    `json:"file_finished"`
}

// UpdateCodeRequest is the body of POST /updateCode.
type UpdateCodeRequest struct {
	SessionID string    `json:"sessionId"`
	Code      *CodeFile `json:"code"`
}

// UpdateCode writes one generated file into the session sandbox.
func (h *Handler) UpdateCode(c *gin.Context) {
	var req UpdateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false,
			Message: "Invalid request format",
			Error:   err.Error(),
		})
		return
	}
	// file_content may be empty but must be present
	if req.SessionID == "" || req.Code == nil || req.Code.FilePath == "" || req.Code.FileContent == nil {
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false,
			Message: "sessionId, code.file_path and code.file_content are required",
		})
		return
	}

	_, err := h.Sessions.WriteFile(context.WithoutCancel(c.Request.Context()), req.SessionID, req.Code.FilePath, []byte(*req.Code.FileContent))
	var pathErr *sandbox.InvalidPathError
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false,
			Message: "Session not found",
		})
		return
	case errors.As(err, &pathErr):
		c.JSON(http.StatusBadRequest, StandardResponse{
			Success: false,
			Message: "Invalid file path",
			Error:   pathErr.Error(),
		})
		return
	default:
		h.logger.Error("code write failed",
			zap.String("session_id", req.SessionID),
			zap.String("file_path", req.Code.FilePath),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, StandardResponse{
			Success: false,
			Message: "Failed to write file",
			Error:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       "File updated",
		"file_finished": req.Code.FileFinished,
	})
}

// GetSessionDom fetches the page HTML through the companion channel.
func (h *Handler) GetSessionDom(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Sessions.GetSessionByID(id); err != nil {
		c.JSON(http.StatusNotFound, StandardResponse{
			Success: false,
			Message: "Session not found",
		})
		return
	}

	dom, err := h.Companion.RequestDOM(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("DOM request failed", zap.String("session_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, StandardResponse{
			Success: false,
			Message: "Failed to get DOM content",
			Error:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"dom":     dom,
	})
}
