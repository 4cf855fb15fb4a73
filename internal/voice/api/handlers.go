package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/voice"
)

// Handler contains HTTP handlers for the voice control API
type Handler struct {
	manager *voice.Manager
	logger  *logger.Logger
}

// NewHandler creates a new voice API handler
func NewHandler(manager *voice.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "voice-api")),
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// StartVoice begins voice control for a session
// POST /api/v1/voice/start
func (h *Handler) StartVoice(c *gin.Context) {
	var req StartVoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.manager.StartSession(c.Request.Context(), req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Voice control started", zap.String("session_id", req.SessionID))
	c.JSON(http.StatusCreated, session)
}

// StopVoice ends voice control for a session
// POST /api/v1/voice/stop
func (h *Handler) StopVoice(c *gin.Context) {
	var req StopVoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.StopSession(c.Request.Context(), req.SessionID); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Voice control stopped", zap.String("session_id", req.SessionID))
	c.JSON(http.StatusOK, gin.H{"message": "voice session stopped"})
}

// VoiceStatus reports one session's voice state, or the active session IDs
// when no sessionId query parameter is given
// GET /api/v1/voice/status
func (h *Handler) VoiceStatus(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		active := h.manager.Active()
		c.JSON(http.StatusOK, ActiveVoiceResponse{
			Active: active,
			Total:  len(active),
		})
		return
	}

	session, err := h.manager.Status(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// SubmitUtterance hands a transcribed utterance to the prompt pipeline
// POST /api/v1/voice
func (h *Handler) SubmitUtterance(c *gin.Context) {
	var req SubmitUtteranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.manager.SubmitAudio(c.Request.Context(), req.SessionID, req.Utterance)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}
