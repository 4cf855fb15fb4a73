package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/prsession"
)

// Handler contains HTTP handlers for the PR session API
type Handler struct {
	manager *prsession.Manager
	logger  *logger.Logger
}

// NewHandler creates a new PR session API handler
func NewHandler(manager *prsession.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "pr-session-api")),
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// parsePR reads the :pr route parameter. On failure it writes the error
// response and reports false.
func parsePR(c *gin.Context) (int, bool) {
	raw := c.Param("pr")
	pr, err := strconv.Atoi(raw)
	if err != nil || pr <= 0 {
		appErr := apperrors.BadRequest("invalid PR number: " + raw)
		c.JSON(appErr.HTTPStatus, appErr)
		return 0, false
	}
	return pr, true
}

// CreatePRSession opens a session for a pull request
// POST /api/v1/pr-session
func (h *Handler) CreatePRSession(c *gin.Context) {
	var req CreatePRSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.manager.Create(c.Request.Context(), prsession.CreateInput{
		PR:               req.PR,
		Repository:       req.Repository,
		Branch:           req.Branch,
		SandboxSessionID: req.SandboxSessionID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("PR session created",
		zap.Int("pr", session.PR),
		zap.String("repository", session.Repository))
	c.JSON(http.StatusCreated, session)
}

// ListPRSessions lists PR sessions ordered by PR number
// GET /api/v1/pr-session
func (h *Handler) ListPRSessions(c *gin.Context) {
	sessions := h.manager.All()
	c.JSON(http.StatusOK, PRSessionsListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// GetPRSession returns one PR session
// GET /api/v1/pr-session/:pr
func (h *Handler) GetPRSession(c *gin.Context) {
	pr, ok := parsePR(c)
	if !ok {
		return
	}

	session, err := h.manager.Get(pr)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// ClosePRSession ends a PR session
// DELETE /api/v1/pr-session/:pr
func (h *Handler) ClosePRSession(c *gin.Context) {
	pr, ok := parsePR(c)
	if !ok {
		return
	}

	if err := h.manager.Close(pr); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("PR session closed", zap.Int("pr", pr))
	c.JSON(http.StatusOK, gin.H{"message": "PR session closed"})
}

// GetComments returns the session's comments, merging in remote review
// comments when a GitHub client is configured
// GET /api/v1/pr-session/:pr/comments
func (h *Handler) GetComments(c *gin.Context) {
	pr, ok := parsePR(c)
	if !ok {
		return
	}

	comments, err := h.manager.Comments(c.Request.Context(), pr)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CommentsListResponse{
		Comments: comments,
		Total:    len(comments),
	})
}

// Respond records the agent's reply on a PR session
// POST /api/v1/pr-session/:pr/respond
func (h *Handler) Respond(c *gin.Context) {
	pr, ok := parsePR(c)
	if !ok {
		return
	}

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.manager.Respond(c.Request.Context(), pr, req.CommentID, req.Body)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}
