package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/multiplayer"
)

// Handler contains HTTP handlers for the multiplayer session API
type Handler struct {
	manager *multiplayer.Manager
	logger  *logger.Logger
}

// NewHandler creates a new multiplayer API handler
func NewHandler(manager *multiplayer.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "multiplayer-api")),
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateSession opens a new collaborative session. The body is optional; a
// session ID is generated when none is given.
// POST /api/v1/multiplayer
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	_ = c.ShouldBindJSON(&req)

	session, err := h.manager.Create(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Multiplayer session created", zap.String("session_id", session.ID))
	c.JSON(http.StatusCreated, session)
}

// ListSessions lists all active sessions
// GET /api/v1/multiplayer
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.manager.All()
	c.JSON(http.StatusOK, SessionsListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// GetSession returns one session with users, clients, state and queue
// GET /api/v1/multiplayer/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.manager.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// RemoveSession tears down a session
// DELETE /api/v1/multiplayer/:id
func (h *Handler) RemoveSession(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.Remove(id); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Multiplayer session removed", zap.String("session_id", id))
	c.JSON(http.StatusOK, gin.H{"message": "session removed"})
}

// Join adds a user to a session
// POST /api/v1/multiplayer/:id/join
func (h *Handler) Join(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	user, err := h.manager.Join(c.Request.Context(), id, multiplayer.JoinInput{
		Name:  req.Name,
		Color: req.Color,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("User joined session",
		zap.String("session_id", id),
		zap.String("user_id", user.ID))
	c.JSON(http.StatusCreated, user)
}

// Leave removes a user, releasing the edit lock and any clients it held
// POST /api/v1/multiplayer/:id/leave
func (h *Handler) Leave(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.Leave(c.Request.Context(), id, req.UserID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "user left session"})
}

// UpdateCursor records a user's cursor position
// PUT /api/v1/multiplayer/:id/cursor
func (h *Handler) UpdateCursor(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req CursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.UpdateCursor(id, req.UserID, req.Cursor); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "cursor updated"})
}

// AcquireLock attempts to take the edit lock. Contention is not an error:
// the result reports success plus the holder when denied.
// POST /api/v1/multiplayer/:id/lock
func (h *Handler) AcquireLock(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.manager.AcquireLock(id, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ReleaseLock gives up the edit lock
// DELETE /api/v1/multiplayer/:id/lock
func (h *Handler) ReleaseLock(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.manager.ReleaseLock(id, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Connect registers a client connection for a session user
// POST /api/v1/multiplayer/:id/connect
func (h *Handler) Connect(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	client, err := h.manager.Connect(c.Request.Context(), id, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, client)
}

// Disconnect unregisters a client connection
// POST /api/v1/multiplayer/:id/disconnect
func (h *Handler) Disconnect(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req DisconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.Disconnect(c.Request.Context(), id, req.ClientID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "client disconnected"})
}

// GetUsers lists the users in a session
// GET /api/v1/multiplayer/:id/users
func (h *Handler) GetUsers(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	users, err := h.manager.GetUsers(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, UsersListResponse{
		Users: users,
		Total: len(users),
	})
}

// GetClients lists the connected clients in a session
// GET /api/v1/multiplayer/:id/clients
func (h *Handler) GetClients(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	clients, err := h.manager.GetClients(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ClientsListResponse{
		Clients: clients,
		Total:   len(clients),
	})
}

// UpdateState patches the shared session state and returns the session
// PUT /api/v1/multiplayer/:id/state
func (h *Handler) UpdateState(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req StateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.UpdateState(id, req.GitSyncStatus, req.AgentStatus); err != nil {
		respondError(c, err)
		return
	}

	session, err := h.manager.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// AddPrompt queues a prompt for the session agent
// POST /api/v1/multiplayer/:id/prompt
func (h *Handler) AddPrompt(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	prompt, err := h.manager.AddPrompt(c.Request.Context(), id, req.UserID, req.Content, req.Priority)
	if err != nil {
		if errors.Is(err, multiplayer.ErrQueueFull) {
			appErr := apperrors.Conflict("prompt queue is full")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		respondError(c, err)
		return
	}

	h.logger.Info("Prompt queued",
		zap.String("session_id", id),
		zap.String("prompt_id", prompt.ID),
		zap.String("priority", string(prompt.Priority)))
	c.JSON(http.StatusCreated, prompt)
}

// GetPrompts lists prompts, executing first then queued in pop order
// GET /api/v1/multiplayer/:id/prompts
func (h *Handler) GetPrompts(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	prompts, err := h.manager.GetPrompts(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, PromptsListResponse{
		Prompts: prompts,
		Total:   len(prompts),
	})
}

// GetPrompt returns one prompt, including finished ones
// GET /api/v1/multiplayer/:id/prompt/:promptId
func (h *Handler) GetPrompt(c *gin.Context) {
	id := c.Param("id")
	promptID := c.Param("promptId")
	if id == "" || promptID == "" {
		appErr := apperrors.BadRequest("session ID and prompt ID are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	prompt, err := h.manager.GetPrompt(id, promptID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, prompt)
}

// CancelPrompt cancels a queued prompt. Only the owner may cancel.
// DELETE /api/v1/multiplayer/:id/prompt/:promptId
func (h *Handler) CancelPrompt(c *gin.Context) {
	id := c.Param("id")
	promptID := c.Param("promptId")
	if id == "" || promptID == "" {
		appErr := apperrors.BadRequest("session ID and prompt ID are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req CancelPromptRequest
	_ = c.ShouldBindJSON(&req)

	prompt, err := h.manager.CancelPrompt(c.Request.Context(), id, promptID, req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, prompt)
}

// ReorderPrompt moves a queued prompt within its priority tier
// PUT /api/v1/multiplayer/:id/prompt/:promptId/reorder
func (h *Handler) ReorderPrompt(c *gin.Context) {
	id := c.Param("id")
	promptID := c.Param("promptId")
	if id == "" || promptID == "" {
		appErr := apperrors.BadRequest("session ID and prompt ID are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req ReorderPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.ReorderPrompt(id, promptID, req.UserID, req.NewIndex); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "prompt reordered"})
}

// QueueStatus reports queue length, executing flag and fullness
// GET /api/v1/multiplayer/:id/queue/status
func (h *Handler) QueueStatus(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status, err := h.manager.GetQueueStatus(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetExecutingPrompt returns the executing prompt, or null when idle
// GET /api/v1/multiplayer/:id/queue/executing
func (h *Handler) GetExecutingPrompt(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	prompt, err := h.manager.GetExecutingPrompt(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"prompt": prompt})
}

// StartNextPrompt pops the highest-priority prompt into execution. Returns
// null when the queue is empty or a prompt is already executing.
// POST /api/v1/multiplayer/:id/queue/start
func (h *Handler) StartNextPrompt(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	prompt, err := h.manager.StartNextPrompt(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"prompt": prompt})
}

// CompletePrompt marks the executing prompt as done. Returns null when
// nothing was executing.
// POST /api/v1/multiplayer/:id/queue/complete
func (h *Handler) CompletePrompt(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("session ID is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	prompt, err := h.manager.CompletePrompt(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"prompt": prompt})
}
