package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/skill"
)

// Handler contains HTTP handlers for the skill registry API
type Handler struct {
	registry *skill.Registry
	logger   *logger.Logger
}

// NewHandler creates a new skill API handler
func NewHandler(registry *skill.Registry, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "skill-api")),
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// ListSkills lists every registered skill sorted by name
// GET /api/v1/skills
func (h *Handler) ListSkills(c *gin.Context) {
	skills := h.registry.List()
	c.JSON(http.StatusOK, SkillsListResponse{
		Skills: skills,
		Total:  len(skills),
	})
}

// CreateSkill registers a new skill
// POST /api/v1/skills
func (h *Handler) CreateSkill(c *gin.Context) {
	var req CreateSkillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	created, err := h.registry.Create(req.Name, req.Description, req.Template)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Skill created", zap.String("skill", created.Name))
	c.JSON(http.StatusCreated, created)
}

// GetSkill returns one skill by name
// GET /api/v1/skills/:name
func (h *Handler) GetSkill(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		appErr := apperrors.BadRequest("skill name is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	s, err := h.registry.Get(name)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, s)
}

// UpdateSkill changes a skill's description or template
// PUT /api/v1/skills/:name
func (h *Handler) UpdateSkill(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		appErr := apperrors.BadRequest("skill name is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req UpdateSkillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	updated, err := h.registry.Update(name, req.Description, req.Template)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

// DeleteSkill removes a skill by name
// DELETE /api/v1/skills/:name
func (h *Handler) DeleteSkill(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		appErr := apperrors.BadRequest("skill name is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.registry.Delete(name); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Skill deleted", zap.String("skill", name))
	c.JSON(http.StatusOK, gin.H{"message": "skill deleted"})
}

// InvokeSkill materializes a skill template with the given arguments. The
// body is optional for templates without placeholders.
// POST /api/v1/skills/:name/invoke
func (h *Handler) InvokeSkill(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		appErr := apperrors.BadRequest("skill name is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req InvokeSkillRequest
	_ = c.ShouldBindJSON(&req)

	prompt, err := h.registry.Invoke(name, req.Args)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, InvokeSkillResponse{Prompt: prompt})
}
