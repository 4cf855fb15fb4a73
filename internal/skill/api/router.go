package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/skill"
)

// SetupRoutes registers skill registry routes on the given router group
func SetupRoutes(router *gin.RouterGroup, registry *skill.Registry, log *logger.Logger) {
	handler := NewHandler(registry, log)

	skills := router.Group("/skills")
	{
		skills.GET("", handler.ListSkills)
		skills.POST("", handler.CreateSkill)
		skills.GET("/:name", handler.GetSkill)
		skills.PUT("/:name", handler.UpdateSkill)
		skills.DELETE("/:name", handler.DeleteSkill)
		skills.POST("/:name/invoke", handler.InvokeSkill)
	}
}
