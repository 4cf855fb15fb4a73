package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/prsession"
)

// SetupRoutes registers PR session routes on the given router group
func SetupRoutes(router *gin.RouterGroup, manager *prsession.Manager, log *logger.Logger) {
	handler := NewHandler(manager, log)

	sessions := router.Group("/pr-session")
	{
		sessions.POST("", handler.CreatePRSession)
		sessions.GET("", handler.ListPRSessions)
		sessions.GET("/:pr", handler.GetPRSession)
		sessions.DELETE("/:pr", handler.ClosePRSession)
		sessions.GET("/:pr/comments", handler.GetComments)
		sessions.POST("/:pr/respond", handler.Respond)
	}
}
