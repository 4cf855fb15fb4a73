package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/multiplayer"
)

// SetupRoutes registers multiplayer session routes on the given router group
func SetupRoutes(router *gin.RouterGroup, manager *multiplayer.Manager, log *logger.Logger) {
	handler := NewHandler(manager, log)

	sessions := router.Group("/multiplayer")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:id", handler.GetSession)
		sessions.DELETE("/:id", handler.RemoveSession)

		sessions.POST("/:id/join", handler.Join)
		sessions.POST("/:id/leave", handler.Leave)
		sessions.PUT("/:id/cursor", handler.UpdateCursor)
		sessions.POST("/:id/lock", handler.AcquireLock)
		sessions.DELETE("/:id/lock", handler.ReleaseLock)
		sessions.POST("/:id/connect", handler.Connect)
		sessions.POST("/:id/disconnect", handler.Disconnect)
		sessions.GET("/:id/users", handler.GetUsers)
		sessions.GET("/:id/clients", handler.GetClients)
		sessions.PUT("/:id/state", handler.UpdateState)

		sessions.POST("/:id/prompt", handler.AddPrompt)
		sessions.GET("/:id/prompts", handler.GetPrompts)
		sessions.GET("/:id/prompt/:promptId", handler.GetPrompt)
		sessions.DELETE("/:id/prompt/:promptId", handler.CancelPrompt)
		sessions.PUT("/:id/prompt/:promptId/reorder", handler.ReorderPrompt)

		sessions.GET("/:id/queue/status", handler.QueueStatus)
		sessions.GET("/:id/queue/executing", handler.GetExecutingPrompt)
		sessions.POST("/:id/queue/start", handler.StartNextPrompt)
		sessions.POST("/:id/queue/complete", handler.CompletePrompt)
	}
}
