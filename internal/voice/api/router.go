package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/voice"
)

// SetupRoutes registers voice control routes on the given router group
func SetupRoutes(router *gin.RouterGroup, manager *voice.Manager, log *logger.Logger) {
	handler := NewHandler(manager, log)

	v := router.Group("/voice")
	{
		v.POST("", handler.SubmitUtterance)
		v.POST("/start", handler.StartVoice)
		v.POST("/stop", handler.StopVoice)
		v.GET("/status", handler.VoiceStatus)
	}
}
