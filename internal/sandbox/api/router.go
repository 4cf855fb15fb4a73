package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/image/builder"
	"github.com/opencode/sandbox/internal/image/registry"
	"github.com/opencode/sandbox/internal/sandbox/provider"
	"github.com/opencode/sandbox/internal/snapshot"
	"github.com/opencode/sandbox/internal/syncgate"
	"github.com/opencode/sandbox/internal/warmpool"
)

// SetupRoutes configures the sandbox operations API routes
// router should be the /api/v1 group
func SetupRoutes(
	router *gin.RouterGroup,
	prov provider.Provider,
	pool *warmpool.Pool,
	snapshots *snapshot.Manager,
	gate *syncgate.Gate,
	images *registry.Registry,
	b *builder.Builder,
	log *logger.Logger,
) {
	handler := NewHandler(prov, pool, snapshots, gate, images, b, log)

	// Sandbox lifecycle endpoints under /api/v1/sandboxes
	sandboxes := router.Group("/sandboxes")
	{
		sandboxes.POST("", handler.CreateSandbox)
		sandboxes.GET("", handler.ListSandboxes)
		sandboxes.GET("/:id", handler.GetSandbox)
		sandboxes.DELETE("/:id", handler.TerminateSandbox)

		sandboxes.POST("/:id/start", handler.StartSandbox)
		sandboxes.POST("/:id/stop", handler.StopSandbox)
		sandboxes.POST("/:id/exec", handler.ExecCommand)
		sandboxes.POST("/:id/sync", handler.SyncGit)
		sandboxes.GET("/:id/git", handler.GetGitStatus)
		sandboxes.GET("/:id/logs/:service", handler.StreamLogs)
	}

	// Warm pool endpoints under /api/v1/pool
	pools := router.Group("/pool")
	{
		pools.POST("/claim", handler.ClaimSandbox)
		pools.POST("/release", handler.ReleaseSandbox)
		pools.POST("/warm", handler.WarmUpPool)
		pools.POST("/typing", handler.NotifyTyping)
		pools.GET("/status", handler.PoolStatus)
	}

	// Snapshot endpoints under /api/v1/snapshots
	snaps := router.Group("/snapshots")
	{
		snaps.GET("", handler.ListSnapshots)
		snaps.POST("", handler.CreateSnapshot)
		snaps.GET("/:id", handler.GetSnapshot)
		snaps.DELETE("/:id", handler.DeleteSnapshot)
	}

	// Session restore
	router.POST("/sessions/:sessionId/restore", handler.RestoreSession)

	// Image registry endpoints under /api/v1/images
	imgs := router.Group("/images")
	{
		imgs.GET("", handler.ListImages)
		imgs.GET("/:id", handler.GetImage)
		imgs.DELETE("/:id", handler.DeleteImage)
	}

	// Build pipeline endpoints under /api/v1/builds
	builds := router.Group("/builds")
	{
		builds.POST("", handler.QueueBuild)
		builds.GET("", handler.ListBuilds)
		builds.GET("/:id", handler.GetBuild)
		builds.DELETE("/:id", handler.CancelBuild)
	}
}
