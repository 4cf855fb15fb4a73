package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/image/builder"
	"github.com/opencode/sandbox/internal/image/registry"
	"github.com/opencode/sandbox/internal/sandbox/provider"
	"github.com/opencode/sandbox/internal/snapshot"
	"github.com/opencode/sandbox/internal/syncgate"
	"github.com/opencode/sandbox/internal/warmpool"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// Handler contains HTTP handlers for the sandbox operations API
type Handler struct {
	provider  provider.Provider
	pool      *warmpool.Pool
	snapshots *snapshot.Manager
	gate      *syncgate.Gate
	images    *registry.Registry
	builder   *builder.Builder
	logger    *logger.Logger
}

// NewHandler creates a new API handler. The builder may be nil when image
// building is disabled; build endpoints then report 503.
func NewHandler(
	prov provider.Provider,
	pool *warmpool.Pool,
	snapshots *snapshot.Manager,
	gate *syncgate.Gate,
	images *registry.Registry,
	b *builder.Builder,
	log *logger.Logger,
) *Handler {
	return &Handler{
		provider:  prov,
		pool:      pool,
		snapshots: snapshots,
		gate:      gate,
		images:    images,
		builder:   b,
		logger:    log.WithFields(zap.String("component", "sandbox-api")),
	}
}

// respondError maps component errors onto their HTTP status. Anything
// that is not an AppError becomes a 500.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// CreateSandbox provisions a sandbox for a repository
// POST /api/v1/sandboxes
func (h *Handler) CreateSandbox(c *gin.Context) {
	var req CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sb, err := h.provider.Create(c.Request.Context(), provider.CreateInput{
		ProjectID: req.ProjectID,
		Repo:      req.Repo,
		Branch:    req.Branch,
		ImageTag:  req.ImageTag,
		Env:       req.Env,
	})
	if err != nil {
		h.logger.Error("failed to create sandbox", zap.String("repo", req.Repo), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sb)
}

// ListSandboxes returns all sandboxes, optionally scoped to a project
// GET /api/v1/sandboxes
func (h *Handler) ListSandboxes(c *gin.Context) {
	sandboxes, err := h.provider.List(c.Request.Context(), c.Query("projectId"))
	if err != nil {
		h.logger.Error("failed to list sandboxes", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SandboxesListResponse{
		Sandboxes: sandboxes,
		Total:     len(sandboxes),
	})
}

// GetSandbox returns a single sandbox
// GET /api/v1/sandboxes/:id
func (h *Handler) GetSandbox(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sb, err := h.provider.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sb)
}

// TerminateSandbox destroys a sandbox
// DELETE /api/v1/sandboxes/:id
func (h *Handler) TerminateSandbox(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.provider.Terminate(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to terminate sandbox", zap.String("sandbox_id", id), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "sandbox terminated"})
}

// StartSandbox resumes a stopped sandbox
// POST /api/v1/sandboxes/:id/start
func (h *Handler) StartSandbox(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.provider.Start(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	sb, err := h.provider.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sb)
}

// StopSandbox suspends a running sandbox
// POST /api/v1/sandboxes/:id/stop
func (h *Handler) StopSandbox(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.provider.Stop(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	sb, err := h.provider.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sb)
}

// ExecCommand runs a command inside a sandbox. Calls that carry a tool
// name are held at the sync gate first; a denied call returns 409 with
// the gate's verdict so the client can retry after sync.
// POST /api/v1/sandboxes/:id/exec
func (h *Handler) ExecCommand(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if len(req.Argv) == 0 {
		appErr := apperrors.ValidationError("argv", "must not be empty")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if h.gate != nil && req.Tool != "" {
		statusFn := func(ctx context.Context) (v1.GitSyncStatus, error) {
			git, err := h.provider.GetGitStatus(ctx, id)
			if err != nil {
				return "", err
			}
			return git.SyncStatus, nil
		}
		verdict := h.gate.Wait(c.Request.Context(), req.Tool, id, req.CallID, statusFn, req.File)
		if !verdict.Allowed {
			h.logger.Info("exec denied by sync gate",
				zap.String("sandbox_id", id),
				zap.String("tool", req.Tool),
				zap.String("reason", verdict.Reason))
			c.JSON(http.StatusConflict, verdict)
			return
		}
	}

	result, err := h.provider.Execute(c.Request.Context(), id, req.Argv, provider.ExecOptions{
		WorkDir: req.WorkDir,
		Env:     req.Env,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// SyncGit kicks off an asynchronous git re-sync of the workspace
// POST /api/v1/sandboxes/:id/sync
func (h *Handler) SyncGit(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.provider.SyncGit(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "git sync started"})
}

// GetGitStatus returns the git state of a sandbox workspace
// GET /api/v1/sandboxes/:id/git
func (h *Handler) GetGitStatus(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	git, err := h.provider.GetGitStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, git)
}

// StreamLogs streams service logs from a sandbox as chunked plain text
// GET /api/v1/sandboxes/:id/logs/:service
func (h *Handler) StreamLogs(c *gin.Context) {
	id := c.Param("id")
	service := c.Param("service")
	if id == "" || service == "" {
		appErr := apperrors.BadRequest("id and service are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ch, err := h.provider.StreamLogs(c.Request.Context(), id, service)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-ch
		if !ok {
			return false
		}
		_, _ = w.Write(chunk)
		return true
	})
}

// ClaimSandbox hands out a warm sandbox, creating one on demand on miss
// POST /api/v1/pool/claim
func (h *Handler) ClaimSandbox(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.pool.Claim(c.Request.Context(), req.Repository, req.ProjectID, req.ImageTag)
	if err != nil {
		h.logger.Error("failed to claim sandbox", zap.String("repository", req.Repository), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ReleaseSandbox returns a claimed sandbox to the pool
// POST /api/v1/pool/release
func (h *Handler) ReleaseSandbox(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.pool.Release(c.Request.Context(), req.SandboxID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "sandbox released to pool"})
}

// WarmUpPool pre-provisions standby sandboxes for an image tag
// POST /api/v1/pool/warm
func (h *Handler) WarmUpPool(c *gin.Context) {
	var req WarmUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	count := req.Count
	if count <= 0 {
		count = 1
	}

	if err := h.pool.WarmUp(c.Request.Context(), req.Tag, count); err != nil {
		h.logger.Error("warm-up failed", zap.String("tag", req.Tag), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "warm-up complete", "count": count})
}

// NotifyTyping records typing activity so the pool can warm ahead of a claim
// POST /api/v1/pool/typing
func (h *Handler) NotifyTyping(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	h.pool.NotifyTyping(req.Repository)
	c.JSON(http.StatusAccepted, gin.H{"message": "typing hint recorded"})
}

// PoolStatus reports entry counts per image tag
// GET /api/v1/pool/status
func (h *Handler) PoolStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tags": h.pool.Status()})
}

// ListSnapshots returns the snapshots of a session, newest first
// GET /api/v1/snapshots?sessionId=
func (h *Handler) ListSnapshots(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		appErr := apperrors.BadRequest("sessionId query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	snaps := h.snapshots.BySession(sessionID)
	c.JSON(http.StatusOK, SnapshotsListResponse{
		Snapshots: snaps,
		Total:     len(snaps),
	})
}

// CreateSnapshot captures a sandbox workspace for later restore. The git
// commit is read from the provider when the request does not carry one.
// POST /api/v1/snapshots
func (h *Handler) CreateSnapshot(c *gin.Context) {
	var req CreateSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	commit := req.GitCommit
	if commit == "" {
		git, err := h.provider.GetGitStatus(c.Request.Context(), req.SandboxID)
		if err != nil {
			respondError(c, err)
			return
		}
		commit = git.Commit
	}

	snap, err := h.snapshots.Create(c.Request.Context(), req.SandboxID, req.SessionID, commit, req.HasUncommittedChanges)
	if err != nil {
		h.logger.Error("failed to create snapshot",
			zap.String("sandbox_id", req.SandboxID),
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, snap)
}

// GetSnapshot returns a single snapshot record
// GET /api/v1/snapshots/:id
func (h *Handler) GetSnapshot(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	snap, err := h.snapshots.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// DeleteSnapshot removes a snapshot record
// DELETE /api/v1/snapshots/:id
func (h *Handler) DeleteSnapshot(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.snapshots.Remove(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "snapshot removed"})
}

// RestoreSession boots a fresh sandbox from the session's latest usable
// snapshot
// POST /api/v1/sessions/:sessionId/restore
func (h *Handler) RestoreSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		appErr := apperrors.BadRequest("sessionId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sandboxID, err := h.snapshots.Restore(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to restore session", zap.String("session_id", sessionID), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RestoreResponse{SandboxID: sandboxID})
}

// ListImages returns registry images with optional filters
// GET /api/v1/images
func (h *Handler) ListImages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	images := h.images.List(registry.ListOptions{
		Repository: c.Query("repository"),
		Branch:     c.Query("branch"),
		LatestOnly: c.Query("latest") == "true",
		Limit:      limit,
		Offset:     offset,
	})

	c.JSON(http.StatusOK, ImagesListResponse{
		Images: images,
		Total:  len(images),
	})
}

// GetImage returns a single image record
// GET /api/v1/images/:id
func (h *Handler) GetImage(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	img, err := h.images.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, img)
}

// DeleteImage removes an image from the registry
// DELETE /api/v1/images/:id
func (h *Handler) DeleteImage(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.images.Delete(id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "image deleted"})
}

// QueueBuild queues an image build for a repository branch
// POST /api/v1/builds
func (h *Handler) QueueBuild(c *gin.Context) {
	if h.builder == nil {
		appErr := apperrors.ServiceUnavailable("image builder")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req QueueBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	job, err := h.builder.QueueBuild(c.Request.Context(), req.Repository, req.Branch)
	if err != nil {
		h.logger.Error("failed to queue build", zap.String("repository", req.Repository), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// ListBuilds returns all build jobs, newest first
// GET /api/v1/builds
func (h *Handler) ListBuilds(c *gin.Context) {
	if h.builder == nil {
		appErr := apperrors.ServiceUnavailable("image builder")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	builds := h.builder.ListBuilds()
	c.JSON(http.StatusOK, BuildsListResponse{
		Builds: builds,
		Total:  len(builds),
	})
}

// GetBuild returns a single build job
// GET /api/v1/builds/:id
func (h *Handler) GetBuild(c *gin.Context) {
	if h.builder == nil {
		appErr := apperrors.ServiceUnavailable("image builder")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	job, err := h.builder.GetBuild(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// CancelBuild cancels a queued or running build
// DELETE /api/v1/builds/:id
func (h *Handler) CancelBuild(c *gin.Context) {
	if h.builder == nil {
		appErr := apperrors.ServiceUnavailable("image builder")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	id := c.Param("id")
	if id == "" {
		appErr := apperrors.BadRequest("id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.builder.CancelBuild(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "build cancelled"})
}

// HealthCheck returns health status
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}
