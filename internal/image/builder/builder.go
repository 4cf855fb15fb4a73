// Package builder turns repository branches into pushed sandbox images. A
// bounded number of builds run concurrently; the rest wait in FIFO order.
package builder

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/ids"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	"github.com/opencode/sandbox/internal/image/history"
	"github.com/opencode/sandbox/internal/image/registry"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

const defaultMaxConcurrentBuilds = 2

// Builder owns the build queue and drives each job through its stages.
type Builder struct {
	cfg      config.BuilderConfig
	engine   Engine
	cloner   Cloner
	registry *registry.Registry
	history  history.Repository
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.Mutex
	builds  map[string]*v1.BuildJob
	tests   map[string]*bool // buildID -> test outcome, kept off the wire DTO
	commits map[string]string
	queue   []string // queued build IDs, FIFO
	running int

	schedMu   sync.Mutex
	schedStop chan struct{}

	wg  sync.WaitGroup
	now func() time.Time
}

// NewBuilder wires the builder against its collaborators. historyRepo may be
// nil when persistence is disabled.
func NewBuilder(cfg config.BuilderConfig, engine Engine, cloner Cloner, reg *registry.Registry, historyRepo history.Repository, eventBus bus.EventBus, log *logger.Logger) *Builder {
	return &Builder{
		cfg:      cfg,
		engine:   engine,
		cloner:   cloner,
		registry: reg,
		history:  historyRepo,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "image-builder")),
		builds:   make(map[string]*v1.BuildJob),
		tests:    make(map[string]*bool),
		commits:  make(map[string]string),
		now:      time.Now,
	}
}

func (b *Builder) maxConcurrent() int {
	if b.cfg.MaxConcurrentBuilds > 0 {
		return b.cfg.MaxConcurrentBuilds
	}
	return defaultMaxConcurrentBuilds
}

// QueueBuild enqueues a build for one repository branch. The job starts
// immediately when a slot is free.
func (b *Builder) QueueBuild(ctx context.Context, repository, branch string) (*v1.BuildJob, error) {
	if !strings.Contains(repository, "/") {
		return nil, apperrors.ValidationError("repository", "must be of the form org/repo")
	}
	if branch == "" {
		branch = "main"
	}

	job := &v1.BuildJob{
		ID:         ids.New("bld"),
		Repository: repository,
		Branch:     branch,
		Status:     v1.BuildQueued,
		QueuedAt:   b.now(),
	}

	b.mu.Lock()
	b.builds[job.ID] = job
	b.queue = append(b.queue, job.ID)
	b.maybeStartLocked()
	snapshot := *job
	b.mu.Unlock()

	b.logger.Info("build queued",
		zap.String("build_id", job.ID),
		zap.String("repository", repository),
		zap.String("branch", branch))

	return &snapshot, nil
}

// GetBuild returns a copy of one build job.
func (b *Builder) GetBuild(id string) (*v1.BuildJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.builds[id]
	if !ok {
		return nil, apperrors.NotFound("build", id)
	}
	snapshot := *job
	return &snapshot, nil
}

// ListBuilds returns all known jobs, newest first.
func (b *Builder) ListBuilds() []*v1.BuildJob {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*v1.BuildJob, 0, len(b.builds))
	for _, job := range b.builds {
		snapshot := *job
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.After(out[j].QueuedAt)
	})
	return out
}

// CancelBuild cancels a build that has not started. Running builds are not
// interruptible and finished builds cannot change state.
func (b *Builder) CancelBuild(ctx context.Context, id string) error {
	b.mu.Lock()
	job, ok := b.builds[id]
	if !ok {
		b.mu.Unlock()
		return apperrors.NotFound("build", id)
	}
	if job.Status != v1.BuildQueued {
		status := job.Status
		b.mu.Unlock()
		return apperrors.StateInvalid(fmt.Sprintf("build %s is %s and cannot be cancelled", id, status))
	}

	job.Status = v1.BuildFailed
	job.ErrorMessage = "Cancelled"
	finished := b.now()
	job.FinishedAt = &finished
	for i, queued := range b.queue {
		if queued == id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	snapshot := *job
	b.mu.Unlock()

	b.logger.Info("build cancelled", zap.String("build_id", id))
	b.publishBuildEvent(ctx, events.BuildError, &snapshot, map[string]interface{}{"error": "Cancelled"})
	b.appendHistory(ctx, &snapshot)
	return nil
}

// Close waits for in-flight builds to finish and stops the schedule loop.
func (b *Builder) Close() {
	b.StopSchedule()
	b.wg.Wait()
}

// maybeStartLocked launches queued builds while slots are free. Callers hold
// b.mu.
func (b *Builder) maybeStartLocked() {
	for b.running < b.maxConcurrent() && len(b.queue) > 0 {
		id := b.queue[0]
		b.queue = b.queue[1:]

		job, ok := b.builds[id]
		if !ok || job.Status != v1.BuildQueued {
			// Cancelled while waiting.
			continue
		}

		started := b.now()
		job.StartedAt = &started
		job.Status = v1.BuildCloning
		b.running++
		b.wg.Add(1)
		go b.run(id)
	}
}

// run executes one build to completion. It owns the job from cloning until
// a terminal status is set.
func (b *Builder) run(id string) {
	defer b.wg.Done()
	ctx := context.Background()

	b.mu.Lock()
	job, ok := b.builds[id]
	if !ok {
		b.running--
		b.mu.Unlock()
		return
	}
	snapshot := *job
	b.mu.Unlock()

	b.publishBuildEvent(ctx, events.BuildStart, &snapshot, nil)
	b.publishProgress(ctx, &snapshot, v1.BuildCloning)

	workDir, err := os.MkdirTemp("", "sandbox-build-*")
	if err != nil {
		b.finishFailed(ctx, id, fmt.Errorf("failed to create build workspace: %w", err))
		return
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	// Clone.
	cloneCtx, cancelClone := context.WithTimeout(ctx, b.stageTimeout())
	commit, err := b.cloner.Clone(cloneCtx, snapshot.Repository, snapshot.Branch, workDir)
	cancelClone()
	if err != nil {
		b.finishFailed(ctx, id, err)
		return
	}
	b.mu.Lock()
	b.commits[id] = commit
	b.mu.Unlock()

	// Install: base image present, Dockerfile in place.
	b.setStage(ctx, id, v1.BuildInstalling)
	installCtx, cancelInstall := context.WithTimeout(ctx, b.stageTimeout())
	err = b.engine.PullImage(installCtx, b.cfg.BaseImage)
	cancelInstall()
	if err != nil {
		b.finishFailed(ctx, id, err)
		return
	}
	if err := ensureDockerfile(workDir, b.cfg.BaseImage); err != nil {
		b.finishFailed(ctx, id, fmt.Errorf("failed to place Dockerfile: %w", err))
		return
	}

	// Build.
	b.setStage(ctx, id, v1.BuildBuilding)
	builtAt := b.now()
	org, repo := splitRepository(snapshot.Repository)
	tag := b.registry.GenerateTag(org, repo, snapshot.Branch, builtAt)
	latestTag := b.registry.GenerateLatestTag(org, repo, snapshot.Branch)

	buildCtx, cancelBuild := context.WithTimeout(ctx, b.stageTimeout())
	err = b.engine.BuildImage(buildCtx, workDir, []string{tag})
	cancelBuild()
	if err != nil {
		b.finishFailed(ctx, id, err)
		return
	}

	// Test, when configured. Failures are recorded, never fatal.
	if b.cfg.TestCommand != "" {
		b.setStage(ctx, id, v1.BuildTesting)
		testCtx, cancelTest := context.WithTimeout(ctx, b.testTimeout())
		exitCode, output, testErr := b.engine.RunCommand(testCtx, tag, []string{"sh", "-c", b.cfg.TestCommand})
		cancelTest()

		passed := testErr == nil && exitCode == 0
		b.mu.Lock()
		b.tests[id] = &passed
		b.mu.Unlock()
		if !passed {
			b.logger.Warn("build tests failed",
				zap.String("build_id", id),
				zap.Int("exit_code", exitCode),
				zap.String("output", truncateOutput(output)))
		}
	}

	// Push both tags, read the digest.
	b.setStage(ctx, id, v1.BuildPushing)
	pushCtx, cancelPush := context.WithTimeout(ctx, b.stageTimeout())
	defer cancelPush()

	if err := b.engine.TagImage(pushCtx, tag, latestTag); err != nil {
		b.finishFailed(ctx, id, err)
		return
	}
	digest, err := b.engine.PushImage(pushCtx, tag)
	if err != nil {
		b.finishFailed(ctx, id, err)
		return
	}
	latestDigest, err := b.engine.PushImage(pushCtx, latestTag)
	if err != nil {
		b.finishFailed(ctx, id, err)
		return
	}
	if digest == "" {
		digest = latestDigest
	}

	size, err := b.engine.InspectImage(pushCtx, tag)
	if err != nil {
		size = 0
	}

	img := b.registry.Register(&v1.Image{
		ID:         ids.New("img"),
		Tag:        tag,
		Digest:     digest,
		Repository: snapshot.Repository,
		Branch:     snapshot.Branch,
		Commit:     commit,
		BuiltAt:    builtAt,
		SizeBytes:  size,
		Labels:     map[string]string{"commit": commit},
	})

	b.finishCompleted(ctx, id, img)
}

func (b *Builder) stageTimeout() time.Duration {
	if d := b.cfg.BuildTimeoutDuration(); d > 0 {
		return d
	}
	return 10 * time.Minute
}

func (b *Builder) testTimeout() time.Duration {
	if d := b.cfg.TestTimeoutDuration(); d > 0 {
		return d
	}
	return 5 * time.Minute
}

// setStage advances a running build to the next stage and publishes
// progress.
func (b *Builder) setStage(ctx context.Context, id string, status v1.BuildStatus) {
	b.mu.Lock()
	job, ok := b.builds[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	job.Status = status
	snapshot := *job
	b.mu.Unlock()

	b.publishProgress(ctx, &snapshot, status)
}

func (b *Builder) finishCompleted(ctx context.Context, id string, img *v1.Image) {
	b.mu.Lock()
	job, ok := b.builds[id]
	if !ok {
		b.running--
		b.maybeStartLocked()
		b.mu.Unlock()
		return
	}
	job.Status = v1.BuildCompleted
	job.ImageID = img.ID
	job.ImageTag = img.Tag
	finished := b.now()
	job.FinishedAt = &finished
	b.running--
	b.maybeStartLocked()
	snapshot := *job
	b.mu.Unlock()

	b.logger.Info("build completed",
		zap.String("build_id", id),
		zap.String("image_tag", img.Tag),
		zap.String("digest", img.Digest))

	b.publishBuildEvent(ctx, events.BuildComplete, &snapshot, map[string]interface{}{
		"image_id":  img.ID,
		"image_tag": img.Tag,
		"digest":    img.Digest,
	})
	b.appendHistory(ctx, &snapshot)
}

func (b *Builder) finishFailed(ctx context.Context, id string, buildErr error) {
	b.mu.Lock()
	job, ok := b.builds[id]
	if !ok {
		b.running--
		b.maybeStartLocked()
		b.mu.Unlock()
		return
	}
	job.Status = v1.BuildFailed
	job.ErrorMessage = buildErr.Error()
	finished := b.now()
	job.FinishedAt = &finished
	b.running--
	b.maybeStartLocked()
	snapshot := *job
	b.mu.Unlock()

	b.logger.Error("build failed",
		zap.String("build_id", id),
		zap.String("repository", snapshot.Repository),
		zap.Error(buildErr))

	b.publishBuildEvent(ctx, events.BuildError, &snapshot, map[string]interface{}{
		"error": buildErr.Error(),
	})
	b.appendHistory(ctx, &snapshot)
}

func (b *Builder) appendHistory(ctx context.Context, job *v1.BuildJob) {
	if b.history == nil {
		return
	}

	b.mu.Lock()
	testsPassed := b.tests[job.ID]
	commit := b.commits[job.ID]
	b.mu.Unlock()

	rec := &history.Record{
		ID:          job.ID,
		Repository:  job.Repository,
		Branch:      job.Branch,
		Status:      job.Status,
		ImageID:     job.ImageID,
		ImageTag:    job.ImageTag,
		Commit:      commit,
		Error:       job.ErrorMessage,
		TestsPassed: testsPassed,
		QueuedAt:    job.QueuedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	}
	if job.ImageID != "" {
		if img, err := b.registry.Get(job.ImageID); err == nil {
			rec.Digest = img.Digest
		}
	}

	if err := b.history.Append(ctx, rec); err != nil {
		b.logger.Error("failed to append build history",
			zap.String("build_id", job.ID),
			zap.Error(err))
	}
}

func (b *Builder) publishProgress(ctx context.Context, job *v1.BuildJob, status v1.BuildStatus) {
	b.publishBuildEvent(ctx, events.BuildProgress, job, map[string]interface{}{
		"stage": string(status),
	})
}

func (b *Builder) publishBuildEvent(ctx context.Context, eventType string, job *v1.BuildJob, extra map[string]interface{}) {
	if b.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"build_id":   job.ID,
		"repository": job.Repository,
		"branch":     job.Branch,
		"status":     string(job.Status),
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(eventType, "image-builder", data)
	if err := b.eventBus.Publish(ctx, events.BuildBuildSubject(eventType, job.ID), event); err != nil {
		b.logger.Error("failed to publish build event",
			zap.String("event_type", eventType),
			zap.String("build_id", job.ID),
			zap.Error(err))
	}
}

func splitRepository(repository string) (org, repo string) {
	idx := strings.Index(repository, "/")
	if idx < 0 {
		return "", repository
	}
	return repository[:idx], repository[idx+1:]
}

func truncateOutput(s string) string {
	const maxLen = 500
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
