// Package local implements the sandbox provider on top of host processes.
// Each sandbox is a directory under a configurable base path; commands run
// as child processes with the sandbox workspace as their working directory.
package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/ids"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	"github.com/opencode/sandbox/internal/sandbox/provider"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

const logPollInterval = 250 * time.Millisecond

// snapshotRecord is the provider-side bookkeeping for one snapshot.
type snapshotRecord struct {
	ID        string
	SandboxID string
	ProjectID string
	Dir       string
	Git       v1.GitState
	ImageTag  string
	CreatedAt time.Time
}

// Provider runs sandboxes as host processes under a base directory.
type Provider struct {
	cfg      config.LocalProviderConfig
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.RWMutex
	sandboxes map[string]*v1.Sandbox
	envs      map[string]map[string]string // creation env by sandbox ID
	snapshots map[string]*snapshotRecord

	cloneFn CloneFunc
	pullFn  PullFunc
	wg      sync.WaitGroup
}

// NewProvider creates a local provider rooted at cfg.BaseDir.
func NewProvider(cfg config.LocalProviderConfig, eventBus bus.EventBus, log *logger.Logger) (*Provider, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, apperrors.BackendFailure("failed to create sandbox base directory", err)
	}
	if err := os.MkdirAll(cfg.SnapshotDir, 0755); err != nil {
		return nil, apperrors.BackendFailure("failed to create snapshot directory", err)
	}
	return &Provider{
		cfg:       cfg,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "local-provider")),
		sandboxes: make(map[string]*v1.Sandbox),
		envs:      make(map[string]map[string]string),
		snapshots: make(map[string]*snapshotRecord),
		cloneFn:   gitClone,
		pullFn:    gitPull,
	}, nil
}

// SetCloneFunc replaces the git clone implementation.
func (p *Provider) SetCloneFunc(fn CloneFunc) {
	p.cloneFn = fn
}

// SetPullFunc replaces the git pull implementation.
func (p *Provider) SetPullFunc(fn PullFunc) {
	p.pullFn = fn
}

// Name identifies the backend.
func (p *Provider) Name() string {
	return "local"
}

// Close waits for background clone and sync tasks to finish.
func (p *Provider) Close() {
	p.wg.Wait()
}

// Create allocates the sandbox directory tree, records the sandbox in
// initializing and starts the clone in the background. A failed allocation
// leaves no record behind.
func (p *Provider) Create(ctx context.Context, input provider.CreateInput) (*v1.Sandbox, error) {
	if input.Repo == "" {
		return nil, apperrors.ValidationError("repo", "must not be empty")
	}

	id := ids.New("sbx")
	dir := p.sandboxDir(id)
	workspace := filepath.Join(dir, "workspace")

	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, apperrors.BackendFailure("failed to allocate sandbox workspace", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, apperrors.BackendFailure("failed to allocate sandbox log directory", err)
	}

	now := time.Now()
	sb := &v1.Sandbox{
		ID:        id,
		ProjectID: input.ProjectID,
		Status:    v1.SandboxStatusInitializing,
		Image:     v1.ImageRef{Tag: input.ImageTag},
		Git: v1.GitState{
			Repo:       input.Repo,
			Branch:     input.Branch,
			SyncStatus: v1.GitSyncPending,
		},
		Network: v1.Network{Ports: map[string]int{}},
		Time:    v1.SandboxTime{Created: now, LastActivity: now},
	}

	p.mu.Lock()
	p.sandboxes[id] = sb
	if len(input.Env) > 0 {
		env := make(map[string]string, len(input.Env))
		for k, v := range input.Env {
			env[k] = v
		}
		p.envs[id] = env
	}
	out := provider.CloneSandbox(sb)
	p.mu.Unlock()

	p.logger.Info("sandbox created",
		zap.String("sandbox_id", id),
		zap.String("repo", input.Repo),
		zap.String("branch", input.Branch))

	p.publishEvent(ctx, events.SandboxCreated, events.SandboxCreated, out)

	p.wg.Add(1)
	go p.cloneWorkspace(id, workspace, input.Repo, input.Branch)

	return out, nil
}

// cloneWorkspace runs the initial git clone in the background. Every write
// back into the record re-reads the current status first and aborts if the
// sandbox was terminated while the clone ran.
func (p *Provider) cloneWorkspace(id, workspace, repo, branch string) {
	defer p.wg.Done()
	ctx := context.Background()

	if !p.markSyncing(ctx, id) {
		return
	}

	commit, err := p.cloneFn(ctx, workspace, repo, branch)

	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok || sb.Status == v1.SandboxStatusTerminated {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	if err != nil {
		sb.Git.SyncStatus = v1.GitSyncError
		p.mu.Unlock()
		p.logger.Error("workspace clone failed",
			zap.String("sandbox_id", id),
			zap.String("repo", repo),
			zap.Error(err))
		p.publishGitStatus(ctx, id, v1.GitSyncError)
		return
	}

	sb.Git.Commit = commit
	sb.Git.SyncStatus = v1.GitSyncSynced
	sb.Git.SyncedAt = &now
	if sb.Status == v1.SandboxStatusInitializing {
		sb.Status = v1.SandboxStatusReady
		sb.Time.Ready = &now
	}
	sb.Time.LastActivity = now
	status := sb.Status
	p.mu.Unlock()

	p.logger.Info("workspace cloned",
		zap.String("sandbox_id", id),
		zap.String("commit", commit))

	p.publishGitStatus(ctx, id, v1.GitSyncSynced)
	p.publishStatus(ctx, id, status)
}

// Get returns a copy of the sandbox record.
func (p *Provider) Get(ctx context.Context, id string) (*v1.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, apperrors.NotFound("sandbox", id)
	}
	return provider.CloneSandbox(sb), nil
}

// List returns all sandboxes, filtered by project when projectID is non-empty.
func (p *Provider) List(ctx context.Context, projectID string) ([]*v1.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*v1.Sandbox, 0, len(p.sandboxes))
	for _, sb := range p.sandboxes {
		if projectID != "" && sb.ProjectID != projectID {
			continue
		}
		result = append(result, provider.CloneSandbox(sb))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Time.Created.Before(result[j].Time.Created)
	})
	return result, nil
}

// Start transitions the sandbox to running. Terminated sandboxes are rejected.
func (p *Provider) Start(ctx context.Context, id string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok {
		p.mu.Unlock()
		return apperrors.NotFound("sandbox", id)
	}
	if sb.Status == v1.SandboxStatusTerminated {
		p.mu.Unlock()
		return apperrors.StateInvalid("cannot start a terminated sandbox")
	}

	now := time.Now()
	sb.Status = v1.SandboxStatusRunning
	if sb.Time.Ready == nil {
		sb.Time.Ready = &now
	}
	sb.Time.LastActivity = now
	p.mu.Unlock()

	p.publishStatus(ctx, id, v1.SandboxStatusRunning)
	return nil
}

// Stop suspends a running sandbox. Stopping a sandbox that is not running
// is a no-op.
func (p *Provider) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok {
		p.mu.Unlock()
		return apperrors.NotFound("sandbox", id)
	}
	if sb.Status == v1.SandboxStatusTerminated {
		p.mu.Unlock()
		return apperrors.StateInvalid("cannot stop a terminated sandbox")
	}
	changed := false
	if sb.Status == v1.SandboxStatusRunning {
		sb.Status = v1.SandboxStatusSuspended
		sb.Time.LastActivity = time.Now()
		changed = true
	}
	p.mu.Unlock()

	if changed {
		p.publishStatus(ctx, id, v1.SandboxStatusSuspended)
	}
	return nil
}

// Terminate destroys the sandbox directory and marks the record terminated.
// Repeat calls are no-ops.
func (p *Provider) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok {
		p.mu.Unlock()
		return apperrors.NotFound("sandbox", id)
	}
	if sb.Status == v1.SandboxStatusTerminated {
		p.mu.Unlock()
		return nil
	}
	sb.Status = v1.SandboxStatusTerminated
	sb.Time.LastActivity = time.Now()
	delete(p.envs, id)
	out := provider.CloneSandbox(sb)
	p.mu.Unlock()

	if err := os.RemoveAll(p.sandboxDir(id)); err != nil {
		p.logger.Warn("failed to remove sandbox directory",
			zap.String("sandbox_id", id),
			zap.Error(err))
	}

	p.logger.Info("sandbox terminated", zap.String("sandbox_id", id))
	p.publishStatus(ctx, id, v1.SandboxStatusTerminated)
	p.publishEvent(ctx, events.SandboxTerminated, events.SandboxTerminated, out)
	return nil
}

// Snapshot copies the workspace into the snapshot directory and returns the
// new snapshot ID. The sandbox status is unchanged.
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	p.mu.RLock()
	sb, ok := p.sandboxes[id]
	if !ok {
		p.mu.RUnlock()
		return "", apperrors.NotFound("sandbox", id)
	}
	if sb.Status == v1.SandboxStatusTerminated {
		p.mu.RUnlock()
		return "", apperrors.StateInvalid("cannot snapshot a terminated sandbox")
	}
	git := sb.Git
	if git.SyncedAt != nil {
		t := *git.SyncedAt
		git.SyncedAt = &t
	}
	projectID := sb.ProjectID
	imageTag := sb.Image.Tag
	p.mu.RUnlock()

	snapID := ids.New("snap")
	snapDir := filepath.Join(p.cfg.SnapshotDir, snapID)
	workspace := filepath.Join(p.sandboxDir(id), "workspace")

	if err := copyTree(workspace, snapDir); err != nil {
		_ = os.RemoveAll(snapDir)
		return "", apperrors.BackendFailure("failed to copy workspace into snapshot", err)
	}

	p.mu.Lock()
	p.snapshots[snapID] = &snapshotRecord{
		ID:        snapID,
		SandboxID: id,
		ProjectID: projectID,
		Dir:       snapDir,
		Git:       git,
		ImageTag:  imageTag,
		CreatedAt: time.Now(),
	}
	if sb, ok := p.sandboxes[id]; ok {
		sb.SnapshotID = snapID
	}
	p.mu.Unlock()

	p.logger.Info("snapshot captured",
		zap.String("sandbox_id", id),
		zap.String("snapshot_id", snapID))
	return snapID, nil
}

// Restore materializes a fresh sandbox from a snapshot. The new sandbox is
// ready on return; its git state is copied from the snapshot and must be
// re-synced before writes.
func (p *Provider) Restore(ctx context.Context, snapshotID string) (*v1.Sandbox, error) {
	p.mu.RLock()
	rec, ok := p.snapshots[snapshotID]
	p.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("snapshot", snapshotID)
	}

	id := ids.New("sbx")
	dir := p.sandboxDir(id)
	workspace := filepath.Join(dir, "workspace")

	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return nil, apperrors.BackendFailure("failed to allocate sandbox log directory", err)
	}
	if err := copyTree(rec.Dir, workspace); err != nil {
		_ = os.RemoveAll(dir)
		return nil, apperrors.BackendFailure("failed to restore snapshot into workspace", err)
	}

	now := time.Now()
	git := rec.Git
	if git.SyncedAt != nil {
		t := *git.SyncedAt
		git.SyncedAt = &t
	}
	sb := &v1.Sandbox{
		ID:         id,
		ProjectID:  rec.ProjectID,
		Status:     v1.SandboxStatusReady,
		Image:      v1.ImageRef{Tag: rec.ImageTag},
		Git:        git,
		Network:    v1.Network{Ports: map[string]int{}},
		SnapshotID: snapshotID,
		Time:       v1.SandboxTime{Created: now, Ready: &now, LastActivity: now},
	}

	p.mu.Lock()
	p.sandboxes[id] = sb
	out := provider.CloneSandbox(sb)
	p.mu.Unlock()

	p.logger.Info("sandbox restored from snapshot",
		zap.String("sandbox_id", id),
		zap.String("snapshot_id", snapshotID))

	p.publishEvent(ctx, events.SandboxCreated, events.SandboxCreated, out)
	return out, nil
}

// Execute runs argv as a child process with the sandbox workspace as its
// working directory. Spawn failures surface as exit code 1 with the error
// text in stderr rather than as a Go error.
func (p *Provider) Execute(ctx context.Context, id string, argv []string, opts provider.ExecOptions) (*provider.ExecResult, error) {
	if len(argv) == 0 {
		return nil, apperrors.ValidationError("argv", "must not be empty")
	}

	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok {
		p.mu.Unlock()
		return nil, apperrors.NotFound("sandbox", id)
	}
	if sb.Status == v1.SandboxStatusTerminated {
		p.mu.Unlock()
		return nil, apperrors.StateInvalid("cannot execute in a terminated sandbox")
	}
	sb.Time.LastActivity = time.Now()
	creationEnv := p.envs[id]
	p.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	workDir := filepath.Join(p.sandboxDir(id), "workspace")
	if opts.WorkDir != "" {
		workDir = filepath.Join(workDir, opts.WorkDir)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(creationEnv, opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if exitCode < 0 {
				exitCode = 1
			}
		} else {
			exitCode = 1
			if stderr.Len() == 0 {
				stderr.WriteString(err.Error())
			}
		}
	}

	return &provider.ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

// StreamLogs follows {sandbox}/logs/{service}.log, delivering appended bytes
// as chunks. The channel closes when ctx is cancelled.
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (<-chan []byte, error) {
	p.mu.RLock()
	_, ok := p.sandboxes[id]
	p.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("sandbox", id)
	}

	path := filepath.Join(p.sandboxDir(id), "logs", service+".log")
	ch := make(chan []byte)

	go func() {
		defer close(ch)

		var offset int64
		ticker := time.NewTicker(logPollInterval)
		defer ticker.Stop()

		for {
			chunk, newOffset, err := readAppended(path, offset)
			if err == nil && len(chunk) > 0 {
				offset = newOffset
				select {
				case ch <- bytes.ToValidUTF8(chunk, []byte("�")):
				case <-ctx.Done():
					return
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch, nil
}

// readAppended returns the bytes written to path past offset.
func readAppended(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() <= offset {
		return nil, offset, nil
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}
	buf := make([]byte, info.Size()-offset)
	n, err := f.Read(buf)
	if err != nil {
		return nil, offset, err
	}
	return buf[:n], offset + int64(n), nil
}

// SyncGit re-synchronizes the workspace with its remote in the background.
// Progress is observable through GetGitStatus and sandbox git events.
func (p *Provider) SyncGit(ctx context.Context, id string) error {
	p.mu.RLock()
	sb, ok := p.sandboxes[id]
	if !ok {
		p.mu.RUnlock()
		return apperrors.NotFound("sandbox", id)
	}
	if sb.Status == v1.SandboxStatusTerminated {
		p.mu.RUnlock()
		return apperrors.StateInvalid("cannot sync a terminated sandbox")
	}
	p.mu.RUnlock()

	if !p.markSyncing(ctx, id) {
		return apperrors.StateInvalid("cannot sync a terminated sandbox")
	}

	workspace := filepath.Join(p.sandboxDir(id), "workspace")
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		bg := context.Background()

		commit, err := p.pullFn(bg, workspace)

		p.mu.Lock()
		sb, ok := p.sandboxes[id]
		if !ok || sb.Status == v1.SandboxStatusTerminated {
			p.mu.Unlock()
			return
		}
		now := time.Now()
		if err != nil {
			sb.Git.SyncStatus = v1.GitSyncError
			p.mu.Unlock()
			p.logger.Error("git sync failed",
				zap.String("sandbox_id", id),
				zap.Error(err))
			p.publishGitStatus(bg, id, v1.GitSyncError)
			return
		}
		sb.Git.Commit = commit
		sb.Git.SyncStatus = v1.GitSyncSynced
		sb.Git.SyncedAt = &now
		sb.Time.LastActivity = now
		p.mu.Unlock()

		p.publishGitStatus(bg, id, v1.GitSyncSynced)
	}()

	return nil
}

// GetGitStatus reports the current git sync state.
func (p *Provider) GetGitStatus(ctx context.Context, id string) (v1.GitState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sb, ok := p.sandboxes[id]
	if !ok {
		return v1.GitState{}, apperrors.NotFound("sandbox", id)
	}
	git := sb.Git
	if git.SyncedAt != nil {
		t := *git.SyncedAt
		git.SyncedAt = &t
	}
	return git, nil
}

func (p *Provider) sandboxDir(id string) string {
	return filepath.Join(p.cfg.BaseDir, id)
}

// markSyncing flips the git state to syncing unless the sandbox is gone or
// terminated.
func (p *Provider) markSyncing(ctx context.Context, id string) bool {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok || sb.Status == v1.SandboxStatusTerminated {
		p.mu.Unlock()
		return false
	}
	sb.Git.SyncStatus = v1.GitSyncSyncing
	p.mu.Unlock()

	p.publishGitStatus(ctx, id, v1.GitSyncSyncing)
	return true
}

func mergeEnv(layers ...map[string]string) []string {
	env := os.Environ()
	for _, layer := range layers {
		for k, v := range layer {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func (p *Provider) publishStatus(ctx context.Context, id string, status v1.SandboxStatus) {
	if p.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"sandbox_id": id,
		"status":     string(status),
	}
	event := bus.NewEvent(events.SandboxStatus, "local-provider", data)
	if err := p.eventBus.Publish(ctx, events.BuildSandboxStatusSubject(id), event); err != nil {
		p.logger.Error("failed to publish status event",
			zap.String("sandbox_id", id),
			zap.Error(err))
	}
}

func (p *Provider) publishGitStatus(ctx context.Context, id string, status v1.GitSyncStatus) {
	if p.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"sandbox_id":  id,
		"sync_status": string(status),
	}
	event := bus.NewEvent(events.SandboxGit, "local-provider", data)
	if err := p.eventBus.Publish(ctx, events.BuildSandboxGitSubject(id), event); err != nil {
		p.logger.Error("failed to publish git event",
			zap.String("sandbox_id", id),
			zap.Error(err))
	}
}

func (p *Provider) publishEvent(ctx context.Context, subject, eventType string, sb *v1.Sandbox) {
	if p.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"sandbox_id": sb.ID,
		"project_id": sb.ProjectID,
		"status":     string(sb.Status),
		"repo":       sb.Git.Repo,
		"branch":     sb.Git.Branch,
	}
	event := bus.NewEvent(eventType, "local-provider", data)
	if err := p.eventBus.Publish(ctx, subject, event); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("sandbox_id", sb.ID),
			zap.Error(err))
	}
}
