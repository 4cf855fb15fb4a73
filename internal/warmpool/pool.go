// Package warmpool keeps pre-created sandboxes on standby per image tag so
// a claim can hand out a running sandbox in seconds instead of minutes.
package warmpool

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/common/poll"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	"github.com/opencode/sandbox/internal/sandbox/provider"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

const (
	defaultPoolSize      = 2
	readyPollInterval    = 500 * time.Millisecond
	readyPollMax         = 120 * time.Second
	defaultSweepInterval = 60 * time.Second
)

// bucket holds the standby entries for one image tag. Entries are LIFO so
// the freshest sandbox is handed out first.
type bucket struct {
	repository string // repository used to create more entries
	entries    []v1.PoolEntry
	inFlight   bool // a replenish pass is running for this tag
}

// ClaimResult is what a claim hands back.
type ClaimResult struct {
	Sandbox      *v1.Sandbox `json:"sandbox"`
	FromWarmPool bool        `json:"from_warm_pool"`
}

// TagStatus summarizes one bucket for the ops API.
type TagStatus struct {
	Repository string `json:"repository"`
	Count      int    `json:"count"`
	InFlight   bool   `json:"in_flight"`
}

// Pool manages warm sandboxes grouped by image tag.
type Pool struct {
	cfg      config.PoolConfig
	provider provider.Provider
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	now          func() time.Time
	pollInterval time.Duration
	pollMax      time.Duration
}

// NewPool creates a warm pool over the given provider. The expiry sweep does
// not run until Start is called.
func NewPool(cfg config.PoolConfig, prov provider.Provider, eventBus bus.EventBus, log *logger.Logger) *Pool {
	return &Pool{
		cfg:          cfg,
		provider:     prov,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "warm-pool")),
		buckets:      make(map[string]*bucket),
		stopCh:       make(chan struct{}),
		now:          time.Now,
		pollInterval: readyPollInterval,
		pollMax:      readyPollMax,
	}
}

func (p *Pool) size() int {
	if p.cfg.Size > 0 {
		return p.cfg.Size
	}
	return defaultPoolSize
}

// DefaultTag derives the pool tag for a repository URL: the org/repo path
// suffixed with :latest. Scheme, host and a trailing .git are stripped, and
// scp-style addresses (git@host:org/repo) are handled too.
func DefaultTag(repository string) string {
	repo := repository
	if idx := strings.Index(repo, "://"); idx >= 0 {
		repo = repo[idx+3:]
	} else if colon := strings.Index(repo, ":"); colon >= 0 {
		if slash := strings.Index(repo, "/"); slash < 0 || colon < slash {
			repo = repo[:colon] + "/" + repo[colon+1:]
		}
	}
	repo = strings.TrimSuffix(repo, ".git")
	parts := strings.Split(strings.Trim(repo, "/"), "/")
	if len(parts) >= 2 {
		repo = parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return repo + ":latest"
}

// Claim hands out a sandbox for the repository, preferring a warm one. The
// returned sandbox is always running. Claims below the target size schedule
// an asynchronous replenish.
func (p *Pool) Claim(ctx context.Context, repository, projectID, imageTag string) (*ClaimResult, error) {
	if repository == "" {
		return nil, apperrors.ValidationError("repository", "must not be empty")
	}
	tag := imageTag
	if tag == "" {
		tag = DefaultTag(repository)
	}

	entry, ok := p.pop(tag, repository)
	defer p.scheduleReplenish(tag, repository)

	if ok {
		sb, err := p.claimWarm(ctx, entry)
		if err == nil {
			p.publishPoolEvent(ctx, events.PoolClaimed, tag, sb.ID, true)
			return &ClaimResult{Sandbox: sb, FromWarmPool: true}, nil
		}
		p.logger.Warn("warm entry unusable, falling back to cold start",
			zap.String("sandbox_id", entry.SandboxID),
			zap.Error(err))
	}

	sb, err := p.coldStart(ctx, repository, projectID, tag)
	if err != nil {
		return nil, err
	}
	p.publishPoolEvent(ctx, events.PoolClaimed, tag, sb.ID, false)
	return &ClaimResult{Sandbox: sb, FromWarmPool: false}, nil
}

// claimWarm turns a popped entry into a running sandbox. Only a ready
// sandbox qualifies; anything else is terminated best-effort so nothing
// leaks, and the caller falls back to a cold start.
func (p *Pool) claimWarm(ctx context.Context, entry v1.PoolEntry) (*v1.Sandbox, error) {
	sb, err := p.provider.Get(ctx, entry.SandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Status != v1.SandboxStatusReady {
		if sb.Status != v1.SandboxStatusTerminated {
			go p.terminateAbandoned(entry.SandboxID)
		}
		return nil, apperrors.StateInvalid("pooled sandbox " + entry.SandboxID + " is " + string(sb.Status))
	}

	if err := p.provider.Start(ctx, entry.SandboxID); err != nil {
		go p.terminateAbandoned(entry.SandboxID)
		return nil, err
	}
	return p.provider.Get(ctx, entry.SandboxID)
}

// coldStart creates a fresh sandbox and waits until it is running. A claim
// cancelled mid-creation terminates the sandbox it created.
func (p *Pool) coldStart(ctx context.Context, repository, projectID, tag string) (*v1.Sandbox, error) {
	sb, err := p.provider.Create(ctx, provider.CreateInput{
		ProjectID: projectID,
		Repo:      repository,
		ImageTag:  tag,
	})
	if err != nil {
		return nil, err
	}

	if err := p.waitForReady(ctx, sb.ID); err != nil {
		p.terminateAbandoned(sb.ID)
		return nil, err
	}
	if err := p.provider.Start(ctx, sb.ID); err != nil {
		p.terminateAbandoned(sb.ID)
		return nil, err
	}
	return p.provider.Get(ctx, sb.ID)
}

func (p *Pool) terminateAbandoned(sandboxID string) {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.provider.Terminate(terminateCtx, sandboxID); err != nil {
		p.logger.Error("failed to terminate abandoned sandbox",
			zap.String("sandbox_id", sandboxID),
			zap.Error(err))
	}
}

func (p *Pool) waitForReady(ctx context.Context, sandboxID string) error {
	outcome, err := poll.Until(ctx, p.pollInterval, p.pollMax, func(ctx context.Context) (bool, error) {
		sb, err := p.provider.Get(ctx, sandboxID)
		if err != nil {
			return false, err
		}
		switch sb.Status {
		case v1.SandboxStatusReady, v1.SandboxStatusRunning:
			return true, nil
		case v1.SandboxStatusTerminated:
			return false, apperrors.StateInvalid("sandbox " + sandboxID + " terminated while warming")
		default:
			return false, nil
		}
	})
	if err != nil {
		return err
	}
	switch outcome {
	case poll.Timeout:
		return apperrors.ServiceUnavailable("sandbox " + sandboxID + " did not become ready in time")
	case poll.Cancelled:
		return ctx.Err()
	}
	return nil
}

// Release stops a running sandbox and returns it to the pool when the
// resulting status allows reuse. Terminated sandboxes are rejected.
func (p *Pool) Release(ctx context.Context, sandboxID string) error {
	sb, err := p.provider.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if sb.Status == v1.SandboxStatusTerminated {
		return apperrors.StateInvalid("terminated sandbox cannot be released to the pool")
	}

	if sb.Status == v1.SandboxStatusRunning {
		if err := p.provider.Stop(ctx, sandboxID); err != nil {
			return err
		}
		if sb, err = p.provider.Get(ctx, sandboxID); err != nil {
			return err
		}
	}

	if sb.Status != v1.SandboxStatusReady && sb.Status != v1.SandboxStatusSuspended {
		return apperrors.StateInvalid("sandbox in status " + string(sb.Status) + " cannot be pooled")
	}

	tag := sb.Image.Tag
	if tag == "" {
		tag = DefaultTag(sb.Git.Repo)
	}

	p.push(tag, sb.Git.Repo, v1.PoolEntry{
		SandboxID:  sandboxID,
		Repository: sb.Git.Repo,
		ImageTag:   tag,
		AddedAt:    p.now(),
	})

	p.logger.Info("sandbox released to pool",
		zap.String("sandbox_id", sandboxID),
		zap.String("tag", tag))
	p.publishPoolEvent(ctx, events.PoolReleased, tag, sandboxID, false)
	return nil
}

// WarmUp synchronously creates up to n standby sandboxes for a tag.
func (p *Pool) WarmUp(ctx context.Context, tag string, n int) error {
	if tag == "" {
		return apperrors.ValidationError("tag", "must not be empty")
	}
	repository := p.repositoryFor(tag)
	if repository == "" {
		return apperrors.ValidationError("tag", "no repository known for tag "+tag)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.warmOne(gctx, tag, repository)
		})
	}
	return g.Wait()
}

// NotifyTyping opportunistically warms the repository's bucket when the
// typing trigger is enabled.
func (p *Pool) NotifyTyping(repository string) {
	if !p.cfg.TypingTrigger || repository == "" {
		return
	}
	p.scheduleReplenish(DefaultTag(repository), repository)
}

// Status reports per-tag entry counts.
func (p *Pool) Status() map[string]TagStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]TagStatus, len(p.buckets))
	for tag, b := range p.buckets {
		out[tag] = TagStatus{
			Repository: b.repository,
			Count:      len(b.entries),
			InFlight:   b.inFlight,
		}
	}
	return out
}

// Entries returns a copy of the entries currently pooled for a tag.
func (p *Pool) Entries(tag string) []v1.PoolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[tag]
	if !ok {
		return nil
	}
	out := make([]v1.PoolEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Start launches the expiry sweep. Claims work without it; only TTL
// enforcement needs the loop.
func (p *Pool) Start(ctx context.Context) {
	interval := p.cfg.ReplenishIntervalDuration()
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.sweep(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	p.logger.Info("warm pool sweep started", zap.Duration("interval", interval))
}

// Stop halts the sweep and waits for background work to settle.
func (p *Pool) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// sweep drops entries older than the TTL and terminates their sandboxes.
func (p *Pool) sweep(ctx context.Context) {
	ttl := p.cfg.TTLDuration()
	if ttl <= 0 {
		return
	}
	cutoff := p.now().Add(-ttl)

	var expired []v1.PoolEntry
	p.mu.Lock()
	for tag, b := range p.buckets {
		kept := b.entries[:0]
		for _, entry := range b.entries {
			if entry.AddedAt.Before(cutoff) {
				expired = append(expired, entry)
			} else {
				kept = append(kept, entry)
			}
		}
		b.entries = kept
		if len(b.entries) == 0 && !b.inFlight {
			delete(p.buckets, tag)
		}
	}
	p.mu.Unlock()

	for _, entry := range expired {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := p.provider.Terminate(terminateCtx, entry.SandboxID); err != nil {
			p.logger.Warn("failed to terminate expired pool entry",
				zap.String("sandbox_id", entry.SandboxID),
				zap.Error(err))
		}
		cancel()
		p.publishPoolEvent(ctx, events.PoolExpired, entry.ImageTag, entry.SandboxID, false)
	}

	if len(expired) > 0 {
		p.logger.Info("expired pool entries removed", zap.Int("count", len(expired)))
	}
}

// pop removes and returns the most recent entry for a tag.
func (p *Pool) pop(tag, repository string) (v1.PoolEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.bucketLocked(tag, repository)
	if len(b.entries) == 0 {
		return v1.PoolEntry{}, false
	}
	entry := b.entries[len(b.entries)-1]
	b.entries = b.entries[:len(b.entries)-1]
	return entry, true
}

func (p *Pool) push(tag, repository string, entry v1.PoolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.bucketLocked(tag, repository)
	b.entries = append(b.entries, entry)
}

// bucketLocked returns the bucket for tag, creating it if needed. Callers
// hold p.mu.
func (p *Pool) bucketLocked(tag, repository string) *bucket {
	b, ok := p.buckets[tag]
	if !ok {
		b = &bucket{repository: repository}
		p.buckets[tag] = b
	}
	if b.repository == "" {
		b.repository = repository
	}
	return b
}

func (p *Pool) repositoryFor(tag string) string {
	p.mu.Lock()
	if b, ok := p.buckets[tag]; ok && b.repository != "" {
		repo := b.repository
		p.mu.Unlock()
		return repo
	}
	p.mu.Unlock()

	// Fall back to the org/repo embedded in the tag itself.
	if idx := strings.LastIndex(tag, ":"); idx > 0 {
		return tag[:idx]
	}
	return ""
}

// scheduleReplenish starts an asynchronous warming pass for a tag when the
// bucket is below target size. The per-tag inFlight flag collapses
// concurrent requests into one pass.
func (p *Pool) scheduleReplenish(tag, repository string) {
	p.mu.Lock()
	b := p.bucketLocked(tag, repository)
	if b.inFlight || len(b.entries) >= p.size() {
		p.mu.Unlock()
		return
	}
	b.inFlight = true
	need := p.size() - len(b.entries)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.clearInFlight(tag)

		g, gctx := errgroup.WithContext(context.Background())
		for i := 0; i < need; i++ {
			g.Go(func() error {
				return p.warmOne(gctx, tag, repository)
			})
		}
		if err := g.Wait(); err != nil {
			p.logger.Warn("replenish pass incomplete",
				zap.String("tag", tag),
				zap.Error(err))
		}
	}()
}

func (p *Pool) clearInFlight(tag string) {
	p.mu.Lock()
	if b, ok := p.buckets[tag]; ok {
		b.inFlight = false
	}
	p.mu.Unlock()
}

// warmOne creates one standby sandbox, waits for it to be ready and pushes
// it into the bucket.
func (p *Pool) warmOne(ctx context.Context, tag, repository string) error {
	sb, err := p.provider.Create(ctx, provider.CreateInput{
		Repo:     repository,
		ImageTag: tag,
	})
	if err != nil {
		return err
	}

	if err := p.waitForReady(ctx, sb.ID); err != nil {
		p.terminateAbandoned(sb.ID)
		return err
	}

	p.push(tag, repository, v1.PoolEntry{
		SandboxID:  sb.ID,
		Repository: repository,
		ImageTag:   tag,
		AddedAt:    p.now(),
	})

	p.publishPoolEvent(ctx, events.PoolReplenished, tag, sb.ID, false)
	p.logger.Info("pool entry warmed",
		zap.String("tag", tag),
		zap.String("sandbox_id", sb.ID))
	return nil
}

func (p *Pool) publishPoolEvent(ctx context.Context, eventType, tag, sandboxID string, fromPool bool) {
	if p.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"tag":        tag,
		"sandbox_id": sandboxID,
	}
	if eventType == events.PoolClaimed {
		data["from_warm_pool"] = fromPool
	}
	event := bus.NewEvent(eventType, "warm-pool", data)
	if err := p.eventBus.Publish(ctx, eventType, event); err != nil {
		p.logger.Error("failed to publish pool event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
