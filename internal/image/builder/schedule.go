package builder

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

const defaultRebuildInterval = 30 * time.Minute

// Target names one repository branch the schedule keeps fresh.
type Target struct {
	Repo   string `yaml:"repo"`
	Branch string `yaml:"branch"`
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads a YAML targets file.
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}

	targets := make([]Target, 0, len(f.Targets))
	for _, t := range f.Targets {
		if t.Repo == "" {
			continue
		}
		if t.Branch == "" {
			t.Branch = "main"
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// StartSchedule runs an immediate build pass over targets, then repeats
// every rebuildInterval. With no targets given, the configured targets file
// is loaded. Restarting replaces any previous schedule.
func (b *Builder) StartSchedule(ctx context.Context, targets []Target) error {
	if len(targets) == 0 && b.cfg.TargetsFile != "" {
		loaded, err := LoadTargets(b.cfg.TargetsFile)
		if err != nil {
			return err
		}
		targets = loaded
	}
	if len(targets) == 0 {
		b.logger.Info("no schedule targets configured")
		return nil
	}

	interval := b.cfg.RebuildIntervalDuration()
	if interval <= 0 {
		interval = defaultRebuildInterval
	}

	b.schedMu.Lock()
	if b.schedStop != nil {
		close(b.schedStop)
	}
	stopCh := make(chan struct{})
	b.schedStop = stopCh
	b.schedMu.Unlock()

	b.wg.Add(1)
	go b.scheduleLoop(ctx, targets, interval, stopCh)

	b.logger.Info("build schedule started",
		zap.Int("targets", len(targets)),
		zap.Duration("interval", interval))
	return nil
}

// StopSchedule halts the periodic rebuild loop.
func (b *Builder) StopSchedule() {
	b.schedMu.Lock()
	defer b.schedMu.Unlock()
	if b.schedStop != nil {
		close(b.schedStop)
		b.schedStop = nil
	}
}

func (b *Builder) scheduleLoop(ctx context.Context, targets []Target, interval time.Duration, stopCh chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.runSchedulePass(ctx, targets)
	b.publishTick(ctx, b.now().Add(interval))

	for {
		select {
		case <-ticker.C:
			b.runSchedulePass(ctx, targets)
			b.publishTick(ctx, b.now().Add(interval))
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runSchedulePass queues a build for every target that has none active.
func (b *Builder) runSchedulePass(ctx context.Context, targets []Target) {
	for _, t := range targets {
		if b.hasActiveBuild(t.Repo, t.Branch) {
			b.logger.Debug("skipping target with active build",
				zap.String("repository", t.Repo),
				zap.String("branch", t.Branch))
			continue
		}
		if _, err := b.QueueBuild(ctx, t.Repo, t.Branch); err != nil {
			b.logger.Error("failed to queue scheduled build",
				zap.String("repository", t.Repo),
				zap.String("branch", t.Branch),
				zap.Error(err))
		}
	}
}

func (b *Builder) hasActiveBuild(repository, branch string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, job := range b.builds {
		if job.Repository != repository || job.Branch != branch {
			continue
		}
		switch job.Status {
		case v1.BuildCompleted, v1.BuildFailed:
		default:
			return true
		}
	}
	return false
}

func (b *Builder) publishTick(ctx context.Context, nextRun time.Time) {
	if b.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.ScheduleTick, "image-builder", map[string]interface{}{
		"next_run": nextRun.Format(time.RFC3339),
	})
	if err := b.eventBus.Publish(ctx, events.ScheduleTick, event); err != nil {
		b.logger.Error("failed to publish schedule tick", zap.Error(err))
	}
}
