package hosted

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// SyncGit asks the backend to pull the tracked branch inside the sandbox.
// The remote service performs the pull asynchronously; callers observe
// completion through git status polling or git events.
func (p *Provider) SyncGit(ctx context.Context, id string) error {
	path := "/v1/sandboxes/" + url.PathEscape(id) + "/git/sync"
	if err := p.doJSON(ctx, "POST", path, nil, nil, "sandbox", id); err != nil {
		return err
	}

	p.logger.Info("git sync requested", zap.String("sandbox_id", id))
	p.publishGit(ctx, id, v1.GitState{SyncStatus: v1.GitSyncSyncing})
	return nil
}

// GetGitStatus fetches the sandbox's current git state from the backend.
func (p *Provider) GetGitStatus(ctx context.Context, id string) (v1.GitState, error) {
	var remote remoteGit
	path := "/v1/sandboxes/" + url.PathEscape(id) + "/git"
	if err := p.doJSON(ctx, "GET", path, nil, &remote, "sandbox", id); err != nil {
		return v1.GitState{}, err
	}
	return gitFromRemote(&remote), nil
}

func (p *Provider) publishGit(ctx context.Context, id string, git v1.GitState) {
	if p.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"sandbox_id":  id,
		"sync_status": string(git.SyncStatus),
		"commit":      git.Commit,
	}
	event := bus.NewEvent(events.SandboxGit, "hosted-provider", data)
	if err := p.eventBus.Publish(ctx, events.BuildSandboxGitSubject(id), event); err != nil {
		p.logger.Error("failed to publish git event",
			zap.String("sandbox_id", id),
			zap.Error(err))
	}
}
