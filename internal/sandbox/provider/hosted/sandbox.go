package hosted

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/sandbox/provider"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// Create allocates a sandbox on the hosted backend. The remote service owns
// the asynchronous clone; the returned record starts in initializing.
func (p *Provider) Create(ctx context.Context, input provider.CreateInput) (*v1.Sandbox, error) {
	if input.Repo == "" {
		return nil, apperrors.ValidationError("repo", "must not be empty")
	}

	req := createRequest{
		App:      p.cfg.AppName,
		ImageTag: input.ImageTag,
		Repo:     input.Repo,
		Branch:   input.Branch,
		Env:      input.Env,
	}
	if input.ProjectID != "" {
		req.Metadata = map[string]string{"project_id": input.ProjectID}
	}

	var remote remoteSandbox
	if err := p.doJSON(ctx, "POST", "/v1/sandboxes", req, &remote, "", ""); err != nil {
		return nil, err
	}

	sb := p.sandboxFromRemote(&remote)
	p.logger.Info("sandbox created",
		zap.String("sandbox_id", sb.ID),
		zap.String("repo", input.Repo),
		zap.String("branch", input.Branch))

	p.publishEvent(ctx, events.SandboxCreated, events.SandboxCreated, sb)
	return sb, nil
}

// Get fetches the current sandbox state from the backend.
func (p *Provider) Get(ctx context.Context, id string) (*v1.Sandbox, error) {
	var remote remoteSandbox
	if err := p.doJSON(ctx, "GET", "/v1/sandboxes/"+url.PathEscape(id), nil, &remote, "sandbox", id); err != nil {
		return nil, err
	}
	return p.sandboxFromRemote(&remote), nil
}

// List fetches all sandboxes for the configured app, filtered by project
// when projectID is non-empty.
func (p *Provider) List(ctx context.Context, projectID string) ([]*v1.Sandbox, error) {
	path := "/v1/sandboxes?app=" + url.QueryEscape(p.cfg.AppName)
	if projectID != "" {
		path += "&project_id=" + url.QueryEscape(projectID)
	}

	var resp listResponse
	if err := p.doJSON(ctx, "GET", path, nil, &resp, "", ""); err != nil {
		return nil, err
	}

	result := make([]*v1.Sandbox, 0, len(resp.Sandboxes))
	for i := range resp.Sandboxes {
		result = append(result, p.sandboxFromRemote(&resp.Sandboxes[i]))
	}
	return result, nil
}

// Start resumes a stopped sandbox. The backend rejects terminated sandboxes;
// that rejection is surfaced as a state error.
func (p *Provider) Start(ctx context.Context, id string) error {
	current, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == v1.SandboxStatusTerminated {
		return apperrors.StateInvalid("cannot start a terminated sandbox")
	}

	if err := p.doJSON(ctx, "POST", "/v1/sandboxes/"+url.PathEscape(id)+"/start", nil, nil, "sandbox", id); err != nil {
		return err
	}
	p.publishStatus(ctx, id, v1.SandboxStatusRunning)
	return nil
}

// Stop suspends a running sandbox.
func (p *Provider) Stop(ctx context.Context, id string) error {
	if err := p.doJSON(ctx, "POST", "/v1/sandboxes/"+url.PathEscape(id)+"/stop", nil, nil, "sandbox", id); err != nil {
		return err
	}
	p.publishStatus(ctx, id, v1.SandboxStatusSuspended)
	return nil
}

// Terminate destroys a sandbox. A 404 from the backend means the sandbox is
// already gone, which the contract treats as success.
func (p *Provider) Terminate(ctx context.Context, id string) error {
	err := p.doJSON(ctx, "POST", "/v1/sandboxes/"+url.PathEscape(id)+"/terminate", nil, nil, "sandbox", id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	p.logger.Info("sandbox terminated", zap.String("sandbox_id", id))
	p.publishStatus(ctx, id, v1.SandboxStatusTerminated)
	return nil
}

// Snapshot asks the backend to capture the sandbox and returns the snapshot ID.
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	var resp snapshotResponse
	if err := p.doJSON(ctx, "POST", "/v1/sandboxes/"+url.PathEscape(id)+"/snapshot", nil, &resp, "sandbox", id); err != nil {
		return "", err
	}
	p.logger.Info("snapshot captured",
		zap.String("sandbox_id", id),
		zap.String("snapshot_id", resp.SnapshotID))
	return resp.SnapshotID, nil
}

// Restore materializes a fresh sandbox from a snapshot.
func (p *Provider) Restore(ctx context.Context, snapshotID string) (*v1.Sandbox, error) {
	var remote remoteSandbox
	if err := p.doJSON(ctx, "POST", "/v1/snapshots/"+url.PathEscape(snapshotID)+"/restore", nil, &remote, "snapshot", snapshotID); err != nil {
		return nil, err
	}

	sb := p.sandboxFromRemote(&remote)
	sb.SnapshotID = snapshotID

	p.logger.Info("sandbox restored from snapshot",
		zap.String("sandbox_id", sb.ID),
		zap.String("snapshot_id", snapshotID))

	p.publishEvent(ctx, events.SandboxCreated, events.SandboxCreated, sb)
	return sb, nil
}

// Execute runs a command remotely. Backend and transport failures surface as
// exit code 1 with the error text in stderr rather than as a Go error, so
// callers treat them like any other failed command.
func (p *Provider) Execute(ctx context.Context, id string, argv []string, opts provider.ExecOptions) (*provider.ExecResult, error) {
	if len(argv) == 0 {
		return nil, apperrors.ValidationError("argv", "must not be empty")
	}

	req := execRequest{
		Argv:    argv,
		WorkDir: opts.WorkDir,
		Env:     opts.Env,
	}
	if opts.Timeout > 0 {
		req.TimeoutMS = opts.Timeout.Milliseconds()
	}

	start := time.Now()
	var resp execResponse
	err := p.doJSON(ctx, "POST", "/v1/sandboxes/"+url.PathEscape(id)+"/exec", req, &resp, "sandbox", id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, err
		}
		return &provider.ExecResult{
			ExitCode: 1,
			Stderr:   err.Error(),
			Duration: time.Since(start),
		}, nil
	}

	duration := time.Duration(resp.DurationMS) * time.Millisecond
	if duration == 0 {
		duration = time.Since(start)
	}
	return &provider.ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: duration,
	}, nil
}
