// Package provider defines the contract every sandbox backend satisfies.
// Two implementations exist: local (host processes under a base directory)
// and hosted (a remote sandbox API spoken over HTTP).
package provider

import (
	"context"
	"time"

	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// CreateInput carries the parameters for allocating a new sandbox.
type CreateInput struct {
	ProjectID string
	Repo      string // clone URL or "org/repo"
	Branch    string
	ImageTag  string // image to boot from, empty means backend default
	Env       map[string]string
}

// ExecOptions modifies a single Execute call.
type ExecOptions struct {
	WorkDir string // relative to the sandbox workspace, empty means workspace root
	Env     map[string]string
	Timeout time.Duration // zero means no deadline beyond ctx
}

// ExecResult is the outcome of one command run inside a sandbox.
// Backend or transport failures surface as ExitCode 1 with the error
// text in Stderr rather than as a Go error.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration_ms"`
}

// Provider manages isolated execution environments. Implementations must be
// race-safe: any status-mutating background task re-reads the current status
// before writing and aborts if the sandbox was terminated in the meantime.
type Provider interface {
	// Create allocates a sandbox in status initializing and kicks off the
	// git clone asynchronously. Failed creates leave no record behind.
	Create(ctx context.Context, input CreateInput) (*v1.Sandbox, error)

	// Get returns the sandbox or a NotFound error. It may refresh cached
	// status from the backend before returning.
	Get(ctx context.Context, id string) (*v1.Sandbox, error)

	// List returns all sandboxes, filtered by projectID when non-empty.
	List(ctx context.Context, projectID string) ([]*v1.Sandbox, error)

	// Start resumes a stopped sandbox. Terminated sandboxes are rejected.
	Start(ctx context.Context, id string) error

	// Stop suspends a running sandbox.
	Stop(ctx context.Context, id string) error

	// Terminate destroys a sandbox. Idempotent after the first call.
	Terminate(ctx context.Context, id string) error

	// Snapshot captures the workspace and returns a snapshot ID. The
	// sandbox status is unchanged.
	Snapshot(ctx context.Context, id string) (string, error)

	// Restore materializes a fresh sandbox pre-populated from a snapshot.
	// The returned sandbox is ready; its git state is copied from the
	// snapshot and must be refreshed via SyncGit before writes.
	Restore(ctx context.Context, snapshotID string) (*v1.Sandbox, error)

	// Execute runs a command inside the sandbox and updates LastActivity.
	Execute(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error)

	// StreamLogs returns a channel of log chunks for one service. The
	// channel closes on ctx cancellation or end of stream.
	StreamLogs(ctx context.Context, id, service string) (<-chan []byte, error)

	// SyncGit re-synchronizes the sandbox workspace with its remote.
	SyncGit(ctx context.Context, id string) error

	// GetGitStatus reports the current git sync state.
	GetGitStatus(ctx context.Context, id string) (v1.GitState, error)

	// Name identifies the backend ("local", "hosted").
	Name() string
}

// CloneSandbox returns a deep copy so callers never share the provider's
// internal record.
func CloneSandbox(s *v1.Sandbox) *v1.Sandbox {
	if s == nil {
		return nil
	}
	out := *s
	if s.Git.SyncedAt != nil {
		t := *s.Git.SyncedAt
		out.Git.SyncedAt = &t
	}
	if s.Time.Ready != nil {
		t := *s.Time.Ready
		out.Time.Ready = &t
	}
	if s.Services != nil {
		out.Services = make([]v1.Service, len(s.Services))
		copy(out.Services, s.Services)
	}
	if s.Network.Ports != nil {
		out.Network.Ports = make(map[string]int, len(s.Network.Ports))
		for k, v := range s.Network.Ports {
			out.Network.Ports[k] = v
		}
	}
	return &out
}
