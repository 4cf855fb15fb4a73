// Package api provides HTTP handlers for the sandbox operations API.
package api

import (
	"time"

	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// CreateSandboxRequest for provisioning a sandbox
type CreateSandboxRequest struct {
	ProjectID string            `json:"project_id"`
	Repo      string            `json:"repo" binding:"required"`
	Branch    string            `json:"branch"`
	ImageTag  string            `json:"image_tag"`
	Env       map[string]string `json:"env,omitempty"`
}

// ExecRequest for running a command inside a sandbox. Tool, File and
// CallID are agent tool-call metadata: when Tool is set the call is held
// at the sync gate until the workspace is safe to mutate.
type ExecRequest struct {
	Argv      []string          `json:"argv" binding:"required"`
	WorkDir   string            `json:"work_dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty"`
	Tool      string            `json:"tool,omitempty"`
	File      string            `json:"file,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
}

// ClaimRequest for claiming a sandbox from the warm pool
type ClaimRequest struct {
	Repository string `json:"repository" binding:"required"`
	ProjectID  string `json:"project_id"`
	ImageTag   string `json:"image_tag"`
}

// ReleaseRequest for returning a claimed sandbox
type ReleaseRequest struct {
	SandboxID string `json:"sandbox_id" binding:"required"`
}

// WarmUpRequest for pre-provisioning pool entries
type WarmUpRequest struct {
	Tag   string `json:"tag" binding:"required"`
	Count int    `json:"count"`
}

// TypingRequest signals user activity on a repository so the pool can
// warm a sandbox ahead of the claim
type TypingRequest struct {
	Repository string `json:"repository" binding:"required"`
}

// CreateSnapshotRequest for capturing a sandbox workspace
type CreateSnapshotRequest struct {
	SandboxID             string `json:"sandbox_id" binding:"required"`
	SessionID             string `json:"session_id" binding:"required"`
	GitCommit             string `json:"git_commit"`
	HasUncommittedChanges bool   `json:"has_uncommitted_changes"`
}

// QueueBuildRequest for queueing an image build
type QueueBuildRequest struct {
	Repository string `json:"repository" binding:"required"`
	Branch     string `json:"branch"`
}

// SandboxesListResponse for listing sandboxes
type SandboxesListResponse struct {
	Sandboxes []*v1.Sandbox `json:"sandboxes"`
	Total     int           `json:"total"`
}

// SnapshotsListResponse for listing snapshots of a session
type SnapshotsListResponse struct {
	Snapshots []*v1.Snapshot `json:"snapshots"`
	Total     int            `json:"total"`
}

// ImagesListResponse for listing registry images
type ImagesListResponse struct {
	Images []*v1.Image `json:"images"`
	Total  int         `json:"total"`
}

// BuildsListResponse for listing build jobs
type BuildsListResponse struct {
	Builds []*v1.BuildJob `json:"builds"`
	Total  int            `json:"total"`
}

// RestoreResponse for a session restore
type RestoreResponse struct {
	SandboxID string `json:"sandbox_id"`
}

// HealthResponse for health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
