package v1

import "time"

// SandboxStatus represents the lifecycle status of a sandbox
type SandboxStatus string

const (
	SandboxStatusInitializing SandboxStatus = "initializing"
	SandboxStatusReady        SandboxStatus = "ready"
	SandboxStatusRunning      SandboxStatus = "running"
	SandboxStatusSuspended    SandboxStatus = "suspended"
	SandboxStatusTerminated   SandboxStatus = "terminated"
)

// GitSyncStatus represents the git synchronization state of a sandbox workspace
type GitSyncStatus string

const (
	GitSyncPending GitSyncStatus = "pending"
	GitSyncSyncing GitSyncStatus = "syncing"
	GitSyncSynced  GitSyncStatus = "synced"
	GitSyncError   GitSyncStatus = "error"
)

// ServiceStatus represents the status of a developer-facing side process
type ServiceStatus string

const (
	ServiceStarting ServiceStatus = "starting"
	ServiceRunning  ServiceStatus = "running"
	ServiceStopped  ServiceStatus = "stopped"
	ServiceError    ServiceStatus = "error"
)

// ImageRef is an immutable reference to a built image artifact
type ImageRef struct {
	ID      string    `json:"id"`
	Tag     string    `json:"tag"`
	Digest  string    `json:"digest"`
	BuiltAt time.Time `json:"built_at"`
}

// GitState describes the repository checked out inside a sandbox
type GitState struct {
	Repo       string        `json:"repo"`
	Branch     string        `json:"branch"`
	Commit     string        `json:"commit,omitempty"`
	SyncStatus GitSyncStatus `json:"sync_status"`
	SyncedAt   *time.Time    `json:"synced_at,omitempty"`
}

// Service is a side process running inside a sandbox (e.g. a dev server)
type Service struct {
	Name   string        `json:"name"`
	Status ServiceStatus `json:"status"`
	Port   int           `json:"port,omitempty"`
	URL    string        `json:"url,omitempty"`
}

// Network describes how a sandbox is reachable
type Network struct {
	InternalIP string         `json:"internal_ip,omitempty"`
	Ports      map[string]int `json:"ports,omitempty"`
	PublicURL  string         `json:"public_url,omitempty"`
}

// SandboxTime tracks lifecycle timestamps for a sandbox
type SandboxTime struct {
	Created      time.Time  `json:"created"`
	Ready        *time.Time `json:"ready,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

// Sandbox represents an isolated execution environment managed by a provider
type Sandbox struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Status     SandboxStatus `json:"status"`
	Image      ImageRef      `json:"image"`
	Git        GitState      `json:"git"`
	Services   []Service     `json:"services,omitempty"`
	Network    Network       `json:"network"`
	SnapshotID string        `json:"snapshot_id,omitempty"`
	Time       SandboxTime   `json:"time"`
}

// Image represents a built sandbox image indexed by the registry
type Image struct {
	ID         string            `json:"id"`
	Tag        string            `json:"tag"`
	Digest     string            `json:"digest"`
	Repository string            `json:"repository"` // "org/repo"
	Branch     string            `json:"branch"`
	Commit     string            `json:"commit,omitempty"`
	BuiltAt    time.Time         `json:"built_at"`
	SizeBytes  int64             `json:"size_bytes,omitempty"`
	Services   []string          `json:"services,omitempty"`
	IsLatest   bool              `json:"is_latest"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Snapshot is a point-in-time capture of a sandbox workspace
type Snapshot struct {
	ID                    string    `json:"id"`
	SandboxID             string    `json:"sandbox_id"`
	SessionID             string    `json:"session_id"`
	CreatedAt             time.Time `json:"created_at"`
	GitCommit             string    `json:"git_commit,omitempty"`
	HasUncommittedChanges bool      `json:"has_uncommitted_changes"`
	Expired               bool      `json:"expired"`
}

// PoolEntry references a pre-warmed sandbox held by the warm pool
type PoolEntry struct {
	SandboxID  string    `json:"sandbox_id"`
	Repository string    `json:"repository"`
	ImageTag   string    `json:"image_tag"`
	AddedAt    time.Time `json:"added_at"`
}

// BuildStatus represents the state of an image build job
type BuildStatus string

const (
	BuildQueued     BuildStatus = "queued"
	BuildCloning    BuildStatus = "cloning"
	BuildInstalling BuildStatus = "installing"
	BuildBuilding   BuildStatus = "building"
	BuildTesting    BuildStatus = "testing"
	BuildPushing    BuildStatus = "pushing"
	BuildCompleted  BuildStatus = "completed"
	BuildFailed     BuildStatus = "failed"
)

// BuildJob represents one image build request moving through the builder
type BuildJob struct {
	ID           string      `json:"id"`
	Repository   string      `json:"repository"`
	Branch       string      `json:"branch"`
	Status       BuildStatus `json:"status"`
	ImageID      string      `json:"image_id,omitempty"`
	ImageTag     string      `json:"image_tag,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	QueuedAt     time.Time   `json:"queued_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}
