package hosted

import (
	"fmt"
	"time"

	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// remoteSandbox is the sandbox object as the hosted API reports it.
type remoteSandbox struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	ImageTag   string            `json:"image_tag,omitempty"`
	ImageID    string            `json:"image_id,omitempty"`
	Digest     string            `json:"digest,omitempty"`
	Repo       string            `json:"repo,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Commit     string            `json:"commit,omitempty"`
	SyncStatus string            `json:"sync_status,omitempty"`
	SyncedAt   *time.Time        `json:"synced_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Services   []remoteService   `json:"services,omitempty"`
	Ports      map[string]int    `json:"ports,omitempty"`
	InternalIP string            `json:"internal_ip,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ReadyAt    *time.Time        `json:"ready_at,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type remoteService struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Port   int    `json:"port,omitempty"`
	URL    string `json:"url,omitempty"`
}

type remoteGit struct {
	Repo       string     `json:"repo"`
	Branch     string     `json:"branch"`
	Commit     string     `json:"commit,omitempty"`
	SyncStatus string     `json:"sync_status"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

type createRequest struct {
	App      string            `json:"app"`
	ImageTag string            `json:"image_tag,omitempty"`
	Repo     string            `json:"repo"`
	Branch   string            `json:"branch,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type execRequest struct {
	Argv      []string          `json:"argv"`
	WorkDir   string            `json:"work_dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

type execResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

type snapshotResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

type listResponse struct {
	Sandboxes []remoteSandbox `json:"sandboxes"`
}

// mapStatus translates remote status strings into the sandbox lifecycle.
// Unknown statuses are treated as ready.
func mapStatus(remote string) v1.SandboxStatus {
	switch remote {
	case "pending", "starting":
		return v1.SandboxStatusInitializing
	case "running":
		return v1.SandboxStatusRunning
	case "stopped", "suspended":
		return v1.SandboxStatusSuspended
	case "terminated", "failed":
		return v1.SandboxStatusTerminated
	default:
		return v1.SandboxStatusReady
	}
}

func mapSyncStatus(remote string) v1.GitSyncStatus {
	switch remote {
	case "syncing":
		return v1.GitSyncSyncing
	case "synced":
		return v1.GitSyncSynced
	case "error":
		return v1.GitSyncError
	default:
		return v1.GitSyncPending
	}
}

// sandboxFromRemote converts the remote representation into the public one,
// deriving the public URL from the app name and configured host.
func (p *Provider) sandboxFromRemote(r *remoteSandbox) *v1.Sandbox {
	services := make([]v1.Service, 0, len(r.Services))
	for _, svc := range r.Services {
		services = append(services, v1.Service{
			Name:   svc.Name,
			Status: mapServiceStatus(svc.Status),
			Port:   svc.Port,
			URL:    svc.URL,
		})
	}

	publicURL := ""
	if p.cfg.PublicHost != "" {
		publicURL = fmt.Sprintf("https://%s--%s.%s", p.cfg.AppName, r.ID, p.cfg.PublicHost)
	}

	lastActivity := r.UpdatedAt
	if lastActivity.IsZero() {
		lastActivity = r.CreatedAt
	}

	return &v1.Sandbox{
		ID:        r.ID,
		ProjectID: r.Metadata["project_id"],
		Status:    mapStatus(r.Status),
		Image: v1.ImageRef{
			ID:     r.ImageID,
			Tag:    r.ImageTag,
			Digest: r.Digest,
		},
		Git: v1.GitState{
			Repo:       r.Repo,
			Branch:     r.Branch,
			Commit:     r.Commit,
			SyncStatus: mapSyncStatus(r.SyncStatus),
			SyncedAt:   r.SyncedAt,
		},
		Services: services,
		Network: v1.Network{
			InternalIP: r.InternalIP,
			Ports:      r.Ports,
			PublicURL:  publicURL,
		},
		SnapshotID: r.SnapshotID,
		Time: v1.SandboxTime{
			Created:      r.CreatedAt,
			Ready:        r.ReadyAt,
			LastActivity: lastActivity,
		},
	}
}

func mapServiceStatus(remote string) v1.ServiceStatus {
	switch remote {
	case "starting":
		return v1.ServiceStarting
	case "running":
		return v1.ServiceRunning
	case "stopped":
		return v1.ServiceStopped
	default:
		return v1.ServiceError
	}
}

func gitFromRemote(r *remoteGit) v1.GitState {
	return v1.GitState{
		Repo:       r.Repo,
		Branch:     r.Branch,
		Commit:     r.Commit,
		SyncStatus: mapSyncStatus(r.SyncStatus),
		SyncedAt:   r.SyncedAt,
	}
}
