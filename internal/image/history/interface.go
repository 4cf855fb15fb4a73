// Package history stores finished build records so operators can answer
// "what built, when, from which commit" after the process restarts.
package history

import (
	"context"
	"time"

	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// Record is one finished build.
type Record struct {
	ID          string         `json:"id"`
	Repository  string         `json:"repository"` // "org/repo"
	Branch      string         `json:"branch"`
	Status      v1.BuildStatus `json:"status"`
	ImageID     string         `json:"image_id,omitempty"`
	ImageTag    string         `json:"image_tag,omitempty"`
	Digest      string         `json:"digest,omitempty"`
	Commit      string         `json:"commit,omitempty"`
	Error       string         `json:"error,omitempty"`
	TestsPassed *bool          `json:"tests_passed,omitempty"`
	QueuedAt    time.Time      `json:"queued_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Repository persists build records.
type Repository interface {
	Append(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns records newest first, optionally filtered by repository.
	// limit <= 0 means no limit.
	List(ctx context.Context, repository string, limit int) ([]*Record, error)
	Close() error
}
