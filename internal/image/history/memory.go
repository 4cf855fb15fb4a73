package history

import (
	"context"
	"sync"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/ids"
)

// MemoryRepository keeps build records in process memory. It is the default
// driver; records do not survive a restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []*Record // newest first
	byID    map[string]*Record
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory history store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*Record)}
}

// Append stores a record. Missing IDs are assigned.
func (r *MemoryRepository) Append(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneRecord(rec)
	if stored.ID == "" {
		stored.ID = ids.New("bh")
		rec.ID = stored.ID
	}

	r.records = append([]*Record{stored}, r.records...)
	r.byID[stored.ID] = stored
	return nil
}

// Get returns the record with the given ID.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, apperrors.NotFound("build record", id)
	}
	return cloneRecord(rec), nil
}

// List returns records newest first.
func (r *MemoryRepository) List(_ context.Context, repository string, limit int) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		if repository != "" && rec.Repository != repository {
			continue
		}
		out = append(out, cloneRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the memory driver.
func (r *MemoryRepository) Close() error {
	return nil
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	if rec.TestsPassed != nil {
		v := *rec.TestsPassed
		out.TestsPassed = &v
	}
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		out.StartedAt = &t
	}
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
