// Package snapshot tracks point-in-time captures of sandbox workspaces and
// restores sessions from the most recent valid one.
package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/ids"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

const (
	defaultMaxPerSession = 10
	defaultTTL           = 24 * time.Hour
)

// CaptureFunc captures a sandbox workspace in the backing provider and
// returns the provider's snapshot ID. That ID becomes the record ID so a
// later restore can hand it straight back to the provider.
type CaptureFunc func(ctx context.Context, sandboxID string) (string, error)

// RestoreFunc materializes a new sandbox from a snapshot and returns its ID.
// The service layer wires this to the provider's restore plus a fresh git
// sync so writes stay gated until the workspace catches up.
type RestoreFunc func(ctx context.Context, snap *v1.Snapshot) (string, error)

// Manager owns all snapshot records and their per-session ordering.
type Manager struct {
	cfg       config.SnapshotsConfig
	eventBus  bus.EventBus
	logger    *logger.Logger
	captureFn CaptureFunc
	restoreFn RestoreFunc

	mu        sync.Mutex
	snapshots map[string]*v1.Snapshot
	bySession map[string][]string // snapshot IDs, newest first

	now func() time.Time
}

// NewManager creates a snapshot manager. captureFn and restoreFn may be nil
// when the corresponding provider operation is not wired; Create then mints
// its own record IDs and Restore returns an error.
func NewManager(cfg config.SnapshotsConfig, captureFn CaptureFunc, restoreFn RestoreFunc, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "snapshot-manager")),
		captureFn: captureFn,
		restoreFn: restoreFn,
		snapshots: make(map[string]*v1.Snapshot),
		bySession: make(map[string][]string),
		now:       time.Now,
	}
}

func (m *Manager) maxPerSession() int {
	if m.cfg.MaxPerSession > 0 {
		return m.cfg.MaxPerSession
	}
	return defaultMaxPerSession
}

func (m *Manager) ttl() time.Duration {
	if d := m.cfg.TTLDuration(); d > 0 {
		return d
	}
	return defaultTTL
}

// Create records a new snapshot for the session. When the session is at its
// cap the oldest snapshot is removed first so the list never exceeds it.
func (m *Manager) Create(ctx context.Context, sandboxID, sessionID, gitCommit string, hasUncommitted bool) (*v1.Snapshot, error) {
	if sandboxID == "" {
		return nil, apperrors.ValidationError("sandboxId", "must not be empty")
	}
	if sessionID == "" {
		return nil, apperrors.ValidationError("sessionId", "must not be empty")
	}

	id := ""
	if m.captureFn != nil {
		captured, err := m.captureFn(ctx, sandboxID)
		if err != nil {
			return nil, apperrors.Wrap(err, "capturing snapshot of sandbox "+sandboxID)
		}
		id = captured
	}
	if id == "" {
		id = ids.New("snap")
	}

	snap := &v1.Snapshot{
		ID:                    id,
		SandboxID:             sandboxID,
		SessionID:             sessionID,
		CreatedAt:             m.now(),
		GitCommit:             gitCommit,
		HasUncommittedChanges: hasUncommitted,
	}

	var evicted *v1.Snapshot
	m.mu.Lock()
	list := m.bySession[sessionID]
	if len(list) >= m.maxPerSession() {
		oldest := list[len(list)-1]
		evicted = m.removeLocked(oldest)
	}
	m.snapshots[snap.ID] = snap
	m.bySession[sessionID] = append([]string{snap.ID}, m.bySession[sessionID]...)
	out := *snap
	m.mu.Unlock()

	if evicted != nil {
		m.publish(ctx, events.SnapshotCleaned, evicted.SessionID, map[string]interface{}{
			"snapshot_id": evicted.ID,
			"session_id":  evicted.SessionID,
		})
	}
	m.publish(ctx, events.SnapshotCreated, sessionID, map[string]interface{}{
		"snapshot_id": snap.ID,
		"sandbox_id":  sandboxID,
		"session_id":  sessionID,
		"git_commit":  gitCommit,
	})

	m.logger.Info("snapshot created",
		zap.String("snapshot_id", snap.ID),
		zap.String("session_id", sessionID),
		zap.String("sandbox_id", sandboxID))
	return &out, nil
}

// Get returns a copy of one snapshot.
func (m *Manager) Get(id string) (*v1.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[id]
	if !ok {
		return nil, apperrors.NotFound("snapshot", id)
	}
	out := *snap
	return &out, nil
}

// BySession returns copies of the session's snapshots, newest first.
func (m *Manager) BySession(sessionID string) []*v1.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.bySession[sessionID]
	out := make([]*v1.Snapshot, 0, len(list))
	for _, id := range list {
		if snap, ok := m.snapshots[id]; ok {
			c := *snap
			out = append(out, &c)
		}
	}
	return out
}

// GetLatest returns the newest valid snapshot for a session. Entries whose
// TTL has elapsed are marked expired on the way past and skipped.
func (m *Manager) GetLatest(ctx context.Context, sessionID string) (*v1.Snapshot, error) {
	ttl := m.ttl()
	now := m.now()

	var newlyExpired []string
	var result *v1.Snapshot

	m.mu.Lock()
	for _, id := range m.bySession[sessionID] {
		snap, ok := m.snapshots[id]
		if !ok {
			continue
		}
		stale := now.Sub(snap.CreatedAt) >= ttl
		if snap.Expired || stale {
			if !snap.Expired {
				snap.Expired = true
				newlyExpired = append(newlyExpired, snap.ID)
			}
			continue
		}
		c := *snap
		result = &c
		break
	}
	m.mu.Unlock()

	for _, id := range newlyExpired {
		m.publish(ctx, events.SnapshotExpired, sessionID, map[string]interface{}{
			"snapshot_id": id,
			"session_id":  sessionID,
		})
	}

	if result == nil {
		return nil, apperrors.NotFound("snapshot for session", sessionID)
	}
	return result, nil
}

// HasValidSnapshot reports whether the session can be restored.
func (m *Manager) HasValidSnapshot(ctx context.Context, sessionID string) bool {
	_, err := m.GetLatest(ctx, sessionID)
	return err == nil
}

// Restore rebuilds a sandbox from the session's newest valid snapshot and
// returns the new sandbox ID.
func (m *Manager) Restore(ctx context.Context, sessionID string) (string, error) {
	if m.restoreFn == nil {
		return "", apperrors.InternalError("no restore function registered", nil)
	}

	snap, err := m.GetLatest(ctx, sessionID)
	if err != nil {
		return "", err
	}

	sandboxID, err := m.restoreFn(ctx, snap)
	if err != nil {
		return "", apperrors.BackendFailure("restore from snapshot "+snap.ID, err)
	}

	m.publish(ctx, events.SnapshotRestored, sessionID, map[string]interface{}{
		"snapshot_id": snap.ID,
		"session_id":  sessionID,
		"sandbox_id":  sandboxID,
	})

	m.logger.Info("session restored from snapshot",
		zap.String("session_id", sessionID),
		zap.String("snapshot_id", snap.ID),
		zap.String("sandbox_id", sandboxID))
	return sandboxID, nil
}

// Expire marks a snapshot unusable without deleting its record.
func (m *Manager) Expire(ctx context.Context, id string) error {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("snapshot", id)
	}
	already := snap.Expired
	snap.Expired = true
	sessionID := snap.SessionID
	m.mu.Unlock()

	if !already {
		m.publish(ctx, events.SnapshotExpired, sessionID, map[string]interface{}{
			"snapshot_id": id,
			"session_id":  sessionID,
		})
	}
	return nil
}

// Remove deletes a snapshot record entirely.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	snap := m.removeLocked(id)
	m.mu.Unlock()

	if snap == nil {
		return apperrors.NotFound("snapshot", id)
	}

	m.publish(ctx, events.SnapshotCleaned, snap.SessionID, map[string]interface{}{
		"snapshot_id": id,
		"session_id":  snap.SessionID,
	})
	return nil
}

// CleanupExpired removes every snapshot whose TTL has elapsed, flagging it
// expired first, and returns how many were removed.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	ttl := m.ttl()
	now := m.now()

	var removed []*v1.Snapshot
	m.mu.Lock()
	for id, snap := range m.snapshots {
		if now.Sub(snap.CreatedAt) >= ttl {
			snap.Expired = true
			if gone := m.removeLocked(id); gone != nil {
				removed = append(removed, gone)
			}
		}
	}
	m.mu.Unlock()

	for _, snap := range removed {
		m.publish(ctx, events.SnapshotCleaned, snap.SessionID, map[string]interface{}{
			"snapshot_id": snap.ID,
			"session_id":  snap.SessionID,
		})
	}

	if len(removed) > 0 {
		m.logger.Info("expired snapshots removed", zap.Int("count", len(removed)))
	}
	return len(removed)
}

// Count returns the number of snapshot records.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// removeLocked deletes a snapshot and repairs the session list. Callers
// hold m.mu. Returns the removed record or nil.
func (m *Manager) removeLocked(id string) *v1.Snapshot {
	snap, ok := m.snapshots[id]
	if !ok {
		return nil
	}
	delete(m.snapshots, id)

	list := m.bySession[snap.SessionID]
	for i, sid := range list {
		if sid == id {
			m.bySession[snap.SessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.bySession[snap.SessionID]) == 0 {
		delete(m.bySession, snap.SessionID)
	}
	return snap
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "snapshot-manager", data)
	subject := events.BuildSnapshotSubject(eventType, sessionID)
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Error("failed to publish snapshot event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
