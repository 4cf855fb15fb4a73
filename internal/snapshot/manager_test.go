package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func newTestManager(t *testing.T, cfg config.SnapshotsConfig, restoreFn RestoreFunc) (*Manager, *bus.MemoryEventBus) {
	t.Helper()
	memBus := bus.NewMemoryEventBus(newTestLogger(t))
	m := NewManager(cfg, nil, restoreFn, memBus, newTestLogger(t))
	return m, memBus
}

func TestManager_CreateAndGet(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 5, TTL: 3600}, nil)

	snap, err := m.Create(context.Background(), "sb-1", "sess-1", "abc123", true)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "sb-1", snap.SandboxID)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, "abc123", snap.GitCommit)
	assert.True(t, snap.HasUncommittedChanges)
	assert.False(t, snap.Expired)

	got, err := m.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)

	_, err = m.Get("snap-missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestManager_CreateValidatesInput(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 5, TTL: 3600}, nil)

	_, err := m.Create(context.Background(), "", "sess-1", "", false)
	require.Error(t, err)
	_, err = m.Create(context.Background(), "sb-1", "", "", false)
	require.Error(t, err)
}

func TestManager_CreateUsesCapturedID(t *testing.T) {
	memBus := bus.NewMemoryEventBus(newTestLogger(t))
	var captured []string
	capture := func(ctx context.Context, sandboxID string) (string, error) {
		captured = append(captured, sandboxID)
		return "snap-provider-1", nil
	}
	m := NewManager(config.SnapshotsConfig{MaxPerSession: 5, TTL: 3600}, capture, nil, memBus, newTestLogger(t))

	snap, err := m.Create(context.Background(), "sb-1", "sess-1", "abc123", false)
	require.NoError(t, err)
	assert.Equal(t, "snap-provider-1", snap.ID)
	assert.Equal(t, []string{"sb-1"}, captured)

	got, err := m.Get("snap-provider-1")
	require.NoError(t, err)
	assert.Equal(t, "sb-1", got.SandboxID)
}

func TestManager_CreateCaptureFailure(t *testing.T) {
	memBus := bus.NewMemoryEventBus(newTestLogger(t))
	capture := func(ctx context.Context, sandboxID string) (string, error) {
		return "", apperrors.BackendFailure("workspace copy failed", nil)
	}
	m := NewManager(config.SnapshotsConfig{MaxPerSession: 5, TTL: 3600}, capture, nil, memBus, newTestLogger(t))

	_, err := m.Create(context.Background(), "sb-1", "sess-1", "", false)
	require.Error(t, err)
	assert.True(t, apperrors.IsBackendUnavailable(err))
	assert.Equal(t, 0, m.Count())
}

func TestManager_CapEvictsOldest(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 3, TTL: 3600}, nil)

	base := time.Now()
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var created []*v1.Snapshot
	for _, commit := range []string{"c1", "c2", "c3", "c4"} {
		snap, err := m.Create(context.Background(), "sb-1", "s", commit, false)
		require.NoError(t, err)
		created = append(created, snap)
	}

	list := m.BySession("s")
	require.Len(t, list, 3)
	assert.Equal(t, "c4", list[0].GitCommit)
	assert.Equal(t, "c3", list[1].GitCommit)
	assert.Equal(t, "c2", list[2].GitCommit)

	// The evicted snapshot is gone from both indices.
	_, err := m.Get(created[0].ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 3, m.Count())
}

func TestManager_BySessionNewestFirst(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 3600}, nil)

	base := time.Now()
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, commit := range []string{"c1", "c2", "c3"} {
		_, err := m.Create(context.Background(), "sb-1", "s", commit, false)
		require.NoError(t, err)
	}

	list := m.BySession("s")
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i-1].CreatedAt.Before(list[i].CreatedAt))
	}
}

func TestManager_GetLatestSkipsAndExpiresStale(t *testing.T) {
	m, memBus := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 60}, nil)

	expired := make(chan *bus.Event, 4)
	_, err := memBus.Subscribe(events.BuildSnapshotSubject(events.SnapshotExpired, "s"), func(ctx context.Context, e *bus.Event) error {
		expired <- e
		return nil
	})
	require.NoError(t, err)

	base := time.Now()
	m.now = func() time.Time { return base }
	old, err := m.Create(context.Background(), "sb-1", "s", "old", false)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(45 * time.Second) }
	fresh, err := m.Create(context.Background(), "sb-1", "s", "fresh", false)
	require.NoError(t, err)

	// 70s after the first snapshot: it is past TTL, the second is not.
	m.now = func() time.Time { return base.Add(70 * time.Second) }
	latest, err := m.GetLatest(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, latest.ID)

	// The stale one was mark-expired on the way past. It sits behind the
	// fresh one in the list, so the scan touched it only because newest
	// first means fresh is hit first; force a full scan by expiring fresh.
	require.NoError(t, m.Expire(context.Background(), fresh.ID))
	_, err = m.GetLatest(context.Background(), "s")
	assert.True(t, apperrors.IsNotFound(err))

	got, err := m.Get(old.ID)
	require.NoError(t, err)
	assert.True(t, got.Expired)

	select {
	case e := <-expired:
		assert.Equal(t, "s", e.Data["session_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected snapshot:expired event")
	}
}

func TestManager_GetLatestAllExpired(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 1}, nil)

	base := time.Now()
	m.now = func() time.Time { return base }
	_, err := m.Create(context.Background(), "sb-1", "s", "c1", false)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "sb-1", "s", "c2", false)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Hour) }
	_, err = m.GetLatest(context.Background(), "s")
	assert.True(t, apperrors.IsNotFound(err))
	assert.False(t, m.HasValidSnapshot(context.Background(), "s"))
}

func TestManager_HasValidSnapshot(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 3600}, nil)

	assert.False(t, m.HasValidSnapshot(context.Background(), "s"))
	_, err := m.Create(context.Background(), "sb-1", "s", "c1", false)
	require.NoError(t, err)
	assert.True(t, m.HasValidSnapshot(context.Background(), "s"))
}

func TestManager_RestoreUsesLatestValid(t *testing.T) {
	var restoredFrom string
	restoreFn := func(ctx context.Context, snap *v1.Snapshot) (string, error) {
		restoredFrom = snap.GitCommit
		return "sb-new", nil
	}
	m, memBus := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 3600}, restoreFn)

	restored := make(chan *bus.Event, 1)
	_, err := memBus.Subscribe(events.BuildSnapshotSubject(events.SnapshotRestored, "s"), func(ctx context.Context, e *bus.Event) error {
		restored <- e
		return nil
	})
	require.NoError(t, err)

	base := time.Now()
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, err = m.Create(context.Background(), "sb-1", "s", "older", false)
	require.NoError(t, err)
	newest, err := m.Create(context.Background(), "sb-1", "s", "newest", false)
	require.NoError(t, err)

	sandboxID, err := m.Restore(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "sb-new", sandboxID)
	assert.Equal(t, "newest", restoredFrom)

	select {
	case e := <-restored:
		assert.Equal(t, newest.ID, e.Data["snapshot_id"])
		assert.Equal(t, "sb-new", e.Data["sandbox_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected snapshot:restored event")
	}
}

func TestManager_RestoreFailures(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 3600}, nil)

	// No restore function wired.
	_, err := m.Restore(context.Background(), "s")
	require.Error(t, err)

	failing := func(ctx context.Context, snap *v1.Snapshot) (string, error) {
		return "", errors.New("backend exploded")
	}
	m2, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 3600}, failing)

	// No snapshot for the session.
	_, err = m2.Restore(context.Background(), "s")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = m2.Create(context.Background(), "sb-1", "s", "c1", false)
	require.NoError(t, err)
	_, err = m2.Restore(context.Background(), "s")
	require.Error(t, err)
	assert.False(t, apperrors.IsNotFound(err))
}

func TestManager_ExpireAndRemove(t *testing.T) {
	m, memBus := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 3600}, nil)

	cleaned := make(chan *bus.Event, 1)
	_, err := memBus.Subscribe(events.BuildSnapshotSubject(events.SnapshotCleaned, "s"), func(ctx context.Context, e *bus.Event) error {
		cleaned <- e
		return nil
	})
	require.NoError(t, err)

	snap, err := m.Create(context.Background(), "sb-1", "s", "c1", false)
	require.NoError(t, err)

	require.NoError(t, m.Expire(context.Background(), snap.ID))
	got, err := m.Get(snap.ID)
	require.NoError(t, err)
	assert.True(t, got.Expired)

	assert.True(t, apperrors.IsNotFound(m.Expire(context.Background(), "snap-missing")))

	require.NoError(t, m.Remove(context.Background(), snap.ID))
	_, err = m.Get(snap.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, m.BySession("s"))

	select {
	case e := <-cleaned:
		assert.Equal(t, snap.ID, e.Data["snapshot_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected snapshot:cleaned event")
	}

	assert.True(t, apperrors.IsNotFound(m.Remove(context.Background(), snap.ID)))
}

func TestManager_CleanupExpired(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 60}, nil)

	base := time.Now()
	m.now = func() time.Time { return base }
	stale1, err := m.Create(context.Background(), "sb-1", "s1", "c1", false)
	require.NoError(t, err)
	stale2, err := m.Create(context.Background(), "sb-2", "s2", "c2", false)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(45 * time.Second) }
	keep, err := m.Create(context.Background(), "sb-3", "s1", "c3", false)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(70 * time.Second) }
	removed := m.CleanupExpired(context.Background())
	assert.Equal(t, 2, removed)

	_, err = m.Get(stale1.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = m.Get(stale2.ID)
	assert.True(t, apperrors.IsNotFound(err))

	got, err := m.Get(keep.ID)
	require.NoError(t, err)
	assert.False(t, got.Expired)
	assert.Equal(t, 1, m.Count())

	// Session lists shrink with the records.
	assert.Len(t, m.BySession("s1"), 1)
	assert.Empty(t, m.BySession("s2"))
}

func TestManager_CopiesOut(t *testing.T) {
	m, _ := newTestManager(t, config.SnapshotsConfig{MaxPerSession: 10, TTL: 3600}, nil)

	snap, err := m.Create(context.Background(), "sb-1", "s", "c1", false)
	require.NoError(t, err)

	snap.GitCommit = "mutated"
	got, err := m.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.GitCommit)
}
