package syncgate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode/sandbox/internal/common/config"
	"github.com/opencode/sandbox/internal/common/logger"
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

func newTestGate(t *testing.T, retryMs, maxWaitMs int) *Gate {
	t.Helper()
	return NewGate(config.SyncGateConfig{
		RetryInterval: retryMs,
		MaxWaitTime:   maxWaitMs,
	}, newTestLogger(t))
}

func staticStatus(status v1.GitSyncStatus) StatusFunc {
	return func(ctx context.Context) (v1.GitSyncStatus, error) {
		return status, nil
	}
}

func TestClassify(t *testing.T) {
	for _, tool := range []string{"read", "glob", "grep", "ls", "codesearch", "tree", "find"} {
		assert.Equal(t, ClassReadOnly, Classify(tool), "tool %q", tool)
	}
	for _, tool := range []string{"edit", "write", "patch", "bash", "multiedit", "mv", "rm", "mkdir"} {
		assert.Equal(t, ClassWrite, Classify(tool), "tool %q", tool)
	}
	assert.Equal(t, ClassUnknown, Classify("browse"))
	assert.Equal(t, ClassUnknown, Classify(""))
}

func TestGate_CheckReadonlyAlwaysAllowed(t *testing.T) {
	g := newTestGate(t, 1000, 30000)
	statuses := []v1.GitSyncStatus{v1.GitSyncPending, v1.GitSyncSyncing, v1.GitSyncSynced, v1.GitSyncError}
	for _, tool := range []string{"read", "grep", "ls"} {
		for _, status := range statuses {
			result := g.Check(tool, "sb-1", status)
			assert.True(t, result.Allowed, "tool %q status %q", tool, status)
		}
	}
}

func TestGate_CheckUnknownToolAllowed(t *testing.T) {
	g := newTestGate(t, 1000, 30000)
	result := g.Check("teleport", "sb-1", v1.GitSyncPending)
	assert.True(t, result.Allowed)
}

func TestGate_CheckWriteBlockedUntilSynced(t *testing.T) {
	g := newTestGate(t, 1000, 30000)

	for _, status := range []v1.GitSyncStatus{v1.GitSyncPending, v1.GitSyncSyncing} {
		result := g.Check("edit", "sb-1", status)
		assert.False(t, result.Allowed, "status %q", status)
		assert.Equal(t, time.Second, result.RetryAfter, "status %q", status)
		assert.NotEmpty(t, result.Reason)
	}

	result := g.Check("edit", "sb-1", v1.GitSyncSynced)
	assert.True(t, result.Allowed)
	assert.Zero(t, result.RetryAfter)
}

func TestGate_WaitReadonlyPassesThrough(t *testing.T) {
	g := newTestGate(t, 10, 2000)

	var polled int32
	result := g.Wait(context.Background(), "read", "sb-1", "c1", func(ctx context.Context) (v1.GitSyncStatus, error) {
		atomic.AddInt32(&polled, 1)
		return v1.GitSyncPending, nil
	}, "")
	assert.True(t, result.Allowed)
	assert.Zero(t, atomic.LoadInt32(&polled))
}

func TestGate_WaitAllowedImmediatelyWhenSynced(t *testing.T) {
	g := newTestGate(t, 10, 2000)
	result := g.Wait(context.Background(), "edit", "sb-1", "c1", staticStatus(v1.GitSyncSynced), "main.go")
	assert.True(t, result.Allowed)
	assert.Empty(t, g.GetPendingEdits("sb-1"))
}

func TestGate_WaitResolvesWhenStatusFlips(t *testing.T) {
	g := newTestGate(t, 10, 5000)

	var polls int32
	getStatus := func(ctx context.Context) (v1.GitSyncStatus, error) {
		if atomic.AddInt32(&polls, 1) > 3 {
			return v1.GitSyncSynced, nil
		}
		return v1.GitSyncPending, nil
	}

	result := g.Wait(context.Background(), "edit", "sb-1", "c1", getStatus, "main.go")
	assert.True(t, result.Allowed)
	assert.Empty(t, g.GetPendingEdits("sb-1"))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(4))
}

func TestGate_WaitRegistersPendingEdit(t *testing.T) {
	g := newTestGate(t, 10, 5000)

	done := make(chan CheckResult, 1)
	go func() {
		done <- g.Wait(context.Background(), "write", "sb-1", "call-9", staticStatus(v1.GitSyncSyncing), "pkg/a.go")
	}()

	require.Eventually(t, func() bool {
		return len(g.GetPendingEdits("sb-1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	edits := g.GetPendingEdits("sb-1")
	require.Len(t, edits, 1)
	assert.Equal(t, "write", edits[0].Tool)
	assert.Equal(t, "call-9", edits[0].CallID)
	assert.Equal(t, "pkg/a.go", edits[0].File)
	assert.Equal(t, "sb-1", edits[0].SandboxID)
	assert.False(t, edits[0].Timestamp.IsZero())

	g.NotifySyncComplete("sb-1")

	select {
	case result := <-done:
		assert.True(t, result.Allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve after sync completion")
	}
	assert.Empty(t, g.GetPendingEdits("sb-1"))
}

func TestGate_WaitDeniedOnSyncFailure(t *testing.T) {
	g := newTestGate(t, 10, 5000)

	done := make(chan CheckResult, 1)
	go func() {
		done <- g.Wait(context.Background(), "edit", "sb-1", "c1", staticStatus(v1.GitSyncPending), "")
	}()

	require.Eventually(t, func() bool {
		return len(g.GetPendingEdits("sb-1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	g.NotifySyncFailed("sb-1", "remote rejected credentials")

	select {
	case result := <-done:
		assert.False(t, result.Allowed)
		assert.Contains(t, result.Reason, "remote rejected credentials")
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve after sync failure")
	}
	assert.Empty(t, g.GetPendingEdits("sb-1"))
}

func TestGate_WaitDeniedOnErrorStatus(t *testing.T) {
	g := newTestGate(t, 10, 5000)

	var polls int32
	getStatus := func(ctx context.Context) (v1.GitSyncStatus, error) {
		if atomic.AddInt32(&polls, 1) > 2 {
			return v1.GitSyncError, nil
		}
		return v1.GitSyncSyncing, nil
	}

	result := g.Wait(context.Background(), "edit", "sb-1", "c1", getStatus, "")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "git sync failed")
	assert.Empty(t, g.GetPendingEdits("sb-1"))
}

func TestGate_WaitDeniedOnStatusError(t *testing.T) {
	g := newTestGate(t, 10, 5000)

	getStatus := func(ctx context.Context) (v1.GitSyncStatus, error) {
		return "", errors.New("backend unreachable")
	}

	result := g.Wait(context.Background(), "edit", "sb-1", "c1", getStatus, "")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "backend unreachable")
}

func TestGate_WaitTimesOut(t *testing.T) {
	g := newTestGate(t, 10, 60)

	start := time.Now()
	result := g.Wait(context.Background(), "edit", "sb-1", "c1", staticStatus(v1.GitSyncSyncing), "")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, g.GetPendingEdits("sb-1"))
}

func TestGate_WaitCancelled(t *testing.T) {
	g := newTestGate(t, 10, 60000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CheckResult, 1)
	go func() {
		done <- g.Wait(ctx, "edit", "sb-1", "c1", staticStatus(v1.GitSyncPending), "")
	}()

	require.Eventually(t, func() bool {
		return len(g.GetPendingEdits("sb-1")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.False(t, result.Allowed)
		assert.Contains(t, result.Reason, "cancelled")
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve after cancellation")
	}
	assert.Empty(t, g.GetPendingEdits("sb-1"))
}

func TestGate_WaitersReleasedInArrivalOrder(t *testing.T) {
	g := newTestGate(t, 10, 60000)

	results := make(chan CheckResult, 3)
	for _, callID := range []string{"c1", "c2", "c3"} {
		id := callID
		go func() {
			results <- g.Wait(context.Background(), "edit", "sb-1", id, staticStatus(v1.GitSyncSyncing), "")
		}()
		require.Eventually(t, func() bool {
			for _, edit := range g.GetPendingEdits("sb-1") {
				if edit.CallID == id {
					return true
				}
			}
			return false
		}, 2*time.Second, 5*time.Millisecond)
	}

	edits := g.GetPendingEdits("sb-1")
	require.Len(t, edits, 3)
	assert.Equal(t, "c1", edits[0].CallID)
	assert.Equal(t, "c2", edits[1].CallID)
	assert.Equal(t, "c3", edits[2].CallID)

	g.NotifySyncComplete("sb-1")

	for i := 0; i < 3; i++ {
		select {
		case result := <-results:
			assert.True(t, result.Allowed)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never released")
		}
	}
	assert.Empty(t, g.GetPendingEdits("sb-1"))
}

func TestGate_NotificationsScopedToSandbox(t *testing.T) {
	g := newTestGate(t, 10, 60000)

	otherDone := make(chan CheckResult, 1)
	go func() {
		otherDone <- g.Wait(context.Background(), "edit", "sb-other", "c1", staticStatus(v1.GitSyncSyncing), "")
	}()
	require.Eventually(t, func() bool {
		return len(g.GetPendingEdits("sb-other")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	g.NotifySyncComplete("sb-unrelated")

	select {
	case <-otherDone:
		t.Fatal("waiter released by an unrelated sandbox's notification")
	case <-time.After(100 * time.Millisecond):
	}

	g.NotifySyncComplete("sb-other")
	select {
	case result := <-otherDone:
		assert.True(t, result.Allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released")
	}
}
