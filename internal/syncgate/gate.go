// Package syncgate holds file-mutating tools back until a sandbox's git
// clone has finished syncing. Read tools pass straight through.
package syncgate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/config"
	"github.com/opencode/sandbox/internal/common/logger"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

const (
	defaultRetryInterval = time.Second
	defaultMaxWaitTime   = 30 * time.Second
)

// OperationClass partitions tool names by their effect on the workspace.
type OperationClass string

const (
	ClassReadOnly OperationClass = "readonly"
	ClassWrite    OperationClass = "write"
	ClassUnknown  OperationClass = "unknown"
)

var toolClasses = map[string]OperationClass{
	"read":       ClassReadOnly,
	"glob":       ClassReadOnly,
	"grep":       ClassReadOnly,
	"ls":         ClassReadOnly,
	"codesearch": ClassReadOnly,
	"tree":       ClassReadOnly,
	"find":       ClassReadOnly,

	"edit":      ClassWrite,
	"write":     ClassWrite,
	"patch":     ClassWrite,
	"bash":      ClassWrite,
	"multiedit": ClassWrite,
	"mv":        ClassWrite,
	"rm":        ClassWrite,
	"mkdir":     ClassWrite,
}

// Classify maps a tool name to its operation class. Tools not in the
// table classify as unknown and are never gated.
func Classify(tool string) OperationClass {
	if class, ok := toolClasses[tool]; ok {
		return class
	}
	return ClassUnknown
}

// CheckResult is the gate's verdict for one tool call.
type CheckResult struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// MarshalJSON reports RetryAfter in milliseconds so clients get a plain
// number instead of Go duration nanoseconds.
func (r CheckResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Allowed      bool   `json:"allowed"`
		Reason       string `json:"reason,omitempty"`
		RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	}{
		Allowed:      r.Allowed,
		Reason:       r.Reason,
		RetryAfterMS: r.RetryAfter.Milliseconds(),
	})
}

// PendingEdit records a write tool currently blocked on sync. It exists
// only for the duration of the block.
type PendingEdit struct {
	SandboxID string    `json:"sandbox_id"`
	Tool      string    `json:"tool"`
	File      string    `json:"file,omitempty"`
	CallID    string    `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusFunc reports the current git sync status of a sandbox.
type StatusFunc func(ctx context.Context) (v1.GitSyncStatus, error)

type waitOutcome struct {
	allowed bool
	reason  string
}

// pendingCall pairs the visible PendingEdit record with the channel that
// wakes its waiter. Waiters are stored per sandbox in arrival order so
// notifications release them FIFO.
type pendingCall struct {
	edit PendingEdit
	ch   chan waitOutcome
}

// Gate serializes write tools against git sync state.
type Gate struct {
	cfg    config.SyncGateConfig
	logger *logger.Logger

	mu    sync.Mutex
	calls map[string][]*pendingCall // sandboxID -> FIFO of blocked writes

	now func() time.Time
}

// NewGate creates a sync gate with the given polling configuration.
func NewGate(cfg config.SyncGateConfig, log *logger.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "sync-gate")),
		calls:  make(map[string][]*pendingCall),
		now:    time.Now,
	}
}

func (g *Gate) retryInterval() time.Duration {
	if d := g.cfg.RetryIntervalDuration(); d > 0 {
		return d
	}
	return defaultRetryInterval
}

func (g *Gate) maxWaitTime() time.Duration {
	if d := g.cfg.MaxWaitTimeDuration(); d > 0 {
		return d
	}
	return defaultMaxWaitTime
}

// Check gives an immediate verdict without blocking. Write tools are
// admitted only against a synced workspace.
func (g *Gate) Check(tool, sandboxID string, syncStatus v1.GitSyncStatus) CheckResult {
	if Classify(tool) != ClassWrite {
		return CheckResult{Allowed: true}
	}
	if syncStatus == v1.GitSyncSynced {
		return CheckResult{Allowed: true}
	}
	return CheckResult{
		Allowed:    false,
		Reason:     "workspace sync in progress (" + string(syncStatus) + ")",
		RetryAfter: g.retryInterval(),
	}
}

// Wait blocks a write tool until the sandbox syncs, the sync fails, the
// wait ceiling elapses or ctx is cancelled. The registered PendingEdit is
// removed on every exit path. Non-write tools return immediately.
func (g *Gate) Wait(ctx context.Context, tool, sandboxID, callID string, getSyncStatus StatusFunc, file string) CheckResult {
	if Classify(tool) != ClassWrite {
		return CheckResult{Allowed: true}
	}

	if result, done := g.probe(ctx, sandboxID, getSyncStatus); done {
		return result
	}

	call := &pendingCall{
		edit: PendingEdit{
			SandboxID: sandboxID,
			Tool:      tool,
			File:      file,
			CallID:    callID,
			Timestamp: g.now(),
		},
		ch: make(chan waitOutcome, 1),
	}
	g.register(sandboxID, call)
	defer g.remove(sandboxID, call)

	g.logger.Debug("write blocked on git sync",
		zap.String("sandbox_id", sandboxID),
		zap.String("tool", tool),
		zap.String("call_id", callID))

	deadline := time.NewTimer(g.maxWaitTime())
	defer deadline.Stop()
	ticker := time.NewTicker(g.retryInterval())
	defer ticker.Stop()

	for {
		select {
		case outcome := <-call.ch:
			return CheckResult{Allowed: outcome.allowed, Reason: outcome.reason}
		case <-ticker.C:
			if result, done := g.probe(ctx, sandboxID, getSyncStatus); done {
				return result
			}
		case <-deadline.C:
			return CheckResult{
				Allowed:    false,
				Reason:     "timed out waiting for git sync",
				RetryAfter: g.retryInterval(),
			}
		case <-ctx.Done():
			return CheckResult{Allowed: false, Reason: "cancelled"}
		}
	}
}

// probe consults the sync status once. done is false only while the
// workspace is still pending or syncing.
func (g *Gate) probe(ctx context.Context, sandboxID string, getSyncStatus StatusFunc) (CheckResult, bool) {
	status, err := getSyncStatus(ctx)
	if err != nil {
		return CheckResult{Allowed: false, Reason: "sync status unavailable: " + err.Error()}, true
	}
	switch status {
	case v1.GitSyncSynced:
		return CheckResult{Allowed: true}, true
	case v1.GitSyncError:
		return CheckResult{Allowed: false, Reason: "git sync failed for sandbox " + sandboxID}, true
	}
	return CheckResult{}, false
}

// NotifySyncComplete wakes every waiter for the sandbox with an allow
// verdict, oldest first, and clears its pending edits.
func (g *Gate) NotifySyncComplete(sandboxID string) {
	g.release(sandboxID, waitOutcome{allowed: true})
}

// NotifySyncFailed wakes every waiter for the sandbox with a deny verdict
// carrying the failure reason.
func (g *Gate) NotifySyncFailed(sandboxID, reason string) {
	if reason == "" {
		reason = "git sync failed"
	}
	g.release(sandboxID, waitOutcome{allowed: false, reason: reason})
}

func (g *Gate) release(sandboxID string, outcome waitOutcome) {
	g.mu.Lock()
	waiting := g.calls[sandboxID]
	delete(g.calls, sandboxID)
	g.mu.Unlock()

	for _, call := range waiting {
		call.ch <- outcome
	}

	if len(waiting) > 0 {
		g.logger.Info("released sync waiters",
			zap.String("sandbox_id", sandboxID),
			zap.Int("count", len(waiting)),
			zap.Bool("allowed", outcome.allowed))
	}
}

// GetPendingEdits returns copies of the blocked writes for a sandbox in
// arrival order.
func (g *Gate) GetPendingEdits(sandboxID string) []PendingEdit {
	g.mu.Lock()
	defer g.mu.Unlock()

	waiting := g.calls[sandboxID]
	out := make([]PendingEdit, 0, len(waiting))
	for _, call := range waiting {
		out = append(out, call.edit)
	}
	return out
}

func (g *Gate) register(sandboxID string, call *pendingCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[sandboxID] = append(g.calls[sandboxID], call)
}

func (g *Gate) remove(sandboxID string, call *pendingCall) {
	g.mu.Lock()
	defer g.mu.Unlock()

	waiting := g.calls[sandboxID]
	for i, c := range waiting {
		if c == call {
			g.calls[sandboxID] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(g.calls[sandboxID]) == 0 {
		delete(g.calls, sandboxID)
	}
}
