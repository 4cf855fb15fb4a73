package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events/bus"
	"github.com/opencode/sandbox/internal/image/builder"
	"github.com/opencode/sandbox/internal/image/history"
	"github.com/opencode/sandbox/internal/image/registry"
	"github.com/opencode/sandbox/internal/sandbox/provider"
	"github.com/opencode/sandbox/internal/snapshot"
	"github.com/opencode/sandbox/internal/syncgate"
	"github.com/opencode/sandbox/internal/warmpool"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// MockProvider implements provider.Provider for handler tests.
type MockProvider struct {
	CreateFn       func(ctx context.Context, input provider.CreateInput) (*v1.Sandbox, error)
	GetFn          func(ctx context.Context, id string) (*v1.Sandbox, error)
	ListFn         func(ctx context.Context, projectID string) ([]*v1.Sandbox, error)
	StartFn        func(ctx context.Context, id string) error
	StopFn         func(ctx context.Context, id string) error
	TerminateFn    func(ctx context.Context, id string) error
	SnapshotFn     func(ctx context.Context, id string) (string, error)
	RestoreFn      func(ctx context.Context, snapshotID string) (*v1.Sandbox, error)
	ExecuteFn      func(ctx context.Context, id string, argv []string, opts provider.ExecOptions) (*provider.ExecResult, error)
	StreamLogsFn   func(ctx context.Context, id, service string) (<-chan []byte, error)
	SyncGitFn      func(ctx context.Context, id string) error
	GetGitStatusFn func(ctx context.Context, id string) (v1.GitState, error)
}

func readySandbox(id string) *v1.Sandbox {
	return &v1.Sandbox{
		ID:        id,
		ProjectID: "proj-1",
		Status:    v1.SandboxStatusReady,
		Image:     v1.ImageRef{Tag: "acme/widgets:latest"},
		Git: v1.GitState{
			Repo:       "acme/widgets",
			Branch:     "main",
			Commit:     "abc123",
			SyncStatus: v1.GitSyncSynced,
		},
	}
}

func (m *MockProvider) Create(ctx context.Context, input provider.CreateInput) (*v1.Sandbox, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, input)
	}
	sb := readySandbox("sb-new")
	sb.Git.Repo = input.Repo
	return sb, nil
}

func (m *MockProvider) Get(ctx context.Context, id string) (*v1.Sandbox, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, id)
	}
	return readySandbox(id), nil
}

func (m *MockProvider) List(ctx context.Context, projectID string) ([]*v1.Sandbox, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, projectID)
	}
	return []*v1.Sandbox{}, nil
}

func (m *MockProvider) Start(ctx context.Context, id string) error {
	if m.StartFn != nil {
		return m.StartFn(ctx, id)
	}
	return nil
}

func (m *MockProvider) Stop(ctx context.Context, id string) error {
	if m.StopFn != nil {
		return m.StopFn(ctx, id)
	}
	return nil
}

func (m *MockProvider) Terminate(ctx context.Context, id string) error {
	if m.TerminateFn != nil {
		return m.TerminateFn(ctx, id)
	}
	return nil
}

func (m *MockProvider) Snapshot(ctx context.Context, id string) (string, error) {
	if m.SnapshotFn != nil {
		return m.SnapshotFn(ctx, id)
	}
	return "snap-mock-1", nil
}

func (m *MockProvider) Restore(ctx context.Context, snapshotID string) (*v1.Sandbox, error) {
	if m.RestoreFn != nil {
		return m.RestoreFn(ctx, snapshotID)
	}
	sb := readySandbox("sb-restored")
	sb.SnapshotID = snapshotID
	return sb, nil
}

func (m *MockProvider) Execute(ctx context.Context, id string, argv []string, opts provider.ExecOptions) (*provider.ExecResult, error) {
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, id, argv, opts)
	}
	return &provider.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (m *MockProvider) StreamLogs(ctx context.Context, id, service string) (<-chan []byte, error) {
	if m.StreamLogsFn != nil {
		return m.StreamLogsFn(ctx, id, service)
	}
	ch := make(chan []byte, 1)
	ch <- []byte("log line\n")
	close(ch)
	return ch, nil
}

func (m *MockProvider) SyncGit(ctx context.Context, id string) error {
	if m.SyncGitFn != nil {
		return m.SyncGitFn(ctx, id)
	}
	return nil
}

func (m *MockProvider) GetGitStatus(ctx context.Context, id string) (v1.GitState, error) {
	if m.GetGitStatusFn != nil {
		return m.GetGitStatusFn(ctx, id)
	}
	return v1.GitState{Repo: "acme/widgets", Branch: "main", Commit: "abc123", SyncStatus: v1.GitSyncSynced}, nil
}

func (m *MockProvider) Name() string { return "mock" }

// newTestSnapshots builds a snapshot manager whose capture and restore
// delegate to the mock provider, the same wiring main uses.
func newTestSnapshots(prov provider.Provider) *snapshot.Manager {
	captureFn := func(ctx context.Context, sandboxID string) (string, error) {
		return prov.Snapshot(ctx, sandboxID)
	}
	restoreFn := func(ctx context.Context, snap *v1.Snapshot) (string, error) {
		sb, err := prov.Restore(ctx, snap.ID)
		if err != nil {
			return "", err
		}
		return sb.ID, nil
	}
	log := newTestLogger()
	return snapshot.NewManager(config.SnapshotsConfig{}, captureFn, restoreFn, bus.NewMemoryEventBus(log), log)
}

func setupTestRouter(t *testing.T, prov provider.Provider, b *builder.Builder) *gin.Engine {
	t.Helper()
	log := newTestLogger()

	pool := warmpool.NewPool(config.PoolConfig{Size: 1}, prov, bus.NewMemoryEventBus(log), log)
	t.Cleanup(pool.Stop)

	gate := syncgate.NewGate(config.SyncGateConfig{RetryInterval: 10, MaxWaitTime: 40}, log)
	images := registry.NewRegistry(registry.Config{}, log)

	router := gin.New()
	apiV1 := router.Group("/api/v1")
	SetupRoutes(apiV1, prov, pool, newTestSnapshots(prov), gate, images, b, log)
	router.GET("/health", NewHandler(prov, pool, nil, nil, images, nil, log).HealthCheck)
	return router
}

// closeNotifyRecorder adds the http.CloseNotifier interface that gin's
// Context.Stream requires but httptest.ResponseRecorder does not implement.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(&closeNotifyRecorder{ResponseRecorder: w, closed: make(chan bool, 1)}, req)
	return w
}

func TestCreateSandbox(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes", CreateSandboxRequest{
		Repo:   "acme/widgets",
		Branch: "main",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var sb v1.Sandbox
	if err := json.Unmarshal(w.Body.Bytes(), &sb); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if sb.ID != "sb-new" {
		t.Errorf("expected sandbox sb-new, got %s", sb.ID)
	}
	if sb.Git.Repo != "acme/widgets" {
		t.Errorf("expected repo acme/widgets, got %s", sb.Git.Repo)
	}
}

func TestCreateSandboxMissingRepo(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes", map[string]string{"branch": "main"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetSandbox(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/sandboxes/sb-7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sb v1.Sandbox
	if err := json.Unmarshal(w.Body.Bytes(), &sb); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if sb.ID != "sb-7" {
		t.Errorf("expected sandbox sb-7, got %s", sb.ID)
	}
}

func TestGetSandboxNotFound(t *testing.T) {
	prov := &MockProvider{
		GetFn: func(ctx context.Context, id string) (*v1.Sandbox, error) {
			return nil, apperrors.NotFound("sandbox", id)
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/sandboxes/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error message in body")
	}
}

func TestListSandboxes(t *testing.T) {
	var gotProject string
	prov := &MockProvider{
		ListFn: func(ctx context.Context, projectID string) ([]*v1.Sandbox, error) {
			gotProject = projectID
			return []*v1.Sandbox{readySandbox("sb-1"), readySandbox("sb-2")}, nil
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/sandboxes?projectId=proj-9", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotProject != "proj-9" {
		t.Errorf("expected project filter proj-9, got %q", gotProject)
	}
	var resp SandboxesListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("expected total 2, got %d", resp.Total)
	}
}

func TestSandboxLifecycleRoutes(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/start", nil)
	if w.Code != http.StatusOK {
		t.Errorf("start: expected 200, got %d", w.Code)
	}
	w = doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/stop", nil)
	if w.Code != http.StatusOK {
		t.Errorf("stop: expected 200, got %d", w.Code)
	}
	w = doRequest(router, http.MethodDelete, "/api/v1/sandboxes/sb-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("terminate: expected 200, got %d", w.Code)
	}
}

func TestStartSandboxStateInvalid(t *testing.T) {
	prov := &MockProvider{
		StartFn: func(ctx context.Context, id string) error {
			return apperrors.StateInvalid("terminated sandbox cannot be started")
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/start", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestExecCommand(t *testing.T) {
	var gotArgv []string
	var gotOpts provider.ExecOptions
	prov := &MockProvider{
		ExecuteFn: func(ctx context.Context, id string, argv []string, opts provider.ExecOptions) (*provider.ExecResult, error) {
			gotArgv = argv
			gotOpts = opts
			return &provider.ExecResult{ExitCode: 0, Stdout: "hello"}, nil
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/exec", ExecRequest{
		Argv:      []string{"echo", "hello"},
		WorkDir:   "src",
		TimeoutMS: 500,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(gotArgv) != 2 || gotArgv[0] != "echo" {
		t.Errorf("unexpected argv: %v", gotArgv)
	}
	if gotOpts.WorkDir != "src" {
		t.Errorf("expected work dir src, got %q", gotOpts.WorkDir)
	}
	if gotOpts.Timeout != 500*time.Millisecond {
		t.Errorf("expected 500ms timeout, got %v", gotOpts.Timeout)
	}

	var result provider.ExecResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if result.Stdout != "hello" {
		t.Errorf("expected stdout hello, got %q", result.Stdout)
	}
}

func TestExecCommandEmptyArgv(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/exec", map[string]interface{}{
		"argv": []string{},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestExecCommandGateDeniesOnSyncError(t *testing.T) {
	prov := &MockProvider{
		GetGitStatusFn: func(ctx context.Context, id string) (v1.GitState, error) {
			return v1.GitState{SyncStatus: v1.GitSyncError}, nil
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/exec", ExecRequest{
		Argv: []string{"sed", "-i", "s/a/b/", "main.go"},
		Tool: "edit",
		File: "main.go",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var verdict map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if allowed, _ := verdict["allowed"].(bool); allowed {
		t.Error("expected allowed=false in verdict")
	}
	if verdict["reason"] == "" {
		t.Error("expected a denial reason")
	}
}

func TestExecCommandGateTimesOutWhileSyncing(t *testing.T) {
	prov := &MockProvider{
		GetGitStatusFn: func(ctx context.Context, id string) (v1.GitState, error) {
			return v1.GitState{SyncStatus: v1.GitSyncSyncing}, nil
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/exec", ExecRequest{
		Argv: []string{"touch", "x"},
		Tool: "write",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var verdict map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if ms, _ := verdict["retry_after_ms"].(float64); ms != 10 {
		t.Errorf("expected retry_after_ms 10, got %v", verdict["retry_after_ms"])
	}
}

func TestExecCommandReadToolBypassesGate(t *testing.T) {
	prov := &MockProvider{
		GetGitStatusFn: func(ctx context.Context, id string) (v1.GitState, error) {
			return v1.GitState{SyncStatus: v1.GitSyncSyncing}, nil
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/exec", ExecRequest{
		Argv: []string{"cat", "main.go"},
		Tool: "read",
	})
	if w.Code != http.StatusOK {
		t.Errorf("read tool should run during sync, got %d", w.Code)
	}
}

func TestExecCommandWriteToolAllowedWhenSynced(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/exec", ExecRequest{
		Argv: []string{"touch", "x"},
		Tool: "edit",
	})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for write against synced workspace, got %d", w.Code)
	}
}

func TestSyncGitAccepted(t *testing.T) {
	synced := make(chan string, 1)
	prov := &MockProvider{
		SyncGitFn: func(ctx context.Context, id string) error {
			synced <- id
			return nil
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sandboxes/sb-1/sync", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	select {
	case id := <-synced:
		if id != "sb-1" {
			t.Errorf("expected sync of sb-1, got %s", id)
		}
	default:
		t.Error("expected SyncGit to be called")
	}
}

func TestGetGitStatusRoute(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/sandboxes/sb-1/git", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var git v1.GitState
	if err := json.Unmarshal(w.Body.Bytes(), &git); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if git.SyncStatus != v1.GitSyncSynced {
		t.Errorf("expected synced, got %s", git.SyncStatus)
	}
}

func TestStreamLogs(t *testing.T) {
	prov := &MockProvider{
		StreamLogsFn: func(ctx context.Context, id, service string) (<-chan []byte, error) {
			ch := make(chan []byte, 2)
			ch <- []byte("line one\n")
			ch <- []byte("line two\n")
			close(ch)
			return ch, nil
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/sandboxes/sb-1/logs/web", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "line one\nline two\n" {
		t.Errorf("unexpected log body: %q", got)
	}
}

func TestStreamLogsUnknownService(t *testing.T) {
	prov := &MockProvider{
		StreamLogsFn: func(ctx context.Context, id, service string) (<-chan []byte, error) {
			return nil, apperrors.NotFound("service", service)
		},
	}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/sandboxes/sb-1/logs/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestClaimSandboxColdStart(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/pool/claim", ClaimRequest{
		Repository: "acme/widgets",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result warmpool.ClaimResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if result.FromWarmPool {
		t.Error("first claim should be a cold start")
	}
	if result.Sandbox == nil || result.Sandbox.ID == "" {
		t.Error("expected a sandbox in the claim result")
	}
}

func TestClaimSandboxFromWarmPool(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/pool/release", ReleaseRequest{SandboxID: "sb-warm"})
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/api/v1/pool/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	var status struct {
		Tags map[string]warmpool.TagStatus `json:"tags"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if status.Tags["acme/widgets:latest"].Count != 1 {
		t.Fatalf("expected 1 pooled entry, got %+v", status.Tags)
	}

	w = doRequest(router, http.MethodPost, "/api/v1/pool/claim", ClaimRequest{Repository: "acme/widgets"})
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result warmpool.ClaimResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid claim body: %v", err)
	}
	if !result.FromWarmPool {
		t.Error("expected claim to be served from the warm pool")
	}
	if result.Sandbox.ID != "sb-warm" {
		t.Errorf("expected pooled sandbox sb-warm, got %s", result.Sandbox.ID)
	}
}

func TestClaimSandboxMissingRepository(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/pool/claim", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestWarmUpPool(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/pool/warm", WarmUpRequest{
		Tag:   "acme/widgets:latest",
		Count: 2,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/api/v1/pool/status", nil)
	var status struct {
		Tags map[string]warmpool.TagStatus `json:"tags"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if status.Tags["acme/widgets:latest"].Count != 2 {
		t.Errorf("expected 2 warmed entries, got %+v", status.Tags)
	}
}

func TestWarmUpPoolUnknownRepository(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	// A tag without an org/repo prefix cannot be traced back to a repository.
	w := doRequest(router, http.MethodPost, "/api/v1/pool/warm", WarmUpRequest{Tag: "orphan"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestNotifyTyping(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/pool/typing", TypingRequest{Repository: "acme/widgets"})
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
}

func TestSnapshotRoutes(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	// The request omits the commit, so the handler reads it from the provider.
	w := doRequest(router, http.MethodPost, "/api/v1/snapshots", CreateSnapshotRequest{
		SandboxID: "sb-1",
		SessionID: "sess-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var snap v1.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid snapshot body: %v", err)
	}
	if snap.ID != "snap-mock-1" {
		t.Errorf("expected provider snapshot ID snap-mock-1, got %s", snap.ID)
	}
	if snap.GitCommit != "abc123" {
		t.Errorf("expected commit abc123 from provider, got %q", snap.GitCommit)
	}

	w = doRequest(router, http.MethodGet, "/api/v1/snapshots?sessionId=sess-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var list SnapshotsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid list body: %v", err)
	}
	if list.Total != 1 {
		t.Errorf("expected 1 snapshot, got %d", list.Total)
	}

	w = doRequest(router, http.MethodGet, "/api/v1/snapshots/snap-mock-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}

	w = doRequest(router, http.MethodDelete, "/api/v1/snapshots/snap-mock-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", w.Code)
	}
	w = doRequest(router, http.MethodGet, "/api/v1/snapshots/snap-mock-1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestListSnapshotsRequiresSession(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/snapshots", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without sessionId, got %d", w.Code)
	}
}

func TestRestoreSession(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/snapshots", CreateSnapshotRequest{
		SandboxID: "sb-1",
		SessionID: "sess-1",
		GitCommit: "abc123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}

	w = doRequest(router, http.MethodPost, "/api/v1/sessions/sess-1/restore", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp RestoreResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid restore body: %v", err)
	}
	if resp.SandboxID != "sb-restored" {
		t.Errorf("expected sandbox sb-restored, got %s", resp.SandboxID)
	}
}

func TestRestoreSessionWithoutSnapshots(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/sessions/ghost/restore", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestImageRoutes(t *testing.T) {
	prov := &MockProvider{}
	log := newTestLogger()
	pool := warmpool.NewPool(config.PoolConfig{Size: 1}, prov, bus.NewMemoryEventBus(log), log)
	t.Cleanup(pool.Stop)
	images := registry.NewRegistry(registry.Config{}, log)
	images.Register(&v1.Image{
		ID:         "img-1",
		Tag:        "acme/widgets:main-abc123",
		Digest:     "sha256:deadbeef",
		Repository: "acme/widgets",
		Branch:     "main",
		Commit:     "abc123",
	})

	router := gin.New()
	apiV1 := router.Group("/api/v1")
	SetupRoutes(apiV1, prov, pool, newTestSnapshots(prov), nil, images, nil, log)

	w := doRequest(router, http.MethodGet, "/api/v1/images?repository=acme/widgets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var list ImagesListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid list body: %v", err)
	}
	if list.Total != 1 {
		t.Errorf("expected 1 image, got %d", list.Total)
	}

	w = doRequest(router, http.MethodGet, "/api/v1/images/img-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}

	w = doRequest(router, http.MethodDelete, "/api/v1/images/img-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", w.Code)
	}
	w = doRequest(router, http.MethodGet, "/api/v1/images/img-1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestBuildRoutesWithoutBuilder(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/builds", QueueBuildRequest{Repository: "acme/widgets"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("queue: expected 503, got %d", w.Code)
	}
	w = doRequest(router, http.MethodGet, "/api/v1/builds", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("list: expected 503, got %d", w.Code)
	}
}

// stubEngine satisfies builder.Engine. BuildImage blocks until release is
// closed so tests can pin a build in flight.
type stubEngine struct {
	release chan struct{}
}

func (e *stubEngine) PullImage(ctx context.Context, ref string) error { return nil }

func (e *stubEngine) BuildImage(ctx context.Context, contextDir string, tags []string) error {
	if e.release == nil {
		return nil
	}
	select {
	case <-e.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *stubEngine) TagImage(ctx context.Context, source, target string) error { return nil }

func (e *stubEngine) PushImage(ctx context.Context, ref string) (string, error) {
	return "sha256:stub", nil
}

func (e *stubEngine) InspectImage(ctx context.Context, ref string) (int64, error) {
	return 1024, nil
}

func (e *stubEngine) RunCommand(ctx context.Context, imageRef string, cmd []string) (int, string, error) {
	return 0, "", nil
}

func (e *stubEngine) Close() error { return nil }

type stubCloner struct{}

func (stubCloner) Clone(ctx context.Context, repository, branch, dir string) (string, error) {
	return "abc123", nil
}

func TestBuildRoutes(t *testing.T) {
	prov := &MockProvider{}
	log := newTestLogger()
	release := make(chan struct{})
	images := registry.NewRegistry(registry.Config{}, log)
	b := builder.NewBuilder(
		config.BuilderConfig{MaxConcurrentBuilds: 1},
		&stubEngine{release: release},
		stubCloner{},
		images,
		history.NewMemoryRepository(),
		bus.NewMemoryEventBus(log),
		log,
	)
	t.Cleanup(func() {
		close(release)
		b.Close()
	})

	pool := warmpool.NewPool(config.PoolConfig{Size: 1}, prov, bus.NewMemoryEventBus(log), log)
	t.Cleanup(pool.Stop)

	router := gin.New()
	apiV1 := router.Group("/api/v1")
	SetupRoutes(apiV1, prov, pool, newTestSnapshots(prov), nil, images, b, log)

	// First build takes the only slot and blocks inside the engine.
	w := doRequest(router, http.MethodPost, "/api/v1/builds", QueueBuildRequest{Repository: "acme/widgets"})
	if w.Code != http.StatusCreated {
		t.Fatalf("queue: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var first v1.BuildJob
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("invalid build body: %v", err)
	}
	if first.Status != v1.BuildCloning {
		t.Errorf("expected first build to start cloning, got %s", first.Status)
	}

	// Second build waits behind it in the queue.
	w = doRequest(router, http.MethodPost, "/api/v1/builds", QueueBuildRequest{Repository: "acme/widgets", Branch: "dev"})
	if w.Code != http.StatusCreated {
		t.Fatalf("queue second: expected 201, got %d", w.Code)
	}
	var second v1.BuildJob
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("invalid build body: %v", err)
	}
	if second.Status != v1.BuildQueued {
		t.Errorf("expected second build queued, got %s", second.Status)
	}

	w = doRequest(router, http.MethodGet, "/api/v1/builds", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var list BuildsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid list body: %v", err)
	}
	if list.Total != 2 {
		t.Errorf("expected 2 builds, got %d", list.Total)
	}

	// Only the queued build can be cancelled.
	w = doRequest(router, http.MethodDelete, "/api/v1/builds/"+second.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("cancel queued: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = doRequest(router, http.MethodGet, "/api/v1/builds/"+second.ID, nil)
	var cancelled v1.BuildJob
	if err := json.Unmarshal(w.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("invalid build body: %v", err)
	}
	if cancelled.Status != v1.BuildFailed || cancelled.ErrorMessage != "Cancelled" {
		t.Errorf("expected cancelled build to be failed/Cancelled, got %s/%s", cancelled.Status, cancelled.ErrorMessage)
	}

	w = doRequest(router, http.MethodDelete, "/api/v1/builds/"+first.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel running: expected 409, got %d", w.Code)
	}

	w = doRequest(router, http.MethodGet, "/api/v1/builds/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get unknown: expected 404, got %d", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	prov := &MockProvider{}
	router := setupTestRouter(t, prov, nil)

	w := doRequest(router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy, got %s", resp.Status)
	}
}
