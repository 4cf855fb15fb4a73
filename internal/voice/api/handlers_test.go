package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events/bus"
	"github.com/opencode/sandbox/internal/voice"
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

func setupTestRouter() *gin.Engine {
	log := newTestLogger()
	manager := voice.NewManager(bus.NewMemoryEventBus(log), log)

	router := gin.New()
	apiV1 := router.Group("/api/v1")
	SetupRoutes(apiV1, manager, log)
	return router
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func startVoice(t *testing.T, router *gin.Engine, sessionID string) v1.VoiceSession {
	t.Helper()
	w := doRequest(router, http.MethodPost, "/api/v1/voice/start", StartVoiceRequest{SessionID: sessionID})
	if w.Code != http.StatusCreated {
		t.Fatalf("start voice: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var session v1.VoiceSession
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil {
		t.Fatalf("invalid session body: %v", err)
	}
	return session
}

func TestStartVoiceSession(t *testing.T) {
	router := setupTestRouter()

	session := startVoice(t, router, "sess-1")
	if session.SessionID != "sess-1" {
		t.Errorf("expected session sess-1, got %s", session.SessionID)
	}
	if session.Status != v1.VoiceListening {
		t.Errorf("expected listening status, got %s", session.Status)
	}
	if session.StartedAt.IsZero() {
		t.Error("expected started_at to be set")
	}
}

func TestStartVoiceSessionTwice(t *testing.T) {
	router := setupTestRouter()
	startVoice(t, router, "sess-1")

	w := doRequest(router, http.MethodPost, "/api/v1/voice/start", StartVoiceRequest{SessionID: "sess-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestStartVoiceMissingSessionID(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, http.MethodPost, "/api/v1/voice/start", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStopVoiceSession(t *testing.T) {
	router := setupTestRouter()
	startVoice(t, router, "sess-1")

	w := doRequest(router, http.MethodPost, "/api/v1/voice/stop", StopVoiceRequest{SessionID: "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/api/v1/voice/status?sessionId=sess-1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after stop, got %d", w.Code)
	}
}

func TestStopVoiceSessionNotActive(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, http.MethodPost, "/api/v1/voice/stop", StopVoiceRequest{SessionID: "sess-1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestVoiceStatusForSession(t *testing.T) {
	router := setupTestRouter()
	startVoice(t, router, "sess-1")

	w := doRequest(router, http.MethodGet, "/api/v1/voice/status?sessionId=sess-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var session v1.VoiceSession
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil {
		t.Fatalf("invalid session body: %v", err)
	}
	if session.Status != v1.VoiceListening {
		t.Errorf("expected listening status, got %s", session.Status)
	}
}

func TestVoiceStatusListsActiveSessions(t *testing.T) {
	router := setupTestRouter()
	startVoice(t, router, "sess-1")
	startVoice(t, router, "sess-2")

	w := doRequest(router, http.MethodGet, "/api/v1/voice/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ActiveVoiceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("expected 2 active sessions, got %d", resp.Total)
	}
	found := map[string]bool{}
	for _, id := range resp.Active {
		found[id] = true
	}
	if !found["sess-1"] || !found["sess-2"] {
		t.Errorf("expected both sessions active, got %v", resp.Active)
	}
}

func TestVoiceStatusEmptyActiveList(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, http.MethodGet, "/api/v1/voice/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ActiveVoiceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Total != 0 {
		t.Errorf("expected no active sessions, got %d", resp.Total)
	}
}

func TestSubmitUtterance(t *testing.T) {
	router := setupTestRouter()
	startVoice(t, router, "sess-1")

	w := doRequest(router, http.MethodPost, "/api/v1/voice", SubmitUtteranceRequest{
		SessionID: "sess-1",
		Utterance: "run the tests",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var session v1.VoiceSession
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil {
		t.Fatalf("invalid session body: %v", err)
	}
	if session.Status != v1.VoiceIdle {
		t.Errorf("expected idle after dispatch, got %s", session.Status)
	}
	if session.LastUtterance != "run the tests" {
		t.Errorf("expected last utterance recorded, got %q", session.LastUtterance)
	}
}

func TestSubmitUtteranceWithoutSession(t *testing.T) {
	router := setupTestRouter()

	w := doRequest(router, http.MethodPost, "/api/v1/voice", SubmitUtteranceRequest{
		SessionID: "sess-1",
		Utterance: "run the tests",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSubmitUtteranceMissingText(t *testing.T) {
	router := setupTestRouter()
	startVoice(t, router, "sess-1")

	w := doRequest(router, http.MethodPost, "/api/v1/voice", map[string]string{"session_id": "sess-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
