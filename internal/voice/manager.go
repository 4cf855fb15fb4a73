// Package voice tracks per-session voice control state and turns submitted
// audio transcriptions into utterance events.
package voice

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// Manager owns the active voice sessions, one per working session.
type Manager struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*v1.VoiceSession

	now func() time.Time
}

// NewManager creates a voice session manager.
func NewManager(eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "voice")),
		sessions: make(map[string]*v1.VoiceSession),
		now:      time.Now,
	}
}

// StartSession begins voice control for a session. Starting twice conflicts.
func (m *Manager) StartSession(ctx context.Context, sessionID string) (*v1.VoiceSession, error) {
	if sessionID == "" {
		return nil, apperrors.ValidationError("sessionId", "must not be empty")
	}

	m.mu.Lock()
	if _, active := m.sessions[sessionID]; active {
		m.mu.Unlock()
		return nil, apperrors.Conflict("voice session already active for " + sessionID)
	}
	session := &v1.VoiceSession{
		SessionID: sessionID,
		Status:    v1.VoiceListening,
		StartedAt: m.now(),
	}
	m.sessions[sessionID] = session
	out := *session
	m.mu.Unlock()

	m.publish(ctx, events.VoiceStarted, sessionID, map[string]interface{}{
		"session_id": sessionID,
	})
	m.logger.Info("voice session started", zap.String("session_id", sessionID))
	return &out, nil
}

// StopSession ends voice control for a session.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if _, active := m.sessions[sessionID]; !active {
		m.mu.Unlock()
		return apperrors.NotFound("voice session", sessionID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.publish(ctx, events.VoiceStopped, sessionID, map[string]interface{}{
		"session_id": sessionID,
	})
	m.logger.Info("voice session stopped", zap.String("session_id", sessionID))
	return nil
}

// Status returns the current state of a voice session.
func (m *Manager) Status(sessionID string) (*v1.VoiceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("voice session", sessionID)
	}
	out := *session
	return &out, nil
}

// SubmitAudio records a transcribed utterance. The session is marked
// processing while the utterance is handed to the prompt pipeline, then
// settles back to idle.
func (m *Manager) SubmitAudio(ctx context.Context, sessionID, utterance string) (*v1.VoiceSession, error) {
	if utterance == "" {
		return nil, apperrors.ValidationError("utterance", "must not be empty")
	}

	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("voice session", sessionID)
	}
	session.Status = v1.VoiceProcessing
	session.LastUtterance = utterance
	m.mu.Unlock()

	m.publish(ctx, events.VoiceUtterance, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"utterance":  utterance,
	})

	m.mu.Lock()
	var out v1.VoiceSession
	if session, ok := m.sessions[sessionID]; ok {
		session.Status = v1.VoiceIdle
		out = *session
	} else {
		// Stopped mid-dispatch; report the last observed state.
		out = v1.VoiceSession{SessionID: sessionID, Status: v1.VoiceIdle, LastUtterance: utterance}
	}
	m.mu.Unlock()
	return &out, nil
}

// Active returns the IDs of sessions with voice control on.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "voice", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Error("failed to publish voice event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
