// Package multiplayer manages shared coding sessions: the user roster, the
// edit lock, connected clients and the per-session prompt queue.
package multiplayer

import (
	"context"
	"sort"
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
	defaultMaxUsers     = 8
	defaultMaxQueueSize = 50
)

// session is the manager's internal record. All access goes through the
// manager's mutex.
type session struct {
	id        string
	users     map[string]*v1.SessionUser
	clients   map[string]*v1.SessionClient
	state     v1.SessionState
	queue     *promptQueue
	createdAt time.Time
}

// LockResult reports the outcome of an edit lock operation.
type LockResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// JoinInput carries the user profile supplied on join.
type JoinInput struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Manager owns all multiplayer sessions.
type Manager struct {
	cfg      config.MultiplayerConfig
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	now func() time.Time
}

// NewManager creates a multiplayer session manager.
func NewManager(cfg config.MultiplayerConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "multiplayer")),
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

func (m *Manager) maxUsers() int {
	if m.cfg.MaxUsers > 0 {
		return m.cfg.MaxUsers
	}
	return defaultMaxUsers
}

func (m *Manager) maxQueueSize() int {
	if m.cfg.MaxQueueSize > 0 {
		return m.cfg.MaxQueueSize
	}
	return defaultMaxQueueSize
}

// Create opens a new session. A caller-supplied ID must be unused.
func (m *Manager) Create(ctx context.Context, id string) (*v1.MultiplayerSession, error) {
	if id == "" {
		id = ids.New("mp")
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, apperrors.StateInvalid("session " + id + " already exists")
	}
	s := &session{
		id:        id,
		users:     make(map[string]*v1.SessionUser),
		clients:   make(map[string]*v1.SessionClient),
		queue:     newPromptQueue(m.maxQueueSize()),
		createdAt: m.now(),
	}
	m.sessions[id] = s
	out := m.snapshotLocked(s)
	m.mu.Unlock()

	m.logger.Info("multiplayer session created", zap.String("session_id", id))
	return out, nil
}

// Get returns a full snapshot of one session.
func (m *Manager) Get(id string) (*v1.MultiplayerSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return m.snapshotLocked(s), nil
}

// Remove deletes a session and everything in it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return apperrors.NotFound("session", id)
	}
	delete(m.sessions, id)
	return nil
}

// All returns snapshots of every session.
func (m *Manager) All() []*v1.MultiplayerSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*v1.MultiplayerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.snapshotLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Join adds a user to a session. Fails when the session is full.
func (m *Manager) Join(ctx context.Context, sessionID string, input JoinInput) (*v1.SessionUser, error) {
	if input.Name == "" {
		return nil, apperrors.ValidationError("name", "must not be empty")
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("session", sessionID)
	}
	if len(s.users) >= m.maxUsers() {
		m.mu.Unlock()
		return nil, apperrors.StateInvalid("session " + sessionID + " is full")
	}
	user := &v1.SessionUser{
		ID:       ids.New("usr"),
		Name:     input.Name,
		Color:    input.Color,
		JoinedAt: m.now(),
	}
	s.users[user.ID] = user
	out := *user
	m.mu.Unlock()

	m.publish(ctx, events.UserJoined, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"user_id":    out.ID,
		"name":       out.Name,
	})
	return &out, nil
}

// Leave removes a user, releasing their edit lock and disconnecting all of
// their clients.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("session", sessionID)
	}
	user, ok := s.users[userID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("user", userID)
	}
	delete(s.users, userID)
	if s.state.EditLock == userID {
		s.state.EditLock = ""
	}
	for clientID, client := range s.clients {
		if client.UserID == userID {
			delete(s.clients, clientID)
		}
	}
	name := user.Name
	m.mu.Unlock()

	m.publish(ctx, events.UserLeft, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"user_id":    userID,
		"name":       name,
	})
	return nil
}

// UpdateCursor records a user's position in the shared workspace.
func (m *Manager) UpdateCursor(sessionID, userID string, cursor v1.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	user, ok := s.users[userID]
	if !ok {
		return apperrors.NotFound("user", userID)
	}
	c := cursor
	user.Cursor = &c
	return nil
}

// AcquireLock grants the edit lock when nobody holds it. Holding your own
// lock again succeeds.
func (m *Manager) AcquireLock(sessionID, userID string) (*LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if _, ok := s.users[userID]; !ok {
		return nil, apperrors.NotFound("user", userID)
	}

	if s.state.EditLock != "" && s.state.EditLock != userID {
		holderName := s.state.EditLock
		if holder, ok := s.users[s.state.EditLock]; ok {
			holderName = holder.Name
		}
		return &LockResult{Success: false, Reason: "Lock held by " + holderName}, nil
	}
	s.state.EditLock = userID
	return &LockResult{Success: true}, nil
}

// ReleaseLock frees the edit lock. Only the holder may release it.
func (m *Manager) ReleaseLock(sessionID, userID string) (*LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if s.state.EditLock != userID {
		return &LockResult{Success: false, Reason: "lock not held by user"}, nil
	}
	s.state.EditLock = ""
	return &LockResult{Success: true}, nil
}

// Connect registers a client for a user already in the session.
func (m *Manager) Connect(ctx context.Context, sessionID, userID string) (*v1.SessionClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if _, ok := s.users[userID]; !ok {
		return nil, apperrors.NotFound("user", userID)
	}
	client := &v1.SessionClient{
		ID:       ids.New("cli"),
		UserID:   userID,
		LastSeen: m.now(),
	}
	s.clients[client.ID] = client
	out := *client
	return &out, nil
}

// Disconnect unregisters a client.
func (m *Manager) Disconnect(ctx context.Context, sessionID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if _, ok := s.clients[clientID]; !ok {
		return apperrors.NotFound("client", clientID)
	}
	delete(s.clients, clientID)
	return nil
}

// GetUsers returns the session's users in join order.
func (m *Manager) GetUsers(sessionID string) ([]v1.SessionUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return usersSorted(s), nil
}

// GetClients returns the session's connected clients.
func (m *Manager) GetClients(sessionID string) ([]v1.SessionClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return clientsSorted(s), nil
}

// UpdateState patches the shared session state. Empty fields are left
// unchanged.
func (m *Manager) UpdateState(sessionID, gitSyncStatus, agentStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if gitSyncStatus != "" {
		s.state.GitSyncStatus = gitSyncStatus
	}
	if agentStatus != "" {
		s.state.AgentStatus = agentStatus
	}
	return nil
}

// AddPrompt queues a prompt for the session. The user must be a member.
func (m *Manager) AddPrompt(ctx context.Context, sessionID, userID, content string, priority v1.PromptPriority) (*v1.Prompt, error) {
	if content == "" {
		return nil, apperrors.ValidationError("content", "must not be empty")
	}
	if priority == "" {
		priority = v1.PriorityNormal
	}
	switch priority {
	case v1.PriorityNormal, v1.PriorityHigh, v1.PriorityUrgent:
	default:
		return nil, apperrors.ValidationError("priority", "must be normal, high or urgent")
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("session", sessionID)
	}
	if _, ok := s.users[userID]; !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("user", userID)
	}

	prompt := v1.Prompt{
		ID:         ids.New("prompt"),
		UserID:     userID,
		Content:    content,
		Priority:   priority,
		Status:     v1.PromptQueued,
		EnqueuedAt: m.now(),
	}
	if err := s.queue.enqueue(prompt); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	out := prompt
	m.mu.Unlock()

	m.publish(ctx, events.PromptQueued, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"prompt_id":  out.ID,
		"user_id":    userID,
		"priority":   string(priority),
	})
	return &out, nil
}

// GetPrompts lists the executing prompt first, then the queue in pop order.
func (m *Manager) GetPrompts(sessionID string) ([]v1.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return s.queue.list(), nil
}

// GetPrompt looks up one prompt, including finished ones.
func (m *Manager) GetPrompt(sessionID, promptID string) (*v1.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	prompt := s.queue.get(promptID)
	if prompt == nil {
		return nil, apperrors.NotFound("prompt", promptID)
	}
	return prompt, nil
}

// CancelPrompt cancels a queued prompt. Only its owner may cancel, and
// executing or finished prompts stay untouched.
func (m *Manager) CancelPrompt(ctx context.Context, sessionID, promptID, userID string) (*v1.Prompt, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("session", sessionID)
	}
	existing := s.queue.get(promptID)
	if existing == nil {
		m.mu.Unlock()
		return nil, apperrors.NotFound("prompt", promptID)
	}
	if existing.UserID != userID {
		m.mu.Unlock()
		return nil, apperrors.StateInvalid("only the prompt owner can cancel it")
	}
	cancelled, err := s.queue.cancel(promptID)
	if err != nil {
		m.mu.Unlock()
		return nil, apperrors.StateInvalid(err.Error())
	}
	out := *cancelled
	m.mu.Unlock()

	m.publish(ctx, events.PromptCancelled, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"prompt_id":  promptID,
		"user_id":    userID,
	})
	return &out, nil
}

// ReorderPrompt moves a queued prompt within its priority tier. Only its
// owner may reorder it.
func (m *Manager) ReorderPrompt(sessionID, promptID, userID string, newIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	existing := s.queue.get(promptID)
	if existing == nil {
		return apperrors.NotFound("prompt", promptID)
	}
	if existing.UserID != userID {
		return apperrors.StateInvalid("only the prompt owner can reorder it")
	}
	if err := s.queue.reorder(promptID, newIndex); err != nil {
		return apperrors.StateInvalid(err.Error())
	}
	return nil
}

// StartNextPrompt pops the highest priority prompt and marks it executing.
// Returns nil without error when one is already executing or the queue is
// empty.
func (m *Manager) StartNextPrompt(ctx context.Context, sessionID string) (*v1.Prompt, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("session", sessionID)
	}
	prompt := s.queue.popNext()
	m.mu.Unlock()

	if prompt == nil {
		return nil, nil
	}
	m.publish(ctx, events.PromptStarted, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"prompt_id":  prompt.ID,
		"user_id":    prompt.UserID,
	})
	return prompt, nil
}

// CompletePrompt finishes the executing prompt. A no-op returning nil when
// nothing is executing.
func (m *Manager) CompletePrompt(ctx context.Context, sessionID string) (*v1.Prompt, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("session", sessionID)
	}
	prompt := s.queue.complete()
	m.mu.Unlock()

	if prompt == nil {
		return nil, nil
	}
	m.publish(ctx, events.PromptCompleted, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"prompt_id":  prompt.ID,
		"user_id":    prompt.UserID,
	})
	return prompt, nil
}

// GetExecutingPrompt returns the currently executing prompt, or nil.
func (m *Manager) GetExecutingPrompt(sessionID string) (*v1.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if s.queue.executing == nil {
		return nil, nil
	}
	out := s.queue.executing.prompt
	return &out, nil
}

// GetQueueStatus summarizes the session's queue.
func (m *Manager) GetQueueStatus(sessionID string) (*v1.QueueStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	status := s.queue.status()
	return &status, nil
}

// snapshotLocked builds the public view of a session. Callers hold m.mu.
func (m *Manager) snapshotLocked(s *session) *v1.MultiplayerSession {
	return &v1.MultiplayerSession{
		ID:      s.id,
		Users:   usersSorted(s),
		Clients: clientsSorted(s),
		State:   s.state,
		Queue:   s.queue.list(),
	}
}

func usersSorted(s *session) []v1.SessionUser {
	out := make([]v1.SessionUser, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		if u.Cursor != nil {
			cur := *u.Cursor
			c.Cursor = &cur
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func clientsSorted(s *session) []v1.SessionClient {
	out := make([]v1.SessionClient, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "multiplayer", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Error("failed to publish multiplayer event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
