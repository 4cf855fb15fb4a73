// Package prsession binds pull requests to agent working sessions and
// tracks the review comments the agent is responding to.
package prsession

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/ids"
	"github.com/opencode/sandbox/internal/common/logger"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// responderName identifies comments the agent posted itself.
const responderName = "opencode"

// GitHubClient is the slice of the GitHub API the coordinator needs. A nil
// client keeps all state local.
type GitHubClient interface {
	// ListPRComments returns the review comments on a pull request.
	ListPRComments(ctx context.Context, owner, repo string, number int) ([]v1.PRComment, error)
	// PostPRComment posts a top-level comment on a pull request.
	PostPRComment(ctx context.Context, owner, repo string, number int, body string) error
}

// CreateInput carries the parameters for opening a PR session.
type CreateInput struct {
	PR               int    `json:"pr"`
	Repository       string `json:"repository"`
	Branch           string `json:"branch"`
	SandboxSessionID string `json:"sandbox_session_id,omitempty"`
}

// Manager owns the PR sessions, keyed by PR number.
type Manager struct {
	github GitHubClient
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[int]*v1.PRSession

	now func() time.Time
}

// NewManager creates a PR session coordinator. github may be nil when no
// GitHub App credentials are configured.
func NewManager(github GitHubClient, log *logger.Logger) *Manager {
	return &Manager{
		github:   github,
		logger:   log.WithFields(zap.String("component", "pr-session")),
		sessions: make(map[int]*v1.PRSession),
		now:      time.Now,
	}
}

// Create opens a session for a pull request. One session per PR.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*v1.PRSession, error) {
	if input.PR <= 0 {
		return nil, apperrors.ValidationError("pr", "must be a positive pull request number")
	}
	if !strings.Contains(input.Repository, "/") {
		return nil, apperrors.ValidationError("repository", "must be in org/repo form")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[input.PR]; exists {
		return nil, apperrors.Conflict("session for PR #" + strconv.Itoa(input.PR) + " already exists")
	}
	session := &v1.PRSession{
		PR:               input.PR,
		Repository:       input.Repository,
		Branch:           input.Branch,
		SandboxSessionID: input.SandboxSessionID,
		Status:           v1.PRSessionOpen,
		Comments:         []v1.PRComment{},
		CreatedAt:        m.now(),
	}
	m.sessions[input.PR] = session

	m.logger.Info("PR session opened",
		zap.Int("pr", input.PR),
		zap.String("repository", input.Repository))
	return cloneSession(session), nil
}

// Get returns one PR session.
func (m *Manager) Get(pr int) (*v1.PRSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[pr]
	if !ok {
		return nil, apperrors.NotFound("PR session", strconv.Itoa(pr))
	}
	return cloneSession(session), nil
}

// All returns every PR session ordered by PR number.
func (m *Manager) All() []*v1.PRSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*v1.PRSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PR < out[j].PR })
	return out
}

// Comments returns the session's comments. With a GitHub client configured
// the remote review comments are fetched first and merged into the local
// records; response markers on existing records survive the merge.
func (m *Manager) Comments(ctx context.Context, pr int) ([]v1.PRComment, error) {
	m.mu.Lock()
	session, ok := m.sessions[pr]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("PR session", strconv.Itoa(pr))
	}
	repository := session.Repository
	m.mu.Unlock()

	if m.github != nil {
		owner, repo := splitRepository(repository)
		remote, err := m.github.ListPRComments(ctx, owner, repo, pr)
		if err != nil {
			return nil, apperrors.BackendFailure("fetching comments for PR #"+strconv.Itoa(pr), err)
		}
		m.mergeComments(pr, remote)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok = m.sessions[pr]
	if !ok {
		return nil, apperrors.NotFound("PR session", strconv.Itoa(pr))
	}
	out := make([]v1.PRComment, len(session.Comments))
	copy(out, session.Comments)
	return out, nil
}

// mergeComments folds remote comments into the session's records, matching
// by comment ID.
func (m *Manager) mergeComments(pr int, remote []v1.PRComment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[pr]
	if !ok {
		return
	}

	index := make(map[string]int, len(session.Comments))
	for i, c := range session.Comments {
		index[c.ID] = i
	}
	for _, rc := range remote {
		if i, seen := index[rc.ID]; seen {
			responded := session.Comments[i].RespondedAt
			rc.RespondedAt = responded
			session.Comments[i] = rc
			continue
		}
		session.Comments = append(session.Comments, rc)
		index[rc.ID] = len(session.Comments) - 1
	}
}

// Respond records the agent's reply. With commentID set, that comment is
// marked responded; the reply itself is appended as a local record and,
// when a GitHub client is configured, posted to the pull request.
func (m *Manager) Respond(ctx context.Context, pr int, commentID, body string) (*v1.PRSession, error) {
	if body == "" {
		return nil, apperrors.ValidationError("body", "must not be empty")
	}

	m.mu.Lock()
	session, ok := m.sessions[pr]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("PR session", strconv.Itoa(pr))
	}
	if session.Status == v1.PRSessionClosed {
		m.mu.Unlock()
		return nil, apperrors.StateInvalid("PR session #" + strconv.Itoa(pr) + " is closed")
	}

	respondedAt := m.now()
	if commentID != "" {
		found := false
		for i := range session.Comments {
			if session.Comments[i].ID == commentID {
				session.Comments[i].RespondedAt = &respondedAt
				found = true
				break
			}
		}
		if !found {
			m.mu.Unlock()
			return nil, apperrors.NotFound("comment", commentID)
		}
	}

	session.Comments = append(session.Comments, v1.PRComment{
		ID:          ids.New("cmt"),
		Author:      responderName,
		Body:        body,
		RespondedAt: &respondedAt,
	})
	session.Status = v1.PRSessionResponding
	repository := session.Repository
	out := cloneSession(session)
	m.mu.Unlock()

	if m.github != nil {
		owner, repo := splitRepository(repository)
		if err := m.github.PostPRComment(ctx, owner, repo, pr, body); err != nil {
			return nil, apperrors.BackendFailure("posting response to PR #"+strconv.Itoa(pr), err)
		}
	}
	return out, nil
}

// Close ends a PR session. Closing twice is a no-op.
func (m *Manager) Close(pr int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[pr]
	if !ok {
		return apperrors.NotFound("PR session", strconv.Itoa(pr))
	}
	session.Status = v1.PRSessionClosed
	return nil
}

func splitRepository(repository string) (owner, repo string) {
	parts := strings.SplitN(repository, "/", 2)
	if len(parts) != 2 {
		return repository, ""
	}
	return parts[0], parts[1]
}

func cloneSession(s *v1.PRSession) *v1.PRSession {
	out := *s
	out.Comments = make([]v1.PRComment, len(s.Comments))
	copy(out.Comments, s.Comments)
	for i, c := range s.Comments {
		if c.RespondedAt != nil {
			t := *c.RespondedAt
			out.Comments[i].RespondedAt = &t
		}
	}
	return &out
}
