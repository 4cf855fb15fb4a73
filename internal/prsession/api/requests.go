// Package api provides HTTP handlers for the PR session API.
package api

import (
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// CreatePRSessionRequest for binding a pull request to a working session
type CreatePRSessionRequest struct {
	PR               int    `json:"pr" binding:"required"`
	Repository       string `json:"repository" binding:"required"`
	Branch           string `json:"branch"`
	SandboxSessionID string `json:"sandbox_session_id"`
}

// RespondRequest carries the agent's reply. CommentID is optional; when set,
// that comment is marked as responded.
type RespondRequest struct {
	CommentID string `json:"comment_id"`
	Body      string `json:"body" binding:"required"`
}

// PRSessionsListResponse for listing PR sessions
type PRSessionsListResponse struct {
	Sessions []*v1.PRSession `json:"sessions"`
	Total    int             `json:"total"`
}

// CommentsListResponse for listing PR comments
type CommentsListResponse struct {
	Comments []v1.PRComment `json:"comments"`
	Total    int            `json:"total"`
}
