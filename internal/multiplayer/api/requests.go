// Package api provides HTTP handlers for the multiplayer session API.
package api

import (
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// CreateSessionRequest for opening a session. The ID is optional; one is
// generated when absent.
type CreateSessionRequest struct {
	ID string `json:"id"`
}

// JoinRequest for adding a user to a session
type JoinRequest struct {
	Name  string `json:"name" binding:"required"`
	Color string `json:"color"`
}

// LeaveRequest identifies the departing user
type LeaveRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// CursorRequest for cursor position updates
type CursorRequest struct {
	UserID string    `json:"user_id" binding:"required"`
	Cursor v1.Cursor `json:"cursor"`
}

// LockRequest for edit lock operations
type LockRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// ConnectRequest registers a client for a session user
type ConnectRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// DisconnectRequest unregisters a client
type DisconnectRequest struct {
	ClientID string `json:"client_id" binding:"required"`
}

// StateRequest patches the shared session state. Empty fields are left
// unchanged.
type StateRequest struct {
	GitSyncStatus string `json:"git_sync_status"`
	AgentStatus   string `json:"agent_status"`
}

// PromptRequest queues a prompt for the session agent
type PromptRequest struct {
	UserID   string            `json:"user_id" binding:"required"`
	Content  string            `json:"content" binding:"required"`
	Priority v1.PromptPriority `json:"priority"`
}

// CancelPromptRequest identifies the cancelling user
type CancelPromptRequest struct {
	UserID string `json:"user_id"`
}

// ReorderPromptRequest moves a queued prompt within its priority tier
type ReorderPromptRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	NewIndex int    `json:"new_index"`
}

// SessionsListResponse for listing sessions
type SessionsListResponse struct {
	Sessions []*v1.MultiplayerSession `json:"sessions"`
	Total    int                      `json:"total"`
}

// UsersListResponse for listing session users
type UsersListResponse struct {
	Users []v1.SessionUser `json:"users"`
	Total int              `json:"total"`
}

// ClientsListResponse for listing connected clients
type ClientsListResponse struct {
	Clients []v1.SessionClient `json:"clients"`
	Total   int                `json:"total"`
}

// PromptsListResponse for listing session prompts
type PromptsListResponse struct {
	Prompts []v1.Prompt `json:"prompts"`
	Total   int         `json:"total"`
}
