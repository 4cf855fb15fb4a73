package v1

import "time"

// PromptPriority orders prompts within a session queue
type PromptPriority string

const (
	PriorityNormal PromptPriority = "normal"
	PriorityHigh   PromptPriority = "high"
	PriorityUrgent PromptPriority = "urgent"
)

// PromptStatus represents the state of a queued prompt
type PromptStatus string

const (
	PromptQueued    PromptStatus = "queued"
	PromptExecuting PromptStatus = "executing"
	PromptCompleted PromptStatus = "completed"
	PromptCancelled PromptStatus = "cancelled"
)

// Prompt is one queued agent instruction inside a multiplayer session
type Prompt struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Content    string         `json:"content"`
	Priority   PromptPriority `json:"priority"`
	Status     PromptStatus   `json:"status"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Cursor is a user's position within a shared file
type Cursor struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// SessionUser is a participant in a multiplayer session
type SessionUser struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// SessionClient is one connected client belonging to a user
type SessionClient struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	LastSeen time.Time `json:"last_seen"`
}

// SessionState is the shared mutable state of a multiplayer session
type SessionState struct {
	EditLock      string `json:"edit_lock,omitempty"`
	GitSyncStatus string `json:"git_sync_status,omitempty"`
	AgentStatus   string `json:"agent_status,omitempty"`
}

// MultiplayerSession is the full snapshot of one shared session
type MultiplayerSession struct {
	ID      string          `json:"id"`
	Users   []SessionUser   `json:"users"`
	Clients []SessionClient `json:"clients"`
	State   SessionState    `json:"state"`
	Queue   []Prompt        `json:"queue"`
}

// QueueStatus summarizes a session's prompt queue
type QueueStatus struct {
	Length       int  `json:"length"`
	HasExecuting bool `json:"has_executing"`
	IsFull       bool `json:"is_full"`
}
