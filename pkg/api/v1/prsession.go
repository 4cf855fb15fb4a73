package v1

import "time"

// PRSessionStatus represents the lifecycle of a PR-bound session
type PRSessionStatus string

const (
	PRSessionOpen       PRSessionStatus = "open"
	PRSessionResponding PRSessionStatus = "responding"
	PRSessionClosed     PRSessionStatus = "closed"
)

// PRComment is one review comment tracked by a PR session
type PRComment struct {
	ID          string     `json:"id"`
	Author      string     `json:"author"`
	Body        string     `json:"body"`
	Path        string     `json:"path,omitempty"`
	Line        int        `json:"line,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// PRSession binds a pull request to an agent working session
type PRSession struct {
	PR               int             `json:"pr"`
	Repository       string          `json:"repository"`
	Branch           string          `json:"branch"`
	SandboxSessionID string          `json:"sandbox_session_id,omitempty"`
	Status           PRSessionStatus `json:"status"`
	Comments         []PRComment     `json:"comments"`
	CreatedAt        time.Time       `json:"created_at"`
}
