package v1

import "time"

// SkillSource records where a skill definition came from
type SkillSource string

const (
	SkillSourceBuiltin SkillSource = "builtin"
	SkillSourceFile    SkillSource = "file"
	SkillSourceAPI     SkillSource = "api"
)

// Skill is a reusable prompt template the agent can materialize with
// caller-supplied arguments
type Skill struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Template    string      `json:"template"`
	Source      SkillSource `json:"source"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
