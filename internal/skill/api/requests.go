// Package api provides HTTP handlers for the skill registry API.
package api

import (
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// CreateSkillRequest for registering a new skill
type CreateSkillRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Template    string `json:"template" binding:"required"`
}

// UpdateSkillRequest for changing a skill. Empty fields keep their current
// value.
type UpdateSkillRequest struct {
	Description string `json:"description"`
	Template    string `json:"template"`
}

// InvokeSkillRequest carries the arguments for template placeholders
type InvokeSkillRequest struct {
	Args map[string]string `json:"args"`
}

// InvokeSkillResponse returns the materialized prompt
type InvokeSkillResponse struct {
	Prompt string `json:"prompt"`
}

// SkillsListResponse for listing skills
type SkillsListResponse struct {
	Skills []v1.Skill `json:"skills"`
	Total  int        `json:"total"`
}
