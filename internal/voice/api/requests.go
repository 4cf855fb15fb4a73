// Package api provides HTTP handlers for the voice control API.
package api

// StartVoiceRequest begins voice control for a session
type StartVoiceRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// StopVoiceRequest ends voice control for a session
type StopVoiceRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// SubmitUtteranceRequest carries a transcribed utterance
type SubmitUtteranceRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Utterance string `json:"utterance" binding:"required"`
}

// ActiveVoiceResponse lists sessions with voice control on
type ActiveVoiceResponse struct {
	Active []string `json:"active"`
	Total  int      `json:"total"`
}
