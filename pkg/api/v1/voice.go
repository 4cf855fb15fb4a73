package v1

import "time"

// VoiceStatus represents the state of a voice control session
type VoiceStatus string

const (
	VoiceIdle       VoiceStatus = "idle"
	VoiceListening  VoiceStatus = "listening"
	VoiceProcessing VoiceStatus = "processing"
)

// VoiceSession is the per-session voice control state
type VoiceSession struct {
	SessionID     string      `json:"session_id"`
	Status        VoiceStatus `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	LastUtterance string      `json:"last_utterance,omitempty"`
}
