// Package events defines the event types published by the sandbox
// orchestration components and helpers for building scoped subjects.
package events

// Event types for image builds
const (
	BuildStart    = "build:start"
	BuildProgress = "build:progress" // carries the current stage
	BuildComplete = "build:complete" // carries the build result
	BuildError    = "build:error"
	ScheduleTick  = "schedule:tick" // carries the next wake time
)

// Event types for snapshots
const (
	SnapshotCreated  = "snapshot:created"
	SnapshotRestored = "snapshot:restored" // carries snapshot + new sandbox ID
	SnapshotExpired  = "snapshot:expired"
	SnapshotCleaned  = "snapshot:cleaned"
)

// Event types for sandboxes
const (
	SandboxCreated    = "sandbox:created"
	SandboxStatus     = "sandbox:status" // status transitions
	SandboxGit        = "sandbox:git"    // git sync status transitions
	SandboxTerminated = "sandbox:terminated"
)

// Event types for the warm pool
const (
	PoolClaimed     = "pool:claimed"
	PoolReleased    = "pool:released"
	PoolReplenished = "pool:replenished"
	PoolExpired     = "pool:expired"
)

// Event types for multiplayer sessions
const (
	UserJoined      = "multiplayer:user_joined"
	UserLeft        = "multiplayer:user_left"
	PromptQueued    = "multiplayer:prompt_queued"
	PromptStarted   = "multiplayer:prompt_started"
	PromptCompleted = "multiplayer:prompt_completed"
	PromptCancelled = "multiplayer:prompt_cancelled"
)

// Event types for voice sessions
const (
	VoiceStarted   = "voice:started"
	VoiceStopped   = "voice:stopped"
	VoiceUtterance = "voice:utterance"
)

// BuildSandboxStatusSubject creates a status subject scoped to one sandbox
func BuildSandboxStatusSubject(sandboxID string) string {
	return SandboxStatus + "." + sandboxID
}

// BuildSandboxStatusWildcardSubject matches status events for all sandboxes
func BuildSandboxStatusWildcardSubject() string {
	return SandboxStatus + ".*"
}

// BuildSandboxGitSubject creates a git sync subject scoped to one sandbox
func BuildSandboxGitSubject(sandboxID string) string {
	return SandboxGit + "." + sandboxID
}

// BuildSandboxGitWildcardSubject matches git sync events for all sandboxes
func BuildSandboxGitWildcardSubject() string {
	return SandboxGit + ".*"
}

// BuildSnapshotSubject creates a snapshot subject scoped to one session
func BuildSnapshotSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionSubject creates a multiplayer subject scoped to one session
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildBuildSubject creates a build subject scoped to one build
func BuildBuildSubject(eventType, buildID string) string {
	return eventType + "." + buildID
}

// BuildBuildWildcardSubject matches one build event type for all builds
func BuildBuildWildcardSubject(eventType string) string {
	return eventType + ".*"
}
