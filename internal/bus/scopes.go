package bus

import "fmt"

// ScopeAdmin is the administrator firehose scope. Every task and session
// event is mirrored here in addition to the owner's scope.
const ScopeAdmin = "admin:global"

// UserScope returns the per-user scope name.
func UserScope(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// Event kinds.
const (
	KindSessionCreated    = "session.created"
	KindSessionDestroyed  = "session.destroyed"
	KindSecurityViolation = "session.security_violation"
	KindPlatformSwitched  = "session.platform_switched"

	KindTaskQueued          = "task.queued"
	KindTaskStarted         = "task.started"
	KindTaskProgress        = "task.progress"
	KindTaskCompleted       = "task.completed"
	KindTaskFailed          = "task.failed"
	KindTaskCancelled       = "task.cancelled"
	KindTaskRestarted       = "task.restarted"
	KindTaskPriorityChanged = "task.priority_changed"

	KindConnectionDisabled = "platform.connection_disabled"
)

// TaskEventPayload is the payload for task.* events.
type TaskEventPayload struct {
	TaskID          string `json:"task_id"`
	OwnerUserID     string `json:"owner_user_id"`
	PlatformID      string `json:"platform_connection_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent,omitempty"`
	CurrentStep     string `json:"current_step,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SessionEventPayload is the payload for session.* events.
type SessionEventPayload struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	PlatformID string `json:"platform_connection_id,omitempty"`
}
