// Package meeting holds the persisted domain types for the bot orchestrator:
// Meeting, MeetingSession, the trimmed User capacity record, and the
// enumerations the status FSM and HTTP layer operate on.
package meeting

import "time"

// Platform identifies the video-conferencing provider a Meeting targets.
type Platform string

const (
	PlatformGoogleMeet Platform = "google_meet"
	PlatformZoom       Platform = "zoom"
	PlatformTeams      Platform = "teams"
)

// Status is one of the six canonical FSM states, stored verbatim on the row.
type Status string

const (
	StatusRequested          Status = "requested"
	StatusJoining            Status = "joining"
	StatusAwaitingAdmission  Status = "awaiting_admission"
	StatusActive             Status = "active"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// CompletionReason enumerates why a Meeting reached COMPLETED.
type CompletionReason string

const (
	CompletionStopped         CompletionReason = "stopped"
	CompletionEveryoneLeft    CompletionReason = "everyone_left"
	CompletionEvicted         CompletionReason = "evicted"
	CompletionAdmissionFailed CompletionReason = "admission_failed"
)

// FailureStage enumerates the phase a Meeting was in when it reached FAILED.
type FailureStage string

const (
	FailureStageJoining           FailureStage = "joining"
	FailureStageWaitingAdmission  FailureStage = "waiting_admission"
	FailureStageActive            FailureStage = "active"
)

// TransitionSource classifies who/what drove a recorded status change.
type TransitionSource string

const (
	SourceUser   TransitionSource = "user"
	SourceBot    TransitionSource = "bot"
	SourceSystem TransitionSource = "system"
)

// User is the trimmed carry-over of the teacher's pkg/models.User: only the
// fields the orchestrator actually consults survive the transform.
type User struct {
	ID                uint   `json:"id" gorm:"primaryKey"`
	Username          string `json:"username" gorm:"uniqueIndex;not null"`
	Email             string `json:"email" gorm:"uniqueIndex;not null"`
	APIKeyHash        string `json:"-" gorm:"column:api_key_hash"`
	MaxConcurrentBots int    `json:"max_concurrent_bots" gorm:"default:1"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorDetail captures the last non-zero exit the orchestrator observed for
// a Meeting; stored inline in data.last_error.
type ErrorDetail struct {
	ExitCode  int       `json:"exit_code"`
	Reason    string    `json:"reason,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusTransition is one entry of the append-only data.status_transition
// audit list. Every committed FSM change appends exactly one.
type StatusTransition struct {
	From             Status            `json:"from"`
	To               Status            `json:"to"`
	Timestamp        time.Time         `json:"timestamp"`
	Source           TransitionSource  `json:"source"`
	Reason           string            `json:"reason,omitempty"`
	CompletionReason CompletionReason  `json:"completion_reason,omitempty"`
	FailureStage     FailureStage      `json:"failure_stage,omitempty"`
	ErrorDetails     string            `json:"error_details,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// Meeting is one row per bot attempt against a (user, platform, native id).
type Meeting struct {
	ID                 uint      `json:"id" gorm:"primaryKey"`
	UserID              uint      `json:"user_id" gorm:"index:idx_meeting_identity,priority:1;not null"`
	Platform            Platform  `json:"platform" gorm:"index:idx_meeting_identity,priority:2;not null"`
	PlatformSpecificID  string    `json:"platform_specific_id" gorm:"index:idx_meeting_identity,priority:3;not null"`

	Status         Status     `json:"status" gorm:"index;not null"`
	BotContainerID string     `json:"bot_container_id,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`

	// DataJSON is the serialized free-form metadata bag (passcode,
	// stop_requested, last_error, status_transition). Kept as a text column
	// rather than a native jsonb type, mirroring the teacher's
	// Snapshot/Checkpoint string-blob convention; see DecodeData /
	// Data.Encode for the copy-on-write accessor pair.
	DataJSON string `json:"-" gorm:"column:data;type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the GORM table name so migrations and AutoMigrate agree.
func (Meeting) TableName() string { return "meetings" }

// MeetingSession is one bot incarnation within a Meeting, keyed by the
// runtime-assigned session_uid (the bot's connection_id).
type MeetingSession struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	MeetingID        uint      `json:"meeting_id" gorm:"index;not null"`
	SessionUID       string    `json:"session_uid" gorm:"uniqueIndex;not null"`
	SessionStartTime time.Time `json:"session_start_time"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName pins the GORM table name so migrations and AutoMigrate agree.
func (MeetingSession) TableName() string { return "meeting_sessions" }

// ActiveSet is the set of statuses that count against uniqueness and the
// per-user concurrency cap.
var ActiveSet = map[Status]bool{
	StatusRequested:         true,
	StatusJoining:           true,
	StatusAwaitingAdmission: true,
	StatusActive:            true,
}

// Terminal is the set of statuses a Meeting never leaves.
var Terminal = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// IsActive reports whether s is a member of the active set.
func (s Status) IsActive() bool { return ActiveSet[s] }

// IsTerminal reports whether s is a member of the terminal set.
func (s Status) IsTerminal() bool { return Terminal[s] }
