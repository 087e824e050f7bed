package db

import (
	"time"

	"gorm.io/datatypes"
)

// Job statuses. queued and processing are transient; the rest are
// terminal and a job never leaves a terminal status.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobBlocked    = "blocked"
)

// TerminalStatus reports whether s is one of the terminal job statuses.
func TerminalStatus(s string) bool {
	return s == JobCompleted || s == JobFailed || s == JobBlocked
}

// Job is a single extraction unit, synchronous or asynchronous. The
// extraction configuration is stored alongside so async jobs and
// schedule-spawned jobs can be processed outside the accepting request.
type Job struct {
	ID string `gorm:"primaryKey;size:36"`

	CreatedAt   time.Time
	CompletedAt *time.Time

	// KeyID links the job to the API key charged for it.
	KeyID uint `gorm:"index;not null"`

	// ScheduleID is set when this job was spawned by a schedule.
	ScheduleID string `gorm:"index;size:36"`

	URL    string `gorm:"size:4096;not null"`
	Status string `gorm:"index;size:16;not null"`
	Async  bool

	// Fields, Schema and Options mirror the accepted request so the
	// processing side needs no access to the original HTTP payload.
	Fields       datatypes.JSON `gorm:"type:json"`
	Schema       datatypes.JSON `gorm:"type:json"`
	Instructions string         `gorm:"size:8192"`
	Options      datatypes.JSON `gorm:"type:json"`

	WebhookURL    string `gorm:"size:4096"`
	WebhookSecret string `gorm:"size:256"`

	// ResultURL references the stored result in the blob store.
	ResultURL  string `gorm:"size:512"`
	ErrorMsg   string `gorm:"size:2048"`
	TokenUsage int64
	LatencyMs  int64
}

// Schedule re-runs a stored extraction on a cron cadence. next_run_at
// and last_run_at are mutated exclusively by the schedule engine.
type Schedule struct {
	ID string `gorm:"primaryKey;size:36"`

	CreatedAt time.Time
	UpdatedAt time.Time

	KeyID uint `gorm:"index;not null"`

	URL  string `gorm:"size:4096;not null"`
	Cron string `gorm:"size:64;not null"`

	Fields       datatypes.JSON `gorm:"type:json"`
	Schema       datatypes.JSON `gorm:"type:json"`
	Instructions string         `gorm:"size:8192"`
	Options      datatypes.JSON `gorm:"type:json"`

	WebhookURL    string `gorm:"size:4096;not null"`
	WebhookSecret string `gorm:"size:256"`

	IsActive  bool `gorm:"default:true;index"`
	NextRunAt time.Time
	LastRunAt *time.Time
}

// UsageLog is one append-only row per completed request or job, the
// source of truth for billing and the usage dashboard. Never mutated
// after insert.
type UsageLog struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time `gorm:"index"`

	KeyID      uint   `gorm:"index;not null"`
	URL        string `gorm:"size:4096"`
	Status     string `gorm:"size:16"`
	TokenUsage int64
	LatencyMs  int64
}

// IdempotencyKey records the job created for a caller-supplied
// idempotency key, so a retried async submission returns the original
// job instead of charging again. Scoped per API key.
type IdempotencyKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`

	KeyID uint   `gorm:"uniqueIndex:idx_idem_key_scope,priority:1;not null"`
	Key   string `gorm:"uniqueIndex:idx_idem_key_scope,priority:2;size:128;not null"`

	JobID string `gorm:"size:36;not null"`
}
