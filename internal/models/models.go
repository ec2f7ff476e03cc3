package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job statuses, in pipeline order.
const (
	JobInterested  = "interested"
	JobApplied     = "applied"
	JobPhoneScreen = "phone_screen"
	JobInterview   = "interview"
	JobOffer       = "offer"
	JobRejected    = "rejected"
)

// Schedule statuses.
const (
	StatusScheduled = "scheduled"
	StatusSubmitted = "submitted"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// Audit events.
const (
	EventCreated      = "created"
	EventRescheduled  = "rescheduled"
	EventSubmitted    = "submitted"
	EventCancelled    = "cancelled"
	EventExpired      = "expired"
	EventImported     = "imported"
	EventReminderSent = "reminder_sent"
	EventNotified     = "notified"
)

// Schedule sources. Imports carry the channel they were observed on.
const (
	SourceManual       = "manual"
	SourceExtension    = "uc125"
	SourceEmailForward = "email_forward"
)

// IsValidJobStatus reports whether s is one of the known job statuses.
func IsValidJobStatus(s string) bool {
	switch s {
	case JobInterested, JobApplied, JobPhoneScreen, JobInterview, JobOffer, JobRejected:
		return true
	}
	return false
}

// IsResponseStatus reports whether a job status counts as a response from the employer.
func IsResponseStatus(s string) bool {
	return s == JobPhoneScreen || s == JobInterview || s == JobOffer
}

type Company struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name string `gorm:"uniqueIndex;not null" json:"company_name"`

	// 'omitempty' prevents infinite loops when fetching a Job -> Company -> Jobs -> ...
	Jobs []Job `json:"jobs,omitempty"`
}

type Job struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID string `gorm:"index;not null" json:"user_id"`

	CompanyID uint `json:"company_id"`
	// Association: GORM needs Preload() to fill this
	Company Company `json:"company"`

	Title               string     `gorm:"not null" json:"title"`
	Description         string     `gorm:"type:text" json:"description"`
	JobLink             string     `json:"job_link"`
	Status              string     `gorm:"default:'interested';index" json:"status"`
	ResumeLink          string     `json:"resume_link"`
	ApplicationDeadline *time.Time `json:"application_deadline,omitempty"`

	// normalized "company|title", used to merge imported applications
	MatchKey string `gorm:"index" json:"-"`
}

type JobEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	JobID     uint      `gorm:"index" json:"job_id"`
	EventType string    `json:"event_type"`
	Details   string    `gorm:"type:text" json:"details"`
}

// ApplicationSchedule is a user's deferred-submission plan for one Job.
type ApplicationSchedule struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID string `gorm:"index;not null" json:"user_id"`
	JobID  uint   `gorm:"index;not null" json:"job_id"`

	ScheduledAt time.Time  `gorm:"index;not null" json:"scheduled_at"`
	Timezone    string     `gorm:"not null;default:'UTC'" json:"timezone"`
	DeadlineAt  *time.Time `json:"deadline_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`

	Status            string `gorm:"index;not null" json:"status"`
	NotificationEmail string `json:"notification_email"`
	Note              string `gorm:"type:text" json:"note,omitempty"`
	Source            string `gorm:"not null;default:'manual'" json:"source"`

	// "<user>:<job>" while scheduled, NULL otherwise. The unique index keeps
	// at most one active schedule per job.
	ActiveJobKey *string `gorm:"uniqueIndex" json:"-"`
	// "<user>:<message id>" for message-id imports.
	ImportKey       *string `gorm:"uniqueIndex" json:"-"`
	SourceMessageID string  `json:"source_message_id,omitempty"`
	SourceURL       string  `gorm:"index" json:"source_url,omitempty"`

	// Set between the submitted transition and completion of its side effects.
	FollowUpPending bool `gorm:"index;not null;default:false" json:"-"`

	Audit []ScheduleAuditEntry `gorm:"foreignKey:ScheduleID" json:"audit"`
}

func (s *ApplicationSchedule) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// ScheduleAuditEntry is one append-only audit log line. ID order is log order.
type ScheduleAuditEntry struct {
	ID         uint           `gorm:"primaryKey" json:"-"`
	ScheduleID string         `gorm:"index;size:36;not null" json:"-"`
	Event      string         `gorm:"not null" json:"event"`
	Meta       map[string]any `gorm:"serializer:json" json:"meta,omitempty"`
	Timestamp  time.Time      `gorm:"not null" json:"timestamp"`
	// Optional claim key; unique so a claim can be taken only once.
	DedupKey *string `gorm:"uniqueIndex" json:"-"`
	// Set once the side effect behind a claim has completed.
	Settled bool `gorm:"not null;default:false" json:"-"`
}

// PairingSession links a browser extension to a user account.
type PairingSession struct {
	PairingID   string     `gorm:"primaryKey;size:36" json:"pairing_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UserID      string     `gorm:"index;not null" json:"-"`
	CodeHash    string     `gorm:"not null" json:"-"`
	DeviceName  string     `json:"device_name"`
	ExpiresAt   time.Time  `gorm:"not null" json:"expires_at"`
	Completed   bool       `gorm:"not null;default:false" json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Wrong codes submitted so far; the session dies at the service's limit.
	FailedAttempts int `gorm:"not null;default:0" json:"-"`
}

// ExtensionToken is a long-lived credential minted by a completed pairing.
type ExtensionToken struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	UserID     string     `gorm:"index;not null" json:"user_id"`
	DeviceName string     `json:"device_name"`
	TokenHash  string     `gorm:"uniqueIndex;not null" json:"-"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// NotificationPreference holds a user's default notification address.
type NotificationPreference struct {
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	Email     string    `gorm:"not null" json:"email"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MailboxCursor is the Gmail history bookmark of a watched mailbox.
type MailboxCursor struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	Mailbox       string `gorm:"uniqueIndex;not null" json:"mailbox"`
	LastHistoryID uint64 `json:"last_history_id"`
}

type ProcessedEmail struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
}
