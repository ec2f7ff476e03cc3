package dtos

import (
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/timeconv"
)

// ScheduleRequest creates a schedule. The instant is either scheduled_at or
// the local form fields interpreted in timezone.
type ScheduleRequest struct {
	JobID             uint                  `json:"job_id" binding:"required"`
	ScheduledAt       *time.Time            `json:"scheduled_at"`
	Local             *timeconv.LocalFields `json:"local"`
	Timezone          string                `json:"timezone"`
	DeadlineAt        *time.Time            `json:"deadline_at"`
	NotificationEmail string                `json:"notification_email" binding:"omitempty,email"`
	Note              string                `json:"note" binding:"max=2000"`
}

type RescheduleRequest struct {
	ScheduledAt *time.Time            `json:"scheduled_at"`
	Local       *timeconv.LocalFields `json:"local"`
	Timezone    string                `json:"timezone"`
	DeadlineAt  *time.Time            `json:"deadline_at"`
}

type DefaultEmailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type SubmissionBucket struct {
	Name        string  `json:"name"`
	Submitted   int     `json:"submitted"`
	Responses   int     `json:"responses"`
	SuccessRate float64 `json:"success_rate"`
}

type SubmissionTimeStats struct {
	TotalSubmitted int                `json:"total_submitted"`
	AvgDaysEarly   float64            `json:"avg_days_early"`
	BestTimeWindow string             `json:"best_time_window"`
	BestRate       float64            `json:"best_success_rate"`
	Buckets        []SubmissionBucket `json:"buckets"`
}
