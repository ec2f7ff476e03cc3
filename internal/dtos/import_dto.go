package dtos

import (
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/models"
)

// ImportEvent is an application observed outside the scheduler: by the browser
// extension on a job board, or in a forwarded confirmation email.
type ImportEvent struct {
	Platform      string     `json:"platform"`
	JobTitle      string     `json:"job_title"`
	Company       string     `json:"company"`
	JobURL        string     `json:"job_url"`
	MessageID     string     `json:"message_id"`
	EmailFrom     string     `json:"email_from"`
	EmailSubject  string     `json:"email_subject"`
	EmailBodyText string     `json:"email_body_text"`
	AppliedAt     *time.Time `json:"applied_at"`
	SourceType    string     `json:"source_type"`
}

type ImportResult struct {
	Deduped  bool                        `json:"deduped"`
	Reason   string                      `json:"reason,omitempty"`
	Job      *models.Job                 `json:"job,omitempty"`
	Schedule *models.ApplicationSchedule `json:"schedule,omitempty"`
}

type BulkImportRequest struct {
	Events []ImportEvent `json:"events" binding:"required"`
}

type BulkImportItem struct {
	Index  int           `json:"index"`
	Result *ImportResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type BulkImportResult struct {
	Imported int              `json:"imported"`
	Deduped  int              `json:"deduped"`
	Failed   int              `json:"failed"`
	Items    []BulkImportItem `json:"items"`
}
