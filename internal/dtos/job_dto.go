package dtos

import "time"

type JobCreationRequest struct {
	CompanyName string `json:"company_name" binding:"required"`
	Title       string `json:"role_title" binding:"required"`
	JobLink     string `json:"job_link"`
	Description string `json:"description"`

	// Optional Fields
	ResumeLink          string     `json:"resume_link"`
	Status              string     `json:"status"` // Defaults to "interested" if empty
	ApplicationDeadline *time.Time `json:"application_deadline"`
}
