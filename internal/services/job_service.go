package services

import (
	"context"
	"strings"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"github.com/justsurfingit/apply-scheduler/internal/store"
	"gorm.io/gorm"
)

type JobService struct {
	DB   *gorm.DB
	Jobs *store.JobStore
}

func NewJobService(db *gorm.DB) *JobService {
	return &JobService{
		DB:   db,
		Jobs: store.NewJobStore(db),
	}
}

// CreateJob creates a job for userID, creating its company on first use.
func (s *JobService) CreateJob(ctx context.Context, userID string, req *dtos.JobCreationRequest) (*models.Job, error) {
	companyName := strings.TrimSpace(req.CompanyName)
	title := strings.TrimSpace(req.Title)
	if companyName == "" || title == "" {
		return nil, apperr.Validation("company_name and role_title are required")
	}
	status := req.Status
	if status == "" {
		status = models.JobInterested
	}
	if !models.IsValidJobStatus(status) {
		return nil, apperr.Validation("unknown job status %q", req.Status)
	}

	var job *models.Job
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var company models.Company
		// it creates an entry if it doesn't exist yet
		if err := tx.Where(models.Company{Name: companyName}).FirstOrCreate(&company).Error; err != nil {
			return err
		}
		job = &models.Job{
			UserID:              userID,
			CompanyID:           company.ID,
			Company:             company,
			Title:               title,
			Description:         req.Description,
			JobLink:             req.JobLink,
			ResumeLink:          req.ResumeLink,
			Status:              status,
			ApplicationDeadline: req.ApplicationDeadline,
			MatchKey:            MatchKey(companyName, title),
		}
		return tx.Omit("Company").Create(job).Error
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns the user's jobs. An empty status lists all.
func (s *JobService) ListJobs(ctx context.Context, userID, status string) ([]models.Job, error) {
	return s.Jobs.ListByUser(ctx, userID, status)
}
