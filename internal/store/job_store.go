package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"gorm.io/gorm"
)

// JobStore is the scheduler's view of the jobs table: eligibility reads and
// the status advance on submission.
type JobStore struct {
	DB *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{DB: db}
}

// Get returns the job id owned by userID.
func (r *JobStore) Get(ctx context.Context, userID string, id uint) (*models.Job, error) {
	var job models.Job
	err := r.DB.WithContext(ctx).Preload("Company").
		Where("id = ? AND user_id = ?", id, userID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByUser returns the user's jobs, newest first. An empty status lists all.
func (r *JobStore) ListByUser(ctx context.Context, userID, status string) ([]models.Job, error) {
	q := r.DB.WithContext(ctx).Preload("Company").Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Job
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// StatusesByID returns the status of each of the user's jobs in ids.
func (r *JobStore) StatusesByID(ctx context.Context, userID string, ids []uint) (map[uint]string, error) {
	out := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var jobs []models.Job
	err := r.DB.WithContext(ctx).Select("id", "status").
		Where("user_id = ? AND id IN ?", userID, ids).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		out[j.ID] = j.Status
	}
	return out, nil
}

// FindByMatchKey returns the user's oldest job with the given match key, or nil.
func (r *JobStore) FindByMatchKey(ctx context.Context, userID, key string) (*models.Job, error) {
	var job models.Job
	err := r.DB.WithContext(ctx).Preload("Company").
		Where("user_id = ? AND match_key = ?", userID, key).
		Order("id ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// AdvanceToApplied moves an interested job to applied. Jobs already at or past
// applied are left untouched, so repeated calls are harmless. It reports
// whether the status changed.
func (r *JobStore) AdvanceToApplied(ctx context.Context, userID string, jobID uint, details string) (bool, error) {
	changed := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Job{}).
			Where("id = ? AND user_id = ? AND (status = ? OR status = '' OR status IS NULL)", jobID, userID, models.JobInterested).
			Update("status", models.JobApplied)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&models.Job{}).Where("id = ? AND user_id = ?", jobID, userID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("job %d: %w", jobID, apperr.ErrNotFound)
			}
			return nil
		}
		changed = true
		return tx.Create(&models.JobEvent{
			JobID:     jobID,
			EventType: "STATUS_ADVANCED",
			Details:   details,
		}).Error
	})
	return changed, err
}
