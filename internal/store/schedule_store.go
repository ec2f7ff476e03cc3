package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"gorm.io/gorm"
)

// ScheduleStore persists application schedules and their audit log.
//
// Every lifecycle transition is a conditional update on the current status,
// so concurrent writers race to exactly one winner. A transition that matches
// no row reports ErrNotFound when the schedule is not visible to the caller
// and ErrInvalidStateTransition otherwise.
type ScheduleStore struct {
	DB *gorm.DB
}

func NewScheduleStore(db *gorm.DB) *ScheduleStore {
	return &ScheduleStore{DB: db}
}

// ActiveJobKey is the uniqueness key held by a job's active schedule.
func ActiveJobKey(userID string, jobID uint) string {
	return fmt.Sprintf("%s:%d", userID, jobID)
}

// ImportKey is the uniqueness key of a message-id import.
func ImportKey(userID, messageID string) string {
	return userID + ":" + messageID
}

func preloadAudit(db *gorm.DB) *gorm.DB {
	return db.Preload("Audit", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

// Create inserts s together with its initial audit entries. A schedule in the
// scheduled state takes the job's active key; a collision is reported as
// ErrDuplicateActiveSchedule. A collision on an import key is reported as
// ErrDuplicateImport.
func (r *ScheduleStore) Create(ctx context.Context, s *models.ApplicationSchedule, audit ...models.ScheduleAuditEntry) error {
	if s.Status == "" {
		s.Status = models.StatusScheduled
	}
	if s.Source == "" {
		s.Source = models.SourceManual
	}
	if s.Status == models.StatusScheduled {
		key := ActiveJobKey(s.UserID, s.JobID)
		s.ActiveJobKey = &key
	} else {
		s.ActiveJobKey = nil
	}
	s.Audit = nil

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		for i := range audit {
			audit[i].ScheduleID = s.ID
			if audit[i].Timestamp.IsZero() {
				audit[i].Timestamp = time.Now().UTC()
			}
			if err := tx.Create(&audit[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			if s.ImportKey != nil && s.Status != models.StatusScheduled {
				return apperr.ErrDuplicateImport
			}
			return apperr.ErrDuplicateActiveSchedule
		}
		return err
	}
	s.Audit = audit
	return nil
}

// Get returns the schedule id owned by userID.
func (r *ScheduleStore) Get(ctx context.Context, userID, id string) (*models.ApplicationSchedule, error) {
	var s models.ApplicationSchedule
	err := preloadAudit(r.DB.WithContext(ctx)).
		Where("id = ? AND user_id = ?", id, userID).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("schedule %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByID returns a schedule without an ownership check. System use only.
func (r *ScheduleStore) GetByID(ctx context.Context, id string) (*models.ApplicationSchedule, error) {
	var s models.ApplicationSchedule
	err := preloadAudit(r.DB.WithContext(ctx)).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("schedule %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListByUser returns the user's schedules ordered by scheduled time. An empty
// status lists every status.
func (r *ScheduleStore) ListByUser(ctx context.Context, userID, status string) ([]models.ApplicationSchedule, error) {
	q := preloadAudit(r.DB.WithContext(ctx)).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.ApplicationSchedule
	if err := q.Order("scheduled_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindActiveForJob returns the job's scheduled entry, or nil when there is none.
func (r *ScheduleStore) FindActiveForJob(ctx context.Context, userID string, jobID uint) (*models.ApplicationSchedule, error) {
	var s models.ApplicationSchedule
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND job_id = ? AND status = ?", userID, jobID, models.StatusScheduled).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveJobIDs returns the ids of the user's jobs that have a scheduled entry.
func (r *ScheduleStore) ActiveJobIDs(ctx context.Context, userID string) (map[uint]bool, error) {
	var ids []uint
	err := r.DB.WithContext(ctx).Model(&models.ApplicationSchedule{}).
		Where("user_id = ? AND status = ?", userID, models.StatusScheduled).
		Pluck("job_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// Reschedule moves a scheduled entry to a new instant and zone. A nil
// deadline keeps the stored one.
func (r *ScheduleStore) Reschedule(ctx context.Context, userID, id string, scheduledAt time.Time, timezone string, deadlineAt *time.Time) (*models.ApplicationSchedule, error) {
	current, err := r.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{
		"scheduled_at": scheduledAt.UTC(),
		"timezone":     timezone,
	}
	meta := map[string]any{
		"from": map[string]any{"scheduled_at": current.ScheduledAt.UTC().Format(time.RFC3339), "timezone": current.Timezone},
		"to":   map[string]any{"scheduled_at": scheduledAt.UTC().Format(time.RFC3339), "timezone": timezone},
	}
	if deadlineAt != nil {
		d := deadlineAt.UTC()
		updates["deadline_at"] = d
		meta["deadline_at"] = d.Format(time.RFC3339)
	}
	entry := models.ScheduleAuditEntry{Event: models.EventRescheduled, Meta: meta}
	return r.transition(ctx, userID, id, updates, entry)
}

// Cancel moves a scheduled entry to cancelled.
func (r *ScheduleStore) Cancel(ctx context.Context, userID, id string, now time.Time) (*models.ApplicationSchedule, error) {
	updates := map[string]any{
		"status":         models.StatusCancelled,
		"active_job_key": nil,
	}
	entry := models.ScheduleAuditEntry{Event: models.EventCancelled, Timestamp: now}
	return r.transition(ctx, userID, id, updates, entry)
}

// MarkSubmitted moves a scheduled entry to submitted and flags its follow-up
// (job advance and notification) as pending.
func (r *ScheduleStore) MarkSubmitted(ctx context.Context, userID, id string, submittedAt time.Time, note string, meta map[string]any) (*models.ApplicationSchedule, error) {
	updates := map[string]any{
		"status":            models.StatusSubmitted,
		"submitted_at":      submittedAt.UTC(),
		"active_job_key":    nil,
		"follow_up_pending": true,
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if note != "" {
		meta["note"] = note
	}
	entry := models.ScheduleAuditEntry{Event: models.EventSubmitted, Meta: meta, Timestamp: submittedAt}
	return r.transition(ctx, userID, id, updates, entry)
}

// MarkExpired moves a scheduled entry whose deadline has passed to expired
// and flags its notification as pending.
func (r *ScheduleStore) MarkExpired(ctx context.Context, id string, now time.Time) (*models.ApplicationSchedule, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusScheduled {
		return nil, fmt.Errorf("expire %s from %s: %w", id, current.Status, apperr.ErrInvalidStateTransition)
	}
	if current.DeadlineAt == nil || !now.After(*current.DeadlineAt) {
		return nil, fmt.Errorf("expire %s before its deadline: %w", id, apperr.ErrInvalidStateTransition)
	}
	updates := map[string]any{
		"status":            models.StatusExpired,
		"active_job_key":    nil,
		"follow_up_pending": true,
	}
	entry := models.ScheduleAuditEntry{
		Event:     models.EventExpired,
		Meta:      map[string]any{"deadline_at": current.DeadlineAt.UTC().Format(time.RFC3339)},
		Timestamp: now,
	}
	return r.transition(ctx, current.UserID, id, updates, entry)
}

// transition applies updates to a scheduled entry and appends entry to its
// audit log in one transaction.
func (r *ScheduleStore) transition(ctx context.Context, userID, id string, updates map[string]any, entry models.ScheduleAuditEntry) (*models.ApplicationSchedule, error) {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ApplicationSchedule{}).
			Where("id = ? AND user_id = ? AND status = ?", id, userID, models.StatusScheduled).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var s models.ApplicationSchedule
			err := tx.Select("id", "status").Where("id = ? AND user_id = ?", id, userID).First(&s).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("schedule %s: %w", id, apperr.ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("schedule %s is %s: %w", id, s.Status, apperr.ErrInvalidStateTransition)
		}
		entry.ScheduleID = id
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		entry.Timestamp = entry.Timestamp.UTC()
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, userID, id)
}

// ListScheduledPage returns up to limit scheduled entries with id > afterID,
// ordered by id, across all users.
func (r *ScheduleStore) ListScheduledPage(ctx context.Context, afterID string, limit int) ([]models.ApplicationSchedule, error) {
	var out []models.ApplicationSchedule
	err := r.DB.WithContext(ctx).
		Where("status = ? AND id > ?", models.StatusScheduled, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListPendingFollowUps returns submitted or expired entries whose side effects
// have not completed.
func (r *ScheduleStore) ListPendingFollowUps(ctx context.Context, limit int) ([]models.ApplicationSchedule, error) {
	var out []models.ApplicationSchedule
	err := r.DB.WithContext(ctx).
		Where("status IN ? AND follow_up_pending = ?", []string{models.StatusSubmitted, models.StatusExpired}, true).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClearFollowUp marks the submitted entry's side effects as done.
func (r *ScheduleStore) ClearFollowUp(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Model(&models.ApplicationSchedule{}).
		Where("id = ?", id).
		Update("follow_up_pending", false).Error
}

// ClaimAudit appends entry under a unique dedup key. It returns false when the
// key was already claimed.
func (r *ScheduleStore) ClaimAudit(ctx context.Context, scheduleID, dedupKey string, entry *models.ScheduleAuditEntry) (bool, error) {
	entry.ScheduleID = scheduleID
	entry.DedupKey = &dedupKey
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	err := r.DB.WithContext(ctx).Create(entry).Error
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseAudit removes a claimed entry so the claim can be retaken.
func (r *ScheduleStore) ReleaseAudit(ctx context.Context, entryID uint) error {
	return r.DB.WithContext(ctx).Delete(&models.ScheduleAuditEntry{}, entryID).Error
}

// SettleAudit marks a claimed entry's side effect as done.
func (r *ScheduleStore) SettleAudit(ctx context.Context, entryID uint) error {
	return r.DB.WithContext(ctx).Model(&models.ScheduleAuditEntry{}).
		Where("id = ?", entryID).
		Update("settled", true).Error
}

// ReleaseUnsettledAudit removes a claimed entry unless it has been settled.
// It reports whether the entry was removed.
func (r *ScheduleStore) ReleaseUnsettledAudit(ctx context.Context, entryID uint) (bool, error) {
	res := r.DB.WithContext(ctx).
		Where("id = ? AND settled = ?", entryID, false).
		Delete(&models.ScheduleAuditEntry{})
	return res.RowsAffected > 0, res.Error
}

// FindAuditByKey returns the entry holding dedupKey, or nil.
func (r *ScheduleStore) FindAuditByKey(ctx context.Context, dedupKey string) (*models.ScheduleAuditEntry, error) {
	var e models.ScheduleAuditEntry
	err := r.DB.WithContext(ctx).Where("dedup_key = ?", dedupKey).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AppendAudit appends entry to the schedule's log.
func (r *ScheduleStore) AppendAudit(ctx context.Context, scheduleID string, entry models.ScheduleAuditEntry) error {
	entry.ScheduleID = scheduleID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return r.DB.WithContext(ctx).Create(&entry).Error
}

// FindByImportKey returns the schedule imported under key, or nil.
func (r *ScheduleStore) FindByImportKey(ctx context.Context, key string) (*models.ApplicationSchedule, error) {
	var s models.ApplicationSchedule
	err := r.DB.WithContext(ctx).Where("import_key = ?", key).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListBySourceURL returns the user's imported schedules for a normalized job URL.
func (r *ScheduleStore) ListBySourceURL(ctx context.Context, userID, url string) ([]models.ApplicationSchedule, error) {
	var out []models.ApplicationSchedule
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND source_url = ?", userID, url).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListSubmittedForJob returns the job's submitted schedules.
func (r *ScheduleStore) ListSubmittedForJob(ctx context.Context, userID string, jobID uint) ([]models.ApplicationSchedule, error) {
	var out []models.ApplicationSchedule
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND job_id = ? AND status = ?", userID, jobID, models.StatusSubmitted).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// AttachImport records import provenance on an existing schedule. A message id
// already attached elsewhere is reported as ErrDuplicateImport.
func (r *ScheduleStore) AttachImport(ctx context.Context, id string, importKey *string, messageID, sourceURL string) error {
	updates := map[string]any{}
	if sourceURL != "" {
		updates["source_url"] = sourceURL
	}
	if importKey != nil {
		updates["import_key"] = *importKey
		updates["source_message_id"] = messageID
	}
	if len(updates) == 0 {
		return nil
	}
	err := r.DB.WithContext(ctx).Model(&models.ApplicationSchedule{}).Where("id = ?", id).Updates(updates).Error
	if isDuplicateKey(err) {
		return apperr.ErrDuplicateImport
	}
	return err
}
