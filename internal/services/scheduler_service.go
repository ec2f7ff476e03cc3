package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"github.com/justsurfingit/apply-scheduler/internal/notify"
	"github.com/justsurfingit/apply-scheduler/internal/store"
	"github.com/justsurfingit/apply-scheduler/internal/timeconv"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SchedulerService owns the schedule lifecycle:
//
//	scheduled -> submitted  (submit-now, or due in a sweep)
//	scheduled -> expired    (deadline passed unattended)
//	scheduled -> cancelled  (user)
//
// The schedule's status change is the source of truth. Advancing the job and
// notifying the user follow it and are retried by the sweep until they succeed.
type SchedulerService struct {
	Schedules *store.ScheduleStore
	Jobs      *store.JobStore
	Prefs     *PreferenceService
	Notifier  notify.Notifier
	Log       *zap.Logger

	// Scheduled instants older than now-Skew are rejected.
	Skew time.Duration
	Now  func() time.Time
}

func NewSchedulerService(db *gorm.DB, notifier notify.Notifier, log *zap.Logger, skew time.Duration) *SchedulerService {
	return &SchedulerService{
		Schedules: store.NewScheduleStore(db),
		Jobs:      store.NewJobStore(db),
		Prefs:     NewPreferenceService(db),
		Notifier:  notifier,
		Log:       log,
		Skew:      skew,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateApplicationSchedule schedules an eligible job for deferred submission.
func (s *SchedulerService) CreateApplicationSchedule(ctx context.Context, userID string, req *dtos.ScheduleRequest) (*models.ApplicationSchedule, error) {
	job, err := s.Jobs.Get(ctx, userID, req.JobID)
	if err != nil {
		return nil, err
	}
	if !isSchedulable(job.Status) {
		return nil, apperr.Validation("job %d is already %s", job.ID, job.Status)
	}

	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	scheduledAt, err := s.resolveInstant(req.ScheduledAt, req.Local, tz)
	if err != nil {
		return nil, err
	}

	deadline := req.DeadlineAt
	if deadline == nil && job.ApplicationDeadline != nil && !job.ApplicationDeadline.Before(scheduledAt) {
		deadline = job.ApplicationDeadline
	}
	if deadline != nil {
		d := deadline.UTC()
		if d.Before(scheduledAt) {
			return nil, apperr.Validation("deadline_at must not be before scheduled_at")
		}
		deadline = &d
	}

	email := strings.TrimSpace(req.NotificationEmail)
	if email == "" {
		if email, err = s.Prefs.GetDefaultNotificationEmail(ctx, userID); err != nil {
			return nil, err
		}
	}
	if email == "" {
		return nil, apperr.Validation("notification_email is required when no default email is set")
	}

	active, err := s.Schedules.FindActiveForJob(ctx, userID, job.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("job %d has schedule %s: %w", job.ID, active.ID, apperr.ErrDuplicateActiveSchedule)
	}

	sch := &models.ApplicationSchedule{
		UserID:            userID,
		JobID:             job.ID,
		ScheduledAt:       scheduledAt,
		Timezone:          tz,
		DeadlineAt:        deadline,
		Status:            models.StatusScheduled,
		NotificationEmail: email,
		Note:              req.Note,
		Source:            models.SourceManual,
	}
	created := models.ScheduleAuditEntry{
		Event: models.EventCreated,
		Meta: map[string]any{
			"scheduled_at": scheduledAt.Format(time.RFC3339),
			"timezone":     tz,
			"source":       models.SourceManual,
		},
		Timestamp: s.Now(),
	}
	if err := s.Schedules.Create(ctx, sch, created); err != nil {
		return nil, err
	}
	s.Log.Info("schedule created",
		zap.String("schedule_id", sch.ID),
		zap.String("user_id", userID),
		zap.Uint("job_id", job.ID),
		zap.Time("scheduled_at", scheduledAt),
	)
	return sch, nil
}

// ListApplicationSchedules lists the user's schedules. An empty status lists all.
func (s *SchedulerService) ListApplicationSchedules(ctx context.Context, userID, status string) ([]models.ApplicationSchedule, error) {
	switch status {
	case "", models.StatusScheduled, models.StatusSubmitted, models.StatusExpired, models.StatusCancelled:
	default:
		return nil, apperr.Validation("unknown status %q", status)
	}
	return s.Schedules.ListByUser(ctx, userID, status)
}

// RescheduleApplicationSchedule moves a scheduled entry to a new instant.
func (s *SchedulerService) RescheduleApplicationSchedule(ctx context.Context, userID, id string, req *dtos.RescheduleRequest) (*models.ApplicationSchedule, error) {
	current, err := s.Schedules.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusScheduled {
		return nil, fmt.Errorf("reschedule %s schedule: %w", current.Status, apperr.ErrInvalidStateTransition)
	}

	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = current.Timezone
	}
	scheduledAt, err := s.resolveInstant(req.ScheduledAt, req.Local, tz)
	if err != nil {
		return nil, err
	}
	deadline := current.DeadlineAt
	if req.DeadlineAt != nil {
		deadline = req.DeadlineAt
	}
	if deadline != nil && deadline.Before(scheduledAt) {
		return nil, apperr.Validation("deadline_at must not be before scheduled_at")
	}

	sch, err := s.Schedules.Reschedule(ctx, userID, id, scheduledAt, tz, req.DeadlineAt)
	if err != nil {
		return nil, err
	}
	s.Log.Info("schedule rescheduled", zap.String("schedule_id", id), zap.Time("scheduled_at", scheduledAt))
	return sch, nil
}

// SubmitScheduledApplicationNow submits a scheduled entry immediately.
func (s *SchedulerService) SubmitScheduledApplicationNow(ctx context.Context, userID, id string) (*models.ApplicationSchedule, error) {
	sch, err := s.Schedules.MarkSubmitted(ctx, userID, id, s.Now(), "submitted manually", map[string]any{"trigger": "manual"})
	if err != nil {
		return nil, err
	}
	s.Log.Info("schedule submitted", zap.String("schedule_id", id), zap.String("trigger", "manual"))

	if err := s.CompleteFollowUp(ctx, sch); err != nil {
		s.Log.Warn("submission follow-up failed; the sweep will retry",
			zap.String("schedule_id", id), zap.Error(err))
		return sch, nil
	}
	if fresh, err := s.Schedules.Get(ctx, userID, id); err == nil {
		sch = fresh
	}
	return sch, nil
}

// CancelApplicationSchedule cancels a scheduled entry. The job is untouched.
func (s *SchedulerService) CancelApplicationSchedule(ctx context.Context, userID, id string) (*models.ApplicationSchedule, error) {
	sch, err := s.Schedules.Cancel(ctx, userID, id, s.Now())
	if err != nil {
		return nil, err
	}
	s.Log.Info("schedule cancelled", zap.String("schedule_id", id))
	return sch, nil
}

// notifyClaimLease is how long an unsettled notification claim keeps other
// workers from sending. A claim older than this belongs to a worker that died
// between claiming and sending.
const notifyClaimLease = 5 * time.Minute

// CompleteFollowUp runs the side effects of a submitted or expired schedule. A
// submitted job is advanced to at least applied, and a manual schedule's owner
// is notified once; an expired schedule's owner is notified once. The pending
// flag is cleared only after the notification is known to be delivered, so it
// is safe to call concurrently and again after a partial failure.
func (s *SchedulerService) CompleteFollowUp(ctx context.Context, sch *models.ApplicationSchedule) error {
	var n notify.Notification
	switch sch.Status {
	case models.StatusSubmitted:
		_, err := s.Jobs.AdvanceToApplied(ctx, sch.UserID, sch.JobID, fmt.Sprintf("Schedule %s submitted", sch.ID))
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("advance job %d: %w", sch.JobID, err)
		}
		if sch.Source != models.SourceManual {
			return s.Schedules.ClearFollowUp(ctx, sch.ID)
		}
		n = s.submittedNotification(sch)
	case models.StatusExpired:
		n = s.expiredNotification(sch)
	default:
		return s.Schedules.ClearFollowUp(ctx, sch.ID)
	}

	delivered, err := s.notifyOnce(ctx, sch.ID, n)
	if err != nil {
		return err
	}
	if !delivered {
		// Another worker is sending; it clears the flag or leaves it for the sweep.
		s.Log.Debug("notification in flight elsewhere", zap.String("schedule_id", sch.ID), zap.String("kind", string(n.Kind)))
		return nil
	}
	return s.Schedules.ClearFollowUp(ctx, sch.ID)
}

// notifyOnce sends n under the claim key notified:<schedule>:<kind>. It
// reports whether the notification is delivered, by this call or an earlier
// one. False with a nil error means a live claim is held by another worker.
func (s *SchedulerService) notifyOnce(ctx context.Context, scheduleID string, n notify.Notification) (bool, error) {
	key := "notified:" + scheduleID + ":" + string(n.Kind)
	for attempt := 0; attempt < 2; attempt++ {
		entry := &models.ScheduleAuditEntry{
			Event:     models.EventNotified,
			Meta:      map[string]any{"kind": string(n.Kind)},
			Timestamp: s.Now(),
		}
		claimed, err := s.Schedules.ClaimAudit(ctx, scheduleID, key, entry)
		if err != nil {
			return false, err
		}
		if claimed {
			if err := s.Notifier.Notify(ctx, n); err != nil {
				if relErr := s.Schedules.ReleaseAudit(ctx, entry.ID); relErr != nil {
					s.Log.Error("release notification claim failed", zap.String("schedule_id", scheduleID), zap.Error(relErr))
				}
				return false, fmt.Errorf("notify %s: %w", n.Kind, err)
			}
			if err := s.Schedules.SettleAudit(ctx, entry.ID); err != nil {
				return false, fmt.Errorf("settle notification claim: %w", err)
			}
			return true, nil
		}

		held, err := s.Schedules.FindAuditByKey(ctx, key)
		if err != nil {
			return false, err
		}
		switch {
		case held == nil:
			// Released between our claim and the lookup.
			continue
		case held.Settled:
			return true, nil
		case s.Now().Sub(held.Timestamp) < notifyClaimLease:
			return false, nil
		}
		s.Log.Warn("releasing stale notification claim", zap.String("schedule_id", scheduleID), zap.Time("claimed_at", held.Timestamp))
		if _, err := s.Schedules.ReleaseUnsettledAudit(ctx, held.ID); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *SchedulerService) submittedNotification(sch *models.ApplicationSchedule) notify.Notification {
	return notify.Notification{
		Kind:       notify.KindSubmitted,
		UserID:     sch.UserID,
		ScheduleID: sch.ID,
		JobID:      sch.JobID,
		Email:      sch.NotificationEmail,
		Subject:    "Your scheduled application was submitted",
		Body:       fmt.Sprintf("Schedule %s for job %d was marked submitted.", sch.ID, sch.JobID),
		DeadlineAt: sch.DeadlineAt,
		SentAt:     s.Now(),
	}
}

// ListEligibleJobsForScheduler returns the user's jobs that can get a new
// schedule: still interested and without an active schedule.
func (s *SchedulerService) ListEligibleJobsForScheduler(ctx context.Context, userID string) ([]models.Job, error) {
	jobs, err := s.Jobs.ListByUser(ctx, userID, models.JobInterested)
	if err != nil {
		return nil, err
	}
	active, err := s.Schedules.ActiveJobIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		if !active[j.ID] {
			out = append(out, j)
		}
	}
	return out, nil
}

// GetDefaultNotificationEmail returns the user's default address, or "".
func (s *SchedulerService) GetDefaultNotificationEmail(ctx context.Context, userID string) (string, error) {
	return s.Prefs.GetDefaultNotificationEmail(ctx, userID)
}

// SetDefaultNotificationEmail stores the user's default address.
func (s *SchedulerService) SetDefaultNotificationEmail(ctx context.Context, userID, email string) (*models.NotificationPreference, error) {
	return s.Prefs.SetDefaultNotificationEmail(ctx, userID, email)
}

// Submission time-of-day buckets, by local hour in the schedule's zone.
var submissionBuckets = []struct {
	name     string
	from, to int // [from, to)
}{
	{"Morning", 5, 12},
	{"Afternoon", 12, 17},
	{"Evening", 17, 21},
	{"Night", 21, 29}, // wraps past midnight to 05:00
}

func bucketIndex(hour int) int {
	if hour < 5 {
		hour += 24
	}
	for i, b := range submissionBuckets {
		if hour >= b.from && hour < b.to {
			return i
		}
	}
	return len(submissionBuckets) - 1
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// GetSubmissionTimeStats aggregates the user's submitted schedules.
func (s *SchedulerService) GetSubmissionTimeStats(ctx context.Context, userID string) (*dtos.SubmissionTimeStats, error) {
	submitted, err := s.Schedules.ListByUser(ctx, userID, models.StatusSubmitted)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(submitted))
	for _, sch := range submitted {
		ids = append(ids, sch.JobID)
	}
	statuses, err := s.Jobs.StatusesByID(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	stats := &dtos.SubmissionTimeStats{Buckets: make([]dtos.SubmissionBucket, len(submissionBuckets))}
	for i, b := range submissionBuckets {
		stats.Buckets[i].Name = b.name
	}

	var earlySum float64
	var earlyN int
	for _, sch := range submitted {
		at := sch.ScheduledAt
		if sch.SubmittedAt != nil {
			at = *sch.SubmittedAt
		}
		if sch.DeadlineAt != nil {
			earlySum += sch.DeadlineAt.Sub(at).Hours() / 24
			earlyN++
		}

		local, err := timeconv.UTCToZoned(at, sch.Timezone)
		if err != nil {
			local, _ = timeconv.UTCToZoned(at, "UTC")
		}
		b := &stats.Buckets[bucketIndex(local.Hour)]
		b.Submitted++
		if models.IsResponseStatus(statuses[sch.JobID]) {
			b.Responses++
		}
		stats.TotalSubmitted++
	}
	if earlyN > 0 {
		stats.AvgDaysEarly = round1(earlySum / float64(earlyN))
	}

	best := -1.0
	for i := range stats.Buckets {
		b := &stats.Buckets[i]
		if b.Submitted > 0 {
			b.SuccessRate = round1(float64(b.Responses) * 100 / float64(b.Submitted))
		}
		if b.Submitted > 0 && b.SuccessRate > best {
			best = b.SuccessRate
			stats.BestTimeWindow = b.Name
			stats.BestRate = b.SuccessRate
		}
	}
	return stats, nil
}

// BestPractices is static guidance shown next to the scheduler.
func (s *SchedulerService) BestPractices() []string {
	return []string{
		"Submit early in the posting's life; many roles fill from the first wave of applicants.",
		"Aim for weekday mornings in the employer's time zone.",
		"Set a deadline so the schedule expires instead of submitting a stale application.",
		"Tailor the resume and cover letter before the scheduled time, not after.",
		"Follow up about a week after submitting if you have not heard back.",
	}
}

func isSchedulable(jobStatus string) bool {
	return jobStatus == models.JobInterested || jobStatus == ""
}

// resolveInstant turns either an absolute instant or local form fields in tz
// into a UTC instant, and rejects instants further in the past than Skew.
func (s *SchedulerService) resolveInstant(at *time.Time, local *timeconv.LocalFields, tz string) (time.Time, error) {
	if _, err := timeconv.LoadZone(tz); err != nil {
		return time.Time{}, apperr.Validation("%v", err)
	}
	var t time.Time
	switch {
	case local != nil:
		var err error
		if t, err = local.UTC(tz); err != nil {
			return time.Time{}, apperr.Validation("%v", err)
		}
	case at != nil:
		t = at.UTC()
	default:
		return time.Time{}, apperr.Validation("scheduled_at or local is required")
	}
	if t.Before(s.Now().Add(-s.Skew)) {
		return time.Time{}, apperr.Validation("scheduled_at %s is in the past", t.Format(time.RFC3339))
	}
	return t, nil
}

func (s *SchedulerService) expiredNotification(sch *models.ApplicationSchedule) notify.Notification {
	return notify.Notification{
		Kind:       notify.KindExpired,
		UserID:     sch.UserID,
		ScheduleID: sch.ID,
		JobID:      sch.JobID,
		Email:      sch.NotificationEmail,
		Subject:    "Scheduled application expired",
		Body:       fmt.Sprintf("The deadline for job %d passed before the application was submitted.", sch.JobID),
		DeadlineAt: sch.DeadlineAt,
		SentAt:     s.Now(),
	}
}
