package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"github.com/justsurfingit/apply-scheduler/internal/notify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SweepReport counts what one pass did.
type SweepReport struct {
	Scanned   int
	Expired   int
	Submitted int
	Reminded  int
	FollowUps int
	Failed    int
}

// SweepService applies due transitions and sends deadline reminders. Several
// instances may run at once: every transition is conditional and every
// reminder is claimed through a unique audit key before it is sent.
type SweepService struct {
	Scheduler *SchedulerService
	Log       *zap.Logger

	Interval        time.Duration
	BatchSize       int
	ReminderWindows []time.Duration // ascending

	cron *cron.Cron
}

func NewSweepService(scheduler *SchedulerService, log *zap.Logger, interval time.Duration, batchSize int, windows []time.Duration) *SweepService {
	ws := make([]time.Duration, 0, len(windows))
	for _, w := range windows {
		if w > 0 {
			ws = append(ws, w)
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })
	if batchSize <= 0 {
		batchSize = 200
	}
	return &SweepService{
		Scheduler:       scheduler,
		Log:             log,
		Interval:        interval,
		BatchSize:       batchSize,
		ReminderWindows: ws,
	}
}

// Start runs a pass every Interval until ctx is cancelled. Overlapping passes
// on this instance are skipped.
func (s *SweepService) Start(ctx context.Context) error {
	if s.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.Interval)
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(s.Log.Named("cron")))
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := s.cron.AddFunc("@every "+s.Interval.String(), func() {
		report := s.RunOnce(ctx)
		if report.Expired+report.Submitted+report.Reminded+report.FollowUps+report.Failed > 0 {
			s.Log.Info("sweep finished",
				zap.Int("scanned", report.Scanned),
				zap.Int("expired", report.Expired),
				zap.Int("submitted", report.Submitted),
				zap.Int("reminded", report.Reminded),
				zap.Int("follow_ups", report.FollowUps),
				zap.Int("failed", report.Failed),
			)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.Log.Info("sweeper started", zap.Duration("interval", s.Interval))

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.Log.Info("sweeper stopped")
	}()
	return nil
}

// RunOnce performs one pass over every scheduled entry, then retries pending
// submission and expiry follow-ups. A failing schedule is logged and skipped.
func (s *SweepService) RunOnce(ctx context.Context) SweepReport {
	var report SweepReport
	now := s.Scheduler.Now()
	schedules := s.Scheduler.Schedules

	after := ""
	for {
		if ctx.Err() != nil {
			return report
		}
		page, err := schedules.ListScheduledPage(ctx, after, s.BatchSize)
		if err != nil {
			s.Log.Error("list scheduled failed", zap.Error(err))
			report.Failed++
			break
		}
		for i := range page {
			report.Scanned++
			if err := s.processSchedule(ctx, &page[i], now, &report); err != nil {
				report.Failed++
				s.Log.Error("sweep schedule failed", zap.String("schedule_id", page[i].ID), zap.Error(err))
			}
		}
		if len(page) < s.BatchSize {
			break
		}
		after = page[len(page)-1].ID
	}

	pending, err := schedules.ListPendingFollowUps(ctx, s.BatchSize)
	if err != nil {
		s.Log.Error("list pending follow-ups failed", zap.Error(err))
		report.Failed++
		return report
	}
	for i := range pending {
		if err := s.Scheduler.CompleteFollowUp(ctx, &pending[i]); err != nil {
			report.Failed++
			s.Log.Warn("follow-up retry failed", zap.String("schedule_id", pending[i].ID), zap.Error(err))
			continue
		}
		report.FollowUps++
	}
	return report
}

func (s *SweepService) processSchedule(ctx context.Context, sch *models.ApplicationSchedule, now time.Time, report *SweepReport) error {
	schedules := s.Scheduler.Schedules

	switch {
	case sch.DeadlineAt != nil && now.After(*sch.DeadlineAt):
		expired, err := schedules.MarkExpired(ctx, sch.ID, now)
		if lostRace(err) {
			return nil
		}
		if err != nil {
			return err
		}
		report.Expired++
		s.Log.Info("schedule expired", zap.String("schedule_id", sch.ID))
		if err := s.Scheduler.CompleteFollowUp(ctx, expired); err != nil {
			s.Log.Warn("expiry notification failed; will retry", zap.String("schedule_id", sch.ID), zap.Error(err))
		}
		return nil

	case !now.Before(sch.ScheduledAt):
		submitted, err := schedules.MarkSubmitted(ctx, sch.UserID, sch.ID, now, "submitted by sweep", map[string]any{"trigger": "sweep"})
		if lostRace(err) {
			return nil
		}
		if err != nil {
			return err
		}
		report.Submitted++
		s.Log.Info("schedule submitted", zap.String("schedule_id", sch.ID), zap.String("trigger", "sweep"))
		if err := s.Scheduler.CompleteFollowUp(ctx, submitted); err != nil {
			s.Log.Warn("submission follow-up failed; will retry", zap.String("schedule_id", sch.ID), zap.Error(err))
		}
		return nil

	case sch.DeadlineAt != nil:
		sent, err := s.remind(ctx, sch, now)
		if err != nil {
			return err
		}
		if sent {
			report.Reminded++
		}
	}
	return nil
}

// remind sends the reminder for the tightest window that contains the
// deadline, at most once per schedule and window.
func (s *SweepService) remind(ctx context.Context, sch *models.ApplicationSchedule, now time.Time) (bool, error) {
	remaining := sch.DeadlineAt.Sub(now)
	var window time.Duration
	for _, w := range s.ReminderWindows {
		if remaining <= w {
			window = w
			break
		}
	}
	if window == 0 {
		return false, nil
	}

	entry := &models.ScheduleAuditEntry{
		Event: models.EventReminderSent,
		Meta: map[string]any{
			"window":      window.String(),
			"deadline_at": sch.DeadlineAt.UTC().Format(time.RFC3339),
		},
		Timestamp: now,
	}
	key := fmt.Sprintf("reminder:%s:%s", sch.ID, window)
	claimed, err := s.Scheduler.Schedules.ClaimAudit(ctx, sch.ID, key, entry)
	if err != nil || !claimed {
		return false, err
	}

	n := notify.Notification{
		Kind:       notify.KindReminder,
		UserID:     sch.UserID,
		ScheduleID: sch.ID,
		JobID:      sch.JobID,
		Email:      sch.NotificationEmail,
		Subject:    "Application deadline approaching",
		Body: fmt.Sprintf("Your scheduled application for job %d is due by %s.",
			sch.JobID, sch.DeadlineAt.UTC().Format(time.RFC1123)),
		Window:     window.String(),
		DeadlineAt: sch.DeadlineAt,
		SentAt:     now,
	}
	if err := s.Scheduler.Notifier.Notify(ctx, n); err != nil {
		if relErr := s.Scheduler.Schedules.ReleaseAudit(ctx, entry.ID); relErr != nil {
			s.Log.Error("release reminder claim failed", zap.String("schedule_id", sch.ID), zap.Error(relErr))
		}
		return false, fmt.Errorf("send reminder: %w", err)
	}
	return true, nil
}

// lostRace reports whether another writer already moved the schedule on.
func lostRace(err error) bool {
	return errors.Is(err, apperr.ErrInvalidStateTransition) || errors.Is(err, apperr.ErrNotFound)
}
