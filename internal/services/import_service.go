package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"github.com/justsurfingit/apply-scheduler/internal/store"
	"go.uber.org/zap"
)

// Dedup reasons reported to the caller.
const (
	DedupMessageID       = "message_id"
	DedupJobURL          = "job_url"
	DedupCompanyTitleDay = "company_title_day"
)

const maxBulkImport = 100

// ImportService records applications observed outside the scheduler. Replaying
// an event any number of times leaves exactly one job and one schedule.
type ImportService struct {
	Scheduler *SchedulerService
	JobSvc    *JobService
	Matcher   *MatcherService
	Extractor EmailExtractor // optional
	Log       *zap.Logger

	// Two imports of the same job URL this close together are one application.
	URLWindow time.Duration
}

func NewImportService(scheduler *SchedulerService, jobs *JobService, matcher *MatcherService, extractor EmailExtractor, log *zap.Logger, urlWindow time.Duration) *ImportService {
	if urlWindow <= 0 {
		urlWindow = 30 * time.Minute
	}
	return &ImportService{
		Scheduler: scheduler,
		JobSvc:    jobs,
		Matcher:   matcher,
		Extractor: extractor,
		Log:       log,
		URLWindow: urlWindow,
	}
}

// SourceTag maps a client source type to the tag stored on the schedule.
func SourceTag(sourceType string) string {
	switch strings.ToLower(strings.TrimSpace(sourceType)) {
	case "", "extension", "browser_extension", models.SourceExtension:
		return models.SourceExtension
	case "email", "email_forward", "gmail":
		return models.SourceEmailForward
	default:
		return strings.ToLower(strings.TrimSpace(sourceType))
	}
}

// ImportApplicationEvent creates or merges the job and the submitted schedule
// for ev, unless it duplicates an earlier import.
func (s *ImportService) ImportApplicationEvent(ctx context.Context, userID string, ev *dtos.ImportEvent) (*dtos.ImportResult, error) {
	schedules := s.Scheduler.Schedules

	appliedAt := s.Scheduler.Now()
	if ev.AppliedAt != nil && !ev.AppliedAt.IsZero() {
		appliedAt = ev.AppliedAt.UTC()
	}
	appliedAt = appliedAt.Truncate(time.Second)
	source := SourceTag(ev.SourceType)
	msgID := strings.TrimSpace(ev.MessageID)
	jobURL := NormalizeURL(ev.JobURL)

	var importKey *string
	if msgID != "" {
		key := store.ImportKey(userID, msgID)
		importKey = &key
		prior, err := schedules.FindByImportKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return s.deduped(ctx, userID, DedupMessageID, prior), nil
		}
	} else if jobURL != "" {
		prior, err := s.findByURL(ctx, userID, jobURL, appliedAt)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return s.deduped(ctx, userID, DedupJobURL, prior), nil
		}
	}

	company, title := s.identify(ctx, ev)
	if company == "" || title == "" {
		return nil, apperr.Validation("company and job_title are required and could not be extracted")
	}

	job, err := s.Scheduler.Jobs.FindByMatchKey(ctx, userID, MatchKey(company, title))
	if err != nil {
		return nil, err
	}
	if job != nil {
		prior, err := s.findSameDay(ctx, userID, job.ID, appliedAt)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return &dtos.ImportResult{Deduped: true, Reason: DedupCompanyTitleDay, Job: job, Schedule: prior}, nil
		}
		if _, err := s.Scheduler.Jobs.AdvanceToApplied(ctx, userID, job.ID, "Application imported from "+source); err != nil {
			return nil, err
		}
	} else {
		job, err = s.JobSvc.CreateJob(ctx, userID, &dtos.JobCreationRequest{
			CompanyName: company,
			Title:       title,
			JobLink:     strings.TrimSpace(ev.JobURL),
			Status:      models.JobApplied,
		})
		if err != nil {
			return nil, err
		}
	}

	meta := map[string]any{"source": source}
	if ev.Platform != "" {
		meta["platform"] = ev.Platform
	}
	if msgID != "" {
		meta["message_id"] = msgID
	}
	if jobURL != "" {
		meta["job_url"] = jobURL
	}

	sch, err := s.mergeIntoActive(ctx, userID, job.ID, appliedAt, importKey, msgID, jobURL, meta)
	if err == nil && sch == nil {
		sch, err = s.createSubmitted(ctx, userID, job.ID, appliedAt, source, importKey, msgID, jobURL, meta)
	}
	if errors.Is(err, apperr.ErrDuplicateImport) {
		// A concurrent import of the same message won.
		prior, findErr := schedules.FindByImportKey(ctx, *importKey)
		if findErr != nil {
			return nil, findErr
		}
		return s.deduped(ctx, userID, DedupMessageID, prior), nil
	}
	if err != nil {
		return nil, err
	}

	if fresh, err := s.Scheduler.Jobs.Get(ctx, userID, job.ID); err == nil {
		job = fresh
	}
	s.Log.Info("application imported",
		zap.String("user_id", userID),
		zap.String("schedule_id", sch.ID),
		zap.Uint("job_id", job.ID),
		zap.String("source", source),
	)
	return &dtos.ImportResult{Job: job, Schedule: sch}, nil
}

// ImportBulk imports each event independently. One bad event does not stop the rest.
func (s *ImportService) ImportBulk(ctx context.Context, userID string, events []dtos.ImportEvent) (*dtos.BulkImportResult, error) {
	if len(events) == 0 {
		return nil, apperr.Validation("events must not be empty")
	}
	if len(events) > maxBulkImport {
		return nil, apperr.Validation("at most %d events per request", maxBulkImport)
	}
	out := &dtos.BulkImportResult{Items: make([]dtos.BulkImportItem, 0, len(events))}
	for i := range events {
		item := dtos.BulkImportItem{Index: i}
		res, err := s.ImportApplicationEvent(ctx, userID, &events[i])
		switch {
		case err != nil:
			out.Failed++
			item.Error = publicMessage(err)
			s.Log.Warn("bulk import item failed", zap.Int("index", i), zap.Error(err))
		case res.Deduped:
			out.Deduped++
			item.Result = res
		default:
			out.Imported++
			item.Result = res
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// identify returns the event's company and title, extracting missing ones
// from the email with the heuristic matcher first and the LLM second.
func (s *ImportService) identify(ctx context.Context, ev *dtos.ImportEvent) (string, string) {
	company := strings.TrimSpace(ev.Company)
	title := strings.TrimSpace(ev.JobTitle)
	if company != "" && title != "" {
		return company, title
	}
	if ev.EmailSubject == "" && ev.EmailFrom == "" && ev.EmailBodyText == "" {
		return company, title
	}

	c, t := s.Matcher.ExtractFromEmail(ctx, ev.EmailSubject, ev.EmailFrom)
	if company == "" {
		company = c
	}
	if title == "" {
		title = t
	}
	if (company == "" || title == "") && s.Extractor != nil {
		c, t, err := s.Extractor.ExtractApplication(ctx, ev.EmailSubject, ev.EmailFrom, ev.EmailBodyText)
		if err != nil {
			s.Log.Warn("llm extraction failed", zap.String("subject", ev.EmailSubject), zap.Error(err))
		} else {
			if company == "" {
				company = strings.TrimSpace(c)
			}
			if title == "" {
				title = strings.TrimSpace(t)
			}
		}
	}
	return company, title
}

func (s *ImportService) findByURL(ctx context.Context, userID, jobURL string, appliedAt time.Time) (*models.ApplicationSchedule, error) {
	prior, err := s.Scheduler.Schedules.ListBySourceURL(ctx, userID, jobURL)
	if err != nil {
		return nil, err
	}
	for i := range prior {
		at := prior[i].ScheduledAt
		if prior[i].SubmittedAt != nil {
			at = *prior[i].SubmittedAt
		}
		if d := appliedAt.Sub(at); d <= s.URLWindow && d >= -s.URLWindow {
			return &prior[i], nil
		}
	}
	return nil, nil
}

func (s *ImportService) findSameDay(ctx context.Context, userID string, jobID uint, appliedAt time.Time) (*models.ApplicationSchedule, error) {
	submitted, err := s.Scheduler.Schedules.ListSubmittedForJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	day := appliedAt.UTC().Format(time.DateOnly)
	for i := range submitted {
		if submitted[i].SubmittedAt != nil && submitted[i].SubmittedAt.UTC().Format(time.DateOnly) == day {
			return &submitted[i], nil
		}
	}
	return nil, nil
}

// mergeIntoActive submits the job's scheduled entry, if any, as the imported
// application. It returns nil when the job has no active schedule.
func (s *ImportService) mergeIntoActive(ctx context.Context, userID string, jobID uint, appliedAt time.Time, importKey *string, msgID, jobURL string, meta map[string]any) (*models.ApplicationSchedule, error) {
	schedules := s.Scheduler.Schedules
	active, err := schedules.FindActiveForJob(ctx, userID, jobID)
	if err != nil || active == nil {
		return nil, err
	}
	sch, err := schedules.MarkSubmitted(ctx, userID, active.ID, appliedAt, "imported", meta)
	if errors.Is(err, apperr.ErrInvalidStateTransition) {
		// Submitted by someone else meanwhile; record a fresh one instead.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := schedules.AttachImport(ctx, sch.ID, importKey, msgID, jobURL); err != nil {
		return nil, err
	}
	imported := models.ScheduleAuditEntry{Event: models.EventImported, Meta: meta, Timestamp: s.Scheduler.Now()}
	if err := schedules.AppendAudit(ctx, sch.ID, imported); err != nil {
		return nil, err
	}
	if err := s.Scheduler.CompleteFollowUp(ctx, sch); err != nil {
		s.Log.Warn("import follow-up failed; the sweep will retry", zap.String("schedule_id", sch.ID), zap.Error(err))
	}
	return schedules.Get(ctx, userID, sch.ID)
}

func (s *ImportService) createSubmitted(ctx context.Context, userID string, jobID uint, appliedAt time.Time, source string, importKey *string, msgID, jobURL string, meta map[string]any) (*models.ApplicationSchedule, error) {
	email, err := s.Scheduler.Prefs.GetDefaultNotificationEmail(ctx, userID)
	if err != nil {
		return nil, err
	}
	submittedAt := appliedAt
	sch := &models.ApplicationSchedule{
		UserID:            userID,
		JobID:             jobID,
		ScheduledAt:       appliedAt,
		Timezone:          "UTC",
		SubmittedAt:       &submittedAt,
		Status:            models.StatusSubmitted,
		NotificationEmail: email,
		Source:            source,
		ImportKey:         importKey,
		SourceMessageID:   msgID,
		SourceURL:         jobURL,
	}
	now := s.Scheduler.Now()
	audit := []models.ScheduleAuditEntry{
		{Event: models.EventCreated, Meta: map[string]any{"source": source}, Timestamp: now},
		{Event: models.EventImported, Meta: meta, Timestamp: now},
	}
	if err := s.Scheduler.Schedules.Create(ctx, sch, audit...); err != nil {
		return nil, err
	}
	return sch, nil
}

func (s *ImportService) deduped(ctx context.Context, userID, reason string, prior *models.ApplicationSchedule) *dtos.ImportResult {
	res := &dtos.ImportResult{Deduped: true, Reason: reason, Schedule: prior}
	if prior == nil {
		return res
	}
	if job, err := s.Scheduler.Jobs.Get(ctx, userID, prior.JobID); err == nil {
		res.Job = job
	}
	return res
}

// publicMessage returns err's text for client-facing errors and a generic
// message for everything else.
func publicMessage(err error) string {
	if apperr.HTTPStatus(err) >= 500 {
		return "internal error"
	}
	return err.Error()
}
