package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/database"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"github.com/justsurfingit/apply-scheduler/internal/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	fail error
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) setFail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *recordingNotifier) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	db        *gorm.DB
	scheduler *SchedulerService
	jobs      *JobService
	notifier  *recordingNotifier
	now       time.Time
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:       database.NewTestDB(t),
		notifier: &recordingNotifier{},
		now:      baseTime,
	}
	f.scheduler = NewSchedulerService(f.db, f.notifier, zap.NewNop(), 5*time.Minute)
	f.scheduler.Now = func() time.Time { return f.now }
	f.jobs = NewJobService(f.db)
	return f
}

func (f *fixture) createJob(t *testing.T, userID, company, title string) *models.Job {
	t.Helper()
	job, err := f.jobs.CreateJob(context.Background(), userID, &dtos.JobCreationRequest{CompanyName: company, Title: title})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func (f *fixture) schedule(t *testing.T, userID string, jobID uint, at time.Time, deadline *time.Time) *models.ApplicationSchedule {
	t.Helper()
	sch, err := f.scheduler.CreateApplicationSchedule(context.Background(), userID, &dtos.ScheduleRequest{
		JobID:             jobID,
		ScheduledAt:       &at,
		DeadlineAt:        deadline,
		NotificationEmail: "me@example.com",
	})
	if err != nil {
		t.Fatalf("CreateApplicationSchedule: %v", err)
	}
	return sch
}

func (f *fixture) reload(t *testing.T, id string) *models.ApplicationSchedule {
	t.Helper()
	sch, err := f.scheduler.Schedules.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return sch
}

func (f *fixture) jobStatus(t *testing.T, userID string, jobID uint) string {
	t.Helper()
	job, err := f.scheduler.Jobs.Get(context.Background(), userID, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job.Status
}

func ptr[T any](v T) *T { return &v }
