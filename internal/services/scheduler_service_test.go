package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"github.com/justsurfingit/apply-scheduler/internal/notify"
	"github.com/justsurfingit/apply-scheduler/internal/timeconv"
)

func TestCreateScheduleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "u1", "Acme", "Backend Engineer")
	future := baseTime.Add(2 * time.Hour)

	tests := []struct {
		name string
		user string
		req  dtos.ScheduleRequest
		want error
	}{
		{"past instant", "u1", dtos.ScheduleRequest{JobID: job.ID, ScheduledAt: ptr(baseTime.Add(-time.Hour)), NotificationEmail: "a@b.c"}, apperr.ErrValidation},
		{"deadline before scheduled", "u1", dtos.ScheduleRequest{JobID: job.ID, ScheduledAt: &future, DeadlineAt: ptr(baseTime.Add(time.Hour)), NotificationEmail: "a@b.c"}, apperr.ErrValidation},
		{"bad zone", "u1", dtos.ScheduleRequest{JobID: job.ID, ScheduledAt: &future, Timezone: "Mars/Olympus", NotificationEmail: "a@b.c"}, apperr.ErrValidation},
		{"no instant", "u1", dtos.ScheduleRequest{JobID: job.ID, NotificationEmail: "a@b.c"}, apperr.ErrValidation},
		{"no email", "u1", dtos.ScheduleRequest{JobID: job.ID, ScheduledAt: &future}, apperr.ErrValidation},
		{"other user's job", "u2", dtos.ScheduleRequest{JobID: job.ID, ScheduledAt: &future, NotificationEmail: "a@b.c"}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.scheduler.CreateApplicationSchedule(ctx, tt.user, &tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateScheduleUsesDefaultEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "u1", "Acme", "Backend Engineer")
	if _, err := f.scheduler.SetDefaultNotificationEmail(ctx, "u1", "Me <me@example.com>"); err != nil {
		t.Fatalf("SetDefaultNotificationEmail: %v", err)
	}

	sch, err := f.scheduler.CreateApplicationSchedule(ctx, "u1", &dtos.ScheduleRequest{
		JobID:       job.ID,
		ScheduledAt: ptr(baseTime.Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sch.NotificationEmail != "me@example.com" {
		t.Fatalf("email = %q", sch.NotificationEmail)
	}
	if sch.Timezone != "UTC" || sch.Status != models.StatusScheduled {
		t.Fatalf("schedule = %+v", sch)
	}
	if len(sch.Audit) != 1 || sch.Audit[0].Event != models.EventCreated {
		t.Fatalf("audit = %+v", sch.Audit)
	}
}

func TestAtMostOneActiveSchedule(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "u1", "Acme", "Backend Engineer")
	f.schedule(t, "u1", job.ID, baseTime.Add(time.Hour), nil)

	_, err := f.scheduler.CreateApplicationSchedule(context.Background(), "u1", &dtos.ScheduleRequest{
		JobID:             job.ID,
		ScheduledAt:       ptr(baseTime.Add(2 * time.Hour)),
		NotificationEmail: "a@b.c",
	})
	if !errors.Is(err, apperr.ErrDuplicateActiveSchedule) {
		t.Fatalf("err = %v, want ErrDuplicateActiveSchedule", err)
	}
}

func TestCancelledJobCanBeRescheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "u1", "Acme", "Backend Engineer")
	sch := f.schedule(t, "u1", job.ID, baseTime.Add(time.Hour), nil)

	if _, err := f.scheduler.CancelApplicationSchedule(ctx, "u1", sch.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	eligible, err := f.scheduler.ListEligibleJobsForScheduler(ctx, "u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != job.ID {
		t.Fatalf("eligible = %+v", eligible)
	}
	f.schedule(t, "u1", job.ID, baseTime.Add(3*time.Hour), nil)
}

func TestTerminalStatusesRejectTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	setups := map[string]func(id string) error{
		models.StatusSubmitted: func(id string) error {
			_, err := f.scheduler.SubmitScheduledApplicationNow(ctx, "u1", id)
			return err
		},
		models.StatusCancelled: func(id string) error {
			_, err := f.scheduler.CancelApplicationSchedule(ctx, "u1", id)
			return err
		},
		models.StatusExpired: func(id string) error {
			_, err := f.scheduler.Schedules.MarkExpired(ctx, id, baseTime.Add(10*time.Hour))
			return err
		},
	}
	for status, setup := range setups {
		job := f.createJob(t, "u1", "Acme", "Role "+status)
		sch := f.schedule(t, "u1", job.ID, baseTime.Add(time.Hour), ptr(baseTime.Add(2*time.Hour)))
		if err := setup(sch.ID); err != nil {
			t.Fatalf("%s: setup: %v", status, err)
		}

		_, err := f.scheduler.RescheduleApplicationSchedule(ctx, "u1", sch.ID, &dtos.RescheduleRequest{ScheduledAt: ptr(baseTime.Add(90 * time.Minute))})
		if !errors.Is(err, apperr.ErrInvalidStateTransition) {
			t.Errorf("%s: reschedule err = %v", status, err)
		}
		if _, err := f.scheduler.CancelApplicationSchedule(ctx, "u1", sch.ID); !errors.Is(err, apperr.ErrInvalidStateTransition) {
			t.Errorf("%s: cancel err = %v", status, err)
		}
		if _, err := f.scheduler.SubmitScheduledApplicationNow(ctx, "u1", sch.ID); !errors.Is(err, apperr.ErrInvalidStateTransition) {
			t.Errorf("%s: submit-now err = %v", status, err)
		}
		if got := f.reload(t, sch.ID).Status; got != status {
			t.Errorf("status = %s, want %s", got, status)
		}
	}
}

func TestTransitionsOnOtherUsersScheduleAreNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "u1", "Acme", "Backend Engineer")
	sch := f.schedule(t, "u1", job.ID, baseTime.Add(time.Hour), nil)

	if _, err := f.scheduler.SubmitScheduledApplicationNow(ctx, "u2", sch.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("submit-now err = %v", err)
	}
	if _, err := f.scheduler.CancelApplicationSchedule(ctx, "u2", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cancel err = %v", err)
	}
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "u1", "Acme", "Backend Engineer")
	sch := f.schedule(t, "u1", job.ID, baseTime.Add(time.Hour), ptr(baseTime.Add(5*time.Hour)))

	_, err := f.scheduler.RescheduleApplicationSchedule(ctx, "u1", sch.ID, &dtos.RescheduleRequest{ScheduledAt: ptr(baseTime.Add(6 * time.Hour))})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("past stored deadline: err = %v", err)
	}

	out, err := f.scheduler.RescheduleApplicationSchedule(ctx, "u1", sch.ID, &dtos.RescheduleRequest{
		Local:    &timeconv.LocalFields{Date: "2025-03-01", Hour: "9", Minute: "30", AMPM: "AM"},
		Timezone: "America/New_York",
	})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	// 09:30 EST is 14:30Z.
	if want := time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC); !out.ScheduledAt.Equal(want) {
		t.Fatalf("scheduled_at = %s, want %s", out.ScheduledAt, want)
	}
	if out.Timezone != "America/New_York" {
		t.Fatalf("timezone = %s", out.Timezone)
	}
	last := out.Audit[len(out.Audit)-1]
	if last.Event != models.EventRescheduled || last.Meta["from"] == nil || last.Meta["to"] == nil {
		t.Fatalf("audit = %+v", last)
	}
}

func TestSpringForwardScheduleSubmitNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, "u1", "Acme", "Backend Engineer")

	local := &timeconv.LocalFields{Date: "2025-03-09", Hour: "1", Minute: "30", AMPM: "AM"}
	sch, err := f.scheduler.CreateApplicationSchedule(ctx, "u1", &dtos.ScheduleRequest{
		JobID:             job.ID,
		Local:             local,
		Timezone:          "America/New_York",
		NotificationEmail: "me@example.com",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	back, err := timeconv.FromInstant(sch.ScheduledAt, "America/New_York")
	if err != nil {
		t.Fatalf("FromInstant: %v", err)
	}
	if back != *local {
		t.Fatalf("round trip = %+v, want %+v", back, *local)
	}

	out, err := f.scheduler.SubmitScheduledApplicationNow(ctx, "u1", sch.ID)
	if err != nil {
		t.Fatalf("submit-now: %v", err)
	}
	if out.Status != models.StatusSubmitted || out.SubmittedAt == nil {
		t.Fatalf("schedule = %+v", out)
	}
	if got := f.jobStatus(t, "u1", job.ID); got != models.JobApplied {
		t.Fatalf("job status = %s", got)
	}
	if f.notifier.count(notify.KindSubmitted) != 1 {
		t.Fatalf("submitted notifications = %d", f.notifier.count(notify.KindSubmitted))
	}
	if out.FollowUpPending {
		t.Fatal("follow-up still pending")
	}
}

func TestSubmitNowSurvivesNotifierFailure(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "u1", "Acme", "Backend Engineer")
	sch := f.schedule(t, "u1", job.ID, baseTime.Add(time.Hour), nil)
	f.notifier.setFail(errors.New("smtp down"))

	out, err := f.scheduler.SubmitScheduledApplicationNow(context.Background(), "u1", sch.ID)
	if err != nil {
		t.Fatalf("submit-now: %v", err)
	}
	if out.Status != models.StatusSubmitted || !out.FollowUpPending {
		t.Fatalf("schedule = %+v", out)
	}
}

func TestListApplicationSchedulesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	late := f.schedule(t, "u1", f.createJob(t, "u1", "A", "One").ID, baseTime.Add(3*time.Hour), nil)
	early := f.schedule(t, "u1", f.createJob(t, "u1", "B", "Two").ID, baseTime.Add(time.Hour), nil)
	f.schedule(t, "u2", f.createJob(t, "u2", "C", "Three").ID, baseTime.Add(2*time.Hour), nil)

	got, err := f.scheduler.ListApplicationSchedules(ctx, "u1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != early.ID || got[1].ID != late.ID {
		t.Fatalf("list = %+v", got)
	}
	if _, err := f.scheduler.ListApplicationSchedules(ctx, "u1", "bogus"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("bad status err = %v", err)
	}
}

func TestSubmissionTimeStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	add := func(title, jobStatus string, at time.Time, deadline *time.Time) {
		t.Helper()
		job, err := f.jobs.CreateJob(ctx, "u1", &dtos.JobCreationRequest{CompanyName: "Acme", Title: title, Status: jobStatus})
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		sch := &models.ApplicationSchedule{
			UserID:      "u1",
			JobID:       job.ID,
			ScheduledAt: at,
			Timezone:    "UTC",
			SubmittedAt: &at,
			DeadlineAt:  deadline,
			Status:      models.StatusSubmitted,
		}
		if err := f.scheduler.Schedules.Create(ctx, sch); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	nine := time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	add("One", models.JobInterview, nine, ptr(nine.Add(72*time.Hour)))
	add("Two", models.JobInterview, nine.Add(24*time.Hour), ptr(nine.Add(24*time.Hour+24*time.Hour)))
	add("Three", models.JobApplied, nine.Add(48*time.Hour), nil)
	add("Four", models.JobRejected, time.Date(2025, 2, 10, 22, 0, 0, 0, time.UTC), nil)

	stats, err := f.scheduler.GetSubmissionTimeStats(ctx, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSubmitted != 4 {
		t.Fatalf("total = %d", stats.TotalSubmitted)
	}
	if stats.BestTimeWindow != "Morning" || stats.BestRate != 66.7 {
		t.Fatalf("best = %s %.1f", stats.BestTimeWindow, stats.BestRate)
	}
	// (3 days + 1 day) / 2
	if stats.AvgDaysEarly != 2 {
		t.Fatalf("avg days early = %v", stats.AvgDaysEarly)
	}
	want := map[string][3]float64{
		"Morning":   {3, 2, 66.7},
		"Afternoon": {0, 0, 0},
		"Evening":   {0, 0, 0},
		"Night":     {1, 0, 0},
	}
	for _, b := range stats.Buckets {
		w := want[b.Name]
		if float64(b.Submitted) != w[0] || float64(b.Responses) != w[1] || b.SuccessRate != w[2] {
			t.Errorf("%s = %+v, want %v", b.Name, b, w)
		}
	}
}

func TestSubmissionTimeStatsEmpty(t *testing.T) {
	f := newFixture(t)
	stats, err := f.scheduler.GetSubmissionTimeStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSubmitted != 0 || stats.BestTimeWindow != "" || len(stats.Buckets) != 4 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestBucketIndex(t *testing.T) {
	tests := map[int]string{0: "Night", 4: "Night", 5: "Morning", 11: "Morning", 12: "Afternoon", 16: "Afternoon", 17: "Evening", 20: "Evening", 21: "Night", 23: "Night"}
	for hour, want := range tests {
		if got := submissionBuckets[bucketIndex(hour)].name; got != want {
			t.Errorf("hour %d: %s, want %s", hour, got, want)
		}
	}
}

func TestEligibleJobsExcludeScheduledAndApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.createJob(t, "u1", "Acme", "Open")
	scheduled := f.createJob(t, "u1", "Acme", "Scheduled")
	f.schedule(t, "u1", scheduled.ID, baseTime.Add(time.Hour), nil)
	if _, err := f.jobs.CreateJob(ctx, "u1", &dtos.JobCreationRequest{CompanyName: "Acme", Title: "Done", Status: models.JobApplied}); err != nil {
		t.Fatal(err)
	}

	got, err := f.scheduler.ListEligibleJobsForScheduler(ctx, "u1")
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != open.ID {
		t.Fatalf("eligible = %+v", got)
	}
}
