// Package notify delivers schedule notifications. Delivery is best effort:
// callers log failures and retry on a later sweep, and a failed send never
// undoes the state change that triggered it.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindReminder  Kind = "reminder"
	KindSubmitted Kind = "submitted"
	KindExpired   Kind = "expired"
)

// Notification is the message handed to the mail transport.
type Notification struct {
	Kind       Kind       `json:"kind"`
	UserID     string     `json:"user_id"`
	ScheduleID string     `json:"schedule_id"`
	JobID      uint       `json:"job_id"`
	Email      string     `json:"email"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	Window     string     `json:"window,omitempty"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
	SentAt     time.Time  `json:"sent_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. Used when no broker is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{Log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Log.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("user_id", n.UserID),
		zap.String("schedule_id", n.ScheduleID),
		zap.Uint("job_id", n.JobID),
		zap.String("email", n.Email),
		zap.String("subject", n.Subject),
		zap.String("window", n.Window),
	)
	return nil
}
