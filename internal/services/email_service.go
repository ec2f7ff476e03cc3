package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/dtos"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Forwarded application confirmations from the last week.
const gmailQuery = `subject:(application OR applying OR applied OR "thank you") newer_than:7d`

// EmailService watches the inbox users forward application confirmations to
// and feeds every new message to the importer as an email_forward event.
type EmailService struct {
	DB          *gorm.DB
	Importer    *ImportService
	GmailClient *gmail.Service
	Log         *zap.Logger

	// Owner of the applications found in this mailbox.
	UserID   string
	Interval time.Duration

	cron *cron.Cron
}

func NewEmailService(db *gorm.DB, importer *ImportService, gmailClient *gmail.Service, log *zap.Logger, userID string, interval time.Duration) *EmailService {
	return &EmailService{
		DB:          db,
		Importer:    importer,
		GmailClient: gmailClient,
		Log:         log,
		UserID:      userID,
		Interval:    interval,
	}
}

// StartWatcher syncs once, then every Interval until ctx is cancelled.
func (s *EmailService) StartWatcher(ctx context.Context) error {
	if s.GmailClient == nil {
		s.Log.Warn("gmail watcher disabled: no client")
		return nil
	}
	if s.UserID == "" {
		return errors.New("gmail watcher needs GMAIL_USER_ID")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("gmail poll interval must be positive, got %s", s.Interval)
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(s.Log.Named("cron")))
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	job := cron.FuncJob(func() {
		if err := s.SyncEmails(ctx); err != nil {
			s.Log.Error("email sync failed", zap.Error(err))
		}
	})
	s.cron.Schedule(cron.Every(s.Interval), job)
	s.cron.Start()
	go job.Run()
	s.Log.Info("gmail watcher started", zap.Duration("interval", s.Interval), zap.String("user_id", s.UserID))

	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
	return nil
}

// SyncEmails imports every message added since the stored history bookmark.
func (s *EmailService) SyncEmails(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cursor := models.MailboxCursor{Mailbox: s.UserID}
	if err := s.DB.WithContext(ctx).Where(models.MailboxCursor{Mailbox: s.UserID}).FirstOrCreate(&cursor).Error; err != nil {
		return fmt.Errorf("load mailbox cursor: %w", err)
	}

	var (
		messages     []*gmail.Message
		newHistoryID uint64
		err          error
	)
	if cursor.LastHistoryID == 0 {
		s.Log.Info("first run, bootstrapping with a full sync")
		messages, newHistoryID, err = s.performFullSync(ctx)
	} else {
		messages, newHistoryID, err = s.performIncrementalSync(ctx, cursor.LastHistoryID)
		// Google drops old history; start over from a full sync
		if err != nil && isHistoryExpiredError(err) {
			s.Log.Warn("history id expired, falling back to full sync", zap.Uint64("history_id", cursor.LastHistoryID))
			messages, newHistoryID, err = s.performFullSync(ctx)
		}
	}
	if err != nil {
		return err
	}

	imported := 0
	for _, msg := range messages {
		done, err := s.alreadyProcessed(ctx, msg.Id)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := s.processSingleEmail(ctx, msg); err != nil {
			// Leave it unprocessed so the next full sync tries again.
			s.Log.Error("email import failed", zap.String("message_id", msg.Id), zap.Error(err))
			continue
		}
		imported++
		if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.ProcessedEmail{ID: msg.Id}).Error; err != nil {
			return fmt.Errorf("mark email processed: %w", err)
		}
	}

	if newHistoryID > cursor.LastHistoryID {
		if err := s.DB.WithContext(ctx).Model(&cursor).Update("last_history_id", newHistoryID).Error; err != nil {
			return fmt.Errorf("save mailbox cursor: %w", err)
		}
	}
	if len(messages) > 0 {
		s.Log.Info("email sync finished", zap.Int("candidates", len(messages)), zap.Int("processed", imported), zap.Uint64("history_id", newHistoryID))
	}
	return nil
}

func (s *EmailService) alreadyProcessed(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.ProcessedEmail{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// performFullSync scans the last 7 days and resets the history bookmark.
func (s *EmailService) performFullSync(ctx context.Context) ([]*gmail.Message, uint64, error) {
	var resp *gmail.ListMessagesResponse
	err := s.retry(ctx, 3, time.Second, func() error {
		var e error
		resp, e = s.GmailClient.Users.Messages.List("me").Q(gmailQuery).MaxResults(50).Context(ctx).Do()
		return e
	})
	if err != nil {
		return nil, 0, err
	}

	// The profile's current history id is the new anchor
	profile, err := s.GmailClient.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, 0, err
	}
	return s.expandMessages(ctx, resp.Messages), profile.HistoryId, nil
}

// performIncrementalSync asks only for messages added since startID.
func (s *EmailService) performIncrementalSync(ctx context.Context, startID uint64) ([]*gmail.Message, uint64, error) {
	var resp *gmail.ListHistoryResponse
	err := s.retry(ctx, 3, time.Second, func() error {
		var e error
		resp, e = s.GmailClient.Users.History.List("me").
			StartHistoryId(startID).
			HistoryTypes("messageAdded").
			Context(ctx).
			Do()
		return e
	})
	if err != nil {
		return nil, 0, err
	}

	var headers []*gmail.Message
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				headers = append(headers, added.Message)
			}
		}
	}
	return s.expandMessages(ctx, headers), resp.HistoryId, nil
}

// expandMessages fetches full headers and body for each listed message.
func (s *EmailService) expandMessages(ctx context.Context, headers []*gmail.Message) []*gmail.Message {
	var full []*gmail.Message
	for _, h := range headers {
		err := s.retry(ctx, 2, 500*time.Millisecond, func() error {
			msg, err := s.GmailClient.Users.Messages.Get("me", h.Id).Context(ctx).Do()
			if err == nil {
				full = append(full, msg)
			}
			return err
		})
		if err != nil {
			s.Log.Warn("fetch message failed", zap.String("message_id", h.Id), zap.Error(err))
		}
	}
	return full
}

// processSingleEmail imports one message. Messages that are not recognisable
// applications are skipped without error.
func (s *EmailService) processSingleEmail(ctx context.Context, msg *gmail.Message) error {
	ev := importEventFromMessage(msg)
	res, err := s.Importer.ImportApplicationEvent(ctx, s.UserID, ev)
	if errors.Is(err, apperr.ErrValidation) {
		s.Log.Info("email skipped", zap.String("message_id", msg.Id), zap.String("subject", ev.EmailSubject), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	if res.Deduped {
		s.Log.Debug("email deduplicated", zap.String("message_id", msg.Id), zap.String("reason", res.Reason))
	}
	return nil
}

func importEventFromMessage(msg *gmail.Message) *dtos.ImportEvent {
	headers := parseHeaders(msg)
	ev := &dtos.ImportEvent{
		Platform:      "gmail",
		MessageID:     msg.Id,
		EmailFrom:     headers["from"],
		EmailSubject:  headers["subject"],
		EmailBodyText: getEmailBody(msg),
		SourceType:    models.SourceEmailForward,
	}
	if msg.InternalDate > 0 {
		at := time.UnixMilli(msg.InternalDate).UTC()
		ev.AppliedAt = &at
	}
	return ev
}

// retry runs f with exponential backoff. A 404 fails fast so the caller can
// fall back to a full sync.
func (s *EmailService) retry(ctx context.Context, attempts int, sleep time.Duration, f func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = f(); err == nil {
			return nil
		}
		if isHistoryExpiredError(err) {
			return err
		}
		s.Log.Warn("gmail api error, retrying", zap.Duration("backoff", sleep), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		sleep *= 2
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

func isHistoryExpiredError(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == 404
}

// parseHeaders returns the message headers keyed by lowercased name.
func parseHeaders(msg *gmail.Message) map[string]string {
	res := make(map[string]string)
	if msg.Payload == nil {
		return res
	}
	for _, h := range msg.Payload.Headers {
		res[strings.ToLower(h.Name)] = h.Value
	}
	return res
}

func getEmailBody(msg *gmail.Message) string {
	if msg.Payload == nil {
		return ""
	}
	if msg.Payload.Body != nil && msg.Payload.Body.Data != "" {
		return decodeBody(msg.Payload.Body.Data)
	}
	for _, mime := range []string{"text/plain", "text/html"} {
		for _, part := range msg.Payload.Parts {
			if part.MimeType == mime && part.Body != nil && part.Body.Data != "" {
				return decodeBody(part.Body.Data)
			}
		}
	}
	return ""
}

// Gmail bodies are base64url, usually without padding.
func decodeBody(data string) string {
	d, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(d)
}
