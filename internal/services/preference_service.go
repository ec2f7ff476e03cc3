package services

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PreferenceService struct {
	DB *gorm.DB
}

func NewPreferenceService(db *gorm.DB) *PreferenceService {
	return &PreferenceService{DB: db}
}

// GetDefaultNotificationEmail returns the user's default address, or "" when unset.
func (s *PreferenceService) GetDefaultNotificationEmail(ctx context.Context, userID string) (string, error) {
	var pref models.NotificationPreference
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return pref.Email, nil
}

// SetDefaultNotificationEmail stores the user's default address.
func (s *PreferenceService) SetDefaultNotificationEmail(ctx context.Context, userID, email string) (*models.NotificationPreference, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, apperr.Validation("invalid email %q", email)
	}
	pref := &models.NotificationPreference{UserID: userID, Email: addr.Address, UpdatedAt: time.Now().UTC()}
	err = s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
	}).Create(pref).Error
	if err != nil {
		return nil, err
	}
	return pref, nil
}
