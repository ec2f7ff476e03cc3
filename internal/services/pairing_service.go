package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/justsurfingit/apply-scheduler/internal/apperr"
	"github.com/justsurfingit/apply-scheduler/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PairingStatus is what the web app polls while the user types the code
// into the extension.
type PairingStatus struct {
	PairingID  string     `json:"pairing_id"`
	DeviceName string     `json:"device_name"`
	Completed  bool       `json:"completed"`
	Expired    bool       `json:"expired"`
	ExpiresAt  time.Time  `json:"expires_at"`
	PairedAt   *time.Time `json:"paired_at,omitempty"`
}

// PairingStart is returned once, to the authenticated user who started pairing.
type PairingStart struct {
	PairingID  string    `json:"pairing_id"`
	Code       string    `json:"code"`
	DeviceName string    `json:"device_name"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PairingCredential is returned once, to the extension that completed pairing.
type PairingCredential struct {
	Token      string `json:"token"`
	TokenID    string `json:"token_id"`
	UserID     string `json:"user_id"`
	DeviceName string `json:"device_name"`
}

// PairingService links browser extensions to accounts with short-lived,
// single-use codes, and resolves the bearer credentials it mints.
type PairingService struct {
	DB         *gorm.DB
	Log        *zap.Logger
	TTL        time.Duration
	CodeLength int
	// Wrong codes a session accepts before it is dead.
	MaxAttempts int
	Now         func() time.Time
}

func NewPairingService(db *gorm.DB, log *zap.Logger, ttl time.Duration, codeLength, maxAttempts int) *PairingService {
	if codeLength < 4 {
		codeLength = 6
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PairingService{
		DB:          db,
		Log:         log,
		TTL:         ttl,
		CodeLength:  codeLength,
		MaxAttempts: maxAttempts,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

func hashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomDigits(n int) (string, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

// StartExtensionPairing mints a pairing session for userID.
func (s *PairingService) StartExtensionPairing(ctx context.Context, userID, deviceName string) (*PairingStart, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		deviceName = "Browser extension"
	}
	if len(deviceName) > 100 {
		return nil, apperr.Validation("device_name is too long")
	}
	code, err := randomDigits(s.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("generate pairing code: %w", err)
	}
	sess := models.PairingSession{
		PairingID:  uuid.NewString(),
		UserID:     userID,
		CodeHash:   hashSecret(code),
		DeviceName: deviceName,
		ExpiresAt:  s.Now().Add(s.TTL),
	}
	if err := s.DB.WithContext(ctx).Create(&sess).Error; err != nil {
		return nil, err
	}
	s.Log.Info("pairing started", zap.String("pairing_id", sess.PairingID), zap.String("user_id", userID))
	return &PairingStart{
		PairingID:  sess.PairingID,
		Code:       code,
		DeviceName: deviceName,
		ExpiresAt:  sess.ExpiresAt,
	}, nil
}

// CompleteExtensionPairing exchanges a pairing code for a durable credential.
// Unknown, wrong, expired and already used codes all fail the same way. After
// MaxAttempts wrong codes the session accepts nothing, not even the right code.
func (s *PairingService) CompleteExtensionPairing(ctx context.Context, pairingID, code string) (*PairingCredential, error) {
	var sess models.PairingSession
	err := s.DB.WithContext(ctx).Where("pairing_id = ?", strings.TrimSpace(pairingID)).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Burn the same hash work as a real comparison.
		subtle.ConstantTimeCompare([]byte(hashSecret(code)), []byte(hashSecret("")))
		return nil, apperr.ErrPairingExpiredOrInvalid
	}
	if err != nil {
		return nil, err
	}

	now := s.Now()
	codeOK := subtle.ConstantTimeCompare([]byte(hashSecret(strings.TrimSpace(code))), []byte(sess.CodeHash)) == 1
	if sess.Completed || !now.Before(sess.ExpiresAt) || sess.FailedAttempts >= s.MaxAttempts {
		return nil, apperr.ErrPairingExpiredOrInvalid
	}
	if !codeOK {
		err := s.DB.WithContext(ctx).Model(&models.PairingSession{}).
			Where("pairing_id = ?", sess.PairingID).
			UpdateColumn("failed_attempts", gorm.Expr("failed_attempts + 1")).Error
		if err != nil {
			return nil, err
		}
		if sess.FailedAttempts+1 >= s.MaxAttempts {
			s.Log.Warn("pairing locked after failed attempts", zap.String("pairing_id", sess.PairingID), zap.Int("attempts", sess.FailedAttempts+1))
		}
		return nil, apperr.ErrPairingExpiredOrInvalid
	}

	raw, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	tok := models.ExtensionToken{
		ID:         uuid.NewString(),
		UserID:     sess.UserID,
		DeviceName: sess.DeviceName,
		TokenHash:  hashSecret(raw),
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PairingSession{}).
			Where("pairing_id = ? AND completed = ? AND failed_attempts < ?", sess.PairingID, false, s.MaxAttempts).
			Updates(map[string]any{"completed": true, "completed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrPairingExpiredOrInvalid
		}
		return tx.Create(&tok).Error
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info("pairing completed", zap.String("pairing_id", sess.PairingID), zap.String("token_id", tok.ID))
	return &PairingCredential{
		Token:      raw,
		TokenID:    tok.ID,
		UserID:     sess.UserID,
		DeviceName: sess.DeviceName,
	}, nil
}

// GetExtensionPairingStatus reports the state of userID's pairing session.
func (s *PairingService) GetExtensionPairingStatus(ctx context.Context, userID, pairingID string) (*PairingStatus, error) {
	var sess models.PairingSession
	err := s.DB.WithContext(ctx).Where("pairing_id = ? AND user_id = ?", pairingID, userID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("pairing %s: %w", pairingID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &PairingStatus{
		PairingID:  sess.PairingID,
		DeviceName: sess.DeviceName,
		Completed:  sess.Completed,
		Expired:    !sess.Completed && !s.Now().Before(sess.ExpiresAt),
		ExpiresAt:  sess.ExpiresAt,
		PairedAt:   sess.CompletedAt,
	}, nil
}

// ResolveToken returns the user a bearer token was minted for.
func (s *PairingService) ResolveToken(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", apperr.ErrUnauthorized
	}
	var tok models.ExtensionToken
	err := s.DB.WithContext(ctx).Where("token_hash = ?", hashSecret(raw)).First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperr.ErrUnauthorized
	}
	if err != nil {
		return "", err
	}
	now := s.Now()
	if err := s.DB.WithContext(ctx).Model(&tok).Update("last_used_at", now).Error; err != nil {
		s.Log.Warn("update token last_used_at failed", zap.String("token_id", tok.ID), zap.Error(err))
	}
	return tok.UserID, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ext_" + hex.EncodeToString(b), nil
}
