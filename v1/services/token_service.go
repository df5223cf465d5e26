package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gov-dx-sandbox/databridge/v1/models"
	"gorm.io/gorm"
)

const (
	tokenPrefix      = "dbt_"
	tokenEntropy     = 32
	tokenDisplayKeep = 12
)

// TokenService issues, validates and invalidates share access tokens.
// Only a SHA-256 of each token is stored.
type TokenService struct {
	db *gorm.DB
}

// NewTokenService creates a new token service
func NewTokenService(db *gorm.DB) *TokenService {
	return &TokenService{db: db}
}

// Issue mints a token bound to shareID with a snapshot of restrictions.
// tx may be nil to use the service connection.
func (s *TokenService) Issue(ctx context.Context, tx *gorm.DB, shareID string, restrictions models.AccessRestrictions, expiry, now time.Time) (string, *models.AccessToken, error) {
	raw, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	record := &models.AccessToken{
		TokenHash:    hashToken(raw),
		Prefix:       raw[:tokenDisplayKeep],
		ShareID:      shareID,
		Restrictions: restrictions,
		ExpiryDate:   expiry.UTC(),
		IssuedAt:     now.UTC(),
	}
	if err := s.conn(ctx, tx).Create(record).Error; err != nil {
		return "", nil, fmt.Errorf("failed to store access token: %w", err)
	}
	return raw, record, nil
}

// Validate resolves token to its share and checks every restriction. It never mutates state.
func (s *TokenService) Validate(ctx context.Context, token string, caller models.CallerIdentity, now time.Time) (*models.DataShare, error) {
	return s.validate(s.db.WithContext(ctx), token, caller, now)
}

// validate returns the resolved share alongside a failure whenever the token maps to one,
// so the caller can attribute the failed access.
func (s *TokenService) validate(tx *gorm.DB, token string, caller models.CallerIdentity, now time.Time) (*models.DataShare, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: access token is required", models.ErrTokenInvalid)
	}

	var record models.AccessToken
	if err := tx.Where("token_hash = ?", hashToken(token)).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown access token", models.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("failed to look up access token: %w", err)
	}

	var share models.DataShare
	if err := tx.Where("id = ?", record.ShareID).First(&share).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: access token is not bound to a share", models.ErrTokenInvalid)
		}
		return nil, fmt.Errorf("failed to load share: %w", err)
	}

	if record.InvalidatedAt != nil || share.Status == models.ShareRevoked {
		return &share, fmt.Errorf("%w: access token has been invalidated", models.ErrTokenInvalid)
	}
	if now.After(record.ExpiryDate) {
		return &share, fmt.Errorf("%w: access token expired at %s", models.ErrTokenExpired, record.ExpiryDate.Format(time.RFC3339))
	}
	if !record.Restrictions.AllowsAddress(caller.IPAddress) {
		return &share, fmt.Errorf("%w: address %s is not allowed", models.ErrAccessDenied, caller.IPAddress)
	}
	if !record.Restrictions.AllowsTime(now) {
		return &share, fmt.Errorf("%w: access outside the allowed time window", models.ErrAccessDenied)
	}
	if limit := record.Restrictions.MaxAccessCount; limit != nil && share.AccessCount >= *limit {
		return &share, fmt.Errorf("%w: %d of %d accesses used", models.ErrAccessExhausted, share.AccessCount, *limit)
	}
	if share.Status != models.ShareActive {
		return &share, fmt.Errorf("%w: share is %s", models.ErrTokenExpired, share.Status)
	}

	return &share, nil
}

// Invalidate marks a token permanently unusable. Invalidating twice is not an error.
func (s *TokenService) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: access token is required", models.ErrValidation)
	}
	res := s.db.WithContext(ctx).Model(&models.AccessToken{}).
		Where("token_hash = ? AND invalidated_at IS NULL", hashToken(token)).
		Update("invalidated_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("failed to invalidate access token: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		slog.Info("Access token invalidated", "prefix", safePrefix(token))
	}
	return nil
}

// InvalidateForShare invalidates the token bound to shareID inside tx.
func (s *TokenService) InvalidateForShare(ctx context.Context, tx *gorm.DB, shareID string, at time.Time) error {
	err := s.conn(ctx, tx).Model(&models.AccessToken{}).
		Where("share_id = ? AND invalidated_at IS NULL", shareID).
		Update("invalidated_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to invalidate token for share %s: %w", shareID, err)
	}
	return nil
}

func (s *TokenService) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}

func generateToken() (string, error) {
	buf := make([]byte, tokenEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func safePrefix(token string) string {
	if len(token) <= tokenDisplayKeep {
		return token
	}
	return token[:tokenDisplayKeep]
}
