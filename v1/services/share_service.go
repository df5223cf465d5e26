package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gov-dx-sandbox/databridge/pkg/monitoring"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"gorm.io/gorm"
)

const defaultAccessAction = "read"

// ShareService owns the DataShare lifecycle and token-gated access.
type ShareService struct {
	db     *gorm.DB
	audit  *AuditTrailWriter
	tokens *TokenService
	now    func() time.Time
}

// NewShareService creates a new share service
func NewShareService(db *gorm.DB, audit *AuditTrailWriter, tokens *TokenService) *ShareService {
	return &ShareService{
		db:     db,
		audit:  audit,
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateShare materializes the grant of an approved request and mints its token.
// The raw token is returned only here.
func (s *ShareService) CreateShare(ctx context.Context, sharer models.CallerIdentity, in models.CreateShareInput) (*models.CreateShareResponse, error) {
	if strings.TrimSpace(in.RequestID) == "" {
		return nil, fmt.Errorf("%w: relatedRequest is required", models.ErrValidation)
	}
	if err := in.AccessRestrictions.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	var share *models.DataShare
	var rawToken string

	err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
		var req models.DataRequest
		if err := loadRequest(tx, in.RequestID, &req); err != nil {
			return err
		}
		if req.Owner != sharer.ID {
			return fmt.Errorf("%w: only the data owner may share request %s", models.ErrForbidden, req.ID)
		}
		if req.Status != models.RequestApproved {
			return fmt.Errorf("%w: request %s is %s, not approved", models.ErrPrecondition, req.ID, req.Status)
		}
		if !req.PatientConsent {
			return fmt.Errorf("%w: request %s has no patient consent", models.ErrPrecondition, req.ID)
		}
		if !now.Before(req.ValidUntil) {
			return fmt.Errorf("%w: request %s is past its validity window", models.ErrPrecondition, req.ID)
		}

		var existing int64
		if err := tx.Model(&models.DataShare{}).Where("related_request = ?", req.ID).Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check existing shares: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: request %s already has a share", models.ErrDuplicateShare, req.ID)
		}

		draft, err := buildShare(&req, sharer, in, now)
		if err != nil {
			return err
		}

		token, record, err := s.tokens.Issue(ctx, tx, draft.ID, draft.AccessRestrictions, draft.ExpiryDate, now)
		if err != nil {
			return err
		}
		draft.TokenPrefix = record.Prefix

		if err := tx.Create(draft).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: request %s already has a share", models.ErrDuplicateShare, req.ID)
			}
			return fmt.Errorf("failed to create data share: %w", err)
		}

		share = draft
		rawToken = token
		return j.add(shareEntry(draft, models.ActionShare, sharer.ID, req.Purpose, "", now))
	})
	if err != nil {
		monitoring.RecordBusinessEvent("share_create", "failure")
		return nil, err
	}

	monitoring.RecordBusinessEvent("share_create", "success")
	slog.Info("Data share created", "shareId", share.ID, "requestId", share.RelatedRequest, "recipient", share.Recipient, "tokenPrefix", share.TokenPrefix)
	return &models.CreateShareResponse{DataShare: share, AccessToken: rawToken}, nil
}

func buildShare(req *models.DataRequest, sharer models.CallerIdentity, in models.CreateShareInput, now time.Time) (*models.DataShare, error) {
	recipient := strings.TrimSpace(in.Recipient)
	if recipient == "" {
		recipient = req.Requester
	}
	if recipient != req.Requester {
		return nil, fmt.Errorf("%w: recipient must be the requester of %s", models.ErrValidation, req.ID)
	}

	dataShared := dedupe(in.DataShared)
	if len(dataShared) == 0 {
		dataShared = slices.Clone(req.DataRequested)
	}
	for _, field := range dataShared {
		if !slices.Contains(req.DataRequested, field) {
			return nil, fmt.Errorf("%w: %q was not requested", models.ErrValidation, field)
		}
	}

	expiry := req.ValidUntil
	if in.ExpiryDate != nil {
		expiry = in.ExpiryDate.UTC()
	}
	if !expiry.After(now) {
		return nil, fmt.Errorf("%w: expiryDate must be in the future", models.ErrValidation)
	}
	if expiry.After(req.ValidUntil) {
		return nil, fmt.Errorf("%w: expiryDate cannot exceed the request's validUntil", models.ErrValidation)
	}

	restrictions := in.AccessRestrictions
	var maxCount *int
	if restrictions.MaxAccessCount != nil {
		v := *restrictions.MaxAccessCount
		maxCount = &v
	}

	return &models.DataShare{
		ID:                 uuid.NewString(),
		Sharer:             sharer.ID,
		Recipient:          recipient,
		DataShared:         dataShared,
		RelatedRequest:     req.ID,
		Status:             models.ShareActive,
		SharedDate:         now,
		ExpiryDate:         expiry,
		AccessRestrictions: restrictions,
		MaxAccessCount:     maxCount,
	}, nil
}

// RecordAccess validates the token and records one use of the share.
// The counter is incremented with a guarded UPDATE so concurrent uses cannot pass the cap.
// Failed attempts are journaled as access_denied.
func (s *ShareService) RecordAccess(ctx context.Context, in models.AccessRequest) (*models.AccessResponse, error) {
	now := s.now()
	action := strings.TrimSpace(in.Action)
	if action == "" {
		action = defaultAccessAction
	}
	if err := models.CheckLength("action", action, models.MaxActionLength); err != nil {
		return nil, err
	}

	var resp *models.AccessResponse
	var resolvedShareID string

	err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
		share, err := s.tokens.validate(tx, in.Token, in.Caller, now)
		if share != nil {
			resolvedShareID = share.ID
		}
		if err != nil {
			return err
		}
		if in.ShareID != "" && share.ID != in.ShareID {
			return fmt.Errorf("%w: access token is not valid for share %s", models.ErrTokenInvalid, in.ShareID)
		}

		q := tx.Model(&models.DataShare{}).Where("id = ? AND status = ?", share.ID, models.ShareActive)
		if share.MaxAccessCount != nil {
			q = q.Where("access_count < max_access_count")
		}
		res := q.Updates(map[string]interface{}{
			"access_count": gorm.Expr("access_count + 1"),
			"updated_at":   now,
		})
		if res.Error != nil {
			return fmt.Errorf("failed to record access on share %s: %w", share.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return classifyLostIncrement(tx, share.ID)
		}
		if err := tx.Where("id = ?", share.ID).First(share).Error; err != nil {
			return fmt.Errorf("failed to reload share %s: %w", share.ID, err)
		}

		event := &models.AccessEvent{
			ShareID:   share.ID,
			Timestamp: now,
			IPAddress: in.Caller.IPAddress,
			Caller:    in.Caller.ID,
			Action:    action,
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to append access log: %w", err)
		}

		if err := tx.Model(&models.DataRequest{}).
			Where("id = ? AND status = ?", share.RelatedRequest, models.RequestApproved).
			Updates(map[string]interface{}{
				"access_count":     gorm.Expr("access_count + 1"),
				"last_accessed_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to update request access bookkeeping: %w", err)
		}

		detail := fmt.Sprintf("action=%s ip=%s", action, in.Caller.IPAddress)
		if err := j.add(shareEntry(share, models.ActionAccess, in.Caller.ID, "", detail, now)); err != nil {
			return err
		}

		exhausted := share.MaxAccessCount != nil && share.AccessCount >= *share.MaxAccessCount
		if exhausted || !now.Before(share.ExpiryDate) {
			reason := "expiry date passed"
			if exhausted {
				reason = "access limit reached"
			}
			expired, err := expireShareTx(tx, j, share, reason, now)
			if err != nil {
				return err
			}
			if expired {
				slog.Info("Data share expired on access", "shareId", share.ID, "reason", reason)
			}
		}

		resp = &models.AccessResponse{
			ShareID:     share.ID,
			Status:      share.Status,
			AccessCount: share.AccessCount,
			DataShared:  share.DataShared,
			AccessedAt:  now,
		}
		if share.MaxAccessCount != nil {
			remaining := *share.MaxAccessCount - share.AccessCount
			resp.Remaining = &remaining
		}
		return nil
	})
	if err != nil {
		if models.IsAccessFailure(err) {
			s.recordDenied(ctx, in, resolvedShareID, action, err, now)
		}
		monitoring.RecordBusinessEvent("share_access", string(models.KindOf(err)))
		return nil, err
	}

	monitoring.RecordBusinessEvent("share_access", "success")
	return resp, nil
}

// classifyLostIncrement explains why the guarded increment matched no row.
func classifyLostIncrement(tx *gorm.DB, shareID string) error {
	var current models.DataShare
	if err := tx.Where("id = ?", shareID).First(&current).Error; err != nil {
		return fmt.Errorf("failed to reload share %s: %w", shareID, err)
	}
	switch {
	case current.Status == models.ShareRevoked:
		return fmt.Errorf("%w: share %s has been revoked", models.ErrTokenInvalid, shareID)
	case current.MaxAccessCount != nil && current.AccessCount >= *current.MaxAccessCount:
		return fmt.Errorf("%w: %d of %d accesses used", models.ErrAccessExhausted, current.AccessCount, *current.MaxAccessCount)
	default:
		return fmt.Errorf("%w: share %s is %s", models.ErrTokenExpired, shareID, current.Status)
	}
}

func (s *ShareService) recordDenied(ctx context.Context, in models.AccessRequest, resolvedShareID, action string, cause error, now time.Time) {
	shareID := resolvedShareID
	if shareID == "" {
		shareID = in.ShareID
	}
	if shareID == "" {
		slog.Warn("Access attempt with unresolvable token", "caller", in.Caller.ID, "ip", in.Caller.IPAddress, "reason", models.KindOf(cause))
		return
	}

	err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
		var share models.DataShare
		if err := tx.Where("id = ?", shareID).First(&share).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				share = models.DataShare{ID: shareID}
			} else {
				return err
			}
		}
		detail := fmt.Sprintf("action=%s ip=%s reason=%s", action, in.Caller.IPAddress, models.KindOf(cause))
		return j.add(shareEntry(&share, models.ActionAccessDenied, in.Caller.ID, "", detail, now))
	})
	if err != nil {
		slog.Error("Failed to journal denied access", "shareId", shareID, "error", err)
		return
	}
	slog.Warn("Share access denied", "shareId", shareID, "caller", in.Caller.ID, "ip", in.Caller.IPAddress, "reason", models.KindOf(cause))
}

// Revoke withdraws an active share and invalidates its token. Only the sharer may revoke.
func (s *ShareService) Revoke(ctx context.Context, shareID string, actor models.CallerIdentity, reason string) (*models.DataShare, error) {
	if err := models.CheckLength("reason", strings.TrimSpace(reason), models.MaxNoteLength); err != nil {
		return nil, err
	}
	now := s.now()
	var share models.DataShare

	err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
		if err := loadShare(tx, shareID, &share); err != nil {
			return err
		}
		if share.Sharer != actor.ID {
			return fmt.Errorf("%w: only the sharer may revoke share %s", models.ErrForbidden, shareID)
		}
		if share.Status != models.ShareActive {
			return fmt.Errorf("%w: share %s is %s, not active", models.ErrStateConflict, shareID, share.Status)
		}
		revoked, err := revokeShareTx(ctx, tx, j, s.tokens, &share, actor.ID, strings.TrimSpace(reason), now)
		if err != nil {
			return err
		}
		if !revoked {
			return fmt.Errorf("%w: share %s is no longer active", models.ErrStateConflict, shareID)
		}
		return nil
	})
	if err != nil {
		monitoring.RecordBusinessEvent("share_revoke", "failure")
		return nil, err
	}

	monitoring.RecordBusinessEvent("share_revoke", "success")
	slog.Info("Data share revoked", "shareId", shareID, "actor", actor.ID)
	return &share, nil
}

// SweepExpired expires active shares whose expiry date has passed.
func (s *ShareService) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC()
	var candidates []models.DataShare
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expiry_date < ?", models.ShareActive, now).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to find expired shares: %w", err)
	}

	var expired []string
	for i := range candidates {
		share := candidates[i]
		var changed bool
		err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
			var err error
			changed, err = expireShareTx(tx, j, &share, "expiry date passed", now)
			return err
		})
		if err != nil {
			return expired, err
		}
		if changed {
			expired = append(expired, share.ID)
			monitoring.RecordBusinessEvent("share_expire", "success")
		}
	}

	if len(expired) > 0 {
		slog.Info("Expired data shares", "count", len(expired))
	}
	return expired, nil
}

// GetShare returns a share with its access log and ledger transaction references.
func (s *ShareService) GetShare(ctx context.Context, shareID string) (*models.DataShareResponse, error) {
	var share models.DataShare
	db := s.db.WithContext(ctx)
	err := db.Preload("AccessLog", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("timestamp ASC").Order("id ASC")
	}).Where("id = ?", shareID).First(&share).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: data share %s", models.ErrNotFound, shareID)
		}
		return nil, fmt.Errorf("failed to load data share %s: %w", shareID, err)
	}
	txs, err := ledgerTransactions(db, models.EntityShare, shareID)
	if err != nil {
		return nil, err
	}
	return &models.DataShareResponse{DataShare: &share, LedgerTransactions: txs}, nil
}

// ListShares returns shares matching filter, newest first.
func (s *ShareService) ListShares(ctx context.Context, filter models.ShareFilter) (*models.DataShareListResponse, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, filter.Status)
	}
	limit, offset := normalizePage(filter.Limit, filter.Offset)

	q := s.db.WithContext(ctx).Model(&models.DataShare{})
	if filter.Sharer != "" {
		q = q.Where("sharer = ?", filter.Sharer)
	}
	if filter.Recipient != "" {
		q = q.Where("recipient = ?", filter.Recipient)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count data shares: %w", err)
	}
	shares := []models.DataShare{}
	if err := q.Order("shared_date DESC").Order("id").Limit(limit).Offset(offset).Find(&shares).Error; err != nil {
		return nil, fmt.Errorf("failed to list data shares: %w", err)
	}
	return &models.DataShareListResponse{Shares: shares, Total: total, Limit: limit, Offset: offset}, nil
}

// revokeShareTx swaps an active share to revoked, invalidates its token and journals it.
// It reports false when the share was no longer active.
func revokeShareTx(ctx context.Context, tx *gorm.DB, j *journal, tokens *TokenService, share *models.DataShare, actor, reason string, now time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     models.ShareRevoked,
		"revoked_at": now,
		"updated_at": now,
	}
	if reason != "" {
		updates["revocation_reason"] = reason
	}
	res := tx.Model(&models.DataShare{}).Where("id = ? AND status = ?", share.ID, models.ShareActive).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to revoke share %s: %w", share.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err := tokens.InvalidateForShare(ctx, tx, share.ID, now); err != nil {
		return false, err
	}

	share.Status = models.ShareRevoked
	share.RevokedAt = &now
	if reason != "" {
		share.RevocationReason = &reason
	}
	return true, j.add(shareEntry(share, models.ActionRevoke, actor, "", reason, now))
}

// expireShareTx swaps an active share to expired and journals it.
func expireShareTx(tx *gorm.DB, j *journal, share *models.DataShare, reason string, now time.Time) (bool, error) {
	res := tx.Model(&models.DataShare{}).Where("id = ? AND status = ?", share.ID, models.ShareActive).
		Updates(map[string]interface{}{
			"status":     models.ShareExpired,
			"expired_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to expire share %s: %w", share.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	share.Status = models.ShareExpired
	share.ExpiredAt = &now
	return true, j.add(shareEntry(share, models.ActionExpire, models.SystemActor, "", reason, now))
}

func loadShare(tx *gorm.DB, id string, share *models.DataShare) error {
	if err := tx.Where("id = ?", id).First(share).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: data share %s", models.ErrNotFound, id)
		}
		return fmt.Errorf("failed to load data share %s: %w", id, err)
	}
	return nil
}

func shareEntry(share *models.DataShare, action models.AuditAction, actor, purpose, detail string, at time.Time) models.AuditEntry {
	target := share.Recipient
	if actor == share.Recipient {
		target = share.Sharer
	}
	return models.AuditEntry{
		EntityType: models.EntityShare,
		EntityID:   share.ID,
		Action:     action,
		Actor:      actor,
		Target:     target,
		DataTypes:  share.DataShared,
		Purpose:    purpose,
		Detail:     detail,
		Timestamp:  at,
	}
}
