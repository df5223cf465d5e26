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
	"github.com/gov-dx-sandbox/databridge/internal/config"
	"github.com/gov-dx-sandbox/databridge/pkg/monitoring"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// RequestService owns the DataRequest lifecycle.
type RequestService struct {
	db     *gorm.DB
	audit  *AuditTrailWriter
	tokens *TokenService
	enums  *config.DomainEnums
	now    func() time.Time
}

// NewRequestService creates a new request service
func NewRequestService(db *gorm.DB, audit *AuditTrailWriter, tokens *TokenService, enums *config.DomainEnums) *RequestService {
	if enums == nil {
		enums = config.GetDefaultEnums()
	}
	return &RequestService{
		db:     db,
		audit:  audit,
		tokens: tokens,
		enums:  enums,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest opens a pending request from requester to the owner of the data.
func (s *RequestService) CreateRequest(ctx context.Context, requester models.CallerIdentity, in models.CreateRequestInput) (*models.DataRequest, error) {
	now := s.now()
	if err := s.validateCreate(requester, in, now); err != nil {
		return nil, err
	}

	priority := in.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	req := &models.DataRequest{
		ID:             uuid.NewString(),
		Requester:      requester.ID,
		RequesterRole:  requester.Role,
		Owner:          strings.TrimSpace(in.Owner),
		OwnerRole:      in.OwnerRole,
		DataRequested:  dedupe(in.DataRequested),
		Purpose:        strings.TrimSpace(in.Purpose),
		Priority:       priority,
		Status:         models.RequestPending,
		RequestDate:    now,
		ValidUntil:     in.ValidUntil.UTC(),
	}

	err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("failed to create data request: %w", err)
		}
		return j.add(requestEntry(req, models.ActionCreate, requester.ID, "", now))
	})
	if err != nil {
		monitoring.RecordBusinessEvent("request_create", "failure")
		return nil, err
	}

	monitoring.RecordBusinessEvent("request_create", "success")
	slog.Info("Data request created", "requestId", req.ID, "requester", req.Requester, "owner", req.Owner, "priority", req.Priority)
	return req, nil
}

func (s *RequestService) validateCreate(requester models.CallerIdentity, in models.CreateRequestInput, now time.Time) error {
	if requester.ID == "" {
		return fmt.Errorf("%w: requester is required", models.ErrValidation)
	}
	if strings.TrimSpace(in.Owner) == "" {
		return fmt.Errorf("%w: owner is required", models.ErrValidation)
	}
	if in.Owner == requester.ID {
		return fmt.Errorf("%w: owner and requester must differ", models.ErrValidation)
	}
	if len(in.DataRequested) == 0 {
		return fmt.Errorf("%w: dataRequested cannot be empty", models.ErrValidation)
	}
	for _, field := range in.DataRequested {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("%w: dataRequested entries cannot be empty", models.ErrValidation)
		}
		if !s.enums.IsValidDataType(field) {
			return fmt.Errorf("%w: unknown data type %q", models.ErrValidation, field)
		}
	}
	if strings.TrimSpace(in.Purpose) == "" {
		return fmt.Errorf("%w: purpose is required", models.ErrValidation)
	}
	if err := models.CheckLength("owner", strings.TrimSpace(in.Owner), models.MaxIdentifierLength); err != nil {
		return err
	}
	if err := models.CheckLength("purpose", strings.TrimSpace(in.Purpose), models.MaxPurposeLength); err != nil {
		return err
	}
	if !in.ValidUntil.After(now) {
		return fmt.Errorf("%w: validUntil must be in the future", models.ErrValidation)
	}
	if in.Priority != "" && !in.Priority.IsValid() {
		return fmt.Errorf("%w: unknown priority %q", models.ErrValidation, in.Priority)
	}
	if !s.enums.IsValidRole(in.OwnerRole) {
		return fmt.Errorf("%w: unknown owner role %q", models.ErrValidation, in.OwnerRole)
	}
	return nil
}

// Approve moves a pending request to approved. Only the owner may approve,
// and consent must be on record or given with this call.
func (s *RequestService) Approve(ctx context.Context, requestID string, approver models.CallerIdentity, in models.ApproveRequestInput) (*models.DataRequest, error) {
	if in.Notes != nil {
		if err := models.CheckLength("notes", *in.Notes, models.MaxNoteLength); err != nil {
			return nil, err
		}
	}
	now := s.now()
	var req models.DataRequest

	err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
		if err := loadRequest(tx, requestID, &req); err != nil {
			return err
		}
		if req.Owner != approver.ID {
			return fmt.Errorf("%w: only the data owner may approve request %s", models.ErrForbidden, requestID)
		}
		if req.Status != models.RequestPending {
			return fmt.Errorf("%w: request %s is %s, not pending", models.ErrStateConflict, requestID, req.Status)
		}
		if !now.Before(req.ValidUntil) {
			return fmt.Errorf("%w: request %s is past its validity window", models.ErrStateConflict, requestID)
		}
		consent := req.PatientConsent || (in.PatientConsent != nil && *in.PatientConsent)
		if !consent {
			return fmt.Errorf("%w: patient consent is required before approval", models.ErrConsentMissing)
		}

		updates := map[string]interface{}{
			"status":          models.RequestApproved,
			"approved_at":     now,
			"patient_consent": true,
			"updated_by":      approver.ID,
			"updated_at":      now,
		}
		if in.Notes != nil {
			updates["approval_notes"] = *in.Notes
		}
		if err := casRequestStatus(tx, requestID, models.RequestPending, updates); err != nil {
			return err
		}

		req.Status = models.RequestApproved
		req.ApprovedAt = &now
		req.PatientConsent = true
		req.ApprovalNotes = in.Notes
		req.UpdatedBy = &approver.ID
		return j.add(requestEntry(&req, models.ActionApprove, approver.ID, "", now))
	})
	if err != nil {
		monitoring.RecordBusinessEvent("request_approve", "failure")
		return nil, err
	}

	monitoring.RecordBusinessEvent("request_approve", "success")
	slog.Info("Data request approved", "requestId", requestID, "approver", approver.ID)
	return &req, nil
}

// Reject moves a pending request to rejected. Only the owner may reject.
func (s *RequestService) Reject(ctx context.Context, requestID string, approver models.CallerIdentity, reason string) (*models.DataRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", models.ErrValidation)
	}
	if err := models.CheckLength("reason", reason, models.MaxNoteLength); err != nil {
		return nil, err
	}
	now := s.now()
	var req models.DataRequest

	err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
		if err := loadRequest(tx, requestID, &req); err != nil {
			return err
		}
		if req.Owner != approver.ID {
			return fmt.Errorf("%w: only the data owner may reject request %s", models.ErrForbidden, requestID)
		}
		if req.Status != models.RequestPending {
			return fmt.Errorf("%w: request %s is %s, not pending", models.ErrStateConflict, requestID, req.Status)
		}

		if err := casRequestStatus(tx, requestID, models.RequestPending, map[string]interface{}{
			"status":           models.RequestRejected,
			"rejected_at":      now,
			"rejection_reason": reason,
			"updated_by":       approver.ID,
			"updated_at":       now,
		}); err != nil {
			return err
		}

		req.Status = models.RequestRejected
		req.RejectedAt = &now
		req.RejectionReason = &reason
		req.UpdatedBy = &approver.ID
		return j.add(requestEntry(&req, models.ActionReject, approver.ID, reason, now))
	})
	if err != nil {
		monitoring.RecordBusinessEvent("request_reject", "failure")
		return nil, err
	}

	monitoring.RecordBusinessEvent("request_reject", "success")
	slog.Info("Data request rejected", "requestId", requestID, "approver", approver.ID)
	return &req, nil
}

// Revoke withdraws an approved request. Either party may revoke; every active share
// derived from the request is revoked in the same transaction.
func (s *RequestService) Revoke(ctx context.Context, requestID string, actor models.CallerIdentity, reason string) (*models.DataRequest, error) {
	reason = strings.TrimSpace(reason)
	if err := models.CheckLength("reason", reason, models.MaxNoteLength); err != nil {
		return nil, err
	}
	now := s.now()
	var req models.DataRequest
	var cascaded []string

	err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
		if err := loadRequest(tx, requestID, &req); err != nil {
			return err
		}
		if actor.ID != req.Owner && actor.ID != req.Requester {
			return fmt.Errorf("%w: only the requester or owner may revoke request %s", models.ErrForbidden, requestID)
		}
		if req.Status != models.RequestApproved {
			return fmt.Errorf("%w: request %s is %s, not approved", models.ErrStateConflict, requestID, req.Status)
		}

		updates := map[string]interface{}{
			"status":     models.RequestRevoked,
			"revoked_at": now,
			"updated_by": actor.ID,
			"updated_at": now,
		}
		if reason != "" {
			updates["revocation_reason"] = reason
		}
		if err := casRequestStatus(tx, requestID, models.RequestApproved, updates); err != nil {
			return err
		}
		req.Status = models.RequestRevoked
		req.RevokedAt = &now
		if reason != "" {
			req.RevocationReason = &reason
		}
		req.UpdatedBy = &actor.ID
		if err := j.add(requestEntry(&req, models.ActionRevoke, actor.ID, reason, now)); err != nil {
			return err
		}

		var shares []models.DataShare
		if err := tx.Where("related_request = ? AND status = ?", requestID, models.ShareActive).Find(&shares).Error; err != nil {
			return fmt.Errorf("failed to load derived shares: %w", err)
		}
		for i := range shares {
			shareReason := "consent request revoked"
			if reason != "" {
				shareReason = reason
			}
			revoked, err := revokeShareTx(ctx, tx, j, s.tokens, &shares[i], actor.ID, shareReason, now)
			if err != nil {
				return err
			}
			if revoked {
				cascaded = append(cascaded, shares[i].ID)
			}
		}
		return nil
	})
	if err != nil {
		monitoring.RecordBusinessEvent("request_revoke", "failure")
		return nil, err
	}

	monitoring.RecordBusinessEvent("request_revoke", "success")
	slog.Info("Data request revoked", "requestId", requestID, "actor", actor.ID, "cascadedShares", cascaded)
	return &req, nil
}

// SweepExpired expires pending and approved requests whose validity has passed.
// Each request is swapped on its observed status, so concurrent sweeps and human
// transitions resolve with a single winner.
func (s *RequestService) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC()
	var candidates []models.DataRequest
	err := s.db.WithContext(ctx).
		Where("status IN ? AND valid_until < ?", []models.RequestStatus{models.RequestPending, models.RequestApproved}, now).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find expired requests: %w", err)
	}

	var expired []string
	for i := range candidates {
		req := candidates[i]
		err := runInTransaction(ctx, s.db, s.audit, func(tx *gorm.DB, j *journal) error {
			res := tx.Model(&models.DataRequest{}).
				Where("id = ? AND status = ? AND valid_until < ?", req.ID, req.Status, now).
				Updates(map[string]interface{}{
					"status":     models.RequestExpired,
					"expired_at": now,
					"updated_by": models.SystemActor,
					"updated_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to expire request %s: %w", req.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return errSkipped
			}
			req.Status = models.RequestExpired
			return j.add(requestEntry(&req, models.ActionExpire, models.SystemActor, "validity window passed", now))
		})
		if errors.Is(err, errSkipped) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, req.ID)
		monitoring.RecordBusinessEvent("request_expire", "success")
	}

	if len(expired) > 0 {
		slog.Info("Expired data requests", "count", len(expired))
	}
	return expired, nil
}

// GetRequest returns a request with its ledger transaction references.
func (s *RequestService) GetRequest(ctx context.Context, requestID string) (*models.DataRequestResponse, error) {
	var req models.DataRequest
	if err := loadRequest(s.db.WithContext(ctx), requestID, &req); err != nil {
		return nil, err
	}
	txs, err := ledgerTransactions(s.db.WithContext(ctx), models.EntityRequest, requestID)
	if err != nil {
		return nil, err
	}
	return &models.DataRequestResponse{DataRequest: &req, LedgerTransactions: txs}, nil
}

// ListRequests returns requests matching filter, newest first.
func (s *RequestService) ListRequests(ctx context.Context, filter models.RequestFilter) (*models.DataRequestListResponse, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, filter.Status)
	}
	limit, offset := normalizePage(filter.Limit, filter.Offset)

	q := s.db.WithContext(ctx).Model(&models.DataRequest{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.Requester != "" {
		q = q.Where("requester = ?", filter.Requester)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count data requests: %w", err)
	}
	requests := []models.DataRequest{}
	if err := q.Order("request_date DESC").Order("id").Limit(limit).Offset(offset).Find(&requests).Error; err != nil {
		return nil, fmt.Errorf("failed to list data requests: %w", err)
	}

	return &models.DataRequestListResponse{Requests: requests, Total: total, Limit: limit, Offset: offset}, nil
}

// errSkipped aborts a sweep transaction whose swap lost to a concurrent transition.
var errSkipped = errors.New("transition skipped")

func loadRequest(tx *gorm.DB, id string, req *models.DataRequest) error {
	if err := tx.Where("id = ?", id).First(req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: data request %s", models.ErrNotFound, id)
		}
		return fmt.Errorf("failed to load data request %s: %w", id, err)
	}
	return nil
}

// casRequestStatus applies updates only while the request is still in from.
func casRequestStatus(tx *gorm.DB, id string, from models.RequestStatus, updates map[string]interface{}) error {
	res := tx.Model(&models.DataRequest{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update data request %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: request %s is no longer %s", models.ErrStateConflict, id, from)
	}
	return nil
}

func requestEntry(req *models.DataRequest, action models.AuditAction, actor, detail string, at time.Time) models.AuditEntry {
	target := req.Owner
	if actor == req.Owner {
		target = req.Requester
	}
	return models.AuditEntry{
		EntityType: models.EntityRequest,
		EntityID:   req.ID,
		Action:     action,
		Actor:      actor,
		Target:     target,
		DataTypes:  req.DataRequested,
		Purpose:    req.Purpose,
		Detail:     detail,
		Timestamp:  at,
	}
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
