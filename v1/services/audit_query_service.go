package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/gov-dx-sandbox/databridge/v1/models"
	"gorm.io/gorm"
)

const (
	defaultAuditPageSize = 100
	maxAuditPageSize     = 1000
)

// AuditQueryService reads the unified audit log. It never writes.
type AuditQueryService struct {
	db *gorm.DB
}

// NewAuditQueryService creates a new audit query service
func NewAuditQueryService(db *gorm.DB) *AuditQueryService {
	return &AuditQueryService{db: db}
}

// auditCursor is the keyset position after the last returned entry.
type auditCursor struct {
	Timestamp time.Time `json:"ts"`
	Seq       int64     `json:"seq"`
}

func encodeCursor(rec *models.AuditRecord) string {
	raw, _ := json.Marshal(auditCursor{Timestamp: rec.Timestamp.UTC(), Seq: rec.Seq})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*auditCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", models.ErrValidation)
	}
	var c auditCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.Seq <= 0 {
		return nil, fmt.Errorf("%w: malformed cursor", models.ErrValidation)
	}
	return &c, nil
}

// List returns one page of audit entries in ascending timestamp order.
func (s *AuditQueryService) List(ctx context.Context, filter models.AuditFilter) (*models.AuditPage, error) {
	q, err := s.filtered(ctx, filter)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditPageSize
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}

	var records []models.AuditRecord
	if err := q.Order("timestamp ASC").Order("seq ASC").Limit(limit + 1).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}

	page := &models.AuditPage{Entries: make([]models.AuditLog, 0, min(len(records), limit))}
	if len(records) > limit {
		records = records[:limit]
		page.NextCursor = encodeCursor(&records[limit-1])
	}
	for i := range records {
		page.Entries = append(page.Entries, records[i].ToAuditLog())
	}
	return page, nil
}

// All walks every entry matching filter, following cursors until the log is exhausted.
// filter.Limit sets the page size used internally.
func (s *AuditQueryService) All(ctx context.Context, filter models.AuditFilter) iter.Seq2[models.AuditLog, error] {
	return func(yield func(models.AuditLog, error) bool) {
		for {
			page, err := s.List(ctx, filter)
			if err != nil {
				yield(models.AuditLog{}, err)
				return
			}
			for _, entry := range page.Entries {
				if !yield(entry, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			filter.Cursor = page.NextCursor
		}
	}
}

func (s *AuditQueryService) filtered(ctx context.Context, filter models.AuditFilter) (*gorm.DB, error) {
	q := s.db.WithContext(ctx).Model(&models.AuditRecord{})

	if filter.Type != "" {
		if filter.Type != models.EntityRequest && filter.Type != models.EntityShare {
			return nil, fmt.Errorf("%w: unknown type %q", models.ErrValidation, filter.Type)
		}
		q = q.Where("entity_type = ?", filter.Type)
	}
	if filter.EntityID != "" {
		q = q.Where("entity_id = ?", filter.EntityID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.Actor != "" {
		q = q.Where("actor = ?", filter.Actor)
	}
	if filter.Target != "" {
		q = q.Where("target = ?", filter.Target)
	}
	if filter.Party != "" {
		requests := s.db.Model(&models.DataRequest{}).Select("id").Where("owner = ? OR requester = ?", filter.Party, filter.Party)
		shares := s.db.Model(&models.DataShare{}).Select("id").Where("sharer = ? OR recipient = ?", filter.Party, filter.Party)
		q = q.Where("(actor = ? OR target = ? OR (entity_type = ? AND entity_id IN (?)) OR (entity_type = ? AND entity_id IN (?)))",
			filter.Party, filter.Party, models.EntityRequest, requests, models.EntityShare, shares)
	}
	if dt := strings.TrimSpace(filter.DataType); dt != "" {
		if strings.ContainsAny(dt, `"%_\`) {
			return nil, fmt.Errorf("%w: invalid dataType %q", models.ErrValidation, dt)
		}
		q = q.Where("data_types LIKE ?", `%"`+dt+`"%`)
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, fmt.Errorf("%w: dateRange end precedes start", models.ErrValidation)
	}
	if filter.From != nil {
		q = q.Where("timestamp >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("timestamp <= ?", filter.To.UTC())
	}
	if filter.Cursor != "" {
		c, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		q = q.Where("((timestamp > ?) OR (timestamp = ? AND seq > ?))", c.Timestamp, c.Timestamp, c.Seq)
	}
	return q, nil
}

// ParseDateRange parses "from,to" where either side may be empty.
func ParseDateRange(s string) (*time.Time, *time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("%w: dateRange must be \"from,to\"", models.ErrValidation)
	}
	parse := func(v string) (*time.Time, error) {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid dateRange bound %q", models.ErrValidation, v)
		}
		return &t, nil
	}
	from, err := parse(parts[0])
	if err != nil {
		return nil, nil, err
	}
	to, err := parse(parts[1])
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

// ledgerTransactions lists the ledger references of one entity in journal order.
func ledgerTransactions(db *gorm.DB, entityType models.EntityType, entityID string) ([]models.LedgerTransaction, error) {
	var records []models.AuditRecord
	if err := db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("seq ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load ledger transactions for %s %s: %w", entityType, entityID, err)
	}
	txs := make([]models.LedgerTransaction, 0, len(records))
	for i := range records {
		txs = append(txs, records[i].ToLedgerTransaction())
	}
	return txs, nil
}
