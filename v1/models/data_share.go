package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ShareStatus is the lifecycle state of a DataShare.
type ShareStatus string

const (
	ShareActive  ShareStatus = "active"
	ShareExpired ShareStatus = "expired"
	ShareRevoked ShareStatus = "revoked"
)

// CanTransitionTo reports whether the state machine allows s -> next.
func (s ShareStatus) CanTransitionTo(next ShareStatus) bool {
	return s == ShareActive && (next == ShareExpired || next == ShareRevoked)
}

// IsValid reports whether s is one of the known statuses.
func (s ShareStatus) IsValid() bool {
	switch s {
	case ShareActive, ShareExpired, ShareRevoked:
		return true
	}
	return false
}

// DataShare is a token-gated grant materialized from an approved DataRequest.
type DataShare struct {
	ID             string      `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	Sharer         string      `gorm:"column:sharer;type:varchar(255);not null;index:idx_data_shares_sharer" json:"sharer"`
	Recipient      string      `gorm:"column:recipient;type:varchar(255);not null;index:idx_data_shares_recipient" json:"recipient"`
	DataShared     []string    `gorm:"column:data_shared;type:text;serializer:json;not null" json:"dataShared"`
	RelatedRequest string      `gorm:"column:related_request;type:varchar(36);not null;uniqueIndex:idx_data_shares_related_request" json:"relatedRequest"`
	Status         ShareStatus `gorm:"column:status;type:varchar(20);not null;index:idx_data_shares_status" json:"status"`
	SharedDate     time.Time   `gorm:"column:shared_date;not null" json:"sharedDate"`
	ExpiryDate     time.Time   `gorm:"column:expiry_date;not null;index:idx_data_shares_expiry_date" json:"expiryDate"`
	TokenPrefix    string      `gorm:"column:token_prefix;type:varchar(16);not null" json:"tokenPrefix"`
	// AccessRestrictions is the JSON view; MaxAccessCount mirrors its cap so the increment can be guarded in SQL.
	AccessRestrictions AccessRestrictions `gorm:"column:access_restrictions;type:text;serializer:json" json:"accessRestrictions"`
	MaxAccessCount     *int               `gorm:"column:max_access_count" json:"-"`
	AccessCount        int                `gorm:"column:access_count;not null;default:0" json:"accessCount"`
	RevokedAt          *time.Time         `gorm:"column:revoked_at" json:"revokedAt,omitempty"`
	ExpiredAt          *time.Time         `gorm:"column:expired_at" json:"expiredAt,omitempty"`
	RevocationReason   *string            `gorm:"column:revocation_reason;type:text" json:"revocationReason,omitempty"`
	CreatedAt          time.Time          `gorm:"column:created_at" json:"-"`
	UpdatedAt          time.Time          `gorm:"column:updated_at" json:"-"`

	AccessLog []AccessEvent `gorm:"foreignKey:ShareID;references:ID" json:"accessLog,omitempty"`
}

// TableName specifies the table name for GORM
func (*DataShare) TableName() string {
	return "data_shares"
}

// BeforeCreate assigns an ID when the caller did not.
func (s *DataShare) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// AccessEvent is one successful use of a share's token.
type AccessEvent struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	ShareID   string    `gorm:"column:share_id;type:varchar(36);not null;index:idx_share_access_events_share_id" json:"-"`
	Timestamp time.Time `gorm:"column:timestamp;not null" json:"timestamp"`
	IPAddress string    `gorm:"column:ip_address;type:varchar(64)" json:"ipAddress"`
	Caller    string    `gorm:"column:caller;type:varchar(255)" json:"caller"`
	Action    string    `gorm:"column:action;type:varchar(100);not null" json:"action"`
}

// TableName specifies the table name for GORM
func (*AccessEvent) TableName() string {
	return "share_access_events"
}
