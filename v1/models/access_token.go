package models

import "time"

// AccessToken is the stored half of a share credential. Only the SHA-256 of the token is kept.
type AccessToken struct {
	TokenHash     string             `gorm:"column:token_hash;type:varchar(64);primaryKey"`
	Prefix        string             `gorm:"column:prefix;type:varchar(16);not null"`
	ShareID       string             `gorm:"column:share_id;type:varchar(36);not null;uniqueIndex:idx_access_tokens_share_id"`
	Restrictions  AccessRestrictions `gorm:"column:restrictions;type:text;serializer:json"`
	ExpiryDate    time.Time          `gorm:"column:expiry_date;not null"`
	IssuedAt      time.Time          `gorm:"column:issued_at;not null"`
	InvalidatedAt *time.Time         `gorm:"column:invalidated_at"`
}

// TableName specifies the table name for GORM
func (*AccessToken) TableName() string {
	return "access_tokens"
}

// CallerIdentity is the already-authenticated caller of a token use.
type CallerIdentity struct {
	ID        string
	Role      string
	IPAddress string
}
