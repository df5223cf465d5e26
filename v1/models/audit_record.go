package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// EntityType names the kind of entity an audit record belongs to.
type EntityType string

const (
	EntityRequest EntityType = "request"
	EntityShare   EntityType = "share"
)

// AuditAction is the transition or event being journaled.
type AuditAction string

const (
	ActionCreate       AuditAction = "create"
	ActionApprove      AuditAction = "approve"
	ActionReject       AuditAction = "reject"
	ActionRevoke       AuditAction = "revoke"
	ActionExpire       AuditAction = "expire"
	ActionShare        AuditAction = "share"
	ActionAccess       AuditAction = "access"
	ActionAccessDenied AuditAction = "access_denied"
)

// LedgerStatus tracks whether a record has been confirmed by the ledger log.
type LedgerStatus string

const (
	LedgerPending     LedgerStatus = "pending"
	LedgerConfirmed   LedgerStatus = "confirmed"
	LedgerUnconfirmed LedgerStatus = "unconfirmed"
	// LedgerRejected is terminal: the ledger refused the payload and will never accept it.
	LedgerRejected LedgerStatus = "rejected"
)

// SettledLedgerStatuses are the statuses no longer submitted or waited on.
var SettledLedgerStatuses = []LedgerStatus{LedgerConfirmed, LedgerRejected}

// SystemActor is the actor recorded for sweeper transitions.
const SystemActor = "system"

// auditNamespace scopes the name-based UUIDs of audit records.
var auditNamespace = uuid.MustParse("6f1c0c1e-8f4b-5d0a-9a54-3c1b7e2d9f10")

// AuditEntry is the input to the audit trail writer.
type AuditEntry struct {
	EntityType EntityType
	EntityID   string
	Action     AuditAction
	Actor      string
	Target     string
	DataTypes  []string
	Purpose    string
	Detail     string
	Timestamp  time.Time
}

// AuditRecord is the persisted journal row and the outbox for ledger submission.
type AuditRecord struct {
	Seq          int64        `gorm:"column:seq;primaryKey;autoIncrement" json:"-"`
	RecordID     string       `gorm:"column:record_id;type:varchar(36);not null;uniqueIndex:idx_audit_records_record_id" json:"id"`
	EntityType   EntityType   `gorm:"column:entity_type;type:varchar(20);not null;index:idx_audit_records_entity,priority:1" json:"type"`
	EntityID     string       `gorm:"column:entity_id;type:varchar(36);not null;index:idx_audit_records_entity,priority:2" json:"entityId"`
	Action       AuditAction  `gorm:"column:action;type:varchar(32);not null" json:"action"`
	Actor        string       `gorm:"column:actor;type:varchar(255);not null;index:idx_audit_records_actor" json:"actor"`
	Target       string       `gorm:"column:target;type:varchar(255);index:idx_audit_records_target" json:"target"`
	DataTypes    []string     `gorm:"column:data_types;type:text;serializer:json" json:"dataTypes"`
	Purpose      string       `gorm:"column:purpose;type:text" json:"purpose"`
	Detail       string       `gorm:"column:detail;type:text" json:"detail,omitempty"`
	Timestamp    time.Time    `gorm:"column:timestamp;not null;index:idx_audit_records_timestamp" json:"timestamp"`
	Payload      string       `gorm:"column:payload;type:text;not null" json:"-"`
	PayloadHash  string       `gorm:"column:payload_hash;type:varchar(80);not null" json:"-"`
	LedgerRef    *string      `gorm:"column:ledger_ref;type:varchar(255)" json:"ledgerReference,omitempty"`
	LedgerStatus LedgerStatus `gorm:"column:ledger_status;type:varchar(20);not null;index:idx_audit_records_ledger_status" json:"ledgerStatus"`
	Attempts     int          `gorm:"column:attempts;not null;default:0" json:"-"`
	LastError    *string      `gorm:"column:last_error;type:text" json:"-"`
	ConfirmedAt  *time.Time   `gorm:"column:confirmed_at" json:"-"`
}

// TableName specifies the table name for GORM
func (*AuditRecord) TableName() string {
	return "audit_records"
}

// canonicalPayload fixes the field order of the ledger payload.
type canonicalPayload struct {
	RecordID   string   `json:"recordId"`
	EntityType string   `json:"entityType"`
	EntityID   string   `json:"entityId"`
	Action     string   `json:"action"`
	Actor      string   `json:"actor"`
	Target     string   `json:"target"`
	DataTypes  []string `json:"dataTypes"`
	Purpose    string   `json:"purpose"`
	Detail     string   `json:"detail,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// NewAuditRecord builds the canonical, pending record for entry.
func NewAuditRecord(entry AuditEntry) (*AuditRecord, error) {
	ts := entry.Timestamp.UTC().Truncate(time.Microsecond)
	dataTypes := slices.Clone(entry.DataTypes)
	if dataTypes == nil {
		dataTypes = []string{}
	}
	slices.Sort(dataTypes)

	recordID := StableRecordID(entry.EntityType, entry.EntityID, entry.Action, ts)
	payload, err := json.Marshal(canonicalPayload{
		RecordID:   recordID,
		EntityType: string(entry.EntityType),
		EntityID:   entry.EntityID,
		Action:     string(entry.Action),
		Actor:      entry.Actor,
		Target:     entry.Target,
		DataTypes:  dataTypes,
		Purpose:    entry.Purpose,
		Detail:     entry.Detail,
		Timestamp:  ts.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}
	sum := sha256.Sum256(payload)

	return &AuditRecord{
		RecordID:     recordID,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		Actor:        entry.Actor,
		Target:       entry.Target,
		DataTypes:    dataTypes,
		Purpose:      entry.Purpose,
		Detail:       entry.Detail,
		Timestamp:    ts,
		Payload:      string(payload),
		PayloadHash:  "sha256:" + hex.EncodeToString(sum[:]),
		LedgerStatus: LedgerPending,
	}, nil
}

// StableRecordID derives the record identity from entity, transition and time,
// so resubmitting the same transition never yields a second identity.
func StableRecordID(entityType EntityType, entityID string, action AuditAction, ts time.Time) string {
	name := fmt.Sprintf("%s|%s|%s|%s", entityType, entityID, action, ts.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(auditNamespace, []byte(name)).String()
}

// Topic is the ledger topic records of this entity type are submitted to.
func (r *AuditRecord) Topic(prefix string) string {
	return prefix + "." + string(r.EntityType)
}
