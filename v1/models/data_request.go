package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestStatus is the lifecycle state of a DataRequest.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestRevoked  RequestStatus = "revoked"
	RequestExpired  RequestStatus = "expired"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:  {RequestApproved, RequestRejected, RequestExpired},
	RequestApproved: {RequestRevoked, RequestExpired},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return len(requestTransitions[s]) == 0
}

// IsValid reports whether s is one of the known statuses.
func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected, RequestRevoked, RequestExpired:
		return true
	}
	return false
}

// Priority of a DataRequest
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// DataRequest is one party's ask to access data owned by another.
type DataRequest struct {
	ID            string        `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	Requester     string        `gorm:"column:requester;type:varchar(255);not null;index:idx_data_requests_requester" json:"requester"`
	RequesterRole string        `gorm:"column:requester_role;type:varchar(100)" json:"requesterRole"`
	Owner         string        `gorm:"column:owner;type:varchar(255);not null;index:idx_data_requests_owner" json:"owner"`
	OwnerRole     string        `gorm:"column:owner_role;type:varchar(100)" json:"ownerRole"`
	DataRequested []string      `gorm:"column:data_requested;type:text;serializer:json;not null" json:"dataRequested"`
	Purpose       string        `gorm:"column:purpose;type:text;not null" json:"purpose"`
	Priority      Priority      `gorm:"column:priority;type:varchar(20);not null" json:"priority"`
	Status        RequestStatus `gorm:"column:status;type:varchar(20);not null;index:idx_data_requests_status" json:"status"`
	RequestDate   time.Time     `gorm:"column:request_date;not null" json:"requestDate"`
	// ValidUntil bounds both the pending window and the approved grant.
	ValidUntil       time.Time  `gorm:"column:valid_until;not null;index:idx_data_requests_valid_until" json:"validUntil"`
	ApprovedAt       *time.Time `gorm:"column:approved_at" json:"approvedAt,omitempty"`
	RejectedAt       *time.Time `gorm:"column:rejected_at" json:"rejectedAt,omitempty"`
	RevokedAt        *time.Time `gorm:"column:revoked_at" json:"revokedAt,omitempty"`
	ExpiredAt        *time.Time `gorm:"column:expired_at" json:"expiredAt,omitempty"`
	ApprovalNotes    *string    `gorm:"column:approval_notes;type:text" json:"approvalNotes,omitempty"`
	RejectionReason  *string    `gorm:"column:rejection_reason;type:text" json:"rejectionReason,omitempty"`
	RevocationReason *string    `gorm:"column:revocation_reason;type:text" json:"revocationReason,omitempty"`
	PatientConsent   bool       `gorm:"column:patient_consent;not null;default:false" json:"patientConsent"`
	AccessCount      int        `gorm:"column:access_count;not null;default:0" json:"accessCount"`
	LastAccessedAt   *time.Time `gorm:"column:last_accessed_at" json:"lastAccessedAt,omitempty"`
	UpdatedBy        *string    `gorm:"column:updated_by;type:varchar(255)" json:"updatedBy,omitempty"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"-"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"-"`
}

// TableName specifies the table name for GORM
func (*DataRequest) TableName() string {
	return "data_requests"
}

// BeforeCreate assigns an ID when the caller did not.
func (r *DataRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
