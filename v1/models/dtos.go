package models

import "time"

// CreateRequestInput is the body of POST /requests. The requester comes from the caller identity.
type CreateRequestInput struct {
	Owner         string    `json:"owner"`
	OwnerRole     string    `json:"ownerRole,omitempty"`
	DataRequested []string  `json:"dataRequested"`
	Purpose       string    `json:"purpose"`
	ValidUntil    time.Time `json:"validUntil"`
	Priority      Priority  `json:"priority,omitempty"`
}

// ApproveRequestInput is the body of POST /requests/{id}/approve.
type ApproveRequestInput struct {
	Notes          *string `json:"notes,omitempty"`
	PatientConsent *bool   `json:"patientConsent,omitempty"`
}

// ReasonInput carries the reason of a reject or revoke.
type ReasonInput struct {
	Reason string `json:"reason"`
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Status    RequestStatus
	Owner     string
	Requester string
	Limit     int
	Offset    int
}

// LedgerTransaction is one transition's ledger reference as shown on a request or share.
type LedgerTransaction struct {
	Action    AuditAction  `json:"action"`
	Reference *string      `json:"reference,omitempty"`
	Status    LedgerStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// DataRequestResponse is a DataRequest with its ledger transaction references.
type DataRequestResponse struct {
	*DataRequest
	LedgerTransactions []LedgerTransaction `json:"ledgerTransactions"`
}

// DataRequestListResponse is the body of GET /requests.
type DataRequestListResponse struct {
	Requests []DataRequest `json:"requests"`
	Total    int64         `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
}

// CreateShareInput is the body of POST /shares. The sharer comes from the caller identity.
type CreateShareInput struct {
	RequestID          string             `json:"relatedRequest"`
	Recipient          string             `json:"recipient,omitempty"`
	DataShared         []string           `json:"dataShared,omitempty"`
	ExpiryDate         *time.Time         `json:"expiryDate,omitempty"`
	AccessRestrictions AccessRestrictions `json:"accessRestrictions"`
}

// CreateShareResponse is the only response that ever carries the raw access token.
type CreateShareResponse struct {
	*DataShare
	AccessToken string `json:"accessToken"`
}

// ShareFilter narrows ListShares.
type ShareFilter struct {
	Sharer    string
	Recipient string
	Status    ShareStatus
	Limit     int
	Offset    int
}

// DataShareResponse is a DataShare with its ledger transaction references.
type DataShareResponse struct {
	*DataShare
	LedgerTransactions []LedgerTransaction `json:"ledgerTransactions"`
}

// DataShareListResponse is the body of GET /shares.
type DataShareListResponse struct {
	Shares []DataShare `json:"shares"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// AccessInput is the body of POST /shares/{id}/access.
type AccessInput struct {
	Token  string `json:"token"`
	Action string `json:"action"`
}

// AccessRequest is a token use as seen by the share manager.
// ShareID is optional; when set, the token must be bound to that share.
type AccessRequest struct {
	ShareID string
	Token   string
	Caller  CallerIdentity
	Action  string
}

// AccessResponse is the body returned for a successful access.
type AccessResponse struct {
	ShareID     string      `json:"shareId"`
	Status      ShareStatus `json:"status"`
	AccessCount int         `json:"accessCount"`
	DataShared  []string    `json:"dataShared"`
	Remaining   *int        `json:"remaining,omitempty"`
	AccessedAt  time.Time   `json:"accessedAt"`
}

// AuditFilter narrows the unified audit log.
type AuditFilter struct {
	Type     EntityType
	EntityID string
	Action   AuditAction
	Actor    string
	Target   string
	DataType string
	// Party limits entries to those the identity took part in, directly or
	// as a party to the request or share the entry belongs to.
	Party    string
	From     *time.Time
	To       *time.Time
	Cursor   string
	Limit    int
}

// AuditLog is the read-only projection of one journaled transition.
type AuditLog struct {
	ID              string       `json:"id"`
	Type            EntityType   `json:"type"`
	EntityID        string       `json:"entityId"`
	Action          AuditAction  `json:"action"`
	Actor           string       `json:"actor"`
	Target          string       `json:"target"`
	DataTypes       []string     `json:"dataTypes"`
	Purpose         string       `json:"purpose"`
	Detail          string       `json:"detail,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	LedgerReference *string      `json:"ledgerReference,omitempty"`
	LedgerStatus    LedgerStatus `json:"ledgerStatus"`
	Confirmed       bool         `json:"confirmed"`
	PayloadHash     string       `json:"payloadHash"`
}

// AuditPage is one page of the unified audit log.
type AuditPage struct {
	Entries    []AuditLog `json:"entries"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// SweepResult summarizes one sweeper pass.
type SweepResult struct {
	ExpiredRequests []string  `json:"expiredRequests"`
	ExpiredShares   []string  `json:"expiredShares"`
	Resubmitted     int       `json:"resubmitted"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// ToAuditLog projects a journal record.
func (r *AuditRecord) ToAuditLog() AuditLog {
	return AuditLog{
		ID:              r.RecordID,
		Type:            r.EntityType,
		EntityID:        r.EntityID,
		Action:          r.Action,
		Actor:           r.Actor,
		Target:          r.Target,
		DataTypes:       r.DataTypes,
		Purpose:         r.Purpose,
		Detail:          r.Detail,
		Timestamp:       r.Timestamp,
		LedgerReference: r.LedgerRef,
		LedgerStatus:    r.LedgerStatus,
		Confirmed:       r.LedgerStatus == LedgerConfirmed && r.LedgerRef != nil,
		PayloadHash:     r.PayloadHash,
	}
}

// ToLedgerTransaction is the short form shown on the owning entity.
func (r *AuditRecord) ToLedgerTransaction() LedgerTransaction {
	return LedgerTransaction{
		Action:    r.Action,
		Reference: r.LedgerRef,
		Status:    r.LedgerStatus,
		Timestamp: r.Timestamp,
	}
}
