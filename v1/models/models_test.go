package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"bare kind", ErrStateConflict, ErrStateConflict},
		{"wrapped kind", fmt.Errorf("%w: request r1 is approved", ErrStateConflict), ErrStateConflict},
		{"double wrapped", fmt.Errorf("approve: %w", fmt.Errorf("%w: no consent", ErrConsentMissing)), ErrConsentMissing},
		{"multi wrapped", fmt.Errorf("%w: %w", ErrNotFound, errors.New("record not found")), ErrNotFound},
		{"plain error", errors.New("boom"), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsAccessFailure(t *testing.T) {
	assert.True(t, IsAccessFailure(fmt.Errorf("%w: x", ErrTokenInvalid)))
	assert.True(t, IsAccessFailure(ErrAccessExhausted))
	assert.False(t, IsAccessFailure(ErrStateConflict))
	assert.False(t, IsAccessFailure(nil))
}

func TestRequestStatus_Transitions(t *testing.T) {
	assert.True(t, RequestPending.CanTransitionTo(RequestApproved))
	assert.True(t, RequestPending.CanTransitionTo(RequestRejected))
	assert.True(t, RequestPending.CanTransitionTo(RequestExpired))
	assert.False(t, RequestPending.CanTransitionTo(RequestRevoked))
	assert.True(t, RequestApproved.CanTransitionTo(RequestRevoked))
	assert.True(t, RequestApproved.CanTransitionTo(RequestExpired))
	assert.False(t, RequestApproved.CanTransitionTo(RequestRejected))

	for _, terminal := range []RequestStatus{RequestRejected, RequestRevoked, RequestExpired} {
		assert.True(t, terminal.IsTerminal(), terminal)
		assert.False(t, terminal.CanTransitionTo(RequestApproved), terminal)
	}
	assert.False(t, RequestStatus("archived").IsValid())
}

func TestShareStatus_Transitions(t *testing.T) {
	assert.True(t, ShareActive.CanTransitionTo(ShareRevoked))
	assert.True(t, ShareActive.CanTransitionTo(ShareExpired))
	assert.False(t, ShareRevoked.CanTransitionTo(ShareExpired))
	assert.False(t, ShareExpired.CanTransitionTo(ShareActive))
}

func TestAccessRestrictions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		r       AccessRestrictions
		wantErr bool
	}{
		{"empty", AccessRestrictions{}, false},
		{"full", AccessRestrictions{
			MaxAccessCount:     intPtr(3),
			AllowedIPAddresses: []string{"10.0.0.1", "192.168.0.0/16", "2001:db8::/32"},
			AllowedTimeWindow:  &TimeWindow{Start: "08:00", End: "18:00"},
		}, false},
		{"zero count", AccessRestrictions{MaxAccessCount: intPtr(0)}, true},
		{"bad ip", AccessRestrictions{AllowedIPAddresses: []string{"10.0.0.999"}}, true},
		{"bad window", AccessRestrictions{AllowedTimeWindow: &TimeWindow{Start: "8am", End: "18:00"}}, true},
		{"empty window", AccessRestrictions{AllowedTimeWindow: &TimeWindow{Start: "08:00", End: "08:00"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAccessRestrictions_AllowsAddress(t *testing.T) {
	r := AccessRestrictions{AllowedIPAddresses: []string{"10.0.0.1", "192.168.1.0/24"}}

	assert.True(t, r.AllowsAddress("10.0.0.1"))
	assert.True(t, r.AllowsAddress("192.168.1.77"))
	assert.True(t, r.AllowsAddress("::ffff:10.0.0.1"))
	assert.False(t, r.AllowsAddress("10.0.0.2"))
	assert.False(t, r.AllowsAddress("not-an-ip"))
	assert.True(t, AccessRestrictions{}.AllowsAddress("anything"))
}

func TestAccessRestrictions_AllowsTime(t *testing.T) {
	day := AccessRestrictions{AllowedTimeWindow: &TimeWindow{Start: "08:00", End: "18:00"}}
	night := AccessRestrictions{AllowedTimeWindow: &TimeWindow{Start: "22:00", End: "06:00"}}
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }

	assert.True(t, day.AllowsTime(at(8, 0)))
	assert.True(t, day.AllowsTime(at(17, 59)))
	assert.False(t, day.AllowsTime(at(18, 0)))
	assert.False(t, day.AllowsTime(at(3, 0)))

	assert.True(t, night.AllowsTime(at(23, 30)))
	assert.True(t, night.AllowsTime(at(5, 59)))
	assert.False(t, night.AllowsTime(at(12, 0)))
}

func TestNewAuditRecord_Canonical(t *testing.T) {
	ts := time.Date(2026, 5, 4, 10, 11, 12, 123456789, time.FixedZone("X", 3600))
	entry := AuditEntry{
		EntityType: EntityRequest,
		EntityID:   "req-1",
		Action:     ActionApprove,
		Actor:      "O1",
		Target:     "R1",
		DataTypes:  []string{"labs", "imaging"},
		Purpose:    "diagnosis",
		Timestamp:  ts,
	}

	a, err := NewAuditRecord(entry)
	require.NoError(t, err)
	b, err := NewAuditRecord(entry)
	require.NoError(t, err)

	assert.Equal(t, a.RecordID, b.RecordID)
	assert.Equal(t, a.Payload, b.Payload)
	assert.Equal(t, a.PayloadHash, b.PayloadHash)
	assert.Equal(t, []string{"imaging", "labs"}, a.DataTypes)
	assert.Equal(t, time.UTC, a.Timestamp.Location())
	assert.Equal(t, LedgerPending, a.LedgerStatus)
	assert.Contains(t, a.PayloadHash, "sha256:")
	assert.Equal(t, []string{"labs", "imaging"}, entry.DataTypes, "input slice must not be reordered")

	entry.Action = ActionRevoke
	c, err := NewAuditRecord(entry)
	require.NoError(t, err)
	assert.NotEqual(t, a.RecordID, c.RecordID)
}

func TestAuditRecord_ToAuditLog(t *testing.T) {
	rec := &AuditRecord{RecordID: "x", LedgerStatus: LedgerPending}
	assert.False(t, rec.ToAuditLog().Confirmed)

	ref := "1700000000000-0"
	rec.LedgerRef = &ref
	rec.LedgerStatus = LedgerConfirmed
	view := rec.ToAuditLog()
	assert.True(t, view.Confirmed)
	assert.Equal(t, &ref, view.LedgerReference)
}
