package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gov-dx-sandbox/databridge/v1/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareService_CreateShare(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		env := newTestEnv(t, false)
		req, resp := env.shareWith(t, models.AccessRestrictions{MaxAccessCount: intPtr(3)})

		assert.True(t, strings.HasPrefix(resp.AccessToken, tokenPrefix))
		assert.Equal(t, resp.AccessToken[:tokenDisplayKeep], resp.TokenPrefix)
		assert.Equal(t, models.ShareActive, resp.Status)
		assert.Equal(t, requester.ID, resp.Recipient)
		assert.Equal(t, req.DataRequested, resp.DataShared)
		assert.Equal(t, req.ValidUntil, resp.ExpiryDate)
		require.NotNil(t, resp.MaxAccessCount)
		assert.Equal(t, 3, *resp.MaxAccessCount)

		var stored models.AccessToken
		require.NoError(t, env.db.Where("share_id = ?", resp.ID).First(&stored).Error)
		assert.NotEqual(t, resp.AccessToken, stored.TokenHash, "raw token is never stored")
		assert.Equal(t, hashToken(resp.AccessToken), stored.TokenHash)

		assert.Equal(t, []models.AuditAction{models.ActionShare}, env.actionsFor(t, models.EntityShare, resp.ID))
	})

	t.Run("Duplicate share", func(t *testing.T) {
		env := newTestEnv(t, false)
		req, _ := env.shareWith(t, models.AccessRestrictions{})

		_, err := env.shares.CreateShare(ctx, owner, models.CreateShareInput{RequestID: req.ID})
		assert.ErrorIs(t, err, models.ErrDuplicateShare)
	})

	t.Run("Preconditions", func(t *testing.T) {
		env := newTestEnv(t, false)
		pending := env.createRequest(t)
		approved := env.approvedRequest(t)

		_, err := env.shares.CreateShare(ctx, owner, models.CreateShareInput{RequestID: pending.ID})
		assert.ErrorIs(t, err, models.ErrPrecondition)

		_, err = env.shares.CreateShare(ctx, requester, models.CreateShareInput{RequestID: approved.ID})
		assert.ErrorIs(t, err, models.ErrForbidden)

		_, err = env.shares.CreateShare(ctx, owner, models.CreateShareInput{RequestID: "missing"})
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = env.shares.CreateShare(ctx, owner, models.CreateShareInput{RequestID: approved.ID, DataShared: []string{"imaging"}})
		assert.ErrorIs(t, err, models.ErrValidation)

		_, err = env.shares.CreateShare(ctx, owner, models.CreateShareInput{RequestID: approved.ID, Recipient: stranger.ID})
		assert.ErrorIs(t, err, models.ErrValidation)

		tooLate := approved.ValidUntil.Add(time.Hour)
		_, err = env.shares.CreateShare(ctx, owner, models.CreateShareInput{RequestID: approved.ID, ExpiryDate: &tooLate})
		assert.ErrorIs(t, err, models.ErrValidation)

		_, err = env.shares.CreateShare(ctx, owner, models.CreateShareInput{
			RequestID:          approved.ID,
			AccessRestrictions: models.AccessRestrictions{MaxAccessCount: intPtr(0)},
		})
		assert.ErrorIs(t, err, models.ErrValidation)

		var count int64
		env.db.Model(&models.DataShare{}).Count(&count)
		assert.Equal(t, int64(0), count)
		env.db.Model(&models.AccessToken{}).Count(&count)
		assert.Equal(t, int64(0), count, "failed creation leaves no token behind")
	})

	t.Run("Subset of requested data", func(t *testing.T) {
		env := newTestEnv(t, false)
		req := env.approvedRequest(t)
		expiry := env.clock.Now().Add(24 * time.Hour)

		resp, err := env.shares.CreateShare(ctx, owner, models.CreateShareInput{
			RequestID:  req.ID,
			DataShared: []string{"labs"},
			ExpiryDate: &expiry,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"labs"}, resp.DataShared)
		assert.Equal(t, expiry, resp.ExpiryDate)
	})
}

func TestShareService_AccessUntilExhausted(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	req, share := env.shareWith(t, models.AccessRestrictions{MaxAccessCount: intPtr(3)})

	access := models.AccessRequest{ShareID: share.ID, Token: share.AccessToken, Caller: requester, Action: "read"}
	for i := 1; i <= 3; i++ {
		resp, err := env.shares.RecordAccess(ctx, access)
		require.NoError(t, err, "access %d", i)
		assert.Equal(t, i, resp.AccessCount)
		require.NotNil(t, resp.Remaining)
		assert.Equal(t, 3-i, *resp.Remaining)
		env.clock.Advance(time.Second)
	}

	got, err := env.shares.GetShare(ctx, share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShareExpired, got.Status)
	assert.Equal(t, 3, got.AccessCount)
	assert.Len(t, got.AccessLog, 3)

	_, err = env.shares.RecordAccess(ctx, access)
	assert.ErrorIs(t, err, models.ErrAccessExhausted)

	assert.Equal(t, []models.AuditAction{
		models.ActionShare,
		models.ActionAccess,
		models.ActionAccess,
		models.ActionAccess,
		models.ActionExpire,
		models.ActionAccessDenied,
	}, env.actionsFor(t, models.EntityShare, share.ID))

	parent, err := env.requests.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, parent.AccessCount)
	assert.NotNil(t, parent.LastAccessedAt)
}

func TestShareService_ConcurrentAccessNeverExceedsLimit(t *testing.T) {
	env := newTestEnv(t, false)
	_, share := env.shareWith(t, models.AccessRestrictions{MaxAccessCount: intPtr(3)})

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.shares.RecordAccess(context.Background(), models.AccessRequest{
				ShareID: share.ID, Token: share.AccessToken, Caller: requester,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, models.ErrAccessExhausted)
	}
	assert.Equal(t, 3, ok)

	var stored models.DataShare
	require.NoError(t, env.db.Where("id = ?", share.ID).First(&stored).Error)
	assert.Equal(t, 3, stored.AccessCount)
}

func TestShareService_AccessRestrictions(t *testing.T) {
	ctx := context.Background()

	t.Run("Address allow-list", func(t *testing.T) {
		env := newTestEnv(t, false)
		_, share := env.shareWith(t, models.AccessRestrictions{AllowedIPAddresses: []string{"10.0.0.0/8"}})

		outsider := requester
		outsider.IPAddress = "192.168.1.5"
		_, err := env.shares.RecordAccess(ctx, models.AccessRequest{Token: share.AccessToken, Caller: outsider})
		assert.ErrorIs(t, err, models.ErrAccessDenied)

		_, err = env.shares.RecordAccess(ctx, models.AccessRequest{Token: share.AccessToken, Caller: requester})
		assert.NoError(t, err)
	})

	t.Run("Time window", func(t *testing.T) {
		env := newTestEnv(t, false)
		_, share := env.shareWith(t, models.AccessRestrictions{
			AllowedTimeWindow: &models.TimeWindow{Start: "09:00", End: "17:00"},
		})

		_, err := env.shares.RecordAccess(ctx, models.AccessRequest{Token: share.AccessToken, Caller: requester})
		require.NoError(t, err)

		env.clock.Advance(8 * time.Hour)
		_, err = env.shares.RecordAccess(ctx, models.AccessRequest{Token: share.AccessToken, Caller: requester})
		assert.ErrorIs(t, err, models.ErrAccessDenied)
	})

	t.Run("Unknown token", func(t *testing.T) {
		env := newTestEnv(t, false)
		_, share := env.shareWith(t, models.AccessRestrictions{})

		_, err := env.shares.RecordAccess(ctx, models.AccessRequest{ShareID: share.ID, Token: "dbt_forged", Caller: requester})
		assert.ErrorIs(t, err, models.ErrTokenInvalid)
		assert.Contains(t, env.actionsFor(t, models.EntityShare, share.ID), models.ActionAccessDenied)
	})

	t.Run("Token bound to another share", func(t *testing.T) {
		env := newTestEnv(t, false)
		_, first := env.shareWith(t, models.AccessRestrictions{})
		_, second := env.shareWith(t, models.AccessRestrictions{})

		_, err := env.shares.RecordAccess(ctx, models.AccessRequest{ShareID: second.ID, Token: first.AccessToken, Caller: requester})
		assert.ErrorIs(t, err, models.ErrTokenInvalid)
	})

	t.Run("Expired by time", func(t *testing.T) {
		env := newTestEnv(t, false)
		_, share := env.shareWith(t, models.AccessRestrictions{})

		env.clock.Advance(31 * 24 * time.Hour)
		_, err := env.shares.RecordAccess(ctx, models.AccessRequest{Token: share.AccessToken, Caller: requester})
		assert.ErrorIs(t, err, models.ErrTokenExpired)
	})
}

func TestShareService_RevocationCascade(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	req, share := env.shareWith(t, models.AccessRestrictions{})

	_, err := env.shares.RecordAccess(ctx, models.AccessRequest{Token: share.AccessToken, Caller: requester})
	require.NoError(t, err)

	_, err = env.requests.Revoke(ctx, req.ID, owner, "consent withdrawn")
	require.NoError(t, err)

	got, err := env.shares.GetShare(ctx, share.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ShareRevoked, got.Status)
	assert.Equal(t, "consent withdrawn", *got.RevocationReason)

	_, err = env.shares.RecordAccess(ctx, models.AccessRequest{Token: share.AccessToken, Caller: requester})
	assert.ErrorIs(t, err, models.ErrTokenInvalid)

	assert.Equal(t, []models.AuditAction{models.ActionCreate, models.ActionApprove, models.ActionRevoke},
		env.actionsFor(t, models.EntityRequest, req.ID))
	assert.Equal(t, []models.AuditAction{models.ActionShare, models.ActionAccess, models.ActionRevoke, models.ActionAccessDenied},
		env.actionsFor(t, models.EntityShare, share.ID))
}

func TestShareService_Revoke(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	_, share := env.shareWith(t, models.AccessRestrictions{})

	_, err := env.shares.Revoke(ctx, share.ID, requester, "")
	assert.ErrorIs(t, err, models.ErrForbidden)

	revoked, err := env.shares.Revoke(ctx, share.ID, owner, "")
	require.NoError(t, err)
	assert.Equal(t, models.ShareRevoked, revoked.Status)

	_, err = env.shares.Revoke(ctx, share.ID, owner, "")
	assert.ErrorIs(t, err, models.ErrStateConflict)

	_, err = env.tokens.Validate(ctx, share.AccessToken, requester, env.clock.Now())
	assert.ErrorIs(t, err, models.ErrTokenInvalid)
}

func TestShareService_SweepExpired(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	req := env.approvedRequest(t)
	expiry := env.clock.Now().Add(time.Hour)
	share, err := env.shares.CreateShare(ctx, owner, models.CreateShareInput{RequestID: req.ID, ExpiryDate: &expiry})
	require.NoError(t, err)

	ids, err := env.shares.SweepExpired(ctx, env.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = env.shares.SweepExpired(ctx, env.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{share.ID}, ids)

	ids, err = env.shares.SweepExpired(ctx, env.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestShareService_ListShares(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	env.shareWith(t, models.AccessRestrictions{})
	env.clock.Advance(time.Minute)
	_, second := env.shareWith(t, models.AccessRestrictions{})

	list, err := env.shares.ListShares(ctx, models.ShareFilter{Recipient: requester.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), list.Total)
	require.Len(t, list.Shares, 2)
	assert.Equal(t, second.ID, list.Shares[0].ID, "newest first")

	_, err = env.shares.ListShares(ctx, models.ShareFilter{Status: "bogus"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTokenService_Invalidate(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	_, share := env.shareWith(t, models.AccessRestrictions{})

	_, err := env.tokens.Validate(ctx, share.AccessToken, requester, env.clock.Now())
	require.NoError(t, err)

	require.NoError(t, env.tokens.Invalidate(ctx, share.AccessToken))
	require.NoError(t, env.tokens.Invalidate(ctx, share.AccessToken), "invalidating twice is harmless")

	_, err = env.tokens.Validate(ctx, share.AccessToken, requester, env.clock.Now())
	assert.ErrorIs(t, err, models.ErrTokenInvalid)

	assert.ErrorIs(t, env.tokens.Invalidate(ctx, ""), models.ErrValidation)
}
