package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gov-dx-sandbox/databridge/internal/config"
	"github.com/gov-dx-sandbox/databridge/v1/database"
	"github.com/gov-dx-sandbox/databridge/v1/handlers"
	"github.com/gov-dx-sandbox/databridge/v1/ledger"
	"github.com/gov-dx-sandbox/databridge/v1/middleware"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"github.com/gov-dx-sandbox/databridge/v1/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "router-test-secret"

type staticLedger struct{}

func (staticLedger) Submit(_ context.Context, topic string, payload []byte) (string, error) {
	return topic + ":" + ledger.Digest(payload), nil
}

type testServer struct {
	handler http.Handler
}

func setupServer(t *testing.T, trustedProxies ...string) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	writer := services.NewAuditTrailWriter(db, staticLedger{}, services.DefaultAuditWriterConfig())
	tokens := services.NewTokenService(db)
	requestService := services.NewRequestService(db, writer, tokens, config.GetDefaultEnums())
	shareService := services.NewShareService(db, writer, tokens)
	sweeper := services.NewSweeper(requestService, shareService, writer, 0)

	auth, err := middleware.NewJWTAuthMiddleware(middleware.AuthConfig{
		Secret:         testSecret,
		Issuer:         "session",
		Audience:       "databridge",
		TrustedProxies: trustedProxies,
	})
	require.NoError(t, err)

	rt := NewV1Router(
		handlers.NewRequestHandler(requestService),
		handlers.NewShareHandler(shareService),
		handlers.NewAuditHandler(services.NewAuditQueryService(db), "admin"),
		handlers.NewAdminHandler(sweeper, "admin"),
		handlers.NewHealthHandler(db, nil, "databridge"),
		auth,
	)
	return &testServer{handler: rt.Handler()}
}

func bearer(t *testing.T, subject, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "session",
			Audience:  jwt.ClaimStrings{"databridge"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func (s *testServer) do(t *testing.T, method, path, auth string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func auditActions(t *testing.T, w *httptest.ResponseRecorder) []models.AuditAction {
	t.Helper()
	page := decode[models.AuditPage](t, w)
	actions := make([]models.AuditAction, 0, len(page.Entries))
	for _, e := range page.Entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[handlers.ErrorResponse](t, w).Error.Code
}

func TestRouter_ConsentToAccessFlow(t *testing.T) {
	s := setupServer(t)
	doctor := bearer(t, "dr-smith", "provider")
	patient := bearer(t, "patient-1", "patient")
	stranger := bearer(t, "someone-else", "researcher")

	w := s.do(t, http.MethodPost, "/v1/databridge/requests", doctor, map[string]interface{}{
		"owner":         "patient-1",
		"dataRequested": []string{"labs"},
		"purpose":       "follow-up",
		"validUntil":    time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.DataRequest](t, w)
	assert.Equal(t, models.RequestPending, created.Status)

	w = s.do(t, http.MethodGet, "/v1/databridge/requests/"+created.ID, stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/databridge/requests/"+created.ID+"/approve", patient, map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(models.ErrConsentMissing), errorCode(t, w))

	w = s.do(t, http.MethodPost, "/v1/databridge/requests/"+created.ID+"/approve", doctor, map[string]interface{}{"patientConsent": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/databridge/requests/"+created.ID+"/approve", patient, map[string]interface{}{"patientConsent": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/databridge/shares", patient, map[string]interface{}{
		"relatedRequest":     created.ID,
		"accessRestrictions": map[string]interface{}{"maxAccessCount": 1},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	share := decode[models.CreateShareResponse](t, w)
	require.NotEmpty(t, share.AccessToken)

	w = s.do(t, http.MethodPost, "/v1/databridge/shares", patient, map[string]interface{}{"relatedRequest": created.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(models.ErrDuplicateShare), errorCode(t, w))

	w = s.do(t, http.MethodPost, "/v1/databridge/shares/"+share.ID+"/access", doctor, nil, handlers.AccessTokenHeader, share.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	access := decode[models.AccessResponse](t, w)
	assert.Equal(t, 1, access.AccessCount)
	assert.Equal(t, models.ShareExpired, access.Status)

	w = s.do(t, http.MethodPost, "/v1/databridge/shares/"+share.ID+"/access", doctor, map[string]string{"token": share.AccessToken})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(models.ErrAccessExhausted), errorCode(t, w))

	w = s.do(t, http.MethodPost, "/v1/databridge/shares/"+share.ID+"/access", doctor, map[string]string{"token": "dbt_nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(models.ErrTokenInvalid), errorCode(t, w))

	w = s.do(t, http.MethodGet, "/v1/databridge/shares/"+share.ID, doctor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.DataShareResponse](t, w)
	assert.Len(t, got.AccessLog, 1)
	assert.NotEmpty(t, got.LedgerTransactions)

	shareTrail := []models.AuditAction{
		models.ActionShare, models.ActionAccess, models.ActionExpire, models.ActionAccessDenied, models.ActionAccessDenied,
	}
	for _, reader := range []string{patient, doctor, bearer(t, "ops", "admin")} {
		w = s.do(t, http.MethodGet, "/v1/databridge/audit?type=share&entityId="+share.ID, reader, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, shareTrail, auditActions(t, w))
	}

	w = s.do(t, http.MethodGet, "/v1/databridge/audit?type=share&entityId="+share.ID, stranger, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, auditActions(t, w))

	w = s.do(t, http.MethodGet, "/v1/databridge/audit?actor=dr-smith", stranger, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, auditActions(t, w))

	w = s.do(t, http.MethodGet, "/v1/databridge/requests?owner=patient-1", patient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[models.DataRequestListResponse](t, w)
	assert.Equal(t, int64(1), list.Total)

	w = s.do(t, http.MethodGet, "/v1/databridge/requests?owner=patient-1", stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRouter_AuthAndOperations(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodGet, "/v1/databridge/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(models.ErrUnauthorized), errorCode(t, w))

	w = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]interface{}](t, w)
	assert.Equal(t, "healthy", health["status"])

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/v1/databridge/admin/sweep", bearer(t, "dr-smith", "provider"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/databridge/admin/sweep", bearer(t, "ops", "admin"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := decode[models.SweepResult](t, w)
	assert.Empty(t, result.ExpiredRequests)

	w = s.do(t, http.MethodGet, "/v1/databridge/audit?dateRange=bad", bearer(t, "ops", "admin"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.ErrValidation), errorCode(t, w))

	w = s.do(t, http.MethodPost, "/v1/databridge/requests", bearer(t, "dr-smith", "provider"), map[string]interface{}{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// approvedShare creates and approves a request for patient-1 and shares it
// with the given restrictions.
func (s *testServer) approvedShare(t *testing.T, restrictions map[string]interface{}) models.CreateShareResponse {
	t.Helper()
	doctor := bearer(t, "dr-smith", "provider")
	patient := bearer(t, "patient-1", "patient")

	w := s.do(t, http.MethodPost, "/v1/databridge/requests", doctor, map[string]interface{}{
		"owner":         "patient-1",
		"dataRequested": []string{"labs"},
		"purpose":       "follow-up",
		"validUntil":    time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.DataRequest](t, w)

	w = s.do(t, http.MethodPost, "/v1/databridge/requests/"+created.ID+"/approve", patient, map[string]interface{}{"patientConsent": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/databridge/shares", patient, map[string]interface{}{
		"relatedRequest":     created.ID,
		"accessRestrictions": restrictions,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.CreateShareResponse](t, w)
}

func TestRouter_ForwardedAddressIgnoredFromUntrustedPeer(t *testing.T) {
	s := setupServer(t)
	share := s.approvedShare(t, map[string]interface{}{"allowedIpAddresses": []string{"10.9.9.9"}})
	doctor := bearer(t, "dr-smith", "provider")

	for _, header := range []string{"X-Forwarded-For", "X-Real-IP"} {
		w := s.do(t, http.MethodPost, "/v1/databridge/shares/"+share.ID+"/access", doctor, nil,
			handlers.AccessTokenHeader, share.AccessToken, header, "10.9.9.9")
		assert.Equal(t, http.StatusForbidden, w.Code, header)
		assert.Equal(t, string(models.ErrAccessDenied), errorCode(t, w), header)
	}
}

func TestRouter_ForwardedAddressHonouredFromTrustedProxy(t *testing.T) {
	// httptest requests arrive from 192.0.2.1
	s := setupServer(t, "192.0.2.0/24")
	share := s.approvedShare(t, map[string]interface{}{"allowedIpAddresses": []string{"10.9.9.9"}})
	doctor := bearer(t, "dr-smith", "provider")

	w := s.do(t, http.MethodPost, "/v1/databridge/shares/"+share.ID+"/access", doctor, nil,
		handlers.AccessTokenHeader, share.AccessToken, "X-Forwarded-For", "10.1.1.1, 192.0.2.9")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/databridge/shares/"+share.ID+"/access", doctor, nil,
		handlers.AccessTokenHeader, share.AccessToken, "X-Forwarded-For", "10.9.9.9")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRouter_RequesterCannotSupplyConsent(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/v1/databridge/requests", bearer(t, "dr-smith", "provider"), map[string]interface{}{
		"owner":          "patient-1",
		"dataRequested":  []string{"labs"},
		"purpose":        "follow-up",
		"validUntil":     time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"patientConsent": true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.ErrValidation), errorCode(t, w))
}
