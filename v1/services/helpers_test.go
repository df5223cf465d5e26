package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gov-dx-sandbox/databridge/internal/config"
	"github.com/gov-dx-sandbox/databridge/v1/database"
	"github.com/gov-dx-sandbox/databridge/v1/ledger"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	requester = models.CallerIdentity{ID: "dr-smith", Role: "provider", IPAddress: "10.1.2.3"}
	owner     = models.CallerIdentity{ID: "patient-1", Role: "patient", IPAddress: "10.9.9.9"}
	stranger  = models.CallerIdentity{ID: "someone-else", Role: "researcher", IPAddress: "10.0.0.7"}
)

// setupTestDB creates an isolated in-memory SQLite database with the full schema
func setupTestDB(t *testing.T) *gorm.DB {
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
	return db
}

// fakeLedger records submissions and can be told to fail.
type fakeLedger struct {
	mu        sync.Mutex
	failNext  int
	failAll   bool
	rejectAll bool
	// maxPayload rejects larger payloads the way the Redis adapter's size cap does
	maxPayload int
	calls      int
	accepted  []string
	refs      map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{refs: make(map[string]string)}
}

func (f *fakeLedger) Submit(_ context.Context, topic string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.rejectAll {
		return "", fmt.Errorf("%w: payload refused", ledger.ErrRejected)
	}
	if f.maxPayload > 0 && len(payload) > f.maxPayload {
		return "", fmt.Errorf("%w: payload of %d bytes exceeds %d", ledger.ErrRejected, len(payload), f.maxPayload)
	}
	if f.failAll {
		return "", errors.New("ledger unavailable")
	}
	if f.failNext > 0 {
		f.failNext--
		return "", errors.New("ledger timeout")
	}
	digest := ledger.Digest(payload)
	if ref, ok := f.refs[digest]; ok {
		return ref, nil
	}
	ref := fmt.Sprintf("%s-%d", topic, len(f.accepted)+1)
	f.refs[digest] = ref
	f.accepted = append(f.accepted, string(payload))
	return ref, nil
}

func (f *fakeLedger) setFailAll(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = v
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLedger) acceptedPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...)
}

// testClock is a settable clock shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	db       *gorm.DB
	ledger   *fakeLedger
	clock    *testClock
	audit    *AuditTrailWriter
	tokens   *TokenService
	requests *RequestService
	shares   *ShareService
	queries  *AuditQueryService
	sweeper  *Sweeper
}

func testWriterConfig() AuditWriterConfig {
	return AuditWriterConfig{
		TopicPrefix:     "test.audit",
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Workers:         2,
		QueueSize:       64,
	}
}

// newTestEnv wires every service against one database; the writer is not started
// unless start is true, so tests control when records are submitted.
func newTestEnv(t *testing.T, start bool) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	fl := newFakeLedger()
	clock := &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}

	audit := NewAuditTrailWriter(db, fl, testWriterConfig())
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		audit.Start(ctx)
		t.Cleanup(func() {
			cancel()
			audit.Stop()
		})
	}

	tokens := NewTokenService(db)
	requests := NewRequestService(db, audit, tokens, config.GetDefaultEnums())
	requests.now = clock.Now
	shares := NewShareService(db, audit, tokens)
	shares.now = clock.Now
	sweeper := NewSweeper(requests, shares, audit, 0)
	sweeper.now = clock.Now

	return &testEnv{
		db:       db,
		ledger:   fl,
		clock:    clock,
		audit:    audit,
		tokens:   tokens,
		requests: requests,
		shares:   shares,
		queries:  NewAuditQueryService(db),
		sweeper:  sweeper,
	}
}

func (e *testEnv) createRequest(t *testing.T) *models.DataRequest {
	t.Helper()
	req, err := e.requests.CreateRequest(context.Background(), requester, models.CreateRequestInput{
		Owner:          owner.ID,
		OwnerRole:      owner.Role,
		DataRequested:  []string{"labs", "vitals"},
		Purpose:        "follow-up consultation",
		ValidUntil:     e.clock.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return req
}

func (e *testEnv) approvedRequest(t *testing.T) *models.DataRequest {
	t.Helper()
	req := e.createRequest(t)
	approved, err := e.requests.Approve(context.Background(), req.ID, owner, withConsent())
	require.NoError(t, err)
	return approved
}

func (e *testEnv) shareWith(t *testing.T, restrictions models.AccessRestrictions) (*models.DataRequest, *models.CreateShareResponse) {
	t.Helper()
	req := e.approvedRequest(t)
	resp, err := e.shares.CreateShare(context.Background(), owner, models.CreateShareInput{
		RequestID:          req.ID,
		AccessRestrictions: restrictions,
	})
	require.NoError(t, err)
	return req, resp
}

func (e *testEnv) actionsFor(t *testing.T, entityType models.EntityType, entityID string) []models.AuditAction {
	t.Helper()
	var records []models.AuditRecord
	require.NoError(t, e.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).Order("seq").Find(&records).Error)
	actions := make([]models.AuditAction, 0, len(records))
	for _, r := range records {
		actions = append(actions, r.Action)
	}
	return actions
}

// withConsent is the owner's approval carrying the patient's consent
func withConsent() models.ApproveRequestInput {
	consent := true
	return models.ApproveRequestInput{PatientConsent: &consent}
}

func intPtr(v int) *int {
	return &v
}
