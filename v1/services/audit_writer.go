package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gov-dx-sandbox/databridge/pkg/monitoring"
	"github.com/gov-dx-sandbox/databridge/v1/ledger"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"gorm.io/gorm"
)

// AuditWriterConfig tunes ledger submission.
type AuditWriterConfig struct {
	TopicPrefix     string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Workers         int
	QueueSize       int
}

// DefaultAuditWriterConfig returns production defaults
func DefaultAuditWriterConfig() AuditWriterConfig {
	return AuditWriterConfig{
		TopicPrefix:     "databridge.audit",
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Workers:         4,
		QueueSize:       256,
	}
}

// AuditTrailWriter journals every transition locally and submits it to the ledger log.
//
// Records are staged inside the domain transaction and dispatched after commit.
// Workers are sharded by entity, so records of one entity reach the ledger in
// sequence order while different entities proceed concurrently.
type AuditTrailWriter struct {
	db     *gorm.DB
	ledger ledger.LedgerLog
	cfg    AuditWriterConfig

	mu      sync.RWMutex
	queues  []chan *models.AuditRecord
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewAuditTrailWriter creates a writer; call Start to begin asynchronous submission.
func NewAuditTrailWriter(db *gorm.DB, log ledger.LedgerLog, cfg AuditWriterConfig) *AuditTrailWriter {
	def := DefaultAuditWriterConfig()
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &AuditTrailWriter{db: db, ledger: log, cfg: cfg}
}

// Start launches the submission workers. They stop when ctx is cancelled or Stop is called.
func (w *AuditTrailWriter) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.queues = make([]chan *models.AuditRecord, w.cfg.Workers)
	for i := range w.queues {
		q := make(chan *models.AuditRecord, w.cfg.QueueSize)
		w.queues[i] = q
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-q:
					w.process(ctx, rec)
				}
			}
		}()
	}
	w.running = true
	slog.Info("Audit trail writer started", "workers", w.cfg.Workers)
}

// Stop abandons in-flight submissions and waits for the workers to exit.
// Abandoned records stay pending and are picked up by Reconcile on the next start.
func (w *AuditTrailWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	slog.Info("Audit trail writer stopped")
}

// Stage inserts the pending record for entry inside tx.
func (w *AuditTrailWriter) Stage(tx *gorm.DB, entry models.AuditEntry) (*models.AuditRecord, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	// Two events of one entity in the same microsecond would share an identity; nudge the later one.
	for attempt := 0; ; attempt++ {
		rec, err := models.NewAuditRecord(entry)
		if err != nil {
			return nil, err
		}
		var existing int64
		if err := tx.Model(&models.AuditRecord{}).Where("record_id = ?", rec.RecordID).Count(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to check audit record identity: %w", err)
		}
		if existing > 0 {
			if attempt >= 8 {
				return nil, fmt.Errorf("audit record %s already exists", rec.RecordID)
			}
			entry.Timestamp = entry.Timestamp.Add(time.Microsecond)
			continue
		}
		if err := tx.Create(rec).Error; err != nil {
			return nil, fmt.Errorf("failed to stage audit record: %w", err)
		}
		return rec, nil
	}
}

// Dispatch queues committed records for submission without blocking.
// A full queue leaves the record pending for reconciliation.
func (w *AuditTrailWriter) Dispatch(records ...*models.AuditRecord) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.running {
		return
	}
	for _, rec := range records {
		select {
		case w.queues[w.shard(rec)] <- rec:
		default:
			slog.Warn("Ledger submission queue full, record left for reconciliation",
				"recordId", rec.RecordID, "entityType", rec.EntityType, "entityId", rec.EntityID)
		}
	}
}

// Record journals entry and submits it synchronously, returning the ledger reference.
// When retries are exhausted the record stays unconfirmed and LedgerSubmissionError is returned.
func (w *AuditTrailWriter) Record(ctx context.Context, entry models.AuditEntry) (string, error) {
	rec, err := w.Stage(w.db.WithContext(ctx), entry)
	if err != nil {
		return "", err
	}
	return w.process(ctx, rec)
}

// Reconcile re-dispatches every committed record that is neither confirmed nor rejected, in order.
func (w *AuditTrailWriter) Reconcile(ctx context.Context) (int, error) {
	var records []*models.AuditRecord
	err := w.db.WithContext(ctx).
		Where("ledger_status NOT IN ?", models.SettledLedgerStatuses).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load unconfirmed audit records: %w", err)
	}
	if len(records) > 0 {
		slog.Info("Reconciling unconfirmed audit records", "count", len(records))
		w.Dispatch(records...)
	}
	return len(records), nil
}

// process submits rec unless it is already settled or an earlier record of the
// same entity is still outstanding. Once rec is settled, confirmed or rejected,
// it drains later held-back records.
func (w *AuditTrailWriter) process(ctx context.Context, rec *models.AuditRecord) (string, error) {
	ref, err := w.submitOne(ctx, rec)
	if err != nil && !errors.Is(err, ledger.ErrRejected) {
		return "", err
	}
	w.drainLater(ctx, rec)
	return ref, err
}

func (w *AuditTrailWriter) drainLater(ctx context.Context, rec *models.AuditRecord) {
	var later []*models.AuditRecord
	if err := w.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND seq > ? AND ledger_status NOT IN ?",
			rec.EntityType, rec.EntityID, rec.Seq, models.SettledLedgerStatuses).
		Order("seq ASC").
		Find(&later).Error; err != nil {
		slog.Warn("Failed to load held-back audit records", "entityId", rec.EntityID, "error", err)
		return
	}
	for _, next := range later {
		if _, err := w.submitOne(ctx, next); err != nil && !errors.Is(err, ledger.ErrRejected) {
			return
		}
	}
}

func (w *AuditTrailWriter) submitOne(ctx context.Context, rec *models.AuditRecord) (string, error) {
	var current models.AuditRecord
	if err := w.db.WithContext(ctx).Where("seq = ?", rec.Seq).First(&current).Error; err != nil {
		return "", fmt.Errorf("failed to reload audit record %s: %w", rec.RecordID, err)
	}
	if current.LedgerStatus == models.LedgerConfirmed && current.LedgerRef != nil {
		return *current.LedgerRef, nil
	}
	if current.LedgerStatus == models.LedgerRejected {
		return "", fmt.Errorf("%w: %w: record %s", models.ErrLedgerSubmission, ledger.ErrRejected, current.RecordID)
	}

	var earlier int64
	if err := w.db.WithContext(ctx).Model(&models.AuditRecord{}).
		Where("entity_type = ? AND entity_id = ? AND seq < ? AND ledger_status NOT IN ?",
			current.EntityType, current.EntityID, current.Seq, models.SettledLedgerStatuses).
		Count(&earlier).Error; err != nil {
		return "", fmt.Errorf("failed to check audit ordering: %w", err)
	}
	if earlier > 0 {
		slog.Debug("Audit record held behind earlier unconfirmed record",
			"recordId", current.RecordID, "entityId", current.EntityID, "earlier", earlier)
		return "", fmt.Errorf("%w: record %s is held behind %d earlier unconfirmed record(s)",
			models.ErrLedgerSubmission, current.RecordID, earlier)
	}

	ref, attempts, err := w.submitWithRetry(ctx, &current)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down: leave it pending for the next reconciliation
			return "", fmt.Errorf("%w: %w", models.ErrLedgerSubmission, err)
		}
		if errors.Is(err, ledger.ErrRejected) {
			w.markRejected(&current, attempts, err)
		} else {
			w.markUnconfirmed(&current, attempts, err)
		}
		return "", fmt.Errorf("%w: %w", models.ErrLedgerSubmission, err)
	}

	now := time.Now().UTC()
	res := w.db.WithContext(ctx).Model(&models.AuditRecord{}).
		Where("seq = ? AND ledger_status <> ?", current.Seq, models.LedgerConfirmed).
		Updates(map[string]interface{}{
			"ledger_ref":    ref,
			"ledger_status": models.LedgerConfirmed,
			"confirmed_at":  now,
			"attempts":      gorm.Expr("attempts + ?", attempts),
			"last_error":    nil,
		})
	if res.Error != nil {
		return "", fmt.Errorf("failed to confirm audit record %s: %w", current.RecordID, res.Error)
	}

	rec.LedgerRef = &ref
	rec.LedgerStatus = models.LedgerConfirmed
	rec.ConfirmedAt = &now
	monitoring.RecordBusinessEvent("ledger_submission", "confirmed")
	slog.Debug("Audit record confirmed", "recordId", current.RecordID, "reference", ref, "attempts", attempts)
	return ref, nil
}

func (w *AuditTrailWriter) submitWithRetry(ctx context.Context, rec *models.AuditRecord) (string, int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.InitialInterval
	eb.MaxInterval = w.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.MaxAttempts-1)), ctx)

	topic := rec.Topic(w.cfg.TopicPrefix)
	var ref string
	attempts := 0
	op := func() error {
		attempts++
		start := time.Now()
		r, err := w.ledger.Submit(ctx, topic, []byte(rec.Payload))
		monitoring.RecordExternalCall("ledger", "submit", time.Since(start), err)
		if err != nil {
			if errors.Is(err, ledger.ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		if r == "" {
			return errors.New("ledger returned an empty reference")
		}
		ref = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Ledger submission failed, retrying",
			"recordId", rec.RecordID, "attempt", attempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", attempts, err
	}
	return ref, attempts, nil
}

func (w *AuditTrailWriter) markUnconfirmed(rec *models.AuditRecord, attempts int, cause error) {
	msg := cause.Error()
	err := w.db.Model(&models.AuditRecord{}).
		Where("seq = ? AND ledger_status <> ?", rec.Seq, models.LedgerConfirmed).
		Updates(map[string]interface{}{
			"ledger_status": models.LedgerUnconfirmed,
			"attempts":      gorm.Expr("attempts + ?", attempts),
			"last_error":    msg,
		}).Error
	if err != nil {
		slog.Error("Failed to mark audit record unconfirmed", "recordId", rec.RecordID, "error", err)
	}

	monitoring.RecordBusinessEvent("ledger_submission", "exhausted")
	slog.Error("Ledger submission exhausted retries; transition is pending ledger confirmation",
		"alert", "ledger_submission_failed",
		"recordId", rec.RecordID,
		"entityType", rec.EntityType,
		"entityId", rec.EntityID,
		"action", rec.Action,
		"attempts", attempts,
		"error", cause)
}

// markRejected settles a record the ledger will never accept so later records of
// the entity are no longer held behind it. The local journal keeps the full entry.
func (w *AuditTrailWriter) markRejected(rec *models.AuditRecord, attempts int, cause error) {
	err := w.db.Model(&models.AuditRecord{}).
		Where("seq = ? AND ledger_status NOT IN ?", rec.Seq, models.SettledLedgerStatuses).
		Updates(map[string]interface{}{
			"ledger_status": models.LedgerRejected,
			"attempts":      gorm.Expr("attempts + ?", attempts),
			"last_error":    cause.Error(),
		}).Error
	if err != nil {
		slog.Error("Failed to mark audit record rejected", "recordId", rec.RecordID, "error", err)
	}

	monitoring.RecordBusinessEvent("ledger_submission", "rejected")
	slog.Error("Ledger permanently rejected audit record",
		"alert", "ledger_submission_rejected",
		"recordId", rec.RecordID,
		"entityType", rec.EntityType,
		"entityId", rec.EntityID,
		"action", rec.Action,
		"payloadBytes", len(rec.Payload),
		"error", cause)
}

func (w *AuditTrailWriter) shard(rec *models.AuditRecord) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(string(rec.EntityType) + ":" + rec.EntityID))
	return int(h.Sum32() % uint32(len(w.queues)))
}

// journal collects the records staged in one domain transaction.
type journal struct {
	writer  *AuditTrailWriter
	tx      *gorm.DB
	records []*models.AuditRecord
}

func (j *journal) add(entry models.AuditEntry) error {
	rec, err := j.writer.Stage(j.tx, entry)
	if err != nil {
		return err
	}
	j.records = append(j.records, rec)
	return nil
}

// runInTransaction applies fn atomically with its audit records and dispatches them after commit.
func runInTransaction(ctx context.Context, db *gorm.DB, writer *AuditTrailWriter, fn func(tx *gorm.DB, j *journal) error) error {
	var j *journal
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j = &journal{writer: writer, tx: tx}
		return fn(tx, j)
	})
	if err != nil {
		return err
	}
	writer.Dispatch(j.records...)
	return nil
}
