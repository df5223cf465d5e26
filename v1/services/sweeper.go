package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gov-dx-sandbox/databridge/v1/models"
)

// Sweeper periodically expires requests and shares past their validity and
// re-dispatches audit records the ledger has not confirmed.
type Sweeper struct {
	requests *RequestService
	shares   *ShareService
	audit    *AuditTrailWriter
	interval time.Duration
	now      func() time.Time

	mu sync.Mutex
}

// NewSweeper creates a sweeper; interval <= 0 disables the background loop.
func NewSweeper(requests *RequestService, shares *ShareService, audit *AuditTrailWriter, interval time.Duration) *Sweeper {
	return &Sweeper{
		requests: requests,
		shares:   shares,
		audit:    audit,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a single pass. Passes are serialized; running one twice is harmless.
func (s *Sweeper) RunOnce(ctx context.Context) (*models.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := &models.SweepResult{ExpiredRequests: []string{}, ExpiredShares: []string{}, CheckedAt: now}

	// shares first so a request's shares are journaled before the request itself expires
	shares, err := s.shares.SweepExpired(ctx, now)
	result.ExpiredShares = append(result.ExpiredShares, shares...)
	if err != nil {
		return result, err
	}

	requests, err := s.requests.SweepExpired(ctx, now)
	result.ExpiredRequests = append(result.ExpiredRequests, requests...)
	if err != nil {
		return result, err
	}

	resubmitted, err := s.audit.Reconcile(ctx)
	result.Resubmitted = resubmitted
	if err != nil {
		return result, err
	}
	return result, nil
}

// Start runs RunOnce every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		slog.Info("Expiry sweeper disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		slog.Info("Expiry sweeper started", "interval", s.interval)
		for {
			select {
			case <-ctx.Done():
				slog.Info("Expiry sweeper stopped")
				return
			case <-ticker.C:
				res, err := s.RunOnce(ctx)
				if err != nil {
					slog.Error("Expiry sweep failed", "error", err)
					continue
				}
				if len(res.ExpiredRequests)+len(res.ExpiredShares) > 0 {
					slog.Info("Expiry sweep completed",
						"expiredRequests", len(res.ExpiredRequests),
						"expiredShares", len(res.ExpiredShares),
						"resubmitted", res.Resubmitted)
				}
			}
		}
	}()
}
