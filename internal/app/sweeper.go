package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/internal/metrics"
	"github.com/pixgate/transaction-service/internal/store"
)

const (
	// ExpiryTimeout is how long a transaction may stay PENDING. A row created exactly
	// ExpiryTimeout ago is due.
	ExpiryTimeout = 29*time.Minute + 50*time.Second
	// ExpiredMessage is stored on every expired transaction.
	ExpiredMessage = "Transaction expired: payment was not confirmed within 30 minutes"
)

// TransitionObserver receives status changes applied outside the lifecycle manager.
// *Service satisfies it.
type TransitionObserver interface {
	TransitionApplied(ctx context.Context, previous domain.TransactionStatus, tx *domain.Transaction, source string)
}

// Sweeper expires stale PENDING transactions.
type Sweeper struct {
	repo     store.TransactionRepository
	observer TransitionObserver
	audit    *Auditor
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

func NewSweeper(repo store.TransactionRepository, observer TransitionObserver, audit *Auditor, logger *slog.Logger) *Sweeper {
	return &Sweeper{repo: repo, observer: observer, audit: audit, logger: logger, now: systemClock}
}

func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Sweep expires every PENDING transaction at least ExpiryTimeout old in one conditional
// update and returns how many it changed.
func (s *Sweeper) Sweep(ctx context.Context, trigger string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-ExpiryTimeout)
	expired, err := s.repo.ExpirePendingCreatedBy(ctx, cutoff, now, ExpiredMessage)
	if err != nil {
		return 0, fmt.Errorf("expire pending transactions: %w", err)
	}

	for i := range expired {
		if s.observer != nil {
			s.observer.TransitionApplied(ctx, domain.StatusPending, &expired[i], SourceSweeper)
		}
	}
	if len(expired) > 0 {
		metrics.ExpiredTransactions.Add(float64(len(expired)))
		s.logger.Info("expired stale transactions", "count", len(expired), "trigger", trigger, "cutoff", cutoff)
	}
	return len(expired), nil
}

// RunManual performs an administrative sweep.
func (s *Sweeper) RunManual(ctx context.Context) (int, error) {
	n, err := s.Sweep(ctx, "manual")
	s.audit.Record(ctx, nil, AuditManualSweep, "", err == nil, map[string]any{"expired": n})
	return n, err
}

// Stats returns pending and expired counts relative to the current cutoff.
func (s *Sweeper) Stats(ctx context.Context) (domain.ExpiryStats, error) {
	return s.repo.GetExpiryStats(ctx, s.now().Add(-ExpiryTimeout))
}

// PrimaryJob and BackupJob are the cron entry points.
func (s *Sweeper) PrimaryJob() { s.runJob("primary") }
func (s *Sweeper) BackupJob()  { s.runJob("backup") }

func (s *Sweeper) runJob(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.Sweep(ctx, trigger); err != nil {
		s.logger.Error("expiry sweep failed", "trigger", trigger, "error", err)
	}
}
