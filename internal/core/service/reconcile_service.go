package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

type ReconcileStatus string

const (
	ReconcileOK        ReconcileStatus = "ok"
	ReconcileCorrected ReconcileStatus = "corrected"
	ReconcileNoLedger  ReconcileStatus = "no_ledger"
	ReconcileError     ReconcileStatus = "error"
)

type ReconcileResult struct {
	ItemID string          `json:"item_id"`
	Status ReconcileStatus `json:"status"`
	Diff   int             `json:"diff,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type ReconcileConfig struct {
	// Tick is the granularity of correction idempotency keys.
	Tick        time.Duration
	Concurrency int
}

// ReconcileService treats the event log as authoritative and repairs ledger
// drift through the mutation engine. Reservation drift is not detected here:
// reserve and release events never contribute to the expected total.
type ReconcileService struct {
	repo   port.LedgerRepository
	ledger *LedgerService
	policy retry.Policy
	cfg    ReconcileConfig
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewReconcileService(repo port.LedgerRepository, ledger *LedgerService, policy retry.Policy, cfg ReconcileConfig, log logrus.FieldLogger) *ReconcileService {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &ReconcileService{
		repo:   repo,
		ledger: ledger,
		policy: policy,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile checks every item independently. A failure on one item is
// reported in its result and never aborts the batch.
func (s *ReconcileService) Reconcile(ctx context.Context, itemIDs []string) []ReconcileResult {
	results := make([]ReconcileResult, len(itemIDs))
	now := s.now()

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, itemID := range itemIDs {
		g.Go(func() error {
			res, err := s.reconcileOne(ctx, itemID, now)
			if err != nil {
				s.log.WithError(err).WithField("item_id", itemID).Error("reconciliation failed")
				res = ReconcileResult{ItemID: itemID, Status: ReconcileError, Error: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *ReconcileService) reconcileOne(ctx context.Context, itemID string, now time.Time) (ReconcileResult, error) {
	if itemID == "" {
		return ReconcileResult{}, errors.Wrap(domain.ErrInvalidArgument, "item id is required")
	}

	var (
		ledger   *domain.Ledger
		expected int
	)
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(tx port.LedgerTx) error {
			var err error
			ledger, err = tx.GetLedger(ctx, itemID)
			if err != nil || ledger == nil {
				return err
			}
			expected, err = tx.ExpectedTotal(ctx, itemID)
			return err
		})
	})
	if err != nil {
		return ReconcileResult{}, errors.Wrap(err, "read snapshot")
	}
	if ledger == nil {
		return ReconcileResult{ItemID: itemID, Status: ReconcileNoLedger}, nil
	}

	diff := expected - ledger.QuantityTotal
	if diff == 0 {
		if err := s.repo.MarkReconciled(ctx, itemID, now); err != nil {
			return ReconcileResult{}, errors.Wrap(err, "mark reconciled")
		}
		return ReconcileResult{ItemID: itemID, Status: ReconcileOK}, nil
	}

	req := AdjustRequest{
		ItemID:         itemID,
		Change:         diff,
		Reason:         fmt.Sprintf("ledger total %d drifted from event log total %d", ledger.QuantityTotal, expected),
		IdempotencyKey: domain.ReconcileKey(itemID, now.Truncate(s.cfg.Tick)),
		CreatedBy:      "reconciler",
	}
	var res *MutationResult
	err = s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.ledger.applyCorrection(ctx, req)
		return err
	})
	if err != nil {
		return ReconcileResult{}, errors.Wrap(err, "apply correction")
	}
	if res.Replayed && res.Ledger.QuantityTotal != expected {
		// This tick already carries a correction; the rest waits for the next one.
		return ReconcileResult{}, errors.Errorf("correction for this tick already applied, drift %d deferred", diff)
	}

	if err := s.repo.MarkReconciled(ctx, itemID, now); err != nil {
		return ReconcileResult{}, errors.Wrap(err, "mark reconciled")
	}

	s.log.WithFields(logrus.Fields{"item_id": itemID, "diff": diff}).Warn("ledger drift corrected")
	return ReconcileResult{ItemID: itemID, Status: ReconcileCorrected, Diff: diff}, nil
}
