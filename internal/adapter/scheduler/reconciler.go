package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const leaseName = "reconcile"

type ReconcilerConfig struct {
	Interval time.Duration
	Batch    int
	// Owner identifies this instance in the lease.
	Owner string
}

// Reconciler runs a reconciliation pass every interval. The lease keeps
// concurrent instances from reconciling the same batch in the same tick.
type Reconciler struct {
	reconcile *service.ReconcileService
	repo      port.LedgerRepository
	lease     port.LeaseRepository
	cfg       ReconcilerConfig
	log       logrus.FieldLogger
}

func NewReconciler(reconcile *service.ReconcileService, repo port.LedgerRepository, lease port.LeaseRepository, cfg ReconcilerConfig, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		reconcile: reconcile,
		repo:      repo,
		lease:     lease,
		cfg:       cfg,
		log:       log,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.WithField("interval", r.cfg.Interval).Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.WithError(err).Error("reconciliation pass failed")
			}
		}
	}
}

// RunOnce reconciles the least recently reconciled batch. It returns nil
// results when another instance holds the lease.
func (r *Reconciler) RunOnce(ctx context.Context) ([]service.ReconcileResult, error) {
	if r.lease != nil {
		ok, err := r.lease.AcquireLease(ctx, leaseName, r.cfg.Owner, r.cfg.Interval)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.log.Debug("reconcile lease held elsewhere, skipping tick")
			return nil, nil
		}
		defer func() {
			if err := r.lease.ReleaseLease(context.Background(), leaseName, r.cfg.Owner); err != nil {
				r.log.WithError(err).Warn("release reconcile lease")
			}
		}()
	}

	itemIDs, err := r.repo.StaleLedgers(ctx, r.cfg.Batch)
	if err != nil {
		return nil, errors.Wrap(err, "select batch")
	}

	results := r.reconcile.Reconcile(ctx, itemIDs)

	counts := make(map[service.ReconcileStatus]int)
	for _, res := range results {
		counts[res.Status]++
	}
	r.log.WithFields(logrus.Fields{
		"items":     len(results),
		"ok":        counts[service.ReconcileOK],
		"corrected": counts[service.ReconcileCorrected],
		"no_ledger": counts[service.ReconcileNoLedger],
		"errors":    counts[service.ReconcileError],
	}).Info("reconciliation pass finished")

	return results, nil
}
