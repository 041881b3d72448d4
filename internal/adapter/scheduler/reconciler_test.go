package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

type fakeLease struct {
	mu       sync.Mutex
	holder   string
	acquired int
	released int
}

func (l *fakeLease) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != "" && l.holder != owner {
		return false, nil
	}
	l.holder = owner
	l.acquired++
	return true, nil
}

func (l *fakeLease) ReleaseLease(ctx context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder == owner {
		l.holder = ""
		l.released++
	}
	return nil
}

func newTestReconciler(t *testing.T, lease *fakeLease, batch int) (*Reconciler, *service.LedgerService, *storage.MemoryAdapter) {
	t.Helper()
	repo := storage.NewMemoryAdapter()
	logger, _ := logtest.NewNullLogger()
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	ledger := service.NewLedgerService(repo, nil, domain.LedgerDefaults{}, logger)
	reconcile := service.NewReconcileService(repo, ledger, policy, service.ReconcileConfig{Tick: time.Minute, Concurrency: 2}, logger)

	cfg := ReconcilerConfig{Interval: 10 * time.Millisecond, Batch: batch, Owner: "node-a"}
	if lease == nil {
		return NewReconciler(reconcile, repo, nil, cfg, logger), ledger, repo
	}
	return NewReconciler(reconcile, repo, lease, cfg, logger), ledger, repo
}

func TestReconciler_RunOnce(t *testing.T) {
	lease := &fakeLease{}
	r, ledger, repo := newTestReconciler(t, lease, 2)
	ctx := context.Background()

	for _, id := range []string{"item-a", "item-b", "item-c"} {
		_, err := ledger.AdjustQuantity(ctx, service.AdjustRequest{ItemID: id, Change: 5})
		require.NoError(t, err)
	}
	l, err := repo.GetLedger(ctx, "item-b")
	require.NoError(t, err)
	l.QuantityTotal = 9
	repo.PutLedger(*l)

	results, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "item-a", results[0].ItemID)
	assert.Equal(t, service.ReconcileOK, results[0].Status)
	assert.Equal(t, "item-b", results[1].ItemID)
	assert.Equal(t, service.ReconcileCorrected, results[1].Status)
	assert.Equal(t, -4, results[1].Diff)

	// The next pass picks up the item that was never reconciled.
	results, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "item-c", results[0].ItemID)

	assert.Equal(t, 2, lease.acquired)
	assert.Equal(t, 2, lease.released)
	assert.Empty(t, lease.holder)
}

func TestReconciler_SkipsWhenLeaseHeld(t *testing.T) {
	lease := &fakeLease{holder: "node-b"}
	r, ledger, _ := newTestReconciler(t, lease, 10)
	ctx := context.Background()

	_, err := ledger.AdjustQuantity(ctx, service.AdjustRequest{ItemID: "item-a", Change: 5})
	require.NoError(t, err)

	results, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Equal(t, "node-b", lease.holder)
}

func TestReconciler_WithoutLease(t *testing.T) {
	r, ledger, _ := newTestReconciler(t, nil, 10)
	ctx := context.Background()

	_, err := ledger.AdjustQuantity(ctx, service.AdjustRequest{ItemID: "item-a", Change: 5})
	require.NoError(t, err)

	results, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, service.ReconcileOK, results[0].Status)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	r, _, _ := newTestReconciler(t, &fakeLease{}, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, r.Run(ctx))
}
