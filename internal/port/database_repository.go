package port

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// ErrDuplicateIdempotencyKey is returned by AppendEvent when a concurrent
// transaction already committed an event with the same key.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

type LedgerRepository interface {
	// WithinTx runs fn in a serializable transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// GetLedger returns nil when the item has no ledger row
	GetLedger(ctx context.Context, itemID string) (*domain.Ledger, error)

	// RecentEvents returns up to limit events for an item, newest first
	RecentEvents(ctx context.Context, itemID string, limit int) ([]domain.Event, error)

	// SearchEvents returns one page of matching events, newest first, and the total match count
	SearchEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, int, error)

	// LowStock returns ledgers with available <= threshold (row threshold when nil)
	LowStock(ctx context.Context, threshold *int, limit int) ([]domain.Ledger, error)

	// MarkReconciled stamps last_reconciled_at without bumping the version
	MarkReconciled(ctx context.Context, itemID string, at time.Time) error

	// StaleLedgers lists item IDs ordered by oldest reconciliation first
	StaleLedgers(ctx context.Context, limit int) ([]string, error)
}

// LedgerTx is the view of the store inside one serializable transaction.
type LedgerTx interface {
	FindEventByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error)

	// GetLedger reads the row without locking; nil when absent
	GetLedger(ctx context.Context, itemID string) (*domain.Ledger, error)

	// LockLedger creates the row with zero quantities if absent and takes an
	// exclusive lock on it until the transaction ends
	LockLedger(ctx context.Context, itemID string, defaults domain.LedgerDefaults) (*domain.Ledger, error)

	// ExpectedTotal sums quantity changes that move total stock, skipping
	// reservation events and reconciliation corrections
	ExpectedTotal(ctx context.Context, itemID string) (int, error)

	AppendEvent(ctx context.Context, event domain.Event) error

	// UpdateLedger writes quantities and thresholds if the stored version
	// still equals ledger.Version, then increments the version
	UpdateLedger(ctx context.Context, ledger domain.Ledger) error
}
