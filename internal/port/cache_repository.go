package port

import (
	"context"
	"time"
)

type LeaseRepository interface {
	// AcquireLease takes a named lease for owner, returns false if someone else holds it
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease only if owner still holds it
	ReleaseLease(ctx context.Context, name, owner string) error
}

type LowStockAlert struct {
	ItemID       string    `json:"item_id"`
	Available    int       `json:"available"`
	Threshold    int       `json:"threshold"`
	ReorderPoint int       `json:"reorder_point"`
	At           time.Time `json:"at"`
}

type Notifier interface {
	// NotifyLowStock is called after commit; failures never undo the mutation
	NotifyLowStock(ctx context.Context, alert LowStockAlert) error
}
