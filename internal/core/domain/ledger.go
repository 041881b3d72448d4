package domain

import (
	"encoding/json"
	"time"
)

// Ledger is the materialized quantity state of one catalog item. It is a
// cache of the event log, never the ground truth.
type Ledger struct {
	ItemID            string     `db:"item_id" json:"item_id"`
	QuantityTotal     int        `db:"quantity_total" json:"quantity_total"`
	QuantityReserved  int        `db:"quantity_reserved" json:"quantity_reserved"`
	LowStockThreshold int        `db:"low_stock_threshold" json:"low_stock_threshold"`
	ReorderPoint      int        `db:"reorder_point" json:"reorder_point"`
	Version           int64      `db:"version" json:"version"` // bumped on every write
	LastReconciledAt  *time.Time `db:"last_reconciled_at" json:"last_reconciled_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Available is derived on read and never stored independently.
func (l Ledger) Available() int {
	return l.QuantityTotal - l.QuantityReserved
}

// MarshalJSON adds the derived available quantity to the encoded row.
func (l Ledger) MarshalJSON() ([]byte, error) {
	type ledger Ledger
	return json.Marshal(struct {
		ledger
		QuantityAvailable int `json:"quantity_available"`
	}{ledger(l), l.Available()})
}

// IsLowStock reports whether available stock is at or under the row threshold.
func (l Ledger) IsLowStock() bool {
	return l.Available() <= l.LowStockThreshold
}

// Valid checks the quantity invariants that must hold after every commit.
func (l Ledger) Valid() bool {
	return l.QuantityTotal >= 0 && l.QuantityReserved >= 0 && l.QuantityReserved <= l.QuantityTotal
}

// LedgerDefaults is the configuration copied into a ledger when it is
// created lazily.
type LedgerDefaults struct {
	LowStockThreshold int
	ReorderPoint      int
}

// NewLedger returns a zero-quantity ledger for itemID.
func NewLedger(itemID string, defaults LedgerDefaults, now time.Time) Ledger {
	return Ledger{
		ItemID:            itemID,
		LowStockThreshold: defaults.LowStockThreshold,
		ReorderPoint:      defaults.ReorderPoint,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
