package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventInitialStock   EventType = "initial_stock"
	EventManualAdjust   EventType = "manual_adjust"
	EventSale           EventType = "sale"
	EventReturn         EventType = "return"
	EventReserve        EventType = "reserve"
	EventReleaseReserve EventType = "release_reserve"
	EventSyncCorrection EventType = "sync_correction"
	EventBulkImport     EventType = "bulk_import"
	EventDamageWriteoff EventType = "damage_writeoff"
)

// ChannelReconciliation marks corrections written by the reconciliation
// engine. Those events repair the ledger and are not part of the expected
// total computed from the log.
const ChannelReconciliation = "reconciliation"

var eventTypes = map[EventType]bool{
	EventInitialStock:   true,
	EventManualAdjust:   true,
	EventSale:           true,
	EventReturn:         true,
	EventReserve:        true,
	EventReleaseReserve: true,
	EventSyncCorrection: true,
	EventBulkImport:     true,
	EventDamageWriteoff: true,
}

func (t EventType) Valid() bool {
	return eventTypes[t]
}

// AffectsTotal reports whether events of this type move quantity_total.
// Reserve and release only touch the reservation sub-ledger.
func (t EventType) AffectsTotal() bool {
	return t != EventReserve && t != EventReleaseReserve
}

// Event is an immutable record of one quantity-affecting action.
// QuantityBefore/After snapshot the total for adjust-type events and the
// available quantity for reserve/release.
type Event struct {
	Seq             int64     `db:"seq" json:"-"`
	ID              uuid.UUID `db:"id" json:"id"`
	ItemID          string    `db:"item_id" json:"item_id"`
	Type            EventType `db:"event_type" json:"event_type"`
	QuantityChange  int       `db:"quantity_change" json:"quantity_change"`
	QuantityBefore  int       `db:"quantity_before" json:"quantity_before"`
	QuantityAfter   int       `db:"quantity_after" json:"quantity_after"`
	SourceChannel   string    `db:"source_channel" json:"source_channel,omitempty"`
	SourceOrderID   string    `db:"source_order_id" json:"source_order_id,omitempty"`
	SourceReference string    `db:"source_reference" json:"source_reference,omitempty"`
	IdempotencyKey  string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Reason          string    `db:"reason" json:"reason,omitempty"`
	CreatedBy       string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// EventFilter selects events for history queries. Zero values mean "any".
type EventFilter struct {
	ItemID string
	Type   EventType
	Since  time.Time
	Limit  int
	Offset int
}

func ReserveKey(orderID, itemID string) string {
	return fmt.Sprintf("reserve:%s:%s", orderID, itemID)
}

func ReleaseKey(orderID, itemID string) string {
	return fmt.Sprintf("release:%s:%s", orderID, itemID)
}

const ReconcileKeyPrefix = "reconcile:"

// ReconcileKey is bound to a tick so that repeated runs within the same tick
// cannot apply the same correction twice.
func ReconcileKey(itemID string, tick time.Time) string {
	return fmt.Sprintf("%s%s:%d", ReconcileKeyPrefix, itemID, tick.Unix())
}

// IsReconciliationProvenance reports whether channel or key belong to the
// reconciliation engine.
func IsReconciliationProvenance(channel, key string) bool {
	return strings.EqualFold(strings.TrimSpace(channel), ChannelReconciliation) ||
		strings.HasPrefix(key, ReconcileKeyPrefix)
}

func ImportKey(batchID, itemID string) string {
	return fmt.Sprintf("import:%s:%s", batchID, itemID)
}

func ChannelKey(channel, eventID string) string {
	return fmt.Sprintf("channel:%s:%s", channel, eventID)
}
