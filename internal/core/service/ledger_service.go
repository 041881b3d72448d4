package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const recentEventsLimit = 20

// LedgerService is the only writer of ledgers and events. Every mutation
// runs in one serializable transaction scoped to the item's ledger row.
type LedgerService struct {
	repo     port.LedgerRepository
	notifier port.Notifier
	defaults domain.LedgerDefaults
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewLedgerService wires the engine; notifier may be nil.
func NewLedgerService(repo port.LedgerRepository, notifier port.Notifier, defaults domain.LedgerDefaults, log logrus.FieldLogger) *LedgerService {
	return &LedgerService{
		repo:     repo,
		notifier: notifier,
		defaults: defaults,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type AdjustRequest struct {
	ItemID          string           `json:"item_id"`
	Change          int              `json:"change"`
	Type            domain.EventType `json:"event_type,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key,omitempty"`
	SourceChannel   string           `json:"source_channel,omitempty"`
	SourceOrderID   string           `json:"source_order_id,omitempty"`
	SourceReference string           `json:"source_reference,omitempty"`
	CreatedBy       string           `json:"created_by,omitempty"`
	// ExpectedVersion, when set, rejects the write if the ledger moved since
	// the caller read it.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type SetQuantityRequest struct {
	ItemID          string
	Quantity        int
	Type            domain.EventType
	Reason          string
	IdempotencyKey  string
	SourceChannel   string
	SourceReference string
	CreatedBy       string
}

type MutationResult struct {
	Ledger domain.Ledger `json:"ledger"`
	Event  domain.Event  `json:"event"`
	// Replayed is set when the idempotency key matched an earlier event and
	// nothing was applied.
	Replayed bool `json:"replayed"`
	// Unchanged is set when the request was already satisfied and no event
	// was written.
	Unchanged bool `json:"unchanged,omitempty"`
}

type LedgerView struct {
	Ledger       domain.Ledger  `json:"ledger"`
	RecentEvents []domain.Event `json:"recent_events"`
}

// mutation describes one write. apply validates against the locked row,
// mutates it in place and returns the event to append, or nil when there is
// nothing to write.
type mutation struct {
	itemID string
	key    string
	apply  func(l *domain.Ledger) (*domain.Event, error)
}

// GetLedger returns the ledger with its most recent events, creating a zero
// ledger on first access.
func (s *LedgerService) GetLedger(ctx context.Context, itemID string) (*LedgerView, error) {
	if itemID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "item id is required")
	}

	ledger, err := s.repo.GetLedger(ctx, itemID)
	if err != nil {
		return nil, errors.Wrap(err, "get ledger")
	}
	if ledger == nil {
		err = s.repo.WithinTx(ctx, func(tx port.LedgerTx) error {
			ledger, err = tx.LockLedger(ctx, itemID, s.defaults)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "create ledger")
		}
	}

	events, err := s.repo.RecentEvents(ctx, itemID, recentEventsLimit)
	if err != nil {
		return nil, errors.Wrap(err, "recent events")
	}

	return &LedgerView{Ledger: *ledger, RecentEvents: events}, nil
}

func (s *LedgerService) AdjustQuantity(ctx context.Context, req AdjustRequest) (*MutationResult, error) {
	if err := checkProvenance(req.SourceChannel, req.IdempotencyKey); err != nil {
		return nil, err
	}
	return s.adjust(ctx, req)
}

// applyCorrection writes a reconciliation correction. It is the only path
// allowed to use the reconciliation channel and key space.
func (s *LedgerService) applyCorrection(ctx context.Context, req AdjustRequest) (*MutationResult, error) {
	req.Type = domain.EventSyncCorrection
	req.SourceChannel = domain.ChannelReconciliation
	return s.adjust(ctx, req)
}

func (s *LedgerService) adjust(ctx context.Context, req AdjustRequest) (*MutationResult, error) {
	if req.ItemID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "item id is required")
	}
	if req.Change == 0 {
		return nil, domain.ErrZeroChange
	}
	eventType := req.Type
	if eventType == "" {
		eventType = domain.EventManualAdjust
	}
	if !eventType.Valid() || !eventType.AffectsTotal() {
		return nil, errors.Wrapf(domain.ErrInvalidEventType, "%q cannot adjust total stock", eventType)
	}

	return s.mutate(ctx, mutation{
		itemID: req.ItemID,
		key:    req.IdempotencyKey,
		apply: func(l *domain.Ledger) (*domain.Event, error) {
			if req.ExpectedVersion != nil && *req.ExpectedVersion != l.Version {
				return nil, errors.Wrapf(domain.ErrStaleVersion, "expected version %d, current %d", *req.ExpectedVersion, l.Version)
			}

			before := l.QuantityTotal
			after := before + req.Change
			if after < 0 {
				return nil, errors.Wrapf(domain.ErrInsufficientStock, "total %d, change %d", before, req.Change)
			}
			if after < l.QuantityReserved {
				return nil, errors.Wrapf(domain.ErrBelowReserved, "new total %d, reserved %d", after, l.QuantityReserved)
			}
			l.QuantityTotal = after

			return &domain.Event{
				Type:            eventType,
				QuantityChange:  req.Change,
				QuantityBefore:  before,
				QuantityAfter:   after,
				SourceChannel:   req.SourceChannel,
				SourceOrderID:   req.SourceOrderID,
				SourceReference: req.SourceReference,
				Reason:          req.Reason,
				CreatedBy:       req.CreatedBy,
			}, nil
		},
	})
}

// ReserveQuantity earmarks stock for an order. The idempotency key is derived
// from the order and item, so reprocessing the same order is a no-op.
func (s *LedgerService) ReserveQuantity(ctx context.Context, itemID string, quantity int, orderID string) (*MutationResult, error) {
	if itemID == "" || orderID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "item id and order id are required")
	}
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	return s.mutate(ctx, mutation{
		itemID: itemID,
		key:    domain.ReserveKey(orderID, itemID),
		apply: func(l *domain.Ledger) (*domain.Event, error) {
			before := l.Available()
			if quantity > before {
				return nil, &domain.InsufficientAvailableError{Available: before, Requested: quantity}
			}
			l.QuantityReserved += quantity

			return &domain.Event{
				Type:           domain.EventReserve,
				QuantityChange: -quantity,
				QuantityBefore: before,
				QuantityAfter:  l.Available(),
				SourceOrderID:  orderID,
				Reason:         "order reservation",
			}, nil
		},
	})
}

func (s *LedgerService) ReleaseReservation(ctx context.Context, itemID string, quantity int, orderID string) (*MutationResult, error) {
	if itemID == "" || orderID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "item id and order id are required")
	}
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	return s.mutate(ctx, mutation{
		itemID: itemID,
		key:    domain.ReleaseKey(orderID, itemID),
		apply: func(l *domain.Ledger) (*domain.Event, error) {
			if quantity > l.QuantityReserved {
				return nil, errors.Wrapf(domain.ErrReleaseExceedsReserved, "reserved %d, release %d", l.QuantityReserved, quantity)
			}
			before := l.Available()
			l.QuantityReserved -= quantity

			return &domain.Event{
				Type:           domain.EventReleaseReserve,
				QuantityChange: quantity,
				QuantityBefore: before,
				QuantityAfter:  l.Available(),
				SourceOrderID:  orderID,
				Reason:         "reservation released",
			}, nil
		},
	})
}

// SetQuantity moves total stock to an absolute value. The change is computed
// against the locked row, so concurrent writers cannot make it overshoot.
func (s *LedgerService) SetQuantity(ctx context.Context, req SetQuantityRequest) (*MutationResult, error) {
	if req.ItemID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "item id is required")
	}
	if err := checkProvenance(req.SourceChannel, req.IdempotencyKey); err != nil {
		return nil, err
	}
	if req.Quantity < 0 {
		return nil, domain.ErrInvalidQuantity
	}
	eventType := req.Type
	if eventType == "" {
		eventType = domain.EventBulkImport
	}
	if !eventType.Valid() || !eventType.AffectsTotal() {
		return nil, errors.Wrapf(domain.ErrInvalidEventType, "%q cannot set total stock", eventType)
	}

	return s.mutate(ctx, mutation{
		itemID: req.ItemID,
		key:    req.IdempotencyKey,
		apply: func(l *domain.Ledger) (*domain.Event, error) {
			before := l.QuantityTotal
			if req.Quantity == before {
				return nil, nil
			}
			if req.Quantity < l.QuantityReserved {
				return nil, errors.Wrapf(domain.ErrBelowReserved, "new total %d, reserved %d", req.Quantity, l.QuantityReserved)
			}
			l.QuantityTotal = req.Quantity

			return &domain.Event{
				Type:            eventType,
				QuantityChange:  req.Quantity - before,
				QuantityBefore:  before,
				QuantityAfter:   req.Quantity,
				SourceChannel:   req.SourceChannel,
				SourceReference: req.SourceReference,
				Reason:          req.Reason,
				CreatedBy:       req.CreatedBy,
			}, nil
		},
	})
}

// UpdateThresholds changes alerting configuration. It bumps the version but
// writes no event because quantities do not move.
func (s *LedgerService) UpdateThresholds(ctx context.Context, itemID string, lowStockThreshold, reorderPoint int) (*domain.Ledger, error) {
	if itemID == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "item id is required")
	}
	if lowStockThreshold < 0 || reorderPoint < 0 {
		return nil, domain.ErrInvalidThreshold
	}

	var updated domain.Ledger
	err := s.repo.WithinTx(ctx, func(tx port.LedgerTx) error {
		ledger, err := tx.LockLedger(ctx, itemID, s.defaults)
		if err != nil {
			return errors.Wrap(err, "lock ledger")
		}
		ledger.LowStockThreshold = lowStockThreshold
		ledger.ReorderPoint = reorderPoint
		ledger.UpdatedAt = s.now()
		if err := tx.UpdateLedger(ctx, *ledger); err != nil {
			return errors.Wrap(err, "update ledger")
		}
		ledger.Version++
		updated = *ledger
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyIfLow(ctx, updated)
	return &updated, nil
}

func (s *LedgerService) mutate(ctx context.Context, m mutation) (*MutationResult, error) {
	var result *MutationResult

	err := s.repo.WithinTx(ctx, func(tx port.LedgerTx) error {
		result = nil

		if m.key != "" {
			replay, err := s.replay(ctx, tx, m)
			if err != nil {
				return err
			}
			if replay != nil {
				result = replay
				return nil
			}
		}

		ledger, err := tx.LockLedger(ctx, m.itemID, s.defaults)
		if err != nil {
			return errors.Wrap(err, "lock ledger")
		}

		event, err := m.apply(ledger)
		if err != nil {
			return err
		}
		if event == nil {
			result = &MutationResult{Ledger: *ledger, Unchanged: true}
			return nil
		}

		now := s.now()
		event.ID = uuid.New()
		event.ItemID = m.itemID
		event.IdempotencyKey = m.key
		event.CreatedAt = now
		if err := tx.AppendEvent(ctx, *event); err != nil {
			return errors.Wrap(err, "append event")
		}

		ledger.UpdatedAt = now
		if err := tx.UpdateLedger(ctx, *ledger); err != nil {
			return errors.Wrap(err, "update ledger")
		}
		ledger.Version++

		result = &MutationResult{Ledger: *ledger, Event: *event}
		return nil
	})

	// A concurrent twin committed the same key between our check and insert.
	if errors.Is(err, port.ErrDuplicateIdempotencyKey) {
		err = s.repo.WithinTx(ctx, func(tx port.LedgerTx) error {
			var rerr error
			result, rerr = s.replay(ctx, tx, m)
			if rerr == nil && result == nil {
				rerr = errors.Wrap(domain.ErrSerializationFailure, "idempotent event vanished")
			}
			return rerr
		})
	}
	if err != nil {
		return nil, err
	}

	logger := s.log.WithFields(logrus.Fields{
		"item_id":         m.itemID,
		"idempotency_key": m.key,
		"version":         result.Ledger.Version,
	})
	switch {
	case result.Replayed:
		logger.Debug("idempotent replay")
	case result.Unchanged:
		logger.Debug("mutation already satisfied")
	default:
		logger.WithFields(logrus.Fields{
			"event_type": result.Event.Type,
			"change":     result.Event.QuantityChange,
		}).Info("inventory mutated")
		s.notifyIfLow(ctx, result.Ledger)
	}

	return result, nil
}

func (s *LedgerService) replay(ctx context.Context, tx port.LedgerTx, m mutation) (*MutationResult, error) {
	event, err := tx.FindEventByIdempotencyKey(ctx, m.key)
	if err != nil {
		return nil, errors.Wrap(err, "idempotency lookup")
	}
	if event == nil {
		return nil, nil
	}
	if event.ItemID != m.itemID {
		return nil, errors.Wrapf(domain.ErrInvalidArgument, "idempotency key %q already used for item %s", m.key, event.ItemID)
	}

	ledger, err := tx.GetLedger(ctx, m.itemID)
	if err != nil {
		return nil, errors.Wrap(err, "get ledger")
	}
	if ledger == nil {
		return nil, errors.Wrapf(domain.ErrLedgerNotFound, "item %s", m.itemID)
	}

	return &MutationResult{Ledger: *ledger, Event: *event, Replayed: true}, nil
}

// checkProvenance keeps callers out of the reconciliation channel and key
// space. Events there are left out of the expected total, so a forged one
// would be reverted by the next reconciliation pass.
func checkProvenance(channel, key string) error {
	if domain.IsReconciliationProvenance(channel, key) {
		return errors.Wrapf(domain.ErrInvalidArgument, "source channel %q and key prefix %q are reserved", domain.ChannelReconciliation, domain.ReconcileKeyPrefix)
	}
	return nil
}

func (s *LedgerService) notifyIfLow(ctx context.Context, ledger domain.Ledger) {
	if s.notifier == nil || !ledger.IsLowStock() {
		return
	}

	alert := port.LowStockAlert{
		ItemID:       ledger.ItemID,
		Available:    ledger.Available(),
		Threshold:    ledger.LowStockThreshold,
		ReorderPoint: ledger.ReorderPoint,
		At:           s.now(),
	}
	if err := s.notifier.NotifyLowStock(ctx, alert); err != nil {
		s.log.WithError(err).WithField("item_id", ledger.ItemID).Warn("low stock notification failed")
	}
}
