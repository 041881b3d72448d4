package service

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	defaultLowStockLimit = 50
	maxLowStockLimit     = 500
	defaultEventsLimit   = 50
	maxEventsLimit       = 200
	maxDuplicateResults  = 100
)

type EventPage struct {
	Events []domain.Event `json:"events"`
	Total  int            `json:"total"`
}

// QueryService is read-only; it never goes through the mutation engine.
type QueryService struct {
	repo    port.LedgerRepository
	catalog port.CatalogRepository
	log     logrus.FieldLogger
}

func NewQueryService(repo port.LedgerRepository, catalog port.CatalogRepository, log logrus.FieldLogger) *QueryService {
	return &QueryService{repo: repo, catalog: catalog, log: log}
}

// GetLowStock returns ledgers at or under threshold, lowest available first.
// A nil threshold compares each row against its own low_stock_threshold.
func (s *QueryService) GetLowStock(ctx context.Context, threshold *int, limit int) ([]domain.Ledger, error) {
	if threshold != nil && *threshold < 0 {
		return nil, domain.ErrInvalidThreshold
	}
	limit = clampLimit(limit, defaultLowStockLimit, maxLowStockLimit)

	ledgers, err := s.repo.LowStock(ctx, threshold, limit)
	if err != nil {
		return nil, errors.Wrap(err, "low stock scan")
	}
	if ledgers == nil {
		ledgers = []domain.Ledger{}
	}
	return ledgers, nil
}

func (s *QueryService) GetEvents(ctx context.Context, filter domain.EventFilter) (*EventPage, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, errors.Wrapf(domain.ErrInvalidEventType, "%q", filter.Type)
	}
	if filter.Offset < 0 {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "offset must not be negative")
	}
	filter.Limit = clampLimit(filter.Limit, defaultEventsLimit, maxEventsLimit)

	events, total, err := s.repo.SearchEvents(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "search events")
	}
	if events == nil {
		events = []domain.Event{}
	}
	return &EventPage{Events: events, Total: total}, nil
}

func (s *QueryService) FindDuplicates(ctx context.Context, confidenceFloor float64) ([]domain.DuplicateMatch, error) {
	if confidenceFloor < 0 || confidenceFloor > 1 {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "confidence floor must be within [0, 1]")
	}

	items, err := s.catalog.ListCatalogItems(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list catalog items")
	}

	matches := DetectDuplicates(items, confidenceFloor, maxDuplicateResults)
	s.log.WithFields(logrus.Fields{"items": len(items), "matches": len(matches)}).Debug("duplicate scan finished")
	return matches, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
