package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

// MemoryAdapter keeps ledgers and events in process. A single mutex held for
// the whole transaction stands in for serializable isolation. It backs tests
// and local runs without MySQL.
type MemoryAdapter struct {
	mu      sync.Mutex
	ledgers map[string]domain.Ledger
	events  []domain.Event
	keys    map[string]int
	catalog []domain.CatalogItem
	seq     int64
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		ledgers: make(map[string]domain.Ledger),
		keys:    make(map[string]int),
	}
}

func (m *MemoryAdapter) WithinTx(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{m: m, ledgers: make(map[string]domain.Ledger)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, l := range tx.ledgers {
		m.ledgers[id] = l
	}
	for _, e := range tx.events {
		m.seq++
		e.Seq = m.seq
		if e.IdempotencyKey != "" {
			m.keys[e.IdempotencyKey] = len(m.events)
		}
		m.events = append(m.events, e)
	}
	return nil
}

func (m *MemoryAdapter) GetLedger(ctx context.Context, itemID string) (*domain.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[itemID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *MemoryAdapter) RecentEvents(ctx context.Context, itemID string, limit int) ([]domain.Event, error) {
	events, _, err := m.SearchEvents(ctx, domain.EventFilter{ItemID: itemID, Limit: limit})
	return events, err
}

func (m *MemoryAdapter) SearchEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.ItemID != "" && e.ItemID != filter.ItemID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	page := matched[filter.Offset:]
	if filter.Limit > 0 && len(page) > filter.Limit {
		page = page[:filter.Limit]
	}
	return page, total, nil
}

func (m *MemoryAdapter) LowStock(ctx context.Context, threshold *int, limit int) ([]domain.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var low []domain.Ledger
	for _, l := range m.ledgers {
		limitFor := l.LowStockThreshold
		if threshold != nil {
			limitFor = *threshold
		}
		if l.Available() <= limitFor {
			low = append(low, l)
		}
	}
	sort.Slice(low, func(i, j int) bool {
		if low[i].Available() != low[j].Available() {
			return low[i].Available() < low[j].Available()
		}
		return low[i].ItemID < low[j].ItemID
	})
	if limit > 0 && len(low) > limit {
		low = low[:limit]
	}
	return low, nil
}

func (m *MemoryAdapter) MarkReconciled(ctx context.Context, itemID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.ledgers[itemID]
	if !ok {
		return nil
	}
	l.LastReconciledAt = &at
	m.ledgers[itemID] = l
	return nil
}

func (m *MemoryAdapter) StaleLedgers(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ledgers := make([]domain.Ledger, 0, len(m.ledgers))
	for _, l := range m.ledgers {
		ledgers = append(ledgers, l)
	}
	sort.Slice(ledgers, func(i, j int) bool {
		a, b := ledgers[i].LastReconciledAt, ledgers[j].LastReconciledAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return ledgers[i].ItemID < ledgers[j].ItemID
	})

	var ids []string
	for _, l := range ledgers {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, l.ItemID)
	}
	return ids, nil
}

func (m *MemoryAdapter) ListCatalogItems(ctx context.Context) ([]domain.CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]domain.CatalogItem(nil), m.catalog...), nil
}

// PutCatalogItems stands in for the listing system writing catalog rows.
func (m *MemoryAdapter) PutCatalogItems(items ...domain.CatalogItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.catalog = append(m.catalog, items...)
}

// PutLedger overwrites a ledger row behind the engine's back, the way a
// direct data edit would.
func (m *MemoryAdapter) PutLedger(l domain.Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ledgers[l.ItemID] = l
}

type memoryTx struct {
	m       *MemoryAdapter
	ledgers map[string]domain.Ledger
	events  []domain.Event
}

func (t *memoryTx) FindEventByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error) {
	if i, ok := t.m.keys[key]; ok {
		e := t.m.events[i]
		return &e, nil
	}
	for _, e := range t.events {
		if e.IdempotencyKey == key {
			return &e, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) GetLedger(ctx context.Context, itemID string) (*domain.Ledger, error) {
	if l, ok := t.ledgers[itemID]; ok {
		return &l, nil
	}
	if l, ok := t.m.ledgers[itemID]; ok {
		return &l, nil
	}
	return nil, nil
}

func (t *memoryTx) LockLedger(ctx context.Context, itemID string, defaults domain.LedgerDefaults) (*domain.Ledger, error) {
	l, err := t.GetLedger(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		created := domain.NewLedger(itemID, defaults, time.Now().UTC())
		t.ledgers[itemID] = created
		l = &created
	}
	return l, nil
}

func (t *memoryTx) ExpectedTotal(ctx context.Context, itemID string) (int, error) {
	total := 0
	for _, events := range [][]domain.Event{t.m.events, t.events} {
		for _, e := range events {
			if e.ItemID != itemID || !e.Type.AffectsTotal() {
				continue
			}
			if e.Type == domain.EventSyncCorrection && e.SourceChannel == domain.ChannelReconciliation {
				continue
			}
			total += e.QuantityChange
		}
	}
	return total, nil
}

func (t *memoryTx) AppendEvent(ctx context.Context, event domain.Event) error {
	if event.IdempotencyKey != "" {
		if existing, _ := t.FindEventByIdempotencyKey(ctx, event.IdempotencyKey); existing != nil {
			return port.ErrDuplicateIdempotencyKey
		}
	}
	t.events = append(t.events, event)
	return nil
}

func (t *memoryTx) UpdateLedger(ctx context.Context, l domain.Ledger) error {
	current, err := t.GetLedger(ctx, l.ItemID)
	if err != nil {
		return err
	}
	if current == nil || current.Version != l.Version {
		return ErrOptimisticLock
	}
	l.Version++
	t.ledgers[l.ItemID] = l
	return nil
}
