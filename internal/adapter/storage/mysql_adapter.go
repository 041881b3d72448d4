package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

// MySQL error numbers that mean "the transaction lost a race, try again".
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errDuplicateEntry  = 1062
)

const idempotencyIndex = "uq_events_idempotency"

var ErrOptimisticLock = errors.Wrap(domain.ErrSerializationFailure, "optimistic lock conflict")

const ledgerColumns = `item_id, quantity_total, quantity_reserved, low_stock_threshold, reorder_point,
	version, last_reconciled_at, created_at, updated_at`

const eventColumns = `seq, id, item_id, event_type, quantity_change, quantity_before, quantity_after,
	COALESCE(source_channel, '') AS source_channel,
	COALESCE(source_order_id, '') AS source_order_id,
	COALESCE(source_reference, '') AS source_reference,
	COALESCE(idempotency_key, '') AS idempotency_key,
	reason, created_by, created_at`

type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	tx, err := m.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translate(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(&mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return translate(err, "commit")
	}
	return nil
}

func (m *MySQLAdapter) GetLedger(ctx context.Context, itemID string) (*domain.Ledger, error) {
	return getLedger(ctx, m.db, itemID, false)
}

func (m *MySQLAdapter) RecentEvents(ctx context.Context, itemID string, limit int) ([]domain.Event, error) {
	var events []domain.Event
	err := m.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM inventory_events WHERE item_id = ? ORDER BY seq DESC LIMIT ?`,
		itemID, limit,
	)
	if err != nil {
		return nil, translate(err, "query recent events")
	}
	return events, nil
}

func (m *MySQLAdapter) SearchEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.ItemID != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, filter.ItemID)
	}
	if filter.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.Type)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := m.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM inventory_events`+where, args...); err != nil {
		return nil, 0, translate(err, "count events")
	}

	var events []domain.Event
	err := m.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM inventory_events`+where+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...,
	)
	if err != nil {
		return nil, 0, translate(err, "query events")
	}
	return events, total, nil
}

func (m *MySQLAdapter) LowStock(ctx context.Context, threshold *int, limit int) ([]domain.Ledger, error) {
	var ledgers []domain.Ledger
	err := m.db.SelectContext(ctx, &ledgers, `
		SELECT `+ledgerColumns+`
		FROM inventory_ledgers
		WHERE quantity_available <= COALESCE(?, low_stock_threshold)
		ORDER BY quantity_available ASC, item_id ASC
		LIMIT ?`,
		threshold, limit,
	)
	if err != nil {
		return nil, translate(err, "query low stock")
	}
	return ledgers, nil
}

func (m *MySQLAdapter) MarkReconciled(ctx context.Context, itemID string, at time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE inventory_ledgers SET last_reconciled_at = ? WHERE item_id = ?`, at, itemID)
	if err != nil {
		return translate(err, "mark reconciled")
	}
	return nil
}

func (m *MySQLAdapter) StaleLedgers(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := m.db.SelectContext(ctx, &ids, `
		SELECT item_id FROM inventory_ledgers
		ORDER BY last_reconciled_at ASC, item_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, translate(err, "query stale ledgers")
	}
	return ids, nil
}

func (m *MySQLAdapter) ListCatalogItems(ctx context.Context) ([]domain.CatalogItem, error) {
	var items []domain.CatalogItem
	err := m.db.SelectContext(ctx, &items, `
		SELECT id, COALESCE(sku, '') AS sku, COALESCE(mpn, '') AS mpn,
		       COALESCE(brand, '') AS brand, COALESCE(title, '') AS title
		FROM catalog_items
		WHERE is_active = 1
		ORDER BY id`)
	if err != nil {
		return nil, translate(err, "query catalog items")
	}
	return items, nil
}

type mysqlTx struct {
	tx *sqlx.Tx
}

func (t *mysqlTx) FindEventByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error) {
	var event domain.Event
	err := t.tx.GetContext(ctx, &event,
		`SELECT `+eventColumns+` FROM inventory_events WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "query event by idempotency key")
	}
	return &event, nil
}

func (t *mysqlTx) GetLedger(ctx context.Context, itemID string) (*domain.Ledger, error) {
	return getLedger(ctx, t.tx, itemID, false)
}

func (t *mysqlTx) LockLedger(ctx context.Context, itemID string, defaults domain.LedgerDefaults) (*domain.Ledger, error) {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_ledgers
			(item_id, quantity_total, quantity_reserved, low_stock_threshold, reorder_point, version, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?, 0, ?, ?)
		ON DUPLICATE KEY UPDATE item_id = item_id`,
		itemID, defaults.LowStockThreshold, defaults.ReorderPoint, now, now,
	)
	if err != nil {
		return nil, translate(err, "upsert ledger")
	}

	ledger, err := getLedger(ctx, t.tx, itemID, true)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.Wrapf(domain.ErrLedgerNotFound, "item %s vanished after upsert", itemID)
	}
	return ledger, nil
}

func (t *mysqlTx) ExpectedTotal(ctx context.Context, itemID string) (int, error) {
	var total int
	err := t.tx.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(quantity_change), 0)
		FROM inventory_events
		WHERE item_id = ?
		  AND event_type NOT IN (?, ?)
		  AND NOT (event_type = ? AND source_channel <=> ?)`,
		itemID, domain.EventReserve, domain.EventReleaseReserve,
		domain.EventSyncCorrection, domain.ChannelReconciliation,
	)
	if err != nil {
		return 0, translate(err, "sum events")
	}
	return total, nil
}

func (t *mysqlTx) AppendEvent(ctx context.Context, e domain.Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_events
			(id, item_id, event_type, quantity_change, quantity_before, quantity_after,
			 source_channel, source_order_id, source_reference, idempotency_key,
			 reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`,
		e.ID, e.ItemID, e.Type, e.QuantityChange, e.QuantityBefore, e.QuantityAfter,
		e.SourceChannel, e.SourceOrderID, e.SourceReference, e.IdempotencyKey,
		e.Reason, e.CreatedBy, e.CreatedAt,
	)
	if err != nil {
		return translate(err, "insert event")
	}
	return nil
}

func (t *mysqlTx) UpdateLedger(ctx context.Context, l domain.Ledger) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_ledgers
		SET quantity_total = ?, quantity_reserved = ?,
		    low_stock_threshold = ?, reorder_point = ?,
		    version = version + 1, updated_at = ?
		WHERE item_id = ? AND version = ?`,
		l.QuantityTotal, l.QuantityReserved, l.LowStockThreshold, l.ReorderPoint,
		l.UpdatedAt, l.ItemID, l.Version,
	)
	if err != nil {
		return translate(err, "update ledger")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func getLedger(ctx context.Context, q sqlx.QueryerContext, itemID string, forUpdate bool) (*domain.Ledger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM inventory_ledgers WHERE item_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var ledger domain.Ledger
	err := sqlx.GetContext(ctx, q, &ledger, query, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "query ledger")
	}
	return &ledger, nil
}

// translate maps driver errors onto the domain taxonomy so that callers can
// tell transient conflicts from everything else.
func translate(err error, msg string) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDeadlock, errLockWaitTimeout:
			return errors.Wrapf(domain.ErrSerializationFailure, "%s: %s", msg, myErr.Message)
		case errDuplicateEntry:
			if strings.Contains(myErr.Message, idempotencyIndex) {
				return errors.Wrap(port.ErrDuplicateIdempotencyKey, msg)
			}
		}
	}
	return errors.Wrap(err, msg)
}
