package storage

import (
	"context"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

func getMySQLDB(t *testing.T) *sqlx.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/inventory?parseTime=true"
	}

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db.DB, MigrateUp))
	return db
}

func testItemID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func TestMySQLAdapter_LockLedgerCreates(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)
	ctx := context.Background()
	itemID := testItemID("lock")

	err := adapter.WithinTx(ctx, func(tx port.LedgerTx) error {
		l, err := tx.LockLedger(ctx, itemID, testDefaults)
		require.NoError(t, err)
		assert.Equal(t, itemID, l.ItemID)
		assert.Equal(t, 0, l.QuantityTotal)
		assert.Equal(t, testDefaults.LowStockThreshold, l.LowStockThreshold)

		again, err := tx.LockLedger(ctx, itemID, domain.LedgerDefaults{LowStockThreshold: 99})
		require.NoError(t, err)
		assert.Equal(t, testDefaults.LowStockThreshold, again.LowStockThreshold)
		return nil
	})
	require.NoError(t, err)

	l, err := adapter.GetLedger(ctx, itemID)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, int64(0), l.Version)

	missing, err := adapter.GetLedger(ctx, testItemID("missing"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMySQLAdapter_AppendAndUpdate(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)
	ctx := context.Background()
	itemID := testItemID("append")
	key := "test:" + uuid.NewString()

	event := testEvent(itemID, domain.EventInitialStock, 12, key)
	event.SourceChannel = "amazon"
	event.Reason = "seed"
	applyChange(t, adapter, event)

	l, err := adapter.GetLedger(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, 12, l.QuantityTotal)
	assert.Equal(t, int64(1), l.Version)

	err = adapter.WithinTx(ctx, func(tx port.LedgerTx) error {
		found, err := tx.FindEventByIdempotencyKey(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, event.ID, found.ID)
		assert.Equal(t, "amazon", found.SourceChannel)
		assert.Equal(t, "", found.SourceOrderID)

		notFound, err := tx.FindEventByIdempotencyKey(ctx, "test:"+uuid.NewString())
		assert.Nil(t, notFound)
		return err
	})
	require.NoError(t, err)

	events, err := adapter.RecentEvents(ctx, itemID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 12, events[0].QuantityChange)
}

func TestMySQLAdapter_OptimisticLock(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)
	ctx := context.Background()
	itemID := testItemID("optimistic")
	applyChange(t, adapter, testEvent(itemID, domain.EventInitialStock, 5, ""))

	err := adapter.WithinTx(ctx, func(tx port.LedgerTx) error {
		l, err := tx.LockLedger(ctx, itemID, testDefaults)
		require.NoError(t, err)
		l.Version = 0
		return tx.UpdateLedger(ctx, *l)
	})
	assert.ErrorIs(t, err, domain.ErrSerializationFailure)
}

func TestMySQLAdapter_DuplicateIdempotencyKey(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)
	ctx := context.Background()
	itemID := testItemID("dup")
	key := "test:" + uuid.NewString()
	applyChange(t, adapter, testEvent(itemID, domain.EventInitialStock, 5, key))

	err := adapter.WithinTx(ctx, func(tx port.LedgerTx) error {
		return tx.AppendEvent(ctx, testEvent(itemID, domain.EventSale, -1, key))
	})
	assert.ErrorIs(t, err, port.ErrDuplicateIdempotencyKey)
}

func TestMySQLAdapter_ExpectedTotal(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)
	ctx := context.Background()
	itemID := testItemID("expected")

	applyChange(t, adapter, testEvent(itemID, domain.EventInitialStock, 10, ""))
	applyChange(t, adapter, testEvent(itemID, domain.EventReserve, -3, ""))
	manual := testEvent(itemID, domain.EventSyncCorrection, 2, "")
	applyChange(t, adapter, manual)
	auto := testEvent(itemID, domain.EventSyncCorrection, -1, "")
	auto.SourceChannel = domain.ChannelReconciliation
	applyChange(t, adapter, auto)

	var total int
	err := adapter.WithinTx(ctx, func(tx port.LedgerTx) error {
		var err error
		total, err = tx.ExpectedTotal(ctx, itemID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 12, total)
}

func TestMySQLAdapter_Queries(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)
	ctx := context.Background()
	itemID := testItemID("query")

	applyChange(t, adapter, testEvent(itemID, domain.EventInitialStock, 1, ""))
	applyChange(t, adapter, testEvent(itemID, domain.EventSale, -1, ""))

	threshold := 0
	ledgers, err := adapter.LowStock(ctx, &threshold, 500)
	require.NoError(t, err)
	var found bool
	for _, l := range ledgers {
		assert.LessOrEqual(t, l.Available(), 0)
		found = found || l.ItemID == itemID
	}
	assert.True(t, found)

	events, total, err := adapter.SearchEvents(ctx, domain.EventFilter{ItemID: itemID, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSale, events[0].Type)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, adapter.MarkReconciled(ctx, itemID, at))
	l, err := adapter.GetLedger(ctx, itemID)
	require.NoError(t, err)
	require.NotNil(t, l.LastReconciledAt)
	assert.True(t, at.Equal(*l.LastReconciledAt))

	ids, err := adapter.StaleLedgers(ctx, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(ids), 5)
}
