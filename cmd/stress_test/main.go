package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/config"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	initialStock      = 20
	totalRequests     = 50
	duplicateRequests = 10
)

func main() {
	ctx := context.Background()
	log.SetLevel(log.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	repo, err := openRepo(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}

	logger := log.StandardLogger()
	policy := cfg.RetryPolicy()
	ledgerService := service.NewLedgerService(repo, nil, cfg.LedgerDefaults(), logger)
	reconcileService := service.NewReconcileService(repo, ledgerService, policy, service.ReconcileConfig{Tick: time.Minute, Concurrency: 1}, logger)

	itemID := fmt.Sprintf("stress-%d", time.Now().UnixNano())
	if _, err := ledgerService.AdjustQuantity(ctx, service.AdjustRequest{
		ItemID: itemID,
		Change: initialStock,
		Type:   domain.EventInitialStock,
		Reason: "stress test seed",
	}); err != nil {
		log.WithError(err).Fatal("seed stock")
	}

	var reserved, rejected, failed atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(orderNo int) {
			defer wg.Done()

			err := policy.Do(ctx, func(ctx context.Context) error {
				_, err := ledgerService.ReserveQuantity(ctx, itemID, 1, fmt.Sprintf("order-%d", orderNo))
				return err
			})
			switch {
			case err == nil:
				reserved.Add(1)
			case errors.Is(err, domain.ErrInsufficientAvailable):
				rejected.Add(1)
			default:
				failed.Add(1)
				log.WithError(err).Error("reserve failed")
			}
		}(i)
	}

	// Duplicate deliveries of the first orders must not reserve twice.
	for i := 0; i < duplicateRequests; i++ {
		wg.Add(1)
		go func(orderNo int) {
			defer wg.Done()
			_ = policy.Do(ctx, func(ctx context.Context) error {
				_, err := ledgerService.ReserveQuantity(ctx, itemID, 1, fmt.Sprintf("order-%d", orderNo))
				return err
			})
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	view, err := ledgerService.GetLedger(ctx, itemID)
	if err != nil {
		log.WithError(err).Fatal("read ledger")
	}
	ledger := view.Ledger

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", cfg.Store)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d (+%d duplicates)\n", totalRequests, duplicateRequests)
	fmt.Printf("Reserved:         %d\n", reserved.Load())
	fmt.Printf("Rejected:         %d\n", rejected.Load())
	fmt.Printf("Failed:           %d\n", failed.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if ledger.QuantityReserved == initialStock && ledger.Available() == 0 {
		fmt.Printf("PASS: reserved %d of %d, available 0\n", ledger.QuantityReserved, ledger.QuantityTotal)
	} else {
		fmt.Printf("FAIL: expected reserved %d and available 0, got reserved %d available %d\n",
			initialStock, ledger.QuantityReserved, ledger.Available())
	}

	results := reconcileService.Reconcile(ctx, []string{itemID})
	if results[0].Status == service.ReconcileOK {
		fmt.Println("PASS: ledger matches event log")
	} else {
		fmt.Printf("FAIL: reconciliation returned %s (diff %d)\n", results[0].Status, results[0].Diff)
	}
}

func openRepo(ctx context.Context, cfg *config.Config) (port.LedgerRepository, error) {
	if cfg.Store == "memory" {
		return storage.NewMemoryAdapter(), nil
	}

	db, err := sqlx.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return storage.NewMySQLAdapter(db), nil
}
