package main

import (
	"context"
	"fmt"
	"io"
	"os"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/config"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/port"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg     *config.Config
	db      *sqlx.DB
	rdb     *redis.Client
	repo    port.LedgerRepository
	catalog port.CatalogRepository
	lease   port.LeaseRepository

	ledger    *service.LedgerService
	reconcile *service.ReconcileService
	imports   *service.ImportService
	query     *service.QueryService

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	switch cfg.Store {
	case "memory":
		mem := storage.NewMemoryAdapter()
		a.repo, a.catalog = mem, mem
		log.Warn("using in-memory store, data is lost on exit")
	default:
		db, err := openMySQL(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, db)

		mysqlAdapter := storage.NewMySQLAdapter(db)
		a.repo, a.catalog = mysqlAdapter, mysqlAdapter
		log.Info("connected to mysql")
	}

	var notifier port.Notifier
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb)

		redisAdapter := storage.NewRedisAdapter(rdb)
		a.lease, notifier = redisAdapter, redisAdapter
		log.Info("connected to redis")
	}

	logger := log.StandardLogger()
	policy := cfg.RetryPolicy()

	a.ledger = service.NewLedgerService(a.repo, notifier, cfg.LedgerDefaults(), logger)
	a.reconcile = service.NewReconcileService(a.repo, a.ledger, policy, service.ReconcileConfig{
		Tick:        cfg.ReconcileTick,
		Concurrency: cfg.ReconcileConcurrency,
	}, logger)
	a.imports = service.NewImportService(a.ledger, policy, logger)
	a.query = service.NewQueryService(a.repo, a.catalog, logger)

	return a, nil
}

func openMySQL(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQLMaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQLConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping mysql")
	}
	return db, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.WithError(err).Warn("close connection")
		}
	}
	log.Info("connections closed")
}

// instanceID identifies this process as a lease owner. Hostname alone is not
// enough when several processes share a host.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "ledger"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
