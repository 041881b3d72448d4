package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/inventory-ledger/internal/adapter/consumer"
	"github.com/rl1809/inventory-ledger/internal/adapter/handler"
	"github.com/rl1809/inventory-ledger/internal/adapter/scheduler"
	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/config"
	"github.com/rl1809/inventory-ledger/internal/core/service"
)

const shutdownTimeout = 5 * time.Second

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cliApp := &cli.App{
		Name:  "ledger",
		Usage: "inventory ledger and consistency engine",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and gRPC APIs, the sales consumer and the reconciler",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply or roll back schema migrations",
				Subcommands: []*cli.Command{
					{Name: "up", Action: migrateAction(storage.MigrateUp)},
					{Name: "down", Action: migrateAction(storage.MigrateDown)},
				},
			},
			{
				Name:  "reconcile",
				Usage: "reconcile items once and print the results",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "item", Usage: "item id, repeatable; defaults to the stalest batch"},
				},
				Action: reconcileOnce,
			},
			{
				Name:  "import",
				Usage: "set absolute quantities from a CSV of item_id,quantity rows",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Required: true},
					&cli.StringFlag{Name: "batch", Usage: "batch id; re-running a batch is a no-op"},
				},
				Action: importQuantities,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.WithError(err).Fatal("ledger failed")
	}
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	log.SetLevel(level)

	return newApp(ctx, cfg)
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := log.StandardLogger()
	policy := a.cfg.RetryPolicy()
	g, gctx := errgroup.WithContext(ctx)

	// gRPC
	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(a.ledger, a.reconcile, a.query, policy, logger).Register(grpcServer)
	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return errors.Wrap(err, "listen grpc")
	}
	g.Go(func() error {
		log.WithField("addr", a.cfg.GRPCAddr).Info("gRPC server listening")
		return grpcServer.Serve(lis)
	})

	// HTTP
	httpServer := &http.Server{
		Addr:    a.cfg.HTTPAddr,
		Handler: handler.NewHTTPHandler(a.ledger, a.reconcile, a.query, policy, logger).Router(),
	}
	g.Go(func() error {
		log.WithField("addr", a.cfg.HTTPAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if len(a.cfg.KafkaBrokers) > 0 {
		reader := consumer.NewKafkaReader(a.cfg.KafkaBrokers, a.cfg.KafkaSalesTopic, a.cfg.KafkaGroupID)
		sales := consumer.NewSaleConsumer(reader, a.ledger, policy, logger)
		g.Go(func() error {
			defer reader.Close()
			return sales.Start(gctx)
		})
	} else {
		log.Info("no kafka brokers configured, sales consumer disabled")
	}

	reconciler := scheduler.NewReconciler(a.reconcile, a.repo, a.lease, scheduler.ReconcilerConfig{
		Interval: a.cfg.ReconcileInterval,
		Batch:    a.cfg.ReconcileBatch,
		Owner:    instanceID(),
	}, logger)
	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP shutdown")
		}
		log.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func migrateAction(direction storage.MigrateDirection) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := openMySQL(c.Context, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := storage.Migrate(db.DB, direction); err != nil {
			return err
		}
		log.WithField("direction", direction).Info("migrations applied")
		return nil
	}
}

func reconcileOnce(c *cli.Context) error {
	a, err := setup(c.Context)
	if err != nil {
		return err
	}
	defer a.Close()

	var results []service.ReconcileResult
	if items := c.StringSlice("item"); len(items) > 0 {
		results = a.reconcile.Reconcile(c.Context, items)
	} else {
		// Single-shot runs do not take the scheduler lease.
		r := scheduler.NewReconciler(a.reconcile, a.repo, nil, scheduler.ReconcilerConfig{
			Batch: a.cfg.ReconcileBatch,
		}, log.StandardLogger())
		if results, err = r.RunOnce(c.Context); err != nil {
			return err
		}
	}

	for _, res := range results {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\t%s\n", res.ItemID, res.Status, res.Diff, res.Error)
	}
	return nil
}

func importQuantities(c *cli.Context) error {
	f, err := os.Open(c.String("file"))
	if err != nil {
		return errors.Wrap(err, "open import file")
	}
	defer f.Close()

	rows, err := readImportRows(f)
	if err != nil {
		return err
	}

	batchID := c.String("batch")
	if batchID == "" {
		batchID = uuid.NewString()
	}

	a, err := setup(c.Context)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.imports.ImportQuantities(c.Context, batchID, rows)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.Status == service.ImportFailed {
			failed++
		}
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\t%s\n", res.ItemID, res.Status, res.Change, res.Error)
	}
	log.WithFields(log.Fields{"batch": batchID, "rows": len(results), "failed": failed}).Info("import finished")
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d rows failed", failed), 1)
	}
	return nil
}

// readImportRows parses item_id,quantity rows; a header row is skipped.
func readImportRows(r io.Reader) ([]service.ImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read csv")
	}

	rows := make([]service.ImportRow, 0, len(records))
	for i, rec := range records {
		qty, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			if i == 0 {
				continue
			}
			return nil, errors.Errorf("line %d: quantity %q is not an integer", i+1, rec[1])
		}
		rows = append(rows, service.ImportRow{ItemID: strings.TrimSpace(rec[0]), Quantity: qty})
	}
	return rows, nil
}
