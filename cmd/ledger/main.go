package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-ledger/cmd/ledger/cli"
	"github.com/odyssey-erp/odyssey-ledger/internal/app"
	"github.com/odyssey-erp/odyssey-ledger/internal/integration"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/procurement"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(cli.RunJobs(ctx, asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, os.Args[2:], os.Stdout, os.Stderr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ledger stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()

	metrics := observability.NewMetrics()
	checks := map[string]app.ReadinessCheck{}
	if stores.Pool != nil {
		checks["postgres"] = stores.Ping
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	ledgerCache := ledger.NewCache(redisClient, cfg.CacheTTL)
	ledgerService := ledger.NewService(stores.Journal, ledgerCache, logger)
	if err := ledgerCache.ListenForInvalidation(ctx, metrics.CacheInvalidated); err != nil {
		logger.Warn("ledger cache listener", slog.Any("error", err))
	}

	var publisher integration.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.Dial(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := kafka.Close(); err != nil {
				logger.Warn("kafka close", slog.Any("error", err))
			}
		}()
		publisher = kafka
	}
	var invalidator integration.CacheInvalidator
	if redisClient != nil {
		invalidator = ledgerService
	}
	hooks := integration.NewHooks(publisher, invalidator)

	inventoryService := inventory.NewService(stores.Inventory, stores.Audit, stores.Keys, inventory.ServiceConfig{
		BaseCurrency:   cfg.LedgerBaseCurrency,
		FallbackFXRate: cfg.LedgerFallbackFXRate,
		MaxRetries:     cfg.LedgerMaxRetries,
		Logger:         logger,
		Metrics:        metrics,
	}, hooks)
	procurementService := procurement.NewService(stores.Procurement, inventoryService, stores.Audit, stores.Keys, procurement.ServiceConfig{
		BaseCurrency: cfg.LedgerBaseCurrency,
		MaxRetries:   cfg.LedgerMaxRetries,
		Logger:       logger,
		Metrics:      metrics,
	}, hooks)

	jobHandler := jobs.NewHandler(nil, nil, logger)
	var worker *jobs.Worker
	if redisClient != nil {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobClient := jobs.NewClient(redisOpts)
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, jobClient, logger)

		if cfg.WorkerEmbedded {
			ledgerJobs := jobs.NewLedgerJobs(ledgerService, stores.Keys, logger, jobmetrics.NewMetrics(metrics.Registerer()))
			cron, err := jobs.DefaultCron(true)
			if err != nil {
				return err
			}
			worker, err = jobs.NewWorker(jobs.WorkerConfig{
				RedisOpts: redisOpts,
				Logger:    logger,
				Handlers:  ledgerJobs.Handlers(),
				Cron:      cron,
			})
			if err != nil {
				return fmt.Errorf("init worker: %w", err)
			}
		}
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		InventoryHandler:   inventory.NewHandler(logger, inventoryService),
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		LedgerHandler:      ledger.NewHandler(logger, ledgerService),
		JobHandler:         jobHandler,
		Metrics:            metrics,
		Checks:             checks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.LedgerStore))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if worker != nil {
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}
