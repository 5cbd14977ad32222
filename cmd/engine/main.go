package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/example/farmlink-orders/internal/command"
	"github.com/example/farmlink-orders/internal/config"
	"github.com/example/farmlink-orders/internal/domain/catalog"
	"github.com/example/farmlink-orders/internal/domain/inventory"
	"github.com/example/farmlink-orders/internal/domain/order"
	"github.com/example/farmlink-orders/internal/infrastructure/catalogstore"
	"github.com/example/farmlink-orders/internal/infrastructure/kafka"
	"github.com/example/farmlink-orders/internal/infrastructure/store"
	"github.com/example/farmlink-orders/internal/ledger"
	"github.com/example/farmlink-orders/internal/logging"
	"github.com/example/farmlink-orders/internal/observability"
	"github.com/example/farmlink-orders/internal/payment"
	"github.com/example/farmlink-orders/internal/projection"
	"github.com/example/farmlink-orders/internal/scheduler"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	boot := logging.MustNewLogger("farmlink-orders", "production")
	cfg := config.Load(boot)
	log := logging.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("engine stopped", zap.Error(err))
	}
	log.Info("engine shut down")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	var publisher store.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.LedgerTopic)
		defer producer.Close()
		publisher = producer
	}

	events, closeLedger, err := openLedger(ctx, cfg, publisher, log)
	if err != nil {
		return err
	}
	defer closeLedger()

	products, closeCatalog, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCatalog()

	l := ledger.New(events, log.Named("ledger"), metrics)
	engine := inventory.NewEngine(products, l, inventory.Options{
		ReservationTTL: cfg.Reservation.TTL,
		MaxCASAttempts: cfg.Reservation.MaxCASAttempts,
		Logger:         log.Named("inventory"),
		Metrics:        metrics,
	})
	orders := order.NewService(l, engine, order.Options{
		PendingTTL: cfg.Reservation.PendingOrderTTL,
		Logger:     log.Named("orders"),
		Metrics:    metrics,
	})
	payments := payment.NewCoordinator(
		payment.NewSimulatedProvider(cfg.Payment.SuccessRate, time.Now().UnixNano()),
		engine, orders,
		payment.Options{
			MaxAttempts:    cfg.Payment.MaxAttempts,
			InitialBackoff: cfg.Payment.InitialBackoff,
			MaxBackoff:     cfg.Payment.MaxBackoff,
			CallTimeout:    cfg.Payment.CallTimeout,
			Logger:         log.Named("payment"),
			Metrics:        metrics,
		},
	)

	log.Info("replaying ledger")
	if err := projection.Recover(ctx, l, engine, orders, log.Named("projection")); err != nil {
		return fmt.Errorf("recover from ledger: %w", err)
	}

	sweeper := scheduler.New(cfg.Reservation.SweepInterval, log.Named("scheduler"),
		scheduler.Job{Name: "expire_overdue_orders", Run: orders.ExpireOverdue},
		scheduler.Job{Name: "sweep_expired_reservations", Run: engine.SweepExpired},
		scheduler.Job{Name: "abandon_stale_orders", Run: orders.AbandonStale},
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if len(cfg.Kafka.Brokers) > 0 {
		dispatcher := command.NewDispatcher(command.NewHandler(engine, orders, payments, log.Named("command")), log.Named("dispatcher"))
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.CommandsTopic, cfg.Kafka.GroupID, log.Named("consumer"))
		defer consumer.Close()
		g.Go(func() error {
			log.Info("consuming commands", zap.String("topic", cfg.Kafka.CommandsTopic))
			if err := consumer.Consume(ctx, dispatcher.HandleMessage); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	} else {
		log.Warn("KAFKA_BROKERS not set, ledger entries are not published and no commands are consumed")
	}

	return g.Wait()
}

func openLedger(ctx context.Context, cfg *config.Config, publisher store.Publisher, log *zap.Logger) (store.EventStoreInterface, func(), error) {
	switch cfg.Ledger.Backend {
	case "postgres":
		db, err := store.ConnectPostgres(ctx, cfg.Ledger.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect ledger database: %w", err)
		}
		if err := store.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure ledger schema: %w", err)
		}
		log.Info("ledger backend", zap.String("backend", "postgres"))
		return store.NewPostgresEventStore(db, publisher, log.Named("ledger_store")), func() { db.Close() }, nil
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		log.Info("ledger backend", zap.String("backend", "dynamodb"), zap.String("table", cfg.Ledger.DynamoTable))
		return store.NewDynamoEventStore(dynamodb.NewFromConfig(awsCfg), cfg.Ledger.DynamoTable, log.Named("ledger_store")), func() {}, nil
	case "memory":
		log.Info("ledger backend", zap.String("backend", "memory"))
		return store.NewEventStore(publisher, log.Named("ledger_store")), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
}

func openCatalog(ctx context.Context, cfg *config.Config, log *zap.Logger) (catalog.Store, func(), error) {
	switch cfg.Catalog.Backend {
	case "redis":
		client, err := catalogstore.ConnectRedis(ctx, cfg.Catalog.RedisAddr, cfg.Catalog.RedisPassword, cfg.Catalog.RedisDB, log)
		if err != nil {
			return nil, nil, err
		}
		return catalogstore.NewRedisStore(client, "farmlink"), func() { client.Close() }, nil
	case "postgres":
		db, err := catalogstore.OpenPostgres(cfg.Catalog.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open catalog database: %w", err)
		}
		if err := catalogstore.Migrate(ctx, db); err != nil {
			return nil, nil, fmt.Errorf("migrate catalog: %w", err)
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return catalogstore.NewPostgresStore(db), closeDB, nil
	case "memory":
		return catalog.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown catalog backend %q", cfg.Catalog.Backend)
}
