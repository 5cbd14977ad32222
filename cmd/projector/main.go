package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/farmlink-orders/internal/config"
	"github.com/example/farmlink-orders/internal/infrastructure/kafka"
	"github.com/example/farmlink-orders/internal/logging"
	"github.com/example/farmlink-orders/internal/projection"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// consumerGroup gives each follower the whole ledger stream.
const consumerGroup = "ledger-follower"

func main() {
	_ = godotenv.Load()

	boot := logging.MustNewLogger("farmlink-projector", "production")
	cfg := config.Load(boot)
	log := logging.MustNewLogger("farmlink-projector", cfg.Env)
	defer log.Sync()

	if len(cfg.Kafka.Brokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("projector stopped", zap.Error(err))
	}
	log.Info("projector shut down")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	projector := projection.NewProjector(log.Named("projection"))

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.LedgerTopic, consumerGroup, log.Named("consumer"))
	defer consumer.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(projector.State()); err != nil {
			log.Warn("failed to write state", zap.Error(err))
		}
	})
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("following ledger", zap.String("topic", cfg.Kafka.LedgerTopic), zap.String("group", consumerGroup))
		if err := consumer.Consume(ctx, projector.HandleEvent); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("state endpoint listening", zap.String("addr", cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("state server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
