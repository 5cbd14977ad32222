package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/example/farmlink-orders/internal/config"
	"github.com/example/farmlink-orders/internal/email"
	"github.com/example/farmlink-orders/internal/infrastructure/kafka"
	"github.com/example/farmlink-orders/internal/logging"
	"github.com/example/farmlink-orders/internal/notification"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// consumerGroup is dedicated so alerts do not compete with other ledger readers.
const consumerGroup = "reconciliation-notifier"

func main() {
	_ = godotenv.Load()

	boot := logging.MustNewLogger("farmlink-notifier", "production")
	cfg := config.Load(boot)
	log := logging.MustNewLogger("farmlink-notifier", cfg.Env)
	defer log.Sync()

	if len(cfg.Kafka.Brokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting notifier",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.LedgerTopic),
		zap.String("group", consumerGroup),
		zap.String("smtp_host", cfg.SMTP.Host),
		zap.Int("smtp_port", cfg.SMTP.Port),
	)

	mailer := email.NewService(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	handler := notification.NewHandler(mailer, cfg.SMTP.OperatorEmail, log.Named("notification"))

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.LedgerTopic, consumerGroup, log.Named("consumer"))
	defer consumer.Close()

	if err := consumer.Consume(ctx, handler.HandleEvent); err != nil && ctx.Err() == nil {
		log.Error("consumer stopped", zap.Error(err))
		return
	}
	log.Info("notifier shut down")
}
