package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/example/farmlink-orders/internal/config"
	"github.com/example/farmlink-orders/internal/email"
	"github.com/example/farmlink-orders/internal/infrastructure/kinesis"
	"github.com/example/farmlink-orders/internal/logging"
	"github.com/example/farmlink-orders/internal/notification"
	"go.uber.org/zap"
)

var (
	log     *zap.Logger
	alerter *notification.Handler
)

func init() {
	boot := logging.MustNewLogger("farmlink-notifier-lambda", "production")
	cfg := config.Load(boot)
	log = logging.MustNewLogger("farmlink-notifier-lambda", cfg.Env)

	mailer := email.NewService(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	alerter = notification.NewHandler(mailer, cfg.SMTP.OperatorEmail, log.Named("notification"))

	log.Info("lambda notifier initialized", zap.String("smtp_host", cfg.SMTP.Host), zap.Int("smtp_port", cfg.SMTP.Port))
}

func handler(ctx context.Context, ev events.KinesisEvent) (events.KinesisEventResponse, error) {
	items, failures, errs := kinesis.DecodeBatch(ev)
	for _, err := range errs {
		log.Warn("failed to decode record", zap.Error(err))
	}

	for _, item := range items {
		if err := alerter.HandleEntry(ctx, item.Entry); err != nil {
			log.Warn("failed to handle ledger entry",
				zap.String("entry_id", item.Entry.ID),
				zap.String("kind", item.Entry.Kind),
				zap.Error(err),
			)
			failures = append(failures, events.KinesisBatchItemFailure{ItemIdentifier: item.SequenceNumber})
		}
	}

	log.Info("processed batch",
		zap.Int("records", len(ev.Records)),
		zap.Int("failed", len(failures)),
	)
	return events.KinesisEventResponse{BatchItemFailures: failures}, nil
}

func main() {
	lambda.Start(handler)
}
