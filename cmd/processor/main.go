package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/jobflow/internal/alerting"
	"github.com/your-org/jobflow/internal/metadata"
	"github.com/your-org/jobflow/internal/pipeline"
	"github.com/your-org/jobflow/internal/quarantine"
	"github.com/your-org/jobflow/pkg/config"
	"github.com/your-org/jobflow/pkg/kafka"
	"github.com/your-org/jobflow/pkg/logger"
	"github.com/your-org/jobflow/pkg/storage/objectstore"
	"github.com/your-org/jobflow/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  tracing.ParseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name + "-processor",
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	if cfg.Postgres.MigrateOnUp {
		if err := metadata.Migrate(cfg.Postgres.DSN); err != nil {
			logr.Fatal("apply migrations", zap.Error(err))
		}
	}

	pool, err := metadata.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logr.Fatal("init postgres pool", zap.Error(err))
	}
	defer pool.Close()
	store := metadata.NewStore(pool)

	uploads, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.UploadBucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init upload bucket client", zap.Error(err))
	}

	quarantined, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.QuarantineBucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init quarantine bucket client", zap.Error(err))
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.AlertsTopic,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  cfg.Kafka.Retries,
	})

	monitor := alerting.NewMonitor(alerting.Config{
		Window:    cfg.Alerting.Window,
		Threshold: cfg.Alerting.Threshold,
	}, alerting.NewKafkaNotifier(producer), logr)
	go monitor.Run(ctx)

	engine := pipeline.NewEngine(pipeline.EngineParams{
		Store:      store,
		Objects:    uploads,
		Quarantine: quarantine.NewRouter(quarantined, cfg.Storage.QuarantinePrefix, logr),
		Validator:  pipeline.JobFileValidator{},
		Errors:     monitor,
		Logger:     logr,
		Config: pipeline.EngineConfig{
			AllowedContentTypes: cfg.Issuer.AllowedContentTypes,
			MaxSizeBytes:        cfg.Issuer.MaxSizeBytes,
			MaxReadBytes:        cfg.Validation.MaxReadBytes,
			Timeout:             cfg.Validation.Timeout,
		},
	})
	router := pipeline.NewRouter(store, engine, monitor, logr)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.NotificationsTopic,
		GroupID: cfg.Kafka.ConsumerGroup,
	})
	defer consumer.Close() //nolint:errcheck

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx) //nolint:errcheck
		producer.Close(shutdownCtx)         //nolint:errcheck
	}()

	logr.Info("processor starting",
		zap.String("topic", cfg.Kafka.NotificationsTopic),
		zap.String("group", cfg.Kafka.ConsumerGroup),
	)
	if err := run(ctx, consumer, router, cfg.Validation.MaxDeliveries, cfg.Kafka.RetryBackoff, logr); err != nil {
		logr.Fatal("processor stopped", zap.Error(err))
	}
}

// run consumes notifications until the context is cancelled. A message is
// committed only once every event in it is terminal or a duplicate. After
// the bounded retry budget is exhausted the processor exits without
// committing, so the message is redelivered on restart.
func run(ctx context.Context, consumer *kafka.Consumer, router *pipeline.Router, maxDeliveries int, backoff time.Duration, logr *zap.Logger) error {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}

	for {
		msg, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var handleErr error
		for attempt := 1; attempt <= maxDeliveries; attempt++ {
			handleErr = router.OnObjectCreated(ctx, msg.Value)
			if handleErr == nil {
				break
			}
			logr.Warn("notification handling failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxDeliveries),
				zap.Error(handleErr),
			)
			if attempt < maxDeliveries {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Duration(attempt) * backoff):
				}
			}
		}
		if handleErr != nil {
			return handleErr
		}

		if err := consumer.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
