package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/jobflow/internal/alerting"
	"github.com/your-org/jobflow/internal/issuance"
	"github.com/your-org/jobflow/internal/metadata"
	"github.com/your-org/jobflow/internal/quarantine"
	"github.com/your-org/jobflow/internal/query"
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
		ServiceName: cfg.App.Name + "-gateway",
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

	issuer := issuance.NewService(uploads, monitor, logr, issuance.Config{
		AllowedContentTypes: cfg.Issuer.AllowedContentTypes,
		MaxSizeBytes:        cfg.Issuer.MaxSizeBytes,
		URLExpiry:           cfg.Issuer.URLExpiry,
		MaxURLExpiry:        cfg.Issuer.MaxURLExpiry,
	})

	quarantineRouter := quarantine.NewRouter(quarantined, cfg.Storage.QuarantinePrefix, logr)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})
	issuance.NewHTTPHandler(issuer, logr).Register(r)
	query.NewHTTPHandler(store, quarantineRouter, logr).Register(r)

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		metricsServer.Shutdown(shutdownCtx) //nolint:errcheck
		if err := producer.Close(shutdownCtx); err != nil {
			logr.Error("producer shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("gateway starting", zap.String("addr", cfg.HTTP.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}
