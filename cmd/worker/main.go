package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"skypost/config"
	"skypost/internal/mqhandler"
	"skypost/internal/repository"
	"skypost/pkg/db"
	"skypost/pkg/logger"
	"skypost/pkg/mq"
	"skypost/pkg/otel"
	redisclient "skypost/pkg/redis"
	"skypost/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.Server.LogLevel)
	defer log.Sync()

	log.Info("Starting skypost worker...")

	otelShutdown, err := otel.Init(otel.Config{
		ServiceName:    cfg.Otel.ServiceName + "-worker",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.Otel.Endpoint,
		Enabled:        cfg.Otel.Enabled,
	}, log)
	if err != nil {
		log.Warn("Failed to init OpenTelemetry, tracing disabled", zap.Error(err))
	} else {
		defer otelShutdown()
	}

	// Init Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	deduper := util.NewDeduper(rdb, 24*time.Hour, log)
	retryCounter := util.NewRetryCounter(rdb, 24*time.Hour)

	// Init DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// DLQ 发布使用独立连接
	dlqPublisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init DLQ publisher", zap.Error(err))
	}
	defer dlqPublisher.Close()

	logHandler := mqhandler.NewMessageSentLogHandler(repository.NewDeliveryLogRepository(dbConn), deduper, log)

	maxRetries := int64(cfg.Outbox.MaxRetries)
	if maxRetries <= 0 {
		maxRetries = 5
	}

	log.Info("Initializing delivery-log consumer", zap.String("queue", mq.QueueDeliveryLog))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, mq.QueueDeliveryLog, mq.RoutingKeyMessageSent, log)
	if err != nil {
		log.Fatal("failed to init delivery-log consumer", zap.Error(err))
	}
	defer consumer.Close()

	consumer.SetHandler(logHandler.HandleMessageSent)
	consumer.WithRetryPolicy(retryCounter, dlqPublisher, maxRetries)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Error("delivery-log consumer failed", zap.Error(err))
		}
	}()

	log.Info("Worker is ready to process messages")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
		log.Warn("Consumer stopped, shutting down worker")
	}

	cancel()
	<-done
	log.Info("skypost worker shutdown complete")
}
