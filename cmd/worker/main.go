package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/config"
	"milestonepay/internal/notify"
	"milestonepay/pkg/db"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/mq"
	"milestonepay/pkg/otel"
	redisclient "milestonepay/pkg/redis"
	"milestonepay/pkg/util"
)

const (
	notificationQueue       = "milestone.notification.q"
	maxNotificationAttempts = 5
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logger.NewLogger(cfg.Log.Level)
	defer logger.Sync()

	shutdownOtel, err := otel.Init(cfg.Otel, logger)
	if err != nil {
		logger.Warn("OpenTelemetry init failed, continuing without tracing", zap.Error(err))
		shutdownOtel = func() {}
	}
	defer shutdownOtel()

	logger.Info("Starting notification worker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.NewConnection(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, relying on notification primary key for dedup", zap.Error(err))
	}
	defer rdb.Close()

	deduper := util.NewDeduper(rdb, cfg.Webhook.DedupTTL, logger)
	handler := notify.NewHandler(notify.NewPostgresRepository(dbConn, logger), deduper, logger).
		WithAttemptLimit(util.NewRetryCounter(rdb, time.Hour), maxNotificationAttempts)

	routingKey := mqcontracts.NotificationRoutingPrefix + "#"
	logger.Info("Initializing notification consumer",
		zap.String("queue", notificationQueue),
		zap.String("routing_key", routingKey),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, notificationQueue, routingKey, logger)
	if err != nil {
		logger.Fatal("Failed to init notification consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(handler.Handle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.StartConsuming(ctx); err != nil {
			logger.Error("Notification consumer stopped with error", zap.Error(err))
		}
	}()
	logger.Info("Notification worker is ready to process messages")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	logger.Info("Shutting down notification worker...")
	consumer.Stop()
	cancel()
	<-done
	logger.Info("Notification worker shutdown complete")
}
