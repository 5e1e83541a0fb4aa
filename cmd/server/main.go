package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"milestonepay/internal/app"
	"milestonepay/internal/config"
	"milestonepay/internal/ledger"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/otel"
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

	logger.Info("Starting payment server...",
		zap.String("port", cfg.Server.Port),
		zap.String("settlement", cfg.Payments.Settlement),
		zap.String("db_host", cfg.DB.Host),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	if err := ledger.Migrate(ctx, a.Pool, logger); err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}

	// 后台任务：outbox 发布与对账
	go a.Dispatcher.Start(ctx)
	go a.Sweeper.Start(ctx)

	srv := a.Router().Server(cfg.Server.Port)
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down payment server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		logger.Info("HTTP server stopped")
	}

	// 停止后台任务，再关闭连接
	cancel()
	logger.Info("Payment server shutdown complete")
}
