package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"skypost/config"
	"skypost/internal/api"
	"skypost/internal/auth"
	"skypost/internal/mail"
	"skypost/internal/notify"
	"skypost/internal/realtime"
	"skypost/internal/repository"
	"skypost/internal/storage"
	"skypost/pkg/db"
	"skypost/pkg/logger"
	"skypost/pkg/mq"
	"skypost/pkg/otel"
	"skypost/pkg/outbox"
	redisclient "skypost/pkg/redis"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.Server.LogLevel)
	defer log.Sync()

	log.Info("Starting skypost server...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("port", cfg.Server.Port),
	)

	otelShutdown, err := otel.Init(otel.Config{
		ServiceName:    cfg.Otel.ServiceName,
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.Otel.Endpoint,
		Enabled:        cfg.Otel.Enabled,
	}, log)
	if err != nil {
		log.Warn("Failed to init OpenTelemetry, tracing disabled", zap.Error(err))
	} else {
		defer otelShutdown()
	}

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis（仅用于 readyz）
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	blobs, err := storage.NewFileStore(cfg.Upload.Folder)
	if err != nil {
		log.Fatal("Failed to init upload folder", zap.Error(err))
	}

	// Repositories
	userRepo := repository.NewUserRepository(dbConn)
	messageRepo := repository.NewMessageRepository(dbConn)
	attachmentRepo := repository.NewAttachmentRepository(dbConn)
	outboxRepo := outbox.NewRepository(dbConn)

	// Live notifications
	registry := notify.NewRegistry(notify.Options{
		MaxConnections:        cfg.WS.MaxConnections,
		MaxConnectionsPerUser: cfg.WS.MaxConnectionsPerUser,
		SendTimeout:           cfg.SendTimeout(),
	}, log)
	notifier := notify.NewDispatcher(registry, log)

	// Services
	tokens := auth.NewJWT(cfg.JWT.Secret, cfg.TokenTTL())
	authService := auth.NewService(userRepo, tokens, log)

	mailOpts := mail.DefaultOptions()
	if cfg.Upload.MaxFileSize > 0 {
		mailOpts.MaxFileSize = cfg.Upload.MaxFileSize
	}
	if len(cfg.Upload.AllowedExtensions) > 0 {
		mailOpts.AllowedExtensions = cfg.Upload.AllowedExtensions
	}
	mailService := mail.NewService(userRepo, messageRepo, attachmentRepo, blobs, notifier, mailOpts, log)
	replayService := outbox.NewReplayService(outboxRepo, publisher, log)

	wsHandler := realtime.NewHandler(registry, tokens, userRepo, realtime.Options{
		AuthTimeout: cfg.AuthTimeout(),
	}, log)

	// Outbox dispatcher
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.OutboxInterval()).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	go dispatcher.Start(ctx)

	router := api.NewRouter(api.Handlers{
		Auth: api.NewAuthHandler(authService, log),
		Mail: api.NewMailHandler(mailService, api.UploadLimits{
			PerFile: mailOpts.MaxFileSize,
			Request: cfg.MaxRequestBytes(),
		}, log),
		Admin: api.NewAdminHandler(registry, replayService, log),
		Health: api.NewHealthHandler(map[string]api.Check{
			"db":    func(ctx context.Context) error { return dbConn.Ping(ctx) },
			"redis": func(ctx context.Context) error { return redisclient.Ping(ctx, rdb) },
			"mq": func(context.Context) error {
				if !publisher.IsConnected() {
					return errors.New("mq connection closed")
				}
				return nil
			},
		}),
		WS: wsHandler.ServeWS,
	}, tokens, userRepo, log)

	// 不设 ReadTimeout/WriteTimeout：websocket 连接是长连接
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down skypost server gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 已升级的 websocket 不受 Shutdown 管理
	registry.CloseAll()

	log.Info("skypost server shutdown complete")
}
