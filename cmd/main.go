package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"givecycle/internal/caching"
	"givecycle/internal/config"
	"givecycle/internal/handlers"
	"givecycle/internal/jobs"
	"givecycle/internal/jobs/background"
	"givecycle/internal/middleware"
	"givecycle/internal/repositories"
	"givecycle/internal/services"
	"givecycle/pkg/database"
	"givecycle/pkg/logger"
	"givecycle/pkg/rabbitmq"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		FilePath:   cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Production: cfg.LogProduction,
	})
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.DatabaseURL, zlog)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	subscriptionRepo := repositories.NewSubscriptionRepo(pool)
	settlementRepo := repositories.NewSettlementRepo(pool)
	donorRepo := repositories.NewDonorRepo(pool)
	campaignRepo := repositories.NewCampaignRepo(pool)
	txManager := repositories.NewTxManager(pool)

	// Without Redis the cache is disabled and the cycle lock only guards this process.
	var (
		cacheSvc caching.CacheService
		locker   caching.CycleLocker
	)
	if cfg.RedisAddr != "" {
		redisClient := caching.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, zlog)
		defer redisClient.Close()
		cacheSvc = caching.NewRedisCacheService(redisClient)
		locker = caching.NewRedsyncLocker(redisClient)
	} else {
		zlog.Warn("REDIS_ADDR not set, running without cache or cross-replica lock")
		cacheSvc = caching.NewNoopCacheService()
		locker = caching.NewLocalLocker()
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: zlog}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, zlog)
		if err != nil {
			zlog.Warn("rabbitmq unavailable, events will only be logged", zap.Error(err))
		} else {
			publisher = producer
		}
	}
	defer publisher.Close()

	archive := services.NewNoopReceiptArchive()
	if cfg.MinioEndpoint != "" {
		minioArchive, err := services.NewMinioReceiptArchive(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			zlog.Fatal("failed to initialize receipt archive", zap.Error(err))
		}
		if err := minioArchive.EnsureBucketExists(ctx); err != nil {
			zlog.Warn("receipt bucket unavailable, receipts will not be archived", zap.Error(err))
		} else {
			archive = minioArchive
		}
	}

	gateway, err := services.NewPaymentGateway(cfg.PaymentProvider, cfg.MidtransServerKey, cfg.MidtransProduction, zlog)
	if err != nil {
		zlog.Fatal("failed to initialize payment gateway", zap.Error(err))
	}

	clock := clockwork.NewRealClock()

	subscriptionSvc := services.NewSubscriptionService(
		subscriptionRepo,
		settlementRepo,
		donorRepo,
		campaignRepo,
		cacheSvc,
		publisher,
		clock,
		services.SubscriptionServiceConfig{
			MinimumAmount:       cfg.MinimumAmount,
			DefaultCurrency:     cfg.DefaultCurrency,
			SupportedCurrencies: services.SupportedCurrencies(gateway.Name()),
			CacheTTL:            cfg.CacheTTL,
		},
		zlog,
	)
	adminSvc := services.NewSubscriptionAdminService(subscriptionSvc, donorRepo, zlog)

	processor := jobs.NewSettlementProcessor(
		subscriptionRepo,
		settlementRepo,
		donorRepo,
		txManager,
		gateway,
		locker,
		archive,
		cacheSvc,
		publisher,
		clock,
		jobs.SettlementConfig{
			BatchSize:            cfg.SettlementBatchSize,
			Workers:              cfg.SettlementWorkers,
			LeaseDuration:        cfg.SettlementLease,
			LockTTL:              cfg.SettlementLockTTL,
			MaxFailedAttempts:    cfg.MaxFailedAttempts,
			RetryInitialInterval: cfg.RetryInitialInterval,
			RetryMaxInterval:     cfg.RetryMaxInterval,
			RetryMultiplier:      cfg.RetryMultiplier,
		},
		zlog,
	)

	var scheduler *background.JobScheduler
	if cfg.SchedulerEnabled {
		scheduler, err = background.NewJobScheduler(processor, cfg.SettlementInterval, clock, zlog)
		if err != nil {
			zlog.Fatal("failed to create settlement scheduler", zap.Error(err))
		}
		scheduler.Start()
	}

	e := echo.New()
	e.HideBanner = true

	audit := middleware.NewAuditMiddleware(zlog)
	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.CORS())
	e.Use(echoMiddleware.RemoveTrailingSlash())
	e.Use(audit.RequestID())
	e.Use(audit.AuditRequest())

	versionMiddleware := middleware.NewVersionMiddleware()
	e.Use(versionMiddleware.APIVersionResolver())

	// A nil *JobScheduler must not reach the handlers as a non-nil interface.
	var (
		trigger  handlers.CycleTrigger
		reporter handlers.CycleReporter
	)
	if scheduler != nil {
		trigger = scheduler
		reporter = scheduler
	}
	handlers.NewHealthHandlers(pool, cacheSvc, reporter, version).Register(e)

	v1 := e.Group("/v1")
	v1.Use(versionMiddleware.VersionHeader("v1"))
	handlers.NewSubscriptionHandlers(adminSvc, trigger, zlog).Register(v1)

	go func() {
		zlog.Info("givecycle server starting", zap.String("version", version), zap.Int("port", cfg.Port))
		if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http server shutdown failed", zap.Error(err))
	}
	if scheduler != nil {
		if err := scheduler.Stop(); err != nil {
			zlog.Error("scheduler shutdown failed", zap.Error(err))
		}
	}
}
