package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vantalim12/pskdotfun/internal/engine/application"
	"github.com/Vantalim12/pskdotfun/internal/engine/infrastructure/identity"
	"github.com/Vantalim12/pskdotfun/internal/engine/infrastructure/messaging"
	"github.com/Vantalim12/pskdotfun/internal/engine/infrastructure/persistence/mysql"
	enginehttp "github.com/Vantalim12/pskdotfun/internal/engine/interfaces/http"
	enginews "github.com/Vantalim12/pskdotfun/internal/engine/interfaces/ws"
	"github.com/Vantalim12/pskdotfun/pkg/config"
	"github.com/Vantalim12/pskdotfun/pkg/db"
	"github.com/Vantalim12/pskdotfun/pkg/logger"
	"github.com/Vantalim12/pskdotfun/pkg/metrics"
	"github.com/Vantalim12/pskdotfun/pkg/mq"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
)

func main() {
	configPath := flag.String("config", "configs/engine/config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log := logger.Get()
	logger.Info(ctx, "Starting dark pool execution engine",
		"service", cfg.ServiceName, "version", cfg.Version, "environment", cfg.Environment)

	// 数据库
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		logger.Error(ctx, "Failed to init database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.AutoMigrate(
		&domain.Order{}, &domain.Trade{},
		&identity.APIKey{}, &identity.Profile{},
	); err != nil {
		logger.Error(ctx, "Failed to migrate database schema", "error", err)
		os.Exit(1)
	}

	// 指标
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.ServiceName)
		if err := m.Register(); err != nil {
			logger.Error(ctx, "Failed to register metrics", "error", err)
			os.Exit(1)
		}
		if err := metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Error(ctx, "Failed to start metrics server", "error", err)
			os.Exit(1)
		}
	}

	// 仓储与外部协作者
	orderRepo := mysql.NewOrderRepository(database.DB)
	tradeRepo := mysql.NewTradeRepository(database.DB)
	identityProvider := identity.NewIdentityProvider(database.DB)
	profileService := identity.NewProfileService(database.DB)

	// 应用层装配
	manager := application.NewEngineManager(
		cfg.Engine.QueueDepth,
		orderRepo, tradeRepo,
		identityProvider, profileService,
		application.IntakeConfig{
			SupportedTokens: cfg.Engine.SupportedTokens,
			TierLimits: map[domain.KYCTier]decimal.Decimal{
				domain.KYCTierBasic:         decimal.NewFromFloat(cfg.KYC.Tier0Limit),
				domain.KYCTierVerified:      decimal.NewFromFloat(cfg.KYC.Tier1Limit),
				domain.KYCTierAdvanced:      decimal.NewFromFloat(cfg.KYC.Tier2Limit),
				domain.KYCTierInstitutional: decimal.NewFromFloat(cfg.KYC.Tier3Limit),
			},
		},
		m, log,
	)

	scheduler := application.NewExecutionScheduler(application.SchedulerConfig{
		MinSliceInterval:    time.Duration(cfg.Engine.MinSliceIntervalMinutes) * time.Minute,
		MaxSliceCount:       cfg.Engine.MaxSliceCount,
		SliceJitterFraction: cfg.Engine.SliceJitterFraction,
		RetryAttempts:       cfg.Engine.SliceRetryAttempts,
		RetryBackoff:        time.Duration(cfg.Engine.SliceRetryBackoff) * time.Millisecond,
	}, orderRepo, manager.Registry(), m, log)
	scheduler.SetSink(manager)
	manager.SetScheduler(scheduler)
	defer scheduler.Stop()

	notifier := application.NewSettlementNotifier(cfg.Engine.SubscriberBuffer, log)
	defer notifier.Close()

	stats := application.NewStatsAggregator(m, log)

	manager.AddPublisher(scheduler)
	manager.AddPublisher(notifier)
	manager.AddPublisher(stats)

	// Kafka 事件外发
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		if err != nil {
			logger.Error(ctx, "Failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		kafkaPublisher := messaging.NewKafkaEventPublisher(producer, cfg.Engine.QueueDepth, log)
		defer kafkaPublisher.Close()
		manager.AddPublisher(kafkaPublisher)
	}
	defer manager.Registry().StopAll()

	// HTTP 与 WebSocket 接口
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	enginehttp.NewHandler(manager, stats, tradeRepo, m).RegisterRoutes(router)
	enginews.NewHandler(manager, notifier, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info(ctx, "HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info(ctx, "Shutting down engine")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown failed", "error", err)
	}

	logger.Info(ctx, "Engine stopped")
}
