package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/api"
	"github.com/qs3c/persona_go_server/internal/api/handler"
	"github.com/qs3c/persona_go_server/internal/database"
	"github.com/qs3c/persona_go_server/internal/pkg/cron"
	"github.com/qs3c/persona_go_server/internal/pkg/llm"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/metrics"
	"github.com/qs3c/persona_go_server/internal/pkg/moderation"
	"github.com/qs3c/persona_go_server/internal/pkg/pubsub"
	"github.com/qs3c/persona_go_server/internal/pkg/queue"
	"github.com/qs3c/persona_go_server/internal/pkg/ws"
	"github.com/qs3c/persona_go_server/internal/repository"
	"github.com/qs3c/persona_go_server/internal/service"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithService("persona-server", cfg.Log.Level, cfg.Log.Format)
	m := metrics.Registry(cfg.Metrics.Namespace)

	// 初始化数据库
	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to connect database")
	}
	logger.Info("database connected")

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to connect redis")
	}
	logger.Info("redis connected")

	// 生成链路
	chain, err := llm.NewChainFromConfig(cfg.LLM, logger, m)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to build llm chain")
	}
	if chain.Len() == 0 {
		logger.Warn("no llm provider configured, every turn will be unavailable")
	}

	// 初始化 Queue / Pub/Sub
	webhookQueue := queue.NewQueue(rdb, cfg.Queue.WebhookQueue)
	deduper := queue.NewDeduper(rdb, "line:event:")
	publisher := pubsub.NewPublisher(rdb)
	subscriber := pubsub.NewSubscriber(rdb)

	// 初始化 Repository
	accountRepo := repository.NewAccountRepository(db)
	personaRepo := repository.NewPersonaRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	purchaseRepo := repository.NewCreditPurchaseRepository(db)
	usageRepo := repository.NewUsageLogRepository(db)

	// 初始化 Service
	quotaService := service.NewQuotaService(accountRepo, usageRepo, cfg, logger, m)
	conversationService := service.NewConversationService(
		personaRepo,
		conversationRepo,
		quotaService,
		chain,
		moderation.NewFilter(),
		publisher,
		cfg,
		logger,
		m,
	)
	creditService := service.NewCreditService(purchaseRepo, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// WebSocket Hub，由 Redis 订阅驱动
	wsHub := ws.NewHub(logger)
	go func() {
		if err := subscriber.Subscribe(ctx, wsHub.HandleConversationEvent); err != nil && ctx.Err() == nil {
			logger.WithField("error", err.Error()).Error("conversation event subscription stopped")
		}
	}()

	// 使用日志保留
	retention := cron.NewService(usageRepo, cfg.Retention.UsageLogDays, logger)
	retention.Start()
	defer retention.Stop()

	// 初始化 Handler
	chatHandler := handler.NewChatHandler(conversationService, quotaService, logger)
	quotaHandler := handler.NewQuotaHandler(quotaService)
	providersHandler := handler.NewProvidersHandler(chain)
	lineWebhookHandler := handler.NewLineWebhookHandler(personaRepo, webhookQueue, deduper, cfg, logger, m)
	billingHandler := handler.NewBillingHandler(creditService, logger, m)
	websocketHandler := handler.NewWebSocketHandler(wsHub, cfg.JWT.Secret, cfg.CORS.AllowedOrigins, logger)

	// 初始化 Router
	router := api.NewRouter(
		chatHandler,
		quotaHandler,
		providersHandler,
		lineWebhookHandler,
		billingHandler,
		websocketHandler,
		cfg,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("error", err.Error()).Fatal("failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err.Error()).Error("server shutdown failed")
	}
	if err := rdb.Close(); err != nil {
		logger.WithField("error", err.Error()).Warn("failed to close redis")
	}
	logger.Info("server stopped")
}
