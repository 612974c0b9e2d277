package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/database"
	"github.com/qs3c/persona_go_server/internal/pkg/line"
	"github.com/qs3c/persona_go_server/internal/pkg/llm"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/metrics"
	"github.com/qs3c/persona_go_server/internal/pkg/moderation"
	"github.com/qs3c/persona_go_server/internal/pkg/pubsub"
	"github.com/qs3c/persona_go_server/internal/pkg/queue"
	"github.com/qs3c/persona_go_server/internal/repository"
	"github.com/qs3c/persona_go_server/internal/service"
	"github.com/qs3c/persona_go_server/internal/worker"
)

const popTimeout = 5 * time.Second

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

	logger := logging.NewLoggerWithService("persona-worker", cfg.Log.Level, cfg.Log.Format)
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

	chain, err := llm.NewChainFromConfig(cfg.LLM, logger, m)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to build llm chain")
	}

	// 初始化 Queue 和 Pub/Sub
	webhookQueue := queue.NewQueue(rdb, cfg.Queue.WebhookQueue)
	publisher := pubsub.NewPublisher(rdb)

	// 初始化 Repository
	personaRepo := repository.NewPersonaRepository(db)

	quotaService := service.NewQuotaService(
		repository.NewAccountRepository(db),
		repository.NewUsageLogRepository(db),
		cfg,
		logger,
		m,
	)
	conversationService := service.NewConversationService(
		personaRepo,
		repository.NewConversationRepository(db),
		quotaService,
		chain,
		moderation.NewFilter(),
		publisher,
		cfg,
		logger,
		m,
	)

	processor := worker.NewTurnProcessor(
		conversationService,
		personaRepo,
		line.NewClient(cfg.Line, logger),
		cfg,
		logger,
		m,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := cfg.Queue.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	batchSize := cfg.Queue.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	logger.WithFields(logging.Fields{
		"max_workers": workers,
		"batch_size":  batchSize,
		"providers":   chain.Len(),
	}).Info("worker started")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := logger.WithField("worker_id", workerID)
			for {
				if ctx.Err() != nil {
					log.Info("worker shutting down")
					return
				}

				// 取一批事件
				batch, err := webhookQueue.PopBatch(ctx, popTimeout, batchSize)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.WithField("error", err.Error()).Error("failed to pop events")
					time.Sleep(time.Second)
					continue
				}
				if len(batch) == 0 {
					continue // 超时，继续等待
				}

				// 回复必须在 replyToken 失效前送出，不随关停信号取消
				if err := processor.ProcessBatch(context.Background(), batch); err != nil {
					log.WithField("error", err.Error()).Warn("batch finished with failures")
				}
			}
		}(i)
	}

	wg.Wait()
	if err := rdb.Close(); err != nil {
		logger.WithField("error", err.Error()).Warn("failed to close redis")
	}
	logger.Info("worker shutdown complete")
}
