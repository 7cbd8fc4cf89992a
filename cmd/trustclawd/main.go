package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"TrustClaw/internal/api"
	"TrustClaw/internal/config"
	"TrustClaw/internal/ledger"
	"TrustClaw/internal/observability/alerting"
	"TrustClaw/internal/pipeline"
	"TrustClaw/internal/publisher"
	"TrustClaw/internal/registry"
	"TrustClaw/internal/registry/ethereum"
	"TrustClaw/internal/trust"
	"TrustClaw/pkg/logger"
)

// main 是 TrustClaw 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("trustclawd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TRUSTCLAW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "trustclaw.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 加载链定义并选择当前网络。
	chains, err := registry.LoadChainDefinitions(cfg.Registry.ChainConfig)
	if err != nil {
		return err
	}
	chain, err := chains.Select(cfg.Registry.Network)
	if err != nil {
		return err
	}

	reader, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:               cfg.Registry.Network,
		RPCURL:             chain.RPCURL,
		IdentityRegistry:   chain.IdentityRegistry,
		ReputationRegistry: chain.ReputationRegistry,
		SkillMarkers:       chain.SkillMarkers,
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	var store ledger.Store
	switch cfg.Storage.Ledger.Driver {
	case "memory", "":
		store = ledger.NewMemoryStore()
	case "mysql":
		mysqlStore, err := ledger.NewMySQLStore(cfg.Storage.Ledger.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的台账驱动: %s", cfg.Storage.Ledger.Driver)
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	var queue pipeline.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = pipeline.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := pipeline.NewRedisQueue(pipeline.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := pipeline.NewRabbitMQQueue(pipeline.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Error("关闭事件队列失败", slog.Any("error", err))
			}
		}
	}()

	var delivery publisher.Delivery
	switch cfg.Publisher.Driver {
	case "", "log":
		delivery = &publisher.LogDelivery{}
	case "webhook":
		webhook, err := publisher.NewWebhookDelivery(publisher.WebhookConfig{
			Endpoint: cfg.Publisher.Endpoint,
			TokenEnv: cfg.Publisher.TokenEnv,
		})
		if err != nil {
			return err
		}
		delivery = webhook
	default:
		return fmt.Errorf("未知的投递渠道: %s", cfg.Publisher.Driver)
	}

	announcer := publisher.NewAnnouncer(store, delivery,
		publisher.WithRateLimiter(publisher.NewRateLimiter(cfg.Publisher.MaxPerHour, time.Hour)),
		publisher.WithDryRun(cfg.Publisher.DryRun),
		publisher.WithAnnouncerLogger(logger.Named("announcer")),
	)

	resolver := trust.NewResolver(reader, cfg.Sentinel.Dimensions,
		time.Duration(cfg.Registry.RequestTimeout)*time.Second)

	alerter := alerting.NewFanout(&alerting.LogNotifier{})

	processor := pipeline.NewProcessor(resolver, store, queue, queue, announcer,
		cfg.Sentinel.TrustThreshold,
		pipeline.WithWorkerCount(cfg.Queue.Worker),
		pipeline.WithProcessorLogger(logger.Named("processor")),
		pipeline.WithAlertDispatcher(alerter),
	)

	watcher := pipeline.NewWatcher(reader, store, queue, pipeline.WatcherConfig{
		PollInterval:   time.Duration(cfg.Registry.PollInterval) * time.Second,
		LookbackBlocks: cfg.Registry.LookbackBlocks,
		RescanBlocks:   cfg.Registry.RescanBlocks,
		MaxRetries:     cfg.Sentinel.MaxRetries,
	})

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	defer pipelineCancel()

	go func() {
		if err := processor.Start(pipelineCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("事件处理器异常退出", slog.Any("error", err))
		}
	}()
	go func() {
		if err := watcher.Run(pipelineCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("链观察器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, resolver, store, cfg.Sentinel.TrustThreshold)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
