package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"agent-core/internal/api"
	"agent-core/internal/config"
	"agent-core/internal/conversation"
	"agent-core/internal/executor"
	"agent-core/internal/intent"
	"agent-core/internal/llm"
	"agent-core/internal/llm/openai"
	"agent-core/internal/observability/alerting"
	"agent-core/internal/observability/metrics"
	"agent-core/internal/orchestrator"
	"agent-core/internal/planner"
	"agent-core/internal/policy"
	"agent-core/internal/ratelimit"
	"agent-core/internal/storage/mysql"
	"agent-core/internal/task"
	"agent-core/internal/validator"
	"agent-core/pkg/logger"
)

const degradedTurnMessage = "I couldn't finish that request. Please try again in a moment."

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the turn-job workers and the session sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("agentcored")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	catalog, err := policy.LoadCatalog(cfg.Policy.ToolsPath)
	if err != nil {
		return err
	}
	rules, err := policy.LoadIntentRules(cfg.Policy.IntentsPath)
	if err != nil {
		return err
	}
	log.Info("策略已加载",
		slog.Int("tools", catalog.Len()),
		slog.Int("intent_rules", len(rules.Intents)))

	generator, err := createGenerator(cfg)
	if err != nil {
		return err
	}

	store, err := createCounterStore(ctx, cfg)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(store,
		ratelimit.WithFailOpen(cfg.RateLimit.FailOpen),
		ratelimit.WithStoreTimeout(cfg.RateLimit.StoreTimeout),
		ratelimit.WithLogger(logger.Named("ratelimit")),
	)
	defer limiter.Close()

	sink, err := createSink(cfg)
	if err != nil {
		return err
	}

	sessions := conversation.NewManager(
		conversation.WithPendingTTL(cfg.Conversation.PendingTTL),
		conversation.WithIdleTimeout(cfg.Conversation.IdleTimeout),
		conversation.WithHistoryLimit(cfg.Conversation.HistoryLimit),
		conversation.WithSummaryTokens(cfg.Conversation.SummaryTokens),
	)
	metrics.RegisterSessionGauge(sessions.Len)

	sweeper, err := conversation.NewSweeper(sessions, cfg.Conversation.SweepSpec)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	transcripts, err := createTranscripts(ctx, cfg)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	orch := orchestrator.New(
		sessions,
		intent.New(rules, generator, intent.WithThreshold(cfg.Intent.Threshold)),
		planner.New(generator, catalog, planner.WithMaxActions(cfg.Planner.MaxActions)),
		validator.New(catalog, limiter, validator.WithDefaultRateLimit(cfg.RateLimit.DefaultLimit)),
		sink,
		orchestrator.WithGenerator(generator),
		orchestrator.WithTranscripts(transcripts),
	)

	taskService, processor, err := createTaskPipeline(ctx, cfg, orch)
	if err != nil {
		return err
	}
	defer taskService.Close()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if addr := cfg.Observability.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err), slog.String("address", addr))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, orch,
		api.WithTaskService(taskService, cfg.TaskQueue.Driver),
		api.WithConfigView(cfg),
		api.WithIngressLimit(cfg.Server.IngressRPS, cfg.Server.IngressBurst),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.RequestTimeout),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("agentcored 已退出")
	return nil
}

func createGenerator(cfg *config.Config) (llm.Generator, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:         cfg.LLM.OpenAI.APIKey,
			BaseURL:        cfg.LLM.OpenAI.BaseURL,
			Model:          cfg.LLM.OpenAI.Model,
			Timeout:        cfg.LLM.OpenAI.Timeout,
			MaxAttempts:    cfg.LLM.OpenAI.MaxAttempts,
			BackoffInitial: cfg.LLM.OpenAI.BackoffInitial,
			BackoffMax:     cfg.LLM.OpenAI.BackoffMax,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createCounterStore(ctx context.Context, cfg *config.Config) (ratelimit.CounterStore, error) {
	switch cfg.RateLimit.Driver {
	case "", "memory":
		return ratelimit.NewMemoryStore(), nil
	case "redis":
		return ratelimit.NewRedisStore(ctx, ratelimit.RedisConfig{
			Address:  cfg.RateLimit.Redis.Address,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("未知的限流存储驱动: %s", cfg.RateLimit.Driver)
	}
}

func createSink(cfg *config.Config) (executor.Sink, error) {
	opts := []executor.Option{executor.WithTimeout(cfg.Executor.Timeout)}
	web, err := executor.NewWebSink(cfg.Executor.WebURL, opts...)
	if err != nil {
		return nil, err
	}
	tools, err := executor.NewToolSink(cfg.Executor.ToolURL, opts...)
	if err != nil {
		return nil, err
	}
	return executor.NewRouter(web, tools), nil
}

func createTranscripts(ctx context.Context, cfg *config.Config) (mysql.TranscriptRepository, error) {
	db := cfg.Storage.Transcript
	switch db.Driver {
	case "", "memory":
		return mysql.NewMemoryTranscriptRepository(cfg.Runtime.DataDir)
	case mysql.DialectMySQL, mysql.DialectSQLite:
		return mysql.NewSQLTranscriptRepository(ctx, db.Driver, storageConfig(db))
	default:
		return nil, fmt.Errorf("未知的归档存储驱动: %s", db.Driver)
	}
}

func storageConfig(db config.DatabaseConfig) mysql.Config {
	return mysql.Config{
		DSN:             db.DSN,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
	}
}

func createTaskPipeline(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator) (*task.Service, *task.Processor, error) {
	var store task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		store = task.NewMemoryStore()
	case "mysql":
		mysqlStore, err := task.NewMySQLStore(ctx, storageConfig(cfg.Storage.TaskStore))
		if err != nil {
			return nil, nil, err
		}
		store = mysqlStore
	default:
		return nil, nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}

	queue, err := createQueue(cfg)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if url := cfg.Observability.Alerting.WebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: cfg.Observability.Alerting.Timeout},
		})
	}

	service := task.NewService(store, queue, cfg.Storage.TaskStore.MaxRetries)
	processor := task.NewProcessor(orch, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithRecoveryHandler(task.ApologyRecovery(degradedTurnMessage)),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)
	return service, processor, nil
}

func createQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: cfg.TaskQueue.Redis.BlockWait,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}

// 编译期保证编排器满足任务执行接口。
var _ task.Executor = (*orchestrator.Orchestrator)(nil)
