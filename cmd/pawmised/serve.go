package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pawmise/internal/agent"
	"pawmise/internal/api"
	"pawmise/internal/config"
	"pawmise/internal/keystore"
	"pawmise/internal/llm/openai"
	"pawmise/internal/observability/alerting"
	"pawmise/internal/observability/metrics"
	"pawmise/internal/pet"
	"pawmise/internal/progression"
	"pawmise/internal/session"
	"pawmise/internal/storage/mysql"
	redisstore "pawmise/internal/storage/redis"
	"pawmise/internal/storage/sqlite"
	"pawmise/internal/task"
	"pawmise/internal/toolkit"
	"pawmise/internal/web3/provider"
	"pawmise/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 服务与成长任务处理器",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	dbs := newDatabases(cfg)
	defer dbs.Close()

	petStore, err := openPetStore(ctx, cfg, dbs)
	if err != nil {
		return err
	}
	cipher := keystore.NewCipher(cfg.Security.EncryptionPassphrase)
	pets := pet.NewService(petStore, cipher, pet.WithCASRetries(cfg.Storage.Pets.CASRetries))

	alerts := buildAlerts(cfg)

	var (
		sessions    session.Store
		invalidator toolkit.Invalidator
	)
	sessionCfg := cfg.Storage.Sessions
	idleTimeout := time.Duration(sessionCfg.IdleTimeoutSeconds) * time.Second
	switch sessionCfg.Driver {
	case "memory":
		sessions = session.NewMemoryStore(session.WithIdleTimeout(idleTimeout))
	case "redis":
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  sessionCfg.Redis.Address,
			Password: sessionCfg.Redis.Password,
			DB:       sessionCfg.Redis.DB,
			Prefix:   sessionCfg.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		sessions = redisstore.NewSessionStore(client, sessionCfg.Redis.Prefix, idleTimeout)
		invalidator = redisstore.NewToolkitInvalidator(client, sessionCfg.Redis.Prefix)
	default:
		return fmt.Errorf("未知的会话存储驱动: %s", sessionCfg.Driver)
	}

	janitor := session.NewJanitor(sessions, time.Duration(sessionCfg.SweepIntervalSeconds)*time.Second,
		session.WithSweepObserver(metrics.ObserveSessionsSwept))
	if err := janitor.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		janitor.Stop(stopCtx)
	}()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	provisioner := toolkit.NewProvisioner(pets, chains,
		toolkit.WithGuard(toolkit.NewGuard(toolkit.GuardConfig{
			MaxAmount:           cfg.Toolkit.MaxAmount,
			OwnerOnlyRecipients: *cfg.Toolkit.OwnerOnlyRecipients,
		})),
		toolkit.WithInvalidator(invalidator),
	)

	prompt, err := agent.LoadPrompt(cfg.Agent.PromptTemplate, agent.DefaultPolicy())
	if err != nil {
		return err
	}
	ag := agent.New(llmClient, provisioner, sessions, pets,
		agent.WithPrompt(prompt),
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithEmergencyMaxSteps(cfg.Agent.EmergencyMaxSteps),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout()),
		agent.WithAlerts(alerts),
	)

	taskStore, err := openTaskStore(ctx, cfg, dbs)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	taskQueue, err := openTaskQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	tasks := task.NewService(taskStore, taskQueue, cfg.Storage.Tasks.Retries)
	processor := task.NewProcessor(taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithAlertDispatcher(alerts),
		task.WithExecutor(progression.KindNFTProgression,
			progression.NewExecutor(progression.NewUpgrader(ag, cfg.Agent.MaxSteps))),
	)
	pets.SetBalanceObserver(progression.NewScheduler(tasks))

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
	go func() {
		if err := provisioner.Watch(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("工具集失效订阅退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, ag, api.WithPets(pets), api.WithTasks(tasks))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("pawmised 已退出")
	return nil
}

func createLLMClient(cfg *config.Config) (*openai.Client, error) {
	if cfg.LLM.Provider != "openai" {
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
	apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
	if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
	}
	if apiKey == "" {
		return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
	}
	return openai.NewClient(openai.Config{
		APIKey:  apiKey,
		BaseURL: cfg.LLM.OpenAI.BaseURL,
		Model:   cfg.LLM.OpenAI.Model,
		Timeout: cfg.LLM.OpenAI.Timeout(),
	})
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url))
	}
	return alerting.NewFanout(notifiers...)
}

// databases 按驱动与 DSN 复用连接，宠物与任务可共享同一个库。
type databases struct {
	cfg  *config.Config
	open map[string]*sql.DB
}

func newDatabases(cfg *config.Config) *databases {
	return &databases{cfg: cfg, open: make(map[string]*sql.DB)}
}

func (d *databases) get(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if driver == "sqlite" && strings.TrimSpace(dsn) == "" {
		dsn = filepath.Join(d.cfg.Runtime.DataDir, "pawmise.db")
	}
	key := driver + "|" + dsn
	if db, ok := d.open[key]; ok {
		return db, nil
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "mysql":
		pool := d.cfg.Storage.Pets
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             dsn,
			MaxOpenConns:    pool.MaxOpenConns,
			MaxIdleConns:    pool.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pool.ConnMaxLifetimeSeconds) * time.Second,
		})
	case "sqlite":
		db, err = sqlite.Open(ctx, dsn)
	default:
		return nil, fmt.Errorf("未知的数据库驱动: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	d.open[key] = db
	return db, nil
}

func (d *databases) Close() {
	for key, db := range d.open {
		if err := db.Close(); err != nil {
			logger.L().Warn("关闭数据库连接失败", slog.String("db", key), slog.Any("error", err))
		}
	}
}

func openPetStore(ctx context.Context, cfg *config.Config, dbs *databases) (pet.Store, error) {
	switch cfg.Storage.Pets.Driver {
	case "memory":
		return pet.NewMemoryStore(), nil
	case "mysql", "sqlite":
		db, err := dbs.get(ctx, cfg.Storage.Pets.Driver, cfg.Storage.Pets.DSN)
		if err != nil {
			return nil, err
		}
		return pet.NewSQLStore(db), nil
	default:
		return nil, fmt.Errorf("未知的宠物存储驱动: %s", cfg.Storage.Pets.Driver)
	}
}

func openTaskStore(ctx context.Context, cfg *config.Config, dbs *databases) (task.Store, error) {
	tasksCfg := cfg.Storage.Tasks
	switch tasksCfg.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql", "sqlite":
		dsn := tasksCfg.DSN
		if dsn == "" && tasksCfg.Driver == cfg.Storage.Pets.Driver {
			dsn = cfg.Storage.Pets.DSN
		}
		db, err := dbs.get(ctx, tasksCfg.Driver, dsn)
		if err != nil {
			return nil, err
		}
		return task.NewSQLStore(db), nil
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", tasksCfg.Driver)
	}
}

func openTaskQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	queueCfg := cfg.TaskQueue
	switch queueCfg.Driver {
	case "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   queueCfg.Redis.Address,
			Password:  queueCfg.Redis.Password,
			DB:        queueCfg.Redis.DB,
			Queue:     queueCfg.Redis.Queue,
			BlockWait: time.Duration(queueCfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        queueCfg.RabbitMQ.URL,
			Queue:      queueCfg.RabbitMQ.Queue,
			Prefetch:   queueCfg.RabbitMQ.Prefetch,
			Durable:    queueCfg.RabbitMQ.Durable,
			AutoDelete: queueCfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", queueCfg.Driver)
	}
}
