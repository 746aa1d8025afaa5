package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"relaychat/internal/ai"
	"relaychat/internal/app"
	"relaychat/internal/budget"
	"relaychat/internal/cache"
	"relaychat/internal/catalog"
	"relaychat/internal/config"
	"relaychat/internal/kv"
	"relaychat/internal/model"
	mysqlClient "relaychat/internal/platform/mysql"
	rabbitmqClient "relaychat/internal/platform/rabbitmq"
	redisClient "relaychat/internal/platform/redis"
	"relaychat/internal/ratelimit"
	"relaychat/internal/repository"
	"relaychat/internal/vault"
	"relaychat/internal/worker"
)

// App holds everything the server needs. Redis is nil when the
// in-memory store is selected, MQConn when no broker is configured;
// the health handler and the usage path tolerate both.
type App struct {
	Config  *config.Config
	MySQL   *gorm.DB
	Redis   *redis.Client
	MQConn  *amqp.Connection
	Catalog *catalog.Catalog
	Limiter *ratelimit.Limiter

	AuthService       *app.AuthService
	StoreService      *app.StoreService
	CompletionService *app.CompletionService

	usageWorker *worker.UsageWorker
	memStore    *kv.MemoryStore

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.ChatSession{},
		&model.Message{},
		&model.Folder{},
		&model.SavedPrompt{},
		&model.UserPreference{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	a := &App{Config: cfg, MySQL: mysqlDB, StartedAt: time.Now()}

	var store kv.Store
	if cfg.RateLimit.Store == "memory" {
		a.memStore = kv.NewMemoryStore(time.Duration(cfg.RateLimit.SweepSeconds) * time.Second)
		store = a.memStore
	} else {
		redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.Redis = redisCli
		store = kv.NewRedisStore(redisCli)
	}

	a.Catalog = catalog.New(catalogModels(cfg.Models))
	a.Limiter = ratelimit.New(store, a.Catalog, ratelimit.Policy{
		Window:      time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		Limit:       cfg.RateLimit.Tokens,
		Pessimistic: cfg.RateLimit.Pessimistic,
		Disabled:    cfg.Auth.AccessToken != "",
	})

	v, err := vault.New(cfg.Vault.MasterKey, cfg.Vault.Iterations)
	if err != nil {
		return nil, fmt.Errorf("init vault failed: %w", err)
	}
	snapshots := cache.NewSnapshotCache(store, time.Duration(cfg.Redis.SnapshotTTLSeconds)*time.Second)

	userRepo := repository.NewUserRepository(mysqlDB)
	chatRepo := repository.NewChatRepository(mysqlDB)
	messageRepo := repository.NewMessageRepository(mysqlDB)
	folderRepo := repository.NewFolderRepository(mysqlDB)
	promptRepo := repository.NewPromptRepository(mysqlDB)
	prefRepo := repository.NewPreferenceRepository(mysqlDB)

	a.AuthService = app.NewAuthService(userRepo, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute)
	a.StoreService = app.NewStoreService(chatRepo, messageRepo, folderRepo, promptRepo, prefRepo, v, snapshots)

	var publisher app.UsagePublisher
	if cfg.RabbitMQ.URL != "" {
		mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			return nil, err
		}
		a.MQConn = mqConn

		pub, err := rabbitmqClient.NewUsagePublisher(mqConn, cfg.RabbitMQ.UsageQueue)
		if err != nil {
			return nil, fmt.Errorf("init usage publisher failed: %w", err)
		}
		publisher = pub

		a.usageWorker = worker.NewUsageWorker(mqConn, a.Limiter, cfg.RabbitMQ.UsageQueue)
		if err := a.usageWorker.Start(ctx); err != nil {
			return nil, fmt.Errorf("start usage worker failed: %w", err)
		}
	} else {
		log.Println("rabbitmq url not set, recording usage in-process")
	}

	llm := ai.NewOpenAICompatibleClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, time.Duration(cfg.LLM.RequestTimeoutSeconds)*time.Second)
	budgeter := budget.New(budget.NewEstimator(), budget.DefaultPolicy(), cfg.LLM.DefaultSystemPrompt)

	a.CompletionService = app.NewCompletionService(llm, a.Catalog, a.Limiter, budgeter, publisher, app.CompletionDefaults{
		SystemPrompt: cfg.LLM.DefaultSystemPrompt,
		Temperature:  cfg.LLM.Temperature,
		TopP:         cfg.LLM.TopP,
	})

	return a, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.usageWorker != nil {
		a.usageWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.memStore != nil {
		a.memStore.Close()
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}

func catalogModels(models []config.ModelConfig) []catalog.Model {
	out := make([]catalog.Model, 0, len(models))
	for _, m := range models {
		out = append(out, catalog.Model{
			ID:         m.ID,
			Name:       m.Name,
			TokenLimit: m.TokenLimit,
			Multiplier: m.Multiplier,
			MinTier:    m.Tier,
			Virtual:    m.Virtual,
			Fallback:   m.Fallback,
		})
	}
	return out
}
