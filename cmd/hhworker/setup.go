package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/denis201520182022/Bot-HH-tg/internal/ai"
	"github.com/denis201520182022/Bot-HH-tg/internal/alert"
	"github.com/denis201520182022/Bot-HH-tg/internal/config"
	"github.com/denis201520182022/Bot-HH-tg/internal/credentials"
	"github.com/denis201520182022/Bot-HH-tg/internal/flow"
	"github.com/denis201520182022/Bot-HH-tg/internal/hh"
	"github.com/denis201520182022/Bot-HH-tg/internal/knowledge"
	"github.com/denis201520182022/Bot-HH-tg/internal/lock"
	"github.com/denis201520182022/Bot-HH-tg/internal/queue"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
	"github.com/denis201520182022/Bot-HH-tg/internal/service"
	"github.com/redis/go-redis/v9"
)

// runtime holds the shared collaborators every command builds from config.
type runtime struct {
	cfg     config.Config
	logger  *log.Logger
	store   repository.Store
	alerts  alert.Notifier
	redis   *redis.Client
	closers []func()
}

func loadConfig(logger *log.Logger) (config.Config, error) {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	return config.Load()
}

func newRuntime(ctx context.Context, logger *log.Logger) (*runtime, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	store, err := setupStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	if cfg.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rt.closers = append(rt.closers, func() { _ = rt.redis.Close() })
	}

	rt.alerts = setupAlerts(cfg, logger)
	return rt, nil
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func setupStore(ctx context.Context, cfg config.Config, logger *log.Logger) (repository.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), nil
	}
	store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	logger.Printf("postgres store initialized")
	return store, nil
}

func setupAlerts(cfg config.Config, logger *log.Logger) alert.Notifier {
	notifiers := alert.Multi{alert.NewLogNotifier(logger)}
	if cfg.SlackToken == "" {
		return notifiers
	}
	slackNotifier, err := alert.NewSlackNotifier(alert.SlackConfig{
		Token:   cfg.SlackToken,
		Channel: cfg.SlackChannel,
	})
	if err != nil {
		logger.Printf("slack alerts disabled: %v", err)
		return notifiers
	}
	logger.Printf("slack alerts enabled channel=%s", cfg.SlackChannel)
	return append(notifiers, slackNotifier)
}

// setupCredentials builds the shared hh.ru gate, the token endpoint client and
// the credential manager on top of them.
func (rt *runtime) setupCredentials() (*hh.Gate, *credentials.Manager) {
	cfg := rt.cfg.HH
	gate := hh.NewGate(cfg.MaxConcurrency, cfg.RateLimitRPS)
	tokens := hh.NewTokenClient(hh.TokenClientConfig{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		UserAgent:    cfg.UserAgent,
		Timeout:      cfg.Timeout,
		Gate:         gate,
	})
	manager := credentials.NewManager(rt.store, tokens, rt.alerts, rt.logger, credentials.Config{
		SafetyMargin:    cfg.TokenMargin,
		NotExpiredRetry: cfg.NotExpiredRetry,
	})
	return gate, manager
}

func (rt *runtime) setupGateway() *hh.Client {
	gate, manager := rt.setupCredentials()
	cfg := rt.cfg.HH
	return hh.NewClient(hh.ClientConfig{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
		PerPage:   cfg.PerPage,
		Gate:      gate,
		Tokens:    manager,
		Logger:    rt.logger,
	})
}

func (rt *runtime) setupModel() (*service.DialogueModel, error) {
	catalogue, err := flow.Load(rt.cfg.FlowCatalogPath)
	if err != nil {
		return nil, err
	}
	script := knowledge.NewSource(knowledge.Config{
		Path:   rt.cfg.Knowledge.ScriptPath,
		URL:    rt.cfg.Knowledge.ScriptURL,
		TTL:    rt.cfg.Knowledge.TTL,
		Logger: rt.logger,
	})
	openai := rt.cfg.OpenAI
	if strings.TrimSpace(openai.APIKey) == "" {
		rt.logger.Printf("OPENAI_API_KEY not configured, every reply will be the fallback text")
	}
	client := ai.NewChatClient(ai.ChatClientConfig{
		APIKey:     openai.APIKey,
		BaseURL:    openai.BaseURL,
		Timeout:    openai.Timeout,
		MaxRetries: openai.MaxRetries,
		AppName:    "hhworker",
	})
	return service.NewDialogueModel(service.DialogueModelDependencies{
		Client:    client,
		Profile:   ai.DialogueProfile(openai.ModelPrimary, openai.ModelFallback, openai.Temperature),
		Catalogue: catalogue,
		Script:    script,
		Logger:    rt.logger,
	}), nil
}

func (rt *runtime) setupLocker() (lock.Locker, error) {
	if rt.redis == nil {
		rt.logger.Printf("REDIS_ADDR not configured, dialogue locks are process-local")
		return lock.NewLocalLocker(), nil
	}
	return lock.NewRedisLocker(lock.RedisConfig{
		Client: rt.redis,
		TTL:    rt.cfg.LockTTL,
		Logger: rt.logger,
	})
}

// eventQueue is a publisher that can also be consumed by the watch command.
type eventQueue interface {
	queue.Publisher
	queue.Consumer
}

// setupQueue returns the configured event transport. local reports true when
// the in-process queue was chosen and nobody else can drain it.
func (rt *runtime) setupQueue(ctx context.Context, group string) (eventQueue, bool, error) {
	switch rt.cfg.Publisher {
	case "redis":
		if rt.redis == nil {
			return nil, false, errors.New("NOTIFICATION_PUBLISHER=redis requires REDIS_ADDR")
		}
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Client:      rt.redis,
			Stream:      rt.cfg.RedisStream,
			Group:       group,
			MaxAttempts: 3,
			MaxLen:      rt.cfg.RedisMaxLen,
		})
		if err != nil {
			return nil, false, fmt.Errorf("init redis streams: %w", err)
		}
		rt.logger.Printf("redis streams publisher initialized stream=%s", rt.cfg.RedisStream)
		return streams, false, nil
	case "kafka":
		kafkaQueue, err := queue.NewKafkaQueue(queue.KafkaConfig{
			Brokers: rt.cfg.KafkaBrokers,
			Topic:   rt.cfg.KafkaTopic,
			GroupID: group,
			Logger:  rt.logger,
		})
		if err != nil {
			return nil, false, fmt.Errorf("init kafka publisher: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = kafkaQueue.Close() })
		rt.logger.Printf("kafka publisher initialized topic=%s", rt.cfg.KafkaTopic)
		return kafkaQueue, false, nil
	default:
		return queue.NewLocalQueue(512, 3, rt.logger), true, nil
	}
}
