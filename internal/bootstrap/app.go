package bootstrap

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"ragchat/internal/ai"
	appsvc "ragchat/internal/app"
	"ragchat/internal/cache"
	"ragchat/internal/config"
	"ragchat/internal/crawler"
	"ragchat/internal/model"
	"ragchat/internal/platform/database"
	rabbitmqClient "ragchat/internal/platform/rabbitmq"
	redisClient "ragchat/internal/platform/redis"
	"ragchat/internal/rag"
	"ragchat/internal/repository"
	"ragchat/internal/storage"
	"ragchat/internal/watcher"
	"ragchat/internal/worker"
)

type App struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection

	Registry  *rag.Registry
	Knowledge *appsvc.KnowledgeService
	History   *appsvc.HistoryService
	Auth      *appsvc.AuthService

	ConversationWorker *worker.ConversationPersistWorker
	Scheduler          *crawler.Scheduler

	StartedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every service. Background jobs are not started until Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config failed: %w", err)
		}
		cfg = loaded
	}

	a := &App{Config: cfg, StartedAt: time.Now()}

	db, err := database.New(ctx, databaseOptions(cfg))
	if err != nil {
		return nil, err
	}
	a.DB = db

	if cfg.Redis.Enabled {
		cli, err := redisClient.New(ctx, redisClient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Redis = cli
	}

	if cfg.RabbitMQ.Enabled {
		conn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.ConversationQueue)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.MQConn = conn
	}

	userRepo := repository.NewUserRepository(db)
	convRepo := repository.NewConversationRepository(db)

	var historyCache appsvc.HistoryCache
	if a.Redis != nil {
		historyCache = cache.NewHistoryCache(
			a.Redis,
			time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
		)
	}
	var sink appsvc.ConversationRecorder
	if a.MQConn != nil {
		sink = rabbitmqClient.NewConversationPublisher(a.MQConn, cfg.RabbitMQ.ConversationQueue)
	}
	a.History = appsvc.NewHistoryService(convRepo, sink, historyCache)
	if a.MQConn != nil {
		history := a.History
		a.ConversationWorker = worker.NewConversationPersistWorker(a.MQConn, convRepo, cfg.RabbitMQ.ConversationQueue,
			func(ctx context.Context, conv *model.Conversation) {
				history.Forget(ctx, conv.UserID)
			})
	}

	a.Auth = appsvc.NewAuthService(userRepo, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute)

	docs := storage.NewDocStore(cfg.RAG.DocsRoot)
	a.Registry = rag.NewRegistry(newBuilder(cfg), docs.Dir, logReport)

	fetcher := crawler.NewFetcher(cfg.CrawlTimeout(),
		crawler.WithMaxBytes(cfg.Crawler.MaxBytes),
		crawler.WithUserAgent(cfg.Crawler.UserAgent),
		crawler.WithRate(cfg.Crawler.RequestsPerSecond),
	)
	schedules := crawler.OpenScheduleStore(cfg.Crawler.ScheduleFile)
	a.Knowledge = appsvc.NewKnowledgeService(docs, a.Registry, fetcher, schedules, a.History)
	a.Scheduler = crawler.NewScheduler(schedules, a.Knowledge.Recrawl, cfg.RecrawlInterval())

	return a, nil
}

// Start launches the queue consumer, the recrawl scheduler and, when
// enabled, the docs watcher. They stop when ctx is done or on Close.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.ConversationWorker != nil {
		if err := a.ConversationWorker.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start conversation worker failed: %w", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Scheduler.Run(runCtx)
	}()

	if a.Config.Watcher.Enabled {
		w, err := watcher.New(a.Config.RAG.DocsRoot, a.Config.WatchDebounce(), func(ctx context.Context, userID string) error {
			_, err := a.Knowledge.Refresh(ctx, userID)
			return err
		})
		if err != nil {
			cancel()
			return err
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			w.Run(runCtx)
		}()
		log.Printf("watcher: watching %s", a.Config.RAG.DocsRoot)
	}
	return nil
}

func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}

	var closeErr error
	if a.ConversationWorker != nil {
		a.ConversationWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}

func databaseOptions(cfg *config.Config) database.Options {
	if cfg.Database.Driver == database.DriverMySQL {
		return database.Options{Driver: database.DriverMySQL, DSN: cfg.MySQLDSN()}
	}
	return database.Options{Driver: database.DriverSQLite, DSN: cfg.Database.SQLitePath}
}

func newBuilder(cfg *config.Config) *rag.Builder {
	client := ai.NewOpenAICompatibleClient()

	var primary rag.Embedder
	if cfg.Embedding.APIKey != "" && cfg.Embedding.Model != "" {
		primary = rag.NewRemoteEmbedder(client, ai.EmbeddingConfig{
			BaseURL: cfg.Embedding.BaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
		},
			rag.WithBatchSize(cfg.Embedding.BatchSize),
			rag.WithRequestsPerSecond(cfg.Embedding.RequestsPerSecond),
		)
	}

	llm := ai.NewChatModel(client, ai.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})

	return &rag.Builder{
		Loader: rag.NewLoader(rag.WithLoadConcurrency(cfg.RAG.LoadConcurrency)),
		Splitter: rag.NewSplitter(
			rag.WithChunkSize(cfg.RAG.ChunkSize),
			rag.WithChunkOverlap(cfg.RAG.ChunkOverlap),
		),
		Primary:      primary,
		LLM:          llm,
		FallbackDim:  cfg.Embedding.FallbackDim,
		ProbeTimeout: cfg.ProbeTimeout(),
		ChainOptions: []rag.ChainOption{rag.WithTopK(cfg.RAG.TopK)},
	}
}

func logReport(userID string, report *rag.BuildReport) {
	if report.Fallback {
		log.Printf("rag: %s using %s embeddings: %s", userID, report.Provider, report.FallbackReason)
	}
	for _, s := range report.Skipped {
		log.Printf("rag: %s skipped %s: %s", userID, s.Source, s.Reason)
	}
	log.Printf("rag: %s indexed %d documents into %d chunks (%s, %s) in %s",
		userID, report.Documents, report.Chunks, report.Mode, report.Provider, report.Duration.Round(time.Millisecond))
}
