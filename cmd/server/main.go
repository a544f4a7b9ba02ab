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

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"yade-server/internal/affinity"
	"yade-server/internal/cache"
	"yade-server/internal/chat"
	"yade-server/internal/config"
	"yade-server/internal/database"
	httpdelivery "yade-server/internal/delivery/http"
	"yade-server/internal/delivery/websocket"
	"yade-server/internal/level"
	"yade-server/internal/messaging"
	"yade-server/internal/observability"
	"yade-server/internal/progression"
	"yade-server/internal/repository"
	"yade-server/internal/service"
	"yade-server/pkg/ai"
	pgdb "yade-server/pkg/database"
	"yade-server/pkg/logger"
)

// version проставляется при сборке через -ldflags.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  cfg.OTelServiceName,
		Version:  version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	cfg.Log(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("Server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.OTelEnabled,
		ServiceName: cfg.OTelServiceName,
		Version:     version,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	// --- Хранилища ---
	store, closeStore, err := initStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	shortTerm, closeCache, err := initCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	// --- Контент ---
	levels, err := level.NewStore(os.DirFS(cfg.LevelsDir), log)
	if err != nil {
		return fmt.Errorf("load levels from %s: %w", cfg.LevelsDir, err)
	}
	character, err := ai.LoadCharacter(cfg.CharacterFile)
	if err != nil {
		return err
	}

	// --- Языковая модель ---
	provider, err := ai.NewProvider(ai.ProviderConfig{
		Provider: cfg.AIProvider,
		BaseURL:  cfg.AIBaseURL,
		APIKey:   cfg.AIAPIKey,
		Model:    cfg.AIModel,
		Timeout:  cfg.AITimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("init ai provider: %w", err)
	}
	oracle := ai.NewOracle(provider, character, log)

	// --- Ядро игры ---
	ledger := affinity.NewLedger(affinity.MustDefaultTierTable(), log)
	machine := progression.NewMachine(levels, ledger, log)
	window := chat.NewContextCache(shortTerm, cfg.ChatContextTTL, cfg.ChatMaxTurns, log)
	orchestrator := chat.NewOrchestrator(store, ledger, oracle, window, log)

	svc := service.NewGameService(service.Deps{
		Store:       store,
		Levels:      levels,
		Machine:     machine,
		Ledger:      ledger,
		Sessions:    level.NewSessionStore(shortTerm, cfg.LevelSessionTTL, log),
		Chat:        orchestrator,
		ChatContext: window,
		Logger:      log,
	})

	// --- RabbitMQ (необязателен) ---
	stopQueue, err := initQueue(cfg, orchestrator, log)
	if err != nil {
		return err
	}
	defer stopQueue()

	// --- HTTP ---
	gin.SetMode(gin.ReleaseMode)
	router := httpdelivery.NewRouter(
		httpdelivery.RouterConfig{
			CORSOrigins: cfg.CORSOrigins,
			ServiceName: cfg.OTelServiceName,
			Tracing:     cfg.OTelEnabled,
			Metrics:     true,
		},
		httpdelivery.NewGameHandler(svc, cfg.ChatHistoryLimit, log),
		websocket.NewChatHandler(svc, cfg.CORSOrigins, log).ServeWS,
		log,
	)

	// WriteTimeout не задан: ответы чата стримятся
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", zap.String("port", cfg.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	log.Info("Server exited")
	return nil
}

func initStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Store, func(), error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Warn("Using in-memory storage, data is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgdb.Connect(ctx, pgdb.PoolConfig{
		DSN:             cfg.GetDSN(),
		MaxConns:        cfg.DBMaxConns,
		IdleTimeout:     cfg.DBIdleTimeout,
		ConnectAttempts: 10,
		RetryDelay:      2 * time.Second,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	if err := database.ApplyMigrations(pool, log); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return repository.NewPostgresStore(pool, log), pool.Close, nil
}

func initCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (cache.Store, func(), error) {
	if cfg.RedisURL == "" {
		log.Info("REDIS_URL not set, using in-memory cache")
		return cache.NewMemoryStore(), func() {}, nil
	}
	client, err := cache.Connect(ctx, cfg.RedisURL, 10, 2*time.Second, log)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	return cache.NewRedisStore(client, log), closeFn, nil
}

// initQueue подключает публикацию и обработку событий завершения чата.
// Без RABBITMQ_URL итоги сессии подводятся в процессе.
func initQueue(cfg *config.Config, orchestrator *chat.Orchestrator, log *zap.Logger) (func(), error) {
	if cfg.RabbitMQURL == "" {
		log.Info("RABBITMQ_URL not set, chat sessions are settled inline")
		return func() {}, nil
	}

	conn, err := messaging.Dial(cfg.RabbitMQURL, 10, 3*time.Second, log)
	if err != nil {
		return nil, err
	}
	publisher, err := messaging.NewPublisher(conn, cfg.ChatSettleQueue, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	orchestrator.SetPublisher(publisher)

	consumer := messaging.NewConsumer(conn, cfg.ChatSettleQueue, cfg.ChatSettleWorkers, messaging.NewProcessor(orchestrator, log), log)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Start(); err != nil {
			log.Error("Settlement consumer stopped with error", zap.Error(err))
		}
	}()
	go watchConnection(conn, log)

	return func() {
		consumer.Stop()
		<-consumerDone
		if err := publisher.Close(); err != nil {
			log.Warn("Failed to close publisher channel", zap.Error(err))
		}
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Warn("Failed to close RabbitMQ connection", zap.Error(err))
		}
	}, nil
}

func watchConnection(conn *amqp.Connection, log *zap.Logger) {
	if closeErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && closeErr != nil {
		log.Error("RabbitMQ connection lost, chat sessions fall back to inline settlement", zap.Error(closeErr))
	}
}
