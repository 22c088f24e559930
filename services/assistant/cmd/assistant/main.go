package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/AfshinJalili/fintrack/libs/auth"
	"github.com/AfshinJalili/fintrack/libs/health"
	"github.com/AfshinJalili/fintrack/libs/httpmiddleware"
	"github.com/AfshinJalili/fintrack/libs/kafka"
	"github.com/AfshinJalili/fintrack/libs/logging"
	"github.com/AfshinJalili/fintrack/libs/metrics"
	"github.com/AfshinJalili/fintrack/libs/trace"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/config"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/conversation"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/events"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/handlers"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/rate"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/reasoning"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/service"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	ready := health.NewManager(false)

	pool, err := connectDB(cfg, logger)
	if err != nil {
		logger.Error("db config invalid", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, storage.Options{
		StatementTimeout: cfg.Chat.StatementTimeout,
		MaxRows:          cfg.Chat.MaxRows,
	})
	ready.AddProbe("postgres", store.Ping)

	limiter, limiterClose, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = limiterClose()
	}()

	sessions, sessionsClose, err := buildSessionStore(cfg)
	if err != nil {
		logger.Error("session store init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = sessionsClose()
	}()

	producer, err := buildPublisher(cfg, logger, registry)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = producer.Close()
	}()

	svcMetrics := service.NewMetrics(registry)
	reasoningMetrics := reasoning.NewMetrics(registry)
	resolver := permissions.NewResolver(store, logger, svcMetrics.PermissionFallbacks)

	buildAgent := service.RequireStorage(store.Ping, func(ctx context.Context) (service.Agent, error) {
		model, err := reasoning.NewModel(ctx, cfg.LLM)
		if err != nil {
			return nil, err
		}
		engine := reasoning.NewSQLEngine(model, store, logger, reasoningMetrics, reasoning.EngineOptions{
			MaxIterations: cfg.Chat.ToolMaxIterations,
			DefaultRows:   cfg.Chat.DefaultRowLimit,
			MaxRows:       cfg.Chat.MaxRows,
		})
		return reasoning.NewAgent(model, engine, logger, reasoningMetrics, cfg.Chat.MaxIterations), nil
	})

	chatService := service.NewChatService(resolver, sessions, buildAgent, producer, logger, svcMetrics, service.Options{
		Timeout:            cfg.Chat.Timeout,
		ChatCompletedTopic: cfg.Kafka.ChatCompletedTopic,
	})
	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = chatService.ReloadAgent(initCtx)
	initCancel()
	switch {
	case errors.Is(err, service.ErrStorageUnavailable):
		logger.Error("financial store unreachable, chat disabled until it answers", "error", err)
		go chatService.AwaitAgent(backgroundCtx, 15*time.Second)
	case err != nil:
		logger.Error("agent init failed, chat disabled until reload", "provider", cfg.LLM.Provider, "error", err)
	}
	if cfg.Kafka.Enabled() {
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger, kafka.ConsumerOptions{
			DLQPublisher: producer,
			DLQTopic:     cfg.Kafka.DLQTopic,
		})
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = consumer.Close()
		}()

		handler := events.NewUserDeletedHandler(sessions, logger, registry)
		go func() {
			if err := consumer.Consume(backgroundCtx, []string{cfg.Kafka.UserDeletedTopic}, handler); err != nil {
				logger.Error("users.deleted consumer stopped", "error", err)
			}
		}()
	}

	chatHandler := handlers.NewChatHandler(chatService, limiter, logger, cfg.RateLimit.KeySource, cfg.LLM.ProviderLabel())
	permissionsHandler := handlers.NewPermissionsHandler(store, logger)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	requireAuth := auth.Middleware([]byte(cfg.JWTSecret))
	if cfg.JWTSecret == "" {
		logger.Warn("FINAI_JWT_SECRET not set, API routes are unauthenticated")
	}
	chatHandler.RegisterRoutes(router, requireAuth)
	permissionsHandler.RegisterRoutes(router, requireAuth)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("assistant service starting", "addr", addr, "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()
	ready.SetReady(true)

	waitForShutdown(server, logger, ready, stopBackground)
}

// connectDB only fails on a bad DSN. An unreachable server is logged and
// left to the readiness probe; pgxpool dials lazily.
func connectDB(cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		logger.Warn("db not reachable at startup", "error", err)
	}

	return pool, nil
}

func newRedisClient(rc config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) (rate.Limiter, func() error, error) {
	rl := cfg.RateLimit
	if rl.Redis.Addr != "" {
		client, err := newRedisClient(rl.Redis)
		if err != nil {
			if cfg.App.IsDev() {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
				return rate.NewMemory(rl.Limit, rl.Window), func() error { return nil }, nil
			}
			return nil, nil, err
		}
		return rate.NewRedisLimiter(client, rl.Limit, rl.Window, rl.Redis.Prefix), client.Close, nil
	}

	if !cfg.App.IsDev() {
		logger.Warn("rate limiter redis not configured, quota is per process")
	}
	return rate.NewMemory(rl.Limit, rl.Window), func() error { return nil }, nil
}

func buildSessionStore(cfg *config.Config) (conversation.Store, func() error, error) {
	sc := cfg.Sessions
	if sc.Backend == "redis" {
		client, err := newRedisClient(sc.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("session redis: %w", err)
		}
		return conversation.NewRedisStore(client, sc.Redis.Prefix, sc.TTL, sc.MaxTurns), client.Close, nil
	}
	return conversation.NewMemoryStore(sc.MaxSessions, sc.TTL, sc.MaxTurns), func() error { return nil }, nil
}

func buildPublisher(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (kafka.Publisher, error) {
	if !cfg.Kafka.Enabled() {
		logger.Info("kafka brokers not configured, audit events disabled")
		return kafka.NopPublisher{}, nil
	}
	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.App.ServiceName, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return nil, err
	}
	return kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DLQTopic, logger), nil
}

func waitForShutdown(server *http.Server, logger *slog.Logger, ready *health.Manager, stopBackground context.CancelFunc) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ready.SetReady(false)
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutdown started")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
