package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/cmd/awsconfig"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/channels/twilio"
	appconfig "github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/config"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/identity"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/observability/metrics"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/taskqueue"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/webhook"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting chat router API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	store, closeStore := buildStore(ctx, cfg, logger)
	defer closeStore()

	queue := buildQueue(ctx, cfg, logger)
	publisher := taskqueue.NewPublisher(queue, logger)
	routingMetrics := metrics.NewRoutingMetrics(prometheus.DefaultRegisterer)

	svc := buildConversationService(store, cfg, routingMetrics, logger)

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	} else {
		logger.Warn("REDIS_ADDR not set, dedup cache disabled")
	}

	directory := identity.NewStaticDirectory()
	if cfg.DefaultOwnerID != "" {
		if cfg.TwilioAccountSID != "" {
			directory.RegisterAccount(cfg.TwilioAccountSID, cfg.DefaultOwnerID)
		}
		if cfg.TwilioFromNumber != "" {
			directory.RegisterNumber(cfg.TwilioFromNumber, cfg.DefaultOwnerID)
		}
	}

	resolver := webhook.NewOwnerResolver(directory, cfg.DefaultOwnerID, cfg.IsProduction(), logger)
	dedup := webhook.NewDuplicateChecker(cache, store, logger)
	sender := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)

	orchestrator := webhook.NewOrchestrator(
		svc,
		store,
		resolver,
		identity.AllowAllValidator{},
		dedup,
		publisher,
		sender,
		routingMetrics,
		logger,
	)
	hook := webhook.NewHandler(orchestrator, routingMetrics, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/webhooks/twilio", hook.HandleTwilio)
	r.Post("/messages/send", hook.HandleSendMessage)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// buildStore connects to Postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise. The returned func releases the pool.
func buildStore(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (conversation.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory conversation store")
		return conversation.NewMemoryStore(), func() {}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	return conversation.NewPgStore(pool), pool.Close
}

func buildQueue(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) taskqueue.Queue {
	if cfg.UseMemoryQueue {
		logger.Info("using in-memory task queue")
		return taskqueue.NewMemoryQueue(256)
	}

	awsCfg, err := awsconfig.Load(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	if cfg.TaskQueueURL == "" {
		logger.Error("TASK_QUEUE_URL is required when USE_MEMORY_QUEUE is false")
		os.Exit(1)
	}
	return taskqueue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.TaskQueueURL)
}

func buildConversationService(store conversation.Store, cfg *appconfig.Config, routingMetrics *metrics.RoutingMetrics, logger *logging.Logger) *conversation.Service {
	finder := conversation.NewFinder(store, cfg.PendingExpiration, logger)
	lifecycle := conversation.NewLifecycle(store, cfg.ActiveExpiration, logger, conversation.WithMetrics(routingMetrics))
	detector := conversation.NewClosureDetector(cfg.ClosureKeywords, cfg.MinConversationDuration, logger)
	return conversation.NewService(store, finder, lifecycle, detector, logger)
}
