package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/cmd/awsconfig"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/agent"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/channels/twilio"
	appconfig "github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/config"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/identity"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/media"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/observability/metrics"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/scheduler"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/taskqueue"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/webhook"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting chat router worker",
		"env", cfg.Env,
		"workers", cfg.WorkerCount,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := buildStore(ctx, cfg, logger)
	defer closeStore()

	queue := buildQueue(ctx, cfg, logger)
	publisher := taskqueue.NewPublisher(queue, logger)
	routingMetrics := metrics.NewRoutingMetrics(prometheus.DefaultRegisterer)

	svc := buildConversationService(store, cfg, routingMetrics, logger)

	fetcher := media.NewFetcher(nil)

	var transcriber media.Transcriber
	if cfg.TranscriptionBaseURL != "" {
		transcriber = media.NewHTTPTranscriber(cfg.TranscriptionBaseURL, nil, media.WithAPIKey(cfg.TranscriptionAPIKey))
	} else {
		logger.Warn("TRANSCRIPTION_BASE_URL not set, audio messages will be redelivered until configured")
	}

	var runner agent.Runner
	if cfg.AgentBaseURL != "" {
		runner = agent.NewHTTPRunner(cfg.AgentBaseURL, nil, agent.WithAPIKey(cfg.AgentAPIKey))
	} else {
		logger.Warn("AGENT_BASE_URL not set, replies degrade to the fallback message")
	}

	sender := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, logger)

	handlers := webhook.NewHandlers(
		svc,
		store,
		fetcher,
		transcriber,
		identity.StaticUserResolver{},
		identity.StaticAgentConfigResolver{},
		runner,
		sender,
		publisher,
		logger,
	)

	worker := taskqueue.NewWorker(
		queue,
		logger,
		taskqueue.WithWorkerCount(cfg.WorkerCount),
		taskqueue.WithReceiveWaitSeconds(cfg.ReceiveWaitSecs),
	)
	handlers.Register(worker)
	registerSweepHandlers(worker, svc, cfg, routingMetrics)

	worker.Start(ctx)

	var sweeper *scheduler.Scheduler
	if cfg.BackgroundTasksEnabled {
		sweeper = scheduler.New(publisher, cfg.SchedulerInterval, cfg.SweepBatchLimit, routingMetrics, logger)
		sweeper.Start(ctx)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		if sweeper != nil {
			sweeper.Wait()
		}
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("worker stopped")
	case <-doneCtx.Done():
		logger.Error("worker shutdown timed out", "error", doneCtx.Err())
	}
}

// registerSweepHandlers binds the periodic expiration and idle sweeps onto
// the worker. Sweeps never fail the task; partial progress is reported
// through metrics and logs.
func registerSweepHandlers(worker *taskqueue.Worker, svc *conversation.Service, cfg *appconfig.Config, routingMetrics *metrics.RoutingMetrics) {
	worker.RegisterHandler(webhook.TaskExpireSweep, func(ctx context.Context, task taskqueue.Task) error {
		var payload webhook.SweepPayload
		if err := task.Decode(&payload); err != nil {
			return err
		}
		limit := payload.Limit
		if limit <= 0 {
			limit = cfg.SweepBatchLimit
		}
		closed := svc.ProcessExpiredConversations(ctx, limit)
		routingMetrics.ObserveSweep("expire", closed)
		return nil
	})

	worker.RegisterHandler(webhook.TaskIdleSweep, func(ctx context.Context, task taskqueue.Task) error {
		var payload webhook.SweepPayload
		if err := task.Decode(&payload); err != nil {
			return err
		}
		limit := payload.Limit
		if limit <= 0 {
			limit = cfg.SweepBatchLimit
		}
		idled := svc.ProcessIdleConversations(ctx, cfg.IdleTimeout, limit)
		routingMetrics.ObserveSweep("idle", idled)
		return nil
	})
}

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
