// Package scheduler periodically enqueues conversation maintenance tasks.
// The sweeps themselves run in the worker process; the scheduler only keeps
// them flowing.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/observability/metrics"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/taskqueue"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/webhook"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

const defaultSweepLimit = 100

// Scheduler enqueues expiry and idle sweeps on a fixed interval.
type Scheduler struct {
	publisher *taskqueue.Publisher
	interval  time.Duration
	limit     int
	metrics   *metrics.RoutingMetrics
	logger    *logging.Logger

	wg sync.WaitGroup
}

func New(publisher *taskqueue.Publisher, interval time.Duration, limit int, routingMetrics *metrics.RoutingMetrics, logger *logging.Logger) *Scheduler {
	if publisher == nil {
		panic("scheduler: publisher cannot be nil")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		publisher: publisher,
		interval:  interval,
		limit:     limit,
		metrics:   routingMetrics,
		logger:    logger,
	}
}

// Start launches the ticker loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Wait blocks until the loop exits.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "limit", s.limit)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopping")
			return
		case <-ticker.C:
			s.enqueueSweeps(ctx)
		}
	}
}

func (s *Scheduler) enqueueSweeps(ctx context.Context) {
	payload := webhook.SweepPayload{Limit: s.limit}
	for _, task := range []string{webhook.TaskExpireSweep, webhook.TaskIdleSweep} {
		if _, err := s.publisher.Enqueue(ctx, task, "", "", payload); err != nil {
			s.logger.Error("failed to enqueue maintenance task", "error", err, "task", task)
			continue
		}
		s.metrics.ObserveTaskDispatched(task)
	}
}
