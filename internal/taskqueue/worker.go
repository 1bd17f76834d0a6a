package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

// HandlerFunc processes one task. Returning an error leaves the message on
// the queue for redelivery; handlers must tolerate replays.
type HandlerFunc func(ctx context.Context, task Task) error

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// Worker consumes tasks from the queue and routes them to registered
// handlers by task name.
type Worker struct {
	queue    Queue
	logger   *logging.Logger
	handlers map[string]HandlerFunc

	cfg workerConfig
	mu  sync.RWMutex
	wg  sync.WaitGroup
}

// NewWorker constructs a queue consumer. Handlers are registered before Start.
func NewWorker(queue Queue, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if queue == nil {
		panic("taskqueue: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		queue:    queue,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		cfg:      cfg,
	}
}

// RegisterHandler binds a task name to a handler. Re-registering a name
// replaces the previous handler.
func (w *Worker) RegisterHandler(name string, fn HandlerFunc) {
	if name == "" || fn == nil {
		panic("taskqueue: handler name and func are required")
	}
	w.mu.Lock()
	w.handlers[name] = fn
	w.mu.Unlock()
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("task worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("task worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive tasks", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	var task Task
	if err := json.Unmarshal([]byte(msg.Body), &task); err != nil {
		// Undecodable bodies can never succeed; drop them.
		w.logger.Error("failed to decode task", "error", err, "msg_id", msg.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	handler, err := w.lookup(task.Name)
	if err != nil {
		w.logger.Error("no handler for task", "task", task.Name, "task_id", task.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	w.logger.Info("processing task", "task", task.Name, "task_id", task.ID, "owner_id", task.OwnerID)

	if err := handler(ctx, task); err != nil {
		// Leave the message for redelivery.
		w.logger.Error("task failed", "error", err, "task", task.Name, "task_id", task.ID)
		return
	}

	w.logger.Debug("task processed", "task", task.Name, "task_id", task.ID)
	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) lookup(name string) (HandlerFunc, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	handler, ok := w.handlers[name]
	if !ok {
		return nil, fmt.Errorf("taskqueue: unknown task %q", name)
	}
	return handler, nil
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete task message", "error", err)
	}
}
