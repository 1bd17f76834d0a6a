package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

// Publisher enqueues background tasks for asynchronous processing.
type Publisher struct {
	queue  Queue
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue Queue, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("taskqueue: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
	}
}

// Enqueue publishes a named task carrying payload. The correlation id ties
// the task back to the inbound delivery that spawned it; ownerID scopes the
// task to a tenant. Returns the task id.
func (p *Publisher) Enqueue(ctx context.Context, name string, ownerID, correlationID string, payload any) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("taskqueue: encode %s payload: %w", name, err)
	}

	task, body, err := encodeTask(Task{
		Name:          name,
		OwnerID:       ownerID,
		CorrelationID: correlationID,
		Payload:       raw,
	})
	if err != nil {
		return "", err
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("taskqueue: failed to enqueue %s: %w", name, err)
	}

	p.logger.Debug("task enqueued", "task_id", task.ID, "task", name, "owner_id", ownerID)
	return task.ID, nil
}
