// Package taskqueue moves background work between the ingress process and
// the worker process. Delivery is at-least-once; handlers are expected to be
// idempotent.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is the transport boundary. SQSQueue backs it in deployments,
// MemoryQueue in single-process and test setups.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one raw delivery off the queue.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Task is the wire envelope shared by every background job. Payload holds the
// task-specific struct; Decode unpacks it on the consumer side.
type Task struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	OwnerID       string          `json:"owner_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Decode unpacks the task payload into dst.
func (t Task) Decode(dst any) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("taskqueue: task %s has no payload", t.Name)
	}
	if err := json.Unmarshal(t.Payload, dst); err != nil {
		return fmt.Errorf("taskqueue: decode %s payload: %w", t.Name, err)
	}
	return nil
}

func encodeTask(task Task) (Task, string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(task)
	if err != nil {
		return Task{}, "", fmt.Errorf("taskqueue: encode task %s: %w", task.Name, err)
	}
	return task, string(body), nil
}
