package conversation

import (
	"context"
	"fmt"
)

// serviceRetryAttempts bounds the reload-and-retry loops in the service
// layer. Three attempts trade liveness against hammering a persistently
// contended row.
const serviceRetryAttempts = 3

// withRetry runs op up to attempts times. When op fails with an error the
// retryable predicate accepts, the conversation is reloaded and op runs
// again against the fresh copy. Exhausting attempts surfaces the last error.
func withRetry(
	ctx context.Context,
	attempts int,
	conv *Conversation,
	reload func(ctx context.Context, convID string) (*Conversation, error),
	retryable func(error) bool,
	op func(ctx context.Context, conv *Conversation) (*Conversation, error),
) (*Conversation, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	current := conv
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			fresh, err := reload(ctx, current.ID)
			if err != nil {
				return nil, fmt.Errorf("conversation: reload for retry: %w", err)
			}
			current = fresh
		}

		result, err := op(ctx, current)
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("conversation: retries exhausted: %w", lastErr)
}

// retryOnContention accepts optimistic-lock conflicts and transition
// rejections, both of which a reload may resolve.
func retryOnContention(err error) bool {
	return IsConcurrencyError(err) || IsInvalidTransition(err)
}
