package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/conversation"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

const dedupTTL = 24 * time.Hour

// DuplicateChecker answers "have we already ingested this external message
// id". Redis serves as a fast path; the message store is the source of
// truth, so a cold or unavailable cache only costs a database lookup.
type DuplicateChecker struct {
	cache  *redis.Client
	store  conversation.Store
	logger *logging.Logger
}

func NewDuplicateChecker(cache *redis.Client, store conversation.Store, logger *logging.Logger) *DuplicateChecker {
	if store == nil {
		panic("webhook: message store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DuplicateChecker{
		cache:  cache,
		store:  store,
		logger: logger,
	}
}

func dedupKey(ownerID, externalID string) string {
	return fmt.Sprintf("dedup:msg:%s:%s", ownerID, externalID)
}

// Existing returns the id of the already-persisted message for this external
// id, or "" when the delivery is new.
func (d *DuplicateChecker) Existing(ctx context.Context, ownerID, externalID string) (string, error) {
	if externalID == "" {
		return "", nil
	}

	if d.cache != nil {
		cached, err := d.cache.Get(ctx, dedupKey(ownerID, externalID)).Result()
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			d.logger.Warn("dedup cache lookup failed", "error", err, "external_id", externalID)
		}
	}

	msg, err := d.store.FindMessageByExternalID(ctx, ownerID, externalID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("webhook: duplicate lookup: %w", err)
	}
	d.remember(ctx, ownerID, externalID, msg.ID)
	return msg.ID, nil
}

// Remember records a freshly persisted message id in the fast path.
func (d *DuplicateChecker) Remember(ctx context.Context, ownerID, externalID, msgID string) {
	if externalID == "" || msgID == "" {
		return
	}
	d.remember(ctx, ownerID, externalID, msgID)
}

func (d *DuplicateChecker) remember(ctx context.Context, ownerID, externalID, msgID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, dedupKey(ownerID, externalID), msgID, dedupTTL).Err(); err != nil {
		d.logger.Warn("dedup cache write failed", "error", err, "external_id", externalID)
	}
}
