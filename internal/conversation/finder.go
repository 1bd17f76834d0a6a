package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

// Finder locates conversations by session key and creates new ones,
// optionally linked to a predecessor.
type Finder struct {
	store      Store
	pendingTTL time.Duration
	logger     *logging.Logger
	now        func() time.Time
}

// NewFinder creates a Finder. pendingTTL bounds how long a PENDING
// conversation waits for acceptance before expiring.
func NewFinder(store Store, pendingTTL time.Duration, logger *logging.Logger) *Finder {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if pendingTTL <= 0 {
		pendingTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Finder{store: store, pendingTTL: pendingTTL, logger: logger, now: time.Now}
}

// FindActive returns the newest conversation for the pair still accepting
// traffic, or ErrNotFound.
func (f *Finder) FindActive(ctx context.Context, ownerID, from, to string) (*Conversation, error) {
	key := CalculateSessionKey(from, to)
	return f.store.FindActiveBySessionKey(ctx, ownerID, key)
}

// FindLast returns the newest conversation for the pair regardless of
// status, used to recover linkage context when nothing is active.
func (f *Finder) FindLast(ctx context.Context, ownerID, from, to string) (*Conversation, error) {
	key := CalculateSessionKey(from, to)
	return f.store.FindLastBySessionKey(ctx, ownerID, key)
}

// CreateNew builds and persists a PENDING conversation. When previous is
// supplied the new conversation carries linkage metadata, and recovery_mode
// is set if the predecessor FAILED.
func (f *Finder) CreateNew(ctx context.Context, ownerID, from, to string, channel Channel, userID string, metadata map[string]any, previous *Conversation) (*Conversation, error) {
	now := f.now().UTC()
	expiresAt := now.Add(f.pendingTTL)

	conv := &Conversation{
		ID:         NewID(),
		OwnerID:    ownerID,
		UserID:     userID,
		FromNumber: from,
		ToNumber:   to,
		Status:     StatusPending,
		StartedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  &expiresAt,
		Channel:    channel,
		SessionKey: CalculateSessionKey(from, to),
		Context:    map[string]any{},
		Metadata:   map[string]any{},
		Version:    1,
	}
	for k, v := range metadata {
		conv.Metadata[k] = v
	}

	if previous != nil {
		conv.Metadata["previous_conversation_id"] = previous.ID
		conv.Metadata["previous_status"] = string(previous.Status)
		if previous.EndedAt != nil {
			conv.Metadata["previous_ended_at"] = previous.EndedAt.UTC().Format(time.RFC3339)
		}
		conv.Metadata["linked_at"] = now.Format(time.RFC3339)
		if previous.Status == StatusFailed {
			conv.Metadata["recovery_mode"] = true
		}
	}

	if err := f.store.InsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("conversation: create new: %w", err)
	}

	f.logger.Info("conversation created",
		"conv_id", conv.ID, "owner_id", ownerID, "session_key", conv.SessionKey,
		"linked", previous != nil)
	return conv, nil
}
