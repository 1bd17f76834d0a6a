package conversation

import (
	"context"
	"testing"
	"time"
)

func TestListExpiredIncludesExactBoundary(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	conv := testConversation(t, store, StatusProgress)
	boundary := cloneConversation(conv)
	boundary.ExpiresAt = &now
	if err := store.UpdateConversation(ctx, boundary, conv.Version); err != nil {
		t.Fatalf("update: %v", err)
	}

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != conv.ID {
		t.Fatalf("expires_at equal to now must count as expired, got %d", len(expired))
	}
	if !expired[0].IsExpired(now) {
		t.Fatal("sweep fetch and recheck must agree at the boundary")
	}
}
