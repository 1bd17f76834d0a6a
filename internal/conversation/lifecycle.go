package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/observability/metrics"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

const (
	ReasonTTLExpired  = "ttl_expired"
	ReasonIdleTimeout = "idle_timeout"
)

// Lifecycle owns every status mutation. All writes funnel through the
// store's version-guarded update so the optimistic check applies uniformly
// to interactive and batch callers alike.
type Lifecycle struct {
	store     Store
	activeTTL time.Duration
	logger    *logging.Logger
	metrics   *metrics.RoutingMetrics
	now       func() time.Time
}

// LifecycleOption customizes the state machine.
type LifecycleOption func(*Lifecycle)

// WithMetrics counts every successful transition.
func WithMetrics(m *metrics.RoutingMetrics) LifecycleOption {
	return func(l *Lifecycle) {
		l.metrics = m
	}
}

// NewLifecycle creates the state machine. activeTTL is the expiration window
// granted when a conversation enters PROGRESS.
func NewLifecycle(store Store, activeTTL time.Duration, logger *logging.Logger, opts ...LifecycleOption) *Lifecycle {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if activeTTL <= 0 {
		activeTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	l := &Lifecycle{store: store, activeTTL: activeTTL, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TransitionTo validates the edge and writes the new status with an
// optimistic version check. A version mismatch surfaces as *ConcurrencyError
// carrying the observed version. expiresAt overrides the TTL granted when
// entering PROGRESS; pass nil to use the configured window.
func (l *Lifecycle) TransitionTo(ctx context.Context, conv *Conversation, newStatus Status, reason, initiatedBy string, expiresAt *time.Time) (*Conversation, error) {
	if conv.Status == newStatus {
		return conv, nil
	}
	if !conv.Status.CanTransitionTo(newStatus) {
		return nil, &InvalidTransitionError{ConvID: conv.ID, From: conv.Status, To: newStatus}
	}
	return l.apply(ctx, conv, newStatus, reason, initiatedBy, expiresAt, false)
}

// TransitionWithPriority behaves as TransitionTo while the conversation is
// not yet terminal. Once terminal, a strictly-higher-priority closure
// force-overwrites the current status, bypassing edge validation; equal or
// lower priority silently returns the unchanged conversation. On equal rank
// the already-persisted status wins.
func (l *Lifecycle) TransitionWithPriority(ctx context.Context, conv *Conversation, newStatus Status, reason, initiatedBy string) (*Conversation, error) {
	if !conv.Status.IsTerminal() {
		return l.TransitionTo(ctx, conv, newStatus, reason, initiatedBy, nil)
	}
	requested, current := newStatus.ClosurePriority(), conv.Status.ClosurePriority()
	if requested == 0 || requested >= current {
		return conv, nil
	}
	l.logger.Info("priority closure override",
		"conv_id", conv.ID, "from", conv.Status, "to", newStatus, "reason", reason)
	return l.apply(ctx, conv, newStatus, reason, initiatedBy, nil, true)
}

func (l *Lifecycle) apply(ctx context.Context, conv *Conversation, newStatus Status, reason, initiatedBy string, expiresAt *time.Time, forced bool) (*Conversation, error) {
	now := l.now().UTC()
	updated := cloneConversation(conv)
	fromStatus := updated.Status
	updated.Status = newStatus
	updated.UpdatedAt = now

	if newStatus.IsTerminal() {
		ended := now
		updated.EndedAt = &ended
		updated.ExpiresAt = nil
	} else if newStatus == StatusProgress && fromStatus == StatusPending {
		// Acceptance grants the full active window.
		exp := now.Add(l.activeTTL)
		if expiresAt != nil {
			exp = *expiresAt
		}
		updated.ExpiresAt = &exp
	} else if expiresAt != nil {
		updated.ExpiresAt = expiresAt
	}

	if err := l.store.UpdateConversation(ctx, updated, conv.Version); err != nil {
		return nil, err
	}
	l.metrics.ObserveTransition(string(fromStatus), string(newStatus))

	l.recordTransition(ctx, &TransitionRecord{
		ConvID:     updated.ID,
		FromStatus: fromStatus,
		ToStatus:   newStatus,
		ChangedBy:  initiatedBy,
		Reason:     reason,
		Metadata:   transitionMetadata(forced),
		CreatedAt:  now,
	})
	return updated, nil
}

func transitionMetadata(forced bool) map[string]any {
	if !forced {
		return nil
	}
	return map[string]any{"forced": true}
}

// recordTransition appends to the audit trail. Failures are logged, never
// propagated.
func (l *Lifecycle) recordTransition(ctx context.Context, rec *TransitionRecord) {
	if err := l.store.AppendTransition(ctx, rec); err != nil {
		l.logger.Warn("failed to record transition",
			"conv_id", rec.ConvID, "from", rec.FromStatus, "to", rec.ToStatus, "error", err)
	}
}

// ExtendExpiration pushes the TTL forward by d while the conversation is
// active.
func (l *Lifecycle) ExtendExpiration(ctx context.Context, conv *Conversation, d time.Duration) (*Conversation, error) {
	if !conv.Status.IsActive() {
		return nil, fmt.Errorf("conversation: cannot extend expiration of %s in status %s", conv.ID, conv.Status)
	}
	now := l.now().UTC()
	updated := cloneConversation(conv)
	exp := now.Add(d)
	updated.ExpiresAt = &exp
	updated.UpdatedAt = now
	if err := l.store.UpdateConversation(ctx, updated, conv.Version); err != nil {
		return nil, err
	}
	return updated, nil
}

// TransferOwner reassigns the handling user and appends to
// context.transfer_history.
func (l *Lifecycle) TransferOwner(ctx context.Context, conv *Conversation, newUserID, initiatedBy string) (*Conversation, error) {
	now := l.now().UTC()
	updated := cloneConversation(conv)

	entry := map[string]any{
		"from_user_id":   updated.UserID,
		"to_user_id":     newUserID,
		"transferred_by": initiatedBy,
		"transferred_at": now.Format(time.RFC3339),
	}
	history, _ := updated.Context["transfer_history"].([]any)
	updated.SetContext("transfer_history", append(history, entry))
	updated.UserID = newUserID
	updated.UpdatedAt = now

	if err := l.store.UpdateConversation(ctx, updated, conv.Version); err != nil {
		return nil, err
	}
	return updated, nil
}

// Escalate flags the conversation for attention without leaving PROGRESS.
func (l *Lifecycle) Escalate(ctx context.Context, conv *Conversation, reason string) (*Conversation, error) {
	now := l.now().UTC()
	updated := cloneConversation(conv)
	updated.SetContext("escalated", map[string]any{
		"reason":       reason,
		"escalated_at": now.Format(time.RFC3339),
	})
	updated.UpdatedAt = now
	if err := l.store.UpdateConversation(ctx, updated, conv.Version); err != nil {
		return nil, err
	}
	return updated, nil
}

// ProcessExpirations sweeps active conversations past their TTL into
// EXPIRED. Per-item concurrency conflicts are logged and skipped so one
// contended row never aborts the batch. Returns how many were expired.
func (l *Lifecycle) ProcessExpirations(ctx context.Context, limit int) (int, error) {
	now := l.now().UTC()
	candidates, err := l.store.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("conversation: list expired: %w", err)
	}

	expired := 0
	for _, conv := range candidates {
		// The fetch and the write race with live traffic; re-check in memory.
		if !conv.IsExpired(now) {
			continue
		}
		if _, err := l.TransitionTo(ctx, conv, StatusExpired, ReasonTTLExpired, "system", nil); err != nil {
			if IsConcurrencyError(err) || IsInvalidTransition(err) {
				l.logger.Info("skipping contended expiration", "conv_id", conv.ID, "error", err)
				continue
			}
			l.logger.Error("failed to expire conversation", "conv_id", conv.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// ProcessIdleTimeouts pauses PROGRESS conversations whose idle clock is
// older than idleFor. PENDING ages out through expiration, not idle, so
// anything not in PROGRESS is skipped.
func (l *Lifecycle) ProcessIdleTimeouts(ctx context.Context, idleFor time.Duration, limit int) (int, error) {
	threshold := l.now().UTC().Add(-idleFor)
	candidates, err := l.store.ListIdle(ctx, threshold, limit)
	if err != nil {
		return 0, fmt.Errorf("conversation: list idle: %w", err)
	}

	idled := 0
	for _, conv := range candidates {
		if conv.Status != StatusProgress {
			continue
		}
		if _, err := l.TransitionTo(ctx, conv, StatusIdleTimeout, ReasonIdleTimeout, "system", nil); err != nil {
			if IsConcurrencyError(err) || IsInvalidTransition(err) {
				l.logger.Info("skipping contended idle timeout", "conv_id", conv.ID, "error", err)
				continue
			}
			l.logger.Error("failed to idle conversation", "conv_id", conv.ID, "error", err)
			continue
		}
		idled++
	}
	return idled, nil
}
