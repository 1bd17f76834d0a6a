package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

const (
	ReasonAgentAcceptance     = "agent_acceptance"
	ReasonUserCancellation    = "user_cancellation_in_pending"
	ReasonReactivatedFromIdle = "reactivated_from_idle"
	ReasonClosureIntent       = "closure_intent"
	ReasonStaleOnLookup       = "stale_on_lookup"
)

// closurePolicy maps the author of the triggering message to the status a
// detected closure should land in.
var closurePolicy = map[MessageOwner]Status{
	OwnerAgent:   StatusAgentClosed,
	OwnerSupport: StatusSupportClosed,
	OwnerUser:    StatusUserClosed,
}

// Service is the single entry point consumed by ingestion. It orchestrates
// Finder, Lifecycle and the ClosureDetector behind bounded retry loops that
// absorb optimistic-lock races.
type Service struct {
	store     Store
	finder    *Finder
	lifecycle *Lifecycle
	detector  *ClosureDetector
	logger    *logging.Logger
	now       func() time.Time
}

// NewService wires the conversation engine.
func NewService(store Store, finder *Finder, lifecycle *Lifecycle, detector *ClosureDetector, logger *logging.Logger) *Service {
	if store == nil || finder == nil || lifecycle == nil || detector == nil {
		panic("conversation: service dependencies cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:     store,
		finder:    finder,
		lifecycle: lifecycle,
		detector:  detector,
		logger:    logger,
		now:       time.Now,
	}
}

// GetOrCreateConversation resolves the conversation for a number pair. A
// still-valid active conversation is returned as-is; a stale one is closed
// as EXPIRED and a fresh conversation is created linked to it; with no
// active conversation the most recent historical one supplies linkage and
// recovery context for the new conversation.
func (s *Service) GetOrCreateConversation(ctx context.Context, ownerID, from, to string, channel Channel, userID string, metadata map[string]any) (*Conversation, error) {
	active, err := s.finder.FindActive(ctx, ownerID, from, to)
	if err != nil && err != ErrNotFound {
		return nil, fmt.Errorf("conversation: lookup active: %w", err)
	}

	if active != nil {
		if !active.IsExpired(s.now().UTC()) {
			return active, nil
		}
		closed, err := s.closeStale(ctx, active)
		if err != nil {
			return nil, err
		}
		return s.finder.CreateNew(ctx, ownerID, from, to, channel, userID, metadata, closed)
	}

	last, err := s.finder.FindLast(ctx, ownerID, from, to)
	if err != nil && err != ErrNotFound {
		return nil, fmt.Errorf("conversation: lookup last: %w", err)
	}
	return s.finder.CreateNew(ctx, ownerID, from, to, channel, userID, metadata, last)
}

// closeStale expires an active-but-past-TTL conversation before replacing
// it. Races with other writers are absorbed; a conversation someone else
// already closed is used as-is for linkage.
func (s *Service) closeStale(ctx context.Context, conv *Conversation) (*Conversation, error) {
	closed, err := withRetry(ctx, serviceRetryAttempts, conv, s.store.GetConversation, retryOnContention,
		func(ctx context.Context, c *Conversation) (*Conversation, error) {
			if c.Status.IsTerminal() {
				return c, nil
			}
			return s.lifecycle.TransitionTo(ctx, c, StatusExpired, ReasonStaleOnLookup, "system", nil)
		})
	if err != nil {
		return nil, fmt.Errorf("conversation: close stale %s: %w", conv.ID, err)
	}
	return closed, nil
}

// AddMessageResult reports what AddMessage did with the conversation.
type AddMessageResult struct {
	Conversation *Conversation
	Message      *Message
	Closed       bool
	Cancelled    bool
}

// AddMessage drives the conversation state machine for one message and
// persists it. The status block runs inside a bounded retry loop that
// reloads and replays on optimistic-lock races or transition rejections.
// Any unhandled error marks the conversation FAILED before propagating.
func (s *Service) AddMessage(ctx context.Context, conv *Conversation, msg *Message) (result *AddMessageResult, err error) {
	defer func() {
		if err != nil && !IsConcurrencyError(err) && !IsDuplicateMessage(err) {
			s.markFailed(ctx, conv.ID, err, "add_message")
		}
	}()

	msg.ConvID = conv.ID
	msg.OwnerID = conv.OwnerID
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}

	cancelled := false
	accepted := false
	settled, err := withRetry(ctx, serviceRetryAttempts, conv, s.store.GetConversation, retryOnContention,
		func(ctx context.Context, c *Conversation) (*Conversation, error) {
			cancelled, accepted = false, false
			switch c.Status {
			case StatusIdleTimeout:
				c.SetContext(ReasonReactivatedFromIdle, s.now().UTC().Format(time.RFC3339))
				return s.lifecycle.TransitionTo(ctx, c, StatusProgress, ReasonReactivatedFromIdle, string(msg.MessageOwner), nil)
			case StatusPending:
				if s.detector.DetectCancellationInPending(msg, c) {
					cancelled = true
					return c, nil
				}
				switch msg.MessageOwner {
				case OwnerAgent, OwnerSystem, OwnerSupport:
					c.SetContext("accepted_by", map[string]any{
						"owner":       string(msg.MessageOwner),
						"accepted_at": s.now().UTC().Format(time.RFC3339),
					})
					accepted = true
					return s.lifecycle.TransitionTo(ctx, c, StatusProgress, ReasonAgentAcceptance, string(msg.MessageOwner), nil)
				}
				return c, nil
			default:
				return c, nil
			}
		})
	if err != nil {
		return nil, err
	}
	conv = settled

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	if cancelled {
		closed, err := s.CloseConversation(ctx, conv, StatusUserClosed, ReasonUserCancellation, string(OwnerUser), true)
		if err != nil {
			return nil, err
		}
		return &AddMessageResult{Conversation: closed, Message: msg, Closed: true, Cancelled: true}, nil
	}

	if accepted {
		conv = s.stampAcceptance(ctx, conv, msg.ID)
	}

	closedNow := false
	if msg.MessageOwner == OwnerUser {
		conv, closedNow, err = s.maybeClose(ctx, conv, msg)
		if err != nil {
			return nil, err
		}
	}

	if !closedNow && !accepted {
		conv = s.touch(ctx, conv)
	}

	return &AddMessageResult{Conversation: conv, Message: msg, Closed: closedNow}, nil
}

// maybeClose runs the closure detector against recent history and applies
// the owner policy when intent is flagged. High-confidence detections close
// with the detector's suggested status immediately.
func (s *Service) maybeClose(ctx context.Context, conv *Conversation, msg *Message) (*Conversation, bool, error) {
	recent, err := s.store.RecentMessages(ctx, conv.ID, 10)
	if err != nil {
		s.logger.Warn("failed to load recent messages for closure detection",
			"conv_id", conv.ID, "error", err)
		recent = nil
	}
	// The triggering message was just persisted; the detector wants the
	// history leading up to it.
	history := recent[:0:0]
	for _, m := range recent {
		if m.ID != msg.ID {
			history = append(history, m)
		}
	}

	verdict := s.detector.DetectIntent(msg, conv, history)
	if !verdict.ShouldClose {
		return conv, false, nil
	}

	target := verdict.SuggestedStatus
	if verdict.Confidence < ForceCloseConfidence {
		policy, ok := closurePolicy[msg.MessageOwner]
		if !ok {
			policy = StatusExpired
		}
		target = policy
	}

	s.logger.Info("closure intent detected",
		"conv_id", conv.ID, "confidence", verdict.Confidence, "target", target, "reasons", verdict.Reasons)

	closed, err := s.CloseConversation(ctx, conv, target, ReasonClosureIntent, string(msg.MessageOwner), true)
	if err != nil {
		return nil, false, err
	}
	return closed, true, nil
}

// touch refreshes the idle clock. Contention here is absorbed with a single
// reload-and-retry; a persistent failure is logged, never fatal.
// stampAcceptance writes the accepting message id into the accepted_by bag
// through the version guard, re-applying the stamp after a reload so a lost
// race cannot drop it. Doubles as the idle-clock refresh for the acceptance
// path. Best-effort: a persistent conflict leaves the stamp absent.
func (s *Service) stampAcceptance(ctx context.Context, conv *Conversation, msgID string) *Conversation {
	stamped, err := withRetry(ctx, serviceRetryAttempts, conv, s.store.GetConversation, retryOnContention,
		func(ctx context.Context, c *Conversation) (*Conversation, error) {
			updated := cloneConversation(c)
			bag, _ := updated.Context["accepted_by"].(map[string]any)
			if bag == nil {
				bag = map[string]any{}
			}
			bag["message_id"] = msgID
			updated.SetContext("accepted_by", bag)
			updated.UpdatedAt = s.now().UTC()
			if err := s.store.UpdateConversation(ctx, updated, c.Version); err != nil {
				return nil, err
			}
			return updated, nil
		})
	if err != nil {
		s.logger.Warn("failed to stamp accepting message", "conv_id", conv.ID, "error", err)
		return conv
	}
	return stamped
}

func (s *Service) touch(ctx context.Context, conv *Conversation) *Conversation {
	touched, err := withRetry(ctx, 2, conv, s.store.GetConversation, retryOnContention,
		func(ctx context.Context, c *Conversation) (*Conversation, error) {
			if c.Status.IsTerminal() {
				return c, nil
			}
			updated := cloneConversation(c)
			updated.UpdatedAt = s.now().UTC()
			if err := s.store.UpdateConversation(ctx, updated, c.Version); err != nil {
				return nil, err
			}
			return updated, nil
		})
	if err != nil {
		s.logger.Warn("failed to refresh idle clock", "conv_id", conv.ID, "error", err)
		return conv
	}
	return touched
}

// markFailed stamps diagnostics and force-marks the conversation FAILED.
// Best-effort: FAILED outranks every other closure, and errors here are
// logged rather than masking the original failure.
func (s *Service) markFailed(ctx context.Context, convID string, cause error, operation string) {
	fresh, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		s.logger.Error("failed to load conversation for failure marking", "conv_id", convID, "error", err)
		return
	}
	fresh.SetContext("failure_details", map[string]any{
		"error":     cause.Error(),
		"operation": operation,
		"failed_at": s.now().UTC().Format(time.RFC3339),
	})
	if _, err := s.lifecycle.TransitionWithPriority(ctx, fresh, StatusFailed, "unhandled_error", "system"); err != nil {
		s.logger.Error("failed to mark conversation failed", "conv_id", convID, "error", err)
	}
}

// CloseConversation is a thin wrapper over Lifecycle.TransitionTo. With
// autoRetry the bounded retry loop absorbs races; batch jobs pass false to
// decide for themselves whether to recheck and retry.
func (s *Service) CloseConversation(ctx context.Context, conv *Conversation, status Status, reason, initiatedBy string, autoRetry bool) (*Conversation, error) {
	attempts := 1
	if autoRetry {
		attempts = serviceRetryAttempts
	}
	return withRetry(ctx, attempts, conv, s.store.GetConversation, retryOnContention,
		func(ctx context.Context, c *Conversation) (*Conversation, error) {
			return s.lifecycle.TransitionTo(ctx, c, status, reason, initiatedBy, nil)
		})
}

// CloseConversationWithPriority is the forced-closure variant.
func (s *Service) CloseConversationWithPriority(ctx context.Context, conv *Conversation, status Status, reason, initiatedBy string, autoRetry bool) (*Conversation, error) {
	attempts := 1
	if autoRetry {
		attempts = serviceRetryAttempts
	}
	return withRetry(ctx, attempts, conv, s.store.GetConversation, retryOnContention,
		func(ctx context.Context, c *Conversation) (*Conversation, error) {
			return s.lifecycle.TransitionWithPriority(ctx, c, status, reason, initiatedBy)
		})
}

// ProcessExpiredConversations sweeps TTL-expired conversations. Each item
// that hits a concurrency conflict is reloaded, re-validated and retried
// once; everything else is skipped and logged. Always returns a count.
func (s *Service) ProcessExpiredConversations(ctx context.Context, limit int) int {
	now := s.now().UTC()
	candidates, err := s.store.ListExpired(ctx, now, limit)
	if err != nil {
		s.logger.Error("failed to list expired conversations", "error", err)
		return 0
	}

	count := 0
	for _, conv := range candidates {
		if !conv.IsExpired(now) {
			continue
		}
		if s.sweepOne(ctx, conv, StatusExpired, ReasonTTLExpired, func(c *Conversation) bool {
			return c.Status.IsActive() && c.IsExpired(s.now().UTC())
		}) {
			count++
		}
	}
	return count
}

// ProcessIdleConversations sweeps PROGRESS conversations whose idle clock
// exceeds idleFor into IDLE_TIMEOUT, with the same per-item retry-once
// semantics as the expiry sweep.
func (s *Service) ProcessIdleConversations(ctx context.Context, idleFor time.Duration, limit int) int {
	threshold := s.now().UTC().Add(-idleFor)
	candidates, err := s.store.ListIdle(ctx, threshold, limit)
	if err != nil {
		s.logger.Error("failed to list idle conversations", "error", err)
		return 0
	}

	count := 0
	for _, conv := range candidates {
		if conv.Status != StatusProgress {
			continue
		}
		if s.sweepOne(ctx, conv, StatusIdleTimeout, ReasonIdleTimeout, func(c *Conversation) bool {
			return c.Status == StatusProgress && c.UpdatedAt.Before(threshold)
		}) {
			count++
		}
	}
	return count
}

// sweepOne transitions a single batch item, retrying once after a reload if
// the triggering condition still holds.
func (s *Service) sweepOne(ctx context.Context, conv *Conversation, target Status, reason string, stillHolds func(*Conversation) bool) bool {
	_, err := s.lifecycle.TransitionTo(ctx, conv, target, reason, "system", nil)
	if err == nil {
		return true
	}
	if !retryOnContention(err) {
		s.logger.Error("batch transition failed", "conv_id", conv.ID, "target", target, "error", err)
		return false
	}

	fresh, reloadErr := s.store.GetConversation(ctx, conv.ID)
	if reloadErr != nil {
		s.logger.Warn("failed to reload contended conversation", "conv_id", conv.ID, "error", reloadErr)
		return false
	}
	if !stillHolds(fresh) {
		return false
	}
	if _, err := s.lifecycle.TransitionTo(ctx, fresh, target, reason, "system", nil); err != nil {
		s.logger.Info("skipping contended batch item", "conv_id", conv.ID, "target", target, "error", err)
		return false
	}
	return true
}
