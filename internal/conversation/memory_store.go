package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It enforces the same version and external-id uniqueness semantics as the
// Postgres store.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string]*Message
	transitions   []*TransitionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetConversation(_ context.Context, convID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[convID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) InsertConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, conv *Conversation, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return &ConcurrencyError{ConvID: conv.ID, ExpectedVersion: expectedVersion, ObservedVersion: current.Version}
	}
	next := cloneConversation(conv)
	next.Version = expectedVersion + 1
	s.conversations[conv.ID] = next
	conv.Version = next.Version
	return nil
}

func (s *MemoryStore) FindActiveBySessionKey(_ context.Context, ownerID, sessionKey string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findBySessionKey(ownerID, sessionKey, true)
}

func (s *MemoryStore) FindLastBySessionKey(_ context.Context, ownerID, sessionKey string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findBySessionKey(ownerID, sessionKey, false)
}

func (s *MemoryStore) findBySessionKey(ownerID, sessionKey string, activeOnly bool) (*Conversation, error) {
	var matches []*Conversation
	for _, conv := range s.conversations {
		if conv.OwnerID != ownerID || conv.SessionKey != sessionKey {
			continue
		}
		if activeOnly && !conv.Status.IsActive() {
			continue
		}
		matches = append(matches, conv)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StartedAt.After(matches[j].StartedAt)
	})
	return cloneConversation(matches[0]), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conversation
	for _, conv := range s.conversations {
		if !conv.Status.IsActive() {
			continue
		}
		if conv.IsExpired(now) {
			out = append(out, cloneConversation(conv))
		}
	}
	sortByStartedAt(out)
	return capList(out, limit), nil
}

func (s *MemoryStore) ListIdle(_ context.Context, olderThan time.Time, limit int) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conversation
	for _, conv := range s.conversations {
		if !conv.Status.IsActive() {
			continue
		}
		if conv.UpdatedAt.Before(olderThan) {
			out = append(out, cloneConversation(conv))
		}
	}
	sortByStartedAt(out)
	return capList(out, limit), nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if extID := msg.ExternalID(); extID != "" {
		for _, existing := range s.messages {
			if existing.OwnerID == msg.OwnerID && existing.ExternalID() == extID {
				return &DuplicateMessageError{ExternalID: extID, ExistingID: existing.ID}
			}
		}
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryStore) FindMessageByExternalID(_ context.Context, ownerID, externalID string) (*Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.OwnerID == ownerID && msg.ExternalID() == externalID {
			return cloneMessage(msg), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RecentMessages(_ context.Context, convID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, msg := range s.messages {
		if msg.ConvID == convID {
			out = append(out, cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessageBody(_ context.Context, msgID, body, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[msgID]
	if !ok {
		return ErrNotFound
	}
	msg.Body = body
	msg.Content = content
	return nil
}

func (s *MemoryStore) AppendTransition(_ context.Context, rec *TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, rec)
	return nil
}

// Transitions returns a snapshot of the audit trail for assertions.
func (s *MemoryStore) Transitions() []*TransitionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TransitionRecord, len(s.transitions))
	copy(out, s.transitions)
	return out
}

func cloneConversation(conv *Conversation) *Conversation {
	clone := *conv
	clone.Context = cloneBag(conv.Context)
	clone.Metadata = cloneBag(conv.Metadata)
	if conv.EndedAt != nil {
		t := *conv.EndedAt
		clone.EndedAt = &t
	}
	if conv.ExpiresAt != nil {
		t := *conv.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}

func cloneMessage(msg *Message) *Message {
	clone := *msg
	clone.Metadata = cloneBag(msg.Metadata)
	return &clone
}

func cloneBag(bag map[string]any) map[string]any {
	if bag == nil {
		return nil
	}
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}

func sortByStartedAt(convs []*Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].StartedAt.Before(convs[j].StartedAt)
	})
}

func capList(convs []*Conversation, limit int) []*Conversation {
	if limit > 0 && len(convs) > limit {
		return convs[:limit]
	}
	return convs
}
