package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies which transport the conversation is happening on.
type Channel string

const (
	ChannelUnknown  Channel = ""
	ChannelWhatsApp Channel = "whatsapp"
)

// Direction distinguishes inbound user traffic from outbound replies.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageOwner is who authored a message.
type MessageOwner string

const (
	OwnerUser    MessageOwner = "user"
	OwnerAgent   MessageOwner = "agent"
	OwnerSystem  MessageOwner = "system"
	OwnerSupport MessageOwner = "support"
)

// ParseMessageOwner coerces an external owner representation.
func ParseMessageOwner(raw string) MessageOwner {
	switch MessageOwner(raw) {
	case OwnerUser, OwnerAgent, OwnerSystem, OwnerSupport:
		return MessageOwner(raw)
	}
	return OwnerUser
}

// MessageType classifies the message content.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
)

// Conversation is a tenant-scoped exchange between two numbers. The version
// field is the sole concurrency primitive: it increases by exactly one per
// successful write and every mutation goes through an UPDATE guarded by it.
type Conversation struct {
	ID         string         `json:"conv_id"`
	OwnerID    string         `json:"owner_id"`
	UserID     string         `json:"user_id,omitempty"`
	FromNumber string         `json:"from_number"`
	ToNumber   string         `json:"to_number"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Channel    Channel        `json:"channel"`
	SessionKey string         `json:"session_key"`
	Context    map[string]any `json:"context"`
	Metadata   map[string]any `json:"metadata"`
	Version    int            `json:"version"`
}

// IsExpired reports whether the conversation's TTL has elapsed.
func (c *Conversation) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// SetContext writes a key into the context bag, allocating it if needed.
func (c *Conversation) SetContext(key string, value any) {
	if c.Context == nil {
		c.Context = make(map[string]any)
	}
	c.Context[key] = value
}

// SetMetadata writes a key into the metadata bag, allocating it if needed.
func (c *Conversation) SetMetadata(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
}

// Message is an append-only record owned by a conversation. The only
// permitted mutation is a single body/content rewrite after asynchronous
// transcription completes.
type Message struct {
	ID            string         `json:"msg_id"`
	ConvID        string         `json:"conv_id"`
	OwnerID       string         `json:"owner_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	FromNumber    string         `json:"from_number"`
	ToNumber      string         `json:"to_number"`
	Body          string         `json:"body"`
	Direction     Direction      `json:"direction"`
	SentByIA      bool           `json:"sent_by_ia"`
	MessageOwner  MessageOwner   `json:"message_owner"`
	MessageType   MessageType    `json:"message_type"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ExternalID returns the channel-provider message id carried in metadata,
// used for idempotent ingestion.
func (m *Message) ExternalID() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["external_message_id"].(string); ok {
		return v
	}
	return ""
}

// TransitionRecord is the append-only audit trail of status changes.
// Writes are best-effort: failures are logged, never propagated.
type TransitionRecord struct {
	ConvID     string         `json:"conv_id"`
	FromStatus Status         `json:"from_status"`
	ToStatus   Status         `json:"to_status"`
	ChangedBy  string         `json:"changed_by"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewID returns a sortable unique id. UUIDv7 embeds a millisecond timestamp
// so ids order by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
