package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the datastore boundary for conversations, messages and the
// transition audit trail. The only mutation primitive the engine relies on
// is UpdateConversation's "UPDATE ... WHERE conv_id = x AND version = v".
type Store interface {
	GetConversation(ctx context.Context, convID string) (*Conversation, error)
	InsertConversation(ctx context.Context, conv *Conversation) error
	// UpdateConversation writes conv guarded by expectedVersion. On success
	// conv.Version is bumped to expectedVersion+1; on a version mismatch a
	// *ConcurrencyError carrying the observed version is returned.
	UpdateConversation(ctx context.Context, conv *Conversation, expectedVersion int) error
	FindActiveBySessionKey(ctx context.Context, ownerID, sessionKey string) (*Conversation, error)
	FindLastBySessionKey(ctx context.Context, ownerID, sessionKey string) (*Conversation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Conversation, error)
	ListIdle(ctx context.Context, olderThan time.Time, limit int) ([]*Conversation, error)

	InsertMessage(ctx context.Context, msg *Message) error
	FindMessageByExternalID(ctx context.Context, ownerID, externalID string) (*Message, error)
	RecentMessages(ctx context.Context, convID string, limit int) ([]*Message, error)
	UpdateMessageBody(ctx context.Context, msgID, body, content string) error

	AppendTransition(ctx context.Context, rec *TransitionRecord) error
}

// Querier is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore persists conversations and messages to PostgreSQL.
type PgStore struct {
	pool Querier
}

// NewPgStore creates a Postgres-backed store.
func NewPgStore(pool Querier) *PgStore {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

const conversationColumns = `conv_id, owner_id, user_id, from_number, to_number, status,
	started_at, ended_at, updated_at, expires_at, channel, session_key, context, metadata, version`

func (s *PgStore) GetConversation(ctx context.Context, convID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE conv_id = $1`
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, convID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: get %s: %w", convID, err)
	}
	return conv, nil
}

func (s *PgStore) InsertConversation(ctx context.Context, conv *Conversation) error {
	contextJSON, err := marshalBag(conv.Context)
	if err != nil {
		return fmt.Errorf("conversation: encode context: %w", err)
	}
	metadataJSON, err := marshalBag(conv.Metadata)
	if err != nil {
		return fmt.Errorf("conversation: encode metadata: %w", err)
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err = s.pool.Exec(ctx, query,
		conv.ID, conv.OwnerID, conv.UserID, conv.FromNumber, conv.ToNumber, string(conv.Status),
		conv.StartedAt, conv.EndedAt, conv.UpdatedAt, conv.ExpiresAt,
		string(conv.Channel), conv.SessionKey, contextJSON, metadataJSON, conv.Version,
	)
	if err != nil {
		return fmt.Errorf("conversation: insert %s: %w", conv.ID, err)
	}
	return nil
}

func (s *PgStore) UpdateConversation(ctx context.Context, conv *Conversation, expectedVersion int) error {
	contextJSON, err := marshalBag(conv.Context)
	if err != nil {
		return fmt.Errorf("conversation: encode context: %w", err)
	}
	metadataJSON, err := marshalBag(conv.Metadata)
	if err != nil {
		return fmt.Errorf("conversation: encode metadata: %w", err)
	}

	query := `
		UPDATE conversations SET
			user_id = NULLIF($2, ''),
			status = $3,
			ended_at = $4,
			updated_at = $5,
			expires_at = $6,
			context = $7,
			metadata = $8,
			version = version + 1
		WHERE conv_id = $1 AND version = $9
	`
	ct, err := s.pool.Exec(ctx, query,
		conv.ID, conv.UserID, string(conv.Status), conv.EndedAt, conv.UpdatedAt,
		conv.ExpiresAt, contextJSON, metadataJSON, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("conversation: update %s: %w", conv.ID, err)
	}
	if ct.RowsAffected() == 0 {
		var observed int
		err := s.pool.QueryRow(ctx, `SELECT version FROM conversations WHERE conv_id = $1`, conv.ID).Scan(&observed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("conversation: read version of %s: %w", conv.ID, err)
		}
		return &ConcurrencyError{ConvID: conv.ID, ExpectedVersion: expectedVersion, ObservedVersion: observed}
	}
	conv.Version = expectedVersion + 1
	return nil
}

func (s *PgStore) FindActiveBySessionKey(ctx context.Context, ownerID, sessionKey string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE owner_id = $1 AND session_key = $2 AND status = ANY($3)
		ORDER BY started_at DESC
		LIMIT 1
	`
	statuses := make([]string, 0, len(ActiveStatuses))
	for _, st := range ActiveStatuses {
		statuses = append(statuses, string(st))
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, ownerID, sessionKey, statuses))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: find active: %w", err)
	}
	return conv, nil
}

func (s *PgStore) FindLastBySessionKey(ctx context.Context, ownerID, sessionKey string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE owner_id = $1 AND session_key = $2
		ORDER BY started_at DESC
		LIMIT 1
	`
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, ownerID, sessionKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: find last: %w", err)
	}
	return conv, nil
}

func (s *PgStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = ANY($1) AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	statuses := make([]string, 0, len(ActiveStatuses))
	for _, st := range ActiveStatuses {
		statuses = append(statuses, string(st))
	}
	return s.listConversations(ctx, query, statuses, now, limit)
}

func (s *PgStore) ListIdle(ctx context.Context, olderThan time.Time, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	statuses := make([]string, 0, len(ActiveStatuses))
	for _, st := range ActiveStatuses {
		statuses = append(statuses, string(st))
	}
	return s.listConversations(ctx, query, statuses, olderThan, limit)
}

func (s *PgStore) listConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate rows: %w", err)
	}
	return convs, nil
}

const messageColumns = `msg_id, conv_id, owner_id, correlation_id, from_number, to_number, body,
	direction, sent_by_ia, message_owner, message_type, content, metadata, timestamp`

func (s *PgStore) InsertMessage(ctx context.Context, msg *Message) error {
	metadataJSON, err := marshalBag(msg.Metadata)
	if err != nil {
		return fmt.Errorf("conversation: encode message metadata: %w", err)
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`
	_, err = s.pool.Exec(ctx, query,
		msg.ID, msg.ConvID, msg.OwnerID, msg.CorrelationID, msg.FromNumber, msg.ToNumber,
		msg.Body, string(msg.Direction), msg.SentByIA, string(msg.MessageOwner),
		string(msg.MessageType), msg.Content, metadataJSON, msg.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, lookupErr := s.FindMessageByExternalID(ctx, msg.OwnerID, msg.ExternalID())
			if lookupErr == nil && existing != nil {
				return &DuplicateMessageError{ExternalID: msg.ExternalID(), ExistingID: existing.ID}
			}
			return &DuplicateMessageError{ExternalID: msg.ExternalID()}
		}
		return fmt.Errorf("conversation: insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *PgStore) FindMessageByExternalID(ctx context.Context, ownerID, externalID string) (*Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE owner_id = $1 AND metadata->>'external_message_id' = $2
		LIMIT 1
	`
	msg, err := scanMessage(s.pool.QueryRow(ctx, query, ownerID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: find message by external id: %w", err)
	}
	return msg, nil
}

func (s *PgStore) RecentMessages(ctx context.Context, convID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conv_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate messages: %w", err)
	}
	// Oldest first for detector consumption.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PgStore) UpdateMessageBody(ctx context.Context, msgID, body, content string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE messages SET body = $2, content = $3 WHERE msg_id = $1
	`, msgID, body, content)
	if err != nil {
		return fmt.Errorf("conversation: update message body %s: %w", msgID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	metadataJSON, err := marshalBag(rec.Metadata)
	if err != nil {
		return fmt.Errorf("conversation: encode transition metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_state_history (conv_id, from_status, to_status, changed_by, reason, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ConvID, string(rec.FromStatus), string(rec.ToStatus), rec.ChangedBy, rec.Reason, metadataJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("conversation: append transition: %w", err)
	}
	return nil
}

func marshalBag(bag map[string]any) ([]byte, error) {
	if bag == nil {
		bag = map[string]any{}
	}
	return json.Marshal(bag)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var userID *string
	var status, channel string
	var contextJSON, metadataJSON []byte

	err := row.Scan(
		&conv.ID, &conv.OwnerID, &userID, &conv.FromNumber, &conv.ToNumber, &status,
		&conv.StartedAt, &conv.EndedAt, &conv.UpdatedAt, &conv.ExpiresAt,
		&channel, &conv.SessionKey, &contextJSON, &metadataJSON, &conv.Version,
	)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		conv.UserID = *userID
	}
	conv.Status = ParseStatus(status)
	conv.Channel = Channel(channel)
	if err := unmarshalBag(contextJSON, &conv.Context); err != nil {
		return nil, err
	}
	if err := unmarshalBag(metadataJSON, &conv.Metadata); err != nil {
		return nil, err
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var correlationID *string
	var direction, owner, msgType string
	var metadataJSON []byte

	err := row.Scan(
		&msg.ID, &msg.ConvID, &msg.OwnerID, &correlationID, &msg.FromNumber, &msg.ToNumber,
		&msg.Body, &direction, &msg.SentByIA, &owner, &msgType, &msg.Content,
		&metadataJSON, &msg.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if correlationID != nil {
		msg.CorrelationID = *correlationID
	}
	msg.Direction = Direction(direction)
	msg.MessageOwner = ParseMessageOwner(owner)
	msg.MessageType = MessageType(msgType)
	if err := unmarshalBag(metadataJSON, &msg.Metadata); err != nil {
		return nil, err
	}
	return &msg, nil
}

func unmarshalBag(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		*dst = map[string]any{}
		return nil
	}
	return json.Unmarshal(data, dst)
}
