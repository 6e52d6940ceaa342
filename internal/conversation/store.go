// Package conversation persists conversations and their append-only
// message logs. It is the agent's only memory: everything a turn needs
// to rebuild its transcript is read back from here.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/tally/internal/database"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrOwnership is returned when the caller does not own the
	// conversation it addressed.
	ErrOwnership = errors.New("conversation belongs to another owner")

	// ErrInvalidRole is returned for message roles other than user and
	// assistant.
	ErrInvalidRole = errors.New("invalid message role")
)

// Role identifies who authored a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is a thread of messages owned by one identity.
type Conversation struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single immutable entry in a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	OwnerID        string    `json:"-"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary describes a conversation in a listing.
type Summary struct {
	Conversation
	MessageCount int `json:"message_count"`
}

// Store is the SQLite-backed conversation store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a conversation store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateConversation starts a new, empty conversation for ownerID.
func (s *Store) CreateConversation(ctx context.Context, ownerID string) (*Conversation, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("create conversation: owner is required")
	}
	now := s.now().UTC()
	ts := database.FormatTime(now)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (owner_id, created_at, updated_at) VALUES (?, ?, ?)`,
		ownerID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert conversation id: %w", err)
	}
	return &Conversation{ID: id, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation returns the conversation if ownerID owns it.
func (s *Store) GetConversation(ctx context.Context, id int64, ownerID string) (*Conversation, error) {
	return getConversation(ctx, s.db, id, ownerID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getConversation runs against either the pool or an open transaction.
func getConversation(ctx context.Context, q queryer, id int64, ownerID string) (*Conversation, error) {
	var (
		c                Conversation
		created, updated string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, owner_id, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation %d: %w", id, err)
	}
	if c.OwnerID != ownerID {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrOwnership)
	}
	if c.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendMessage adds a message to the conversation. The ownership check,
// the insert and the updated_at bump happen in one transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, ownerID string, role Role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("append message: %w: %q", ErrInvalidRole, role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := getConversation(ctx, tx, conversationID, ownerID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ts := database.FormatTime(now)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, owner_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, ownerID, string(role), content, ts)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, ts, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation %d: %w", conversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return &Message{
		ID:             id,
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// History returns the most recent limit messages of the conversation in
// the order they were appended. A limit of zero or less returns all.
func (s *Store) History(ctx context.Context, conversationID int64, ownerID string, limit int) ([]Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, ownerID); err != nil {
		return nil, err
	}

	query := `SELECT id, conversation_id, owner_id, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			role    string
			created string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if m.CreatedAt, err = database.ParseTime(created); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListConversations returns the owner's conversations, most recently
// active first.
func (s *Store) ListConversations(ctx context.Context, ownerID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.owner_id, c.created_at, c.updated_at, COUNT(m.id)
		 FROM conversations c
		 LEFT JOIN messages m ON m.conversation_id = c.id
		 WHERE c.owner_id = ?
		 GROUP BY c.id
		 ORDER BY c.updated_at DESC, c.id DESC
		 LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum              Summary
			created, updated string
		)
		if err := rows.Scan(&sum.ID, &sum.OwnerID, &created, &updated, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if sum.CreatedAt, err = database.ParseTime(created); err != nil {
			return nil, err
		}
		if sum.UpdatedAt, err = database.ParseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
