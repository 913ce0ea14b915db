package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// DefaultTitle is the placeholder assigned until the first user message
// supplies a real one.
const DefaultTitle = "New Conversation"

func (s *Store) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()
	conv := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q := s.sql.Insert("conversations").
		Columns("id", "user_id", "title", "message_count", "created_at", "updated_at").
		Values(conv.ID, conv.UserID, conv.Title, 0, conv.CreatedAt, conv.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	q := s.sql.Select("id", "user_id", "title", "message_count", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID, &c.UserID, &c.Title, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns the owner's conversations, most recently
// updated first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	q := s.sql.Select("id", "user_id", "title", "message_count", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	q := s.sql.Update("conversations").
		Set("title", title).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update title query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message and bumps the parent conversation's
// message_count and updated_at in one transaction. The timestamp is assigned
// here, never by callers, so ordering within a conversation is consistent
// across concurrent writers.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, sources []string) (Message, error) {
	if sources == nil {
		sources = []string{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return Message{}, fmt.Errorf("marshal sources: %w", err)
	}

	now := time.Now().UTC()
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Sources:        sources,
		Timestamp:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append message tx: %w", err)
	}
	defer tx.Rollback()

	upd := s.sql.Update("conversations").
		Set("message_count", sq.Expr("message_count + 1")).
		Set("updated_at", now).
		Where(sq.Eq{"id": conversationID})
	sqlStr, args, err := upd.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build bump conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return Message{}, fmt.Errorf("bump conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Message{}, ErrNotFound
	}

	ins := s.sql.Insert("messages").
		Columns("id", "conversation_id", "role", "content", "sources_json", "created_at").
		Values(msg.ID, msg.ConversationID, msg.Role, msg.Content, string(sourcesJSON), msg.Timestamp)
	sqlStr, args, err = ins.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build insert message query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append message tx: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages ordered ascending by their
// store-assigned timestamp. The store is the ordering authority.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	q := s.sql.Select("id", "conversation_id", "role", "content", "sources_json", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var sourcesJSON string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &sourcesJSON, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if err := json.Unmarshal([]byte(sourcesJSON), &m.Sources); err != nil {
			m.Sources = []string{}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// DeleteConversation removes the message sub-rows first, then the
// conversation itself, in one transaction.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.deleteConversationTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation tx: %w", err)
	}
	return nil
}

// DeleteEmptyConversations removes every conversation owned by userID with a
// zero message count and returns how many were deleted.
func (s *Store) DeleteEmptyConversations(ctx context.Context, userID string) (int, error) {
	q := s.sql.Select("id").
		From("conversations").
		Where(sq.Eq{"user_id": userID, "message_count": 0})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build empty conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("find empty conversations: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan empty conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate empty conversation ids: %w", err)
	}
	rows.Close()

	deleted := 0
	for _, id := range ids {
		if err := s.DeleteConversation(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) deleteConversationTx(ctx context.Context, tx *sql.Tx, id string) error {
	delMsgs := s.sql.Delete("messages").Where(sq.Eq{"conversation_id": id})
	sqlStr, args, err := delMsgs.ToSql()
	if err != nil {
		return fmt.Errorf("build delete messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	delConv := s.sql.Delete("conversations").Where(sq.Eq{"id": id})
	sqlStr, args, err = delConv.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStaleEmptyConversations removes zero-message conversations across all
// users that have not been touched for olderThan. Recently created records
// are left alone so an in-flight first message is never raced.
func (s *Store) DeleteStaleEmptyConversations(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	q := s.sql.Select("id").
		From("conversations").
		Where(sq.Eq{"message_count": 0}).
		Where(sq.Lt{"updated_at": cutoff})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build stale conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("find stale conversations: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate stale conversation ids: %w", err)
	}
	rows.Close()

	deleted := 0
	for _, id := range ids {
		if err := s.DeleteConversation(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
