package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/matheus3301/medchat/internal/chat"
)

// ErrUnconfirmed is returned for optimistic messages, which are never cached.
var ErrUnconfirmed = errors.New("message has no server id")

const messageColumns = `id, conversation_id, client_msg_id, sender_id, content, message_type,
	file_url, file_name, file_size, created_at, is_delivered, is_read`

// UpsertMessage inserts or updates a confirmed message (idempotent on id).
// Read and delivered flags never go back to false.
func (db *DB) UpsertMessage(m chat.Message) error {
	return upsertMessage(db.DB, m)
}

// BulkUpsertMessages writes a history batch in a single transaction.
// Unconfirmed messages in the batch are skipped.
func (db *DB) BulkUpsertMessages(msgs []chat.Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n := 0
	for _, m := range msgs {
		if m.ID <= 0 {
			continue
		}
		if err := upsertMessage(tx, m); err != nil {
			return 0, err
		}
		n++
	}
	return n, tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, m chat.Message) error {
	if m.ID <= 0 {
		return fmt.Errorf("%w: %d", ErrUnconfirmed, m.ID)
	}
	_, err := ex.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_msg_id = CASE WHEN excluded.client_msg_id != '' THEN excluded.client_msg_id ELSE messages.client_msg_id END,
			content = excluded.content,
			created_at = excluded.created_at,
			is_delivered = MAX(messages.is_delivered, excluded.is_delivered),
			is_read = MAX(messages.is_read, excluded.is_read)`,
		m.ID, m.ConversationID, m.ClientMsgID, m.SenderID, m.Content, string(m.Type),
		m.FileURL, m.FileName, m.FileSize, millis(m.CreatedAt), m.IsDelivered, m.IsRead)
	if err != nil {
		return fmt.Errorf("upsert message %d: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns up to limit messages of a conversation created before
// before (all when zero), in ascending (createdAt, id) order.
func (db *DB) ListMessages(conversationID int64, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeTs := millis(before)
	if beforeTs <= 0 {
		beforeTs = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessage(s scanner) (chat.Message, error) {
	var (
		m       chat.Message
		typ     string
		created int64
	)
	err := s.Scan(&m.ID, &m.ConversationID, &m.ClientMsgID, &m.SenderID, &m.Content, &typ,
		&m.FileURL, &m.FileName, &m.FileSize, &created, &m.IsDelivered, &m.IsRead)
	if err != nil {
		return chat.Message{}, err
	}
	m.Type = chat.MessageType(typ)
	m.CreatedAt = fromMillis(created)
	m.Status = chat.StatusFromFlags(m.IsDelivered, m.IsRead)
	return m, nil
}

// ConversationCount returns the total number of cached conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
